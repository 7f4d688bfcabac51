package webhook_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"settlement/internal/domain"
	endpoints "settlement/internal/repository/webhooks_repo/memory"
	"settlement/internal/webhook"
)

type registryFunc func(ctx context.Context, merchantID, event string) ([]domain.WebhookEndpoint, error)

func (f registryFunc) FindActiveByEvent(ctx context.Context, merchantID, event string) ([]domain.WebhookEndpoint, error) {
	return f(ctx, merchantID, event)
}

func staticRegistry(endpoints ...domain.WebhookEndpoint) registryFunc {
	return func(context.Context, string, string) ([]domain.WebhookEndpoint, error) {
		return endpoints, nil
	}
}

type received struct {
	body      []byte
	signature string
	event     string
}

func recorder(t *testing.T) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			body:      body,
			signature: r.Header.Get(webhook.HeaderSignature),
			event:     r.Header.Get(webhook.HeaderEvent),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func payment() *domain.Payment {
	return &domain.Payment{ID: "pay_1", MerchantAddress: "SPmerchant", Status: domain.PaymentStatusCompleted, ConfirmedTxID: "0xabc"}
}

func endpoint(id, url, secret string) domain.WebhookEndpoint {
	return domain.WebhookEndpoint{
		ID:         id,
		MerchantID: "SPmerchant",
		URL:        url,
		Secret:     secret,
		Events:     []string{domain.EventPaymentConfirmed},
		Active:     true,
	}
}

func TestTrigger_SlowEndpointDoesNotAffectSibling(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)
	fast, deliveries := recorder(t)

	d := webhook.NewDispatcher(staticRegistry(
		endpoint("slow", slow.URL, "s1"),
		endpoint("fast", fast.URL, "s2"),
	), 50*time.Millisecond, zap.NewNop())

	results := d.Trigger(context.Background(), domain.EventPaymentConfirmed, payment())

	require.Len(t, results, 2)
	require.False(t, results[0].OK())
	require.True(t, results[1].OK())

	got := deliveries()
	require.Len(t, got, 1)
	require.Equal(t, domain.EventPaymentConfirmed, got[0].event)
	require.True(t, webhook.Verify("s2", got[0].body, got[0].signature))
	require.False(t, webhook.Verify("s1", got[0].body, got[0].signature))

	var envelope struct {
		Event     string         `json:"event"`
		Data      domain.Payment `json:"data"`
		Timestamp time.Time      `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(got[0].body, &envelope))
	require.Equal(t, domain.EventPaymentConfirmed, envelope.Event)
	require.Equal(t, "pay_1", envelope.Data.ID)
	require.Equal(t, "0xabc", envelope.Data.ConfirmedTxID)
	require.False(t, envelope.Timestamp.IsZero())
}

func TestTrigger_NonSuccessStatusIsReportedNotRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := webhook.NewDispatcher(staticRegistry(endpoint("ep", srv.URL, "s")), time.Second, zap.NewNop())
	results := d.Trigger(context.Background(), domain.EventPaymentConfirmed, payment())

	require.Len(t, results, 1)
	require.Equal(t, http.StatusInternalServerError, results[0].StatusCode)
	require.Error(t, results[0].Err)
	require.Equal(t, 1, calls)
}

func TestTrigger_SkipsEndpointsNotMatching(t *testing.T) {
	srv, deliveries := recorder(t)

	inactive := endpoint("inactive", srv.URL, "s")
	inactive.Active = false
	otherMerchant := endpoint("other", srv.URL, "s")
	otherMerchant.MerchantID = "SPother"
	otherEvent := endpoint("failed-only", srv.URL, "s")
	otherEvent.Events = []string{domain.EventPaymentFailed}

	d := webhook.NewDispatcher(staticRegistry(inactive, otherMerchant, otherEvent), time.Second, zap.NewNop())
	results := d.Trigger(context.Background(), domain.EventPaymentConfirmed, payment())

	require.Empty(t, results)
	require.Empty(t, deliveries())
}

func TestTrigger_UsesRegisteredEndpoints(t *testing.T) {
	srv, deliveries := recorder(t)

	reg := endpoints.NewEndpointRepository(endpoint("ep_1", srv.URL, "s1"))
	otherMerchant := endpoint("ep_other", srv.URL, "s")
	otherMerchant.MerchantID = "SPother"
	reg.Add(otherMerchant)
	reg.Add(endpoint("ep_2", srv.URL, "s2"))

	results := webhook.NewDispatcher(reg, time.Second, zap.NewNop()).
		Trigger(context.Background(), domain.EventPaymentConfirmed, payment())

	require.Len(t, results, 2)
	ids := []string{results[0].EndpointID, results[1].EndpointID}
	require.ElementsMatch(t, []string{"ep_1", "ep_2"}, ids)
	require.Len(t, deliveries(), 2)
}

func TestTrigger_RegistryErrorIsSwallowed(t *testing.T) {
	reg := registryFunc(func(context.Context, string, string) ([]domain.WebhookEndpoint, error) {
		return nil, errors.New("db down")
	})

	results := webhook.NewDispatcher(reg, time.Second, zap.NewNop()).Trigger(context.Background(), domain.EventPaymentFailed, payment())

	require.Nil(t, results)
}

func TestTrigger_QueriesRegistryByMerchantAndEvent(t *testing.T) {
	var gotMerchant, gotEvent string
	reg := registryFunc(func(_ context.Context, merchantID, event string) ([]domain.WebhookEndpoint, error) {
		gotMerchant, gotEvent = merchantID, event
		return nil, nil
	})

	webhook.NewDispatcher(reg, time.Second, zap.NewNop()).Trigger(context.Background(), domain.EventPaymentExpired, payment())

	require.Equal(t, "SPmerchant", gotMerchant)
	require.Equal(t, domain.EventPaymentExpired, gotEvent)
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"payment.failed"}`)
	header := "sha256=" + webhook.Sign("secret", body)

	require.True(t, webhook.Verify("secret", body, header))
	require.False(t, webhook.Verify("secret", append(body, ' '), header))
	require.False(t, webhook.Verify("secret", body, webhook.Sign("secret", body)))
}
