package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"settlement/internal/domain"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-Id"
	HeaderTimestamp = "X-Webhook-Timestamp"

	signaturePrefix = "sha256="
)

// Payload is anything announced to a merchant's endpoints.
type Payload interface {
	Merchant() string
}

type EndpointRegistry interface {
	FindActiveByEvent(ctx context.Context, merchantID, event string) ([]domain.WebhookEndpoint, error)
}

// Delivery is the outcome of a single POST. It is reported for logging only;
// nothing retries it.
type Delivery struct {
	EndpointID string
	URL        string
	StatusCode int
	Err        error
	Duration   time.Duration
}

func (d Delivery) OK() bool {
	return d.Err == nil
}

// Dispatcher delivers each event at most once per endpoint. Endpoints are
// independent: a slow or failing endpoint never affects its siblings or the
// caller.
type Dispatcher struct {
	registry EndpointRegistry
	client   *http.Client
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(registry EndpointRegistry, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		client:   &http.Client{},
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Trigger resolves the subscribers for event and delivers to all of them,
// returning once every delivery has finished or timed out.
func (d *Dispatcher) Trigger(ctx context.Context, event string, payload Payload) []Delivery {
	merchant := payload.Merchant()
	log := d.logger.With(zap.String("event", event), zap.String("merchant_id", merchant))

	endpoints, err := d.registry.FindActiveByEvent(ctx, merchant, event)
	if err != nil {
		log.Error("Failed to resolve webhook endpoints", zap.Error(err))
		return nil
	}

	targets := endpoints[:0:0]
	for _, ep := range endpoints {
		if ep.Active && ep.MerchantID == merchant && ep.Subscribes(event) {
			targets = append(targets, ep)
		}
	}
	if len(targets) == 0 {
		log.Debug("No webhook endpoints subscribed")
		return nil
	}

	envelope := domain.WebhookEvent{Event: event, Data: payload, Timestamp: d.now().UTC()}
	body, err := json.Marshal(envelope)
	if err != nil {
		log.Error("Failed to encode webhook payload", zap.Error(err))
		return nil
	}

	deliveries := make([]Delivery, len(targets))
	var wg sync.WaitGroup
	for i, ep := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deliveries[i] = d.deliver(ctx, ep, event, envelope.Timestamp, body)

			res := deliveries[i]
			if res.OK() {
				log.Info("Webhook delivered",
					zap.String("endpoint", ep.ID),
					zap.Int("status", res.StatusCode),
					zap.Duration("duration", res.Duration))
				return
			}
			log.Warn("Webhook delivery failed",
				zap.String("endpoint", ep.ID),
				zap.String("url", ep.URL),
				zap.Int("status", res.StatusCode),
				zap.Error(res.Err))
		}()
	}
	wg.Wait()
	return deliveries
}

func (d *Dispatcher) deliver(ctx context.Context, ep domain.WebhookEndpoint, event string, ts time.Time, body []byte) (res Delivery) {
	res = Delivery{EndpointID: ep.ID, URL: ep.URL}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("failed to build webhook request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signaturePrefix+Sign(ep.Secret, body))
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderID, uuid.NewString())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))

	resp, err := d.client.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = fmt.Errorf("endpoint responded with status %d", resp.StatusCode)
	}
	return res
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value as sent by Dispatcher.
func Verify(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(Sign(secret, body)))
}
