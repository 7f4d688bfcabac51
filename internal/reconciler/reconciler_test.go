package reconciler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"settlement/internal/domain"
	"settlement/internal/monitor"
	"settlement/internal/reconciler"
	counters "settlement/internal/repository/counters_repo/memory"
	payments "settlement/internal/repository/payments_repo/memory"
	"settlement/internal/webhook"
)

type watcherFunc func(ctx context.Context, req monitor.Request) domain.ConfirmationResult

func (f watcherFunc) Watch(ctx context.Context, req monitor.Request) domain.ConfirmationResult {
	return f(ctx, req)
}

type announcement struct {
	event     string
	paymentID string
	status    domain.PaymentStatus
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []announcement
}

func (n *recordingNotifier) Trigger(_ context.Context, event string, payload webhook.Payload) []webhook.Delivery {
	p := payload.(*domain.Payment)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, announcement{event: event, paymentID: p.ID, status: p.Status})
	return []webhook.Delivery{{EndpointID: "ep"}}
}

func (n *recordingNotifier) announcements() []announcement {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]announcement(nil), n.sent...)
}

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *payments.PaymentRepository
	counters *counters.CounterRepository
	notifier *recordingNotifier
	rec      *reconciler.Reconciler
}

func newFixture(t *testing.T, cfg reconciler.Config, watcher reconciler.Watcher) *fixture {
	t.Helper()
	f := &fixture{
		store:    payments.NewPaymentRepository(),
		counters: counters.NewCounterRepository(),
		notifier: &recordingNotifier{},
	}
	f.rec = reconciler.New(reconciler.Dependencies{
		Store:     f.store,
		Links:     f.counters,
		Products:  f.counters,
		Customers: f.counters,
		Notifier:  f.notifier,
		Watchers:  map[string]reconciler.Watcher{domain.NetworkMainnet: watcher},
	}, cfg, zap.NewNop()).WithClock(func() time.Time { return now })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, f.rec.Shutdown(ctx))
	})
	return f
}

func pendingPayment(id string) *domain.Payment {
	return &domain.Payment{
		ID:              id,
		Network:         domain.NetworkMainnet,
		Amount:          decimal.RequireFromString("12.5"),
		Status:          domain.PaymentStatusPending,
		MerchantAddress: "SPmerchant",
		Metadata: map[string]string{
			domain.MetadataPaymentLinkID: "link_1",
			domain.MetadataProductID:     "prod_missing",
			domain.MetadataCustomerEmail: "Buyer@example.com",
			domain.MetadataCheckoutType:  domain.CheckoutTypeProduct,
		},
		CreatedAt: now.Add(-5 * time.Minute),
		ExpiresAt: now.Add(25 * time.Minute),
	}
}

func (f *fixture) payment(t *testing.T, id string) *domain.Payment {
	t.Helper()
	p, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, p.CheckInvariants())
	return p
}

func unusedWatcher(t *testing.T) reconciler.Watcher {
	return watcherFunc(func(context.Context, monitor.Request) domain.ConfirmationResult {
		t.Error("watcher must not be started")
		return domain.ConfirmationResult{}
	})
}

func TestApply_ConfirmedWithMissingProductStillCompletes(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
	f.store.Put(pendingPayment("pay_1"))
	f.counters.AddLink("link_1")
	f.counters.AddCustomer("SPmerchant", "buyer@example.com")

	decision, err := f.rec.Apply(context.Background(), "pay_1", domain.Confirmed("0xabc", 42, 3))

	require.NoError(t, err)
	require.Equal(t, reconciler.DecisionCompleted, decision)

	p := f.payment(t, "pay_1")
	require.Equal(t, domain.PaymentStatusCompleted, p.Status)
	require.Equal(t, "0xabc", p.ConfirmedTxID)
	require.Equal(t, int64(42), p.BlockHeight)
	require.NotNil(t, p.CompletedAt)
	require.True(t, p.CompletedAt.Equal(now))

	require.Equal(t, 1, f.counters.LinkUsage("link_1"))
	customer, ok := f.counters.Customer("SPmerchant", "buyer@example.com")
	require.True(t, ok)
	require.Equal(t, 1, customer.OrderCount)
	require.True(t, customer.TotalSpent.Equal(decimal.RequireFromString("12.5")))
	require.Equal(t, "active", customer.Status)
	require.True(t, customer.LastPurchaseDate.Equal(now))

	require.Equal(t, []announcement{{event: domain.EventPaymentConfirmed, paymentID: "pay_1", status: domain.PaymentStatusCompleted}},
		f.notifier.announcements())
}

func TestApply_CustomerOnlyCountedForProductCheckout(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
	p := pendingPayment("pay_1")
	p.Metadata[domain.MetadataCheckoutType] = "invoice"
	f.store.Put(p)
	f.counters.AddCustomer("SPmerchant", "buyer@example.com")

	_, err := f.rec.Apply(context.Background(), "pay_1", domain.Confirmed("0xabc", 42, 1))
	require.NoError(t, err)

	customer, _ := f.counters.Customer("SPmerchant", "buyer@example.com")
	require.Zero(t, customer.OrderCount)
}

func TestApply_TerminalPaymentIsNeverChangedAgain(t *testing.T) {
	results := map[string]domain.ConfirmationResult{
		"confirmed": domain.Confirmed("0xlate", 99, 1),
		"rejected":  domain.Rejected("0xlate", "abort_by_response", 1),
		"timeout":   domain.TimedOut("0xlate", 30),
	}
	for _, status := range []domain.PaymentStatus{domain.PaymentStatusCompleted, domain.PaymentStatusFailed, domain.PaymentStatusExpired} {
		for name, res := range results {
			t.Run(string(status)+"/"+name, func(t *testing.T) {
				f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
				p := pendingPayment("pay_1")
				p.Status = status
				if status == domain.PaymentStatusCompleted {
					p.ConfirmedTxID = "0xoriginal"
				}
				f.store.Put(p)

				decision, err := f.rec.Apply(context.Background(), "pay_1", res)

				require.NoError(t, err)
				require.Equal(t, reconciler.DecisionSkipped, decision)
				stored := f.payment(t, "pay_1")
				require.Equal(t, status, stored.Status)
				require.Equal(t, p.ConfirmedTxID, stored.ConfirmedTxID)
				require.Empty(t, f.notifier.announcements())
				require.Zero(t, f.store.Transitions())
			})
		}
	}
}

func TestApply_ConcurrentResultsSettleOnce(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
	f.store.Put(pendingPayment("pay_1"))
	f.counters.AddLink("link_1")

	var wg sync.WaitGroup
	var completed, failures atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := domain.Confirmed("0xabc", 42, 1)
			if i%2 == 1 {
				res = domain.Rejected("0xabc", "abort_by_response", 1)
			}
			decision, err := f.rec.Apply(context.Background(), "pay_1", res)
			if err != nil {
				failures.Add(1)
			}
			if decision != reconciler.DecisionSkipped {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	require.Equal(t, int32(1), completed.Load())
	require.Equal(t, 1, f.store.Transitions())
	require.Len(t, f.notifier.announcements(), 1)
	require.LessOrEqual(t, f.counters.LinkUsage("link_1"), 1)
	f.payment(t, "pay_1")
}

func TestApply_RejectedFailsWithoutSideEffects(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
	f.store.Put(pendingPayment("pay_1"))
	f.counters.AddLink("link_1")

	decision, err := f.rec.Apply(context.Background(), "pay_1", domain.Rejected("0xabc", "abort_by_post_condition", 2))

	require.NoError(t, err)
	require.Equal(t, reconciler.DecisionFailed, decision)
	p := f.payment(t, "pay_1")
	require.Equal(t, domain.PaymentStatusFailed, p.Status)
	require.Empty(t, p.ConfirmedTxID)
	require.Contains(t, p.FailureReason, "abort_by_post_condition")
	require.Zero(t, f.counters.LinkUsage("link_1"))
	require.Equal(t, domain.EventPaymentFailed, f.notifier.announcements()[0].event)
}

func TestApply_TimeoutPolicy(t *testing.T) {
	t.Run("fail", func(t *testing.T) {
		f := newFixture(t, reconciler.Config{TimeoutPolicy: reconciler.TimeoutPolicyFail}, unusedWatcher(t))
		f.store.Put(pendingPayment("pay_1"))

		decision, err := f.rec.Apply(context.Background(), "pay_1", domain.TimedOut("0xabc", 30))

		require.NoError(t, err)
		require.Equal(t, reconciler.DecisionFailed, decision)
		require.Equal(t, domain.ReasonConfirmationTimeout, f.payment(t, "pay_1").FailureReason)
		require.Equal(t, domain.EventPaymentFailed, f.notifier.announcements()[0].event)
	})

	t.Run("pending", func(t *testing.T) {
		f := newFixture(t, reconciler.Config{TimeoutPolicy: reconciler.TimeoutPolicyPending}, unusedWatcher(t))
		f.store.Put(pendingPayment("pay_1"))

		decision, err := f.rec.Apply(context.Background(), "pay_1", domain.TimedOut("0xabc", 30))

		require.NoError(t, err)
		require.Equal(t, reconciler.DecisionUnchanged, decision)
		require.Equal(t, domain.PaymentStatusPending, f.payment(t, "pay_1").Status)
		require.Empty(t, f.notifier.announcements())

		decision, err = f.rec.Apply(context.Background(), "pay_1", domain.Confirmed("0xabc", 50, 1))
		require.NoError(t, err)
		require.Equal(t, reconciler.DecisionCompleted, decision)
	})

	for _, policy := range []reconciler.TimeoutPolicy{reconciler.TimeoutPolicyFail, reconciler.TimeoutPolicyPending} {
		t.Run("expired payment/"+string(policy), func(t *testing.T) {
			f := newFixture(t, reconciler.Config{TimeoutPolicy: policy}, unusedWatcher(t))
			p := pendingPayment("pay_1")
			p.ExpiresAt = now.Add(-time.Second)
			f.store.Put(p)

			decision, err := f.rec.Apply(context.Background(), "pay_1", domain.TimedOut("0xabc", 30))

			require.NoError(t, err)
			require.Equal(t, reconciler.DecisionExpired, decision)
			require.Equal(t, domain.PaymentStatusExpired, f.payment(t, "pay_1").Status)
			require.Equal(t, domain.EventPaymentExpired, f.notifier.announcements()[0].event)
		})
	}
}

func TestApply_CancelledResultChangesNothing(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
	f.store.Put(pendingPayment("pay_1"))

	decision, err := f.rec.Apply(context.Background(), "pay_1", domain.Cancelled("0xabc", 2))

	require.NoError(t, err)
	require.Equal(t, reconciler.DecisionUnchanged, decision)
	require.Empty(t, f.notifier.announcements())
}

func TestReconcilePayment_MonitorsAndSettles(t *testing.T) {
	var gotTx atomic.Value
	var haltedEarly atomic.Bool
	watcher := watcherFunc(func(ctx context.Context, req monitor.Request) domain.ConfirmationResult {
		gotTx.Store(req.TxID)
		haltedEarly.Store(req.Halt(ctx))
		return domain.Confirmed(req.TxID, 77, 2)
	})
	f := newFixture(t, reconciler.Config{}, watcher)
	f.store.Put(pendingPayment("pay_1"))

	require.NoError(t, f.rec.ReconcilePayment(context.Background(), "pay_1", "0xabc"))

	require.Eventually(t, func() bool {
		p, _ := f.store.FindByID(context.Background(), "pay_1")
		return p.Status == domain.PaymentStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	p := f.payment(t, "pay_1")
	require.Equal(t, "0xabc", p.SubmittedTxID)
	require.Equal(t, "0xabc", p.ConfirmedTxID)
	require.Equal(t, "0xabc", gotTx.Load())
	require.False(t, haltedEarly.Load())
	require.Eventually(t, func() bool { return !f.rec.Monitoring("pay_1") }, time.Second, 5*time.Millisecond)
}

func TestReconcilePayment_TerminalPaymentIsIgnored(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
	p := pendingPayment("pay_1")
	p.Status = domain.PaymentStatusFailed
	f.store.Put(p)

	require.NoError(t, f.rec.ReconcilePayment(context.Background(), "pay_1", "0xabc"))
	require.False(t, f.rec.Monitoring("pay_1"))
	require.Empty(t, f.payment(t, "pay_1").SubmittedTxID)
}

func TestReconcilePayment_Errors(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
	testnet := pendingPayment("pay_testnet")
	testnet.Network = domain.NetworkTestnet
	f.store.Put(testnet)

	require.ErrorIs(t, f.rec.ReconcilePayment(context.Background(), "", "0xabc"), reconciler.ErrInvalidRequest)
	require.ErrorIs(t, f.rec.ReconcilePayment(context.Background(), "pay_1", " "), reconciler.ErrInvalidRequest)
	require.ErrorIs(t, f.rec.ReconcilePayment(context.Background(), "missing", "0xabc"), domain.ErrPaymentNotFound)
	require.ErrorIs(t, f.rec.ReconcilePayment(context.Background(), "pay_testnet", "0xabc"), reconciler.ErrUnsupportedNetwork)
}

func TestReconcilePayment_DuplicateRequestReusesMonitor(t *testing.T) {
	release := make(chan struct{})
	var starts atomic.Int32
	watcher := watcherFunc(func(ctx context.Context, req monitor.Request) domain.ConfirmationResult {
		starts.Add(1)
		select {
		case <-release:
			return domain.Confirmed(req.TxID, 1, 1)
		case <-ctx.Done():
			return domain.Cancelled(req.TxID, 1)
		}
	})
	f := newFixture(t, reconciler.Config{}, watcher)
	f.store.Put(pendingPayment("pay_1"))

	require.NoError(t, f.rec.ReconcilePayment(context.Background(), "pay_1", "0xabc"))
	require.NoError(t, f.rec.ReconcilePayment(context.Background(), "pay_1", "0xabc"))
	require.Eventually(t, func() bool { return starts.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		p, _ := f.store.FindByID(context.Background(), "pay_1")
		return p.Status == domain.PaymentStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), starts.Load())
	require.Len(t, f.notifier.announcements(), 1)
}

func TestReconcilePayment_NewTxReplacesRunningMonitor(t *testing.T) {
	watcher := watcherFunc(func(ctx context.Context, req monitor.Request) domain.ConfirmationResult {
		if req.TxID == "0xfirst" {
			<-ctx.Done()
			return domain.Cancelled(req.TxID, 1)
		}
		return domain.Confirmed(req.TxID, 5, 1)
	})
	f := newFixture(t, reconciler.Config{}, watcher)
	f.store.Put(pendingPayment("pay_1"))

	require.NoError(t, f.rec.ReconcilePayment(context.Background(), "pay_1", "0xfirst"))
	require.NoError(t, f.rec.ReconcilePayment(context.Background(), "pay_1", "0xsecond"))

	require.Eventually(t, func() bool {
		p, _ := f.store.FindByID(context.Background(), "pay_1")
		return p.Status == domain.PaymentStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "0xsecond", f.payment(t, "pay_1").ConfirmedTxID)
	require.Equal(t, 1, f.store.Transitions())
	require.Eventually(t, func() bool { return !f.rec.Monitoring("pay_1") }, time.Second, 5*time.Millisecond)
}

func TestCancel_StopsMonitorWithoutSettling(t *testing.T) {
	started := make(chan struct{})
	watcher := watcherFunc(func(ctx context.Context, req monitor.Request) domain.ConfirmationResult {
		close(started)
		<-ctx.Done()
		return domain.Cancelled(req.TxID, 1)
	})
	f := newFixture(t, reconciler.Config{}, watcher)
	f.store.Put(pendingPayment("pay_1"))

	require.NoError(t, f.rec.ReconcilePayment(context.Background(), "pay_1", "0xabc"))
	<-started
	require.True(t, f.rec.Cancel("pay_1"))

	require.Eventually(t, func() bool { return !f.rec.Monitoring("pay_1") }, time.Second, 5*time.Millisecond)
	require.Equal(t, domain.PaymentStatusPending, f.payment(t, "pay_1").Status)
	require.Empty(t, f.notifier.announcements())
	require.False(t, f.rec.Cancel("pay_1"))
}

func TestConcurrencyIsBounded(t *testing.T) {
	var active, peak atomic.Int32
	watcher := watcherFunc(func(ctx context.Context, req monitor.Request) domain.ConfirmationResult {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return domain.Confirmed(req.TxID, 1, 1)
	})
	f := newFixture(t, reconciler.Config{Concurrency: 2}, watcher)
	ids := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	for _, id := range ids {
		f.store.Put(pendingPayment(id))
		require.NoError(t, f.rec.ReconcilePayment(context.Background(), id, "0x"+id))
	}

	require.Eventually(t, func() bool { return f.store.Transitions() == len(ids) }, 3*time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExpireStale(t *testing.T) {
	started := make(chan struct{})
	var halted atomic.Bool
	watcher := watcherFunc(func(ctx context.Context, req monitor.Request) domain.ConfirmationResult {
		close(started)
		<-ctx.Done()
		halted.Store(true)
		return domain.Cancelled(req.TxID, 1)
	})
	f := newFixture(t, reconciler.Config{}, watcher)

	stale := pendingPayment("stale")
	stale.ExpiresAt = now.Add(-time.Minute)
	f.store.Put(stale)
	f.store.Put(pendingPayment("fresh"))
	done := pendingPayment("done")
	done.ExpiresAt = now.Add(-time.Hour)
	done.Status = domain.PaymentStatusFailed
	f.store.Put(done)

	require.NoError(t, f.rec.ReconcilePayment(context.Background(), "stale", "0xabc"))
	<-started

	n, err := f.rec.ExpireStale(context.Background())

	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, domain.PaymentStatusExpired, f.payment(t, "stale").Status)
	require.Equal(t, domain.PaymentStatusPending, f.payment(t, "fresh").Status)
	require.Equal(t, domain.PaymentStatusFailed, f.payment(t, "done").Status)
	require.Eventually(t, halted.Load, time.Second, 5*time.Millisecond)
	require.Equal(t, []announcement{{event: domain.EventPaymentExpired, paymentID: "stale", status: domain.PaymentStatusExpired}},
		f.notifier.announcements())
}

func TestExpire_NotYetDue(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
	f.store.Put(pendingPayment("pay_1"))

	decision, err := f.rec.Expire(context.Background(), "pay_1")

	require.NoError(t, err)
	require.Equal(t, reconciler.DecisionUnchanged, decision)
}

func TestRunExpirySweeper_NonPositiveIntervalFallsBack(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))

	for _, interval := range []time.Duration{0, -time.Second} {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			f.rec.RunExpirySweeper(ctx, interval)
		}()
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("sweeper with interval %s did not stop", interval)
		}
	}
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	f := newFixture(t, reconciler.Config{}, unusedWatcher(t))
	f.store.Put(pendingPayment("pay_1"))

	require.NoError(t, f.rec.Shutdown(context.Background()))

	require.ErrorIs(t, f.rec.ReconcilePayment(context.Background(), "pay_1", "0xabc"), reconciler.ErrShuttingDown)
}

func TestParseTimeoutPolicy(t *testing.T) {
	p, err := reconciler.ParseTimeoutPolicy("")
	require.NoError(t, err)
	require.Equal(t, reconciler.TimeoutPolicyFail, p)

	p, err = reconciler.ParseTimeoutPolicy(" Pending ")
	require.NoError(t, err)
	require.Equal(t, reconciler.TimeoutPolicyPending, p)

	_, err = reconciler.ParseTimeoutPolicy("retry")
	require.Error(t, err)
}
