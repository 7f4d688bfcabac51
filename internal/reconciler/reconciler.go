package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"settlement/internal/domain"
	"settlement/internal/indexer"
	"settlement/internal/monitor"
	"settlement/internal/repository/counters_repo"
	"settlement/internal/repository/payments_repo"
	"settlement/internal/webhook"
)

var (
	ErrInvalidRequest     = errors.New("payment id and tx id are required")
	ErrUnsupportedNetwork = errors.New("no confirmation monitor for network")
	ErrShuttingDown       = errors.New("reconciler is shutting down")
)

type Watcher interface {
	Watch(ctx context.Context, req monitor.Request) domain.ConfirmationResult
}

// Notifier announces terminal transitions. Delivery is best effort and its
// outcome is only logged.
type Notifier interface {
	Trigger(ctx context.Context, event string, payload webhook.Payload) []webhook.Delivery
}

type TimeoutPolicy string

const (
	// TimeoutPolicyFail marks a payment failed when monitoring runs out of attempts.
	TimeoutPolicyFail TimeoutPolicy = "fail"
	// TimeoutPolicyPending leaves it pending for a later re-check or the expiry sweep.
	TimeoutPolicyPending TimeoutPolicy = "pending"
)

func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch p := TimeoutPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case TimeoutPolicyFail, TimeoutPolicyPending:
		return p, nil
	case "":
		return TimeoutPolicyFail, nil
	}
	return "", fmt.Errorf("unknown timeout policy %q", s)
}

// Decision is what Apply or Expire did with a payment.
type Decision string

const (
	DecisionCompleted Decision = "completed"
	DecisionFailed    Decision = "failed"
	DecisionExpired   Decision = "expired"
	DecisionSkipped   Decision = "skipped"
	DecisionUnchanged Decision = "unchanged"
)

type Config struct {
	TimeoutPolicy      TimeoutPolicy
	Concurrency        int
	RecoveryContractID string
	RecoveryFunction   string
	SweepBatch         int
	ApplyTimeout       time.Duration
}

type Dependencies struct {
	Store     payments_repo.PaymentRepository
	Links     counters_repo.LinkCounter
	Products  counters_repo.ProductCounter
	Customers counters_repo.CustomerLedger
	Notifier  Notifier
	// Watchers maps a payment network to its confirmation monitor.
	Watchers map[string]Watcher
}

type task struct {
	txID   string
	cancel context.CancelFunc
}

// Reconciler owns the payment lifecycle. Every status change goes through a
// per-payment lock and a conditional write, so each payment is reconciled at
// most once no matter how many results race for it.
type Reconciler struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	locks  *keyedMutex
	sem    chan struct{}
	now    func() time.Time

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(deps Dependencies, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.TimeoutPolicy == "" {
		cfg.TimeoutPolicy = TimeoutPolicyFail
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		locks:  newKeyedMutex(),
		sem:    make(chan struct{}, cfg.Concurrency),
		now:    time.Now,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithClock replaces the time source. Intended for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// ReconcilePayment records the submitted transaction and starts monitoring it
// in the background. It returns once monitoring is scheduled; a payment that
// is already terminal is left untouched.
func (r *Reconciler) ReconcilePayment(ctx context.Context, paymentID, txID string) error {
	paymentID, txID = strings.TrimSpace(paymentID), strings.TrimSpace(txID)
	if paymentID == "" || txID == "" {
		return ErrInvalidRequest
	}
	log := r.logger.With(zap.String("payment_id", paymentID), zap.String("tx_id", txID))

	p, err := r.deps.Store.FindByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		log.Info("Payment already settled, ignoring confirmation request", zap.String("status", string(p.Status)))
		return nil
	}

	watcher, ok := r.deps.Watchers[p.NetworkOrDefault()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, p.NetworkOrDefault())
	}

	if err := r.deps.Store.RecordSubmission(ctx, paymentID, txID); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			log.Info("Payment settled while recording submission, ignoring")
			return nil
		}
		return fmt.Errorf("failed to record submission: %w", err)
	}

	return r.start(p, txID, watcher, log)
}

func (r *Reconciler) start(p *domain.Payment, txID string, watcher Watcher, log *zap.Logger) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	if running, ok := r.tasks[p.ID]; ok {
		if running.txID == txID {
			r.mu.Unlock()
			log.Info("Payment already being monitored for this transaction")
			return nil
		}
		log.Info("Replacing monitor for new transaction id", zap.String("previous_tx_id", running.txID))
		running.cancel()
	}

	ctx, cancel := context.WithCancel(r.ctx)
	t := &task{txID: txID, cancel: cancel}
	r.tasks[p.ID] = t
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(ctx, t, p, watcher, log)
	return nil
}

func (r *Reconciler) run(ctx context.Context, t *task, p *domain.Payment, watcher Watcher, log *zap.Logger) {
	defer r.wg.Done()
	defer r.forget(p.ID, t)
	defer t.cancel()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-r.sem }()

	res := watcher.Watch(ctx, monitor.Request{
		TxID: t.txID,
		Hint: r.recoveryHint(p, t.txID),
		Halt: r.settled(p.ID),
	})
	if res.Outcome == domain.OutcomeCancelled {
		log.Info("Monitoring stopped before a result", zap.Int("attempts", res.Attempts))
		return
	}

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ApplyTimeout)
	defer cancel()
	if _, err := r.Apply(applyCtx, p.ID, res); err != nil {
		log.Error("Failed to apply confirmation result", zap.String("outcome", string(res.Outcome)), zap.Error(err))
	}
}

func (r *Reconciler) forget(paymentID string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks[paymentID] == t {
		delete(r.tasks, paymentID)
	}
}

// settled lets a monitor stop polling once the payment was resolved elsewhere.
func (r *Reconciler) settled(paymentID string) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		p, err := r.deps.Store.FindByID(ctx, paymentID)
		if err != nil {
			return errors.Is(err, domain.ErrPaymentNotFound)
		}
		return p.Status.IsTerminal()
	}
}

func (r *Reconciler) recoveryHint(p *domain.Payment, txID string) *indexer.RecoveryHint {
	if r.cfg.RecoveryContractID == "" {
		return nil
	}
	return &indexer.RecoveryHint{
		ContractID:  r.cfg.RecoveryContractID,
		Function:    r.cfg.RecoveryFunction,
		Sender:      p.CustomerAddress,
		Since:       p.CreatedAt,
		ExcludeTxID: txID,
	}
}

// Apply settles a payment from a terminal monitor result. It re-reads the
// payment under its lock, so a duplicate or late result is dropped.
func (r *Reconciler) Apply(ctx context.Context, paymentID string, res domain.ConfirmationResult) (Decision, error) {
	return r.transition(ctx, paymentID, func(p *domain.Payment, now time.Time) (domain.Transition, bool) {
		return r.decide(p, res, now)
	})
}

func (r *Reconciler) decide(p *domain.Payment, res domain.ConfirmationResult, now time.Time) (domain.Transition, bool) {
	switch res.Outcome {
	case domain.OutcomeConfirmed:
		return domain.Transition{To: domain.PaymentStatusCompleted, TxID: res.TxID, BlockHeight: res.BlockHeight, At: now}, true
	case domain.OutcomeRejected:
		return domain.Transition{To: domain.PaymentStatusFailed, Reason: "transaction rejected: " + res.Reason, At: now}, true
	case domain.OutcomeTimeout:
		if p.IsExpired(now) {
			return domain.Transition{To: domain.PaymentStatusExpired, Reason: "payment expired", At: now}, true
		}
		if r.cfg.TimeoutPolicy == TimeoutPolicyFail {
			return domain.Transition{To: domain.PaymentStatusFailed, Reason: res.Reason, At: now}, true
		}
	}
	return domain.Transition{}, false
}

// Expire moves a pending payment whose window has elapsed to expired and
// stops its monitor.
func (r *Reconciler) Expire(ctx context.Context, paymentID string) (Decision, error) {
	decision, err := r.transition(ctx, paymentID, func(p *domain.Payment, now time.Time) (domain.Transition, bool) {
		if !p.IsExpired(now) {
			return domain.Transition{}, false
		}
		return domain.Transition{To: domain.PaymentStatusExpired, Reason: "payment expired", At: now}, true
	})
	if decision == DecisionExpired {
		r.Cancel(paymentID)
	}
	return decision, err
}

func (r *Reconciler) transition(ctx context.Context, paymentID string, decide func(*domain.Payment, time.Time) (domain.Transition, bool)) (Decision, error) {
	unlock := r.locks.Lock(paymentID)
	defer unlock()

	log := r.logger.With(zap.String("payment_id", paymentID))

	p, err := r.deps.Store.FindByID(ctx, paymentID)
	if err != nil {
		return DecisionSkipped, err
	}
	if p.Status.IsTerminal() {
		log.Info("Payment already terminal, dropping result", zap.String("status", string(p.Status)))
		return DecisionSkipped, nil
	}

	t, ok := decide(p, r.now())
	if !ok {
		return DecisionUnchanged, nil
	}

	from := p.Status
	if err := p.Apply(t); err != nil {
		return DecisionSkipped, err
	}
	if err := r.deps.Store.ApplyTransition(ctx, p, from); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			log.Info("Payment changed concurrently, dropping result")
			return DecisionSkipped, nil
		}
		return DecisionSkipped, fmt.Errorf("failed to persist payment transition: %w", err)
	}

	log.Info("Payment status changed",
		zap.String("from", string(from)),
		zap.String("to", string(p.Status)),
		zap.String("confirmed_tx_id", p.ConfirmedTxID),
		zap.String("reason", p.FailureReason))

	if p.Status == domain.PaymentStatusCompleted {
		r.propagate(ctx, p, log)
	}
	r.announce(ctx, p, log)

	return Decision(p.Status), nil
}

// propagate applies the completion side effects. They are independent of
// each other and of the completion itself: failures are logged only.
func (r *Reconciler) propagate(ctx context.Context, p *domain.Payment, log *zap.Logger) {
	linkID := p.MetadataValue(domain.MetadataPaymentLinkID)
	if linkID == "" {
		linkID = p.LinkID
	}
	if linkID != "" && r.deps.Links != nil {
		r.sideEffect(log, "link_usage", linkID, r.deps.Links.IncrementLinkUsage(ctx, linkID))
	}

	if productID := p.MetadataValue(domain.MetadataProductID); productID != "" && r.deps.Products != nil {
		r.sideEffect(log, "product_payments", productID, r.deps.Products.IncrementProductPayments(ctx, productID))
	}

	email := p.MetadataValue(domain.MetadataCustomerEmail)
	if email != "" && p.MetadataValue(domain.MetadataCheckoutType) == domain.CheckoutTypeProduct && r.deps.Customers != nil {
		r.sideEffect(log, "customer_purchase", email,
			r.deps.Customers.RecordPurchase(ctx, p.MerchantAddress, email, p.Amount, *p.CompletedAt))
	}
}

func (r *Reconciler) sideEffect(log *zap.Logger, effect, target string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, domain.ErrRecordNotFound):
		log.Warn("Completion side effect target missing", zap.String("effect", effect), zap.String("target", target), zap.Error(err))
	default:
		log.Error("Completion side effect failed", zap.String("effect", effect), zap.String("target", target), zap.Error(err))
	}
}

func (r *Reconciler) announce(ctx context.Context, p *domain.Payment, log *zap.Logger) {
	event, ok := domain.EventForStatus(p.Status)
	if !ok || r.deps.Notifier == nil {
		return
	}
	delivered := 0
	deliveries := r.deps.Notifier.Trigger(ctx, event, p)
	for _, d := range deliveries {
		if d.OK() {
			delivered++
		}
	}
	log.Info("Payment event announced",
		zap.String("event", event),
		zap.Int("endpoints", len(deliveries)),
		zap.Int("delivered", delivered))
}

// ExpireStale expires one batch of pending payments past their window.
func (r *Reconciler) ExpireStale(ctx context.Context) (int, error) {
	payments, err := r.deps.Store.ListExpiredPending(ctx, r.now(), r.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range payments {
		decision, err := r.Expire(ctx, p.ID)
		if err != nil {
			r.logger.Error("Failed to expire payment", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}
		if decision == DecisionExpired {
			expired++
		}
	}
	return expired, nil
}

// RunExpirySweeper calls ExpireStale every interval until ctx is done. A
// non-positive interval falls back to one minute.
func (r *Reconciler) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	r.logger.Info("Starting expiry sweeper", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			n, err := r.ExpireStale(ctx)
			if err != nil {
				r.logger.Error("Expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("Expired stale payments", zap.Int("count", n))
			}
		}
	}
}

// Cancel stops the running monitor of a payment, if any.
func (r *Reconciler) Cancel(paymentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[paymentID]
	if ok {
		t.cancel()
	}
	return ok
}

// Monitoring reports whether a monitor is running for the payment.
func (r *Reconciler) Monitoring(paymentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[paymentID]
	return ok
}

// Shutdown stops every monitor and waits for them to exit.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
