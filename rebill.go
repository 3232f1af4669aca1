package rebill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rebillhq/rebill/discount"
	"github.com/rebillhq/rebill/gateway"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/payment"
	"github.com/rebillhq/rebill/plugin"
	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/store"
	"github.com/rebillhq/rebill/subscription"
	"github.com/rebillhq/rebill/types"
)

// Engine is the billing lifecycle engine. It owns no background workers or
// timers: billing happens when a caller invokes BillSubscription or one of
// the Process* sweeps, typically from an external scheduler.
type Engine struct {
	store   store.Store
	gateway gateway.Gateway
	plugins *plugin.Registry
	logger  *slog.Logger

	clock     func() time.Time
	methods   gateway.MethodChecker
	discounts DiscountResolver
	guard     IdempotencyGuard
	policies  map[retry.Category]retry.Policy

	// Configuration
	graceDuration      time.Duration
	maxGraceExtensions int
	batchConcurrency   int
	gatewayTimeout     time.Duration
	sweepLimit         int

	// Per-subscription mutexes; at most one orchestration run per
	// subscription within this process.
	locks sync.Map
}

// DiscountResolver computes the charge amount after any discount attached
// to the subscription. It returns the adjusted amount plus the discount it
// applied, nil when none applies. A resolver error never blocks billing;
// the engine logs it and bills the full amount.
type DiscountResolver interface {
	Resolve(ctx context.Context, sub *subscription.Subscription, amount types.Money, at time.Time) (types.Money, *discount.Discount, error)
}

// IdempotencyGuard is an optional distributed lock consulted before a
// billing run, for deployments where several processes share one store.
// Acquire returns false when another holder owns the key.
type IdempotencyGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// New creates a new Engine instance.
func New(s store.Store, gw gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		gateway:            gw,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		clock:              func() time.Time { return time.Now().UTC() },
		policies:           make(map[retry.Category]retry.Policy),
		graceDuration:      72 * time.Hour,
		maxGraceExtensions: 1,
		batchConcurrency:   8,
		gatewayTimeout:     30 * time.Second,
		sweepLimit:         500,
	}
	e.discounts = storeResolver{s: s}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithClock sets the time source. Billing decisions, period boundaries and
// retry schedules all read it.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithMethodChecker sets the pre-flight payment method verifier.
func WithMethodChecker(mc gateway.MethodChecker) Option {
	return func(e *Engine) {
		e.methods = mc
	}
}

// WithDiscountResolver replaces the store-backed discount resolver.
func WithDiscountResolver(r DiscountResolver) Option {
	return func(e *Engine) {
		e.discounts = r
	}
}

// WithIdempotencyGuard sets the distributed billing guard.
func WithIdempotencyGuard(g IdempotencyGuard) Option {
	return func(e *Engine) {
		e.guard = g
	}
}

// WithRetryPolicy overrides the retry policy for one failure category.
func WithRetryPolicy(c retry.Category, p retry.Policy) Option {
	return func(e *Engine) {
		e.policies[c] = p
	}
}

// WithGraceDuration sets the grace window granted when retries are
// exhausted or a failure is not retriable.
func WithGraceDuration(d time.Duration) Option {
	return func(e *Engine) {
		e.graceDuration = d
	}
}

// WithMaxGraceExtensions sets how many grace windows a subscription may
// receive per billing cycle.
func WithMaxGraceExtensions(n int) Option {
	return func(e *Engine) {
		e.maxGraceExtensions = n
	}
}

// WithBatchConcurrency bounds the parallel billing runs inside a sweep.
func WithBatchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchConcurrency = n
		}
	}
}

// WithGatewayTimeout bounds a single charge submission.
func WithGatewayTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.gatewayTimeout = d
	}
}

// WithSweepLimit caps how many subscriptions one sweep pulls from the
// store. Zero means no cap.
func WithSweepLimit(n int) Option {
	return func(e *Engine) {
		e.sweepLimit = n
	}
}

// Start migrates the store and initializes plugins. The engine starts no
// background workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("engine started",
		"grace_duration", e.graceDuration,
		"batch_concurrency", e.batchConcurrency,
		"gateway_timeout", e.gatewayTimeout,
	)

	return nil
}

// Stop shuts down the Engine.
func (e *Engine) Stop() error {
	e.plugins.EmitShutdown(context.Background())
	return e.store.Close()
}

// Plugins exposes the plugin registry.
func (e *Engine) Plugins() *plugin.Registry {
	return e.plugins
}

// ──────────────────────────────────────────────────
// Subscription lifecycle
// ──────────────────────────────────────────────────

// CreateSubscription validates and persists a new subscription. Missing
// identifiers, the first billing period and the retry bounds are filled
// in. Subscriptions are always created pending; ActivateSubscription
// starts the trial or takes the first charge.
func (e *Engine) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil {
		return ErrInvalidInput
	}

	var errs MultiError
	if sub.CustomerID == "" {
		errs.Add(ValidationError{Field: "customer_id", Message: "required"})
	}
	if sub.Amount.IsNegative() {
		errs.Add(ValidationError{Field: "amount", Message: "must not be negative"})
	}
	if err := sub.Cycle.Validate(); err != nil {
		errs.Add(ValidationError{Field: "cycle", Message: err.Error()})
	}
	if sub.Status != "" && sub.Status != subscription.StatusPending {
		errs.Add(ValidationError{Field: "status", Message: "must be pending at creation"})
	}
	if errs.HasErrors() {
		return errs
	}

	now := e.clock()
	if sub.ID.IsNil() {
		sub.ID = id.NewSubscriptionID()
	}
	sub.Entity = types.NewEntityAt(now)
	sub.Status = subscription.StatusPending
	if sub.CurrentPeriod.Start.IsZero() {
		sub.CurrentPeriod = sub.Cycle.PeriodFrom(now, 1)
	}
	if sub.Retry.MaxRetries == 0 {
		sub.Retry.MaxRetries = e.policyFor(retry.CategoryRetriable).MaxAttempts
	}
	if sub.Retry.MaxGraceExtensions == 0 {
		sub.Retry.MaxGraceExtensions = e.maxGraceExtensions
	}

	if err := e.store.CreateSubscription(ctx, sub); err != nil {
		return err
	}

	e.plugins.EmitSubscriptionCreated(ctx, sub)
	e.logger.Debug("subscription created",
		"subscription_id", sub.ID,
		"customer_id", sub.CustomerID,
		"amount", sub.Amount,
	)
	return nil
}

// GetSubscription retrieves a subscription by ID.
func (e *Engine) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return e.store.GetSubscription(ctx, subID)
}

// ListSubscriptions lists a customer's subscriptions.
func (e *Engine) ListSubscriptions(ctx context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, customerID, opts)
}

// PauseSubscription suspends billing. The current period keeps running;
// if it lapses while paused the subscription is due immediately on resume.
func (e *Engine) PauseSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return e.transitionLocked(ctx, subID, subscription.StatusPaused, subscription.TransitionContext{Reason: ReasonPaused})
}

// ResumeSubscription returns a paused subscription to active.
func (e *Engine) ResumeSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return e.transitionLocked(ctx, subID, subscription.StatusActive, subscription.TransitionContext{Reason: ReasonResumed})
}

// CancelSubscription cancels a subscription. The reason is required and
// recorded on the status history.
func (e *Engine) CancelSubscription(ctx context.Context, subID id.SubscriptionID, reason string) (*subscription.Subscription, error) {
	sub, err := e.transitionLocked(ctx, subID, subscription.StatusCanceled, subscription.TransitionContext{Reason: reason})
	if err != nil {
		return nil, err
	}
	e.plugins.EmitSubscriptionCanceled(ctx, sub)
	return sub, nil
}

// transitionLocked applies one operator-initiated status change under the
// subscription lock.
func (e *Engine) transitionLocked(ctx context.Context, subID id.SubscriptionID, to subscription.Status, tctx subscription.TransitionContext) (*subscription.Subscription, error) {
	unlock, err := e.lockSubscription(subID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSubscriptionTerminal, subID, sub.Status)
	}

	if tctx.At.IsZero() {
		tctx.At = e.clock()
	}
	updated, change, err := subscription.Transition(sub, to, tctx)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateSubscription(ctx, updated); err != nil {
		return nil, err
	}
	e.emitStatusChange(ctx, updated, change)
	return updated, nil
}

// ──────────────────────────────────────────────────
// Payments and refunds
// ──────────────────────────────────────────────────

// GetPayment retrieves a payment by ID.
func (e *Engine) GetPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error) {
	return e.store.GetPayment(ctx, payID)
}

// ListPayments lists a subscription's payments, newest first.
func (e *Engine) ListPayments(ctx context.Context, subID id.SubscriptionID, opts payment.ListOpts) ([]*payment.Payment, error) {
	return e.store.ListPaymentsBySubscription(ctx, subID, opts)
}

// RefundPayment refunds part or all of a settled payment. Refunding the
// full remaining amount moves the payment to refunded; when that payment
// is the subscription's latest, the subscription follows it to refunded.
func (e *Engine) RefundPayment(ctx context.Context, payID id.PaymentID, amount types.Money, reason string) (*payment.Payment, error) {
	if reason == "" {
		return nil, ErrRefundNotApproved
	}

	pay, err := e.store.GetPayment(ctx, payID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.lockSubscription(pay.SubscriptionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.clock()
	target := pay.RefundTarget(amount)
	refunded, _, err := payment.Transition(pay, target, payment.TransitionContext{
		Refund: amount,
		Reason: reason,
		At:     now,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdatePayment(ctx, refunded); err != nil {
		return nil, err
	}

	e.plugins.EmitRefundIssued(ctx, refunded, amount)
	e.logger.Info("refund issued",
		"payment_id", payID,
		"amount", amount,
		"status", refunded.Status,
	)

	if refunded.Status == payment.StatusRefunded {
		if err := e.refundSubscription(ctx, refunded, reason, now); err != nil {
			e.logger.Warn("subscription refund transition skipped",
				"subscription_id", refunded.SubscriptionID,
				"error", err,
			)
		}
	}

	return refunded, nil
}

// refundSubscription follows a fully refunded payment onto the
// subscription, when the payment is its latest and the status graph
// permits it.
func (e *Engine) refundSubscription(ctx context.Context, pay *payment.Payment, reason string, now time.Time) error {
	latest, err := e.store.ListPaymentsBySubscription(ctx, pay.SubscriptionID, payment.ListOpts{Limit: 1})
	if err != nil {
		return err
	}
	if len(latest) == 0 || latest[0].ID != pay.ID {
		return nil
	}

	sub, err := e.store.GetSubscription(ctx, pay.SubscriptionID)
	if err != nil {
		return err
	}
	if !subscription.CanTransition(sub.Status, subscription.StatusRefunded) {
		return nil
	}

	updated, change, err := subscription.Transition(sub, subscription.StatusRefunded, subscription.TransitionContext{
		RefundApproved: true,
		Reason:         reason,
		At:             now,
	})
	if err != nil {
		return err
	}
	if err := e.store.UpdateSubscription(ctx, updated); err != nil {
		return err
	}
	e.emitStatusChange(ctx, updated, change)
	return nil
}

// ──────────────────────────────────────────────────
// Discounts
// ──────────────────────────────────────────────────

// CreateDiscount validates and persists a discount.
func (e *Engine) CreateDiscount(ctx context.Context, d *discount.Discount) error {
	if d == nil {
		return ErrInvalidInput
	}
	if d.ID.IsNil() {
		d.ID = id.NewDiscountID()
	}
	d.Entity = types.NewEntityAt(e.clock())
	if err := d.Validate(); err != nil {
		return err
	}
	return e.store.CreateDiscount(ctx, d)
}

// GetDiscount retrieves a discount by code.
func (e *Engine) GetDiscount(ctx context.Context, code string) (*discount.Discount, error) {
	return e.store.GetDiscount(ctx, code)
}

// ListDiscounts lists discounts.
func (e *Engine) ListDiscounts(ctx context.Context, opts discount.ListOpts) ([]*discount.Discount, error) {
	return e.store.ListDiscounts(ctx, opts)
}

// UpdateDiscount validates and persists changes to a discount.
func (e *Engine) UpdateDiscount(ctx context.Context, d *discount.Discount) error {
	if d == nil {
		return ErrInvalidInput
	}
	if err := d.Validate(); err != nil {
		return err
	}
	d.TouchAt(e.clock())
	return e.store.UpdateDiscount(ctx, d)
}

// DeleteDiscount removes a discount. Subscriptions referencing its code
// simply bill at full price afterwards.
func (e *Engine) DeleteDiscount(ctx context.Context, discountID id.DiscountID) error {
	return e.store.DeleteDiscount(ctx, discountID)
}

// storeResolver resolves discounts from the engine's own store by the
// code attached to the subscription.
type storeResolver struct {
	s store.Store
}

func (r storeResolver) Resolve(ctx context.Context, sub *subscription.Subscription, amount types.Money, at time.Time) (types.Money, *discount.Discount, error) {
	if sub.DiscountCode == "" {
		return amount, nil, nil
	}
	d, err := r.s.GetDiscount(ctx, sub.DiscountCode)
	if err != nil {
		return amount, nil, err
	}
	if err := d.Usable(at); err != nil {
		return amount, nil, err
	}
	adjusted, err := d.Apply(amount)
	if err != nil {
		return amount, nil, err
	}
	return adjusted, d, nil
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// lockSubscription takes the per-subscription mutex without blocking. A
// held lock means another orchestration run is in flight.
func (e *Engine) lockSubscription(subID id.SubscriptionID) (func(), error) {
	v, _ := e.locks.LoadOrStore(subID.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrIdempotencyConflict, subID)
	}
	return mu.Unlock, nil
}

func (e *Engine) emitStatusChange(ctx context.Context, sub *subscription.Subscription, change *subscription.StatusChange) {
	if change == nil {
		return
	}
	e.plugins.EmitStatusChanged(ctx, sub, string(change.From), string(change.To), change.Reason)
}

func (e *Engine) policyFor(c retry.Category) retry.Policy {
	if p, ok := e.policies[c]; ok {
		return p
	}
	return retry.PolicyFor(c)
}

func (e *Engine) guardTTL() time.Duration {
	return 2*e.gatewayTimeout + time.Minute
}
