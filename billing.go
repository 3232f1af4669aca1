package rebill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rebillhq/rebill/cycle"
	"github.com/rebillhq/rebill/discount"
	"github.com/rebillhq/rebill/gateway"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/payment"
	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/subscription"
	"github.com/rebillhq/rebill/types"
)

// Outcome summarizes what one billing run did.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomePastDue        Outcome = "past_due"
	OutcomeDeclined       Outcome = "declined"
	OutcomeExpired        Outcome = "expired"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeTrialStarted   Outcome = "trial_started"
)

// Reasons recorded on status history and emitted to plugins. Payment
// failures carry the classified category as a suffix, e.g.
// "payment_failed:card_declined".
const (
	ReasonPaymentSucceeded   = "payment_succeeded"
	ReasonPaymentFailed      = "payment_failed"
	ReasonTrialStarted       = "trial_started"
	ReasonTrialConverted     = "trial_converted"
	ReasonTrialPaymentFailed = "trial_payment_failed"
	ReasonRetriesExhausted   = "retries_exhausted"
	ReasonGraceExpired       = "grace_period_expired"
	ReasonPaused             = "paused"
	ReasonResumed            = "resumed"
)

func failureReason(c retry.Category) string {
	return ReasonPaymentFailed + ":" + string(c)
}

// BillingResult is the outcome of one billing run for one subscription.
type BillingResult struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Payment      *payment.Payment           `json:"payment,omitempty"`
	Outcome      Outcome                    `json:"outcome"`
}

// SweepResult summarizes one batch sweep.
type SweepResult struct {
	Kind      string        `json:"kind"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ──────────────────────────────────────────────────
// Billing orchestration
// ──────────────────────────────────────────────────

// BillSubscription runs one billing cycle for the subscription: charge the
// gateway, settle the payment and move the subscription accordingly. At
// most one run per subscription executes at a time; a concurrent caller
// gets ErrIdempotencyConflict.
//
// Terminal and canceled subscriptions are skipped. Paused subscriptions
// and active ones whose period has not lapsed return ErrNotDue.
func (e *Engine) BillSubscription(ctx context.Context, subID id.SubscriptionID) (*BillingResult, error) {
	return e.runLocked(ctx, subID, func(ctx context.Context) (*BillingResult, error) {
		sub, err := e.store.GetSubscription(ctx, subID)
		if err != nil {
			return nil, err
		}
		return e.bill(ctx, sub)
	})
}

// ActivateSubscription starts a pending subscription. With a trial ahead
// it moves to trialing without charging; otherwise the first charge runs
// immediately and the period is anchored at activation.
func (e *Engine) ActivateSubscription(ctx context.Context, subID id.SubscriptionID) (*BillingResult, error) {
	return e.runLocked(ctx, subID, func(ctx context.Context) (*BillingResult, error) {
		sub, err := e.store.GetSubscription(ctx, subID)
		if err != nil {
			return nil, err
		}

		now := e.clock()
		if sub.Status == subscription.StatusPending && sub.TrialEnd != nil && now.Before(*sub.TrialEnd) {
			updated, change, err := subscription.Transition(sub, subscription.StatusTrialing, subscription.TransitionContext{
				Reason: ReasonTrialStarted,
				At:     now,
			})
			if err != nil {
				return nil, err
			}
			if err := e.store.UpdateSubscription(ctx, updated); err != nil {
				return nil, err
			}
			e.emitStatusChange(ctx, updated, change)
			e.logger.Info("trial started",
				"subscription_id", subID,
				"trial_end", *sub.TrialEnd,
			)
			return &BillingResult{Subscription: updated, Outcome: OutcomeTrialStarted}, nil
		}

		return e.bill(ctx, sub)
	})
}

/// runLocked serializes a billing run per subscription: the in-process
// mutex first, then the distributed guard when one is configured.
func (e *Engine) runLocked(ctx context.Context, subID id.SubscriptionID, fn func(context.Context) (*BillingResult, error)) (*BillingResult, error) {
	unlock, err := e.lockSubscription(subID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if e.guard != nil {
		key := "rebill:billing:" + subID.String()
		ok, err := e.guard.Acquire(ctx, key, e.guardTTL())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrIdempotencyConflict, subID)
		}
		defer func() {
			if err := e.guard.Release(ctx, key); err != nil {
				e.logger.Warn("billing guard release failed",
					"subscription_id", subID,
					"error", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// bill is the orchestration pipeline. The caller holds the subscription
// lock and hands in a fresh snapshot.
func (e *Engine) bill(ctx context.Context, sub *subscription.Subscription) (*BillingResult, error) {
	now := e.clock()

	switch {
	case sub.Status.Terminal(), sub.Status == subscription.StatusCanceled:
		return &BillingResult{Subscription: sub, Outcome: OutcomeSkipped}, nil
	case sub.Status == subscription.StatusPaused:
		return nil, fmt.Errorf("%w: %s is paused", ErrNotDue, sub.ID)
	case sub.Status == subscription.StatusActive && !sub.CurrentPeriod.Expired(now):
		return nil, fmt.Errorf("%w: period %d ends %s", ErrNotDue,
			sub.CurrentPeriod.Number, sub.CurrentPeriod.End.Format(time.DateOnly))
	case sub.Status == subscription.StatusTrialing && !sub.TrialEnded(now):
		return nil, fmt.Errorf("%w: trial ends %s", ErrNotDue,
			sub.TrialEnd.Format(time.DateOnly))
	}

	if sub.PaymentMethod == "" {
		return nil, fmt.Errorf("%w: subscription %s", ErrNoPaymentMethod, sub.ID)
	}
	if e.methods != nil {
		if err := e.methods.CheckMethod(ctx, sub.CustomerID, sub.PaymentMethod); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoPaymentMethod, err)
		}
	}

	amount, disc := e.resolveDiscount(ctx, sub, now)

	// Pending activations and trial conversions anchor their first paid
	// period at now; everything else bills the current period in arrears.
	chargePeriod := sub.CurrentPeriod
	if sub.Status == subscription.StatusPending || sub.Status == subscription.StatusTrialing {
		chargePeriod = sub.Cycle.PeriodFrom(now, 1)
	}

	pay, err := e.paymentForRun(ctx, sub, amount, chargePeriod, now)
	if err != nil {
		return nil, err
	}

	if pay.Status != payment.StatusProcessing {
		fromRetry := pay.Status == payment.StatusRetrying
		next, _, err := payment.Transition(pay, payment.StatusProcessing, payment.TransitionContext{At: now})
		if err != nil {
			return nil, err
		}
		if fromRetry {
			// A new logical attempt: an idempotent gateway would replay
			// the recorded decline for the old key.
			next.RotateKey()
		}
		if err := e.store.UpdatePayment(ctx, next); err != nil {
			return nil, err
		}
		pay = next
	}

	var res gateway.Result
	if !pay.Amount.IsPositive() {
		// Fully discounted; nothing to submit.
		res = gateway.Result{Success: true}
	} else {
		if e.gateway == nil {
			return nil, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
		}
		cctx, cancel := context.WithTimeout(ctx, e.gatewayTimeout)
		res, err = e.gateway.Submit(cctx, gateway.Charge{
			PaymentID:      pay.ID,
			SubscriptionID: sub.ID,
			Amount:         pay.Amount,
			MethodRef:      sub.PaymentMethod,
			IdempotencyKey: pay.IdempotencyKey,
			Description:    fmt.Sprintf("subscription %s period %d", sub.ID, chargePeriod.Number),
		})
		cancel()
		if err != nil {
			code, classified := gateway.ClassifyError(err)
			if !classified {
				// Outcome unknown. The payment stays processing and the
				// next run resubmits it under the same idempotency key.
				e.logger.Error("gateway submission failed",
					"subscription_id", sub.ID,
					"payment_id", pay.ID,
					"error", err,
				)
				return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
			}
			res = gateway.Result{Success: false, Code: code, Message: err.Error()}
		}
	}

	if res.Success {
		return e.settleSuccess(ctx, sub, pay, res, disc, chargePeriod, now)
	}
	return e.settleFailure(ctx, sub, pay, res, now)
}

// resolveDiscount computes the charge amount for this run. Resolver
// errors and validator rejections never block billing.
func (e *Engine) resolveDiscount(ctx context.Context, sub *subscription.Subscription, now time.Time) (types.Money, *discount.Discount) {
	amount := sub.Amount
	if e.discounts == nil {
		return amount, nil
	}
	adjusted, d, err := e.discounts.Resolve(ctx, sub, amount, now)
	if err != nil {
		e.logger.Warn("discount resolution failed, billing full amount",
			"subscription_id", sub.ID,
			"code", sub.DiscountCode,
			"error", err,
		)
		return amount, nil
	}
	if d == nil {
		return amount, nil
	}
	for _, v := range e.plugins.GetDiscountValidators() {
		if err := v.ValidateDiscount(ctx, d, sub); err != nil {
			e.logger.Warn("discount rejected by validator",
				"subscription_id", sub.ID,
				"code", d.Code,
				"validator", v.Name(),
				"error", err,
			)
			return amount, nil
		}
	}
	return adjusted, d
}

// paymentForRun finds or mints the payment record for this run. An
// unsettled payment for the same period and amount is reused so a crashed
// or retried run never double-charges: pending and retrying records are
// moved to processing by the caller, a processing record is resubmitted
// as-is under its recorded idempotency key.
func (e *Engine) paymentForRun(ctx context.Context, sub *subscription.Subscription, amount types.Money, period cycle.Period, now time.Time) (*payment.Payment, error) {
	latest, err := e.store.ListPaymentsBySubscription(ctx, sub.ID, payment.ListOpts{Limit: 1})
	if err != nil {
		return nil, err
	}

	attempt := 1
	if len(latest) > 0 && latest[0].PeriodStart.Equal(period.Start) {
		prior := latest[0]
		if !prior.Settled() && prior.Amount.Equal(amount) {
			switch prior.Status {
			case payment.StatusPending, payment.StatusProcessing, payment.StatusRetrying:
				return prior.Clone(), nil
			}
		}
		attempt = prior.AttemptNumber + 1
	}

	pay := payment.New(sub.ID, amount, period, attempt, now)
	if err := e.store.CreatePayment(ctx, pay); err != nil {
		return nil, err
	}
	return pay, nil
}

// settleSuccess records the cleared charge and moves the subscription to
// active: activation for pending, conversion for trialing, recovery for
// retry, grace_period and past_due. Retry bookkeeping and the grace
// window reset; the billing period advances exactly one cadence, or is
// anchored at now for first charges.
func (e *Engine) settleSuccess(ctx context.Context, sub *subscription.Subscription, pay *payment.Payment, res gateway.Result, disc *discount.Discount, chargePeriod cycle.Period, now time.Time) (*BillingResult, error) {
	settled, _, err := payment.Transition(pay, payment.StatusSucceeded, payment.TransitionContext{At: now})
	if err != nil {
		return nil, err
	}
	settled.ProviderRef = res.ProviderRef
	if err := e.store.UpdatePayment(ctx, settled); err != nil {
		return nil, err
	}

	tctx := subscription.TransitionContext{Reason: ReasonPaymentSucceeded, At: now}
	switch sub.Status {
	case subscription.StatusPending:
		tctx.PaymentSucceeded = true
	case subscription.StatusTrialing:
		tctx.Reason = ReasonTrialConverted
	case subscription.StatusRetry, subscription.StatusGracePeriod, subscription.StatusPastDue:
		tctx.PaymentResolved = true
	}
	updated, change, err := subscription.Transition(sub, subscription.StatusActive, tctx)
	if err != nil {
		return nil, err
	}

	updated.Retry.Reset()
	updated.GraceEnd = nil
	if sub.Status == subscription.StatusPending || sub.Status == subscription.StatusTrialing {
		updated.CurrentPeriod = chargePeriod
	} else if updated.CurrentPeriod.Expired(now) {
		updated.CurrentPeriod = updated.Cycle.NextPeriod(updated.CurrentPeriod)
	}
	updated.TouchAt(now)

	if err := e.store.UpdateSubscription(ctx, updated); err != nil {
		return nil, err
	}

	e.plugins.EmitPaymentSucceeded(ctx, settled)
	e.emitStatusChange(ctx, updated, change)
	if sub.Status == subscription.StatusTrialing {
		e.plugins.EmitTrialConverted(ctx, updated)
	}
	if disc != nil {
		e.redeemDiscount(ctx, disc, now)
	}

	e.logger.Info("payment succeeded",
		"subscription_id", sub.ID,
		"payment_id", settled.ID,
		"amount", settled.Amount,
		"period", chargePeriod.Number,
	)
	return &BillingResult{Subscription: updated, Payment: settled, Outcome: OutcomeSucceeded}, nil
}

// settleFailure records the decline, classifies it and routes the
// subscription: schedule a retry while the policy allows, otherwise fall
// to past_due with a grace window. Failed trials expire; failed pending
// activations stay pending once retries run out.
func (e *Engine) settleFailure(ctx context.Context, sub *subscription.Subscription, pay *payment.Payment, res gateway.Result, now time.Time) (*BillingResult, error) {
	cat := gateway.ClassifyResult(res)
	failed, _, err := payment.Transition(pay, payment.StatusFailed, payment.TransitionContext{
		Failure: &payment.FailureDetails{
			Category: cat,
			Code:     res.Code,
			Message:  res.Message,
			FailedAt: now,
		},
		At: now,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdatePayment(ctx, failed); err != nil {
		return nil, err
	}
	e.plugins.EmitPaymentFailed(ctx, failed, string(cat))

	if sub.Status == subscription.StatusTrialing {
		updated, change, err := subscription.Transition(sub, subscription.StatusExpired, subscription.TransitionContext{
			Reason: ReasonTrialPaymentFailed,
			At:     now,
		})
		if err != nil {
			return nil, err
		}
		if err := e.store.UpdateSubscription(ctx, updated); err != nil {
			return nil, err
		}
		e.emitStatusChange(ctx, updated, change)
		e.plugins.EmitSubscriptionExpired(ctx, updated)
		e.logger.Warn("trial conversion failed",
			"subscription_id", sub.ID,
			"category", cat,
		)
		return &BillingResult{Subscription: updated, Payment: failed, Outcome: OutcomeExpired}, nil
	}

	decision := retry.DecideWith(e.policyFor(cat), cat, sub.Retry.Attempts, now)
	if decision.Allowed {
		return e.scheduleRetry(ctx, sub, failed, decision, now)
	}

	if sub.Status == subscription.StatusPending {
		e.logger.Warn("activation charge declined",
			"subscription_id", sub.ID,
			"category", cat,
		)
		return &BillingResult{Subscription: sub, Payment: failed, Outcome: OutcomeDeclined}, nil
	}

	return e.enterPastDue(ctx, sub, failed, cat, now)
}

// scheduleRetry moves the payment to retrying and the subscription to
// retry, recording the schedule the policy decided. A repeat failure
// while already in retry only updates the bookkeeping.
func (e *Engine) scheduleRetry(ctx context.Context, sub *subscription.Subscription, failed *payment.Payment, decision retry.Decision, now time.Time) (*BillingResult, error) {
	cat := decision.Category

	resultPay := failed
	retrying, _, err := payment.Transition(failed, payment.StatusRetrying, payment.TransitionContext{
		Attempts: sub.Retry.Attempts,
		At:       now,
	})
	if err != nil {
		// A policy override allowed more attempts than the payment
		// machine's defaults; the next run mints a fresh payment.
		e.logger.Warn("payment retry transition rejected",
			"payment_id", failed.ID,
			"error", err,
		)
	} else {
		if err := e.store.UpdatePayment(ctx, retrying); err != nil {
			return nil, err
		}
		resultPay = retrying
	}

	work := sub.Clone()
	work.Retry.MaxRetries = decision.Policy.MaxAttempts
	updated := work
	var change *subscription.StatusChange
	if work.Status != subscription.StatusRetry {
		updated, change, err = subscription.Transition(work, subscription.StatusRetry, subscription.TransitionContext{
			PaymentFailed: true,
			Retriable:     true,
			Decision:      &decision,
			Reason:        failureReason(cat),
			At:            now,
		})
		if err != nil {
			return nil, err
		}
	}

	updated.Retry.Attempts = decision.Attempt
	updated.Retry.NextRetryAt = &decision.NextRetryAt
	updated.Retry.LastFailure = cat
	updated.TouchAt(now)

	if err := e.store.UpdateSubscription(ctx, updated); err != nil {
		return nil, err
	}

	e.emitStatusChange(ctx, updated, change)
	e.plugins.EmitRetryScheduled(ctx, updated, decision.Attempt, decision.NextRetryAt)
	e.logger.Info("retry scheduled",
		"subscription_id", sub.ID,
		"attempt", decision.Attempt,
		"next_retry_at", decision.NextRetryAt,
		"category", cat,
	)
	return &BillingResult{Subscription: updated, Payment: resultPay, Outcome: OutcomeRetryScheduled}, nil
}

// enterPastDue routes a dead payment to past_due. The status graph admits
// past_due only from grace_period and retry, so an active subscription
// passes through grace_period first, both hops on the history. The first
// entry per cycle opens a grace window.
func (e *Engine) enterPastDue(ctx context.Context, sub *subscription.Subscription, failed *payment.Payment, cat retry.Category, now time.Time) (*BillingResult, error) {
	reason := failureReason(cat)
	exhausted := cat.Retriable()
	if exhausted {
		reason = ReasonRetriesExhausted
	}

	work := sub
	var changes []*subscription.StatusChange
	if sub.Status == subscription.StatusActive {
		bridged, change, err := subscription.Transition(sub, subscription.StatusGracePeriod, subscription.TransitionContext{
			PaymentFailed: true,
			Reason:        reason,
			At:            now,
		})
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
		work = bridged
	}

	updated, change, err := subscription.Transition(work, subscription.StatusPastDue, subscription.TransitionContext{
		Reason: reason,
		At:     now,
	})
	if err != nil {
		return nil, err
	}
	changes = append(changes, change)

	if updated.GraceEnd == nil && updated.Retry.GraceExtensions < updated.Retry.MaxGraceExtensions {
		end := now.Add(e.graceDuration)
		updated.GraceEnd = &end
		updated.Retry.GraceExtensions++
		e.plugins.EmitGraceStarted(ctx, updated, end)
	}
	updated.Retry.LastFailure = cat
	updated.TouchAt(now)

	if err := e.store.UpdateSubscription(ctx, updated); err != nil {
		return nil, err
	}

	for _, c := range changes {
		e.emitStatusChange(ctx, updated, c)
	}
	if exhausted {
		e.plugins.EmitRetriesExhausted(ctx, updated)
	}

	e.logger.Warn("subscription past due",
		"subscription_id", sub.ID,
		"category", cat,
		"grace_end", updated.GraceEnd,
	)
	return &BillingResult{Subscription: updated, Payment: failed, Outcome: OutcomePastDue}, nil
}

func (e *Engine) redeemDiscount(ctx context.Context, d *discount.Discount, now time.Time) {
	d.TimesRedeemed++
	d.TouchAt(now)
	if err := e.store.UpdateDiscount(ctx, d); err != nil {
		e.logger.Warn("discount redemption count update failed",
			"code", d.Code,
			"error", err,
		)
	}
}

// ──────────────────────────────────────────────────
// Batch sweeps
// ──────────────────────────────────────────────────

// ProcessDue bills every active subscription whose period has lapsed.
func (e *Engine) ProcessDue(ctx context.Context) (*SweepResult, error) {
	subs, err := e.store.ListDueSubscriptions(ctx, e.clock(), e.sweepLimit)
	if err != nil {
		return nil, err
	}
	return e.sweep(ctx, "due", subs, e.BillSubscription), nil
}

// ProcessRetries bills every subscription whose scheduled retry has come
// due.
func (e *Engine) ProcessRetries(ctx context.Context) (*SweepResult, error) {
	subs, err := e.store.ListDueRetries(ctx, e.clock(), e.sweepLimit)
	if err != nil {
		return nil, err
	}
	return e.sweep(ctx, "retry", subs, e.BillSubscription), nil
}

// ProcessTrialsEnding converts every trial that has reached its end.
func (e *Engine) ProcessTrialsEnding(ctx context.Context) (*SweepResult, error) {
	subs, err := e.store.ListTrialsEnding(ctx, e.clock(), e.sweepLimit)
	if err != nil {
		return nil, err
	}
	return e.sweep(ctx, "trial", subs, e.BillSubscription), nil
}

// ProcessGraceExpirations expires every subscription whose grace window
// has run out.
func (e *Engine) ProcessGraceExpirations(ctx context.Context) (*SweepResult, error) {
	subs, err := e.store.ListGraceExpired(ctx, e.clock(), e.sweepLimit)
	if err != nil {
		return nil, err
	}
	return e.sweep(ctx, "grace", subs, e.expireGrace), nil
}

func (e *Engine) expireGrace(ctx context.Context, subID id.SubscriptionID) (*BillingResult, error) {
	return e.runLocked(ctx, subID, func(ctx context.Context) (*BillingResult, error) {
		sub, err := e.store.GetSubscription(ctx, subID)
		if err != nil {
			return nil, err
		}
		now := e.clock()
		if !sub.GraceExpired(now) {
			return nil, fmt.Errorf("%w: grace window still open", ErrNotDue)
		}

		updated, change, err := subscription.Transition(sub, subscription.StatusExpired, subscription.TransitionContext{
			Reason: ReasonGraceExpired,
			At:     now,
		})
		if err != nil {
			return nil, err
		}
		if err := e.store.UpdateSubscription(ctx, updated); err != nil {
			return nil, err
		}

		e.emitStatusChange(ctx, updated, change)
		e.plugins.EmitSubscriptionExpired(ctx, updated)
		e.logger.Info("subscription expired",
			"subscription_id", subID,
			"reason", ReasonGraceExpired,
		)
		return &BillingResult{Subscription: updated, Outcome: OutcomeExpired}, nil
	})
}

// sweep fans the runs out across the batch. Runs are independent: one
// failure never stops the sweep, and a subscription already being billed
// elsewhere counts as skipped.
func (e *Engine) sweep(ctx context.Context, kind string, subs []*subscription.Subscription, run func(context.Context, id.SubscriptionID) (*BillingResult, error)) *SweepResult {
	started := time.Now()
	res := &SweepResult{Kind: kind}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchConcurrency)
	for _, sub := range subs {
		g.Go(func() error {
			_, err := run(gctx, sub.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Processed++
			case errors.Is(err, ErrNotDue), errors.Is(err, ErrIdempotencyConflict):
				res.Skipped++
			default:
				res.Failed++
				e.logger.Error("sweep item failed",
					"kind", kind,
					"subscription_id", sub.ID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // per-item errors are counted, never propagated

	res.Elapsed = time.Since(started)
	e.plugins.EmitSweepCompleted(ctx, kind, res.Processed, res.Failed, res.Elapsed)
	e.logger.Info("sweep completed",
		"kind", kind,
		"processed", res.Processed,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"elapsed", res.Elapsed,
	)
	return res
}
