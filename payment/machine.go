package payment

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/types"
)

var (
	// ErrInvalidTransition is returned when the requested edge does not
	// exist in the payment transition table.
	ErrInvalidTransition = errors.New("rebill: invalid payment transition")

	// ErrGuardFailed is returned when the edge exists but its guard
	// condition does not hold.
	ErrGuardFailed = errors.New("rebill: payment transition guard failed")
)

// TransitionError carries the rejected edge and the guard detail.
type TransitionError struct {
	From   Status
	To     Status
	Detail string
	err    error
}

func (e *TransitionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %s -> %s", e.err, e.From, e.To)
	}
	return fmt.Sprintf("%v: %s -> %s: %s", e.err, e.From, e.To, e.Detail)
}

func (e *TransitionError) Unwrap() error { return e.err }

// TransitionContext carries the evidence a payment transition is judged on.
// Zero values mean "not asserted".
type TransitionContext struct {
	// Failure describes the gateway outcome when moving to failed. It is
	// copied onto the payment.
	Failure *FailureDetails

	// Attempts is how many submissions have already failed, used when
	// moving to retrying.
	Attempts int

	// Refund is the amount of this refund request when moving into the
	// refund family.
	Refund types.Money

	Reason string
	At     time.Time
}

type transition struct {
	from Status
	to   Status
}

// validTransitions is the payment attempt graph. The partially refunded
// self-loop is a real edge: each additional partial refund lands there
// until the cumulative amount completes.
var validTransitions = map[transition]bool{
	{StatusPending, StatusProcessing}: true, // submission started
	{StatusPending, StatusCanceled}:   true, // withdrawn before submission

	{StatusProcessing, StatusSucceeded}: true, // gateway approved
	{StatusProcessing, StatusFailed}:    true, // gateway declined or errored
	{StatusProcessing, StatusCanceled}:  true, // abandoned mid-flight

	{StatusFailed, StatusRetrying}: true, // policy scheduled another attempt
	{StatusFailed, StatusCanceled}: true, // retries exhausted or withdrawn

	{StatusRetrying, StatusProcessing}: true, // resubmission started
	{StatusRetrying, StatusCanceled}:   true, // retry abandoned

	{StatusSucceeded, StatusRefunded}:          true, // full refund
	{StatusSucceeded, StatusPartiallyRefunded}: true, // partial refund

	{StatusPartiallyRefunded, StatusRefunded}:          true, // remainder refunded
	{StatusPartiallyRefunded, StatusPartiallyRefunded}: true, // another partial refund
}

// guards validate entry into a target status. A non-empty return is the
// human-readable reason the transition was refused.
var guards = map[Status]func(*Payment, TransitionContext) string{
	StatusFailed:            guardFailed,
	StatusRetrying:          guardRetrying,
	StatusRefunded:          guardRefund,
	StatusPartiallyRefunded: guardRefund,
}

func guardFailed(p *Payment, tctx TransitionContext) string {
	if tctx.Failure == nil {
		return "failure details required"
	}
	if !tctx.Failure.Category.Valid() {
		return fmt.Sprintf("unknown failure category %q", tctx.Failure.Category)
	}
	return ""
}

func guardRetrying(p *Payment, tctx TransitionContext) string {
	if p.Failure == nil {
		return "no failure on record"
	}
	pol := retry.PolicyFor(p.Failure.Category)
	if !p.Failure.Category.Retriable() {
		return fmt.Sprintf("category %s is not retriable", p.Failure.Category)
	}
	if !pol.ShouldRetry(tctx.Attempts) {
		return fmt.Sprintf("attempt %d exhausts policy for %s (max %d)", tctx.Attempts, p.Failure.Category, pol.MaxAttempts)
	}
	return ""
}

// guardRefund enforces the cumulative-amount rules. The machine does not
// redirect a mismatched target; the caller computes full versus partial
// before asking.
func guardRefund(p *Payment, tctx TransitionContext) string {
	if tctx.Refund.Currency != p.Amount.Currency {
		return fmt.Sprintf("refund currency %s does not match payment currency %s", tctx.Refund.Currency, p.Amount.Currency)
	}
	if !tctx.Refund.IsPositive() {
		return "refund amount must be positive"
	}
	total := p.AmountRefunded.Amount + tctx.Refund.Amount
	if total > p.Amount.Amount {
		return fmt.Sprintf("cumulative refund %d exceeds original amount %d", total, p.Amount.Amount)
	}
	return ""
}

// RefundTarget reports which status a refund of amount lands the payment
// in, comparing the would-be cumulative total against the original charge.
func (p *Payment) RefundTarget(amount types.Money) Status {
	if p.AmountRefunded.Amount+amount.Amount == p.Amount.Amount {
		return StatusRefunded
	}
	return StatusPartiallyRefunded
}

// CanTransition reports whether the edge exists, ignoring guards.
func CanTransition(from, to Status) bool {
	return validTransitions[transition{from, to}]
}

// ValidTargets returns the statuses reachable from the given status,
// sorted for stable output.
func ValidTargets(from Status) []Status {
	var targets []Status
	for tr := range validTransitions {
		if tr.from == from {
			targets = append(targets, tr.to)
		}
	}
	slices.Sort(targets)
	return targets
}

// Transition validates and applies a status change, returning an updated
// deep copy. The input payment is never mutated. Requesting the current
// status is a no-op unless the edge is a real self-loop, as it is for
// partially refunded.
func Transition(p *Payment, to Status, tctx TransitionContext) (*Payment, *StatusChange, error) {
	from := p.Status
	if from == to && !validTransitions[transition{from, to}] {
		return p.Clone(), nil, nil
	}

	if !validTransitions[transition{from, to}] {
		detail := ""
		if from.Terminal() {
			detail = fmt.Sprintf("%s is terminal", from)
		}
		return nil, nil, &TransitionError{From: from, To: to, Detail: detail, err: ErrInvalidTransition}
	}

	if guard, ok := guards[to]; ok {
		if detail := guard(p, tctx); detail != "" {
			return nil, nil, &TransitionError{From: from, To: to, Detail: detail, err: ErrGuardFailed}
		}
	}
	if to == StatusRefunded || to == StatusPartiallyRefunded {
		if computed := p.RefundTarget(tctx.Refund); computed != to {
			return nil, nil, &TransitionError{From: from, To: to, Detail: fmt.Sprintf("refund resolves to %s", computed), err: ErrGuardFailed}
		}
	}

	at := tctx.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	next := p.Clone()
	next.Status = to
	applyEffects(next, to, tctx, at)

	change := StatusChange{From: from, To: to, At: at, Reason: tctx.Reason}
	next.History = append(next.History, change)
	next.TouchAt(at)
	return next, &change, nil
}

// applyEffects performs the bookkeeping tied to entering a status. Failure
// details exist only while failed or retrying; refunds accumulate.
func applyEffects(p *Payment, to Status, tctx TransitionContext, at time.Time) {
	switch to {
	case StatusFailed:
		f := *tctx.Failure
		if f.FailedAt.IsZero() {
			f.FailedAt = at
		}
		f.Retriable = f.Category.Retriable()
		p.Failure = &f
	case StatusProcessing:
		p.Failure = nil
	case StatusSucceeded:
		p.Failure = nil
		t := at
		p.ProcessedAt = &t
	case StatusRefunded, StatusPartiallyRefunded:
		p.AmountRefunded.Amount += tctx.Refund.Amount
	}
}
