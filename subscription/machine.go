package subscription

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rebillhq/rebill/retry"
)

// Machine errors.
var (
	// ErrInvalidTransition is returned when the requested edge is not in the
	// transition table, including any transition out of a terminal status.
	ErrInvalidTransition = errors.New("rebill: invalid subscription transition")

	// ErrGuardFailed is returned when the edge exists but its guard rejects
	// the transition context.
	ErrGuardFailed = errors.New("rebill: subscription transition guard failed")
)

// TransitionError carries the rejected edge alongside the sentinel cause.
type TransitionError struct {
	From   Status
	To     Status
	Detail string
	err    error
}

func (e *TransitionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rebill: subscription %s -> %s: %s", e.From, e.To, e.Detail)
	}
	return fmt.Sprintf("rebill: subscription %s -> %s not allowed", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return e.err }

// TransitionContext carries the evidence a guard needs. Transitions never
// read anything else beyond the subscription snapshot itself.
type TransitionContext struct {
	PaymentSucceeded bool // first charge cleared (pending → active)
	PaymentResolved  bool // explicit recovery signal (grace/retry/past_due → active)
	PaymentFailed    bool // required to enter grace_period
	Retriable        bool // failure category permits retry
	RefundApproved   bool // required to enter refunded
	Decision         *retry.Decision
	Reason           string
	Actor            string
	At               time.Time // transition timestamp; zero means now
}

// transition is one edge of the status graph.
type transition struct {
	From Status
	To   Status
}

// validTransitions is the complete status graph. Expired and refunded have
// no outgoing edges.
var validTransitions = map[transition]bool{
	{StatusPending, StatusTrialing}: true, // trial starts before first charge
	{StatusPending, StatusActive}:   true, // first charge cleared
	{StatusPending, StatusRetry}:    true, // first charge failed retriably
	{StatusPending, StatusExpired}:  true, // never activated
	{StatusPending, StatusCanceled}: true,

	{StatusTrialing, StatusActive}:   true, // trial converted
	{StatusTrialing, StatusExpired}:  true, // trial ended without conversion
	{StatusTrialing, StatusCanceled}: true,

	{StatusActive, StatusPaused}:      true,
	{StatusActive, StatusGracePeriod}: true, // payment failed
	{StatusActive, StatusRetry}:       true, // payment failed, retry scheduled
	{StatusActive, StatusCanceled}:    true,
	{StatusActive, StatusRefunded}:    true,

	{StatusPaused, StatusActive}:   true, // resumed
	{StatusPaused, StatusCanceled}: true,
	{StatusPaused, StatusExpired}:  true,

	{StatusGracePeriod, StatusActive}:   true, // payment recovered
	{StatusGracePeriod, StatusRetry}:    true,
	{StatusGracePeriod, StatusPastDue}:  true,
	{StatusGracePeriod, StatusExpired}:  true,
	{StatusGracePeriod, StatusCanceled}: true,

	{StatusRetry, StatusActive}:      true, // retry succeeded
	{StatusRetry, StatusGracePeriod}: true,
	{StatusRetry, StatusPastDue}:     true, // retries exhausted
	{StatusRetry, StatusExpired}:     true,
	{StatusRetry, StatusCanceled}:    true,

	{StatusPastDue, StatusActive}:   true, // late payment recovered
	{StatusPastDue, StatusRetry}:    true,
	{StatusPastDue, StatusExpired}:  true, // grace exhausted
	{StatusPastDue, StatusCanceled}: true,

	{StatusCanceled, StatusRefunded}: true,
}

// guards validate the transition context per target status. Edges without
// an entry are unguarded.
var guards = map[Status]func(*Subscription, TransitionContext) string{
	StatusActive:      guardActive,
	StatusGracePeriod: guardGracePeriod,
	StatusRetry:       guardRetry,
	StatusCanceled:    guardCanceled,
	StatusRefunded:    guardRefunded,
}

func guardActive(s *Subscription, tctx TransitionContext) string {
	switch s.Status {
	case StatusPending:
		if !tctx.PaymentSucceeded {
			return "activation requires a successful payment"
		}
	case StatusGracePeriod, StatusRetry, StatusPastDue:
		// Reactivation is explicit, never inferred from an unrelated
		// success signal.
		if !tctx.PaymentResolved {
			return "reactivation requires payment resolved"
		}
	}
	return ""
}

func guardGracePeriod(_ *Subscription, tctx TransitionContext) string {
	if !tctx.PaymentFailed {
		return "grace period requires a failed payment"
	}
	return ""
}

func guardRetry(s *Subscription, tctx TransitionContext) string {
	if !tctx.Retriable {
		return "failure is not retriable"
	}
	if s.Retry.Attempts >= s.Retry.MaxRetries {
		return fmt.Sprintf("retries exhausted (%d of %d)", s.Retry.Attempts, s.Retry.MaxRetries)
	}
	if tctx.Decision != nil && !tctx.Decision.Allowed {
		return "retry policy denied"
	}
	return ""
}

func guardCanceled(_ *Subscription, tctx TransitionContext) string {
	if tctx.Reason == "" {
		return "cancellation requires a reason"
	}
	return ""
}

func guardRefunded(_ *Subscription, tctx TransitionContext) string {
	if !tctx.RefundApproved {
		return "refund requires approval"
	}
	return ""
}

// CanTransition reports whether the edge from → to exists in the table.
// Guards are not consulted.
func CanTransition(from, to Status) bool {
	return validTransitions[transition{from, to}]
}

// ValidTargets returns the target statuses reachable from the given status,
// sorted for deterministic callers.
func ValidTargets(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

// Transition validates and applies a status change, returning a new
// snapshot and the history record appended to it. The input is never
// mutated. Requesting the current status is an accepted no-op: the returned
// snapshot is an unchanged clone and the change record is nil.
func Transition(s *Subscription, to Status, tctx TransitionContext) (*Subscription, *StatusChange, error) {
	if s.Status == to {
		return s.Clone(), nil, nil
	}

	if !CanTransition(s.Status, to) {
		detail := ""
		if s.Status.Terminal() {
			detail = fmt.Sprintf("%s is terminal", s.Status)
		}
		return nil, nil, &TransitionError{From: s.Status, To: to, Detail: detail, err: ErrInvalidTransition}
	}

	if guard, ok := guards[to]; ok {
		if detail := guard(s, tctx); detail != "" {
			return nil, nil, &TransitionError{From: s.Status, To: to, Detail: detail, err: ErrGuardFailed}
		}
	}

	at := tctx.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	next := s.Clone()
	next.Status = to
	change := StatusChange{From: s.Status, To: to, At: at, Reason: tctx.Reason, Actor: tctx.Actor}
	next.History = append(next.History, change)
	next.TouchAt(at)

	if to == StatusCanceled {
		next.CanceledAt = &at
		next.CancelReason = tctx.Reason
	}

	return next, &change, nil
}
