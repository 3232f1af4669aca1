// Package subscription defines the subscription model and its status state
// machine: a fixed transition table with per-target guards, append-only
// status history, and snapshot-in/snapshot-out transitions.
package subscription

import (
	"maps"
	"time"

	"github.com/rebillhq/rebill/cycle"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/types"
)

// Status is the subscription lifecycle status.
type Status string

const (
	StatusPending     Status = "pending"
	StatusTrialing    Status = "trialing"
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusGracePeriod Status = "grace_period"
	StatusRetry       Status = "retry"
	StatusPastDue     Status = "past_due"
	StatusExpired     Status = "expired"
	StatusCanceled    Status = "canceled"
	StatusRefunded    Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTrialing, StatusActive, StatusPaused,
		StatusGracePeriod, StatusRetry, StatusPastDue,
		StatusExpired, StatusCanceled, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether s permits no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRefunded
}

// StatusChange is one append-only history record.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
}

// RetryState tracks the retry bookkeeping for the current billing cycle.
// Attempts never exceeds MaxRetries; once they are equal no further retry
// is scheduled.
type RetryState struct {
	Attempts           int            `json:"attempts"`
	MaxRetries         int            `json:"max_retries"`
	NextRetryAt        *time.Time     `json:"next_retry_at,omitempty"`
	LastFailure        retry.Category `json:"last_failure,omitempty"`
	GraceExtensions    int            `json:"grace_extensions"`
	MaxGraceExtensions int            `json:"max_grace_extensions"`
}

// Reset clears the per-cycle retry bookkeeping after a successful payment.
// The configured bounds stay.
func (r *RetryState) Reset() {
	r.Attempts = 0
	r.NextRetryAt = nil
	r.LastFailure = ""
	r.GraceExtensions = 0
}

// Subscription is a customer's recurring billing agreement. The price and
// cycle live on the subscription itself; there is no separate plan catalog.
type Subscription struct {
	types.Entity
	ID            id.SubscriptionID `json:"id"`
	CustomerID    string            `json:"customer_id"`
	Status        Status            `json:"status"`
	Amount        types.Money       `json:"amount"`
	Cycle         cycle.Spec        `json:"cycle"`
	CurrentPeriod cycle.Period      `json:"current_period"`
	Retry         RetryState        `json:"retry"`
	PaymentMethod string            `json:"payment_method,omitempty"` // gateway instrument reference
	DiscountCode  string            `json:"discount_code,omitempty"`
	TrialEnd      *time.Time        `json:"trial_end,omitempty"`
	GraceEnd      *time.Time        `json:"grace_end,omitempty"`
	CanceledAt    *time.Time        `json:"canceled_at,omitempty"`
	CancelReason  string            `json:"cancel_reason,omitempty"`
	History       []StatusChange    `json:"history,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// New builds a pending subscription with its first billing period starting
// at start. The retry bounds default to the retriable policy's attempt cap
// and a single grace window.
func New(customerID string, amount types.Money, spec cycle.Spec, start time.Time) *Subscription {
	return &Subscription{
		Entity:        types.NewEntityAt(start),
		ID:            id.NewSubscriptionID(),
		CustomerID:    customerID,
		Status:        StatusPending,
		Amount:        amount,
		Cycle:         spec,
		CurrentPeriod: spec.PeriodFrom(start, 1),
		Retry: RetryState{
			MaxRetries:         retry.PolicyFor(retry.CategoryRetriable).MaxAttempts,
			MaxGraceExtensions: 1,
		},
	}
}

// IsDue reports whether the subscription should be billed now: the current
// period has expired and the status is active. Trialing and paused
// subscriptions are never due.
func (s *Subscription) IsDue(now time.Time) bool {
	return s.Status == StatusActive && s.CurrentPeriod.Expired(now)
}

// RetryDue reports whether a scheduled retry has come due.
func (s *Subscription) RetryDue(now time.Time) bool {
	return s.Status == StatusRetry &&
		s.Retry.NextRetryAt != nil &&
		!now.Before(*s.Retry.NextRetryAt)
}

// GraceExpired reports whether the subscription's grace window has run
// out. Grace windows attach to past_due and grace_period statuses.
func (s *Subscription) GraceExpired(now time.Time) bool {
	return (s.Status == StatusPastDue || s.Status == StatusGracePeriod) &&
		s.GraceEnd != nil &&
		now.After(*s.GraceEnd)
}

// TrialEnded reports whether a trialing subscription's trial is over.
func (s *Subscription) TrialEnded(now time.Time) bool {
	return s.Status == StatusTrialing &&
		s.TrialEnd != nil &&
		!now.Before(*s.TrialEnd)
}

// TrialDaysRemaining returns the whole days of trial left, zero when there
// is no trial or it has ended.
func (s *Subscription) TrialDaysRemaining(now time.Time) int {
	if s.TrialEnd == nil || now.After(*s.TrialEnd) {
		return 0
	}
	d := int(s.TrialEnd.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy. Transitions operate on clones so callers'
// snapshots are never mutated.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.History = append([]StatusChange(nil), s.History...)
	c.TrialEnd = cloneTime(s.TrialEnd)
	c.GraceEnd = cloneTime(s.GraceEnd)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.Retry.NextRetryAt = cloneTime(s.Retry.NextRetryAt)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
