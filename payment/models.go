// Package payment defines the payment attempt model and its state machine,
// including the retry sub-cycle and cumulative refund tracking.
package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/rebillhq/rebill/cycle"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/retry"
	"github.com/rebillhq/rebill/types"
)

// Status is the payment attempt lifecycle status.
type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
	StatusRetrying          Status = "retrying"
	StatusCanceled          Status = "canceled"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSucceeded, StatusFailed,
		StatusRetrying, StatusCanceled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// Terminal reports whether s permits no outgoing transitions. Succeeded is
// terminal for the charge lifecycle but still admits the refund family, so
// it is not listed here.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusRefunded
}

// StatusChange is one append-only history record.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// FailureDetails describes why an attempt failed. Present only while the
// payment is failed or retrying.
type FailureDetails struct {
	Category  retry.Category `json:"category"`
	Retriable bool           `json:"retriable"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	FailedAt  time.Time      `json:"failed_at"`
}

// Payment is one charge attempt against a subscription's billing period.
// AmountRefunded accumulates across partial refunds; it never exceeds
// Amount.
type Payment struct {
	types.Entity
	ID             id.PaymentID      `json:"id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	Status         Status            `json:"status"`
	Amount         types.Money       `json:"amount"`
	AmountRefunded types.Money       `json:"amount_refunded"`
	IdempotencyKey string            `json:"idempotency_key"`
	ProviderRef    string            `json:"provider_ref,omitempty"`
	AttemptNumber  int               `json:"attempt_number"`
	PeriodStart    time.Time         `json:"period_start"`
	PeriodEnd      time.Time         `json:"period_end"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	Failure        *FailureDetails   `json:"failure,omitempty"`
	History        []StatusChange    `json:"history,omitempty"`
}

// New builds a pending payment for one billing period. The idempotency key
// covers the first logical attempt; it stays stable while that attempt's
// outcome is unknown so a resubmission cannot double-charge.
func New(subID id.SubscriptionID, amount types.Money, period cycle.Period, attempt int, at time.Time) *Payment {
	return &Payment{
		Entity:         types.NewEntityAt(at),
		ID:             id.NewPaymentID(),
		SubscriptionID: subID,
		Status:         StatusPending,
		Amount:         amount,
		AmountRefunded: types.Zero(amount.Currency),
		IdempotencyKey: uuid.NewString(),
		AttemptNumber:  attempt,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
	}
}

// RotateKey mints a fresh idempotency key for a new logical attempt. An
// idempotent gateway replays the recorded outcome for a seen key, so a
// retry after a genuine decline must not reuse the declined attempt's key.
func (p *Payment) RotateKey() {
	p.IdempotencyKey = uuid.NewString()
}

// Refundable returns how much of the payment can still be refunded.
func (p *Payment) Refundable() types.Money {
	remaining, err := p.Amount.Subtract(p.AmountRefunded)
	if err != nil || remaining.IsNegative() {
		return types.Zero(p.Amount.Currency)
	}
	return remaining
}

// Settled reports whether the charge cleared, including later refunds.
func (p *Payment) Settled() bool {
	switch p.Status {
	case StatusSucceeded, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// Clone returns a deep copy. Transitions operate on clones so callers'
// snapshots are never mutated.
func (p *Payment) Clone() *Payment {
	c := *p
	c.History = append([]StatusChange(nil), p.History...)
	if p.ProcessedAt != nil {
		t := *p.ProcessedAt
		c.ProcessedAt = &t
	}
	if p.Failure != nil {
		f := *p.Failure
		c.Failure = &f
	}
	return &c
}
