// Package eventhook bridges Rebill lifecycle events to an external
// publisher, typically a message broker.
//
// It defines a local Publisher interface so the package does not depend on
// any one broker. AMQPPublisher in this package targets a RabbitMQ topic
// exchange; callers can inject a PublisherFunc adapter for anything else.
package eventhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/payment"
	"github.com/rebillhq/rebill/plugin"
	"github.com/rebillhq/rebill/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated  = (*Extension)(nil)
	_ plugin.OnStatusChanged        = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled = (*Extension)(nil)
	_ plugin.OnSubscriptionExpired  = (*Extension)(nil)
	_ plugin.OnTrialConverted       = (*Extension)(nil)
	_ plugin.OnPaymentSucceeded     = (*Extension)(nil)
	_ plugin.OnPaymentFailed        = (*Extension)(nil)
	_ plugin.OnRefundIssued         = (*Extension)(nil)
	_ plugin.OnRetryScheduled       = (*Extension)(nil)
	_ plugin.OnRetriesExhausted     = (*Extension)(nil)
	_ plugin.OnGraceStarted         = (*Extension)(nil)
)

// Publisher is the interface event backends must implement. A failed
// publish is logged and dropped; it never blocks the billing pipeline.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}

// PublisherFunc is an adapter to use a plain function as a Publisher.
type PublisherFunc func(ctx context.Context, evt *Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, evt *Event) error {
	return f(ctx, evt)
}

// Event is the wire representation of one billing lifecycle event.
type Event struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	OccurredAt     time.Time              `json:"occurred_at"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	PaymentID      string                 `json:"payment_id,omitempty"`
	CustomerID     string                 `json:"customer_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// Extension bridges Rebill lifecycle events to a Publisher.
type Extension struct {
	publisher Publisher
	enabled   map[string]bool // nil = all enabled
	logger    *slog.Logger
}

// New creates an Extension that emits events through the provided Publisher.
func New(p Publisher, opts ...Option) *Extension {
	e := &Extension{
		publisher: p,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "event-hook" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub interface{}) error {
	return e.publish(ctx, EventSubscriptionCreated, sub, nil, nil)
}

// OnStatusChanged implements plugin.OnStatusChanged.
func (e *Extension) OnStatusChanged(ctx context.Context, sub interface{}, from, to, reason string) error {
	data := map[string]interface{}{
		"from": from,
		"to":   to,
	}
	if reason != "" {
		data["reason"] = reason
	}
	return e.publish(ctx, EventSubscriptionTransitioned, sub, nil, data)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub interface{}) error {
	return e.publish(ctx, EventSubscriptionCanceled, sub, nil, nil)
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (e *Extension) OnSubscriptionExpired(ctx context.Context, sub interface{}) error {
	return e.publish(ctx, EventSubscriptionExpired, sub, nil, nil)
}

// OnTrialConverted implements plugin.OnTrialConverted.
func (e *Extension) OnTrialConverted(ctx context.Context, sub interface{}) error {
	return e.publish(ctx, EventTrialConverted, sub, nil, nil)
}

// ──────────────────────────────────────────────────
// Payment lifecycle hooks
// ──────────────────────────────────────────────────

// OnPaymentSucceeded implements plugin.OnPaymentSucceeded.
func (e *Extension) OnPaymentSucceeded(ctx context.Context, pay interface{}) error {
	return e.publish(ctx, EventPaymentSucceeded, nil, pay, nil)
}

// OnPaymentFailed implements plugin.OnPaymentFailed.
func (e *Extension) OnPaymentFailed(ctx context.Context, pay interface{}, category string) error {
	return e.publish(ctx, EventPaymentFailed, nil, pay, map[string]interface{}{
		"category": category,
	})
}

// OnRefundIssued implements plugin.OnRefundIssued.
func (e *Extension) OnRefundIssued(ctx context.Context, pay interface{}, amount interface{}) error {
	return e.publish(ctx, EventRefundIssued, nil, pay, map[string]interface{}{
		"amount": amount,
	})
}

// ──────────────────────────────────────────────────
// Retry and grace hooks
// ──────────────────────────────────────────────────

// OnRetryScheduled implements plugin.OnRetryScheduled.
func (e *Extension) OnRetryScheduled(ctx context.Context, sub interface{}, attempt int, at time.Time) error {
	return e.publish(ctx, EventRetryScheduled, sub, nil, map[string]interface{}{
		"attempt": attempt,
		"at":      at,
	})
}

// OnRetriesExhausted implements plugin.OnRetriesExhausted.
func (e *Extension) OnRetriesExhausted(ctx context.Context, sub interface{}) error {
	return e.publish(ctx, EventRetriesExhausted, sub, nil, nil)
}

// OnGraceStarted implements plugin.OnGraceStarted.
func (e *Extension) OnGraceStarted(ctx context.Context, sub interface{}, until time.Time) error {
	return e.publish(ctx, EventGraceStarted, sub, nil, map[string]interface{}{
		"until": until,
	})
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// publish builds and sends an event if its type is enabled. Identifiers are
// pulled from the payload when it carries a known entity type.
func (e *Extension) publish(ctx context.Context, typ string, sub, pay interface{}, data map[string]interface{}) error {
	if e.enabled != nil && !e.enabled[typ] {
		return nil
	}

	evt := &Event{
		ID:         id.NewEventID().String(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	if s, ok := sub.(*subscription.Subscription); ok && s != nil {
		evt.SubscriptionID = s.ID.String()
		evt.CustomerID = s.CustomerID
	}
	if p, ok := pay.(*payment.Payment); ok && p != nil {
		evt.PaymentID = p.ID.String()
		evt.SubscriptionID = p.SubscriptionID.String()
	}

	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Warn("eventhook: failed to publish event",
			"type", typ,
			"event_id", evt.ID,
			"error", err,
		)
	}
	return nil
}
