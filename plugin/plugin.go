// Package plugin provides an extensible plugin system for Rebill.
// Plugins can hook into billing lifecycle events to extend functionality.
package plugin

import (
	"context"
	"time"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called when a new subscription is created.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub interface{}) error
}

// OnStatusChanged is called on every accepted subscription transition.
type OnStatusChanged interface {
	Plugin
	OnStatusChanged(ctx context.Context, sub interface{}, from, to, reason string) error
}

// OnSubscriptionCanceled is called when a subscription is canceled.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub interface{}) error
}

// OnSubscriptionExpired is called when a subscription expires.
type OnSubscriptionExpired interface {
	Plugin
	OnSubscriptionExpired(ctx context.Context, sub interface{}) error
}

// OnTrialConverted is called when a trial subscription converts to paid.
type OnTrialConverted interface {
	Plugin
	OnTrialConverted(ctx context.Context, sub interface{}) error
}

// ──────────────────────────────────────────────────
// Payment lifecycle hooks
// ──────────────────────────────────────────────────

// OnPaymentSucceeded is called when a payment clears.
type OnPaymentSucceeded interface {
	Plugin
	OnPaymentSucceeded(ctx context.Context, pay interface{}) error
}

// OnPaymentFailed is called when a payment fails, with the failure
// category the decline classified into.
type OnPaymentFailed interface {
	Plugin
	OnPaymentFailed(ctx context.Context, pay interface{}, category string) error
}

// OnRefundIssued is called when a refund is applied to a payment.
type OnRefundIssued interface {
	Plugin
	OnRefundIssued(ctx context.Context, pay interface{}, amount interface{}) error
}

// ──────────────────────────────────────────────────
// Retry and grace hooks
// ──────────────────────────────────────────────────

// OnRetryScheduled is called when a retry attempt is scheduled.
type OnRetryScheduled interface {
	Plugin
	OnRetryScheduled(ctx context.Context, sub interface{}, attempt int, at time.Time) error
}

// OnRetriesExhausted is called when no further retry is permitted.
type OnRetriesExhausted interface {
	Plugin
	OnRetriesExhausted(ctx context.Context, sub interface{}) error
}

// OnGraceStarted is called when a grace window opens.
type OnGraceStarted interface {
	Plugin
	OnGraceStarted(ctx context.Context, sub interface{}, until time.Time) error
}

// ──────────────────────────────────────────────────
// Sweep hooks
// ──────────────────────────────────────────────────

// OnSweepCompleted is called after a batch sweep finishes.
type OnSweepCompleted interface {
	Plugin
	OnSweepCompleted(ctx context.Context, kind string, processed, failed int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Gateway plugins
// ──────────────────────────────────────────────────

// GatewayPlugin provides a payment gateway implementation.
type GatewayPlugin interface {
	Plugin
	Gateway() interface{} // Returns gateway.Gateway
}

// ──────────────────────────────────────────────────
// Discount validators
// ──────────────────────────────────────────────────

// DiscountValidator provides custom discount validation logic.
type DiscountValidator interface {
	Plugin
	ValidateDiscount(ctx context.Context, d interface{}, sub interface{}) error
}
