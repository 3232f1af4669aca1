package store

import (
	"context"
	"time"

	"github.com/rebillhq/rebill/discount"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/payment"
	"github.com/rebillhq/rebill/subscription"
)

// Store is the unified storage interface for all Rebill entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
//
// Saves are idempotent upserts keyed by ID: orchestration performs the
// subscription save and the payment save as two separate writes and never
// assumes they are transactional with each other.
type Store interface {
	// Subscription methods
	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, s *subscription.Subscription) error

	// Sweep queries. All return records whose trigger time is at or before
	// now, oldest first; limit 0 means no cap.
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	ListTrialsEnding(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)

	// Payment methods
	CreatePayment(ctx context.Context, p *payment.Payment) error
	GetPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error)
	UpdatePayment(ctx context.Context, p *payment.Payment) error
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error)
	ListPaymentsBySubscription(ctx context.Context, subID id.SubscriptionID, opts payment.ListOpts) ([]*payment.Payment, error)

	// Discount methods
	CreateDiscount(ctx context.Context, d *discount.Discount) error
	GetDiscount(ctx context.Context, code string) (*discount.Discount, error)
	GetDiscountByID(ctx context.Context, discountID id.DiscountID) (*discount.Discount, error)
	ListDiscounts(ctx context.Context, opts discount.ListOpts) ([]*discount.Discount, error)
	UpdateDiscount(ctx context.Context, d *discount.Discount) error
	DeleteDiscount(ctx context.Context, discountID id.DiscountID) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
