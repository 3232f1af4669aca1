package payment

import (
	"context"
	"time"

	"github.com/rebillhq/rebill/id"
)

// Store persists payments. Implementations live under store/.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, payID id.PaymentID) (*Payment, error)
	Update(ctx context.Context, p *Payment) error

	// GetByIdempotencyKey resolves the payment a key was minted for, or
	// a not-found error.
	GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error)

	// ListBySubscription returns payments for one subscription, newest
	// first.
	ListBySubscription(ctx context.Context, subID id.SubscriptionID, opts ListOpts) ([]*Payment, error)
}

type ListOpts struct {
	Status Status
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}
