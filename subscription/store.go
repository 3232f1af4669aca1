package subscription

import (
	"context"
	"time"

	"github.com/rebillhq/rebill/id"
)

// Store is the subscription persistence contract. Sweep queries feed the
// scheduler: each returns snapshots whose trigger time is at or before now,
// oldest first, capped at limit (0 means no cap).
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	List(ctx context.Context, customerID string, opts ListOpts) ([]*Subscription, error)

	// ListDue returns active subscriptions whose current period ended.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
	// ListDueRetries returns retry subscriptions whose next retry time passed.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
	// ListGraceExpired returns past-due subscriptions whose grace window passed.
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
	// ListTrialsEnding returns trialing subscriptions whose trial end passed.
	ListTrialsEnding(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}

// ListOpts filters List queries.
type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
