// Package memory provides an in-memory store, suitable for tests and
// demos. All reads and writes hand out deep copies so callers never share
// mutable state with the store.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rebillhq/rebill"
	"github.com/rebillhq/rebill/discount"
	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/payment"
	"github.com/rebillhq/rebill/subscription"
)

type Store struct {
	mu sync.RWMutex

	subscriptions map[string]*subscription.Subscription
	payments      map[string]*payment.Payment
	discounts     map[string]*discount.Discount
}

func New() *Store {
	return &Store{
		subscriptions: make(map[string]*subscription.Subscription),
		payments:      make(map[string]*payment.Payment),
		discounts:     make(map[string]*discount.Discount),
	}
}

// Subscription Store implementation

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return rebill.ErrAlreadyExists
	}
	s.subscriptions[sub.ID.String()] = sub.Clone()
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		return sub.Clone(), nil
	}
	return nil, rebill.ErrSubscriptionNotFound
}

func (s *Store) ListSubscriptions(_ context.Context, customerID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.CustomerID != customerID {
			continue
		}
		if opts.Status != "" && sub.Status != opts.Status {
			continue
		}
		result = append(result, sub.Clone())
	}

	slices.SortFunc(result, func(a, b *subscription.Subscription) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	return window(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions[sub.ID.String()] = sub.Clone()
	return nil
}

// Sweep queries

func (s *Store) ListDueSubscriptions(_ context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	return s.sweepList(limit, func(sub *subscription.Subscription) (time.Time, bool) {
		return sub.CurrentPeriod.End, sub.IsDue(now)
	})
}

func (s *Store) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	return s.sweepList(limit, func(sub *subscription.Subscription) (time.Time, bool) {
		if !sub.RetryDue(now) {
			return time.Time{}, false
		}
		return *sub.Retry.NextRetryAt, true
	})
}

func (s *Store) ListGraceExpired(_ context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	return s.sweepList(limit, func(sub *subscription.Subscription) (time.Time, bool) {
		if !sub.GraceExpired(now) {
			return time.Time{}, false
		}
		return *sub.GraceEnd, true
	})
}

func (s *Store) ListTrialsEnding(_ context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	return s.sweepList(limit, func(sub *subscription.Subscription) (time.Time, bool) {
		if !sub.TrialEnded(now) {
			return time.Time{}, false
		}
		return *sub.TrialEnd, true
	})
}

// sweepList collects subscriptions the trigger selects, oldest trigger
// time first, capped at limit when limit is positive.
func (s *Store) sweepList(limit int, trigger func(*subscription.Subscription) (time.Time, bool)) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		at  time.Time
		sub *subscription.Subscription
	}
	entries := make([]entry, 0)
	for _, sub := range s.subscriptions {
		if at, ok := trigger(sub); ok {
			entries = append(entries, entry{at: at, sub: sub.Clone()})
		}
	}

	slices.SortFunc(entries, func(a, b entry) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return strings.Compare(a.sub.ID.String(), b.sub.ID.String())
	})

	result := make([]*subscription.Subscription, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.sub)
	}
	return window(result, 0, limit), nil
}

// Payment Store implementation

func (s *Store) CreatePayment(_ context.Context, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.ID.String()]; exists {
		return rebill.ErrAlreadyExists
	}
	s.payments[p.ID.String()] = p.Clone()
	return nil
}

func (s *Store) GetPayment(_ context.Context, payID id.PaymentID) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.payments[payID.String()]; ok {
		return p.Clone(), nil
	}
	return nil, rebill.ErrPaymentNotFound
}

func (s *Store) UpdatePayment(_ context.Context, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payments[p.ID.String()] = p.Clone()
	return nil
}

func (s *Store) GetPaymentByIdempotencyKey(_ context.Context, key string) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payments {
		if p.IdempotencyKey == key {
			return p.Clone(), nil
		}
	}
	return nil, rebill.ErrPaymentNotFound
}

func (s *Store) ListPaymentsBySubscription(_ context.Context, subID id.SubscriptionID, opts payment.ListOpts) ([]*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*payment.Payment, 0)
	for _, p := range s.payments {
		if p.SubscriptionID != subID {
			continue
		}
		if opts.Status != "" && p.Status != opts.Status {
			continue
		}
		if !opts.Start.IsZero() && p.CreatedAt.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && p.CreatedAt.After(opts.End) {
			continue
		}
		result = append(result, p.Clone())
	}

	// Newest first: creation time, then attempt number for records minted
	// within the same instant.
	slices.SortFunc(result, func(a, b *payment.Payment) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(b.AttemptNumber, a.AttemptNumber); c != 0 {
			return c
		}
		return strings.Compare(b.ID.String(), a.ID.String())
	})

	return window(result, opts.Offset, opts.Limit), nil
}

// Discount Store implementation

func (s *Store) CreateDiscount(_ context.Context, d *discount.Discount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.discounts[d.ID.String()]; exists {
		return rebill.ErrAlreadyExists
	}
	for _, existing := range s.discounts {
		if existing.Code == d.Code {
			return rebill.ErrAlreadyExists
		}
	}
	s.discounts[d.ID.String()] = d.Clone()
	return nil
}

func (s *Store) GetDiscount(_ context.Context, code string) (*discount.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.discounts {
		if d.Code == code {
			return d.Clone(), nil
		}
	}
	return nil, rebill.ErrDiscountNotFound
}

func (s *Store) GetDiscountByID(_ context.Context, discountID id.DiscountID) (*discount.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.discounts[discountID.String()]; ok {
		return d.Clone(), nil
	}
	return nil, rebill.ErrDiscountNotFound
}

func (s *Store) ListDiscounts(_ context.Context, opts discount.ListOpts) ([]*discount.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	result := make([]*discount.Discount, 0)
	for _, d := range s.discounts {
		if opts.Active && d.Usable(now) != nil {
			continue
		}
		result = append(result, d.Clone())
	}

	slices.SortFunc(result, func(a, b *discount.Discount) int {
		return strings.Compare(a.Code, b.Code)
	})

	return window(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateDiscount(_ context.Context, d *discount.Discount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discounts[d.ID.String()] = d.Clone()
	return nil
}

func (s *Store) DeleteDiscount(_ context.Context, discountID id.DiscountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.discounts[discountID.String()]; !exists {
		return rebill.ErrDiscountNotFound
	}
	delete(s.discounts, discountID.String())
	return nil
}

// Core Store implementation

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// window applies offset and limit to a sorted slice. Limit 0 means no
// cap.
func window[T any](list []T, offset, limit int) []T {
	start := offset
	if start > len(list) {
		start = len(list)
	}
	end := start + limit
	if limit == 0 || end > len(list) {
		end = len(list)
	}
	return list[start:end]
}
