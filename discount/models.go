// Package discount defines discount codes applied to a subscription's
// charge amount at billing time.
package discount

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rebillhq/rebill/id"
	"github.com/rebillhq/rebill/types"
)

var (
	// ErrNotUsable is returned when a discount is outside its validity
	// window or its redemption cap is reached.
	ErrNotUsable = errors.New("rebill: discount not usable")

	// ErrInvalidDiscount is returned for malformed discount definitions.
	ErrInvalidDiscount = errors.New("rebill: invalid discount")
)

type Type string

const (
	TypePercentage Type = "percentage"
	TypeAmount     Type = "amount"
)

// Discount reduces a subscription charge, either by a percentage or by a
// fixed amount. Amount discounts never push the charge below zero.
type Discount struct {
	types.Entity
	ID             id.DiscountID     `json:"id"`
	Code           string            `json:"code"`
	Name           string            `json:"name"`
	Type           Type              `json:"type"`
	Amount         types.Money       `json:"amount,omitempty"`
	Percentage     int               `json:"percentage,omitempty"`
	MaxRedemptions int               `json:"max_redemptions"` // 0 = unlimited
	TimesRedeemed  int               `json:"times_redeemed"`
	ValidFrom      *time.Time        `json:"valid_from,omitempty"`
	ValidUntil     *time.Time        `json:"valid_until,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// New builds a percentage discount.
func New(code, name string, percentage int, at time.Time) *Discount {
	return &Discount{
		Entity:     types.NewEntityAt(at),
		ID:         id.NewDiscountID(),
		Code:       code,
		Name:       name,
		Type:       TypePercentage,
		Percentage: percentage,
	}
}

// NewAmount builds a fixed-amount discount.
func NewAmount(code, name string, amount types.Money, at time.Time) *Discount {
	return &Discount{
		Entity: types.NewEntityAt(at),
		ID:     id.NewDiscountID(),
		Code:   code,
		Name:   name,
		Type:   TypeAmount,
		Amount: amount,
	}
}

// Validate checks the discount definition.
func (d *Discount) Validate() error {
	switch d.Type {
	case TypePercentage:
		if d.Percentage < 1 || d.Percentage > 100 {
			return fmt.Errorf("%w: percentage %d out of range 1..100", ErrInvalidDiscount, d.Percentage)
		}
	case TypeAmount:
		if !d.Amount.IsPositive() {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidDiscount)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDiscount, d.Type)
	}
	if d.ValidFrom != nil && d.ValidUntil != nil && d.ValidUntil.Before(*d.ValidFrom) {
		return fmt.Errorf("%w: valid_until precedes valid_from", ErrInvalidDiscount)
	}
	return nil
}

// Usable reports whether the discount can be redeemed at the given time.
func (d *Discount) Usable(at time.Time) error {
	if d.ValidFrom != nil && at.Before(*d.ValidFrom) {
		return fmt.Errorf("%w: %s not valid until %s", ErrNotUsable, d.Code, d.ValidFrom.Format(time.RFC3339))
	}
	if d.ValidUntil != nil && at.After(*d.ValidUntil) {
		return fmt.Errorf("%w: %s expired %s", ErrNotUsable, d.Code, d.ValidUntil.Format(time.RFC3339))
	}
	if d.MaxRedemptions > 0 && d.TimesRedeemed >= d.MaxRedemptions {
		return fmt.Errorf("%w: %s redemption cap %d reached", ErrNotUsable, d.Code, d.MaxRedemptions)
	}
	return nil
}

// Clone returns a deep copy.
func (d *Discount) Clone() *Discount {
	c := *d
	if d.ValidFrom != nil {
		t := *d.ValidFrom
		c.ValidFrom = &t
	}
	if d.ValidUntil != nil {
		t := *d.ValidUntil
		c.ValidUntil = &t
	}
	c.Metadata = maps.Clone(d.Metadata)
	return &c
}

// Apply returns the charge after the discount. Percentage discounts round
// half away from zero; amount discounts floor at zero and must match the
// base currency.
func (d *Discount) Apply(base types.Money) (types.Money, error) {
	switch d.Type {
	case TypePercentage:
		off := base.Percentage(float64(d.Percentage))
		return base.Subtract(off)
	case TypeAmount:
		charged, err := base.Subtract(d.Amount)
		if err != nil {
			return types.Money{}, err
		}
		if charged.IsNegative() {
			return types.Zero(base.Currency), nil
		}
		return charged, nil
	default:
		return types.Money{}, fmt.Errorf("%w: unknown type %q", ErrInvalidDiscount, d.Type)
	}
}
