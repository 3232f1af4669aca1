package discount

import (
	"context"

	"github.com/rebillhq/rebill/id"
)

type Store interface {
	Create(ctx context.Context, d *Discount) error
	Get(ctx context.Context, code string) (*Discount, error)
	GetByID(ctx context.Context, discountID id.DiscountID) (*Discount, error)
	List(ctx context.Context, opts ListOpts) ([]*Discount, error)
	Update(ctx context.Context, d *Discount) error
	Delete(ctx context.Context, discountID id.DiscountID) error
}

type ListOpts struct {
	Active bool
	Limit  int
	Offset int
}
