// Package stock holds the inventory aggregate: per-product stock records
// and the append-only movement ledger that audits every change to them.
package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound               = errors.New("stock: not found for product")
	ErrInvalidQuantity        = errors.New("stock: quantity must be greater than zero")
	ErrInsufficientStock      = errors.New("stock: insufficient available stock")
	ErrReleaseExceedsReserved = errors.New("stock: cannot release more than reserved")
	ErrQuantityBelowReserved  = errors.New("stock: quantity cannot drop below reserved")
)

const DefaultLowStockThreshold = 10

// Record tracks physical and reserved quantities for one product.
// Available is always derived, never stored.
type Record struct {
	ProductID         string
	Quantity          int
	Reserved          int
	LowStockThreshold int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func NewRecord(productID string, quantity int) (*Record, error) {
	if quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	now := time.Now().UTC()
	return &Record{
		ProductID:         productID,
		Quantity:          quantity,
		LowStockThreshold: DefaultLowStockThreshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (r *Record) Available() int {
	if a := r.Quantity - r.Reserved; a > 0 {
		return a
	}
	return 0
}

func (r *Record) IsLowStock() bool {
	return r.Available() <= r.LowStockThreshold
}

// Reserve holds quantity for the given order reference. It succeeds only
// when enough stock is available and returns the ledger entry to persist
// alongside the record.
func (r *Record) Reserve(quantity int, orderID string) (Movement, error) {
	if quantity <= 0 {
		return Movement{}, ErrInvalidQuantity
	}
	if r.Available() < quantity {
		return Movement{}, fmt.Errorf("%w: available %d, requested %d",
			ErrInsufficientStock, r.Available(), quantity)
	}

	prev := r.Reserved
	r.Reserved += quantity
	r.touch()

	return r.movement(MovementReserved, quantity, r.Quantity, prev,
		orderID, ReferenceOrder, fmt.Sprintf("Reserved for order: %s", orderID), "system"), nil
}

// Release returns previously reserved quantity. Releasing more than is
// currently reserved is rejected, never clamped.
func (r *Record) Release(quantity int, orderID string) (Movement, error) {
	if quantity <= 0 {
		return Movement{}, ErrInvalidQuantity
	}
	if quantity > r.Reserved {
		return Movement{}, fmt.Errorf("%w: reserved %d, requested %d",
			ErrReleaseExceedsReserved, r.Reserved, quantity)
	}

	prev := r.Reserved
	r.Reserved -= quantity
	r.touch()

	return r.movement(MovementReleased, quantity, r.Quantity, prev,
		orderID, ReferenceOrder, fmt.Sprintf("Released from order: %s", orderID), "system"), nil
}

// Add receives incoming stock.
func (r *Record) Add(quantity int, reason, performedBy string) (Movement, error) {
	if quantity <= 0 {
		return Movement{}, ErrInvalidQuantity
	}

	prev := r.Quantity
	r.Quantity += quantity
	r.touch()

	return r.movement(MovementIn, quantity, prev, r.Reserved, "", ReferenceOther, reason, performedBy), nil
}

// Restock returns goods from an approved return to the shelf.
func (r *Record) Restock(quantity int, orderID string) (Movement, error) {
	if quantity <= 0 {
		return Movement{}, ErrInvalidQuantity
	}

	prev := r.Quantity
	r.Quantity += quantity
	r.touch()

	return r.movement(MovementIn, quantity, prev, r.Reserved,
		orderID, ReferenceReturn, fmt.Sprintf("Return for order: %s", orderID), "system"), nil
}

// Remove ships stock out. Only unreserved stock may leave.
func (r *Record) Remove(quantity int, reason, performedBy string) (Movement, error) {
	if quantity <= 0 {
		return Movement{}, ErrInvalidQuantity
	}
	if r.Available() < quantity {
		return Movement{}, fmt.Errorf("%w: available %d, requested %d",
			ErrInsufficientStock, r.Available(), quantity)
	}

	prev := r.Quantity
	r.Quantity -= quantity
	r.touch()

	return r.movement(MovementOut, quantity, prev, r.Reserved, "", ReferenceOther, reason, performedBy), nil
}

// Adjust sets the absolute quantity after a manual count. The new
// quantity may not undercut what is currently reserved.
func (r *Record) Adjust(newQuantity int, reason, performedBy string) (Movement, error) {
	if newQuantity < 0 {
		return Movement{}, ErrInvalidQuantity
	}
	if newQuantity < r.Reserved {
		return Movement{}, fmt.Errorf("%w: reserved %d, requested %d",
			ErrQuantityBelowReserved, r.Reserved, newQuantity)
	}

	prev := r.Quantity
	r.Quantity = newQuantity
	r.touch()

	m := r.movement(MovementAdjustment, newQuantity-prev, prev, r.Reserved, "", ReferenceAdjustment, reason, performedBy)
	return m, nil
}

func (r *Record) touch() {
	r.UpdatedAt = time.Now().UTC()
}

func (r *Record) movement(t MovementType, quantity, prevQuantity, prevReserved int,
	reference string, refType ReferenceType, reason, performedBy string) Movement {
	return Movement{
		ID:               uuid.NewString(),
		ProductID:        r.ProductID,
		Type:             t,
		Quantity:         quantity,
		PreviousQuantity: prevQuantity,
		NewQuantity:      r.Quantity,
		PreviousReserved: prevReserved,
		NewReserved:      r.Reserved,
		Reference:        reference,
		ReferenceType:    refType,
		Reason:           reason,
		PerformedBy:      performedBy,
		OccurredAt:       time.Now().UTC(),
	}
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
