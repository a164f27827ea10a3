// Package saga persists the per-order fulfillment saga state. The record
// is what makes reservation-outcome handling idempotent: a redelivered
// outcome for an order whose saga already reached a terminal outcome is
// acknowledged without touching the order.
package saga

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("saga: state not found")

type Outcome string

const (
	OutcomeReserved Outcome = "reserved"
	OutcomeFailed   Outcome = "failed"
)

type State struct {
	OrderID           string
	Outcome           Outcome
	CompensationFired bool
	UpdatedAt         time.Time
}

// Terminal reports whether a reservation outcome has already been applied.
func (s *State) Terminal() bool {
	return s != nil && s.Outcome != ""
}

type Store interface {
	Get(ctx context.Context, orderID string) (*State, error)
	Save(ctx context.Context, state *State) error
}
