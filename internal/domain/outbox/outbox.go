// Package outbox implements the transactional-outbox contract: domain
// services append events in the same logical unit of work as their state
// change, and a dispatcher relays pending records to the broker. A failed
// publish therefore never silently diverges local state from the stream.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shopfabric/fulfillment/internal/domain/event"
)

var ErrNotFound = errors.New("outbox: record not found")

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

type Record struct {
	ID         string
	Exchange   string
	RoutingKey string
	Envelope   event.Envelope
	Status     Status
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	SentAt     *time.Time
}

func NewRecord(exchange string, env event.Envelope) Record {
	return Record{
		ID:         uuid.NewString(),
		Exchange:   exchange,
		RoutingKey: env.RoutingKey(),
		Envelope:   env,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

type Store interface {
	Append(ctx context.Context, record Record) error
	// Pending returns up to limit records awaiting dispatch, oldest first.
	Pending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id string) error
	// MarkFailed increments the attempt counter; once attempts reach
	// maxAttempts the record moves to StatusFailed and stops being
	// returned by Pending.
	MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) error
}
