package order

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("order: not found")
	ErrConflict          = errors.New("order: already exists")
	ErrNoItems           = errors.New("order: at least one item is required")
	ErrInvalidQuantity   = errors.New("order: item quantity must be greater than zero")
	ErrInvalidTransition = errors.New("order: invalid status transition")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// transitions lists the reachable next statuses per status. Terminal
// statuses (cancelled, refunded) have no outgoing edge and are never
// reopened.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  {StatusRefunded},
}

type Item struct {
	ProductID string
	Quantity  int
	Price     float64
}

// HistoryEntry records one status change. History is append-only.
type HistoryEntry struct {
	Status    Status
	Timestamp time.Time
	Comment   string
}

type Order struct {
	ID          string
	OrderNumber string
	UserID      string
	Items       []Item
	Status      Status
	History     []HistoryEntry
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func New(id, orderNumber, userID string, items []Item) (*Order, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w (product %s)", ErrInvalidQuantity, it.ProductID)
		}
	}

	now := time.Now().UTC()
	return &Order{
		ID:          id,
		OrderNumber: orderNumber,
		UserID:      userID,
		Items:       append([]Item(nil), items...),
		Status:      StatusPending,
		History: []HistoryEntry{{
			Status:    StatusPending,
			Timestamp: now,
			Comment:   "Order created",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// TransitionTo moves the order to the next status and appends a history
// entry. Edges not listed in the transition table are rejected.
func (o *Order) TransitionTo(next Status, comment string) error {
	for _, allowed := range transitions[o.Status] {
		if allowed == next {
			now := time.Now().UTC()
			o.Status = next
			o.History = append(o.History, HistoryEntry{
				Status:    next,
				Timestamp: now,
				Comment:   comment,
			})
			o.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
}

func (o *Order) Confirm(comment string) error {
	return o.TransitionTo(StatusConfirmed, comment)
}

func (o *Order) Cancel(reason string) error {
	return o.TransitionTo(StatusCancelled, reason)
}

func (o *Order) Total() float64 {
	var total float64
	for _, it := range o.Items {
		total += it.Price * float64(it.Quantity)
	}
	return total
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Items = append([]Item(nil), o.Items...)
	clone.History = append([]HistoryEntry(nil), o.History...)
	return &clone
}
