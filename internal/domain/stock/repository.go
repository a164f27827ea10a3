package stock

import "context"

// Repository persists stock records and their movement ledger. Save
// stores the record and appends the movement as one unit of work.
type Repository interface {
	Get(ctx context.Context, productID string) (*Record, error)
	GetOrCreate(ctx context.Context, productID string) (*Record, error)
	Save(ctx context.Context, record *Record, movement Movement) error
	Movements(ctx context.Context, productID string) ([]Movement, error)
	// ReservedFor reports how much of a product the given order still
	// holds, derived from the ledger's reserve and release entries.
	ReservedFor(ctx context.Context, orderID, productID string) (int, error)
}

// Compensation is one pending or completed rollback action: a release
// owed for a reservation that is part of an aborted order.
type Compensation struct {
	OrderID   string
	ProductID string
	Quantity  int
	Done      bool
}

// CompensationLog records rollback work so a crash mid-rollback can be
// resumed deterministically.
type CompensationLog interface {
	Append(ctx context.Context, c Compensation) error
	MarkDone(ctx context.Context, orderID, productID string) error
	Pending(ctx context.Context) ([]Compensation, error)
}
