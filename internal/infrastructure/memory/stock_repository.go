package memory

import (
	"context"
	"sync"

	domain "github.com/shopfabric/fulfillment/internal/domain/stock"
)

// StockRepository stores stock records and their movement ledger. Save
// applies the record and appends the movement under one lock, matching
// the single-document transactionality the coordinator relies on.
type StockRepository struct {
	mu        sync.RWMutex
	records   map[string]*domain.Record
	movements map[string][]domain.Movement
}

func NewStockRepository() *StockRepository {
	return &StockRepository{
		records:   make(map[string]*domain.Record),
		movements: make(map[string][]domain.Movement),
	}
}

func (r *StockRepository) Get(ctx context.Context, productID string) (*domain.Record, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

// GetOrCreate creates an empty record lazily on first reference.
func (r *StockRepository) GetOrCreate(ctx context.Context, productID string) (*domain.Record, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[productID]; ok {
		return rec.Clone(), nil
	}

	rec, err := domain.NewRecord(productID, 0)
	if err != nil {
		return nil, err
	}
	r.records[productID] = rec
	return rec.Clone(), nil
}

func (r *StockRepository) Save(ctx context.Context, record *domain.Record, movement domain.Movement) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[record.ProductID] = record.Clone()
	r.movements[record.ProductID] = append(r.movements[record.ProductID], movement)
	return nil
}

func (r *StockRepository) Movements(ctx context.Context, productID string) ([]domain.Movement, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]domain.Movement(nil), r.movements[productID]...), nil
}

func (r *StockRepository) ReservedFor(ctx context.Context, orderID, productID string) (int, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	held := 0
	for _, mv := range r.movements[productID] {
		if mv.Reference != orderID {
			continue
		}
		switch mv.Type {
		case domain.MovementReserved:
			held += mv.Quantity
		case domain.MovementReleased:
			held -= mv.Quantity
		}
	}
	if held < 0 {
		held = 0
	}
	return held, nil
}
