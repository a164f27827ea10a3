package memory

import (
	"context"
	"sync"

	domain "github.com/shopfabric/fulfillment/internal/domain/stock"
)

type CompensationLog struct {
	mu      sync.Mutex
	entries []domain.Compensation
}

func NewCompensationLog() *CompensationLog {
	return &CompensationLog{}
}

func (l *CompensationLog) Append(ctx context.Context, c domain.Compensation) error {
	_ = ctx

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, c)
	return nil
}

func (l *CompensationLog) MarkDone(ctx context.Context, orderID, productID string) error {
	_ = ctx

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].OrderID == orderID && l.entries[i].ProductID == productID && !l.entries[i].Done {
			l.entries[i].Done = true
			return nil
		}
	}
	return nil
}

func (l *CompensationLog) Pending(ctx context.Context) ([]domain.Compensation, error) {
	_ = ctx

	l.mu.Lock()
	defer l.mu.Unlock()

	var pending []domain.Compensation
	for _, e := range l.entries {
		if !e.Done {
			pending = append(pending, e)
		}
	}
	return pending, nil
}
