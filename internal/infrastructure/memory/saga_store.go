package memory

import (
	"context"
	"sync"
	"time"

	domain "github.com/shopfabric/fulfillment/internal/domain/saga"
)

type SagaStore struct {
	mu     sync.RWMutex
	states map[string]*domain.State
}

func NewSagaStore() *SagaStore {
	return &SagaStore{
		states: make(map[string]*domain.State),
	}
}

func (s *SagaStore) Get(ctx context.Context, orderID string) (*domain.State, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *state
	return &clone, nil
}

func (s *SagaStore) Save(ctx context.Context, state *domain.State) error {
	_ = ctx
	if state == nil || state.OrderID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *state
	clone.UpdatedAt = time.Now().UTC()
	s.states[state.OrderID] = &clone
	return nil
}
