package memory

import (
	"context"
	"sync"
	"time"

	domain "github.com/shopfabric/fulfillment/internal/domain/outbox"
)

type OutboxStore struct {
	mu      sync.Mutex
	records []domain.Record
}

func NewOutboxStore() *OutboxStore {
	return &OutboxStore{}
}

func (s *OutboxStore) Append(ctx context.Context, record domain.Record) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, record)
	return nil
}

func (s *OutboxStore) Pending(ctx context.Context, limit int) ([]domain.Record, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []domain.Record
	for _, rec := range s.records {
		if rec.Status != domain.StatusPending {
			continue
		}
		pending = append(pending, rec)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID != id {
			continue
		}
		now := time.Now().UTC()
		s.records[i].Status = domain.StatusSent
		s.records[i].SentAt = &now
		return nil
	}
	return domain.ErrNotFound
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID != id {
			continue
		}
		s.records[i].Attempts++
		if cause != nil {
			s.records[i].LastError = cause.Error()
		}
		if maxAttempts > 0 && s.records[i].Attempts >= maxAttempts {
			s.records[i].Status = domain.StatusFailed
		}
		return nil
	}
	return domain.ErrNotFound
}
