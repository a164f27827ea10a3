package deadletter

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore backs tests and broker-less runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]Entry),
	}
}

func (s *MemoryStore) Push(ctx context.Context, queue string, payload []byte, cause error) {
	_ = ctx

	entry := Entry{
		At:      time.Now().UTC(),
		Queue:   queue,
		Payload: json.RawMessage(append([]byte(nil), payload...)),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[queue] = append(s.entries[queue], entry)
}

func (s *MemoryStore) Entries(queue string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries[queue]...)
}
