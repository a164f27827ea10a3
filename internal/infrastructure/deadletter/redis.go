// Package deadletter stores messages that exhausted their retries. The
// Redis implementation keeps one list per queue so rejected messages can
// be inspected and replayed by hand.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "deadletter:"

type Entry struct {
	At      time.Time       `json:"at"`
	Queue   string          `json:"queue"`
	Error   string          `json:"error"`
	Payload json.RawMessage `json:"payload"`
}

type RedisStore struct {
	cli *redis.Client
	log *zap.Logger
}

func NewRedis(addr string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		cli: redis.NewClient(&redis.Options{Addr: addr}),
		log: logger.With(zap.String("component", "deadletter")),
	}
}

// Push appends the entry to the queue's list. Failures are logged, not
// propagated: dead-lettering is best effort and must never wedge the
// consumer loop.
func (s *RedisStore) Push(ctx context.Context, queue string, payload []byte, cause error) {
	entry := Entry{
		At:      time.Now().UTC(),
		Queue:   queue,
		Payload: json.RawMessage(payload),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	b, err := json.Marshal(entry)
	if err != nil {
		s.log.Error("dead_letter_marshal_failed", zap.Error(err))
		return
	}

	if err := s.cli.LPush(ctx, keyPrefix+queue, b).Err(); err != nil {
		s.log.Error("dead_letter_push_failed",
			zap.String("queue", queue),
			zap.Error(err),
		)
	}
}

// List returns up to n most recent entries for a queue.
func (s *RedisStore) List(ctx context.Context, queue string, n int64) ([]Entry, error) {
	raw, err := s.cli.LRange(ctx, keyPrefix+queue, 0, n-1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Close() error {
	return s.cli.Close()
}
