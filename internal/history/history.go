// Package history keeps a bounded per-type log of published events, so
// a client reconnecting after a gap can ask what it missed. Logs are
// capped lists in Redis; old entries fall off the tail.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/pkg/redis"
)

// DefaultMaxLen caps each event type's log.
const DefaultMaxLen = 1000

// Store is the list backend. Push prepends and trims in one step so the
// log never grows past maxLen.
type Store interface {
	Push(ctx context.Context, key string, value []byte, maxLen int64) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// RedisStore implements Store on capped Redis lists.
type RedisStore struct {
	rdb goredis.Cmdable
}

func NewRedisStore(rdb goredis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Push(ctx context.Context, key string, value []byte, maxLen int64) error {
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending event history: %w", err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

// Entry is one recorded event.
type Entry struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Recorder writes and reads the per-type event logs.
type Recorder struct {
	store  Store
	maxLen int64
	log    *zap.Logger
}

// NewRecorder creates a recorder with the default cap.
func NewRecorder(store Store, log *zap.Logger) *Recorder {
	return &Recorder{
		store:  store,
		maxLen: DefaultMaxLen,
		log:    log.With(zap.String("component", "history")),
	}
}

// Record appends one event to its type's log.
func (r *Recorder) Record(ctx context.Context, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	entry, err := json.Marshal(Entry{Type: eventType, Data: raw, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding history entry: %w", err)
	}
	return r.store.Push(ctx, redis.EventHistoryKey(eventType), entry, r.maxLen)
}

// Recent returns up to limit entries for the type, newest first. A
// non-positive or oversized limit is clamped to the log cap. Corrupt
// entries are skipped, not surfaced.
func (r *Recorder) Recent(ctx context.Context, eventType string, limit int64) ([]Entry, error) {
	if limit <= 0 || limit > r.maxLen {
		limit = r.maxLen
	}
	raws, err := r.store.Range(ctx, redis.EventHistoryKey(eventType), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("reading event history: %w", err)
	}

	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			r.log.Warn("skipping corrupt history entry", zap.String("type", eventType), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
