package registry

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rapidaid/dispatch-gateway/pkg/redis"
)

// RedisStore mirrors connection records into Redis so every instance in
// the deployment can see which users are connected where.
type RedisStore struct {
	rdb goredis.Cmdable
}

// NewRedisStore creates the shared connection store.
func NewRedisStore(rdb goredis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) SaveConnection(ctx context.Context, rec ConnectionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding connection record: %w", err)
	}
	if err := s.rdb.Set(ctx, redis.ConnectionKey(rec.ConnID), data, redis.TTLConnection).Err(); err != nil {
		return fmt.Errorf("saving connection record: %w", err)
	}
	if rec.UserID != "" {
		if err := s.rdb.SAdd(ctx, redis.UserConnectionsKey(rec.UserID), rec.ConnID).Err(); err != nil {
			return fmt.Errorf("indexing user connection: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) DeleteConnection(ctx context.Context, connID, userID string) error {
	if userID != "" {
		if err := s.rdb.SRem(ctx, redis.UserConnectionsKey(userID), connID).Err(); err != nil {
			return fmt.Errorf("removing user connection index: %w", err)
		}
	}
	if err := s.rdb.Del(ctx, redis.ConnectionKey(connID)).Err(); err != nil {
		return fmt.Errorf("deleting connection record: %w", err)
	}
	return nil
}
