package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const breakerKeyPrefix = "copybot:breaker:"

// RedisStateStore keeps breaker state under copybot:breaker:<wallet>.
// The key has no expiry; the day boundary is handled by the breaker itself.
type RedisStateStore struct {
	redis redis.Cmdable
	key   string
}

// NewRedisStateStore creates a store for one wallet
func NewRedisStateStore(client redis.Cmdable, wallet string) *RedisStateStore {
	return &RedisStateStore{redis: client, key: breakerKeyPrefix + wallet}
}

// Key returns the redis key in use
func (r *RedisStateStore) Key() string {
	return r.key
}

func (r *RedisStateStore) Load(ctx context.Context) (State, bool, error) {
	data, err := r.redis.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("redis get %s: %w", r.key, err)
	}

	var s State
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return State{}, false, fmt.Errorf("decode breaker state: %w", err)
	}
	return s, true, nil
}

func (r *RedisStateStore) Save(ctx context.Context, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode breaker state: %w", err)
	}
	if err := r.redis.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}
