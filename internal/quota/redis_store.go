package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript reads, compares and increments in one step. The TTL is
// set on the first increment of a window so stale keys clean themselves up.
var incrementScript = redis.NewScript(`
	local limit = tonumber(ARGV[1])
	local ttl_ms = tonumber(ARGV[2])
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current >= limit then
		return { 0, current }
	end
	current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ttl_ms)
	end
	return { 1, current }
`)

var decrementScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current <= 0 then
		return 0
	end
	return redis.call('DECR', KEYS[1])
`)

// RedisStore keeps window counters as Redis strings.
type RedisStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

// Increment implements Store. Keys live one day past the end of their window.
func (s *RedisStore) Increment(ctx context.Context, w Window, limit int) (int, bool, error) {
	ttl := w.End.Sub(s.now()) + 24*time.Hour
	if ttl < time.Second {
		ttl = time.Second
	}
	vals, err := incrementScript.Run(ctx, s.rdb, []string{w.Key}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("unexpected script result %v", vals)
	}
	return int(vals[1]), vals[0] == 1, nil
}

// Decrement implements Store.
func (s *RedisStore) Decrement(ctx context.Context, w Window) error {
	return decrementScript.Run(ctx, s.rdb, []string{w.Key}).Err()
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context, w Window) (int, error) {
	n, err := s.rdb.Get(ctx, w.Key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
