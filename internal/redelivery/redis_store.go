package redelivery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per message so several broker processes can
// share counters. Field names are stable on the wire.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore stores hashes under prefix+key; an empty prefix uses "redq:rdl:".
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "redq:rdl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

const (
	fieldAttempts     = "attempts"
	fieldNextEligible = "next_eligible_ms"
	fieldLastDelay    = "last_delay_ns"
	fieldUpdated      = "updated_ms"
)

func (s *RedisStore) Load(ctx context.Context, key Key) (State, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.prefix+string(key)).Result()
	if err != nil {
		return State{}, false, fmt.Errorf("redelivery: redis load %s: %w", key, err)
	}
	if len(vals) == 0 {
		return State{}, false, nil
	}
	attempts, err := strconv.Atoi(vals[fieldAttempts])
	if err != nil {
		return State{}, false, fmt.Errorf("redelivery: redis load %s: %w", key, errBadState)
	}
	return State{
		Key:          key,
		AttemptCount: attempts,
		NextEligible: fromUnixMs(parseInt(vals[fieldNextEligible])),
		LastDelay:    time.Duration(parseInt(vals[fieldLastDelay])),
		UpdatedAt:    fromUnixMs(parseInt(vals[fieldUpdated])),
	}, true, nil
}

func (s *RedisStore) Save(ctx context.Context, st State) error {
	err := s.client.HSet(ctx, s.prefix+string(st.Key),
		fieldAttempts, st.AttemptCount,
		fieldNextEligible, unixMs(st.NextEligible),
		fieldLastDelay, int64(st.LastDelay),
		fieldUpdated, unixMs(st.UpdatedAt),
	).Err()
	if err != nil {
		return fmt.Errorf("redelivery: redis save %s: %w", st.Key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.prefix+string(key)).Err(); err != nil {
		return fmt.Errorf("redelivery: redis delete %s: %w", key, err)
	}
	return nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
