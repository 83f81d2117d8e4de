package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "idempotency:"
	pendingMarker = "PENDING"
	pollInterval  = 50 * time.Millisecond
)

// RedisStore is the externally-backed store used in production. Keys are
// reserved with SETNX so exactly one instance across the fleet executes the
// operation; everyone else polls for the winner's snapshot.
type RedisStore struct {
	client      *redis.Client
	waitTimeout time.Duration
}

func NewRedisStore(client *redis.Client, waitTimeout time.Duration) *RedisStore {
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Second
	}
	return &RedisStore{client: client, waitTimeout: waitTimeout}
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, ttl time.Duration, build func(context.Context) (Result, error)) (Result, bool, error) {
	redisKey := keyPrefix + key

	val, err := s.client.Get(ctx, redisKey).Result()
	switch {
	case err == nil:
		if val == pendingMarker {
			return s.awaitSnapshot(ctx, redisKey)
		}
		res, err := decodeResult(val)
		return res, false, err
	case err != redis.Nil:
		return Result{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Reserve the key. The reservation TTL is bounded so a crashed holder
	// cannot lock the key forever.
	acquired, err := s.client.SetNX(ctx, redisKey, pendingMarker, s.waitTimeout*2).Result()
	if err != nil {
		return Result{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !acquired {
		return s.awaitSnapshot(ctx, redisKey)
	}

	// Once the builder starts it runs to completion even if the caller
	// disconnects, so a retried request observes the same outcome.
	res, err := build(context.WithoutCancel(ctx))
	if err != nil {
		// The effect did not happen; release the key so a retry can run.
		s.client.Del(context.WithoutCancel(ctx), redisKey)
		return Result{}, true, err
	}

	data, err := json.Marshal(res)
	if err != nil {
		s.client.Del(context.WithoutCancel(ctx), redisKey)
		return Result{}, true, fmt.Errorf("marshal snapshot: %w", err)
	}
	// The effect is already applied; the snapshot write must not be lost to
	// caller disconnect, hence WithoutCancel.
	if err := s.client.Set(context.WithoutCancel(ctx), redisKey, data, ttl).Err(); err != nil {
		return res, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return res, true, nil
}

func (s *RedisStore) awaitSnapshot(ctx context.Context, redisKey string) (Result, bool, error) {
	deadline := time.NewTimer(s.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, false, ctx.Err()
		case <-deadline.C:
			return Result{}, false, ErrWaitTimeout
		case <-ticker.C:
			val, err := s.client.Get(ctx, redisKey).Result()
			if err == redis.Nil {
				// Winner failed and released the key; tell the caller to retry.
				return Result{}, false, ErrWaitTimeout
			}
			if err != nil {
				return Result{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			if val == pendingMarker {
				continue
			}
			res, err := decodeResult(val)
			return res, false, err
		}
	}
}

func decodeResult(val string) (Result, error) {
	var res Result
	if err := json.Unmarshal([]byte(val), &res); err != nil {
		return Result{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return res, nil
}
