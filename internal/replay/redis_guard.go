package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "replay:"

type RedisGuard struct {
	client *redis.Client
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) CheckAndMark(ctx context.Context, identity string, window time.Duration) error {
	acquired, err := g.client.SetNX(ctx, keyPrefix+identity, "1", window).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !acquired {
		return ErrReplayDetected
	}
	return nil
}
