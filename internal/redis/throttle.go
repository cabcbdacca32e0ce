package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ThrottleConfig caps sends per destination in a sliding window.
type ThrottleConfig struct {
	Limit  int
	Window time.Duration
}

// Throttle implements sliding window counting with Redis sorted sets.
type Throttle struct {
	client *Client
	config ThrottleConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewThrottle creates a throttle; a non-positive limit disables it.
func NewThrottle(client *Client, cfg ThrottleConfig, logger *zap.Logger) *Throttle {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Throttle{client: client, config: cfg, logger: logger, now: time.Now}
}

// Allow records one send for key if the window has room.
func (t *Throttle) Allow(ctx context.Context, key string) (bool, error) {
	if t.config.Limit <= 0 {
		return true, nil
	}

	now := t.now()
	windowStart := now.Add(-t.config.Window)
	redisKey := fmt.Sprintf("throttle:%s", key)

	pipe := t.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis pipeline failed: %w", err)
	}

	if int(countCmd.Val()) >= t.config.Limit {
		t.logger.Debug("send throttled",
			zap.String("key", key),
			zap.Int64("current", countCmd.Val()),
			zap.Int("limit", t.config.Limit),
		)
		return false, nil
	}

	pipe = t.client.rdb.Pipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, t.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis zadd failed: %w", err)
	}
	return true, nil
}
