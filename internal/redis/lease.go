package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLeaseHeld is returned when another holder owns the lease.
var ErrLeaseHeld = errors.New("lease held by another instance")

// releaseScript deletes the key only if it still holds our token, so a run
// that outlived its TTL cannot drop a lease another instance now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a per-name exclusive lock with a TTL, used so only one
// instance runs a given scanner at a time.
type Lease struct {
	client *Client
	prefix string
	logger *zap.Logger
}

// NewLease creates a lease service; keys are "<prefix>:<name>".
func NewLease(client *Client, prefix string, logger *zap.Logger) *Lease {
	if prefix == "" {
		prefix = "lease"
	}
	return &Lease{client: client, prefix: prefix, logger: logger}
}

func (l *Lease) key(name string) string {
	return fmt.Sprintf("%s:%s", l.prefix, name)
}

// Acquire takes the lease with SET NX. On success it returns a release
// func bound to this holder's token. ErrLeaseHeld means another holder
// owns it.
func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	key := l.key(name)

	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	l.logger.Debug("lease acquired",
		zap.String("name", name),
		zap.Duration("ttl", ttl),
	)

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client.rdb, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		if n == 0 {
			l.logger.Warn("lease expired before release", zap.String("name", name))
		}
		return nil
	}
	return release, nil
}
