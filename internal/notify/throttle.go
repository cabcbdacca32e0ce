package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/metrics"
)

// Limiter is a keyed allow/deny budget, implemented by redis.Throttle.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type unthrottledKey struct{}

// WithoutThrottle marks sends made under ctx as exempt from ThrottledSender.
// Transactional mail that must go out uses it.
func WithoutThrottle(ctx context.Context) context.Context {
	return context.WithValue(ctx, unthrottledKey{}, true)
}

func throttleExempt(ctx context.Context) bool {
	v, _ := ctx.Value(unthrottledKey{}).(bool)
	return v
}

// ThrottledSender drops sends once a destination has used its budget for
// the current window. A limiter outage fails open.
type ThrottledSender struct {
	next    Sender
	limiter Limiter
	logger  *zap.Logger
}

// NewThrottledSender wraps next with a per-destination throttle
func NewThrottledSender(next Sender, limiter Limiter, logger *zap.Logger) *ThrottledSender {
	return &ThrottledSender{next: next, limiter: limiter, logger: logger}
}

func (t *ThrottledSender) Channel() Channel { return t.next.Channel() }

func (t *ThrottledSender) Send(ctx context.Context, destination string, msg Message) error {
	if throttleExempt(ctx) {
		return t.next.Send(ctx, destination, msg)
	}

	ch := t.next.Channel()
	key := fmt.Sprintf("%s:%s", ch, destination)

	allowed, err := t.limiter.Allow(ctx, key)
	if err != nil {
		t.logger.Warn("throttle unavailable, sending anyway",
			zap.String("channel", ch.String()),
			zap.Error(err),
		)
		return t.next.Send(ctx, destination, msg)
	}
	if !allowed {
		metrics.RecordThrottleRejection(ch.String())
		return fmt.Errorf("%w: %s", ErrThrottled, ch)
	}
	return t.next.Send(ctx, destination, msg)
}
