package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/notify"
)

// ProtectedSender fails fast while its channel's breaker is open.
type ProtectedSender struct {
	sender  notify.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender notify.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Channel() notify.Channel { return p.sender.Channel() }

// Send delivers through the breaker. Missing destinations and throttling
// are caller-side conditions and do not count as transport failures.
func (p *ProtectedSender) Send(ctx context.Context, destination string, msg notify.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Send(ctx, destination, msg)
	if err != nil {
		if isCallerError(err) {
			p.breaker.RecordSuccess()
			return err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for status reporting.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}

func isCallerError(err error) bool {
	return errors.Is(err, notify.ErrNoDestination) || errors.Is(err, notify.ErrThrottled)
}
