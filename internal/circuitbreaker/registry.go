package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/metrics"
	"github.com/lalithlochan/postflow/internal/notify"
)

// ErrUnknownBreaker is returned for a channel that has no breaker.
var ErrUnknownBreaker = errors.New("no circuit breaker for channel")

// Registry keeps the breaker of every protected channel so operators can
// inspect and reset them.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// Protect wraps sender with a breaker named after its channel. State
// changes are reported to the breaker gauge.
func (r *Registry) Protect(sender notify.Sender) *ProtectedSender {
	cfg := DefaultConfig(sender.Channel().String())
	cfg.OnStateChange = func(name string, _, to State) {
		metrics.SetBreakerState(name, int(to))
	}
	cb := New(cfg, r.logger)

	r.mu.Lock()
	r.breakers[cfg.Name] = cb
	r.mu.Unlock()

	return NewProtectedSender(sender, cb, r.logger)
}

// Stats returns every breaker's snapshot ordered by channel.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the named channel's breaker.
func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	cb.Reset()
	return nil
}
