package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type actorKey struct{}

// ActorHeader carries the authenticated user id, set by the upstream auth
// proxy.
const ActorHeader = "X-User-ID"

// RequireActor rejects requests without a valid actor and stores it on the
// context.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := uuid.Parse(r.Header.Get(ActorHeader))
		if err != nil {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{
				Type:   "unauthenticated",
				Title:  "Unauthenticated",
				Status: http.StatusUnauthorized,
				Detail: ActorHeader + " header must carry a user UUID",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// RequireOperator admits only the listed actors. It must run after
// RequireActor.
func RequireOperator(operators []uuid.UUID) func(http.Handler) http.Handler {
	allowed := make(map[uuid.UUID]bool, len(operators))
	for _, id := range operators {
		allowed[id] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed[ActorFrom(r.Context())] {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "forbidden",
					Title:  "Forbidden",
					Status: http.StatusForbidden,
					Detail: "operator access required",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFrom returns the actor stored by RequireActor.
func ActorFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(actorKey{}).(uuid.UUID)
	return id
}

// Limiter admits one request for key. *redis.Throttle implements it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request (e.g., actor, IP).
// A limiter error lets the request through.
func RateLimitMiddleware(limiter Limiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				w.Header().Set("Retry-After", "60")
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ActorKeyFunc keys by the X-User-ID header, falling back to the client IP.
func ActorKeyFunc(r *http.Request) string {
	if actor := r.Header.Get(ActorHeader); actor != "" {
		return "api:user:" + actor
	}
	return "api:" + IPKeyFunc(r)
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}
