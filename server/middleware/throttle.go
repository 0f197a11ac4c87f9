// Package middleware holds HTTP-level middlewares shared across routes.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// Throttle is a coarse per-client request limiter sitting in front of the
// per-user message quota. It protects the whole API surface, including reads,
// from a single client flooding the server.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewThrottle creates a throttle allowing rps requests per second with the
// given burst per client key.
func NewThrottle(rps float64, burst int) *Throttle {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(t.rps, t.burst)
	t.limiters[key] = l
	return l
}

// Allow reports whether a request under the given key may proceed.
func (t *Throttle) Allow(key string) bool {
	return t.limiter(key).Allow()
}

// Middleware rejects over-limit requests with 429, keyed by client IP.
func (t *Throttle) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !t.Allow(c.RealIP()) {
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"code":    "QUOTA_EXCEEDED",
					"message": "too many requests",
				})
			}
			return next(c)
		}
	}
}

// Prune drops limiters that have been idle long enough to refill completely.
// Callers run it periodically to bound memory on long uptimes.
func (t *Throttle) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, l := range t.limiters {
		if l.TokensAt(time.Now()) >= float64(t.burst) {
			delete(t.limiters, key)
		}
	}
}
