// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adiadia/workflow-core/internal/auth"
	"golang.org/x/time/rate"
)

const headerRateLimitLimit = "X-RateLimit-Limit"
const headerRateLimitRemaining = "X-RateLimit-Remaining"
const headerRetryAfter = "Retry-After"

type rateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

// keyedLimiter keeps one token bucket per caller, refilled at
// limitPerMinute/60 tokens per second with a burst of limitPerMinute. A bucket
// left idle for a full refill window is back at capacity and gets evicted.
type keyedLimiter struct {
	mu             sync.Mutex
	limitPerMinute int
	idleAfter      time.Duration
	lastSweep      time.Time
	buckets        map[string]*keyedBucket
}

type keyedBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(limitPerMinute int) *keyedLimiter {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}
	return &keyedLimiter{
		limitPerMinute: limitPerMinute,
		idleAfter:      time.Minute,
		buckets:        make(map[string]*keyedBucket, 32),
	}
}

func (l *keyedLimiter) limiter(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idleAfter {
		l.evictIdle(now)
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &keyedBucket{limiter: rate.NewLimiter(rate.Limit(float64(l.limitPerMinute)/60.0), l.limitPerMinute)}
		l.buckets[key] = b
	}
	if now.After(b.lastSeen) {
		b.lastSeen = now
	}
	return b.limiter
}

// evictIdle drops buckets untouched for idleAfter. Callers hold mu.
func (l *keyedLimiter) evictIdle(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idleAfter {
			delete(l.buckets, key)
		}
	}
}

func (l *keyedLimiter) Allow(key string, now time.Time) rateLimitDecision {
	lim := l.limiter(key, now)
	decision := rateLimitDecision{LimitPerMinute: l.limitPerMinute}

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		decision.RetryAfterSeconds = 60
		return decision
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		wait := int(math.Ceil(delay.Seconds()))
		if wait < 1 {
			wait = 1
		}
		decision.RetryAfterSeconds = wait
		return decision
	}

	decision.Allowed = true
	if remaining := lim.TokensAt(now); remaining > 0 {
		decision.Remaining = int(math.Floor(remaining))
	}
	return decision
}

// RateLimit caps requests per caller. Callers are keyed by user id, or by
// client address for anonymous requests.
func RateLimit(limitPerMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	return rateLimitWith(newKeyedLimiter(limitPerMinute), logger)
}

func rateLimitWith(limiter *keyedLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if limiter == nil {
		panic("middleware.RateLimit requires a limiter")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			decision := limiter.Allow(key, time.Now())

			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				logger.Warn("request rate limited",
					"path", r.URL.Path,
					"rate_key", key,
					"retry_after_s", decision.RetryAfterSeconds,
				)
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if userID := auth.UserIDFromContext(r.Context()); userID != "" {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
