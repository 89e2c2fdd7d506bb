package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetward/hub/pkg/api"
)

// LimitPolicy defines the per-source submission ceiling.
type LimitPolicy struct {
	PerMinute int
	Burst     int
}

// LimiterStore abstracts the storage for rate-limiting buckets so the
// limiter can be local (single hub) or shared (Redis).
type LimiterStore interface {
	// Allow reports whether the source may proceed. Excess requests are
	// rejected immediately; the hub never queues.
	Allow(ctx context.Context, source string, policy LimitPolicy) (bool, error)
}

// visitor tracks the limiter and last-seen time for one source.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiterStore keeps per-source token buckets in memory.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewMemoryLimiterStore creates a store with background cleanup of
// stale entries.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	s := &MemoryLimiterStore{visitors: make(map[string]*visitor)}
	go s.cleanupVisitors()
	return s
}

// Allow implements LimiterStore.
func (s *MemoryLimiterStore) Allow(_ context.Context, source string, policy LimitPolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.visitors[source]
	if !exists {
		perSec := rate.Limit(float64(policy.PerMinute) / 60.0)
		if perSec <= 0 {
			perSec = rate.Inf
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(perSec, burst)}
		s.visitors[source] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow(), nil
}

// cleanupVisitors removes stale entries to prevent unbounded growth.
// Checks every minute, removes entries idle for over 3 minutes.
func (s *MemoryLimiterStore) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		s.mu.Lock()
		for source, v := range s.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(s.visitors, source)
			}
		}
		s.mu.Unlock()
	}
}

// RateLimitMiddleware enforces the per-source ceiling at the HTTP layer.
// Public paths are exempt so liveness probes are never throttled.
func RateLimitMiddleware(store LimiterStore, policy LimitPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := store.Allow(r.Context(), sourceOf(r), policy)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 60 / max(policy.PerMinute, 1)
				if retryAfter < 1 {
					retryAfter = 1
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
