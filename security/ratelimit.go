package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/storage"
)

// RateLimitExceededCode is the error code returned in 429 responses.
const RateLimitExceededCode = "rate_limit_exceeded"

// RatePolicy is a fixed-window budget for one route.
// A policy with MaxRequests <= 0 disables limiting.
type RatePolicy struct {
	MaxRequests int
	Window      time.Duration
}

// RateLimitResult is the outcome of one CheckAndIncrement call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// Degraded is set when the backing store failed and the request was let through.
	Degraded bool
}

// RateLimiter is a fixed-window request counter shared by all replicas through its store.
// Atomicity is delegated to storage.RateLimitStore; the limiter itself keeps no counters.
// Store failures fail open: the request is allowed and the fault is logged.
type RateLimiter struct {
	store          storage.RateLimitStore
	logger         *slog.Logger
	auditor        *Auditor
	metrics        *instrumentation.Metrics
	clientIP       ClientIPResolver
	now            func() time.Time
	storeOpTimeout time.Duration
}

// NewRateLimiter creates a limiter over store.
func NewRateLimiter(store storage.RateLimitStore, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:          store,
		logger:         logger,
		now:            time.Now,
		storeOpTimeout: 2 * time.Second,
	}
}

// SetAuditor enables audit events for rejected requests.
func (rl *RateLimiter) SetAuditor(a *Auditor) {
	rl.auditor = a
}

// SetInstrumentation enables rate limit metrics.
func (rl *RateLimiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		rl.metrics = inst.Metrics()
	}
}

// SetClientIPResolver configures how Middleware derives the caller identity.
func (rl *RateLimiter) SetClientIPResolver(r ClientIPResolver) {
	rl.clientIP = r
}

// CheckAndIncrement counts one request for identifier in the current window.
// Two concurrent callers can never both be admitted past maxRequests: the read, compare and
// increment happen as one operation in the store.
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, identifier string, maxRequests int, window time.Duration) RateLimitResult {
	if maxRequests <= 0 || window <= 0 {
		return RateLimitResult{Allowed: true, Remaining: -1}
	}

	ctx, cancel := context.WithTimeout(ctx, rl.storeOpTimeout)
	defer cancel()

	counter, err := rl.store.CheckAndIncrement(ctx, identifier, maxRequests, window)
	if err != nil {
		rl.logger.Error("Rate limit store failed, allowing request",
			"identifier", identifier,
			"error", err)
		return RateLimitResult{
			Allowed:   true,
			Remaining: maxRequests - 1,
			ResetAt:   rl.now().Add(window),
			Degraded:  true,
		}
	}

	remaining := maxRequests - counter.Count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   counter.Allowed,
		Remaining: remaining,
		ResetAt:   counter.WindowResetAt,
	}
}

// Middleware limits requests to next per client IP for route.
// Rejections get a 429 OAuth-style error body with Retry-After.
func (rl *RateLimiter) Middleware(route string, policy RatePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if policy.MaxRequests <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := rl.clientIP.Resolve(r)
			result := rl.CheckAndIncrement(r.Context(), ip+":"+route, policy.MaxRequests, policy.Window)

			if rl.metrics != nil {
				if result.Degraded {
					rl.metrics.RecordRateLimitStoreError(r.Context(), route)
				}
				rl.metrics.RecordRateLimitDecision(r.Context(), route, result.Allowed)
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				rl.logger.Warn("Rate limit exceeded",
					"route", route,
					"ip", ip,
					"limit", policy.MaxRequests,
					"window", policy.Window)
				if rl.auditor != nil {
					rl.auditor.LogRateLimitExceeded(ip, route)
				}

				retryAfter := int(result.ResetAt.Sub(rl.now()).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":             RateLimitExceededCode,
					"error_description": "Too many requests. Please slow down.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
