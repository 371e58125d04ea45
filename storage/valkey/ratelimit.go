package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/akutishevsky/withings-mcp/storage"
)

// ============================================================
// RateLimitStore Implementation
// ============================================================

// CheckAndIncrement runs the fixed-window counter as one Lua script, so concurrent
// replicas never admit more than maxRequests per window.
func (s *Store) CheckAndIncrement(ctx context.Context, identifier string, maxRequests int, window time.Duration) (_ *storage.RateLimitCounter, err error) {
	ctx, span := s.startSpan(ctx, "rate_limit_incr")
	defer s.finishSpan(ctx, span, "rate_limit_incr", &err, time.Now())

	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return nil, fmt.Errorf("window must be at least one millisecond")
	}

	now := time.Now()
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaFixedWindow).
			Numkeys(1).
			Key(s.rateLimitKey(identifier)).
			Arg(strconv.Itoa(maxRequests), strconv.FormatInt(windowMs, 10)).
			Build(),
	).AsIntSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute rate limit script: %w", err)
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("unexpected rate limit script result length %d", len(result))
	}

	return &storage.RateLimitCounter{
		Identifier:    identifier,
		Count:         int(result[0]),
		WindowResetAt: now.Add(time.Duration(result[1]) * time.Millisecond),
		Allowed:       result[2] == 1,
	}, nil
}
