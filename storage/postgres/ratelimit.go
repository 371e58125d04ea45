package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/akutishevsky/withings-mcp/storage"
)

// CheckAndIncrement applies the fixed-window counter inside a transaction holding the
// row lock, so concurrent replicas serialize on the identifier.
func (s *Store) CheckAndIncrement(ctx context.Context, identifier string, maxRequests int, window time.Duration) (_ *storage.RateLimitCounter, err error) {
	ctx, span := s.startSpan(ctx, "rate_limit_incr")
	defer s.finishSpan(ctx, span, "rate_limit_incr", &err, time.Now())

	now := s.now()
	counter := &storage.RateLimitCounter{Identifier: identifier}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rate_limit_windows (identifier, count, window_reset_at)
			VALUES ($1, 0, $2)
			ON CONFLICT (identifier) DO NOTHING`,
			identifier, now.Add(window)); err != nil {
			return fmt.Errorf("init window: %w", err)
		}

		var count int
		var resetAt time.Time
		if err := tx.QueryRow(ctx,
			`SELECT count, window_reset_at FROM rate_limit_windows WHERE identifier = $1 FOR UPDATE`,
			identifier).Scan(&count, &resetAt); err != nil {
			return fmt.Errorf("lock window: %w", err)
		}

		if !now.Before(resetAt) {
			count = 0
			resetAt = now.Add(window)
		}
		if count < maxRequests {
			count++
			counter.Allowed = true
		}
		counter.Count = count
		counter.WindowResetAt = resetAt

		if _, err := tx.Exec(ctx,
			`UPDATE rate_limit_windows SET count = $2, window_reset_at = $3 WHERE identifier = $1`,
			identifier, count, resetAt); err != nil {
			return fmt.Errorf("update window: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return counter, nil
}
