package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
)

// Opener establishes a backend connection.
type Opener func(ctx context.Context) (Backend, error)

// ConnectWithRetry opens the backend and pings it, making up to attempts tries
// spaced by delay. The last error is returned when every attempt fails.
func ConnectWithRetry(ctx context.Context, open Opener, attempts int, delay time.Duration, logger *slog.Logger) (Backend, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		b, err := open(ctx)
		if err == nil {
			if err = b.Ping(ctx); err == nil {
				logger.Info("store connected", "attempt", attempt)
				return b, nil
			}
			_ = b.Close(context.WithoutCancel(ctx))
		}
		lastErr = err
		logger.Warn("store connect failed", "attempt", attempt, "max_attempts", attempts, "error", err)

		if attempt < attempts && !sharedretry.SleepWithContext(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("store unreachable after %d attempts: %w", attempts, lastErr)
}
