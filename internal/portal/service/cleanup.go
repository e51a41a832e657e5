package service

import (
	"context"
	"log/slog"
	"time"

	"veritas/internal/platform/logger"
)

// Cleaner purges expired tokens. *Service satisfies it.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// CleanupWorker calls CleanupExpired on a fixed interval. Expiry is enforced
// at redemption regardless; the worker only keeps storage tidy.
type CleanupWorker struct {
	cleaner  Cleaner
	interval time.Duration
	logger   *slog.Logger
}

func NewCleanupWorker(cleaner Cleaner, interval time.Duration, l *slog.Logger) *CleanupWorker {
	if l == nil {
		l = logger.Discard()
	}
	return &CleanupWorker{cleaner: cleaner, interval: interval, logger: l}
}

// Run sweeps until ctx is cancelled. A failed sweep is logged and retried on
// the next tick.
func (w *CleanupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.cleaner.CleanupExpired(ctx); err != nil {
				w.logger.ErrorContext(ctx, "disclosure token cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
