package database

import (
	"context"
	"log/slog"
	"time"
)

// StartHistoryCleanupTicker runs a background goroutine that periodically
// removes call records older than maxDays. A maxDays of 0 keeps records
// forever and starts nothing. The goroutine stops when ctx is cancelled.
func StartHistoryCleanupTicker(ctx context.Context, repo CallHistoryRepository, maxDays int, interval time.Duration) {
	if maxDays <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := repo.DeleteOlderThan(ctx, maxDays)
				if err != nil {
					slog.Error("history retention cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("history retention cleanup", "deleted", n, "max_days", maxDays)
				}
			}
		}
	}()
}
