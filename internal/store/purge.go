package store

import (
	"context"
	"log/slog"
	"time"
)

// StartPurgeWorker runs a background goroutine that periodically removes
// processed-event markers older than ttl, keeping the dedupe table bounded
// in long-running processes.
func StartPurgeWorker(ctx context.Context, repo Repository, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Event purge worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				purged, err := repo.PurgeProcessedEvents(ctx, ttl)
				if err != nil {
					slog.Warn("Processed-event purge failed", "error", err)
					continue
				}
				if purged > 0 {
					slog.Info("Purged expired processed-event markers", "count", purged)
				}
			case <-ctx.Done():
				slog.Info("Event purge worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
