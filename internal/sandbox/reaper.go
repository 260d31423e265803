package sandbox

import (
	"context"
	"log/slog"
	"time"
)

const reaperInterval = 5 * time.Minute

// StartReaper runs a background goroutine that periodically drops sessions
// idle longer than ttl and force-removes any lingering turn container still
// registered under the session name.
func (r *Runtime) StartReaper(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Sandbox reaper started", "interval", reaperInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				r.reapIdleSessions(ctx, ttl)
			case <-ctx.Done():
				slog.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (r *Runtime) reapIdleSessions(ctx context.Context, ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	var expired []*session
	for id, s := range r.sessions {
		// In-flight turns keep the session alive regardless of age.
		if s.cancel == nil && s.lastUsed.Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	slog.Info("Sandbox reaper found idle sessions", "count", len(expired))

	for _, s := range expired {
		slog.Info("Sandbox reaper dropping session",
			"session_id", s.id,
			"directory", s.directory,
			"idle_since", s.lastUsed)

		// Best effort: a crashed turn may have left its container behind.
		if err := r.mgr.StopContainer(ctx, "courier-"+s.id); err != nil {
			slog.Warn("Sandbox reaper failed to remove lingering container",
				"error", err,
				"session_id", s.id)
		}
	}

	slog.Info("Sandbox reaper cleanup completed", "reaped", len(expired))
}
