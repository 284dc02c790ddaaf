package longpoll

import (
	"context"
	"log/slog"
	"time"
)

// DefaultReapInterval is how often the reaper sweeps expired waiters.
const DefaultReapInterval = 5 * time.Second

// Reaper is the backstop for waiters whose own timer never fired (client
// vanished mid-poll, handler goroutine killed by the server, etc.). It
// periodically force-resolves expired waiters with timeout results and prunes
// idle per-chat state.
type Reaper struct {
	log      *slog.Logger
	engine   *Engine
	interval time.Duration
}

// NewReaper constructs a Reaper for engine. Non-positive intervals fall back
// to DefaultReapInterval.
func NewReaper(log *slog.Logger, engine *Engine, interval time.Duration) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{log: log, engine: engine, interval: interval}
}

// Run sweeps on a fixed interval until ctx is cancelled. It blocks; run it in
// its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			reaped := r.engine.reapExpired(now.UTC())
			pruned := r.engine.pruneIdle()
			if reaped > 0 || pruned > 0 {
				r.log.Debug("longpoll.reap", "reaped", reaped, "pruned", pruned)
			}
		}
	}
}
