package service

import (
	"context"
	"log/slog"
	"time"
)

// IdleSweeper drops per-session state that has not been used since cutoff.
type IdleSweeper interface {
	EvictIdle(cutoff time.Time) int
}

// Janitor periodically evicts idle browser sessions from every sweeper.
type Janitor struct {
	idle     time.Duration
	every    time.Duration
	sweepers []IdleSweeper
	logger   *slog.Logger
	now      func() time.Time
}

const maxSweepInterval = 10 * time.Minute

func NewJanitor(idle time.Duration, logger *slog.Logger, sweepers ...IdleSweeper) *Janitor {
	every := idle / 4
	if every > maxSweepInterval {
		every = maxSweepInterval
	}
	return &Janitor{
		idle:     idle,
		every:    every,
		sweepers: sweepers,
		logger:   logger,
		now:      time.Now,
	}
}

// Sweep runs one eviction pass and returns the number of entries removed.
func (j *Janitor) Sweep() int {
	cutoff := j.now().Add(-j.idle)
	n := 0
	for _, s := range j.sweepers {
		n += s.EvictIdle(cutoff)
	}
	return n
}

// Run blocks until ctx is done. A non-positive idle timeout returns immediately.
func (j *Janitor) Run(ctx context.Context) {
	if j.idle <= 0 || j.every <= 0 {
		j.logger.Debug("session eviction disabled")
		return
	}
	j.logger.Info("session eviction started", "idle_timeout", j.idle, "every", j.every)

	t := time.NewTimer(j.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := j.Sweep(); n > 0 {
				j.logger.Info("idle sessions evicted", "count", n)
			}
			t.Reset(j.every)
		}
	}
}
