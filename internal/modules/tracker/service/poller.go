package service

import (
	"context"
	"log/slog"
	"time"
)

// Poller refreshes every live session on a fixed interval.
type Poller struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(svc *Service, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{svc: svc, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A non-positive interval returns immediately.
func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 {
		p.logger.Debug("telemetry polling disabled")
		return
	}
	p.logger.Info("telemetry polling started", "interval", p.interval)

	t := time.NewTimer(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("telemetry polling stopped")
			return
		case <-t.C:
			start := time.Now()
			p.svc.RefreshAll(ctx)
			p.logger.Debug("poll tick done", "duration", time.Since(start))
			t.Reset(p.interval)
		}
	}
}
