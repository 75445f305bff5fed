package service

import (
	"context"
	"log/slog"
	"sync"

	"devicetracker-server/internal/modules/tracker/types"
	"devicetracker-server/internal/mqtt"
)

// FeedLookup maps a feed key to the device reporting on it.
type FeedLookup interface {
	ByFeed(feed string) (types.Device, bool)
}

// coalescer runs at most one refresh per key at a time. Calls that arrive while
// one is running collapse into a single follow-up run.
type coalescer struct {
	mu      sync.Mutex
	running map[string]bool
	pending map[string]bool
}

func newCoalescer() *coalescer {
	return &coalescer{running: make(map[string]bool), pending: make(map[string]bool)}
}

// Do runs fn for key, or queues one follow-up if a run is in progress. It
// reports whether this call did the work.
func (c *coalescer) Do(key string, fn func()) bool {
	c.mu.Lock()
	if c.running[key] {
		c.pending[key] = true
		c.mu.Unlock()
		return false
	}
	c.running[key] = true
	c.mu.Unlock()

	for {
		fn()

		c.mu.Lock()
		if !c.pending[key] {
			delete(c.running, key)
			c.mu.Unlock()
			return true
		}
		delete(c.pending, key)
		c.mu.Unlock()
	}
}

// registerMQTTHandler refreshes the sessions watching a device whenever its
// feed publishes a new value. Bursts for one device collapse into at most one
// extra refresh.
func registerMQTTHandler(ctx context.Context, subscriber mqtt.FeedSubscriber, svc *Service, devices FeedLookup, logger *slog.Logger) {
	inflight := newCoalescer()

	subscriber.SetMessageHandler(func(msg mqtt.FeedMessage) error {
		dev, ok := devices.ByFeed(msg.Feed)
		if !ok {
			logger.Debug("feed message for unknown feed", "feed", msg.Feed)
			return nil
		}

		var n int
		ran := inflight.Do(dev.ID, func() {
			n = svc.RefreshDevice(ctx, dev.ID)
		})
		if !ran {
			logger.Debug("feed update coalesced", "feed", msg.Feed, "device_id", dev.ID)
			return nil
		}
		logger.Debug("feed update processed",
			"feed", msg.Feed,
			"device_id", dev.ID,
			"sessions", n,
		)
		return nil
	})
}
