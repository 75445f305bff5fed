package service

import (
	"context"
	"log/slog"
	"time"

	"devicetracker-server/internal/modules/tracker/state"
	"devicetracker-server/internal/modules/tracker/types"

	"golang.org/x/sync/errgroup"
)

// SeriesSource fetches the sample list of one feed.
type SeriesSource interface {
	FetchSeries(ctx context.Context, feed string) (types.Series, error)
}

// DeviceLookup resolves selected ids to registry devices.
type DeviceLookup interface {
	Lookup(id string) (types.Device, bool)
}

// DeviceResult reports the outcome of one device fetch.
type DeviceResult struct {
	DeviceID  string `json:"deviceId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Discarded bool   `json:"discarded,omitempty"`
	Samples   int    `json:"samples"`
}

// RefreshResult summarises one refresh of a session.
type RefreshResult struct {
	Requested int            `json:"requested"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Discarded int            `json:"discarded"`
	Devices   []DeviceResult `json:"devices"`
}

// Committed reports whether the refresh changed the session's store.
func (r RefreshResult) Committed() bool {
	return r.Succeeded+r.Failed > 0
}

// Fetcher refreshes a session's telemetry store with one request per selected
// device.
type Fetcher struct {
	source  SeriesSource
	devices DeviceLookup
	limit   int
	logger  *slog.Logger
	now     func() time.Time
}

func NewFetcher(source SeriesSource, devices DeviceLookup, concurrency int, logger *slog.Logger) *Fetcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Fetcher{
		source:  source,
		devices: devices,
		limit:   concurrency,
		logger:  logger,
		now:     time.Now,
	}
}

// Refresh fetches every device selected in sess when the call starts. A failed
// fetch marks only that device's entry stale. Results for devices that were
// deselected or toggled while the request was in flight are discarded.
func (f *Fetcher) Refresh(ctx context.Context, sess *state.Session) RefreshResult {
	ids := sess.Selection().IDs()

	type job struct {
		ticket state.Ticket
		feed   string
	}
	jobs := make([]job, 0, len(ids))
	for _, id := range ids {
		dev, ok := f.devices.Lookup(id)
		if !ok {
			f.logger.Warn("skipping unknown device", "session_id", sess.ID(), "device_id", id)
			continue
		}
		t, ok := sess.Issue(id)
		if !ok {
			continue
		}
		jobs = append(jobs, job{ticket: t, feed: dev.Feed})
	}

	results := make([]DeviceResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(f.limit)
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = f.fetchOne(ctx, sess, j.ticket, j.feed)
			return nil
		})
	}
	_ = g.Wait()

	res := RefreshResult{Requested: len(jobs), Devices: results}
	for _, r := range results {
		switch {
		case r.Discarded:
			res.Discarded++
		case r.OK:
			res.Succeeded++
		default:
			res.Failed++
		}
	}
	return res
}

func (f *Fetcher) fetchOne(ctx context.Context, sess *state.Session, t state.Ticket, feed string) DeviceResult {
	res := DeviceResult{DeviceID: t.DeviceID}
	start := time.Now()

	series, err := f.source.FetchSeries(ctx, feed)
	if err != nil {
		res.Error = err.Error()
		if !sess.CommitFailure(t, err, f.now()) {
			res.Discarded = true
			f.logger.Debug("discarded failed fetch", "session_id", sess.ID(), "device_id", t.DeviceID)
			return res
		}
		f.logger.Warn("telemetry fetch failed",
			"session_id", sess.ID(),
			"device_id", t.DeviceID,
			"feed", feed,
			"error", err,
		)
		return res
	}

	if !sess.CommitSeries(t, series, f.now()) {
		res.Discarded = true
		f.logger.Debug("discarded stale fetch result", "session_id", sess.ID(), "device_id", t.DeviceID)
		return res
	}
	res.OK = true
	res.Samples = len(series)
	f.logger.Debug("telemetry fetched",
		"session_id", sess.ID(),
		"device_id", t.DeviceID,
		"samples", len(series),
		"duration", time.Since(start),
	)
	return res
}
