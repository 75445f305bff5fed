package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"devicetracker-server/internal/modules/tracker/types"
)

//go:embed sql/list-devices.sql
var listDevicesSQL string

// Registry is the fixed, ordered device list. It is read once at startup and
// never changes afterwards, so it is safe for concurrent use without locking.
type Registry struct {
	devices []types.Device
	byID    map[string]int
	byFeed  map[string]int
}

// New builds a registry from devices in the given order.
func New(devices []types.Device) *Registry {
	r := &Registry{
		devices: make([]types.Device, len(devices)),
		byID:    make(map[string]int, len(devices)),
		byFeed:  make(map[string]int, len(devices)),
	}
	copy(r.devices, devices)
	for i, d := range r.devices {
		r.byID[d.ID] = i
		r.byFeed[d.Feed] = i
	}
	return r
}

// Load reads the seeded devices table. An empty table is an error.
func Load(ctx context.Context, db *sql.DB) (*Registry, error) {
	rows, err := db.QueryContext(ctx, listDevicesSQL)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close devices rows", "error", err)
		}
	}()

	var devices []types.Device
	for rows.Next() {
		var d types.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Feed); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, errors.New("device registry is empty")
	}
	return New(devices), nil
}

// ListDevices returns a copy of every device in registry order.
func (r *Registry) ListDevices() []types.Device {
	out := make([]types.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

func (r *Registry) Lookup(id string) (types.Device, bool) {
	i, ok := r.byID[id]
	if !ok {
		return types.Device{}, false
	}
	return r.devices[i], true
}

func (r *Registry) ByFeed(feed string) (types.Device, bool) {
	i, ok := r.byFeed[feed]
	if !ok {
		return types.Device{}, false
	}
	return r.devices[i], true
}
