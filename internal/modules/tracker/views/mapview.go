package views

import (
	"log/slog"
	"time"

	"devicetracker-server/internal/modules/tracker/state"
	"devicetracker-server/internal/modules/tracker/types"
)

// Devices is the part of the registry the renderer needs.
type Devices interface {
	ListDevices() []types.Device
	Lookup(id string) (types.Device, bool)
}

// MapConfig holds the embed settings of the Google Maps JS API.
type MapConfig struct {
	APIKey           string       `json:"-"`
	MapID            string       `json:"mapId"`
	Center           types.LatLng `json:"center"`
	Zoom             int          `json:"zoom"`
	DisableDefaultUI bool         `json:"disableDefaultUI"`
	StrokeColor      string       `json:"strokeColor"`
}

// Overlay is the path and endpoint marker of one device.
type Overlay struct {
	DeviceID    string         `json:"deviceId"`
	Name        string         `json:"name"`
	Path        []types.LatLng `json:"path"`
	Marker      types.LatLng   `json:"marker"`
	StrokeColor string         `json:"strokeColor"`
}

// DeviceStatus is one row of the device selector.
type DeviceStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Selected  bool       `json:"selected"`
	Samples   int        `json:"samples"`
	FetchedAt *time.Time `json:"fetchedAt,omitempty"`
	Stale     bool       `json:"stale"`
	Error     string     `json:"error,omitempty"`
	FailedAt  *time.Time `json:"failedAt,omitempty"`
}

type MapView struct {
	Config   MapConfig      `json:"config"`
	Overlays []Overlay      `json:"overlays"`
	Devices  []DeviceStatus `json:"devices"`
}

// BuildMapView derives the map from the selection and the store alone.
// Overlays follow selection order; devices without at least one valid sample
// get none. Each malformed sample is logged at warn level.
func BuildMapView(cfg MapConfig, sel state.Selection, snap state.Snapshot, devices Devices, logger *slog.Logger) MapView {
	view := MapView{
		Config:   cfg,
		Overlays: make([]Overlay, 0, sel.Len()),
	}

	for _, id := range sel.IDs() {
		entry, ok := snap[id]
		if !ok || len(entry.Series) == 0 {
			continue
		}
		path := make([]types.LatLng, 0, len(entry.Series))
		for _, s := range entry.Series {
			p, err := ParsePosition(s.Value)
			if err != nil {
				logger.Warn("skipping malformed sample",
					"device_id", id,
					"sample_id", s.ID,
					"value", s.Value,
					"error", err,
				)
				continue
			}
			path = append(path, p)
		}
		if len(path) == 0 {
			continue
		}

		name := id
		if d, ok := devices.Lookup(id); ok {
			name = d.Name
		}
		view.Overlays = append(view.Overlays, Overlay{
			DeviceID:    id,
			Name:        name,
			Path:        path,
			Marker:      path[len(path)-1],
			StrokeColor: cfg.StrokeColor,
		})
	}

	all := devices.ListDevices()
	view.Devices = make([]DeviceStatus, 0, len(all))
	for _, d := range all {
		st := DeviceStatus{ID: d.ID, Name: d.Name, Selected: sel.Contains(d.ID)}
		if entry, ok := snap[d.ID]; ok && st.Selected {
			st.Samples = len(entry.Series)
			if !entry.FetchedAt.IsZero() {
				at := entry.FetchedAt
				st.FetchedAt = &at
			}
			if entry.Stale() {
				at := entry.FailedAt
				st.Stale = true
				st.Error = entry.Err
				st.FailedAt = &at
			}
		}
		view.Devices = append(view.Devices, st)
	}
	return view
}
