package types

import "time"

// Device is one trackable device and the telemetry feed it reports to.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Feed string `json:"feed"`
}

// Sample is one feed data point. Value carries the position as "lat,lng".
type Sample struct {
	ID        string    `json:"id"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Series is the ordered sample list returned by one fetch.
type Series []Sample

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
