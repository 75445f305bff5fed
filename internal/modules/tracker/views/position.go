package views

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"devicetracker-server/internal/modules/tracker/types"
)

var ErrMalformedPosition = errors.New("malformed position")

// ParsePosition parses a "lat,lng" sample value. Whitespace around either
// number is ignored.
func ParsePosition(value string) (types.LatLng, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return types.LatLng{}, fmt.Errorf("%w: want 2 comma-separated parts, got %d", ErrMalformedPosition, len(parts))
	}
	lat, err := parseCoord(parts[0], 90)
	if err != nil {
		return types.LatLng{}, fmt.Errorf("%w: latitude: %v", ErrMalformedPosition, err)
	}
	lng, err := parseCoord(parts[1], 180)
	if err != nil {
		return types.LatLng{}, fmt.Errorf("%w: longitude: %v", ErrMalformedPosition, err)
	}
	return types.LatLng{Lat: lat, Lng: lng}, nil
}

func parseCoord(s string, limit float64) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not finite", f)
	}
	if f < -limit || f > limit {
		return 0, fmt.Errorf("%v out of range [-%v, %v]", f, limit, limit)
	}
	return f, nil
}
