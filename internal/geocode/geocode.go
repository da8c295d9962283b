// Package geocode turns place names into coordinates. The pipeline only sees
// the Geocoder interface; the concrete client, its cache and its timeout
// guard are layered around it.
package geocode

import (
	"context"
	"errors"
	"fmt"

	"site-proximity/internal/models"
)

var (
	// ErrNotFound means the provider answered but had no usable result.
	ErrNotFound = errors.New("coordinates not found")
	// ErrTransient covers timeouts, network failures and provider errors.
	ErrTransient = errors.New("geocoding temporarily unavailable")
)

// DefaultZoom is the map zoom used when the caller gives none.
const DefaultZoom = 8

type Geocoder interface {
	Geocode(ctx context.Context, name string, zoom int) (models.Place, error)
}

// Func adapts a function to Geocoder.
type Func func(ctx context.Context, name string, zoom int) (models.Place, error)

func (f Func) Geocode(ctx context.Context, name string, zoom int) (models.Place, error) {
	return f(ctx, name, zoom)
}

// ClampZoom bounds a zoom hint to the 0..18 range map tiles support.
func ClampZoom(zoom int) int {
	switch {
	case zoom < 0:
		return 0
	case zoom > 18:
		return 18
	}
	return zoom
}

// SourceURL is the map link shown next to a geocoded row.
func SourceURL(lat, lon float64, zoom int) string {
	return fmt.Sprintf("https://www.openstreetmap.org/?mlat=%.6f&mlon=%.6f#map=%d/%.6f/%.6f",
		lat, lon, ClampZoom(zoom), lat, lon)
}
