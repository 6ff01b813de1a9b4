package domain

import (
	"context"
	"log/slog"
)

// MinGeocodeConfidence is the lowest provider confidence accepted for a
// station position. Anything below leaves the entry without coordinates.
const MinGeocodeConfidence = 0.5

// Geocoder resolves a station name within a province to a position.
type Geocoder interface {
	ForwardGeocode(ctx context.Context, name, province string) (GeocodingResult, error)
}

// GeocodingResult is a provider's best match for a station name. The zero
// value means no match.
type GeocodingResult struct {
	Lat, Lon         float64
	FormattedAddress string
	PlaceName        string
	Confidence       float64 // provider relevance in [0, 1], 0 when not reported
}

// Found reports whether the result carries a position.
func (r GeocodingResult) Found() bool { return r.Lat != 0 || r.Lon != 0 }

// GeocodeStation fills in coordinates for a directory entry that lacks them.
// Entries that already carry coordinates, or that cannot be geocoded, are
// returned unchanged so NormalizeStation decides their fate (graceful degradation).
func GeocodeStation(ctx context.Context, entry StationListEntry, geocoder Geocoder, logger *slog.Logger) StationListEntry {
	if geocoder == nil {
		return entry
	}
	if entry.Lat != nil && entry.Lon != nil {
		return entry
	}
	if entry.NameEN == "" || entry.Province == "" {
		return entry
	}

	result, err := geocoder.ForwardGeocode(ctx, entry.NameEN, entry.Province)
	if err != nil {
		logger.Warn("forward geocoding failed",
			"station_code", entry.StationCode,
			"name", entry.NameEN,
			"province", entry.Province,
			"error", err,
		)
		return entry
	}
	if !result.Found() {
		return entry
	}
	if result.Confidence > 0 && result.Confidence < MinGeocodeConfidence {
		logger.Debug("geocoding result below confidence threshold",
			"station_code", entry.StationCode,
			"confidence", result.Confidence,
		)
		return entry
	}

	lat, lon := result.Lat, result.Lon
	entry.Lat = &lat
	entry.Lon = &lon
	logger.Debug("station geocoded",
		"station_code", entry.StationCode,
		"place", result.PlaceName,
		"lat", lat,
		"lon", lon,
	)
	return entry
}
