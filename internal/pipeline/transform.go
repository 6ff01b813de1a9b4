package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
)

// Normalizer turns raw directory entries and citypage documents into domain
// records, with optional geocoding of entries that lack coordinates.
type Normalizer struct {
	geocoder domain.Geocoder
	logger   *slog.Logger
}

// NewNormalizer creates a Normalizer. Pass a nil geocoder to disable
// geocoding enrichment.
func NewNormalizer(geocoder domain.Geocoder, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		geocoder: geocoder,
		logger:   logger,
	}
}

// Stations validates directory entries. Duplicate codes keep the first entry.
// listed holds every code the directory names, including entries that were
// rejected, since a rejected row still means the station is listed.
func (n *Normalizer) Stations(ctx context.Context, entries []domain.StationListEntry, now time.Time) (stations []domain.Station, listed []string, rejections []*domain.Rejection) {
	stations = make([]domain.Station, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	named := make(map[string]bool, len(entries))

	for _, entry := range entries {
		code := strings.TrimSpace(entry.StationCode)
		if code != "" && !named[code] {
			named[code] = true
			listed = append(listed, code)
		}
		if seen[code] {
			n.logger.Debug("duplicate station in directory", "station_code", code)
			continue
		}
		entry = domain.GeocodeStation(ctx, entry, n.geocoder, n.logger)

		st, rej := domain.NormalizeStation(entry, now)
		if rej != nil {
			rejections = append(rejections, rej)
			continue
		}
		seen[st.StationCode] = true
		stations = append(stations, st)
	}
	return stations, listed, rejections
}

// Citypage normalizes one station document.
func (n *Normalizer) Citypage(content []byte, stationCode string, fetchedAt time.Time) (domain.Citypage, error) {
	return domain.ParseCitypage(content, stationCode, fetchedAt)
}
