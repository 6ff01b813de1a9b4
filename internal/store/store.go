// Package store is the single writer of the station, observation, warning and
// forecast collections. The Gateway adds retry, logging and counting on top of
// a driver-specific Backend.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/observability"
)

// Backend is a durable store. Every upsert replaces the document matching the
// entity key, creating it when absent.
type Backend interface {
	UpsertStation(ctx context.Context, s domain.Station) error
	// DeactivateStations flags active stations whose code is not in keep as
	// inactive and returns how many changed. Other fields are untouched.
	DeactivateStations(ctx context.Context, keep []string) (int, error)
	ActiveStations(ctx context.Context) ([]domain.Station, error)

	UpsertObservation(ctx context.Context, o domain.Observation) error

	UpsertWarning(ctx context.Context, w domain.Warning) error
	// DeactivateWarnings flags the station's active warnings whose key is not
	// in keep as inactive.
	DeactivateWarnings(ctx context.Context, stationCode string, keep []domain.WarningKey) (int, error)
	// ExpireWarnings flags active warnings with expires <= now as inactive.
	ExpireWarnings(ctx context.Context, now time.Time) (int, error)

	UpsertForecast(ctx context.Context, f domain.Forecast) error

	EnsureIndexes(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// SyncResult counts the outcome of a set-level write.
type SyncResult struct {
	Upserted      int
	WriteFailures int
	Deactivated   int
}

// Gateway is safe for concurrent use when the backend is.
type Gateway struct {
	backend    Backend
	metrics    *observability.Metrics
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewGateway wraps a backend.
func NewGateway(b Backend, metrics *observability.Metrics, logger *slog.Logger) *Gateway {
	return &Gateway{
		backend:    b,
		metrics:    metrics,
		logger:     logger,
		retryDelay: 200 * time.Millisecond,
	}
}

// SyncStations upserts every station as active and deactivates previously
// active stations whose code is not listed. listed is every code the
// directory names, valid or not; stations are always treated as listed. An
// empty directory is a no-op so that a failed or truncated fetch cannot wipe
// the active set.
func (g *Gateway) SyncStations(ctx context.Context, stations []domain.Station, listed []string) SyncResult {
	var res SyncResult
	if len(stations) == 0 && len(listed) == 0 {
		g.logger.Warn("station directory empty, skipping sync")
		return res
	}

	keep := slices.Clone(listed)
	named := make(map[string]bool, len(listed))
	for _, code := range listed {
		named[code] = true
	}
	for i := range stations {
		s := stations[i]
		s.Active = true
		if !named[s.StationCode] {
			keep = append(keep, s.StationCode)
		}
		err := g.write(ctx, domain.KindStation, s.StationCode, func(ctx context.Context) error {
			return g.backend.UpsertStation(ctx, s)
		})
		if err != nil {
			res.WriteFailures++
			continue
		}
		res.Upserted++
		g.upserted(domain.KindStation)
	}

	err := g.write(ctx, domain.KindStation, "deactivate", func(ctx context.Context) error {
		n, err := g.backend.DeactivateStations(ctx, keep)
		res.Deactivated = n
		return err
	})
	if err != nil {
		res.WriteFailures++
		return res
	}
	if res.Deactivated > 0 {
		g.metrics.StationsDeactivated.Add(float64(res.Deactivated))
		g.logger.Info("stations deactivated", "count", res.Deactivated)
	}
	return res
}

// ActiveStations lists stations currently flagged active.
func (g *Gateway) ActiveStations(ctx context.Context) ([]domain.Station, error) {
	stations, err := g.backend.ActiveStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active stations: %w", err)
	}
	return stations, nil
}

// UpsertObservation writes one observation, latest wins on (station, observed_at).
func (g *Gateway) UpsertObservation(ctx context.Context, o domain.Observation) error {
	key := o.StationCode + "|" + o.ObservedAt.UTC().Format(time.RFC3339)
	err := g.write(ctx, domain.KindObservation, key, func(ctx context.Context) error {
		return g.backend.UpsertObservation(ctx, o)
	})
	if err == nil {
		g.upserted(domain.KindObservation)
	}
	return err
}

// UpsertForecast writes one forecast, latest wins on (station, issued_at).
func (g *Gateway) UpsertForecast(ctx context.Context, f domain.Forecast) error {
	key := f.StationCode + "|" + f.IssuedAt.UTC().Format(time.RFC3339)
	err := g.write(ctx, domain.KindForecast, key, func(ctx context.Context) error {
		return g.backend.UpsertForecast(ctx, f)
	})
	if err == nil {
		g.upserted(domain.KindForecast)
	}
	return err
}

// SyncWarnings upserts the warnings currently published for one station and
// deactivates the station's stored warnings that are no longer present.
// retain names warnings that are present but were not upserted; they are
// left as stored. It must only be called for a station whose document was
// fetched and parsed.
func (g *Gateway) SyncWarnings(ctx context.Context, stationCode string, warnings []domain.Warning, retain []domain.WarningKey) SyncResult {
	var res SyncResult
	keep := make([]domain.WarningKey, 0, len(warnings)+len(retain))
	keep = append(keep, retain...)
	for i := range warnings {
		w := warnings[i]
		keep = append(keep, w.Key())
		err := g.write(ctx, domain.KindWarning, w.Key().String(), func(ctx context.Context) error {
			return g.backend.UpsertWarning(ctx, w)
		})
		if err != nil {
			res.WriteFailures++
			continue
		}
		res.Upserted++
		g.upserted(domain.KindWarning)
	}

	err := g.write(ctx, domain.KindWarning, stationCode+"|deactivate", func(ctx context.Context) error {
		n, err := g.backend.DeactivateWarnings(ctx, stationCode, keep)
		res.Deactivated = n
		return err
	})
	if err != nil {
		res.WriteFailures++
		return res
	}
	if res.Deactivated > 0 {
		g.metrics.WarningsDeactivated.Add(float64(res.Deactivated))
	}
	return res
}

// ExpireWarnings flags every active warning past its expiry as inactive.
func (g *Gateway) ExpireWarnings(ctx context.Context, now time.Time) (int, error) {
	var expired int
	err := g.write(ctx, domain.KindWarning, "expire", func(ctx context.Context) error {
		n, err := g.backend.ExpireWarnings(ctx, now)
		expired = n
		return err
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		g.metrics.WarningsDeactivated.Add(float64(expired))
	}
	return expired, nil
}

// EnsureIndexes creates the unique key indexes.
func (g *Gateway) EnsureIndexes(ctx context.Context) error {
	if err := g.backend.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

// Ping checks the backend is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.backend.Ping(ctx)
}

// Close releases the backend.
func (g *Gateway) Close(ctx context.Context) error {
	return g.backend.Close(ctx)
}

func (g *Gateway) upserted(kind domain.Kind) {
	g.metrics.RecordsUpserted.WithLabelValues(string(kind)).Inc()
}

// write runs fn, retrying once after a short pause. A cancelled context is not
// retried. A second failure is counted against kind.
func (g *Gateway) write(ctx context.Context, kind domain.Kind, key string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	g.logger.Warn("store write failed, retrying", "kind", kind, "key", key, "error", err)
	if !sharedretry.SleepWithContext(ctx, g.retryDelay) {
		return ctx.Err()
	}
	if err = fn(ctx); err == nil {
		return nil
	}

	g.metrics.WriteFailures.WithLabelValues(string(kind)).Inc()
	g.logger.Error("store write failed", "kind", kind, "key", key, "error", err)
	return fmt.Errorf("write %s %s: %w", kind, key, err)
}
