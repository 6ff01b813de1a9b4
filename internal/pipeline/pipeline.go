// Package pipeline runs the two ingestion cycles: the station directory
// refresh and the observation, warning and forecast collection.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/observability"
	"github.com/couchcryptid/citypage-fetcher/internal/store"
)

// Feed retrieves remote documents.
type Feed interface {
	SiteList(ctx context.Context) ([]byte, error)
	LatestFiles(ctx context.Context, province string) (map[string]domain.DataFile, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Store persists normalized records.
type Store interface {
	SyncStations(ctx context.Context, stations []domain.Station, listed []string) store.SyncResult
	ActiveStations(ctx context.Context) ([]domain.Station, error)
	UpsertObservation(ctx context.Context, o domain.Observation) error
	UpsertForecast(ctx context.Context, f domain.Forecast) error
	SyncWarnings(ctx context.Context, stationCode string, warnings []domain.Warning, retain []domain.WarningKey) store.SyncResult
	ExpireWarnings(ctx context.Context, now time.Time) (int, error)
}

// Publisher announces upserted records downstream.
type Publisher interface {
	Publish(ctx context.Context, records []domain.ChangeRecord) error
}

// Ingester owns both cycles. Each method may be called concurrently with the
// other; callers keep a single cycle of each kind in flight.
type Ingester struct {
	feed       Feed
	store      Store
	normalizer *Normalizer
	executor   *Executor
	publisher  Publisher
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	directory []domain.Station // last successfully normalized directory
}

// NewIngester wires the cycle dependencies. publisher may be nil.
func NewIngester(feed Feed, st Store, n *Normalizer, e *Executor, publisher Publisher, metrics *observability.Metrics, logger *slog.Logger) *Ingester {
	return &Ingester{
		feed:       feed,
		store:      st,
		normalizer: n,
		executor:   e,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger,
	}
}

func (in *Ingester) rememberDirectory(stations []domain.Station) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.directory = stations
}

func (in *Ingester) lastDirectory() []domain.Station {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.directory
}

// publish sends queued change records after the cycle barrier. Failures are
// counted and logged; they never fail the cycle.
func (in *Ingester) publish(ctx context.Context, rec *recorder) {
	if in.publisher == nil || len(rec.records) == 0 || ctx.Err() != nil {
		return
	}
	if err := in.publisher.Publish(ctx, rec.records); err != nil {
		in.metrics.PublishFailures.Inc()
		rec.logger.Error("change feed publish failed", "records", len(rec.records), "error", err)
		return
	}
	in.metrics.RecordsPublished.Add(float64(len(rec.records)))
}

func (in *Ingester) begin(cycle string) (*recorder, func()) {
	rec := newRecorder(cycle, in.metrics, in.logger, in.publisher != nil)
	in.metrics.CycleRunning.WithLabelValues(cycle).Set(1)
	rec.logger.Info("cycle started")
	return rec, func() { in.metrics.CycleRunning.WithLabelValues(cycle).Set(0) }
}
