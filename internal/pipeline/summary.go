package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/observability"
)

// Cycle kinds.
const (
	CycleStations     = "stations"
	CycleObservations = "observations"
)

// EntityCounts tallies one entity kind within a cycle.
type EntityCounts struct {
	Attempted     int `json:"attempted"`
	Upserted      int `json:"upserted"`
	ParseFailures int `json:"parse_failures"`
	WriteFailures int `json:"write_failures"`
}

// Summary is the aggregate outcome of one cycle, produced after the barrier.
type Summary struct {
	Cycle   string `json:"cycle"`
	CycleID string `json:"cycle_id"`

	Targets   int `json:"targets"`
	Fetched   int `json:"fetched"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	Normalized    int `json:"normalized"`
	ParseFailures int `json:"parse_failures"`
	Upserted      int `json:"upserted"`
	WriteFailures int `json:"write_failures"`
	Deactivated   int `json:"deactivated"`

	Kinds map[domain.Kind]EntityCounts `json:"kinds"`

	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
}

// Aborted reports whether the cycle was cut short by cancellation.
func (s Summary) Aborted() bool {
	return s.Cancelled > 0
}

// Log writes the single per-cycle summary line.
func (s Summary) Log(logger *slog.Logger) {
	attrs := []any{
		"cycle", s.Cycle,
		"cycle_id", s.CycleID,
		"targets", s.Targets,
		"fetched", s.Fetched,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"cancelled", s.Cancelled,
		"normalized", s.Normalized,
		"parse_failures", s.ParseFailures,
		"upserted", s.Upserted,
		"write_failures", s.WriteFailures,
		"deactivated", s.Deactivated,
		"duration", s.Duration,
	}
	for _, kind := range []domain.Kind{domain.KindStation, domain.KindObservation, domain.KindWarning, domain.KindForecast} {
		c, ok := s.Kinds[kind]
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Group(string(kind),
			"attempted", c.Attempted,
			"upserted", c.Upserted,
			"parse_failures", c.ParseFailures,
			"write_failures", c.WriteFailures,
		))
	}
	logger.Info("cycle complete", attrs...)
}

// recorder accumulates counts from concurrent tasks.
type recorder struct {
	mu      sync.Mutex
	summary Summary
	records []domain.ChangeRecord
	metrics *observability.Metrics
	logger  *slog.Logger
	publish bool
}

func newRecorder(cycle string, metrics *observability.Metrics, logger *slog.Logger, publish bool) *recorder {
	id := uuid.NewString()
	return &recorder{
		summary: Summary{
			Cycle:   cycle,
			CycleID: id,
			Kinds:   make(map[domain.Kind]EntityCounts),
			Started: time.Now(),
		},
		metrics: metrics,
		logger:  logger.With("cycle", cycle, "cycle_id", id),
		publish: publish,
	}
}

func (r *recorder) kind(k domain.Kind, fn func(*EntityCounts)) {
	c := r.summary.Kinds[k]
	fn(&c)
	r.summary.Kinds[k] = c
}

func (r *recorder) normalized(k domain.Kind, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Normalized += n
	r.kind(k, func(c *EntityCounts) { c.Attempted += n })
}

func (r *recorder) rejected(rej *domain.Rejection) {
	r.metrics.ParseFailures.WithLabelValues(string(rej.Kind), rej.Reason).Inc()
	r.logger.Warn("record rejected",
		"kind", rej.Kind,
		"key", rej.Key,
		"field", rej.Field,
		"reason", rej.Reason,
	)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.ParseFailures++
	r.kind(rej.Kind, func(c *EntityCounts) {
		c.Attempted++
		c.ParseFailures++
	})
}

// cleared records optional values dropped from kept records. They do not
// count as parse failures.
func (r *recorder) cleared(c domain.ClearedField) {
	r.metrics.FieldsCleared.WithLabelValues(string(c.Kind), c.Field).Inc()
	r.logger.Debug("optional field cleared", "kind", c.Kind, "key", c.Key, "field", c.Field)
}

// documentRejected counts a payload that could not be parsed at all.
func (r *recorder) documentRejected(kind domain.Kind, key string, err error) {
	r.metrics.ParseFailures.WithLabelValues(string(kind), domain.ReasonSchemaMismatch).Inc()
	r.logger.Warn("document rejected", "kind", kind, "key", key, "reason", domain.ReasonSchemaMismatch, "error", err)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.ParseFailures++
	r.kind(kind, func(c *EntityCounts) { c.ParseFailures++ })
}

func (r *recorder) written(k domain.Kind, upserted, failed, deactivated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Upserted += upserted
	r.summary.WriteFailures += failed
	r.summary.Deactivated += deactivated
	r.kind(k, func(c *EntityCounts) {
		c.Upserted += upserted
		c.WriteFailures += failed
	})
}

// changed queues records for the change feed when publishing is enabled.
func (r *recorder) changed(recs ...domain.ChangeRecord) {
	if !r.publish {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recs...)
}

// targets folds an executor result into the summary.
func (r *recorder) targets(br BatchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Targets += len(br.Results)
	r.summary.Fetched += br.Success
	r.summary.Skipped += br.Skipped
	r.summary.Failed += br.Failed
	r.summary.Cancelled += br.Cancelled
}

// outcome counts a target resolved outside the executor.
func (r *recorder) outcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Targets++
	switch o {
	case OutcomeSuccess:
		r.summary.Fetched++
	case OutcomeSkipped:
		r.summary.Skipped++
	case OutcomeFailed:
		r.summary.Failed++
	case OutcomeCancelled:
		r.summary.Cancelled++
	}
}

// finish stamps the duration, records cycle metrics and returns the summary.
func (r *recorder) finish() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.Duration = time.Since(s.Started)

	outcome := "completed"
	if s.Aborted() {
		outcome = "cancelled"
	}
	r.metrics.CycleRuns.WithLabelValues(s.Cycle, outcome).Inc()
	r.metrics.CycleDuration.WithLabelValues(s.Cycle).Observe(s.Duration.Seconds())
	r.metrics.LastCycleTime.WithLabelValues(s.Cycle).SetToCurrentTime()
	r.metrics.FetchTargets.WithLabelValues(string(OutcomeSuccess)).Add(float64(s.Fetched))
	r.metrics.FetchTargets.WithLabelValues(string(OutcomeSkipped)).Add(float64(s.Skipped))
	r.metrics.FetchTargets.WithLabelValues(string(OutcomeFailed)).Add(float64(s.Failed))
	r.metrics.FetchTargets.WithLabelValues(string(OutcomeCancelled)).Add(float64(s.Cancelled))
	return s
}
