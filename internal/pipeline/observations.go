package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
)

// RunObservations collects current conditions, warnings and forecasts for
// every active station. Provinces are listed first to discover the newest
// document per station; stations are then fetched under the concurrency limit.
// Warnings past their expiry are swept once the fetch barrier is passed.
func (in *Ingester) RunObservations(ctx context.Context) (Summary, error) {
	rec, done := in.begin(CycleObservations)
	defer done()

	stations, err := in.store.ActiveStations(ctx)
	if err != nil {
		rec.logger.Warn("listing active stations failed, using last directory", "error", err)
	}
	if len(stations) == 0 {
		stations = in.lastDirectory()
	}
	if len(stations) == 0 {
		rec.logger.Warn("no active stations to collect")
		s := rec.finish()
		s.Log(in.logger)
		return s, nil
	}

	files, listErrs := in.listProvinces(ctx, stations)

	targets := make([]domain.Target, 0, len(stations))
	for _, st := range stations {
		if err, ok := listErrs[st.Province]; ok {
			rec.outcome(Classify(ctx, err))
			continue
		}
		f, ok := files[st.StationCode]
		if !ok {
			rec.logger.Debug("no citypage document published", "station_code", st.StationCode, "province", st.Province)
			rec.outcome(OutcomeSkipped)
			continue
		}
		targets = append(targets, domain.Target{ID: st.StationCode, Province: st.Province, URL: f.URL})
	}

	br := in.executor.Run(ctx, targets, func(ctx context.Context, t domain.Target) error {
		return in.ingestStation(ctx, t, rec)
	})
	rec.targets(br)

	if ctx.Err() == nil {
		n, err := in.store.ExpireWarnings(ctx, domain.Now())
		switch {
		case err != nil:
			rec.written(domain.KindWarning, 0, 1, 0)
		case n > 0:
			rec.written(domain.KindWarning, 0, 0, n)
			rec.logger.Info("expired warnings deactivated", "count", n)
		}
	}

	in.publish(ctx, rec)

	s := rec.finish()
	s.Log(in.logger)
	if s.Aborted() {
		return s, ctx.Err()
	}
	return s, nil
}

// listProvinces discovers the newest document per station, one listing per
// province. Provinces whose listing failed are returned in the error map.
func (in *Ingester) listProvinces(ctx context.Context, stations []domain.Station) (map[string]domain.DataFile, map[string]error) {
	seen := make(map[string]bool)
	var provinces []string
	for _, st := range stations {
		if !seen[st.Province] {
			seen[st.Province] = true
			provinces = append(provinces, st.Province)
		}
	}
	sort.Strings(provinces)

	targets := make([]domain.Target, len(provinces))
	for i, p := range provinces {
		targets[i] = domain.Target{ID: p, Province: p}
	}

	var mu sync.Mutex
	files := make(map[string]domain.DataFile)
	br := in.executor.Run(ctx, targets, func(ctx context.Context, t domain.Target) error {
		found, err := in.feed.LatestFiles(ctx, t.Province)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for code, f := range found {
			files[code] = f
		}
		return nil
	})

	errs := make(map[string]error)
	for _, r := range br.Results {
		if r.Outcome == OutcomeSuccess {
			continue
		}
		errs[r.Target.Province] = r.Err
		if r.Outcome != OutcomeCancelled {
			in.logger.Warn("province listing failed",
				"province", r.Target.Province,
				"outcome", r.Outcome,
				"reason", reason(r.Err),
				"error", r.Err,
			)
		}
	}
	return files, errs
}

// ingestStation fetches one citypage document and writes what it yields. A
// document that fails to parse counts as fetched; only retrieval errors are
// returned.
func (in *Ingester) ingestStation(ctx context.Context, t domain.Target, rec *recorder) error {
	body, err := in.feed.Fetch(ctx, t.URL)
	if err != nil {
		if ctx.Err() == nil {
			rec.logger.Warn("station fetch failed",
				"station_code", t.ID,
				"url", t.URL,
				"reason", reason(err),
				"error", err,
			)
		}
		return err
	}

	page, err := in.normalizer.Citypage(body, t.ID, domain.Now())
	if err != nil {
		rec.documentRejected(domain.KindObservation, t.ID, err)
		return nil
	}
	for _, rej := range page.Rejections {
		rec.rejected(rej)
	}
	for _, c := range page.Cleared {
		rec.cleared(c)
	}

	if o := page.Observation; o != nil {
		rec.normalized(domain.KindObservation, 1)
		if err := in.store.UpsertObservation(ctx, *o); err != nil {
			rec.written(domain.KindObservation, 0, 1, 0)
		} else {
			rec.written(domain.KindObservation, 1, 0, 0)
			rec.changed(domain.ChangeRecord{
				Kind:      domain.KindObservation,
				Key:       o.StationCode + "|" + o.ObservedAt.UTC().Format(time.RFC3339),
				FetchedAt: o.FetchedAt,
				Record:    *o,
			})
		}
	}

	rec.normalized(domain.KindWarning, len(page.Warnings))
	res := in.store.SyncWarnings(ctx, t.ID, page.Warnings, page.RetainedWarnings)
	rec.written(domain.KindWarning, res.Upserted, res.WriteFailures, res.Deactivated)
	if res.WriteFailures == 0 {
		for _, w := range page.Warnings {
			rec.changed(domain.ChangeRecord{Kind: domain.KindWarning, Key: w.Key().String(), FetchedAt: w.FetchedAt, Record: w})
		}
	}

	if f := page.Forecast; f != nil {
		rec.normalized(domain.KindForecast, 1)
		if err := in.store.UpsertForecast(ctx, *f); err != nil {
			rec.written(domain.KindForecast, 0, 1, 0)
		} else {
			rec.written(domain.KindForecast, 1, 0, 0)
			rec.changed(domain.ChangeRecord{
				Kind:      domain.KindForecast,
				Key:       f.StationCode + "|" + f.IssuedAt.UTC().Format(time.RFC3339),
				FetchedAt: f.FetchedAt,
				Record:    *f,
			})
		}
	}
	return nil
}

func asFetchError(err error) (*domain.FetchError, bool) {
	var fe *domain.FetchError
	ok := errors.As(err, &fe)
	return fe, ok
}
