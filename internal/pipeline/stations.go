package pipeline

import (
	"context"
	"fmt"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
)

// RunStations refreshes the station directory: fetch, normalize, upsert the
// listed stations as active and deactivate those that disappeared.
func (in *Ingester) RunStations(ctx context.Context) (Summary, error) {
	rec, done := in.begin(CycleStations)
	defer done()

	body, err := in.feed.SiteList(ctx)
	if err != nil {
		rec.outcome(Classify(ctx, err))
		rec.logger.Error("station directory fetch failed", "error", err, "reason", reason(err))
		s := rec.finish()
		s.Log(in.logger)
		return s, fmt.Errorf("fetch station directory: %w", err)
	}
	rec.outcome(OutcomeSuccess)

	entries, err := domain.ParseSiteList(body)
	if err != nil {
		rec.documentRejected(domain.KindStation, "directory", err)
		s := rec.finish()
		s.Log(in.logger)
		return s, fmt.Errorf("parse station directory: %w", err)
	}

	stations, listed, rejections := in.normalizer.Stations(ctx, entries, domain.Now())
	for _, rej := range rejections {
		rec.rejected(rej)
	}
	rec.normalized(domain.KindStation, len(stations))

	res := in.store.SyncStations(ctx, stations, listed)
	rec.written(domain.KindStation, res.Upserted, res.WriteFailures, res.Deactivated)

	if len(stations) > 0 {
		in.rememberDirectory(stations)
	}
	if res.WriteFailures == 0 {
		for _, st := range stations {
			rec.changed(domain.ChangeRecord{Kind: domain.KindStation, Key: st.StationCode, FetchedAt: st.UpdatedAt, Record: st})
		}
	}
	in.publish(ctx, rec)

	s := rec.finish()
	s.Log(in.logger)
	return s, nil
}

// reason returns the fetch failure code for logs.
func reason(err error) string {
	if fe, ok := asFetchError(err); ok {
		return fe.Reason()
	}
	return "other"
}
