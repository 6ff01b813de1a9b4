// Package mongo is the production store backend. Each entity kind lives in
// its own collection keyed by a unique compound index.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
)

// Collection names.
const (
	Stations     = "stations"
	Observations = "observations"
	Warnings     = "warnings"
	Forecasts    = "forecasts"
)

// Store implements store.Backend on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens a client for uri and selects database. The caller pings.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates a unique index on each entity key plus the lookup
// indexes used by deactivation.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		Stations: {
			{
				Keys:    bson.D{{Key: "station_code", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("station_code_unique"),
			},
			{Keys: bson.D{{Key: "active", Value: 1}}},
		},
		Observations: {{
			Keys:    bson.D{{Key: "station_code", Value: 1}, {Key: "observed_at", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("station_observed_unique"),
		}},
		Warnings: {
			{
				Keys:    bson.D{{Key: "station_code", Value: 1}, {Key: "headline", Value: 1}, {Key: "effective", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("station_headline_effective_unique"),
			},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "expires", Value: 1}}},
		},
		Forecasts: {{
			Keys:    bson.D{{Key: "station_code", Value: 1}, {Key: "issued_at", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("station_issued_unique"),
		}},
	}
	for coll, models := range specs {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (s *Store) replace(ctx context.Context, coll string, filter bson.D, doc any) error {
	_, err := s.db.Collection(coll).ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

// UpsertStation replaces the station document keyed by station_code.
func (s *Store) UpsertStation(ctx context.Context, st domain.Station) error {
	if err := s.replace(ctx, Stations, bson.D{{Key: "station_code", Value: st.StationCode}}, st); err != nil {
		return fmt.Errorf("upsert station %s: %w", st.StationCode, err)
	}
	return nil
}

// DeactivateStations flags active stations not listed in keep as inactive.
func (s *Store) DeactivateStations(ctx context.Context, keep []string) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	res, err := s.db.Collection(Stations).UpdateMany(ctx,
		bson.D{
			{Key: "active", Value: true},
			{Key: "station_code", Value: bson.D{{Key: "$nin", Value: keep}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "active", Value: false}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate stations: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// ActiveStations returns active stations ordered by code.
func (s *Store) ActiveStations(ctx context.Context) ([]domain.Station, error) {
	cur, err := s.db.Collection(Stations).Find(ctx,
		bson.D{{Key: "active", Value: true}},
		options.Find().SetSort(bson.D{{Key: "station_code", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find stations: %w", err)
	}
	var out []domain.Station
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode stations: %w", err)
	}
	return out, nil
}

// UpsertObservation replaces the observation keyed by (station_code, observed_at).
func (s *Store) UpsertObservation(ctx context.Context, o domain.Observation) error {
	filter := bson.D{
		{Key: "station_code", Value: o.StationCode},
		{Key: "observed_at", Value: o.ObservedAt},
	}
	if err := s.replace(ctx, Observations, filter, o); err != nil {
		return fmt.Errorf("upsert observation %s: %w", o.StationCode, err)
	}
	return nil
}

// UpsertWarning replaces the warning keyed by (station_code, headline, effective).
// A nil effective is stored and matched as null.
func (s *Store) UpsertWarning(ctx context.Context, w domain.Warning) error {
	if err := s.replace(ctx, Warnings, warningFilter(w.Key()), w); err != nil {
		return fmt.Errorf("upsert warning %s: %w", w.Key(), err)
	}
	return nil
}

// DeactivateWarnings flags the station's active warnings not in keep as inactive.
func (s *Store) DeactivateWarnings(ctx context.Context, stationCode string, keep []domain.WarningKey) (int, error) {
	filter := bson.D{
		{Key: "station_code", Value: stationCode},
		{Key: "active", Value: true},
	}
	if len(keep) > 0 {
		nor := make(bson.A, 0, len(keep))
		for _, k := range keep {
			nor = append(nor, bson.D{
				{Key: "headline", Value: k.Headline},
				{Key: "effective", Value: effectiveValue(k.Effective)},
			})
		}
		filter = append(filter, bson.E{Key: "$nor", Value: nor})
	}
	res, err := s.db.Collection(Warnings).UpdateMany(ctx, filter,
		bson.D{{Key: "$set", Value: bson.D{{Key: "active", Value: false}}}})
	if err != nil {
		return 0, fmt.Errorf("deactivate warnings %s: %w", stationCode, err)
	}
	return int(res.ModifiedCount), nil
}

// ExpireWarnings flags active warnings whose expiry is at or before now.
func (s *Store) ExpireWarnings(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.Collection(Warnings).UpdateMany(ctx,
		bson.D{
			{Key: "active", Value: true},
			{Key: "expires", Value: bson.D{{Key: "$lte", Value: now.UTC()}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "active", Value: false}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("expire warnings: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// UpsertForecast replaces the forecast keyed by (station_code, issued_at).
func (s *Store) UpsertForecast(ctx context.Context, f domain.Forecast) error {
	filter := bson.D{
		{Key: "station_code", Value: f.StationCode},
		{Key: "issued_at", Value: f.IssuedAt},
	}
	if err := s.replace(ctx, Forecasts, filter, f); err != nil {
		return fmt.Errorf("upsert forecast %s: %w", f.StationCode, err)
	}
	return nil
}

func warningFilter(k domain.WarningKey) bson.D {
	return bson.D{
		{Key: "station_code", Value: k.StationCode},
		{Key: "headline", Value: k.Headline},
		{Key: "effective", Value: effectiveValue(k.Effective)},
	}
}

func effectiveValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
