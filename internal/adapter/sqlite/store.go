// Package sqlite is the embedded store backend used for local runs and tests.
// Timestamps are stored as fixed-width UTC text so they compare correctly as
// strings; forecast periods are stored as a JSON array.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stations (
		station_code TEXT NOT NULL,
		name_en      TEXT NOT NULL,
		name_fr      TEXT,
		province     TEXT NOT NULL,
		lat          REAL NOT NULL,
		lon          REAL NOT NULL,
		elevation_m  REAL,
		region_en    TEXT,
		region_fr    TEXT,
		active       INTEGER NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (station_code)
	)`,
	`CREATE TABLE IF NOT EXISTS observations (
		station_code        TEXT NOT NULL,
		observed_at         TEXT NOT NULL,
		fetched_at          TEXT NOT NULL,
		temperature_c       REAL,
		humidity_pct        REAL,
		dewpoint_c          REAL,
		pressure_kpa        REAL,
		pressure_tendency   TEXT,
		wind_speed_kmh      REAL,
		wind_direction_deg  INTEGER,
		wind_direction_text TEXT,
		wind_gust_kmh       REAL,
		wind_chill          REAL,
		humidex             REAL,
		visibility_km       REAL,
		condition_en        TEXT,
		icon_code           TEXT,
		PRIMARY KEY (station_code, observed_at)
	)`,
	`CREATE TABLE IF NOT EXISTS warnings (
		station_code TEXT NOT NULL,
		headline     TEXT NOT NULL,
		effective    TEXT NOT NULL DEFAULT '',
		event_type   TEXT NOT NULL,
		priority     TEXT NOT NULL,
		description  TEXT,
		expires      TEXT,
		url          TEXT,
		active       INTEGER NOT NULL,
		fetched_at   TEXT NOT NULL,
		PRIMARY KEY (station_code, headline, effective)
	)`,
	`CREATE TABLE IF NOT EXISTS forecasts (
		station_code TEXT NOT NULL,
		issued_at    TEXT NOT NULL,
		fetched_at   TEXT NOT NULL,
		periods      TEXT NOT NULL,
		PRIMARY KEY (station_code, issued_at)
	)`,
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_stations_active ON stations(active)`,
	`CREATE INDEX IF NOT EXISTS idx_warnings_active ON warnings(station_code, active)`,
	`CREATE INDEX IF NOT EXISTS idx_warnings_expires ON warnings(expires) WHERE active = 1`,
}

// Store implements store.Backend on database/sql.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return tx.Commit()
}

// EnsureIndexes creates the secondary indexes. Entity keys are primary keys.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

// UpsertStation replaces the station row keyed by station_code.
func (s *Store) UpsertStation(ctx context.Context, st domain.Station) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (station_code, name_en, name_fr, province, lat, lon, elevation_m,
			region_en, region_fr, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station_code) DO UPDATE SET
			name_en = excluded.name_en,
			name_fr = excluded.name_fr,
			province = excluded.province,
			lat = excluded.lat,
			lon = excluded.lon,
			elevation_m = excluded.elevation_m,
			region_en = excluded.region_en,
			region_fr = excluded.region_fr,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		st.StationCode, st.NameEN, nullString(st.NameFR), st.Province,
		st.Coordinates.Lat, st.Coordinates.Lon, nullFloat(st.Coordinates.ElevationM),
		nullString(st.RegionEN), nullString(st.RegionFR), boolInt(st.Active), formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert station %s: %w", st.StationCode, err)
	}
	return nil
}

// DeactivateStations flags active stations not listed in keep as inactive.
func (s *Store) DeactivateStations(ctx context.Context, keep []string) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	codes, err := json.Marshal(keep)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE stations SET active = 0
		WHERE active = 1
		  AND station_code NOT IN (SELECT value FROM json_each(?))`, string(codes))
	if err != nil {
		return 0, fmt.Errorf("deactivate stations: %w", err)
	}
	return affected(res)
}

// ActiveStations returns active stations ordered by code.
func (s *Store) ActiveStations(ctx context.Context) ([]domain.Station, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station_code, name_en, name_fr, province, lat, lon, elevation_m,
			region_en, region_fr, active, updated_at
		FROM stations WHERE active = 1 ORDER BY station_code`)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()

	var out []domain.Station
	for rows.Next() {
		var (
			st                   domain.Station
			nameFR, regEN, regFR sql.NullString
			elev                 sql.NullFloat64
			updated              string
		)
		if err := rows.Scan(&st.StationCode, &st.NameEN, &nameFR, &st.Province,
			&st.Coordinates.Lat, &st.Coordinates.Lon, &elev,
			&regEN, &regFR, &st.Active, &updated); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		st.NameFR = stringPtr(nameFR)
		st.RegionEN = stringPtr(regEN)
		st.RegionFR = stringPtr(regFR)
		st.Coordinates.ElevationM = floatPtr(elev)
		if st.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertObservation replaces the observation keyed by (station_code, observed_at).
func (s *Store) UpsertObservation(ctx context.Context, o domain.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (station_code, observed_at, fetched_at, temperature_c, humidity_pct,
			dewpoint_c, pressure_kpa, pressure_tendency, wind_speed_kmh, wind_direction_deg,
			wind_direction_text, wind_gust_kmh, wind_chill, humidex, visibility_km, condition_en, icon_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station_code, observed_at) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			temperature_c = excluded.temperature_c,
			humidity_pct = excluded.humidity_pct,
			dewpoint_c = excluded.dewpoint_c,
			pressure_kpa = excluded.pressure_kpa,
			pressure_tendency = excluded.pressure_tendency,
			wind_speed_kmh = excluded.wind_speed_kmh,
			wind_direction_deg = excluded.wind_direction_deg,
			wind_direction_text = excluded.wind_direction_text,
			wind_gust_kmh = excluded.wind_gust_kmh,
			wind_chill = excluded.wind_chill,
			humidex = excluded.humidex,
			visibility_km = excluded.visibility_km,
			condition_en = excluded.condition_en,
			icon_code = excluded.icon_code`,
		o.StationCode, formatTime(o.ObservedAt), formatTime(o.FetchedAt),
		nullFloat(o.TemperatureC), nullFloat(o.HumidityPct), nullFloat(o.DewpointC),
		nullFloat(o.PressureKPa), nullString(o.PressureTendency), nullFloat(o.WindSpeedKMH),
		nullInt(o.WindDirectionDeg), nullString(o.WindDirectionText), nullFloat(o.WindGustKMH),
		nullFloat(o.WindChill), nullFloat(o.Humidex), nullFloat(o.VisibilityKM),
		nullString(o.ConditionEN), nullString(o.IconCode),
	)
	if err != nil {
		return fmt.Errorf("upsert observation %s: %w", o.StationCode, err)
	}
	return nil
}

// UpsertWarning replaces the warning keyed by (station_code, headline, effective).
// A missing effective time is stored as ''.
func (s *Store) UpsertWarning(ctx context.Context, w domain.Warning) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warnings (station_code, headline, effective, event_type, priority,
			description, expires, url, active, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station_code, headline, effective) DO UPDATE SET
			event_type = excluded.event_type,
			priority = excluded.priority,
			description = excluded.description,
			expires = excluded.expires,
			url = excluded.url,
			active = excluded.active,
			fetched_at = excluded.fetched_at`,
		w.StationCode, w.Headline, effectiveKey(w.Effective), w.EventType, w.Priority,
		nullString(w.Description), nullTime(w.Expires), nullString(w.URL), boolInt(w.Active),
		formatTime(w.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert warning %s: %w", w.Key(), err)
	}
	return nil
}

// DeactivateWarnings flags the station's active warnings not in keep as inactive.
func (s *Store) DeactivateWarnings(ctx context.Context, stationCode string, keep []domain.WarningKey) (int, error) {
	pairs := make([][2]string, 0, len(keep))
	for _, k := range keep {
		pairs = append(pairs, [2]string{k.Headline, effectiveKey(k.Effective)})
	}
	keys, err := json.Marshal(pairs)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE warnings SET active = 0
		WHERE station_code = ?
		  AND active = 1
		  AND NOT EXISTS (
			SELECT 1 FROM json_each(?) k
			WHERE json_extract(k.value, '$[0]') = warnings.headline
			  AND json_extract(k.value, '$[1]') = warnings.effective
		  )`, stationCode, string(keys))
	if err != nil {
		return 0, fmt.Errorf("deactivate warnings %s: %w", stationCode, err)
	}
	return affected(res)
}

// ExpireWarnings flags active warnings whose expiry is at or before now.
func (s *Store) ExpireWarnings(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warnings SET active = 0
		WHERE active = 1 AND expires IS NOT NULL AND expires <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("expire warnings: %w", err)
	}
	return affected(res)
}

// UpsertForecast replaces the forecast keyed by (station_code, issued_at).
func (s *Store) UpsertForecast(ctx context.Context, f domain.Forecast) error {
	periods, err := json.Marshal(f.Periods)
	if err != nil {
		return fmt.Errorf("marshal periods: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO forecasts (station_code, issued_at, fetched_at, periods)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (station_code, issued_at) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			periods = excluded.periods`,
		f.StationCode, formatTime(f.IssuedAt), formatTime(f.FetchedAt), string(periods),
	)
	if err != nil {
		return fmt.Errorf("upsert forecast %s: %w", f.StationCode, err)
	}
	return nil
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func effectiveKey(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	return &nf.Float64
}
