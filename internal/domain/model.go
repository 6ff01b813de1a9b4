package domain

import (
	"strings"
	"time"
)

// Kind names one of the four persisted entity collections.
type Kind string

const (
	KindStation     Kind = "station"
	KindObservation Kind = "observation"
	KindWarning     Kind = "warning"
	KindForecast    Kind = "forecast"
)

// Coordinates is a WGS-84 position. Elevation is optional.
type Coordinates struct {
	Lat        float64  `json:"lat" bson:"lat" validate:"gte=-90,lte=90"`
	Lon        float64  `json:"lon" bson:"lon" validate:"gte=-180,lte=180"`
	ElevationM *float64 `json:"elevation_m,omitempty" bson:"elevation_m,omitempty"`
}

// Station is a citypage site as listed in the upstream directory.
type Station struct {
	StationCode string      `json:"station_code" bson:"station_code" validate:"required"`
	NameEN      string      `json:"name_en" bson:"name_en" validate:"required"`
	NameFR      *string     `json:"name_fr,omitempty" bson:"name_fr,omitempty"`
	Province    string      `json:"province" bson:"province" validate:"required,len=2,alpha,uppercase"`
	Coordinates Coordinates `json:"coordinates" bson:"coordinates"`
	RegionEN    *string     `json:"region_en,omitempty" bson:"region_en,omitempty"`
	RegionFR    *string     `json:"region_fr,omitempty" bson:"region_fr,omitempty"`
	Active      bool        `json:"active" bson:"active"`
	UpdatedAt   time.Time   `json:"updated_at" bson:"updated_at" validate:"required"`
}

// StationListEntry is one raw directory row before validation. Coordinates are
// pointers because the directory does not always carry them.
type StationListEntry struct {
	StationCode string
	NameEN      string
	NameFR      string
	Province    string
	Lat         *float64
	Lon         *float64
	RegionEN    string
	RegionFR    string
	// Legacy marks siteList.xml rows. That format has no coordinates, so an
	// unlocated legacy row is stored at 0,0 instead of being rejected.
	Legacy bool
}

// Observation is one set of current conditions reported by a station.
// Every measurement is optional because upstream reporting is inconsistent.
type Observation struct {
	StationCode string    `json:"station_code" bson:"station_code" validate:"required"`
	ObservedAt  time.Time `json:"observed_at" bson:"observed_at" validate:"required"`
	FetchedAt   time.Time `json:"fetched_at" bson:"fetched_at" validate:"required"`

	TemperatureC *float64 `json:"temperature_c,omitempty" bson:"temperature_c,omitempty"`
	HumidityPct  *float64 `json:"humidity_pct,omitempty" bson:"humidity_pct,omitempty" validate:"omitempty,gte=0,lte=100"`
	DewpointC    *float64 `json:"dewpoint_c,omitempty" bson:"dewpoint_c,omitempty"`

	PressureKPa      *float64 `json:"pressure_kpa,omitempty" bson:"pressure_kpa,omitempty" validate:"omitempty,gt=0"`
	PressureTendency *string  `json:"pressure_tendency,omitempty" bson:"pressure_tendency,omitempty"`

	WindSpeedKMH      *float64 `json:"wind_speed_kmh,omitempty" bson:"wind_speed_kmh,omitempty" validate:"omitempty,gte=0"`
	WindDirectionDeg  *int     `json:"wind_direction_deg,omitempty" bson:"wind_direction_deg,omitempty" validate:"omitempty,gte=0,lte=360"`
	WindDirectionText *string  `json:"wind_direction_text,omitempty" bson:"wind_direction_text,omitempty"`
	WindGustKMH       *float64 `json:"wind_gust_kmh,omitempty" bson:"wind_gust_kmh,omitempty" validate:"omitempty,gte=0"`
	WindChill         *float64 `json:"wind_chill,omitempty" bson:"wind_chill,omitempty"`
	Humidex           *float64 `json:"humidex,omitempty" bson:"humidex,omitempty"`

	VisibilityKM *float64 `json:"visibility_km,omitempty" bson:"visibility_km,omitempty" validate:"omitempty,gte=0"`
	ConditionEN  *string  `json:"condition_en,omitempty" bson:"condition_en,omitempty"`
	IconCode     *string  `json:"icon_code,omitempty" bson:"icon_code,omitempty"`
}

// Warning event types as published in the citypage feed.
const (
	EventWarning   = "warning"
	EventWatch     = "watch"
	EventAdvisory  = "advisory"
	EventStatement = "statement"
	EventEnded     = "ended"
)

// Warning is a public alert attached to a station's citypage.
type Warning struct {
	StationCode string     `json:"station_code" bson:"station_code" validate:"required"`
	Headline    string     `json:"headline" bson:"headline" validate:"required"`
	Effective   *time.Time `json:"effective" bson:"effective"`
	EventType   string     `json:"event_type" bson:"event_type" validate:"required"`
	Priority    string     `json:"priority" bson:"priority"`
	Description *string    `json:"description,omitempty" bson:"description,omitempty"`
	Expires     *time.Time `json:"expires,omitempty" bson:"expires,omitempty"`
	URL         *string    `json:"url,omitempty" bson:"url,omitempty"`
	Active      bool       `json:"active" bson:"active"`
	FetchedAt   time.Time  `json:"fetched_at" bson:"fetched_at" validate:"required"`
}

// Key returns the identity of the warning within the store.
func (w Warning) Key() WarningKey {
	return WarningKey{StationCode: w.StationCode, Headline: w.Headline, Effective: w.Effective}
}

// ActiveAt reports whether the warning should be flagged active at now:
// not an "ended" notice and not past its expiry.
func (w Warning) ActiveAt(now time.Time) bool {
	if w.EventType == EventEnded {
		return false
	}
	if w.Expires != nil && !w.Expires.After(now) {
		return false
	}
	return true
}

// WarningKey identifies a warning: (station_code, headline, effective).
// Effective may be nil when upstream omits the issue time.
type WarningKey struct {
	StationCode string
	Headline    string
	Effective   *time.Time
}

// String renders the key for logs and set membership.
func (k WarningKey) String() string {
	eff := ""
	if k.Effective != nil {
		eff = k.Effective.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{k.StationCode, k.Headline, eff}, "|")
}

// ForecastPeriod is one named slice of a forecast, e.g. "Tonight".
type ForecastPeriod struct {
	PeriodName         string   `json:"period_name" bson:"period_name" validate:"required"`
	TextSummary        string   `json:"text_summary" bson:"text_summary" validate:"required"`
	AbbreviatedSummary *string  `json:"abbreviated_summary,omitempty" bson:"abbreviated_summary,omitempty"`
	IconCode           *string  `json:"icon_code,omitempty" bson:"icon_code,omitempty"`
	TemperatureC       *float64 `json:"temperature_c,omitempty" bson:"temperature_c,omitempty"`
	TemperatureClass   *string  `json:"temperature_class,omitempty" bson:"temperature_class,omitempty" validate:"omitempty,oneof=high low"`
	PopPct             *int     `json:"pop_pct,omitempty" bson:"pop_pct,omitempty" validate:"omitempty,gte=0,lte=100"`
	WindSummary        *string  `json:"wind_summary,omitempty" bson:"wind_summary,omitempty"`
	HumidityPct        *float64 `json:"humidity_pct,omitempty" bson:"humidity_pct,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// Forecast is the ordered set of periods issued at a single time.
type Forecast struct {
	StationCode string           `json:"station_code" bson:"station_code" validate:"required"`
	IssuedAt    time.Time        `json:"issued_at" bson:"issued_at" validate:"required"`
	FetchedAt   time.Time        `json:"fetched_at" bson:"fetched_at" validate:"required"`
	Periods     []ForecastPeriod `json:"periods" bson:"periods" validate:"min=1,dive"`
}

// Citypage is everything normalized out of one station document.
type Citypage struct {
	StationCode string
	Observation *Observation
	Warnings    []Warning
	Forecast    *Forecast
	Rejections  []*Rejection
	// Cleared lists optional values dropped from records that were kept.
	Cleared []ClearedField
	// RetainedWarnings keys warnings that are still published but failed
	// validation, so their stored copies stay active.
	RetainedWarnings []WarningKey
}

// DataFile is a discovered per-station document on the datamart.
type DataFile struct {
	StationCode string
	Name        string
	URL         string
	Timestamp   time.Time // zero when the filename prefix could not be parsed
}

// Target is one unit of fetch work within a cycle.
type Target struct {
	ID       string // station code or province code
	Province string
	URL      string
}

// ChangeRecord is an upserted entity announced on the change feed.
type ChangeRecord struct {
	Kind      Kind
	Key       string
	FetchedAt time.Time
	Record    any
}
