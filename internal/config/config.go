package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Store drivers.
const (
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
)

// Retry backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Persistence.
	StoreDriver         string
	MongoURI            string
	MongoDatabase       string
	SQLitePath          string
	StoreConnectRetries int
	StoreConnectDelay   time.Duration
	StoreEnsureIndexes  bool

	// Remote feed.
	FeedBaseURL          string
	SiteListURL          string
	RequestTimeout       time.Duration
	MaxConcurrent        int
	RequestDelay         time.Duration
	MaxRetries           int
	RetryDelay           time.Duration
	RetryBackoff         string
	ThrottleDelay        time.Duration
	FeedBreakerThreshold int

	// Cycle scheduling.
	ObservationInterval    time.Duration
	StationRefreshInterval time.Duration

	// Fallback positions for directory entries without coordinates.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int

	// Optional change feed.
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	geocodeTimeout, err := parseDuration("MAPBOX_TIMEOUT", "5s", time.Millisecond)
	if err != nil {
		return nil, err
	}
	connectDelay, err := parseDuration("STORE_CONNECT_DELAY", "2s", 0)
	if err != nil {
		return nil, err
	}

	// A token alone turns geocoding on; MAPBOX_ENABLED overrides either way.
	token := os.Getenv("MAPBOX_TOKEN")
	geocode := token != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		geocode = v == "true"
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		StoreDriver:        strings.ToLower(sharedcfg.EnvOrDefault("STORE_DRIVER", DriverMongo)),
		MongoURI:           mongoURI(),
		MongoDatabase:      sharedcfg.EnvOrDefault("MONGO_DATABASE", "weatherdata"),
		SQLitePath:         sharedcfg.EnvOrDefault("SQLITE_PATH", "weatherdata.db"),
		StoreConnectDelay:  connectDelay,
		StoreEnsureIndexes: sharedcfg.EnvOrDefault("STORE_ENSURE_INDEXES", "true") == "true",

		FeedBaseURL:  strings.TrimRight(sharedcfg.EnvOrDefault("FEED_BASE_URL", "https://dd.weather.gc.ca/today/citypage_weather"), "/"),
		SiteListURL:  sharedcfg.EnvOrDefault("SITE_LIST_URL", "https://collaboration.cmc.ec.gc.ca/cmc/cmos/public_doc/msc-data/citypage-weather/site_list_en.geojson"),
		RetryBackoff: strings.ToLower(sharedcfg.EnvOrDefault("RETRY_BACKOFF", BackoffExponential)),

		MapboxToken:   token,
		MapboxEnabled: geocode,
		MapboxTimeout: geocodeTimeout,

		KafkaEnabled: sharedcfg.EnvOrDefault("KAFKA_ENABLED", "false") == "true",
		KafkaBrokers: sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "weather-records"),
	}

	ints := []struct {
		key  string
		def  int
		min  int
		dest *int
	}{
		{"STORE_CONNECT_RETRIES", 5, 1, &cfg.StoreConnectRetries},
		{"MAX_CONCURRENT_REQUESTS", 20, 1, &cfg.MaxConcurrent},
		{"MAX_RETRIES", 3, 0, &cfg.MaxRetries},
		{"FEED_BREAKER_THRESHOLD", 25, 0, &cfg.FeedBreakerThreshold},
		{"MAPBOX_CACHE_SIZE", 1000, 1, &cfg.MapboxCacheSize},
	}
	for _, f := range ints {
		if *f.dest, err = parseInt(f.key, f.def, f.min); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key  string
		def  string
		min  time.Duration
		dest *time.Duration
	}{
		{"OBSERVATION_INTERVAL_SECONDS", "600", time.Second, &cfg.ObservationInterval},
		{"STATION_REFRESH_INTERVAL_SECONDS", "86400", time.Second, &cfg.StationRefreshInterval},
		{"REQUEST_TIMEOUT_SECONDS", "30", time.Millisecond, &cfg.RequestTimeout},
		{"REQUEST_DELAY_SECONDS", "0.1", 0, &cfg.RequestDelay},
		{"RETRY_DELAY_SECONDS", "1", 0, &cfg.RetryDelay},
		{"THROTTLE_DELAY_SECONDS", "5", 0, &cfg.ThrottleDelay},
	}
	for _, f := range durations {
		if *f.dest, err = parseSeconds(f.key, f.def, f.min); err != nil {
			return nil, err
		}
	}

	switch cfg.StoreDriver {
	case DriverMongo, DriverSQLite:
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q: must be %s or %s", cfg.StoreDriver, DriverMongo, DriverSQLite)
	}
	switch cfg.RetryBackoff {
	case BackoffExponential, BackoffFixed:
	default:
		return nil, fmt.Errorf("invalid RETRY_BACKOFF %q: must be %s or %s", cfg.RetryBackoff, BackoffExponential, BackoffFixed)
	}
	if _, err := url.ParseRequestURI(cfg.FeedBaseURL); err != nil {
		return nil, fmt.Errorf("invalid FEED_BASE_URL: %w", err)
	}
	if _, err := url.ParseRequestURI(cfg.SiteListURL); err != nil {
		return nil, fmt.Errorf("invalid SITE_LIST_URL: %w", err)
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_ENABLED is true")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_TOKEN is required when MAPBOX_ENABLED is true")
	}

	return cfg, nil
}

// mongoURI returns MONGO_URI verbatim, or assembles one from the MONGO_* parts.
func mongoURI() string {
	if v := os.Getenv("MONGO_URI"); v != "" {
		return v
	}
	host := sharedcfg.EnvOrDefault("MONGO_HOST", "mongodb")
	port := sharedcfg.EnvOrDefault("MONGO_PORT", "27017")
	db := sharedcfg.EnvOrDefault("MONGO_DATABASE", "weatherdata")

	u := url.URL{Scheme: "mongodb", Host: host + ":" + port, Path: "/" + db}
	if user := os.Getenv("MONGO_USERNAME"); user != "" {
		u.User = url.UserPassword(user, os.Getenv("MONGO_PASSWORD"))
		u.RawQuery = "authSource=" + url.QueryEscape(db)
	}
	return u.String()
}

func parseInt(key string, def, minimum int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s: must be an integer >= %d", key, minimum)
	}
	return n, nil
}

// parseSeconds reads a possibly fractional number of seconds ("0.1", "600").
func parseSeconds(key, def string, minimum time.Duration) (time.Duration, error) {
	s := sharedcfg.EnvOrDefault(key, def)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: must be a number of seconds", key)
	}
	d := time.Duration(f * float64(time.Second))
	if d < minimum {
		return 0, fmt.Errorf("invalid %s: must be at least %s", key, minimum)
	}
	return d, nil
}

// parseDuration reads a Go duration string such as "5s" or "250ms".
func parseDuration(key, def string, minimum time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < minimum {
		return 0, fmt.Errorf("invalid %s: must be a duration of at least %s", key, minimum)
	}
	return d, nil
}
