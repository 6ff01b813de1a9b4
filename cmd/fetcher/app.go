package main

import (
	"context"
	"fmt"
	"log/slog"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/citypage-fetcher/internal/adapter/feed"
	kafkaadapter "github.com/couchcryptid/citypage-fetcher/internal/adapter/kafka"
	"github.com/couchcryptid/citypage-fetcher/internal/adapter/mapbox"
	"github.com/couchcryptid/citypage-fetcher/internal/adapter/mongo"
	"github.com/couchcryptid/citypage-fetcher/internal/adapter/sqlite"
	"github.com/couchcryptid/citypage-fetcher/internal/config"
	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/observability"
	"github.com/couchcryptid/citypage-fetcher/internal/pipeline"
	"github.com/couchcryptid/citypage-fetcher/internal/store"
)

// app holds the wired components shared by the service and one-shot commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	gateway   *store.Gateway
	publisher *kafkaadapter.Publisher
	ingester  *pipeline.Ingester
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	backend, err := store.ConnectWithRetry(ctx, opener(cfg), cfg.StoreConnectRetries, cfg.StoreConnectDelay, logger)
	if err != nil {
		return nil, err
	}
	gateway := store.NewGateway(backend, metrics, logger)
	if cfg.StoreEnsureIndexes {
		if err := gateway.EnsureIndexes(ctx); err != nil {
			_ = gateway.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
	}
	logger.Info("store ready", "driver", cfg.StoreDriver)

	// Geocoding is feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN.
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics, gateway: gateway}

	var publisher pipeline.Publisher
	if cfg.KafkaEnabled {
		a.publisher = kafkaadapter.NewPublisher(cfg, logger)
		publisher = a.publisher
		logger.Info("change feed enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	a.ingester = pipeline.NewIngester(
		feed.NewClient(feed.OptionsFromConfig(cfg), metrics, logger),
		gateway,
		pipeline.NewNormalizer(geocoder, logger),
		pipeline.NewExecutor(cfg.MaxConcurrent, logger),
		publisher,
		metrics,
		logger,
	)
	return a, nil
}

func opener(cfg *config.Config) store.Opener {
	return func(ctx context.Context) (store.Backend, error) {
		switch cfg.StoreDriver {
		case config.DriverSQLite:
			return sqlite.Open(ctx, cfg.SQLitePath)
		default:
			return mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		}
	}
}

func (a *app) close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("kafka publisher close error", "error", err)
		}
	}
	if err := a.gateway.Close(ctx); err != nil {
		a.logger.Error("store close error", "error", err)
	}
}
