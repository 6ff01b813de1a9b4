//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/couchcryptid/citypage-fetcher/internal/adapter/feed"
	"github.com/couchcryptid/citypage-fetcher/internal/adapter/kafka"
	"github.com/couchcryptid/citypage-fetcher/internal/adapter/mongo"
	"github.com/couchcryptid/citypage-fetcher/internal/config"
	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/observability"
	"github.com/couchcryptid/citypage-fetcher/internal/pipeline"
	"github.com/couchcryptid/citypage-fetcher/internal/store"
)

const (
	testDatabase = "weatherdata_test"
	testTopic    = "weather-records-test"
)

func setClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, 1, 15, 18, 30, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func connectGateway(ctx context.Context, t *testing.T, uri string, metrics *observability.Metrics) *store.Gateway {
	t.Helper()
	backend, err := store.ConnectWithRetry(ctx, func(ctx context.Context) (store.Backend, error) {
		return mongo.Connect(ctx, uri, testDatabase)
	}, 5, time.Second, discardLogger())
	require.NoError(t, err)
	g := store.NewGateway(backend, metrics, discardLogger())
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	require.NoError(t, g.EnsureIndexes(ctx))
	require.NoError(t, g.EnsureIndexes(ctx), "index creation is idempotent")
	return g
}

func countDocs(ctx context.Context, t *testing.T, uri, coll string, filter bson.D) int64 {
	t.Helper()
	client, err := mongodrv.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(ctx) }()
	n, err := client.Database(testDatabase).Collection(coll).CountDocuments(ctx, filter)
	require.NoError(t, err)
	return n
}

func TestMongoGateway(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	setClock(t)

	uri := startMongo(ctx, t)
	g := connectGateway(ctx, t, uri, observability.NewMetricsForTesting())
	now := domain.Now()

	station := func(code string) domain.Station {
		return domain.Station{
			StationCode: code,
			NameEN:      "Station " + code,
			Province:    "MB",
			Coordinates: domain.Coordinates{Lat: 49.9, Lon: -97.1},
			UpdatedAt:   now,
		}
	}

	res := g.SyncStations(ctx, []domain.Station{station("A"), station("B"), station("C")}, nil)
	assert.Equal(t, 3, res.Upserted)

	res = g.SyncStations(ctx, []domain.Station{station("A"), station("C")}, nil)
	assert.Equal(t, 1, res.Deactivated)
	active, err := g.ActiveStations(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "A", active[0].StationCode)
	assert.Equal(t, int64(3), countDocs(ctx, t, uri, mongo.Stations, bson.D{}), "nothing is deleted")

	expires := now.Add(-time.Minute)
	warnings := []domain.Warning{
		{StationCode: "A", Headline: "No issue time", EventType: domain.EventStatement, Active: true, FetchedAt: now},
		{StationCode: "A", Headline: "Lapsed", EventType: domain.EventWarning, Expires: &expires, Active: true, FetchedAt: now},
	}
	res = g.SyncWarnings(ctx, "A", warnings, nil)
	assert.Equal(t, 2, res.Upserted)
	res = g.SyncWarnings(ctx, "A", warnings, nil)
	assert.Zero(t, res.Deactivated)
	assert.Equal(t, int64(2), countDocs(ctx, t, uri, mongo.Warnings, bson.D{}), "null effective keys upsert in place")

	n, err := g.ExpireWarnings(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res = g.SyncWarnings(ctx, "A", nil, nil)
	assert.Equal(t, 1, res.Deactivated)
	assert.Zero(t, countDocs(ctx, t, uri, mongo.Warnings, bson.D{{Key: "active", Value: true}}))
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	setClock(t)

	uri := startMongo(ctx, t)
	broker := startKafka(ctx, t)
	createTopic(t, broker, testTopic)

	mart, srv := newDatamart(t)
	mart.siteList = loadFixture(t, "site_list_en.geojson")
	mart.publish("MB", "s0000458", loadFixture(t, "citypage_s0000458_en.xml"))
	mart.publish("QC", "s0000635", []byte("<html><body>maintenance</body></html>"))

	metrics := observability.NewMetricsForTesting()
	g := connectGateway(ctx, t, uri, metrics)

	cfg := &config.Config{KafkaBrokers: []string{broker}, KafkaTopic: testTopic}
	pub := kafka.NewPublisher(cfg, discardLogger())
	t.Cleanup(func() { _ = pub.Close() })

	client := feed.NewClient(feed.Options{
		BaseURL:     srv.URL,
		SiteListURL: srv.URL + "/site_list_en.geojson",
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		RetryDelay:  10 * time.Millisecond,
		Backoff:     config.BackoffFixed,
		UserAgent:   "citypage-fetcher-test",
	}, metrics, discardLogger())

	in := pipeline.NewIngester(
		client,
		g,
		pipeline.NewNormalizer(nil, discardLogger()),
		pipeline.NewExecutor(4, discardLogger()),
		pub,
		metrics,
		discardLogger(),
	)

	stations, err := in.RunStations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stations.Upserted)
	assert.Equal(t, 2, stations.ParseFailures)

	obs, err := in.RunObservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, obs.Fetched)
	assert.Equal(t, 1, obs.ParseFailures)
	assert.Equal(t, 1, obs.Kinds[domain.KindObservation].Upserted)
	assert.Equal(t, 2, obs.Kinds[domain.KindWarning].Upserted)
	assert.Equal(t, 1, obs.Kinds[domain.KindForecast].Upserted)

	// A second pass over unchanged documents writes the same keys.
	_, err = in.RunObservations(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), countDocs(ctx, t, uri, mongo.Stations, bson.D{}))
	assert.Equal(t, int64(1), countDocs(ctx, t, uri, mongo.Observations, bson.D{}))
	assert.Equal(t, int64(2), countDocs(ctx, t, uri, mongo.Warnings, bson.D{}))
	assert.Equal(t, int64(1), countDocs(ctx, t, uri, mongo.Warnings, bson.D{{Key: "active", Value: true}}))
	assert.Equal(t, int64(1), countDocs(ctx, t, uri, mongo.Forecasts, bson.D{}))

	// 2 stations, then 4 records per observation cycle.
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   []string{broker},
		Topic:     testTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	kinds := map[string]int{}
	for range 10 {
		readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
		msg, err := reader.ReadMessage(readCtx)
		readCancel()
		require.NoError(t, err)

		var env struct {
			Kind   string          `json:"kind"`
			Key    string          `json:"key"`
			Record json.RawMessage `json:"record"`
		}
		require.NoError(t, json.Unmarshal(msg.Value, &env))
		assert.Equal(t, env.Kind+"|"+env.Key, string(msg.Key))
		kinds[env.Kind]++
	}
	assert.Equal(t, map[string]int{"station": 2, "observation": 2, "warning": 4, "forecast": 2}, kinds)
}
