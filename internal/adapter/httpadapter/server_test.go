package httpadapter_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/citypage-fetcher/internal/adapter/httpadapter"
	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/pipeline"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockStatus struct {
	runs map[string]pipeline.Summary
}

func (m *mockStatus) LastRuns() map[string]pipeline.Summary { return m.runs }

func newTestServer(readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, nil, slog.Default())
}

func TestHealthzReturns200(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	srv := newTestServer(fmt.Errorf("initial station cycle not complete"))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "initial station cycle not complete", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatusEndpoint(t *testing.T) {
	status := &mockStatus{runs: map[string]pipeline.Summary{
		pipeline.CycleObservations: {
			Cycle:    pipeline.CycleObservations,
			CycleID:  "c-1",
			Targets:  10,
			Fetched:  9,
			Failed:   1,
			Kinds:    map[domain.Kind]pipeline.EntityCounts{domain.KindObservation: {Attempted: 9, Upserted: 9}},
			Duration: 2 * time.Second,
		},
	}}
	srv := httpadapter.NewServer(":0", &mockReadiness{}, status, slog.Default())
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Cycles map[string]struct {
			CycleID string `json:"cycle_id"`
			Targets int    `json:"targets"`
			Failed  int    `json:"failed"`
			Kinds   map[string]struct {
				Upserted int `json:"upserted"`
			} `json:"kinds"`
		} `json:"cycles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	obs := body.Cycles["observations"]
	assert.Equal(t, "c-1", obs.CycleID)
	assert.Equal(t, 10, obs.Targets)
	assert.Equal(t, 1, obs.Failed)
	assert.Equal(t, 9, obs.Kinds["observation"].Upserted)
}

func TestStatusNotServedWithoutReporter(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusByCycle(t *testing.T) {
	status := &mockStatus{runs: map[string]pipeline.Summary{
		pipeline.CycleStations: {Cycle: pipeline.CycleStations, CycleID: "c-7", Targets: 1},
	}}
	srv := httpadapter.NewServer(":0", &mockReadiness{}, status, slog.Default())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/stations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		CycleID string `json:"cycle_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "c-7", body.CycleID)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/observations", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no completed observations cycle")
}
