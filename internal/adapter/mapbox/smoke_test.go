//go:build mapbox

package mapbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/citypage-fetcher/internal/observability"
)

// Live API checks. Run with:
//   MAPBOX_TOKEN=... go test -tags=mapbox ./internal/adapter/mapbox/ -count=1

func liveClient(t *testing.T) *Client {
	t.Helper()
	token := os.Getenv("MAPBOX_TOKEN")
	if token == "" {
		t.Skip("MAPBOX_TOKEN not set")
	}
	return NewClient(token, 10*time.Second, observability.NewMetricsForTesting(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLive_ResolvesStationInProvince(t *testing.T) {
	c := liveClient(t)

	result, err := c.ForwardGeocode(context.Background(), "Churchill", "MB")
	require.NoError(t, err)
	assert.InDelta(t, 58.77, result.Lat, 0.3)
	assert.InDelta(t, -94.17, result.Lon, 0.3)
}

func TestLive_CachedIqaluit(t *testing.T) {
	cached := NewCachedGeocoder(liveClient(t), 10, observability.NewMetricsForTesting())

	r1, err := cached.ForwardGeocode(context.Background(), "Iqaluit", "NU")
	require.NoError(t, err)
	require.True(t, r1.Found())

	r2, err := cached.ForwardGeocode(context.Background(), "Iqaluit", "NU")
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}
