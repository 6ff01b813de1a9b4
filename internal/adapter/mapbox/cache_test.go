package mapbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/observability"
)

type countingGeocoder struct {
	calls  atomic.Int32
	delay  time.Duration
	result domain.GeocodingResult
	err    error
}

func (g *countingGeocoder) ForwardGeocode(context.Context, string, string) (domain.GeocodingResult, error) {
	g.calls.Add(1)
	time.Sleep(g.delay)
	return g.result, g.err
}

var winnipeg = domain.GeocodingResult{Lat: 49.9, Lon: -97.1, PlaceName: "Winnipeg"}

func TestCachedGeocoder_HitIgnoresCaseAndSpacing(t *testing.T) {
	inner := &countingGeocoder{result: winnipeg}
	metrics := observability.NewMetricsForTesting()
	cached := NewCachedGeocoder(inner, 10, metrics)

	_, err := cached.ForwardGeocode(context.Background(), "Winnipeg", "MB")
	require.NoError(t, err)
	r, err := cached.ForwardGeocode(context.Background(), " WINNIPEG ", "mb")
	require.NoError(t, err)

	assert.Equal(t, winnipeg, r)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GeocodeCache.WithLabelValues(methodForward, "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GeocodeCache.WithLabelValues(methodForward, "miss")))
}

func TestCachedGeocoder_ProvinceIsPartOfKey(t *testing.T) {
	inner := &countingGeocoder{result: winnipeg}
	cached := NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

	_, _ = cached.ForwardGeocode(context.Background(), "Churchill", "MB")
	_, _ = cached.ForwardGeocode(context.Background(), "Churchill", "ON")
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedGeocoder_MissesAndErrorsAreNotCached(t *testing.T) {
	empty := &countingGeocoder{}
	cached := NewCachedGeocoder(empty, 10, observability.NewMetricsForTesting())
	_, _ = cached.ForwardGeocode(context.Background(), "Nowhere", "NU")
	_, _ = cached.ForwardGeocode(context.Background(), "Nowhere", "NU")
	assert.Equal(t, int32(2), empty.calls.Load())

	failing := &countingGeocoder{err: errors.New("quota")}
	cached = NewCachedGeocoder(failing, 10, observability.NewMetricsForTesting())
	_, err := cached.ForwardGeocode(context.Background(), "Winnipeg", "MB")
	require.Error(t, err)
	_, _ = cached.ForwardGeocode(context.Background(), "Winnipeg", "MB")
	assert.Equal(t, int32(2), failing.calls.Load())
	assert.Zero(t, cached.cache.len())
}

func TestCachedGeocoder_CollapsesConcurrentLookups(t *testing.T) {
	inner := &countingGeocoder{result: winnipeg, delay: 50 * time.Millisecond}
	cached := NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := cached.ForwardGeocode(context.Background(), "Winnipeg", "MB")
			assert.NoError(t, err)
			assert.Equal(t, winnipeg, r)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", domain.GeocodingResult{Lat: 1})
	c.put("b", domain.GeocodingResult{Lat: 2})

	_, ok := c.get("a") // a becomes most recent
	require.True(t, ok)
	c.put("c", domain.GeocodingResult{Lat: 3})

	_, ok = c.get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())
}

func TestLRUCache_PutOverwrites(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", domain.GeocodingResult{Lat: 1})
	c.put("a", domain.GeocodingResult{Lat: 9})

	r, ok := c.get("a")
	require.True(t, ok)
	assert.InDelta(t, 9.0, r.Lat, 1e-9)
	assert.Equal(t, 1, c.len())
}

func TestLRUCache_NonPositiveSizeHoldsOne(t *testing.T) {
	c := newLRUCache(0)
	c.put("a", domain.GeocodingResult{Lat: 1})
	c.put("b", domain.GeocodingResult{Lat: 2})
	assert.Equal(t, 1, c.len())
}
