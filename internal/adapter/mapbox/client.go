package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/observability"
)

const (
	methodForward  = "forward"
	defaultBaseURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"
	candidates     = 5
)

// provinceNames maps citypage province codes to the names Mapbox indexes.
var provinceNames = map[string]string{
	"AB": "Alberta",
	"BC": "British Columbia",
	"MB": "Manitoba",
	"NB": "New Brunswick",
	"NL": "Newfoundland and Labrador",
	"NS": "Nova Scotia",
	"NT": "Northwest Territories",
	"NU": "Nunavut",
	"ON": "Ontario",
	"PE": "Prince Edward Island",
	"QC": "Quebec",
	"SK": "Saskatchewan",
	"YT": "Yukon",
}

// Client implements domain.Geocoder on the Mapbox Geocoding API. Lookups are
// restricted to Canada and the match must lie in the station's province.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Mapbox geocoding client.
func NewClient(token string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
		metrics:    metrics,
		logger:     logger,
	}
}

// ForwardGeocode resolves a station name within a province. A response with
// no candidate in that province yields an empty result, not an error.
func (c *Client) ForwardGeocode(ctx context.Context, name, province string) (domain.GeocodingResult, error) {
	province = strings.ToUpper(strings.TrimSpace(province))

	start := time.Now()
	features, err := c.search(ctx, placeQuery(name, province))
	c.metrics.GeocodeAPIDuration.WithLabelValues(methodForward).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.GeocodeRequests.WithLabelValues(methodForward, "error").Inc()
		return domain.GeocodingResult{}, err
	}

	f, ok := pickFeature(features, province)
	if !ok {
		c.metrics.GeocodeRequests.WithLabelValues(methodForward, "empty").Inc()
		if len(features) > 0 {
			c.logger.Debug("geocoding candidates outside province", "name", name, "province", province, "candidates", len(features))
		}
		return domain.GeocodingResult{}, nil
	}
	c.metrics.GeocodeRequests.WithLabelValues(methodForward, "success").Inc()
	return f.result(), nil
}

func placeQuery(name, province string) string {
	if full, ok := provinceNames[province]; ok {
		return name + ", " + full
	}
	if province != "" {
		return name + ", " + province
	}
	return name
}

func (c *Client) search(ctx context.Context, query string) ([]feature, error) {
	params := url.Values{
		"access_token": {c.token},
		"country":      {"ca"},
		"language":     {"en"},
		"limit":        {fmt.Sprint(candidates)},
		"types":        {"place,locality"},
	}
	fullURL := fmt.Sprintf("%s/%s.json?%s", c.baseURL, url.PathEscape(query), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("mapbox API error: status %d: %s", resp.StatusCode, body)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return r.Features, nil
}

// pickFeature returns the most relevant candidate inside province. Unknown
// province codes accept the top candidate.
func pickFeature(features []feature, province string) (feature, bool) {
	_, known := provinceNames[province]
	for _, f := range features {
		if len(f.Center) != 2 {
			continue
		}
		if !known || f.region() == "CA-"+province {
			return f, true
		}
	}
	return feature{}, false
}

// Mapbox API response types.

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	Center    []float64     `json:"center"` // [lon, lat]
	PlaceName string        `json:"place_name"`
	Text      string        `json:"text"`
	Relevance float64       `json:"relevance"`
	Context   []contextItem `json:"context"`
}

type contextItem struct {
	ID        string `json:"id"`
	ShortCode string `json:"short_code"`
	Text      string `json:"text"`
}

// region returns the ISO 3166-2 code of the enclosing region, e.g. "CA-MB".
func (f feature) region() string {
	for _, c := range f.Context {
		if strings.HasPrefix(c.ID, "region.") {
			return strings.ToUpper(c.ShortCode)
		}
	}
	return ""
}

func (f feature) result() domain.GeocodingResult {
	return domain.GeocodingResult{
		Lon:              f.Center[0],
		Lat:              f.Center[1],
		FormattedAddress: f.PlaceName,
		PlaceName:        f.Text,
		Confidence:       f.Relevance,
	}
}
