package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/globaltempo/tempo-backend/internal/models"
	"github.com/globaltempo/tempo-backend/internal/observability"
)

// StationClient looks up the nearest ground monitoring station. Lookups are
// best-effort: callers must tolerate a nil station and never fail a request
// on a lookup error.
type StationClient interface {
	NearestStation(ctx context.Context, coord models.Coordinate, radiusMeters int) (*models.Station, error)
}

// OpenAQClient calls the OpenAQ v3 locations API.
type OpenAQClient struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewOpenAQClient creates a client for the given base URL
// (e.g. "https://api.openaq.org/v3"). An empty API key is allowed; the
// upstream then serves heavily rate-limited anonymous requests.
func NewOpenAQClient(apiKey, baseURL string, timeout time.Duration) *OpenAQClient {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &OpenAQClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// openAQLocationsResponse is the subset of the locations payload we consume.
type openAQLocationsResponse struct {
	Results []models.Station `json:"results"`
}

// NearestStation returns the closest station within radiusMeters of coord,
// or nil when none is registered there.
func (c *OpenAQClient) NearestStation(ctx context.Context, coord models.Coordinate, radiusMeters int) (*models.Station, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("coordinates", fmt.Sprintf("%s,%s",
		strconv.FormatFloat(coord.Lat, 'f', -1, 64),
		strconv.FormatFloat(coord.Lon, 'f', -1, 64)))
	params.Set("radius", strconv.Itoa(radiusMeters))
	params.Set("limit", "1")

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/locations?"+params.Encode(), nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("openaq", "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("openaq", "error").Inc()
		observability.UpstreamDuration.WithLabelValues("openaq", "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues("openaq", status).Inc()
	observability.UpstreamDuration.WithLabelValues("openaq", status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var payload openAQLocationsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(payload.Results) == 0 {
		// No station near this coordinate. Not an error.
		return nil, nil
	}
	return &payload.Results[0], nil
}
