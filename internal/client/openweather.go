package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/globaltempo/tempo-backend/internal/models"
	"github.com/globaltempo/tempo-backend/internal/observability"
)

// AirDataClient is the OpenWeatherMap surface the aggregator fans out to.
// Each call is a single attempt bounded by its own deadline; there is no
// retry policy at this layer.
type AirDataClient interface {
	CurrentPollution(ctx context.Context, coord models.Coordinate) (models.PollutionData, error)
	CurrentWeather(ctx context.Context, coord models.Coordinate) (models.WeatherData, error)
	PollutionForecast(ctx context.Context, coord models.Coordinate) (models.PollutionData, error)
	PollutionHistory(ctx context.Context, coord models.Coordinate, startEpoch, endEpoch int64) (models.PollutionData, error)
}

// Timeouts holds the per-call deadlines for the OpenWeatherMap endpoints.
type Timeouts struct {
	Pollution time.Duration
	Weather   time.Duration
	Forecast  time.Duration
	History   time.Duration
}

// DefaultTimeouts matches the per-source budgets the dashboard was tuned for.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Pollution: 5 * time.Second,
		Weather:   5 * time.Second,
		Forecast:  8 * time.Second,
		History:   10 * time.Second,
	}
}

// OpenWeatherClient calls the OpenWeatherMap pollution and weather endpoints.
type OpenWeatherClient struct {
	apiKey   string
	baseURL  string
	timeouts Timeouts
	client   *http.Client
}

// NewOpenWeatherClient creates a client for the given API base URL
// (e.g. "https://api.openweathermap.org/data/2.5").
func NewOpenWeatherClient(apiKey, baseURL string, timeouts Timeouts) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if timeouts.Pollution <= 0 {
		timeouts = DefaultTimeouts()
	}
	return &OpenWeatherClient{
		apiKey:   apiKey,
		baseURL:  baseURL,
		timeouts: timeouts,
		client:   &http.Client{},
	}, nil
}

// CurrentPollution returns the latest pollutant sample set for the coordinate.
func (c *OpenWeatherClient) CurrentPollution(ctx context.Context, coord models.Coordinate) (models.PollutionData, error) {
	var out models.PollutionData
	err := c.call(ctx, "pollution", "/air_pollution", c.coordParams(coord), c.timeouts.Pollution, &out)
	if err != nil {
		return models.PollutionData{}, err
	}
	if len(out.List) == 0 {
		return models.PollutionData{}, fmt.Errorf("current pollution: %w", ErrNoData)
	}
	return out, nil
}

// CurrentWeather returns current conditions (metric units) for the coordinate.
func (c *OpenWeatherClient) CurrentWeather(ctx context.Context, coord models.Coordinate) (models.WeatherData, error) {
	params := c.coordParams(coord)
	params.Set("units", "metric")
	var out models.WeatherData
	if err := c.call(ctx, "weather", "/weather", params, c.timeouts.Weather, &out); err != nil {
		return models.WeatherData{}, err
	}
	return out, nil
}

// PollutionForecast returns the hourly pollutant forecast for the coordinate.
func (c *OpenWeatherClient) PollutionForecast(ctx context.Context, coord models.Coordinate) (models.PollutionData, error) {
	var out models.PollutionData
	err := c.call(ctx, "forecast", "/air_pollution/forecast", c.coordParams(coord), c.timeouts.Forecast, &out)
	if err != nil {
		return models.PollutionData{}, err
	}
	if len(out.List) == 0 {
		return models.PollutionData{}, fmt.Errorf("pollution forecast: %w", ErrNoData)
	}
	return out, nil
}

// PollutionHistory returns pollutant samples between startEpoch and endEpoch.
func (c *OpenWeatherClient) PollutionHistory(ctx context.Context, coord models.Coordinate, startEpoch, endEpoch int64) (models.PollutionData, error) {
	params := c.coordParams(coord)
	params.Set("start", strconv.FormatInt(startEpoch, 10))
	params.Set("end", strconv.FormatInt(endEpoch, 10))
	var out models.PollutionData
	err := c.call(ctx, "history", "/air_pollution/history", params, c.timeouts.History, &out)
	if err != nil {
		return models.PollutionData{}, err
	}
	return out, nil
}

func (c *OpenWeatherClient) coordParams(coord models.Coordinate) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(coord.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(coord.Lon, 'f', -1, 64))
	params.Set("appid", c.apiKey)
	return params
}

// call issues one GET against path with the given deadline and decodes the
// JSON body into out. source labels the upstream metrics.
func (c *OpenWeatherClient) call(ctx context.Context, source, path string, params url.Values, timeout time.Duration, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(source, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.UpstreamCallsTotal.WithLabelValues(source, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(source, "error").Observe(duration)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(source, status).Inc()
	observability.UpstreamDuration.WithLabelValues(source, status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// handleErrorResponse maps non-2xx status codes to sentinel errors.
func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: rejected by upstream", ErrInvalidAPIKey)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}
