package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/globaltempo/tempo-backend/internal/models"
)

func newTestClient(t *testing.T, baseURL string) *OpenWeatherClient {
	t.Helper()
	c, err := NewOpenWeatherClient("test-key", baseURL, DefaultTimeouts())
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// TestNewOpenWeatherClient_RequiresKey verifies construction fails without a key.
func TestNewOpenWeatherClient_RequiresKey(t *testing.T) {
	_, err := NewOpenWeatherClient("", "http://example", DefaultTimeouts())
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("error = %v, want ErrInvalidAPIKey", err)
	}
}

// TestCurrentPollution_Success verifies payload decoding and query parameters.
func TestCurrentPollution_Success(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"coord":{"lat":40.7,"lon":-74},"list":[{"main":{"aqi":2},"components":{"pm2_5":12.5,"o3":80},"dt":1700000000}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	data, err := c.CurrentPollution(context.Background(), models.Coordinate{Lat: 40.7, Lon: -74})
	if err != nil {
		t.Fatalf("CurrentPollution() error = %v", err)
	}
	if gotPath != "/air_pollution" {
		t.Errorf("path = %q, want /air_pollution", gotPath)
	}
	for _, want := range []string{"lat=40.7", "lon=-74", "appid=test-key"} {
		if !containsParam(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
	if len(data.List) != 1 {
		t.Fatalf("List length = %d, want 1", len(data.List))
	}
	if data.List[0].Components.PM25 != 12.5 {
		t.Errorf("PM25 = %v, want 12.5", data.List[0].Components.PM25)
	}
}

// TestCurrentPollution_EmptyList verifies an empty sample list maps to ErrNoData.
func TestCurrentPollution_EmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"coord":{"lat":0,"lon":0},"list":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CurrentPollution(context.Background(), models.Coordinate{})
	if !errors.Is(err, ErrNoData) {
		t.Errorf("error = %v, want ErrNoData", err)
	}
}

// TestCurrentWeather_MetricUnits verifies the units parameter is added.
func TestCurrentWeather_MetricUnits(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"name":"New York","main":{"temp":21.5,"humidity":60},"weather":[{"main":"Clear","description":"clear sky"}],"wind":{"speed":3.1}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	data, err := c.CurrentWeather(context.Background(), models.Coordinate{Lat: 40.7, Lon: -74})
	if err != nil {
		t.Fatalf("CurrentWeather() error = %v", err)
	}
	if !containsParam(gotQuery, "units=metric") {
		t.Errorf("query %q missing units=metric", gotQuery)
	}
	if data.Name != "New York" {
		t.Errorf("Name = %q, want New York", data.Name)
	}
	if data.Main.Temp != 21.5 {
		t.Errorf("Temp = %v, want 21.5", data.Main.Temp)
	}
}

// TestPollutionHistory_Params verifies the epoch range is forwarded.
func TestPollutionHistory_Params(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"coord":{"lat":0,"lon":0},"list":[{"main":{"aqi":1},"components":{},"dt":1700000000}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.PollutionHistory(context.Background(), models.Coordinate{}, 1700000000, 1700604800)
	if err != nil {
		t.Fatalf("PollutionHistory() error = %v", err)
	}
	if !containsParam(gotQuery, "start=1700000000") || !containsParam(gotQuery, "end=1700604800") {
		t.Errorf("query %q missing start/end range", gotQuery)
	}
}

// TestCall_ErrorMapping verifies status codes map to sentinel errors.
func TestCall_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrInvalidAPIKey},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrUpstreamFailure},
		{http.StatusBadGateway, ErrUpstreamFailure},
		{http.StatusNotFound, ErrUpstreamFailure},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := newTestClient(t, srv.URL)
		_, err := c.CurrentWeather(context.Background(), models.Coordinate{})
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: error = %v, want %v", tt.status, err, tt.want)
		}
		srv.Close()
	}
}

// TestCall_Timeout verifies the per-call deadline aborts a slow upstream.
func TestCall_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewOpenWeatherClient("test-key", srv.URL, Timeouts{
		Pollution: 20 * time.Millisecond,
		Weather:   20 * time.Millisecond,
		Forecast:  20 * time.Millisecond,
		History:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}

	start := time.Now()
	_, err = c.CurrentWeather(context.Background(), models.Coordinate{})
	if err == nil {
		t.Fatal("CurrentWeather() error = nil, want timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("call took %v, deadline not enforced", elapsed)
	}
}

// TestCall_CorrelationHeader verifies the inbound correlation ID propagates.
func TestCall_CorrelationHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Correlation-ID")
		_, _ = w.Write([]byte(`{"name":"x","main":{},"weather":[],"wind":{}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.WithValue(context.Background(), "correlation_id", "corr-123")
	if _, err := c.CurrentWeather(ctx, models.Coordinate{}); err != nil {
		t.Fatalf("CurrentWeather() error = %v", err)
	}
	if gotHeader != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123", gotHeader)
	}
}

func containsParam(query, kv string) bool {
	for _, part := range splitQuery(query) {
		if part == kv {
			return true
		}
	}
	return false
}

func splitQuery(query string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(query); i++ {
		if i == len(query) || query[i] == '&' {
			parts = append(parts, query[start:i])
			start = i + 1
		}
	}
	return parts
}
