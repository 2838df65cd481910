package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/globaltempo/tempo-backend/internal/cache"
	"github.com/globaltempo/tempo-backend/internal/client"
	"github.com/globaltempo/tempo-backend/internal/gems"
	"github.com/globaltempo/tempo-backend/internal/models"
	"github.com/globaltempo/tempo-backend/internal/service"
)

type mockAirClient struct {
	pollution    models.PollutionData
	pollutionErr error
	weather      models.WeatherData
	weatherErr   error
	forecast     models.PollutionData
	forecastErr  error
	history      models.PollutionData
	historyErr   error
}

func (m *mockAirClient) CurrentPollution(ctx context.Context, coord models.Coordinate) (models.PollutionData, error) {
	return m.pollution, m.pollutionErr
}

func (m *mockAirClient) CurrentWeather(ctx context.Context, coord models.Coordinate) (models.WeatherData, error) {
	return m.weather, m.weatherErr
}

func (m *mockAirClient) PollutionForecast(ctx context.Context, coord models.Coordinate) (models.PollutionData, error) {
	return m.forecast, m.forecastErr
}

func (m *mockAirClient) PollutionHistory(ctx context.Context, coord models.Coordinate, startEpoch, endEpoch int64) (models.PollutionData, error) {
	return m.history, m.historyErr
}

type mockStationClient struct {
	station *models.Station
	err     error
}

func (m *mockStationClient) NearestStation(ctx context.Context, coord models.Coordinate, radiusMeters int) (*models.Station, error) {
	return m.station, m.err
}

type mockImageryClient struct {
	stamps    []string
	stampsErr error
	image     []byte
	imageErr  error
}

func (m *mockImageryClient) Timestamps(ctx context.Context, baseURL string, window time.Duration) ([]string, error) {
	return m.stamps, m.stampsErr
}

func (m *mockImageryClient) DownloadImage(ctx context.Context, baseURL, timestamp string) ([]byte, error) {
	return m.image, m.imageErr
}

func (m *mockImageryClient) Trace(ctx context.Context, baseURL string, window time.Duration) (client.GEMSTrace, error) {
	tr := client.GEMSTrace{MaskedKey: "testkey-ab..."}
	tr.List = client.TraceStep{URL: baseURL + "/getFileDateList.do", Status: 200, OK: true, ContentType: "application/json"}
	if m.stampsErr != nil {
		tr.List.Status = 500
		tr.List.OK = false
		return tr, m.stampsErr
	}
	if len(m.stamps) == 0 {
		return tr, client.ErrNoData
	}
	tr.Count = len(m.stamps)
	tr.Timestamp = m.stamps[len(m.stamps)-1]
	tr.Image = client.TraceStep{URL: baseURL + "/getFileItem.do", Status: 200, OK: true, ContentType: "image/png"}
	if m.imageErr != nil {
		tr.Image.Status = 502
		tr.Image.OK = false
		return tr, m.imageErr
	}
	tr.Bytes = len(m.image)
	tr.IsPNG = client.IsPNG(m.image)
	return tr, nil
}

func healthyAir() *mockAirClient {
	sample := models.PollutionData{
		Coord: models.Coordinate{Lat: 40.7, Lon: -74},
		List: []models.PollutantSample{
			{Main: models.SampleIndex{AQI: 2}, Components: models.Components{PM25: 40}, Dt: 1700000000},
		},
	}
	return &mockAirClient{
		pollution: sample,
		forecast:  sample,
		history:   sample,
		weather: models.WeatherData{
			Name: "NYC",
			Main: models.WeatherMain{Temp: 18}},
	}
}

func pngBytes(size int) []byte {
	data := make([]byte, size)
	copy(data, []byte{0x89, 0x50, 0x4e, 0x47})
	return data
}

func newTestHandler(air client.AirDataClient, stations client.StationClient, imagery client.ImageryClient, exposeDebug bool) *Handler {
	logger := zap.NewNop()
	agg := service.NewAggregator(air, stations, 0, logger)
	svc := service.NewService(agg, cache.NewInMemoryCache(), 5*time.Minute, 0, logger)
	imgSvc := gems.New(imagery, gems.Config{
		Layers: map[string]string{"o3": "https://example.test/o3"},
	}, logger)
	return NewHandler(svc, imgSvc, logger, time.Minute, exposeDebug)
}

func newTestRouter(air client.AirDataClient, stations client.StationClient, imagery client.ImageryClient) *mux.Router {
	h := newTestHandler(air, stations, imagery, true)

	router := mux.NewRouter()
	router.HandleFunc("/api/data", h.GetData).Methods("GET")
	router.HandleFunc("/api/forecast", h.GetForecast).Methods("GET")
	router.HandleFunc("/api/historical", h.GetHistorical).Methods("GET")
	router.HandleFunc("/api/complete", h.GetComplete).Methods("GET")
	router.HandleFunc("/api/gems/{layer}/image", h.GetGemsImage).Methods("GET")
	router.HandleFunc("/api/gems/{layer}/bounds", h.GetGemsBounds).Methods("GET")
	router.HandleFunc("/api/gems/{layer}/debug", h.GetGemsDebug).Methods("GET")
	router.HandleFunc("/api/health", h.GetHealth).Methods("GET")
	router.HandleFunc("/api/cache-stats", h.GetCacheStats).Methods("GET")
	return router
}

func doRequest(router *mux.Router, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", url, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestGetData_Success verifies the merged payload and content type.
func TestGetData_Success(t *testing.T) {
	router := newTestRouter(healthyAir(), &mockStationClient{station: &models.Station{ID: 3, Name: "Midtown"}}, &mockImageryClient{})

	w := doRequest(router, "/api/data?lat=40.7&lon=-74")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var out models.CurrentResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Location != "NYC" {
		t.Errorf("Location = %q, want NYC", out.Location)
	}
	if out.AirQuality == nil || out.AirQuality.Name != "Midtown" {
		t.Errorf("AirQuality = %+v, want Midtown", out.AirQuality)
	}
}

// TestGetData_MissingCoordinates verifies a 400 with the flat error body and
// no upstream call.
func TestGetData_MissingCoordinates(t *testing.T) {
	air := &mockAirClient{pollutionErr: errors.New("must not be called")}
	router := newTestRouter(air, &mockStationClient{}, &mockImageryClient{})

	for _, url := range []string{"/api/data", "/api/data?lat=40.7", "/api/data?lon=-74"} {
		w := doRequest(router, url)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", url, w.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("%s: decode: %v", url, err)
		}
		if body["error"] == "" {
			t.Errorf("%s: error message missing: %v", url, body)
		}
	}
}

// TestGetData_InvalidCoordinates covers non-numeric and out-of-range input.
func TestGetData_InvalidCoordinates(t *testing.T) {
	router := newTestRouter(healthyAir(), &mockStationClient{}, &mockImageryClient{})

	for _, url := range []string{"/api/data?lat=abc&lon=10", "/api/data?lat=91&lon=10", "/api/data?lat=10&lon=181"} {
		if w := doRequest(router, url); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", url, w.Code)
		}
	}
}

// TestGetData_EssentialFailure verifies an upstream failure maps to a 500
// with a generic error body.
func TestGetData_EssentialFailure(t *testing.T) {
	air := healthyAir()
	air.weatherErr = client.ErrUpstreamFailure
	router := newTestRouter(air, &mockStationClient{}, &mockImageryClient{})

	w := doRequest(router, "/api/data?lat=1&lon=2")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["error"] != "Failed to fetch current data" {
		t.Errorf("error = %q, want generic message", body["error"])
	}
}

// TestGetComplete_PartialFailure verifies the degraded payload on the wire:
// location and current survive, the failed sections are JSON null, and the
// timestamp is present.
func TestGetComplete_PartialFailure(t *testing.T) {
	air := healthyAir()
	air.forecastErr = client.ErrUpstreamFailure
	air.historyErr = context.DeadlineExceeded
	router := newTestRouter(air, &mockStationClient{err: errors.New("down")}, &mockImageryClient{})

	w := doRequest(router, "/api/complete?lat=40.7&lon=-74")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out["location"]) != `"NYC"` {
		t.Errorf("location = %s, want \"NYC\"", out["location"])
	}
	for _, field := range []string{"forecast", "historical", "airQuality"} {
		if string(out[field]) != "null" {
			t.Errorf("%s = %s, want null", field, out[field])
		}
	}
	var ts int64
	if err := json.Unmarshal(out["timestamp"], &ts); err != nil || ts == 0 {
		t.Errorf("timestamp = %s, want unix millis", out["timestamp"])
	}

	var current models.CurrentBlock
	if err := json.Unmarshal(out["current"], &current); err != nil {
		t.Fatalf("decode current: %v", err)
	}
	if len(current.List) != 1 || current.List[0].Components.PM25 != 40 {
		t.Errorf("current pollution sample missing: %+v", current.List)
	}
}

// TestGetHistorical_DaysClamped verifies out-of-range windows clamp.
func TestGetHistorical_DaysClamped(t *testing.T) {
	router := newTestRouter(healthyAir(), &mockStationClient{}, &mockImageryClient{})

	w := doRequest(router, "/api/historical?lat=1&lon=2&days=45")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var out models.HistoricalResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Period.Days != 30 {
		t.Errorf("Period.Days = %d, want 30", out.Period.Days)
	}
}

// TestGetGemsImage verifies the PNG response headers and 404/503 paths.
func TestGetGemsImage(t *testing.T) {
	imagery := &mockImageryClient{stamps: []string{"202609011200"}, image: pngBytes(512)}
	router := newTestRouter(healthyAir(), &mockStationClient{}, imagery)

	w := doRequest(router, "/api/gems/o3/image")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if cl := w.Header().Get("Content-Length"); cl != "512" {
		t.Errorf("Content-Length = %q, want 512", cl)
	}
	if w.Body.Len() != 512 {
		t.Errorf("body length = %d, want 512", w.Body.Len())
	}

	// Unknown layer.
	if w := doRequest(router, "/api/gems/xyz/image"); w.Code != http.StatusNotFound {
		t.Errorf("unknown layer status = %d, want 404", w.Code)
	}
}

// TestGetGemsImage_Unavailable verifies the 503 body shape on upstream failure.
func TestGetGemsImage_Unavailable(t *testing.T) {
	imagery := &mockImageryClient{stampsErr: client.ErrNoData}
	router := newTestRouter(healthyAir(), &mockStationClient{}, imagery)

	w := doRequest(router, "/api/gems/o3/image")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] == "" || body["message"] == "" || body["layer"] != "o3" {
		t.Errorf("503 body = %v, want error/message/layer fields", body)
	}
}

// TestGetGemsBounds verifies static bounds and the 404 path.
func TestGetGemsBounds(t *testing.T) {
	router := newTestRouter(healthyAir(), &mockStationClient{}, &mockImageryClient{})

	w := doRequest(router, "/api/gems/o3/bounds")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var out gems.BoundsResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Bounds != gems.DefaultBounds {
		t.Errorf("Bounds = %v, want defaults", out.Bounds)
	}

	if w := doRequest(router, "/api/gems/xyz/bounds"); w.Code != http.StatusNotFound {
		t.Errorf("unknown layer status = %d, want 404", w.Code)
	}
}

// TestGetGemsDebug verifies the connectivity trace payload carries the
// request URLs, the masked API key and per-step response detail.
func TestGetGemsDebug(t *testing.T) {
	imagery := &mockImageryClient{stamps: []string{"202609011200"}, image: pngBytes(256)}
	router := newTestRouter(healthyAir(), &mockStationClient{}, imagery)

	w := doRequest(router, "/api/gems/o3/debug")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var info gems.DebugInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !info.Success {
		t.Errorf("success = false: %+v", info)
	}
	if info.APIKey != "testkey-ab..." {
		t.Errorf("apiKey = %q, want masked key", info.APIKey)
	}
	if info.ListURL == "" || info.ImageURL == "" {
		t.Errorf("trace URLs missing: listUrl=%q imageUrl=%q", info.ListURL, info.ImageURL)
	}
	var sawStatus bool
	for _, step := range info.Steps {
		if step.Status != 0 && step.OK != nil && step.ContentType != "" {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Error("no step carries HTTP status detail")
	}
}

// TestGetGemsDebug_Redacted verifies the key-bearing URLs and error detail
// are withheld when debug exposure is off.
func TestGetGemsDebug_Redacted(t *testing.T) {
	imagery := &mockImageryClient{stampsErr: client.ErrUpstreamFailure}
	h := newTestHandler(healthyAir(), &mockStationClient{}, imagery, false)
	router := mux.NewRouter()
	router.HandleFunc("/api/gems/{layer}/debug", h.GetGemsDebug).Methods("GET")

	w := doRequest(router, "/api/gems/o3/debug")
	var info gems.DebugInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ListURL != "" || info.ImageURL != "" {
		t.Errorf("URLs leaked: listUrl=%q imageUrl=%q", info.ListURL, info.ImageURL)
	}
	if info.Error != "upstream error" {
		t.Errorf("error = %q, want generic upstream error", info.Error)
	}
}

// TestGetHealth verifies the health payload shape.
func TestGetHealth(t *testing.T) {
	router := newTestRouter(healthyAir(), &mockStationClient{}, &mockImageryClient{})

	// Populate the response cache first.
	_ = doRequest(router, "/api/data?lat=1&lon=2")

	w := doRequest(router, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var out healthPayload
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" {
		t.Errorf("status = %q, want ok", out.Status)
	}
	if out.Timestamp == "" {
		t.Error("timestamp missing")
	}
	if out.Cache.Keys != 1 {
		t.Errorf("cache keys = %d, want 1", out.Cache.Keys)
	}
}

// TestGetHealth_CachePing verifies memcached reachability is reported when a
// ping is installed and omitted otherwise.
func TestGetHealth_CachePing(t *testing.T) {
	h := newTestHandler(healthyAir(), &mockStationClient{}, &mockImageryClient{}, true)

	get := func() healthPayload {
		t.Helper()
		w := httptest.NewRecorder()
		h.GetHealth(w, httptest.NewRequest("GET", "/api/health", nil))
		var out healthPayload
		if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	if out := get(); out.Cache.Status != "" {
		t.Errorf("cache status = %q without a ping, want empty", out.Cache.Status)
	}

	h.SetCachePing(func() error { return nil })
	if out := get(); out.Cache.Status != "healthy" {
		t.Errorf("cache status = %q, want healthy", out.Cache.Status)
	}

	h.SetCachePing(func() error { return errors.New("connection refused") })
	if out := get(); out.Cache.Status != "unhealthy" {
		t.Errorf("cache status = %q, want unhealthy", out.Cache.Status)
	}
}

// TestGetCacheStats verifies both cache sections appear.
func TestGetCacheStats(t *testing.T) {
	router := newTestRouter(healthyAir(), &mockStationClient{}, &mockImageryClient{})

	w := doRequest(router, "/api/cache-stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := out["weather"]; !ok {
		t.Error("weather stats missing")
	}
	if _, ok := out["gems"]; !ok {
		t.Error("gems stats missing")
	}
}
