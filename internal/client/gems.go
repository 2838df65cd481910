package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/globaltempo/tempo-backend/internal/observability"
)

// ImageryClient is the GEMS satellite imagery surface: list available frame
// timestamps for a layer's base URL, then download one frame. Timestamps
// returns at least one entry or an error; implementations never return an
// empty list with a nil error. Trace walks the same flow while recording the
// raw request detail for the debug endpoint.
type ImageryClient interface {
	Timestamps(ctx context.Context, baseURL string, window time.Duration) ([]string, error)
	DownloadImage(ctx context.Context, baseURL, timestamp string) ([]byte, error)
	Trace(ctx context.Context, baseURL string, window time.Duration) (GEMSTrace, error)
}

// TraceStep records one raw request of a connectivity trace: the exact URL
// called and the response detail.
type TraceStep struct {
	URL         string
	Status      int
	OK          bool
	ContentType string
}

// GEMSTrace is the outcome of a full listing-and-download walk. Fields are
// filled as far as the walk got; zero values mark where it stopped.
type GEMSTrace struct {
	MaskedKey string
	List      TraceStep
	Count     int
	Timestamp string
	Image     TraceStep
	Bytes     int
	IsPNG     bool
}

// pngMagic is the PNG file signature prefix.
var pngMagic = []byte{0x89, 0x50, 0x4e, 0x47}

// minImageBytes guards against HTML error pages served with status 200.
const minImageBytes = 100

// The GEMS endpoints reject Go's default User-Agent.
const gemsUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// GEMSClient calls the NIER GEMS imagery API. Both operations share one
// authentication key; base URLs differ per layer.
type GEMSClient struct {
	apiKey          string
	listTimeout     time.Duration
	downloadTimeout time.Duration
	client          *http.Client
}

// NewGEMSClient creates a GEMS client. Timeouts fall back to 10s for the
// timestamp listing and 25s for image downloads when zero.
func NewGEMSClient(apiKey string, listTimeout, downloadTimeout time.Duration) (*GEMSClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: GEMS API key is required", ErrInvalidAPIKey)
	}
	if listTimeout <= 0 {
		listTimeout = 10 * time.Second
	}
	if downloadTimeout <= 0 {
		downloadTimeout = 25 * time.Second
	}
	return &GEMSClient{
		apiKey:          apiKey,
		listTimeout:     listTimeout,
		downloadTimeout: downloadTimeout,
		client:          &http.Client{},
	}, nil
}

// gemsFileList is the getFileDateList.do response shape.
type gemsFileList struct {
	List []struct {
		Item string `json:"item"`
	} `json:"list"`
}

// gemsStampFormat renders an instant as the yyyymmddHHMM stamps the API uses.
const gemsStampFormat = "200601021504"

// Timestamps lists the frame timestamps available for the layer within the
// trailing window, sorted ascending. The caller picks the last entry for the
// most recent frame. An empty upstream list is an ErrNoData error.
func (c *GEMSClient) Timestamps(ctx context.Context, baseURL string, window time.Duration) ([]string, error) {
	body, err := c.get(ctx, "gems_list", c.listURL(baseURL, window), c.listTimeout)
	if err != nil {
		return nil, err
	}
	return parseStamps(body)
}

// listURL builds the getFileDateList.do URL for the trailing window.
func (c *GEMSClient) listURL(baseURL string, window time.Duration) string {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := time.Now().UTC()
	params := url.Values{}
	params.Set("sDate", now.Add(-window).Format(gemsStampFormat))
	params.Set("eDate", now.Format(gemsStampFormat))
	params.Set("format", "json")
	params.Set("key", c.apiKey)
	return baseURL + "/getFileDateList.do?" + params.Encode()
}

// imageURL builds the getFileItem.do URL for one frame.
func (c *GEMSClient) imageURL(baseURL, timestamp string) string {
	params := url.Values{}
	params.Set("date", timestamp)
	params.Set("key", c.apiKey)
	return baseURL + "/getFileItem.do?" + params.Encode()
}

func parseStamps(body []byte) ([]string, error) {
	var payload gemsFileList
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse timestamp list: %w", err)
	}
	if len(payload.List) == 0 {
		return nil, fmt.Errorf("timestamp list: %w", ErrNoData)
	}
	stamps := make([]string, 0, len(payload.List))
	for _, item := range payload.List {
		stamps = append(stamps, item.Item)
	}
	sort.Strings(stamps)
	return stamps, nil
}

// DownloadImage fetches the frame for timestamp. Bodies at or below the
// minimum size are rejected; use IsPNG to check the signature (a mismatch is
// a warning condition, not a failure).
func (c *GEMSClient) DownloadImage(ctx context.Context, baseURL, timestamp string) ([]byte, error) {
	body, err := c.get(ctx, "gems_image", c.imageURL(baseURL, timestamp), c.downloadTimeout)
	if err != nil {
		return nil, err
	}
	if len(body) < minImageBytes {
		return nil, fmt.Errorf("image too small (%d bytes): %w", len(body), ErrNoData)
	}
	return body, nil
}

// IsPNG reports whether data starts with the PNG file signature.
func IsPNG(data []byte) bool {
	return len(data) >= len(pngMagic) && bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// MaskedKey renders the configured API key for diagnostic output with only a
// short prefix visible.
func (c *GEMSClient) MaskedKey() string {
	if c.apiKey == "" {
		return "NOT SET"
	}
	key := c.apiKey
	if len(key) > 10 {
		key = key[:10]
	}
	return key + "..."
}

// Trace walks the listing and download flow with the same URLs the normal
// path uses, recording each response's status and content type instead of
// hiding them behind the sentinel mapping. Diagnostic path for the debug
// endpoint.
func (c *GEMSClient) Trace(ctx context.Context, baseURL string, window time.Duration) (GEMSTrace, error) {
	tr := GEMSTrace{MaskedKey: c.MaskedKey()}

	tr.List.URL = c.listURL(baseURL, window)
	body, err := c.rawGet(ctx, tr.List.URL, c.listTimeout, &tr.List)
	if err != nil {
		return tr, err
	}
	stamps, err := parseStamps(body)
	if err != nil {
		return tr, err
	}
	tr.Count = len(stamps)
	tr.Timestamp = stamps[len(stamps)-1]

	tr.Image.URL = c.imageURL(baseURL, tr.Timestamp)
	body, err = c.rawGet(ctx, tr.Image.URL, c.downloadTimeout, &tr.Image)
	if err != nil {
		return tr, err
	}
	tr.Bytes = len(body)
	tr.IsPNG = IsPNG(body)
	return tr, nil
}

// rawGet performs one trace request, filling step with the response detail.
// Non-2xx statuses are recorded in step and returned as errors.
func (c *GEMSClient) rawGet(ctx context.Context, rawURL string, timeout time.Duration, step *TraceStep) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", gemsUserAgent)
	req.Header.Set("Accept", "application/json, image/png, */*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	step.Status = resp.StatusCode
	step.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
	step.ContentType = resp.Header.Get("Content-Type")

	if !step.OK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *GEMSClient) get(ctx context.Context, source, rawURL string, timeout time.Duration) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(source, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", gemsUserAgent)
	req.Header.Set("Accept", "application/json, image/png, */*")

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(source, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(source, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(source, status).Inc()
	observability.UpstreamDuration.WithLabelValues(source, status).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
