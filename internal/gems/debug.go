package gems

import (
	"context"
	"fmt"
	"time"
)

// DebugStep is one entry of the diagnostic trace.
type DebugStep struct {
	Step        int    `json:"step"`
	Action      string `json:"action,omitempty"`
	Result      string `json:"result,omitempty"`
	Value       string `json:"value,omitempty"`
	Count       int    `json:"count,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
	Status      int    `json:"status,omitempty"`
	OK          *bool  `json:"ok,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	IsPNG       *bool  `json:"isPng,omitempty"`
}

// DebugInfo is the /api/gems/{layer}/debug payload: a step-by-step trace of
// the timestamp and download flow, including the exact URLs called and the
// masked API key. Development aid; it talks to the real upstream and bypasses
// both caches and the circuit breaker.
type DebugInfo struct {
	Layer     string      `json:"layer"`
	BaseURL   string      `json:"baseUrl"`
	APIKey    string      `json:"apiKey"`
	ListURL   string      `json:"listUrl,omitempty"`
	ImageURL  string      `json:"imageUrl,omitempty"`
	Cached    bool        `json:"cached"`
	Timestamp string      `json:"timestamp,omitempty"`
	Steps     []DebugStep `json:"steps"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
}

// Debug walks the fetch pipeline for layer and records each step's outcome,
// including the raw HTTP status and content type of both upstream calls. The
// error return covers only unknown layers; upstream failures are reported
// inside the trace.
func (s *Service) Debug(ctx context.Context, layer string) (DebugInfo, error) {
	baseURL, ok := s.layers[layer]
	if !ok {
		return DebugInfo{}, fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
	}

	now := time.Now()
	s.mu.Lock()
	img, cached := s.images[layer]
	s.mu.Unlock()

	info := DebugInfo{
		Layer:   layer,
		BaseURL: baseURL,
		Cached:  cached && now.Before(img.expiresAt),
	}

	info.Steps = append(info.Steps, DebugStep{Step: 1, Action: "fetching timestamp list"})
	trace, err := s.client.Trace(ctx, baseURL, s.listWindow)
	info.APIKey = trace.MaskedKey
	info.ListURL = trace.List.URL
	if trace.List.Status != 0 {
		listOK := trace.List.OK
		info.Steps = append(info.Steps, DebugStep{
			Step:        1,
			Status:      trace.List.Status,
			OK:          &listOK,
			ContentType: trace.List.ContentType,
		})
	}
	if trace.Timestamp != "" {
		info.Steps = append(info.Steps, DebugStep{Step: 1, Result: "success", Count: trace.Count})
		info.Timestamp = trace.Timestamp
		info.Steps = append(info.Steps, DebugStep{Step: 2, Action: "latest timestamp", Value: trace.Timestamp})

		info.ImageURL = trace.Image.URL
		info.Steps = append(info.Steps, DebugStep{Step: 3, Action: "fetching image"})
		if trace.Image.Status != 0 {
			imageOK := trace.Image.OK
			info.Steps = append(info.Steps, DebugStep{
				Step:        3,
				Status:      trace.Image.Status,
				OK:          &imageOK,
				ContentType: trace.Image.ContentType,
			})
		}
	}
	if err != nil {
		info.Error = err.Error()
		return info, nil
	}

	isPNG := trace.IsPNG
	info.Steps = append(info.Steps, DebugStep{Step: 3, Result: "success", Bytes: trace.Bytes, IsPNG: &isPNG})
	info.Success = true
	return info, nil
}
