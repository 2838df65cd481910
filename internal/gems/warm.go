package gems

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/globaltempo/tempo-backend/internal/observability"
)

// WarmResult is the outcome of warming one layer.
type WarmResult struct {
	Layer string `json:"layer"`
	Bytes int    `json:"bytes,omitempty"`
	Err   error  `json:"-"`
}

// WarmAll pre-populates the image cache for every configured layer. Layers
// are fetched concurrently and a failure on one never aborts the others; each
// outcome is logged and returned. The scheduler in cmd/server drives this on
// an interval, and it can be invoked directly in tests.
func (s *Service) WarmAll(ctx context.Context) []WarmResult {
	observability.WarmCyclesTotal.Inc()
	layers := s.Layers()
	s.logger.Info("warming image cache", zap.Int("layers", len(layers)))

	results := make([]WarmResult, len(layers))
	var wg sync.WaitGroup
	for i, layer := range layers {
		i, layer := i, layer
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := s.GetImage(ctx, layer)
			if err != nil {
				s.logger.Warn("warm failed", zap.String("layer", layer), zap.Error(err))
				results[i] = WarmResult{Layer: layer, Err: err}
				return
			}
			s.logger.Info("warmed layer", zap.String("layer", layer), zap.Int("bytes", len(data)))
			results[i] = WarmResult{Layer: layer, Bytes: len(data)}
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		observability.WarmErrorsTotal.Inc()
	}
	s.logger.Info("image cache warm complete", zap.Int("layers", len(layers)), zap.Int("errors", failed))
	return results
}
