package adapters

import (
	"context"
	"sync"

	"github.com/scholarly/ingestd/internal/breaker"
	"github.com/scholarly/ingestd/internal/config"
)

// HTTPEmbedder calls an opaque embedding service. A single instance is
// shared process-wide; the underlying http.Client is already safe for
// concurrent use, so no additional locking is needed beyond what
// embedderOnce gives construction.
type HTTPEmbedder struct {
	caller    httpCaller
	breaker   *breaker.Breaker
	modelName string
	dimension int
}

var (
	embedderOnce     sync.Once
	embedderSingleton *HTTPEmbedder
)

// NewHTTPEmbedder builds (or returns, on repeat calls) the process-wide
// Embedder singleton bound to cfg.Adapters.Embedder.
func NewHTTPEmbedder(cfg config.Config, br *breaker.Breaker, modelName string, dimension int) *HTTPEmbedder {
	embedderOnce.Do(func() {
		embedderSingleton = &HTTPEmbedder{
			caller:    newHTTPCaller("embedder", cfg.Adapters.Embedder, cfg.Timeouts.Embedder, cfg.Retry),
			breaker:   br,
			modelName: modelName,
			dimension: dimension,
		}
	})
	return embedderSingleton
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

// Embed turns text into a fixed-dimension vector via the embedding service.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	err := e.breaker.Execute(ctx, "embedder", func(ctx context.Context) error {
		return e.caller.postJSON(ctx, "/embed", embedRequest{Text: text}, &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.Vector, nil
}

// Dimension reports the fixed vector length this embedder produces.
func (e *HTTPEmbedder) Dimension() int { return e.dimension }

// ModelName identifies the embedding model for provenance fields.
func (e *HTTPEmbedder) ModelName() string { return e.modelName }
