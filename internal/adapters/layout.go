package adapters

import (
	"context"

	"github.com/scholarly/ingestd/internal/breaker"
	"github.com/scholarly/ingestd/internal/config"
)

// HTTPLayout calls an opaque layout-analysis service.
type HTTPLayout struct {
	caller  httpCaller
	breaker *breaker.Breaker
}

// NewHTTPLayout builds a Layout adapter bound to cfg.Adapters.Layout.
func NewHTTPLayout(cfg config.Config, br *breaker.Breaker) *HTTPLayout {
	return &HTTPLayout{
		caller:  newHTTPCaller("layout", cfg.Adapters.Layout, cfg.Timeouts.Layout, cfg.Retry),
		breaker: br,
	}
}

type layoutRequest struct {
	PDFPath string `json:"pdf_path"`
}

type layoutResponse struct {
	PageCount  int    `json:"page_count"`
	LayoutJSON string `json:"layout_json"`
}

// Analyze returns the structured layout payload for pdfPath.
func (l *HTTPLayout) Analyze(ctx context.Context, pdfPath string) (LayoutResult, error) {
	var resp layoutResponse
	err := l.breaker.Execute(ctx, "layout", func(ctx context.Context) error {
		return l.caller.postJSON(ctx, "/analyze", layoutRequest{PDFPath: pdfPath}, &resp)
	})
	if err != nil {
		return LayoutResult{}, err
	}
	return LayoutResult{PageCount: resp.PageCount, LayoutJSON: resp.LayoutJSON}, nil
}
