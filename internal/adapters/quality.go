package adapters

import (
	"context"

	"github.com/scholarly/ingestd/internal/breaker"
	"github.com/scholarly/ingestd/internal/config"
)

// HTTPQuality calls an opaque OCR-quality scoring service, used both for
// the post-OCR quality assessment and as the tiebreaker between two
// plausible OCR language candidates.
type HTTPQuality struct {
	caller  httpCaller
	breaker *breaker.Breaker
}

// NewHTTPQuality builds a Quality adapter bound to cfg.Adapters.Quality.
func NewHTTPQuality(cfg config.Config, br *breaker.Breaker) *HTTPQuality {
	return &HTTPQuality{
		caller:  newHTTPCaller("quality", cfg.Adapters.Quality, cfg.Timeouts.Quality, cfg.Retry),
		breaker: br,
	}
}

type qualityRequest struct {
	PDFPath string `json:"pdf_path"`
	Page    int    `json:"page"`
}

type qualityResponse struct {
	Quality    string  `json:"quality"`
	Confidence float64 `json:"confidence"`
}

// Score scores the legibility of page's OCR pass, returning good|fair|poor.
func (q *HTTPQuality) Score(ctx context.Context, pdfPath string, page int) (QualityResult, error) {
	var resp qualityResponse
	err := q.breaker.Execute(ctx, "quality", func(ctx context.Context) error {
		return q.caller.postJSON(ctx, "/score", qualityRequest{PDFPath: pdfPath, Page: page}, &resp)
	})
	if err != nil {
		return QualityResult{}, err
	}
	return QualityResult{Quality: resp.Quality, Confidence: resp.Confidence}, nil
}
