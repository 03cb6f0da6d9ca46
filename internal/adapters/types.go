// Package adapters wraps the system's external-service collaborators — OCR,
// OCR-quality scoring, layout analysis, LLM metadata extraction, and the
// embedder — behind small capability interfaces. Each concrete adapter is an
// HTTP client guarded by a circuit breaker and a bounded retry loop.
package adapters

import "context"

// OCRResult is the outcome of an OCR pass over a PDF.
type OCRResult struct {
	Text     string
	Language string
}

// OCR runs optical character recognition when a PDF has no usable text layer.
type OCR interface {
	Run(ctx context.Context, pdfPath string, candidateLanguages []string) (OCRResult, error)
}

// QualityResult is the OCR-quality scorer's verdict for one page.
type QualityResult struct {
	Quality    string // good|fair|poor|unknown, matches model.OCRQuality
	Confidence float64
}

// Quality scores the legibility of an OCR pass.
type Quality interface {
	Score(ctx context.Context, pdfPath string, page int) (QualityResult, error)
}

// LayoutResult is the structured layout payload for a document.
type LayoutResult struct {
	PageCount  int
	LayoutJSON string
}

// Layout analyzes a PDF's structural layout (columns, figures, headers).
type Layout interface {
	Analyze(ctx context.Context, pdfPath string) (LayoutResult, error)
}

// MetadataResult is one cascade tier's extracted bibliographic record.
type MetadataResult struct {
	Title    string
	Authors  []string
	Journal  string
	Year     int
	DOI      string
	Abstract string
}

// MetadataTier is one step of the structured-LLM -> simple-LLM -> rule-based
// cascade; each tier either returns a result or reports it has nothing.
type MetadataTier interface {
	Name() string
	Extract(ctx context.Context, firstPages string) (MetadataResult, bool, error)
}

// Embedder turns page text into a fixed-dimension vector. Implementations
// must be safe for concurrent use; callers never know whether a given
// implementation serializes or parallelizes underneath.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
}
