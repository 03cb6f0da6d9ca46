package adapters

import (
	"context"

	"github.com/scholarly/ingestd/internal/breaker"
	"github.com/scholarly/ingestd/internal/config"
)

// candidateScripts is the fixed set of ten scripts OCR language
// auto-detection chooses among.
var candidateScripts = []string{
	"latin", "cyrillic", "greek", "han", "hiragana-katakana",
	"hangul", "arabic", "hebrew", "devanagari", "thai",
}

// CandidateScripts returns the fixed ten-script set used for OCR language
// auto-detection.
func CandidateScripts() []string {
	out := make([]string, len(candidateScripts))
	copy(out, candidateScripts)
	return out
}

// HTTPOCR calls an opaque OCR service over HTTP, gated by a circuit breaker.
type HTTPOCR struct {
	caller  httpCaller
	breaker *breaker.Breaker
}

// NewHTTPOCR builds an OCR adapter bound to cfg.Adapters.OCR.
func NewHTTPOCR(cfg config.Config, br *breaker.Breaker) *HTTPOCR {
	return &HTTPOCR{
		caller:  newHTTPCaller("ocr", cfg.Adapters.OCR, cfg.Timeouts.OCR, cfg.Retry),
		breaker: br,
	}
}

type ocrRequest struct {
	PDFPath            string   `json:"pdf_path"`
	CandidateLanguages []string `json:"candidate_languages"`
}

type ocrResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Run performs OCR over pdfPath, auto-detecting language among
// candidateLanguages (defaulting to the full ten-script set).
func (o *HTTPOCR) Run(ctx context.Context, pdfPath string, candidateLanguages []string) (OCRResult, error) {
	if len(candidateLanguages) == 0 {
		candidateLanguages = CandidateScripts()
	}
	var resp ocrResponse
	err := o.breaker.Execute(ctx, "ocr", func(ctx context.Context) error {
		return o.caller.postJSON(ctx, "/ocr", ocrRequest{PDFPath: pdfPath, CandidateLanguages: candidateLanguages}, &resp)
	})
	if err != nil {
		return OCRResult{}, err
	}
	return OCRResult{Text: resp.Text, Language: resp.Language}, nil
}
