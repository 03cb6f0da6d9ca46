package adapters

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/scholarly/ingestd/internal/breaker"
	"github.com/scholarly/ingestd/internal/config"
)

// Validate reports whether a MetadataResult passes the cascade's acceptance
// gate: non-empty title, at least one author, plausible year in
// [1800, current_year+1].
func Validate(m MetadataResult) bool {
	if strings.TrimSpace(m.Title) == "" {
		return false
	}
	if len(m.Authors) == 0 {
		return false
	}
	if m.Year != 0 {
		maxYear := time.Now().Year() + 1
		if m.Year < 1800 || m.Year > maxYear {
			return false
		}
	}
	return true
}

// structuredLLMTier and simpleLLMTier are HTTP-backed cascade tiers; the
// structured tier is expected to return JSON-schema-constrained output,
// the simple tier free-form text the service itself parses before
// returning it to us.
type llmTier struct {
	name    string
	breaker *breaker.Breaker
	caller  httpCaller
}

// NewStructuredLLMTier builds the first (JSON-schema-constrained) cascade tier.
func NewStructuredLLMTier(cfg config.Config, br *breaker.Breaker) MetadataTier {
	return &llmTier{
		name:    "structured-llm",
		breaker: br,
		caller:  newHTTPCaller("structured-llm", cfg.Adapters.StructuredLLM, cfg.Timeouts.LLM, cfg.Retry),
	}
}

// NewSimpleLLMTier builds the second (free-form-then-parsed) cascade tier.
func NewSimpleLLMTier(cfg config.Config, br *breaker.Breaker) MetadataTier {
	return &llmTier{
		name:    "simple-llm",
		breaker: br,
		caller:  newHTTPCaller("simple-llm", cfg.Adapters.SimpleLLM, cfg.Timeouts.LLM, cfg.Retry),
	}
}

func (t *llmTier) Name() string { return t.name }

type metadataRequest struct {
	FirstPages string `json:"first_pages"`
}

type metadataResponse struct {
	Title    string   `json:"title"`
	Authors  []string `json:"authors"`
	Journal  string   `json:"journal"`
	Year     int      `json:"year"`
	DOI      string   `json:"doi"`
	Abstract string   `json:"abstract"`
	Found    bool     `json:"found"`
}

func (t *llmTier) Extract(ctx context.Context, firstPages string) (MetadataResult, bool, error) {
	var resp metadataResponse
	err := t.breaker.Execute(ctx, t.name, func(ctx context.Context) error {
		return t.caller.postJSON(ctx, "/extract", metadataRequest{FirstPages: firstPages}, &resp)
	})
	if err != nil {
		return MetadataResult{}, false, err
	}
	if !resp.Found {
		return MetadataResult{}, false, nil
	}
	result := MetadataResult{
		Title:    resp.Title,
		Authors:  resp.Authors,
		Journal:  resp.Journal,
		Year:     resp.Year,
		DOI:      resp.DOI,
		Abstract: resp.Abstract,
	}
	return result, Validate(result), nil
}

// RuleBasedTier is the last-resort, no-external-dependency cascade tier:
// regex/heuristics over the first two pages. It never calls out, so it has
// no breaker and cannot itself signal ServiceUnavailable — it only ever
// "finds nothing" when the heuristics come up empty.
type RuleBasedTier struct{}

// NewRuleBasedTier builds the final, always-available cascade tier.
func NewRuleBasedTier() MetadataTier { return RuleBasedTier{} }

func (RuleBasedTier) Name() string { return "rule-based" }

var (
	yearPattern = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)
	doiPattern  = regexp.MustCompile(`\b10\.\d{4,9}/\S+\b`)
	byLine      = regexp.MustCompile(`(?i)^\s*by\s+(.+)$`)
)

// Extract applies the heuristic cascade: first non-empty line as title,
// an author line introduced by "by" or a comma-separated name list, the
// first plausible four-digit year, and a DOI pattern if present.
func (RuleBasedTier) Extract(_ context.Context, firstPages string) (MetadataResult, bool, error) {
	lines := strings.Split(firstPages, "\n")
	var result MetadataResult

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if result.Title == "" {
			result.Title = trimmed
			continue
		}
		if m := byLine.FindStringSubmatch(trimmed); len(m) == 2 {
			result.Authors = splitAuthors(m[1])
			continue
		}
		if result.Authors == nil && looksLikeAuthorList(trimmed) {
			result.Authors = splitAuthors(trimmed)
		}
	}

	if m := yearPattern.FindString(firstPages); m != "" {
		if y, err := strconv.Atoi(m); err == nil {
			result.Year = y
		}
	}
	if d := doiPattern.FindString(firstPages); d != "" {
		result.DOI = strings.TrimRight(d, ".,;")
	}

	return result, Validate(result), nil
}

func looksLikeAuthorList(line string) bool {
	if len(line) > 200 || strings.Count(line, ",") == 0 {
		return false
	}
	words := strings.Fields(line)
	return len(words) >= 2 && len(words) <= 30
}

func splitAuthors(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "and "))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
