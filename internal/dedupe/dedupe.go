// Package dedupe implements the four-tier duplicate-prevention engine:
// increasingly expensive checks that let the pipeline short-circuit as
// soon as a hit is found. Levels 0-2 are hash lookups against the
// relational store; Level 3 delegates to the vector store's cosine search.
package dedupe

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/scholarly/ingestd/internal/config"
	"github.com/scholarly/ingestd/internal/metrics"
	"github.com/scholarly/ingestd/internal/store/relational"
	"github.com/scholarly/ingestd/internal/store/vector"
	"github.com/scholarly/ingestd/internal/vecbytes"
)

// Tier identifies which of the four checks produced a hit.
type Tier int

const (
	TierNone Tier = iota
	TierFileHash
	TierContentHash
	TierSampleEmbedding
	TierVectorSimilarity
)

func (t Tier) String() string {
	switch t {
	case TierFileHash:
		return "l0"
	case TierContentHash:
		return "l1"
	case TierSampleEmbedding:
		return "l2"
	case TierVectorSimilarity:
		return "l3"
	default:
		return "none"
	}
}

// Hit is the outcome of a duplicate check: the existing doc_id it matched
// and which tier found it.
type Hit struct {
	DocID      string
	Tier       Tier
	Similarity float32 // only meaningful for TierVectorSimilarity
}

// Engine runs the four tiers in increasing cost order against the
// relational store (L0-L2 hash lookups) and the vector store (L3 cosine
// search).
type Engine struct {
	rel *relational.Store
	vec *vector.Store
	cfg config.DedupConfig
}

// New builds a duplicate-prevention Engine.
func New(rel *relational.Store, vec *vector.Store, cfg config.DedupConfig) *Engine {
	return &Engine{rel: rel, vec: vec, cfg: cfg}
}

// FileHash computes the Level 0 fingerprint: plain MD5 over the raw upload
// bytes, an exact-byte-match check.
func FileHash(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%x", sum)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize implements the Level 1 normalization: lowercase, collapse
// whitespace, strip non-printable characters.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r == ' ' || (r >= 0x20 && r < 0x7f) || r > 0x7f {
			b.WriteRune(r)
		}
	}
	lowered := strings.ToLower(b.String())
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(lowered, " "))
}

// ContentHash computes the Level 1 fingerprint: SHA-256 over
// normalize(pdfMetadata) || normalize(firstThreePagesText).
func ContentHash(pdfMetadata, firstThreePagesText string) string {
	payload := Normalize(pdfMetadata) + Normalize(firstThreePagesText)
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", sum)
}

// SampleEmbeddingHash computes the Level 2 fingerprint: SHA-256 over the
// LE-IEEE754 byte representation of a sample vector, using the same
// encoding contract as content_id.
func SampleEmbeddingHash(sampleVector []float32) string {
	return vecbytes.Hash(sampleVector)
}

// CheckFileHash runs the Level 0 check: exact match of the raw upload
// bytes' MD5 against every stored file hash.
func (e *Engine) CheckFileHash(ctx context.Context, fileBytes []byte) (Hit, string, error) {
	hash := FileHash(fileBytes)
	docID, ok, err := e.rel.FindByFileHash(ctx, hash)
	if err != nil {
		return Hit{}, hash, err
	}
	if ok {
		metrics.IncDedupHit(TierFileHash.String())
		return Hit{DocID: docID, Tier: TierFileHash}, hash, nil
	}
	return Hit{}, hash, nil
}

// CheckContentHash runs the Level 1 check over normalized PDF metadata and
// the first three pages' text, requiring an equal page_count to match.
func (e *Engine) CheckContentHash(ctx context.Context, pdfMetadata, firstThreePages string, pageCount int) (Hit, string, error) {
	hash := ContentHash(pdfMetadata, firstThreePages)
	docID, ok, err := e.rel.FindByContentHash(ctx, hash)
	if err != nil {
		return Hit{}, hash, err
	}
	if !ok {
		return Hit{}, hash, nil
	}
	hashes, err := e.rel.GetDuplicateHashes(ctx, docID)
	if err != nil {
		return Hit{}, hash, err
	}
	if hashes == nil || hashes.ContentHashPages != pageCount {
		return Hit{}, hash, nil
	}
	metrics.IncDedupHit(TierContentHash.String())
	return Hit{DocID: docID, Tier: TierContentHash}, hash, nil
}

// CheckSampleEmbeddingHash runs the Level 2 check: exact match of a
// deterministic sample vector's byte-hash.
func (e *Engine) CheckSampleEmbeddingHash(ctx context.Context, sampleVector []float32) (Hit, string, error) {
	hash := SampleEmbeddingHash(sampleVector)
	docID, ok, err := e.rel.FindBySampleEmbeddingHash(ctx, hash)
	if err != nil {
		return Hit{}, hash, err
	}
	if ok {
		metrics.IncDedupHit(TierSampleEmbedding.String())
		return Hit{DocID: docID, Tier: TierSampleEmbedding}, hash, nil
	}
	return Hit{}, hash, nil
}

// CheckVectorSimilarity runs the Level 3 check: cosine similarity of the
// document embedding against the vector index. A hit requires similarity
// >= cfg.L3Threshold; ties break by highest similarity then oldest
// created_at.
func (e *Engine) CheckVectorSimilarity(ctx context.Context, docVector []float32) (Hit, error) {
	candidates, err := e.vec.QuerySimilarDocuments(ctx, docVector, 5)
	if err != nil {
		return Hit{}, err
	}
	if len(candidates) == 0 {
		return Hit{}, nil
	}

	// similarityEpsilon absorbs float32 rounding so a similarity sitting
	// exactly on the configured threshold still counts as a duplicate.
	const similarityEpsilon = 1e-6

	var best *vector.SimilarDocument
	var bestCreated time.Time
	for i := range candidates {
		c := &candidates[i]
		if float64(c.Similarity) < e.cfg.L3Threshold-similarityEpsilon {
			continue
		}
		paper, err := e.rel.GetPaper(ctx, c.DocID)
		if err != nil {
			continue
		}
		switch {
		case best == nil:
			best, bestCreated = c, paper.CreatedAt
		case c.Similarity > best.Similarity:
			best, bestCreated = c, paper.CreatedAt
		case c.Similarity == best.Similarity && paper.CreatedAt.Before(bestCreated):
			best, bestCreated = c, paper.CreatedAt
		}
	}
	if best == nil {
		return Hit{}, nil
	}
	metrics.IncDedupHit(TierVectorSimilarity.String())
	return Hit{DocID: best.DocID, Tier: TierVectorSimilarity, Similarity: best.Similarity}, nil
}

