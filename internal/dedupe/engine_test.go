package dedupe

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholarly/ingestd/internal/config"
	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/store/relational"
	"github.com/scholarly/ingestd/internal/store/vector"
)

func newTestEngine(t *testing.T) (*Engine, *relational.Store, *vector.Store) {
	t.Helper()
	rel, err := relational.Open(filepath.Join(t.TempDir(), "dedupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })

	vec, err := vector.Open(filepath.Join(t.TempDir(), "vec"))
	require.NoError(t, err)

	return New(rel, vec, config.DedupConfig{L3Threshold: 0.95}), rel, vec
}

func seedPaper(t *testing.T, rel *relational.Store, docID string, hashes model.DuplicateHashes) {
	t.Helper()
	hashes.DocID = docID
	p := model.Paper{DocID: docID, ContentID: "content-" + docID, Filename: docID + ".pdf", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, rel.FinalizePaper(context.Background(), p, nil, nil, nil, hashes, ""))
}

func TestEngine_CheckFileHashHitAndMiss(t *testing.T) {
	e, rel, _ := newTestEngine(t)
	ctx := context.Background()

	data := []byte("%PDF-1.4 some bytes")
	seedPaper(t, rel, "doc-l0", model.DuplicateHashes{FileHash: FileHash(data), ContentHash: "x", ContentHashPages: 2})

	hit, hash, err := e.CheckFileHash(ctx, data)
	require.NoError(t, err)
	require.Equal(t, TierFileHash, hit.Tier)
	require.Equal(t, "doc-l0", hit.DocID)
	require.Equal(t, FileHash(data), hash)

	hit, _, err = e.CheckFileHash(ctx, []byte("different bytes"))
	require.NoError(t, err)
	require.Equal(t, TierNone, hit.Tier)
}

func TestEngine_CheckContentHashRequiresEqualPageCount(t *testing.T) {
	e, rel, _ := newTestEngine(t)
	ctx := context.Background()

	meta, firstPages := "Title: A Study", "page one page two page three"
	seedPaper(t, rel, "doc-l1", model.DuplicateHashes{
		FileHash: "fh", ContentHash: ContentHash(meta, firstPages), ContentHashPages: 8,
	})

	hit, _, err := e.CheckContentHash(ctx, meta, firstPages, 8)
	require.NoError(t, err)
	require.Equal(t, TierContentHash, hit.Tier)

	// Same text, different page count: not a duplicate.
	hit, _, err = e.CheckContentHash(ctx, meta, firstPages, 9)
	require.NoError(t, err)
	require.Equal(t, TierNone, hit.Tier)
}

func TestEngine_CheckSampleEmbeddingHash(t *testing.T) {
	e, rel, _ := newTestEngine(t)
	ctx := context.Background()

	sample := []float32{0.25, -0.5, 0.125}
	seedPaper(t, rel, "doc-l2", model.DuplicateHashes{
		FileHash: "fh2", ContentHash: "ch2", ContentHashPages: 4,
		SampleEmbeddingHash: SampleEmbeddingHash(sample), SampleStrategy: "first-middle-last", SampleVectorDim: 3,
	})

	hit, _, err := e.CheckSampleEmbeddingHash(ctx, sample)
	require.NoError(t, err)
	require.Equal(t, TierSampleEmbedding, hit.Tier)
	require.Equal(t, "doc-l2", hit.DocID)

	hit, _, err = e.CheckSampleEmbeddingHash(ctx, []float32{0.25, -0.5, 0.1251})
	require.NoError(t, err)
	require.Equal(t, TierNone, hit.Tier)
}

// vectorAtCosine returns a unit vector whose cosine similarity with (1,0)
// is exactly cos.
func vectorAtCosine(cos float64) []float32 {
	sin := math.Sqrt(1 - cos*cos)
	return []float32{float32(cos), float32(sin)}
}

func TestEngine_VectorSimilarityThresholdBoundary(t *testing.T) {
	e, rel, vec := newTestEngine(t)
	ctx := context.Background()

	seedPaper(t, rel, "doc-l3", model.DuplicateHashes{FileHash: "fh3", ContentHash: "ch3", ContentHashPages: 5})
	require.NoError(t, vec.UpsertDocumentEmbedding(ctx, model.DocumentEmbedding{
		DocID: "doc-l3", ModelName: "test-model", VectorDim: 2, Vector: []float32{1, 0},
	}))

	// cosine 0.9499 is not a duplicate; 0.9500 is.
	hit, err := e.CheckVectorSimilarity(ctx, vectorAtCosine(0.9499))
	require.NoError(t, err)
	require.Equal(t, TierNone, hit.Tier)

	hit, err = e.CheckVectorSimilarity(ctx, vectorAtCosine(0.9500))
	require.NoError(t, err)
	require.Equal(t, TierVectorSimilarity, hit.Tier)
	require.Equal(t, "doc-l3", hit.DocID)
}

func TestEngine_VectorSimilarityTieBreaksByOldestPaper(t *testing.T) {
	e, rel, vec := newTestEngine(t)
	ctx := context.Background()

	older := model.Paper{DocID: "doc-old", ContentID: "c-old", Filename: "old.pdf", CreatedAt: time.Now().Add(-48 * time.Hour), UpdatedAt: time.Now()}
	require.NoError(t, rel.FinalizePaper(ctx, older, nil, nil, nil, model.DuplicateHashes{DocID: "doc-old", FileHash: "f-old", ContentHash: "c1", ContentHashPages: 1}, ""))
	newer := model.Paper{DocID: "doc-new", ContentID: "c-new", Filename: "new.pdf", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, rel.FinalizePaper(ctx, newer, nil, nil, nil, model.DuplicateHashes{DocID: "doc-new", FileHash: "f-new", ContentHash: "c2", ContentHashPages: 1}, ""))

	// Identical vectors: equal similarity, so the oldest paper wins.
	for _, docID := range []string{"doc-new", "doc-old"} {
		require.NoError(t, vec.UpsertDocumentEmbedding(ctx, model.DocumentEmbedding{
			DocID: docID, ModelName: "test-model", VectorDim: 2, Vector: []float32{1, 0},
		}))
	}

	hit, err := e.CheckVectorSimilarity(ctx, []float32{1, 0})
	require.NoError(t, err)
	require.Equal(t, TierVectorSimilarity, hit.Tier)
	require.Equal(t, "doc-old", hit.DocID)
}
