package consistency

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/store/relational"
	"github.com/scholarly/ingestd/internal/store/vector"
)

func newTestChecker(t *testing.T) (*Checker, *relational.Store, *vector.Store) {
	t.Helper()
	rel, err := relational.Open(filepath.Join(t.TempDir(), "check.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })

	vec, err := vector.Open(filepath.Join(t.TempDir(), "vec"))
	require.NoError(t, err)

	return New(rel, vec), rel, vec
}

func finalizeTestPaper(t *testing.T, rel *relational.Store, docID string, pageCount int) {
	t.Helper()
	ctx := context.Background()
	p := model.Paper{DocID: docID, ContentID: "content-" + docID, Filename: docID + ".pdf", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	pages := make([]model.PageEmbedding, pageCount)
	for i := range pages {
		pages[i] = model.PageEmbedding{DocID: docID, Page: i + 1, PageText: "text", VectorDim: 3, ModelName: "test-model"}
	}
	hashes := model.DuplicateHashes{DocID: docID, FileHash: "fh-" + docID, ContentHash: "ch-" + docID, ContentHashPages: pageCount}
	require.NoError(t, rel.FinalizePaper(ctx, p, pages, nil, nil, hashes, ""))
}

func upsertTestVectors(t *testing.T, vec *vector.Store, docID string, pageCount int) {
	t.Helper()
	ctx := context.Background()
	for page := 1; page <= pageCount; page++ {
		require.NoError(t, vec.UpsertPageEmbedding(ctx, model.PageEmbedding{
			DocID: docID, Page: page, PageText: "text", VectorDim: 3, ModelName: "test-model", Vector: []float32{1, 0, 0},
		}))
	}
	require.NoError(t, vec.UpsertDocumentEmbedding(ctx, model.DocumentEmbedding{
		DocID: docID, ModelName: "test-model", VectorDim: 3, Vector: []float32{1, 0, 0},
	}))
}

func TestChecker_HealthyStoresReportNoIssues(t *testing.T) {
	c, rel, vec := newTestChecker(t)

	finalizeTestPaper(t, rel, "doc-ok", 2)
	upsertTestVectors(t, vec, "doc-ok", 2)

	report, err := c.Check(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Issues)
	require.Equal(t, 10, report.Readiness)
}

func TestChecker_DetectsPaperWithoutVector(t *testing.T) {
	c, rel, _ := newTestChecker(t)

	finalizeTestPaper(t, rel, "doc-novec", 2)

	report, err := c.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Equal(t, model.IssuePaperWithoutVector, report.Issues[0].Class)
	require.Equal(t, "doc-novec", report.Issues[0].DocID)
}

func TestChecker_DetectsVectorWithoutPaper(t *testing.T) {
	c, _, vec := newTestChecker(t)

	upsertTestVectors(t, vec, "doc-ghost", 1)

	report, err := c.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Equal(t, model.IssueVectorWithoutPaper, report.Issues[0].Class)
}

func TestChecker_DetectsPageCountMismatch(t *testing.T) {
	c, rel, vec := newTestChecker(t)

	finalizeTestPaper(t, rel, "doc-pages", 3)
	upsertTestVectors(t, vec, "doc-pages", 2)

	report, err := c.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Equal(t, model.IssuePageCountMismatch, report.Issues[0].Class)
}

func TestChecker_DetectsPendingVectorSync(t *testing.T) {
	c, rel, vec := newTestChecker(t)
	ctx := context.Background()

	finalizeTestPaper(t, rel, "doc-pending", 1)
	upsertTestVectors(t, vec, "doc-pending", 1)
	require.NoError(t, rel.SetPendingVectorSync(ctx, "doc-pending", true))

	report, err := c.Check(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Equal(t, model.IssuePendingVectorSync, report.Issues[0].Class)
}

// TestChecker_FixRepairsAndConverges covers the repair round trip:
// delete a paper's vectors, check reports class (1), fix repairs it, the
// next check is clean and a second fix pass fixes zero.
func TestChecker_FixRepairsAndConverges(t *testing.T) {
	c, rel, vec := newTestChecker(t)
	ctx := context.Background()

	finalizeTestPaper(t, rel, "doc-heal", 2)
	upsertTestVectors(t, vec, "doc-heal", 2)
	require.NoError(t, vec.DeleteDocument(ctx, "doc-heal"))

	report, err := c.Check(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Equal(t, model.IssuePaperWithoutVector, report.Issues[0].Class)

	reembed := func(ctx context.Context, docID string) error {
		upsertTestVectors(t, vec, docID, 2)
		return nil
	}

	result, err := c.Fix(ctx, report, reembed)
	require.NoError(t, err)
	require.Equal(t, 1, result.Fixed)
	require.Equal(t, 0, result.Failed)

	report, err = c.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Issues)

	result, err = c.Fix(ctx, report, reembed)
	require.NoError(t, err)
	require.Equal(t, 0, result.Fixed)
}

func TestChecker_FixClearsPendingVectorSync(t *testing.T) {
	c, rel, vec := newTestChecker(t)
	ctx := context.Background()

	finalizeTestPaper(t, rel, "doc-sync", 1)
	require.NoError(t, rel.SetPendingVectorSync(ctx, "doc-sync", true))

	report, err := c.Check(ctx)
	require.NoError(t, err)

	result, err := c.Fix(ctx, report, func(ctx context.Context, docID string) error {
		upsertTestVectors(t, vec, docID, 1)
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.Fixed, 1)
	require.Equal(t, 0, result.Failed)

	paper, err := rel.GetPaper(ctx, "doc-sync")
	require.NoError(t, err)
	require.False(t, paper.PendingVectorSync)

	report, err = c.Check(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Issues)
}

func TestChecker_FixCountsFailedRepairs(t *testing.T) {
	c, rel, _ := newTestChecker(t)
	ctx := context.Background()

	finalizeTestPaper(t, rel, "doc-stuck", 1)

	report, err := c.Check(ctx)
	require.NoError(t, err)

	result, err := c.Fix(ctx, report, func(context.Context, string) error {
		return context.DeadlineExceeded
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.Fixed)
	require.Equal(t, 1, result.Failed)
}

func TestReadinessScorePenalizesBySeverity(t *testing.T) {
	require.Equal(t, 10, readinessScore(nil))
	require.Equal(t, 8, readinessScore([]model.ConsistencyIssue{{Severity: model.SeverityCritical}}))
	require.Equal(t, 7, readinessScore([]model.ConsistencyIssue{
		{Severity: model.SeverityCritical}, {Severity: model.SeverityHigh},
	}))

	var many []model.ConsistencyIssue
	for i := 0; i < 20; i++ {
		many = append(many, model.ConsistencyIssue{Severity: model.SeverityCritical})
	}
	require.Equal(t, 0, readinessScore(many))
}
