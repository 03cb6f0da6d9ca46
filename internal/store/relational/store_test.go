package relational

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholarly/ingestd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_UpsertAndGetPaper(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := model.Paper{
		DocID:     "doc-1",
		ContentID: "content-1",
		Filename:  "paper.pdf",
		OCRQuality: model.OCRQualityGood,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.UpsertPaper(ctx, p))

	got, err := s.GetPaper(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, "content-1", got.ContentID)
	require.Equal(t, model.OCRQualityGood, got.OCRQuality)
}

func TestStore_GetPaper_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetPaper(context.Background(), "missing")
	require.Error(t, err)
}

func TestStore_FinalizePaperIsTransactional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertJob(ctx, model.ProcessingJob{
		JobID: "job-1", Filename: "paper.pdf", Priority: model.PriorityNormal,
		PriorityName: "normal", Status: model.JobProcessing, CreatedAt: time.Now(),
	}))

	p := model.Paper{DocID: "doc-2", ContentID: "content-2", Filename: "paper.pdf", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	md := &model.Metadata{DocID: "doc-2", Title: "A Paper", Authors: []string{"A. Author"}, Year: 2024, Provenance: model.ProvenanceStructuredLLM}
	layout := &model.LayoutAnalysis{DocID: "doc-2", PageCount: 10, LayoutJSON: `{"pages":10}`}
	pages := []model.PageEmbedding{
		{DocID: "doc-2", Page: 1, PageText: "first page", VectorDim: 3, ModelName: "test-model"},
		{DocID: "doc-2", Page: 2, PageText: "second page", VectorDim: 3, ModelName: "test-model"},
	}
	hashes := model.DuplicateHashes{DocID: "doc-2", FileHash: "f1", ContentHash: "c1", ContentHashPages: 3}

	require.NoError(t, s.FinalizePaper(ctx, p, pages, md, layout, hashes, "job-1"))

	gotPaper, err := s.GetPaper(ctx, "doc-2")
	require.NoError(t, err)
	require.Equal(t, "content-2", gotPaper.ContentID)

	gotMD, err := s.GetMetadata(ctx, "doc-2")
	require.NoError(t, err)
	require.NotNil(t, gotMD)
	require.Equal(t, "A Paper", gotMD.Title)
	require.Equal(t, []string{"A. Author"}, gotMD.Authors)

	gotLayout, err := s.GetLayout(ctx, "doc-2")
	require.NoError(t, err)
	require.Equal(t, 10, gotLayout.PageCount)

	gotHashes, err := s.GetDuplicateHashes(ctx, "doc-2")
	require.NoError(t, err)
	require.Equal(t, "f1", gotHashes.FileHash)

	gotPages, err := s.GetPageTexts(ctx, "doc-2")
	require.NoError(t, err)
	require.Len(t, gotPages, 2)
	require.Equal(t, "first page", gotPages[0].PageText)
	n, err := s.PageCount(ctx, "doc-2")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, job.Status)
	require.Equal(t, "doc-2", job.PaperID)
}

func TestStore_FindByFileHashAndContentHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := model.Paper{DocID: "doc-3", ContentID: "content-3", Filename: "p.pdf", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	hashes := model.DuplicateHashes{DocID: "doc-3", FileHash: "filehash-x", ContentHash: "contenthash-y", ContentHashPages: 3}
	require.NoError(t, s.FinalizePaper(ctx, p, nil, nil, nil, hashes, ""))

	docID, found, err := s.FindByFileHash(ctx, "filehash-x")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "doc-3", docID)

	docID, found, err = s.FindByContentHash(ctx, "contenthash-y")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "doc-3", docID)

	_, found, err = s.FindByFileHash(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStore_CancelJob_OnlyAffectsNonTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertJob(ctx, model.ProcessingJob{
		JobID: "job-cancel", Filename: "p.pdf", Priority: model.PriorityNormal,
		PriorityName: "normal", Status: model.JobQueued, CreatedAt: time.Now(),
	}))

	ok, err := s.CancelJob(ctx, "job-cancel")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CancelJob(ctx, "job-cancel")
	require.NoError(t, err)
	require.False(t, ok, "second cancel of an already-terminal job should be a no-op")
}

func TestStore_SweepExpiredJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, s.InsertJob(ctx, model.ProcessingJob{
		JobID: "old-job", Filename: "p.pdf", Priority: model.PriorityNormal,
		PriorityName: "normal", Status: model.JobCompleted, CreatedAt: old,
	}))
	require.NoError(t, s.InsertJob(ctx, model.ProcessingJob{
		JobID: "recent-job", Filename: "p.pdf", Priority: model.PriorityNormal,
		PriorityName: "normal", Status: model.JobCompleted, CreatedAt: time.Now(),
	}))

	n, err := s.SweepExpiredJobs(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.GetJob(ctx, "old-job")
	require.Error(t, err)
	_, err = s.GetJob(ctx, "recent-job")
	require.NoError(t, err)
}

func TestStore_BackupRecordsLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := model.BackupRecord{
		BackupID: "bkp-1", Type: model.BackupSnapshot, Timestamp: time.Now(),
		SizeBytes: 1024, Checksum: "abc123", Status: model.BackupCompleted,
		ExpireDate: time.Now().Add(-time.Hour), Source: model.SourceRelational, ArtifactPath: "/backups/bkp-1.tar",
	}
	require.NoError(t, s.InsertBackupRecord(ctx, rec))

	got, err := s.GetBackupRecord(ctx, "bkp-1")
	require.NoError(t, err)
	require.Equal(t, "abc123", got.Checksum)

	expired, err := s.DeleteExpiredBackupRecords(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	_, err = s.GetBackupRecord(ctx, "bkp-1")
	require.Error(t, err)
}

func TestStore_FinalizePaper_ContentIDConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := model.Paper{DocID: "doc-race-1", ContentID: "shared-content", Filename: "a.pdf", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	hashes1 := model.DuplicateHashes{DocID: "doc-race-1", FileHash: "fh-1", ContentHash: "ch-1", ContentHashPages: 3}
	require.NoError(t, s.FinalizePaper(ctx, first, nil, nil, nil, hashes1, ""))

	second := model.Paper{DocID: "doc-race-2", ContentID: "shared-content", Filename: "b.pdf", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	hashes2 := model.DuplicateHashes{DocID: "doc-race-2", FileHash: "fh-2", ContentHash: "ch-2", ContentHashPages: 3}
	err := s.FinalizePaper(ctx, second, nil, nil, nil, hashes2, "")
	require.ErrorIs(t, err, ErrContentIDConflict)

	existing, ok, err := s.FindPaperByContentID(ctx, "shared-content")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "doc-race-1", existing.DocID)

	_, err = s.GetPaper(ctx, "doc-race-2")
	require.Error(t, err, "losing transaction must not leave a second Paper row")
}

func TestStore_DuplicateReferenceLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := model.Paper{DocID: "doc-orig", ContentID: "content-orig", Filename: "orig.pdf", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	hashes := model.DuplicateHashes{DocID: "doc-orig", FileHash: "fh-orig", ContentHash: "ch-orig", ContentHashPages: 3}
	require.NoError(t, s.FinalizePaper(ctx, p, nil, nil, nil, hashes, ""))

	require.NoError(t, s.RecordDuplicateReference(ctx, "doc-dup", "doc-orig", "l0", 0))
	// Re-recording the same ref_doc_id should update in place, not fail.
	require.NoError(t, s.RecordDuplicateReference(ctx, "doc-dup", "doc-orig", "l3", 0.97))

	require.NoError(t, s.InsertJob(ctx, model.ProcessingJob{
		JobID: "job-dup", Filename: "dup.pdf", Priority: model.PriorityNormal,
		PriorityName: "normal", Status: model.JobProcessing, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.CompleteJobAsDuplicate(ctx, "job-dup", "doc-orig", 45, nil, nil))

	job, err := s.GetJob(ctx, "job-dup")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, job.Status)
	require.Equal(t, "doc-orig", job.PaperID)
	require.Equal(t, "duplicate", job.CurrentStep)
}
