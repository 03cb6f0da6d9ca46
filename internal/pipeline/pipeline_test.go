package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholarly/ingestd/internal/adapters"
	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/config"
	"github.com/scholarly/ingestd/internal/dedupe"
	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/store/relational"
	"github.com/scholarly/ingestd/internal/store/vector"
)

func TestStageWeightsSumToOneHundred(t *testing.T) {
	total := 0
	for _, w := range stageWeight {
		total += w
	}
	require.Equal(t, 100, total)
}

func TestMustSucceedStages(t *testing.T) {
	require.True(t, mustSucceed["persist_upload"])
	require.True(t, mustSucceed["ocr"])
	require.True(t, mustSucceed["embedding"])
	require.True(t, mustSucceed["finalize"])
	require.False(t, mustSucceed["ocr_quality"])
	require.False(t, mustSucceed["layout"])
	require.False(t, mustSucceed["metadata_cascade"])
}

func TestSampleText_FirstMiddleLast(t *testing.T) {
	pages := []string{"p1", "p2", "p3", "p4", "p5"}
	require.Equal(t, "p1\np3\np5", sampleText(pages))

	require.Equal(t, "only\nonly\nonly", sampleText([]string{"only"}))
	require.Equal(t, "", sampleText(nil))
}

func TestSplitIntoPages(t *testing.T) {
	out := splitIntoPages("abcdefgh", 4)
	require.Len(t, out, 4)
	require.Equal(t, "abcdefgh", strings.Join(out, ""))

	out = splitIntoPages("whole", 1)
	require.Equal(t, []string{"whole"}, out)

	// Fewer runes than pages: everything lands on page one, the rest empty.
	out = splitIntoPages("ab", 5)
	require.Len(t, out, 5)
	require.Equal(t, "ab", out[0])
}

// --- duplicate short-circuit, end to end ---------------------------------

type fakeBlobs struct {
	pdfs     map[string][]byte
	previews map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{pdfs: make(map[string][]byte), previews: make(map[string][]byte)}
}

func (f *fakeBlobs) PutPDF(_ context.Context, docID string, data []byte) error {
	f.pdfs[docID] = data
	return nil
}

func (f *fakeBlobs) PutPreview(_ context.Context, docID string, png []byte) error {
	f.previews[docID] = png
	return nil
}

type fakeIdem struct{ done map[string]bool }

func (f *fakeIdem) IsIdemDone(_ context.Context, key string) (bool, error) { return f.done[key], nil }
func (f *fakeIdem) MarkIdemDone(_ context.Context, key string, _ time.Duration) error {
	f.done[key] = true
	return nil
}

func newTestStores(t *testing.T) (*relational.Store, *vector.Store) {
	t.Helper()
	rel, err := relational.Open(filepath.Join(t.TempDir(), "pipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })

	vec, err := vector.Open(filepath.Join(t.TempDir(), "vec"))
	require.NoError(t, err)
	return rel, vec
}

func TestRun_Level0DuplicateShortCircuits(t *testing.T) {
	rel, vec := newTestStores(t)
	ctx := context.Background()

	uploadBytes := []byte("%PDF-1.4 exact duplicate bytes")

	// Seed an already-ingested paper whose file hash matches the upload.
	existing := model.Paper{DocID: "doc-existing", ContentID: "content-existing", Filename: "orig.pdf", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	hashes := model.DuplicateHashes{
		DocID: "doc-existing", FileHash: dedupe.FileHash(uploadBytes),
		ContentHash: "ch", ContentHashPages: 1,
	}
	require.NoError(t, rel.FinalizePaper(ctx, existing, nil, nil, nil, hashes, ""))

	uploadPath := filepath.Join(t.TempDir(), "dup.pdf")
	require.NoError(t, os.WriteFile(uploadPath, uploadBytes, 0o644))
	job := model.ProcessingJob{JobID: "job-dup", Filename: "dup.pdf", UploadPath: uploadPath, Status: model.JobProcessing, CreatedAt: time.Now()}
	require.NoError(t, rel.InsertJob(ctx, job))

	blobs := newFakeBlobs()
	o := New(rel, vec, blobs, dedupe.New(rel, vec, config.DedupConfig{L3Threshold: 0.95}),
		&fakeIdem{done: map[string]bool{}}, nil, nil, nil, nil, nil, nil)

	require.NoError(t, o.Run(ctx, job))

	// The hit happened in stage 1: no blob write, no new Paper, job
	// completed against the existing doc_id.
	require.Empty(t, blobs.pdfs)
	got, err := rel.GetJob(ctx, "job-dup")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, got.Status)
	require.Equal(t, "doc-existing", got.PaperID)

	_, err = rel.GetPaper(ctx, "job-dup")
	require.Error(t, err, "a duplicate hit must not create a second Paper")
}

func TestRun_MissingUploadFailsJob(t *testing.T) {
	rel, vec := newTestStores(t)
	ctx := context.Background()

	job := model.ProcessingJob{JobID: "job-gone", Filename: "gone.pdf", UploadPath: "/nonexistent/gone.pdf", Status: model.JobProcessing, CreatedAt: time.Now()}
	require.NoError(t, rel.InsertJob(ctx, job))

	o := New(rel, vec, newFakeBlobs(), dedupe.New(rel, vec, config.DedupConfig{L3Threshold: 0.95}),
		&fakeIdem{done: map[string]bool{}}, nil, nil, nil, nil, nil, nil)

	require.Error(t, o.Run(ctx, job))

	got, err := rel.GetJob(ctx, "job-gone")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.Status)
	require.NotEmpty(t, got.StepsFailed)
	require.Equal(t, "persist_upload", got.StepsFailed[0].Name)
}

type erroringTier struct{ name string }

func (t erroringTier) Name() string { return t.name }
func (t erroringTier) Extract(context.Context, string) (adapters.MetadataResult, bool, error) {
	return adapters.MetadataResult{}, false, apierrors.New(apierrors.KindServiceUnavailable, t.name+" circuit open")
}

func TestMetadataCascade_CleanMissAfterErroringTierIsNotAFailure(t *testing.T) {
	rel, vec := newTestStores(t)
	ctx := context.Background()

	// structured-llm's circuit is open; the rule-based tier runs cleanly
	// over text that yields no validated result. Per the cascade contract,
	// all tiers failing to produce metadata is not an error.
	o := New(rel, vec, newFakeBlobs(), nil, &fakeIdem{done: map[string]bool{}},
		nil, nil, nil, nil,
		[]adapters.MetadataTier{erroringTier{name: "structured-llm"}, adapters.NewRuleBasedTier()}, nil)

	st := &state{docID: "doc-md", pages: []string{""}}
	require.NoError(t, o.stageMetadataCascade(ctx, st))
	require.Nil(t, st.meta)
}

func TestMetadataCascade_AllTiersErroringFailsTheStage(t *testing.T) {
	rel, vec := newTestStores(t)
	ctx := context.Background()

	o := New(rel, vec, newFakeBlobs(), nil, &fakeIdem{done: map[string]bool{}},
		nil, nil, nil, nil,
		[]adapters.MetadataTier{erroringTier{name: "structured-llm"}, erroringTier{name: "simple-llm"}}, nil)

	st := &state{docID: "doc-md2", pages: []string{"Some Title"}}
	err := o.stageMetadataCascade(ctx, st)
	require.Error(t, err)
	require.Equal(t, apierrors.KindServiceUnavailable, apierrors.KindOf(err))
}

func TestMetadataCascade_ValidatedResultAfterErroringTier(t *testing.T) {
	rel, vec := newTestStores(t)
	ctx := context.Background()

	o := New(rel, vec, newFakeBlobs(), nil, &fakeIdem{done: map[string]bool{}},
		nil, nil, nil, nil,
		[]adapters.MetadataTier{erroringTier{name: "structured-llm"}, adapters.NewRuleBasedTier()}, nil)

	st := &state{docID: "doc-md3", pages: []string{"A Readable Title\nby Jane Doe, John Roe\n2019\n"}}
	require.NoError(t, o.stageMetadataCascade(ctx, st))
	require.NotNil(t, st.meta)
	require.Equal(t, "A Readable Title", st.meta.Title)
	require.Equal(t, model.ProvenanceRuleBased, st.meta.Provenance)
}
