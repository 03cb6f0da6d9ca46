// Package pipeline drives a document through the seven ordered ingestion
// stages, each weighted for progress reporting and marked either
// must-succeed or optional: a must-succeed failure aborts the job, an
// optional failure is recorded against the job and skipped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scholarly/ingestd/internal/adapters"
	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/dedupe"
	"github.com/scholarly/ingestd/internal/metrics"
	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/pdftext"
	"github.com/scholarly/ingestd/internal/store/relational"
	"github.com/scholarly/ingestd/internal/store/vector"
	"github.com/scholarly/ingestd/internal/vecbytes"
)

// stageWeight assigns each stage its share of the job's 0-100 progress bar
// (persist upload 5%, OCR 20%, OCR-quality 10%, embedding 25%, layout
// 15%, metadata cascade 15%, finalize 10%).
var stageWeight = map[string]int{
	"persist_upload":   5,
	"ocr":              20,
	"ocr_quality":      10,
	"embedding":        25,
	"layout":           15,
	"metadata_cascade": 15,
	"finalize":         10,
}

// mustSucceed lists stages whose failure aborts the whole job; every other
// stage degrades to a recorded StepResult failure and the job continues.
var mustSucceed = map[string]bool{
	"persist_upload": true,
	"ocr":            true,
	"embedding":      true,
	"finalize":       true,
}

// Idempotency is the subset of the job queue's contract the orchestrator
// needs, kept narrow so pipeline never imports the job package (which would
// cycle back through Runner).
type Idempotency interface {
	IsIdemDone(ctx context.Context, key string) (bool, error)
	MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error
}

// Blobs is the slice of the blob store the orchestrator writes through.
type Blobs interface {
	PutPDF(ctx context.Context, docID string, data []byte) error
	PutPreview(ctx context.Context, docID string, png []byte) error
}

// Orchestrator drives one ProcessingJob through all seven stages.
type Orchestrator struct {
	rel   *relational.Store
	vec   *vector.Store
	blob  Blobs
	dedup *dedupe.Engine
	idem  Idempotency

	ocr      adapters.OCR
	quality  adapters.Quality
	layout   adapters.Layout
	embedder adapters.Embedder
	metadata []adapters.MetadataTier

	tracker *metrics.Tracker
}

// New builds an Orchestrator. metadataCascade must be ordered
// structured-LLM, simple-LLM, rule-based.
func New(rel *relational.Store, vec *vector.Store, blobStore Blobs, dedup *dedupe.Engine, idem Idempotency,
	ocr adapters.OCR, quality adapters.Quality, layout adapters.Layout, embedder adapters.Embedder,
	metadataCascade []adapters.MetadataTier, tracker *metrics.Tracker) *Orchestrator {
	return &Orchestrator{
		rel: rel, vec: vec, blob: blobStore, dedup: dedup, idem: idem,
		ocr: ocr, quality: quality, layout: layout, embedder: embedder,
		metadata: metadataCascade, tracker: tracker,
	}
}

// state accumulates everything later stages need from earlier ones.
type state struct {
	job          model.ProcessingJob
	docID        string
	pdfPath      string
	pdfMeta      string
	fileHash     string
	pages        []string
	pageCount    int
	ocrQuality   model.OCRQuality
	ocrRan       bool
	pageEmbeds   []model.PageEmbedding
	sampleVector []float32
	docVector    []float32
	contentID    string
	layout       *model.LayoutAnalysis
	meta         *model.Metadata
	notes        []string
	completed    []model.StepResult
	failed       []model.StepResult
	progress     int

	// duplicateOf/duplicateTier/duplicateSimilarity are set by any stage
	// that lands a dedup hit. Once set, Run short-circuits: no
	// later stage executes and no new Paper is created.
	duplicateOf         string
	duplicateTier       dedupe.Tier
	duplicateSimilarity float32
}

// Run executes every stage for job in order, persisting progress after
// each one. A must-succeed stage's error aborts the run; an optional
// stage's error is recorded and the pipeline proceeds.
func (o *Orchestrator) Run(ctx context.Context, job model.ProcessingJob) error {
	st := &state{job: job, docID: job.JobID}

	stages := []struct {
		name string
		fn   func(context.Context, *state) error
	}{
		{"persist_upload", o.stagePersistUpload},
		{"ocr", o.stageOCR},
		{"ocr_quality", o.stageOCRQuality},
		{"embedding", o.stageEmbedding},
		{"layout", o.stageLayout},
		{"metadata_cascade", o.stageMetadataCascade},
		{"finalize", o.stageFinalize},
	}

	for _, stg := range stages {
		start := time.Now()
		err := stg.fn(ctx, st)
		dur := time.Since(start)
		result := "ok"
		if err != nil {
			result = "failed"
		}
		if o.tracker != nil {
			o.tracker.Record(stg.name, result, dur)
		} else {
			metrics.ObserveStage(stg.name, result, dur)
		}

		if err != nil {
			log.Error().Err(err).Str("job_id", job.JobID).Str("stage", stg.name).Msg("pipeline stage failed")
			st.failed = append(st.failed, model.StepResult{Name: stg.name, DurationS: dur.Seconds(), Reason: string(apierrors.KindOf(err))})
			if mustSucceed[stg.name] {
				_ = o.rel.UpdateJobProgress(ctx, job.JobID, model.JobFailed, st.progress, stg.name, st.completed, st.failed)
				return err
			}
			st.notes = append(st.notes, fmt.Sprintf("%s skipped: %v", stg.name, err))
			_ = o.rel.UpdateJobProgress(ctx, job.JobID, model.JobProcessing, st.progress, stg.name, st.completed, st.failed)
			continue
		}

		st.completed = append(st.completed, model.StepResult{Name: stg.name, DurationS: dur.Seconds()})
		st.progress += stageWeight[stg.name]
		if st.progress > 100 {
			st.progress = 100
		}

		if st.duplicateOf != "" {
			return o.finalizeDuplicate(ctx, st)
		}

		status := model.JobProcessing
		if stg.name == "finalize" {
			status = model.JobCompleted
		}
		if err := o.rel.UpdateJobProgress(ctx, job.JobID, status, st.progress, stg.name, st.completed, st.failed); err != nil {
			return err
		}
	}

	return nil
}

// finalizeDuplicate persists the reference row a dedup hit produces and
// completes the job against the existing Paper: a hit returns the
// previously computed Paper rather than creating a new one.
func (o *Orchestrator) finalizeDuplicate(ctx context.Context, st *state) error {
	log.Info().Str("job_id", st.job.JobID).Str("duplicate_of", st.duplicateOf).
		Str("tier", st.duplicateTier.String()).Msg("dedup hit, short-circuiting pipeline")

	if err := o.rel.RecordDuplicateReference(ctx, st.docID, st.duplicateOf, st.duplicateTier.String(), st.duplicateSimilarity); err != nil {
		return err
	}
	return o.rel.CompleteJobAsDuplicate(ctx, st.job.JobID, st.duplicateOf, st.progress, st.completed, st.failed)
}

// stagePersistUpload moves the validated temp upload into blob storage and
// runs the Level 0 hash check before any expensive work happens.
func (o *Orchestrator) stagePersistUpload(ctx context.Context, st *state) error {
	data, err := os.ReadFile(st.job.UploadPath)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInvalidInput, "read uploaded file", err)
	}

	hit, fileHash, err := o.dedup.CheckFileHash(ctx, data)
	if err != nil {
		return err
	}
	st.fileHash = fileHash
	if hit.Tier != dedupe.TierNone {
		st.duplicateOf, st.duplicateTier = hit.DocID, hit.Tier
		return nil
	}

	if err := o.blob.PutPDF(ctx, st.docID, data); err != nil {
		return err
	}
	st.pdfPath = st.job.UploadPath
	return nil
}

// stageOCR extracts the text layer locally via MuPDF, falling back to the
// OCR adapter only when the document's own text layer is too sparse. A
// failed OCR pass on a document that needed one aborts the job: without
// text there is nothing to embed.
func (o *Orchestrator) stageOCR(ctx context.Context, st *state) error {
	doc, err := pdftext.Open(st.pdfPath)
	if err != nil {
		return err
	}
	defer doc.Close()

	st.pageCount = doc.PageCount()
	st.pdfMeta = doc.MetadataString()
	pages, err := doc.AllPageText()
	if err != nil {
		return err
	}

	// Level 1: content hash over normalized PDF metadata + first three
	// pages, gated on equal page_count. Checked before OCR runs so a
	// hit costs nothing beyond the MuPDF text probe already done above.
	if hit, _, err := o.dedup.CheckContentHash(ctx, st.pdfMeta, pdftext.FirstPages(pages, 3), st.pageCount); err != nil {
		return err
	} else if hit.Tier != dedupe.TierNone {
		st.pages = pages
		st.duplicateOf, st.duplicateTier = hit.DocID, hit.Tier
		return nil
	}

	if pdftext.HasUsableTextLayer(pages) {
		st.pages = pages
		return nil
	}

	st.ocrRan = true
	result, err := o.ocr.Run(ctx, st.pdfPath, adapters.CandidateScripts())
	if err != nil {
		return err
	}
	st.pages = splitIntoPages(result.Text, st.pageCount)
	return nil
}

// stageOCRQuality scores the first page's legibility when OCR ran,
// recording the verdict on the eventual Paper row.
func (o *Orchestrator) stageOCRQuality(ctx context.Context, st *state) error {
	if !st.ocrRan {
		st.ocrQuality = model.OCRQualityUnknown
		return nil
	}
	result, err := o.quality.Score(ctx, st.pdfPath, 1)
	if err != nil {
		st.ocrQuality = model.OCRQualityUnknown
		return err
	}
	st.ocrQuality = model.OCRQuality(result.Quality)
	return nil
}

// stageEmbedding embeds every page, derives the mean document vector and
// content_id, and runs the remaining Level 2/3 dedup checks. Nothing is
// persisted here; the vectors ride in state until finalize writes both
// stores.
func (o *Orchestrator) stageEmbedding(ctx context.Context, st *state) error {
	// Level 2: embed a deterministic sample (first, middle, last page) and
	// check it against stored sample hashes before paying for a full
	// per-page embedding pass.
	if sampleVec, err := o.embedder.Embed(ctx, sampleText(st.pages)); err == nil {
		st.sampleVector = sampleVec
		if hit, _, err := o.dedup.CheckSampleEmbeddingHash(ctx, sampleVec); err != nil {
			return err
		} else if hit.Tier != dedupe.TierNone {
			st.duplicateOf, st.duplicateTier = hit.DocID, hit.Tier
			return nil
		}
	}

	embeds := make([]model.PageEmbedding, 0, len(st.pages))
	for i, text := range st.pages {
		page := i + 1
		vec, err := o.embedPage(ctx, st.docID, page, text)
		if err != nil {
			return err
		}
		embeds = append(embeds, model.PageEmbedding{
			DocID: st.docID, Page: page, PageText: text,
			VectorDim: o.embedder.Dimension(), ModelName: o.embedder.ModelName(), Vector: vec,
		})
	}
	if len(embeds) == 0 {
		return apierrors.New(apierrors.KindDataIntegrity, "no pages produced embeddings")
	}
	st.pageEmbeds = embeds

	vectors := make([][]float32, len(embeds))
	for i, pe := range embeds {
		vectors[i] = pe.Vector
	}
	mean := vecbytes.Mean(vectors)
	st.docVector = mean
	st.contentID = vecbytes.Hash(mean)

	// content_id collisions are linearized by the papers.content_id unique
	// constraint: whichever transaction committed first wins, and
	// every later writer for the same content converts into a Level-3-style
	// duplicate reference rather than failing outright.
	if existing, ok, err := o.rel.FindPaperByContentID(ctx, st.contentID); err != nil {
		return err
	} else if ok {
		st.duplicateOf, st.duplicateTier, st.duplicateSimilarity = existing.DocID, dedupe.TierVectorSimilarity, 1.0
		return nil
	}

	if hit, err := o.dedup.CheckVectorSimilarity(ctx, mean); err != nil {
		return err
	} else if hit.Tier == dedupe.TierVectorSimilarity {
		st.duplicateOf, st.duplicateTier, st.duplicateSimilarity = hit.DocID, hit.Tier, hit.Similarity
	}

	return nil
}

// embedPage produces one page's vector, reusing a vector already persisted
// by an earlier attempt at this same job (crash-and-requeue) instead of
// billing the embedder twice. The idempotency key marks the page done; the
// vector store holds the result it marked.
func (o *Orchestrator) embedPage(ctx context.Context, docID string, page int, text string) ([]float32, error) {
	idemKey := fmt.Sprintf("doc:%s:page:%d:embed", docID, page)
	if done, _ := o.idem.IsIdemDone(ctx, idemKey); done {
		if pe, ok, _ := o.vec.GetPageVector(ctx, docID, page); ok {
			return pe.Vector, nil
		}
	}
	vec, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindServiceUnavailable, "embed page", err)
	}
	_ = o.idem.MarkIdemDone(ctx, idemKey, 24*time.Hour)
	return vec, nil
}

// sampleText builds the Level 2 deterministic sample (first, middle, last
// page) that the production embedder turns into the sample-embedding hash.
func sampleText(pages []string) string {
	if len(pages) == 0 {
		return ""
	}
	mid := len(pages) / 2
	last := len(pages) - 1
	return pages[0] + "\n" + pages[mid] + "\n" + pages[last]
}

// stageLayout runs the structural layout analyzer; optional, so failure
// here never aborts the job.
func (o *Orchestrator) stageLayout(ctx context.Context, st *state) error {
	result, err := o.layout.Analyze(ctx, st.pdfPath)
	if err != nil {
		return err
	}
	if result.PageCount == 0 {
		// Some analyzer deployments omit the count; fill it in locally.
		if n, countErr := pdftext.PageCountFile(st.pdfPath); countErr == nil {
			result.PageCount = n
		} else {
			result.PageCount = st.pageCount
		}
	}
	st.layout = &model.LayoutAnalysis{DocID: st.docID, PageCount: result.PageCount, LayoutJSON: result.LayoutJSON}
	return nil
}

// stageMetadataCascade tries each metadata tier in order (structured-LLM,
// simple-LLM, rule-based), keeping the first result that validates. Every
// tier coming up empty is not an error, the Paper simply has no Metadata.
// The stage fails only when the cascade ended on an erroring tier that no
// later tier ran cleanly after.
func (o *Orchestrator) stageMetadataCascade(ctx context.Context, st *state) error {
	firstPages := pdftext.FirstPages(st.pages, 2)

	var lastErr error
	for _, tier := range o.metadata {
		result, ok, err := tier.Extract(ctx, firstPages)
		if err != nil {
			log.Warn().Err(err).Str("job_id", st.docID).Str("tier", tier.Name()).Msg("metadata tier failed, falling through cascade")
			lastErr = err
			continue
		}
		// The tier ran; a clean validation miss is not an error, and it
		// supersedes any error an earlier tier hit.
		lastErr = nil
		if !ok {
			continue
		}
		provenance := model.ProvenanceRuleBased
		switch tier.Name() {
		case "structured-llm":
			provenance = model.ProvenanceStructuredLLM
		case "simple-llm":
			provenance = model.ProvenanceSimpleLLM
		}
		st.meta = &model.Metadata{
			DocID: st.docID, Title: result.Title, Authors: result.Authors,
			Journal: result.Journal, Year: result.Year, DOI: result.DOI,
			Abstract: result.Abstract, Provenance: provenance,
		}
		return nil
	}
	return lastErr
}

// stageFinalize persists everything: one relational transaction for the
// Paper, its page texts, Metadata, LayoutAnalysis, DuplicateHashes and the
// job-completion update, followed by the vector-store upserts. A vector
// write failing after the relational commit leaves pending_vector_sync set
// for the consistency checker to repair, never a failed job.
func (o *Orchestrator) stageFinalize(ctx context.Context, st *state) error {
	now := time.Now().UTC()
	originalPath := ""
	if st.ocrRan {
		originalPath = fmt.Sprintf("pdfs/%s.pdf", st.docID)
	}
	paper := model.Paper{
		DocID: st.docID, ContentID: st.contentID, Filename: st.job.Filename,
		OCRQuality: st.ocrQuality, OCRRegenerated: st.ocrRan,
		OriginalFilePath: originalPath, ProcessingNotes: strings.Join(st.notes, "; "),
		CreatedAt: now, UpdatedAt: now,
	}

	contentHash := dedupe.ContentHash(st.pdfMeta, pdftext.FirstPages(st.pages, 3))
	hashes := model.DuplicateHashes{
		DocID: st.docID, FileHash: st.fileHash, ContentHash: contentHash, ContentHashPages: st.pageCount,
	}
	if st.sampleVector != nil {
		hashes.SampleEmbeddingHash = dedupe.SampleEmbeddingHash(st.sampleVector)
		hashes.SampleStrategy = "first-middle-last"
		hashes.SampleVectorDim = len(st.sampleVector)
	}

	if doc, openErr := pdftext.Open(st.pdfPath); openErr == nil {
		if png, renderErr := doc.FirstPagePNG(); renderErr == nil {
			if putErr := o.blob.PutPreview(ctx, st.docID, png); putErr != nil {
				log.Warn().Err(putErr).Str("doc_id", st.docID).Msg("failed to store first-page preview")
			}
		} else {
			log.Warn().Err(renderErr).Str("doc_id", st.docID).Msg("failed to render first-page preview")
		}
		doc.Close()
	}

	err := o.rel.FinalizePaper(ctx, paper, st.pageEmbeds, st.meta, st.layout, hashes, st.job.JobID)
	if errors.Is(err, relational.ErrContentIDConflict) {
		// Lost the content_id race: another transaction committed this
		// exact content first. Convert into a duplicate completion instead
		// of failing a must-succeed stage.
		existing, ok, findErr := o.rel.FindPaperByContentID(ctx, st.contentID)
		if findErr != nil {
			return findErr
		}
		if ok {
			st.duplicateOf, st.duplicateTier, st.duplicateSimilarity = existing.DocID, dedupe.TierVectorSimilarity, 1.0
		}
		return nil
	}
	if err != nil {
		return err
	}

	if syncErr := o.upsertVectors(ctx, st); syncErr != nil {
		log.Warn().Err(syncErr).Str("doc_id", st.docID).Msg("vector upsert failed after relational commit, flagging for sync")
		_ = o.rel.SetPendingVectorSync(ctx, st.docID, true)
	}
	return nil
}

// upsertVectors writes every page vector and the document vector. Runs
// after the relational transaction commits, never inside it.
func (o *Orchestrator) upsertVectors(ctx context.Context, st *state) error {
	for _, pe := range st.pageEmbeds {
		if err := o.vec.UpsertPageEmbedding(ctx, pe); err != nil {
			return err
		}
	}
	return o.vec.UpsertDocumentEmbedding(ctx, model.DocumentEmbedding{
		DocID: st.docID, ModelName: o.embedder.ModelName(), VectorDim: o.embedder.Dimension(), Vector: st.docVector,
	})
}

// splitIntoPages divides OCR'd full-document text evenly across pageCount
// pages when the OCR service returns one undivided blob rather than a
// per-page breakdown.
func splitIntoPages(text string, pageCount int) []string {
	if pageCount <= 1 {
		return []string{text}
	}
	runes := []rune(text)
	chunk := len(runes) / pageCount
	if chunk == 0 {
		out := make([]string, pageCount)
		out[0] = text
		return out
	}
	out := make([]string, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		start := i * chunk
		end := start + chunk
		if i == pageCount-1 || end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
