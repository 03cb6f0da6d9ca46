// Package httpapi exposes the ingestion core over plain net/http: a bare
// *http.ServeMux, json.NewEncoder for responses, http.Error for failures.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/scholarly/ingestd/internal/adapters"
	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/backup"
	"github.com/scholarly/ingestd/internal/consistency"
	"github.com/scholarly/ingestd/internal/job"
	"github.com/scholarly/ingestd/internal/metrics"
	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/pdftext"
	"github.com/scholarly/ingestd/internal/security"
	"github.com/scholarly/ingestd/internal/store/relational"
	"github.com/scholarly/ingestd/internal/store/vector"
	"github.com/scholarly/ingestd/internal/vecbytes"
)

// Blobs is the read/write slice of the blob store the HTTP surface needs.
type Blobs interface {
	GetPDF(ctx context.Context, docID string) ([]byte, error)
	GetPreview(ctx context.Context, docID string) ([]byte, error)
}

// Server wires the job engine and the three stores behind the HTTP
// surface. Pause/Resume are invoked around admin restores so the job
// engine stops dequeuing while a store's files are being swapped out.
type Server struct {
	engine    *job.Engine
	rel       *relational.Store
	vec       *vector.Store
	blobStore Blobs
	backups   *backup.Manager
	checker   *consistency.Checker
	limiter   *security.RateLimiter
	embedder  adapters.Embedder

	// AdminToken gates the /admin endpoints when non-empty; the matching
	// X-Admin-Token header stands in for the superuser capability restores
	// require (full auth is out of scope, capability gating is not).
	AdminToken string

	// Breakers reports the current circuit state per external service,
	// backing /status's per-service readiness payload.
	Breakers func(ctx context.Context) []model.ServiceBreakerState

	// Tracker and Sampler back the performance snapshot export.
	Tracker *metrics.Tracker
	Sampler *metrics.Sampler

	Pause  func()
	Resume func()
}

// New builds a Server. embedder is the same process-wide singleton the
// pipeline orchestrator embeds pages with, reused here so the consistency
// checker's auto-fix path re-embeds exactly the way ingestion does.
func New(engine *job.Engine, rel *relational.Store, vec *vector.Store, blobStore Blobs, backups *backup.Manager, checker *consistency.Checker, limiter *security.RateLimiter, embedder adapters.Embedder) *Server {
	return &Server{engine: engine, rel: rel, vec: vec, blobStore: blobStore, backups: backups, checker: checker, limiter: limiter, embedder: embedder}
}

// RegisterRoutes attaches every endpoint to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/upload-priority", s.handleUploadPriority)
	mux.HandleFunc("/job/", s.handleJob)
	mux.HandleFunc("/queue/cancel/", s.handleCancel)

	mux.HandleFunc("/paper/", s.handlePaper)
	mux.HandleFunc("/metadata/", s.handleMetadata)
	mux.HandleFunc("/embedding/", s.handleEmbedding)
	mux.HandleFunc("/layout/", s.handleLayout)
	mux.HandleFunc("/text/", s.handleText)
	mux.HandleFunc("/preview/", s.handlePreview)
	mux.HandleFunc("/download/", s.handleDownload)

	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/similar/", s.handleSimilar)
	mux.HandleFunc("/search/vector", s.handleVectorSearch)

	mux.HandleFunc("/admin/backup/trigger", s.handleBackupTrigger)
	mux.HandleFunc("/admin/backup/restore/", s.handleBackupRestore)
	mux.HandleFunc("/admin/consistency/check", s.handleConsistencyCheck)
	mux.HandleFunc("/admin/consistency/fix", s.handleConsistencyFix)
	mux.HandleFunc("/admin/performance/export", s.handlePerformanceExport)
}

// --- response helpers -------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps err onto its taxonomy status code (apierrors.HTTPStatus)
// and a small JSON body, logging every 5xx response.
func writeErr(w http.ResponseWriter, err error) {
	kind := apierrors.KindOf(err)
	status := apierrors.HTTPStatus(kind)
	if status >= 500 {
		log.Error().Err(err).Str("kind", string(kind)).Msg("httpapi internal error")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func pathTail(prefix, path string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

// requireAdmin enforces the admin capability gate. Returns false (and
// writes 403) when a token is configured and the request lacks it.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.AdminToken == "" {
		return true
	}
	got := r.Header.Get("X-Admin-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.AdminToken)) == 1 {
		return true
	}
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin capability required"})
	return false
}

// --- health / status ----------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleStatus reports per-service readiness: each circuit breaker's state,
// the vector store's page and document collection counts, and the
// tracker's rolling per-stage stats.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pages, documents := s.vec.Counts()
	payload := map[string]any{
		"vector_pages":     pages,
		"vector_documents": documents,
	}
	if s.Breakers != nil {
		payload["services"] = s.Breakers(r.Context())
	}
	if s.Tracker != nil {
		payload["stages"] = s.Tracker.Snapshot()
	}
	writeJSON(w, http.StatusOK, payload)
}

// --- upload / job lifecycle ---------------------------------------------

func (s *Server) submit(w http.ResponseWriter, r *http.Request, parsePriority bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	priority := model.PriorityNormal
	if parsePriority {
		parsed, ok := model.ParsePriority(r.FormValue("priority"))
		if !ok {
			writeErr(w, apierrors.New(apierrors.KindInvalidInput, "invalid priority: "+r.FormValue("priority")))
			return
		}
		priority = parsed
	}

	ip := ""
	if s.limiter != nil {
		ip = s.limiter.SourceIP(r)
	}
	j, err := s.engine.Submit(r.Context(), file, hdr.Filename, ip, priority)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, false)
}

func (s *Server) handleUploadPriority(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, true)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := pathTail("/job/", r.URL.Path)
	if jobID == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}
	j, err := s.engine.Status(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jobID := pathTail("/queue/cancel/", r.URL.Path)
	if jobID == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}
	cancelled, err := s.engine.Cancel(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !cancelled {
		writeErr(w, apierrors.New(apierrors.KindInvalidInput, "cannot_cancel: job already past the cancellable window"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "cancelled": true})
}

// --- paper / metadata / embedding / layout / text / download ------------

func (s *Server) handlePaper(w http.ResponseWriter, r *http.Request) {
	docID := pathTail("/paper/", r.URL.Path)
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}
	p, err := s.rel.GetPaper(r.Context(), docID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	docID := pathTail("/metadata/", r.URL.Path)
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}
	md, err := s.rel.GetMetadata(r.Context(), docID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if md == nil {
		writeErr(w, apierrors.New(apierrors.KindNotFound, "no metadata for "+docID))
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// handleEmbedding covers /embedding/{doc_id} (the document vector),
// /embedding/{doc_id}/pages (every page vector) and
// /embedding/{doc_id}/page/{n} (one page vector, 1-based).
func (s *Server) handleEmbedding(w http.ResponseWriter, r *http.Request) {
	tail := pathTail("/embedding/", r.URL.Path)
	parts := strings.Split(tail, "/")
	docID := parts[0]
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		vec, ok, err := s.vec.GetDocumentVector(r.Context(), docID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !ok {
			writeErr(w, apierrors.New(apierrors.KindNotFound, "no document vector for "+docID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"doc_id": docID, "dimension": len(vec), "vector": vec})
	case len(parts) == 2 && parts[1] == "pages":
		pages, err := s.vec.GetPageVectors(r.Context(), docID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if len(pages) == 0 {
			writeErr(w, apierrors.New(apierrors.KindNotFound, "no page vectors for "+docID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"doc_id": docID, "page_count": len(pages), "pages": pages})
	case len(parts) == 3 && parts[1] == "page":
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 1 {
			writeErr(w, apierrors.New(apierrors.KindInvalidInput, "invalid page number"))
			return
		}
		pe, ok, err := s.vec.GetPageVector(r.Context(), docID, n)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !ok {
			writeErr(w, apierrors.New(apierrors.KindNotFound, "no vector for that page"))
			return
		}
		writeJSON(w, http.StatusOK, pe)
	default:
		http.Error(w, "unrecognized embedding path", http.StatusBadRequest)
	}
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	docID := pathTail("/layout/", r.URL.Path)
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}
	la, err := s.rel.GetLayout(r.Context(), docID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if la == nil {
		writeErr(w, apierrors.New(apierrors.KindNotFound, "no layout analysis for "+docID))
		return
	}
	writeJSON(w, http.StatusOK, la)
}

// handleText serves the paper's extracted text from the relational
// page_texts rows, joined in page order.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	docID := pathTail("/text/", r.URL.Path)
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}
	pages, err := s.rel.GetPageTexts(r.Context(), docID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(pages) == 0 {
		writeErr(w, apierrors.New(apierrors.KindNotFound, "no extracted text for "+docID))
		return
	}
	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = p.PageText
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strings.Join(texts, "\n\f\n")))
}

// handlePreview serves the rendered first-page PNG from images/{doc_id}_p1.png.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	docID := pathTail("/preview/", r.URL.Path)
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}
	data, err := s.blobStore.GetPreview(r.Context(), docID)
	if err != nil {
		writeErr(w, apierrors.Wrap(apierrors.KindNotFound, "no preview for "+docID, err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	docID := pathTail("/download/", r.URL.Path)
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}
	data, err := s.blobStore.GetPDF(r.Context(), docID)
	if err != nil {
		writeErr(w, apierrors.Wrap(apierrors.KindNotFound, "no stored pdf for "+docID, err))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+docID+`.pdf"`)
	_, _ = w.Write(data)
}

// --- search ---------------------------------------------------------------

// handleSearch covers the keyword path of /search: a case-insensitive
// title substring match over the relational metadata table.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "missing q", http.StatusBadRequest)
		return
	}
	hits, err := s.rel.SearchMetadataTitles(r.Context(), q, 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": hits})
}

// handleSimilar returns the nearest neighbors of docID's document vector,
// excluding the document itself.
func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	docID := pathTail("/similar/", r.URL.Path)
	if docID == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}
	docVec, ok, err := s.vec.GetDocumentVector(r.Context(), docID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, apierrors.New(apierrors.KindNotFound, "no document vector for "+docID))
		return
	}
	hits, err := s.vec.QuerySimilarDocuments(r.Context(), docVec, 11)
	if err != nil {
		writeErr(w, err)
		return
	}
	neighbors := make([]vector.SimilarDocument, 0, len(hits))
	for _, hit := range hits {
		if hit.DocID == docID {
			continue
		}
		neighbors = append(neighbors, hit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc_id": docID, "results": neighbors})
}

type vectorSearchRequest struct {
	Vector []float32 `json:"vector"`
	TopK   int       `json:"top_k"`
}

// handleVectorSearch runs a raw cosine query against the document
// collection for callers that already have an embedding in hand (e.g. a
// client re-querying the same embedder this system used at ingest time).
func (s *Server) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req vectorSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Vector) == 0 {
		http.Error(w, "missing vector", http.StatusBadRequest)
		return
	}
	hits, err := s.vec.QuerySimilarDocuments(r.Context(), req.Vector, req.TopK)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// --- admin: backup / restore / consistency -------------------------------

func (s *Server) handleBackupTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	backupType := r.URL.Query().Get("type")

	var (
		rec model.BackupRecord
		err error
	)
	switch model.BackupType(backupType) {
	case model.BackupSnapshot, "":
		rec, err = s.backups.Snapshot(r.Context())
	case model.BackupFull:
		rec, err = s.backups.Full(r.Context())
	case model.BackupIncremental:
		rec, err = s.backups.Incremental(r.Context())
	case model.BackupUnified:
		rec, err = s.backups.Unified(r.Context())
	default:
		http.Error(w, "unrecognized backup type", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	backupID := pathTail("/admin/backup/restore/", r.URL.Path)
	if backupID == "" {
		http.Error(w, "missing backup id", http.StatusBadRequest)
		return
	}
	if err := s.backups.Restore(r.Context(), backupID, s.Pause, s.Resume); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backup_id": backupID, "restored": true})
}

func (s *Server) handleConsistencyCheck(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	report, err := s.checker.Check(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleConsistencyFix re-checks, then runs the auto-fix pass with the
// re-embed callback below.
func (s *Server) handleConsistencyFix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	report, err := s.checker.Check(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	result, err := s.checker.Fix(r.Context(), report, s.reembed)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fixed": result.Fixed, "failed": result.Failed})
}

// handlePerformanceExport serves the tracker snapshot plus the resource
// sampler's retained history as JSON or CSV.
func (s *Server) handlePerformanceExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.Sampler == nil {
		writeErr(w, apierrors.New(apierrors.KindInternal, "resource sampler not running"))
		return
	}
	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		if err := s.Sampler.WriteCSV(w); err != nil {
			log.Error().Err(err).Msg("csv export failed")
		}
	default:
		payload := map[string]any{"resources": s.Sampler.History()}
		if s.Tracker != nil {
			payload["stages"] = s.Tracker.Snapshot()
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

// reembed repairs a doc_id's vector-store entries from its relational
// record: take the page texts from the relational page_texts rows (or
// re-extract them from the stored PDF when there are none), re-embed every
// page through the same process-wide embedder ingestion uses, upsert the
// page vectors, and derive the document vector as their componentwise mean.
func (s *Server) reembed(ctx context.Context, docID string) error {
	// The relational page_texts rows are the system of record; fall back to
	// re-extracting from the stored PDF only when they are missing.
	pages, err := s.rel.GetPageTexts(ctx, docID)
	if err != nil {
		return err
	}
	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = p.PageText
	}
	if len(texts) == 0 {
		texts, err = s.extractFromBlob(ctx, docID)
		if err != nil {
			return err
		}
	}

	// Drop whatever the vector store currently holds for this doc before
	// rebuilding: a repair that only overwrites pages 1..N would leave
	// stale excess pages (and an inflated manifest count) behind whenever
	// the store had more pages on record than the relational side, and the
	// mismatch would survive every fix pass.
	if s.vec.HasVectors(docID) {
		if err := s.vec.DeleteDocument(ctx, docID); err != nil {
			return err
		}
	}

	vectors := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return apierrors.Wrap(apierrors.KindServiceUnavailable, "re-embed page", err)
		}
		vectors = append(vectors, vec)
		if err := s.vec.UpsertPageEmbedding(ctx, model.PageEmbedding{
			DocID: docID, Page: i + 1, PageText: text,
			VectorDim: s.embedder.Dimension(), ModelName: s.embedder.ModelName(), Vector: vec,
		}); err != nil {
			return err
		}
	}
	if len(vectors) == 0 {
		return apierrors.New(apierrors.KindDataIntegrity, "no pages produced embeddings during re-embed")
	}

	mean := vecbytes.Mean(vectors)
	return s.vec.UpsertDocumentEmbedding(ctx, model.DocumentEmbedding{
		DocID: docID, ModelName: s.embedder.ModelName(), VectorDim: s.embedder.Dimension(), Vector: mean,
	})
}

func (s *Server) extractFromBlob(ctx context.Context, docID string) ([]string, error) {
	data, err := s.blobStore.GetPDF(ctx, docID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindDataIntegrity, "source PDF missing for re-embed", err)
	}

	tmp, err := os.CreateTemp("", "reembed-*.pdf")
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "create temp file for re-embed", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, apierrors.Wrap(apierrors.KindInternal, "write temp file for re-embed", err)
	}
	tmp.Close()

	doc, err := pdftext.Open(tmp.Name())
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	return doc.AllPageText()
}
