// Package vector is the system of record for embedding vectors, backed by
// chromem-go in its embedded, disk-persisted mode: a plain directory that
// a single process owns and the backup subsystem can tarball as-is.
package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/model"
)

const (
	pagesCollection     = "pages"
	documentsCollection = "documents"
)

// noEmbed is passed to chromem-go's collections in place of a real
// embedding function: every document this system stores already carries a
// precomputed vector from an external embedder adapter, so chromem never
// needs to embed text on our behalf. If it ever did, that would mean a
// caller forgot to attach Embedding before AddDocument.
func noEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("vector store: embedding function should never be invoked; embeddings are always precomputed")
}

// manifestEntry tracks the bookkeeping chromem-go's collection API doesn't
// expose directly (how many pages a doc_id has, whether it has a document
// vector at all), so DeleteDocument and the consistency checker don't have
// to enumerate the whole collection to find out.
type manifestEntry struct {
	PageCount   int `json:"page_count"`
	DocumentDim int `json:"document_dim"`
}

// Store wraps a disk-persisted chromem-go database split into a per-page
// and a per-document collection, sharing doc_id as the join key back into
// the relational store. A small JSON sidecar manifest tracks per-doc page
// counts alongside it.
type Store struct {
	db        *chromem.DB
	pages     *chromem.Collection
	documents *chromem.Collection

	manifestPath string
	mu           sync.Mutex
	manifest     map[string]manifestEntry
}

// Open opens (creating if absent) the chromem-go database rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "create vector store directory", err)
	}

	db, err := chromem.NewPersistentDB(dir, true)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "open vector store", err)
	}

	pages, err := db.GetOrCreateCollection(pagesCollection, nil, noEmbed)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "create pages collection", err)
	}
	documents, err := db.GetOrCreateCollection(documentsCollection, nil, noEmbed)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "create documents collection", err)
	}

	s := &Store{
		db:           db,
		pages:        pages,
		documents:    documents,
		manifestPath: filepath.Join(dir, "manifest.json"),
		manifest:     make(map[string]manifestEntry),
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadManifest() error {
	data, err := os.ReadFile(s.manifestPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "read vector manifest", err)
	}
	if err := json.Unmarshal(data, &s.manifest); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "parse vector manifest", err)
	}
	return nil
}

// saveManifest must be called with s.mu held.
func (s *Store) saveManifest() error {
	data, err := json.Marshal(s.manifest)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "marshal vector manifest", err)
	}
	if err := os.WriteFile(s.manifestPath, data, 0o644); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "write vector manifest", err)
	}
	return nil
}

// pageDocID builds the chromem document ID for one page of one paper.
func pageDocID(docID string, page int) string {
	return fmt.Sprintf("%s:%d", docID, page)
}

// normalize scales v to unit length so that chromem-go's cosine similarity
// and a plain dot product agree. Vectors are normalized once at write time
// rather than at each call site.
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// UpsertPageEmbedding stores (or replaces) one page's vector.
func (s *Store) UpsertPageEmbedding(ctx context.Context, pe model.PageEmbedding) error {
	doc := chromem.Document{
		ID: pageDocID(pe.DocID, pe.Page),
		Metadata: map[string]string{
			"doc_id":     pe.DocID,
			"page":       fmt.Sprint(pe.Page),
			"model_name": pe.ModelName,
		},
		Embedding: normalize(pe.Vector),
		Content:   pe.PageText,
	}
	if err := s.pages.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "upsert page embedding", err)
	}

	s.mu.Lock()
	entry := s.manifest[pe.DocID]
	if pe.Page > entry.PageCount {
		entry.PageCount = pe.Page
	}
	s.manifest[pe.DocID] = entry
	err := s.saveManifest()
	s.mu.Unlock()
	return err
}

// UpsertDocumentEmbedding stores (or replaces) a document's mean vector.
func (s *Store) UpsertDocumentEmbedding(ctx context.Context, de model.DocumentEmbedding) error {
	doc := chromem.Document{
		ID: de.DocID,
		Metadata: map[string]string{
			"doc_id":     de.DocID,
			"model_name": de.ModelName,
		},
		Embedding: normalize(de.Vector),
	}
	if err := s.documents.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "upsert document embedding", err)
	}

	s.mu.Lock()
	entry := s.manifest[de.DocID]
	entry.DocumentDim = len(de.Vector)
	s.manifest[de.DocID] = entry
	err := s.saveManifest()
	s.mu.Unlock()
	return err
}

// DocumentVectorDim reports the recorded dimension of docID's document
// vector and whether one is on record at all, used by the consistency
// checker's embedding-dimension-mismatch class.
func (s *Store) DocumentVectorDim(docID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.manifest[docID]
	return entry.DocumentDim, ok && entry.DocumentDim > 0
}

// SimilarDocument is one nearest-neighbor hit against the documents collection.
type SimilarDocument struct {
	DocID      string
	Similarity float32
}

// QuerySimilarDocuments runs the L3 dedup / "find similar papers" cosine
// search against the documents collection. vector is normalized here the
// same way UpsertDocumentEmbedding normalizes at write time.
func (s *Store) QuerySimilarDocuments(ctx context.Context, vector []float32, topK int) ([]SimilarDocument, error) {
	if topK <= 0 {
		topK = 10
	}
	n := topK
	if count := s.documents.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := s.documents.QueryEmbedding(ctx, normalize(vector), n, nil, nil)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "query similar documents", err)
	}

	out := make([]SimilarDocument, 0, len(results))
	for _, r := range results {
		out = append(out, SimilarDocument{DocID: r.ID, Similarity: r.Similarity})
	}
	return out, nil
}

// GetDocumentVector returns docID's stored mean vector, or ok=false when
// no document entry exists.
func (s *Store) GetDocumentVector(ctx context.Context, docID string) ([]float32, bool, error) {
	if _, ok := s.DocumentVectorDim(docID); !ok {
		return nil, false, nil
	}
	doc, err := s.documents.GetByID(ctx, docID)
	if err != nil {
		return nil, false, nil
	}
	return doc.Embedding, true, nil
}

// GetPageVector returns one page's stored vector and text, or ok=false
// when the page has no entry. page is 1-based.
func (s *Store) GetPageVector(ctx context.Context, docID string, page int) (model.PageEmbedding, bool, error) {
	doc, err := s.pages.GetByID(ctx, pageDocID(docID, page))
	if err != nil {
		return model.PageEmbedding{}, false, nil
	}
	return model.PageEmbedding{
		DocID:     docID,
		Page:      page,
		PageText:  doc.Content,
		VectorDim: len(doc.Embedding),
		ModelName: doc.Metadata["model_name"],
		Vector:    doc.Embedding,
	}, true, nil
}

// GetPageVectors returns every page vector on record for docID in page order.
func (s *Store) GetPageVectors(ctx context.Context, docID string) ([]model.PageEmbedding, error) {
	count := s.PageCount(docID)
	out := make([]model.PageEmbedding, 0, count)
	for page := 1; page <= count; page++ {
		pe, ok, err := s.GetPageVector(ctx, docID, page)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, pe)
		}
	}
	return out, nil
}

// PageCount reports how many page vectors are on record for docID, from
// the sidecar manifest rather than a chromem-go enumeration.
func (s *Store) PageCount(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest[docID].PageCount
}

// HasVectors reports whether the manifest has any entry for docID: at
// least one page vector or a document vector.
func (s *Store) HasVectors(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.manifest[docID]
	return ok
}

// KnownDocIDs lists every doc_id the manifest has seen, used by the
// consistency checker to find vectors with no relational-side paper
// without requiring a full chromem-go collection scan.
func (s *Store) KnownDocIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.manifest))
	for id := range s.manifest {
		ids = append(ids, id)
	}
	return ids
}

// DeleteDocument removes every page vector and the document vector for
// docID, used by restore/consistency-fix flows that rebuild a paper.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	pageCount := s.PageCount(docID)
	ids := make([]string, 0, pageCount)
	for page := 1; page <= pageCount; page++ {
		ids = append(ids, pageDocID(docID, page))
	}
	if len(ids) > 0 {
		if err := s.pages.Delete(ctx, nil, nil, ids...); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "delete page vectors", err)
		}
	}
	if err := s.documents.Delete(ctx, nil, nil, docID); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "delete document vector", err)
	}

	s.mu.Lock()
	delete(s.manifest, docID)
	err := s.saveManifest()
	s.mu.Unlock()
	return err
}

// Counts reports collection sizes, used by /status and the consistency checker.
func (s *Store) Counts() (pages int, documents int) {
	return s.pages.Count(), s.documents.Count()
}
