// Package relational is the system of record for everything except
// embedding vectors: papers, page text, metadata, layout, dedup hashes,
// jobs and backup records, in a single SQLite file with a version-tracked
// migration path.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/model"
)

const currentSchemaVersion = 1

// ErrContentIDConflict signals that FinalizePaper's insert lost a race
// against another transaction writing a Paper with the same content_id.
// Whichever transaction commits first wins; callers should look up the
// winning Paper by content_id and complete the job as a duplicate instead.
var ErrContentIDConflict = errors.New("content_id conflict: a paper with this content already exists")

// Store is the relational system of record, backed by a single SQLite
// file opened in WAL mode for concurrent readers alongside the writer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and brings
// its schema up to currentSchemaVersion.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, "create db directory", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "open sqlite database", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for packages (backup, consistency) that
// need to run ad hoc read queries or take a file-level snapshot.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS papers (
			doc_id TEXT PRIMARY KEY,
			content_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			ocr_quality TEXT NOT NULL DEFAULT 'unknown',
			ocr_regenerated INTEGER NOT NULL DEFAULT 0,
			original_file_path TEXT,
			processing_notes TEXT,
			pending_vector_sync INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_papers_content_id ON papers(content_id)`,
		`CREATE INDEX IF NOT EXISTS idx_papers_pending_sync ON papers(pending_vector_sync)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			doc_id TEXT PRIMARY KEY REFERENCES papers(doc_id) ON DELETE CASCADE,
			title TEXT,
			authors TEXT NOT NULL DEFAULT '[]',
			journal TEXT,
			year INTEGER,
			doi TEXT,
			abstract TEXT,
			provenance TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS page_texts (
			doc_id TEXT NOT NULL REFERENCES papers(doc_id) ON DELETE CASCADE,
			page_number INTEGER NOT NULL,
			page_text TEXT NOT NULL,
			vector_dim INTEGER NOT NULL,
			model_name TEXT NOT NULL,
			PRIMARY KEY (doc_id, page_number)
		)`,
		`CREATE TABLE IF NOT EXISTS layout_analysis (
			doc_id TEXT PRIMARY KEY REFERENCES papers(doc_id) ON DELETE CASCADE,
			page_count INTEGER NOT NULL,
			layout_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS duplicate_hashes (
			doc_id TEXT PRIMARY KEY REFERENCES papers(doc_id) ON DELETE CASCADE,
			file_hash TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			content_hash_pages INTEGER NOT NULL,
			sample_embedding_hash TEXT,
			sample_strategy TEXT,
			sample_vector_dim INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dup_file_hash ON duplicate_hashes(file_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_dup_content_hash ON duplicate_hashes(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_dup_sample_hash ON duplicate_hashes(sample_embedding_hash)`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
			job_id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			progress_percentage INTEGER NOT NULL DEFAULT 0,
			current_step TEXT,
			steps_completed TEXT NOT NULL DEFAULT '[]',
			steps_failed TEXT NOT NULL DEFAULT '[]',
			error_message TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			paper_id TEXT,
			source_ip TEXT,
			upload_path TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON processing_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON processing_jobs(created_at)`,
		`CREATE TABLE IF NOT EXISTS duplicate_references (
			ref_doc_id TEXT PRIMARY KEY,
			duplicate_of_doc_id TEXT NOT NULL REFERENCES papers(doc_id) ON DELETE CASCADE,
			tier TEXT NOT NULL,
			similarity REAL,
			detected_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dup_ref_of ON duplicate_references(duplicate_of_doc_id)`,
		`CREATE TABLE IF NOT EXISTS backup_records (
			backup_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			status TEXT NOT NULL,
			expire_date TEXT,
			source TEXT NOT NULL,
			artifact_path TEXT NOT NULL
		)`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "begin migration", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "apply schema statement", err)
		}
	}

	var versionStr string
	err = tx.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&versionStr)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_meta (key, value) VALUES ('version', ?)`, fmt.Sprint(currentSchemaVersion)); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "seed schema version", err)
		}
	} else if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "read schema version", err)
	}
	// Future versions append ALTER TABLE statements here, gated on the
	// value read above, then bump schema_meta.version in the same tx.

	return tx.Commit()
}

// UpsertPaper inserts or replaces a Paper row.
func (s *Store) UpsertPaper(ctx context.Context, p model.Paper) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO papers (doc_id, content_id, filename, ocr_quality, ocr_regenerated, original_file_path, processing_notes, pending_vector_sync, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET
			content_id=excluded.content_id, filename=excluded.filename, ocr_quality=excluded.ocr_quality,
			ocr_regenerated=excluded.ocr_regenerated, original_file_path=excluded.original_file_path,
			processing_notes=excluded.processing_notes, pending_vector_sync=excluded.pending_vector_sync,
			updated_at=excluded.updated_at`,
		p.DocID, p.ContentID, p.Filename, string(p.OCRQuality), boolToInt(p.OCRRegenerated),
		p.OriginalFilePath, p.ProcessingNotes, boolToInt(p.PendingVectorSync),
		p.CreatedAt.UTC().Format(time.RFC3339Nano), p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "upsert paper", err)
	}
	return nil
}

// GetPaper fetches a Paper by doc_id.
func (s *Store) GetPaper(ctx context.Context, docID string) (model.Paper, error) {
	var p model.Paper
	var ocrRegen, pendingSync int
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, content_id, filename, ocr_quality, ocr_regenerated, original_file_path, processing_notes, pending_vector_sync, created_at, updated_at
		 FROM papers WHERE doc_id = ?`, docID,
	).Scan(&p.DocID, &p.ContentID, &p.Filename, &p.OCRQuality, &ocrRegen, &p.OriginalFilePath, &p.ProcessingNotes, &pendingSync, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return model.Paper{}, apierrors.New(apierrors.KindNotFound, "paper not found: "+docID)
	}
	if err != nil {
		return model.Paper{}, apierrors.Wrap(apierrors.KindInternal, "get paper", err)
	}
	p.OCRRegenerated = ocrRegen != 0
	p.PendingVectorSync = pendingSync != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return p, nil
}

// FindPaperByContentID looks up a paper by its content_id, the hash of its
// document vector.
func (s *Store) FindPaperByContentID(ctx context.Context, contentID string) (model.Paper, bool, error) {
	var docID string
	err := s.db.QueryRowContext(ctx, `SELECT doc_id FROM papers WHERE content_id = ? LIMIT 1`, contentID).Scan(&docID)
	if err == sql.ErrNoRows {
		return model.Paper{}, false, nil
	}
	if err != nil {
		return model.Paper{}, false, apierrors.Wrap(apierrors.KindInternal, "find paper by content_id", err)
	}
	p, err := s.GetPaper(ctx, docID)
	return p, err == nil, err
}

// FindByFileHash looks up a doc_id by its L0 file hash.
func (s *Store) FindByFileHash(ctx context.Context, fileHash string) (string, bool, error) {
	var docID string
	err := s.db.QueryRowContext(ctx, `SELECT doc_id FROM duplicate_hashes WHERE file_hash = ? LIMIT 1`, fileHash).Scan(&docID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierrors.Wrap(apierrors.KindInternal, "find by file hash", err)
	}
	return docID, true, nil
}

// FindByContentHash looks up a doc_id by its L1 content hash.
func (s *Store) FindByContentHash(ctx context.Context, contentHash string) (string, bool, error) {
	var docID string
	err := s.db.QueryRowContext(ctx, `SELECT doc_id FROM duplicate_hashes WHERE content_hash = ? LIMIT 1`, contentHash).Scan(&docID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierrors.Wrap(apierrors.KindInternal, "find by content hash", err)
	}
	return docID, true, nil
}

// FindBySampleEmbeddingHash looks up a doc_id by its L2 sample-embedding hash.
func (s *Store) FindBySampleEmbeddingHash(ctx context.Context, sampleHash string) (string, bool, error) {
	var docID string
	err := s.db.QueryRowContext(ctx, `SELECT doc_id FROM duplicate_hashes WHERE sample_embedding_hash = ? LIMIT 1`, sampleHash).Scan(&docID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierrors.Wrap(apierrors.KindInternal, "find by sample embedding hash", err)
	}
	return docID, true, nil
}

// FinalizePaper writes the paper, its page texts, metadata, layout and
// dedup hashes for a completed pipeline run in a single transaction, and
// marks the associated job completed. Either every row lands or none does.
func (s *Store) FinalizePaper(ctx context.Context, p model.Paper, pages []model.PageEmbedding, md *model.Metadata, layout *model.LayoutAnalysis, hashes model.DuplicateHashes, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "begin finalize tx", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO papers (doc_id, content_id, filename, ocr_quality, ocr_regenerated, original_file_path, processing_notes, pending_vector_sync, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET
			content_id=excluded.content_id, filename=excluded.filename, ocr_quality=excluded.ocr_quality,
			ocr_regenerated=excluded.ocr_regenerated, original_file_path=excluded.original_file_path,
			processing_notes=excluded.processing_notes, pending_vector_sync=excluded.pending_vector_sync,
			updated_at=excluded.updated_at`,
		p.DocID, p.ContentID, p.Filename, string(p.OCRQuality), boolToInt(p.OCRRegenerated),
		p.OriginalFilePath, p.ProcessingNotes, boolToInt(p.PendingVectorSync),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") && strings.Contains(err.Error(), "content_id") {
			return ErrContentIDConflict
		}
		return apierrors.Wrap(apierrors.KindInternal, "finalize: upsert paper", err)
	}

	for _, page := range pages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO page_texts (doc_id, page_number, page_text, vector_dim, model_name)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(doc_id, page_number) DO UPDATE SET
				page_text=excluded.page_text, vector_dim=excluded.vector_dim, model_name=excluded.model_name`,
			page.DocID, page.Page, page.PageText, page.VectorDim, page.ModelName,
		); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "finalize: upsert page text", err)
		}
	}

	if md != nil {
		authorsJSON, _ := json.Marshal(md.Authors)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metadata (doc_id, title, authors, journal, year, doi, abstract, provenance)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(doc_id) DO UPDATE SET
				title=excluded.title, authors=excluded.authors, journal=excluded.journal, year=excluded.year,
				doi=excluded.doi, abstract=excluded.abstract, provenance=excluded.provenance`,
			md.DocID, md.Title, string(authorsJSON), md.Journal, md.Year, md.DOI, md.Abstract, string(md.Provenance),
		); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "finalize: upsert metadata", err)
		}
	}

	if layout != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO layout_analysis (doc_id, page_count, layout_json)
			 VALUES (?, ?, ?)
			 ON CONFLICT(doc_id) DO UPDATE SET page_count=excluded.page_count, layout_json=excluded.layout_json`,
			layout.DocID, layout.PageCount, layout.LayoutJSON,
		); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "finalize: upsert layout", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO duplicate_hashes (doc_id, file_hash, content_hash, content_hash_pages, sample_embedding_hash, sample_strategy, sample_vector_dim)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET
			file_hash=excluded.file_hash, content_hash=excluded.content_hash, content_hash_pages=excluded.content_hash_pages,
			sample_embedding_hash=excluded.sample_embedding_hash, sample_strategy=excluded.sample_strategy, sample_vector_dim=excluded.sample_vector_dim`,
		hashes.DocID, hashes.FileHash, hashes.ContentHash, hashes.ContentHashPages,
		hashes.SampleEmbeddingHash, hashes.SampleStrategy, hashes.SampleVectorDim,
	); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "finalize: upsert dedup hashes", err)
	}

	if jobID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE processing_jobs SET status = ?, progress_percentage = 100, completed_at = ?, paper_id = ? WHERE job_id = ?`,
			string(model.JobCompleted), now.Format(time.RFC3339Nano), p.DocID, jobID,
		); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "finalize: complete job", err)
		}
	}

	return tx.Commit()
}

// RecordDuplicateReference links a later upload (refDocID, the rejected
// job's own id) to the existing Paper a dedup tier matched: a duplicate
// hit never creates a new Paper, only a reference row.
func (s *Store) RecordDuplicateReference(ctx context.Context, refDocID, duplicateOfDocID, tier string, similarity float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO duplicate_references (ref_doc_id, duplicate_of_doc_id, tier, similarity, detected_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ref_doc_id) DO UPDATE SET
			duplicate_of_doc_id=excluded.duplicate_of_doc_id, tier=excluded.tier,
			similarity=excluded.similarity, detected_at=excluded.detected_at`,
		refDocID, duplicateOfDocID, tier, similarity, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "record duplicate reference", err)
	}
	return nil
}

// CompleteJobAsDuplicate marks jobID completed with paper_id pointed at the
// existing Paper a dedup tier matched, without ever creating a new Paper row.
func (s *Store) CompleteJobAsDuplicate(ctx context.Context, jobID, existingDocID string, progress int, completed, failedSteps []model.StepResult) error {
	completedJSON, _ := json.Marshal(completed)
	failedJSON, _ := json.Marshal(failedSteps)
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, progress_percentage = ?, current_step = ?, steps_completed = ?, steps_failed = ?, completed_at = ?, paper_id = ? WHERE job_id = ?`,
		string(model.JobCompleted), progress, "duplicate", string(completedJSON), string(failedJSON),
		time.Now().UTC().Format(time.RFC3339Nano), existingDocID, jobID,
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "complete job as duplicate", err)
	}
	return nil
}

// GetMetadata fetches the Metadata row for docID, if one exists.
func (s *Store) GetMetadata(ctx context.Context, docID string) (*model.Metadata, error) {
	var md model.Metadata
	var authorsJSON string
	var year sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, title, authors, journal, year, doi, abstract, provenance FROM metadata WHERE doc_id = ?`, docID,
	).Scan(&md.DocID, &md.Title, &authorsJSON, &md.Journal, &year, &md.DOI, &md.Abstract, &md.Provenance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "get metadata", err)
	}
	_ = json.Unmarshal([]byte(authorsJSON), &md.Authors)
	md.Year = int(year.Int64)
	return &md, nil
}

// GetLayout fetches the LayoutAnalysis row for docID, if one exists.
func (s *Store) GetLayout(ctx context.Context, docID string) (*model.LayoutAnalysis, error) {
	var la model.LayoutAnalysis
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, page_count, layout_json FROM layout_analysis WHERE doc_id = ?`, docID,
	).Scan(&la.DocID, &la.PageCount, &la.LayoutJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "get layout", err)
	}
	return &la, nil
}

// GetDuplicateHashes fetches the DuplicateHashes row for docID, if one exists.
func (s *Store) GetDuplicateHashes(ctx context.Context, docID string) (*model.DuplicateHashes, error) {
	var h model.DuplicateHashes
	var sampleHash, sampleStrategy sql.NullString
	var sampleDim sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, file_hash, content_hash, content_hash_pages, sample_embedding_hash, sample_strategy, sample_vector_dim
		 FROM duplicate_hashes WHERE doc_id = ?`, docID,
	).Scan(&h.DocID, &h.FileHash, &h.ContentHash, &h.ContentHashPages, &sampleHash, &sampleStrategy, &sampleDim)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "get duplicate hashes", err)
	}
	h.SampleEmbeddingHash = sampleHash.String
	h.SampleStrategy = sampleStrategy.String
	h.SampleVectorDim = int(sampleDim.Int64)
	return &h, nil
}

// GetPageTexts returns docID's stored page texts ordered by page number.
func (s *Store) GetPageTexts(ctx context.Context, docID string) ([]model.PageEmbedding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, page_number, page_text, vector_dim, model_name FROM page_texts WHERE doc_id = ? ORDER BY page_number`, docID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "get page texts", err)
	}
	defer rows.Close()

	var out []model.PageEmbedding
	for rows.Next() {
		var pe model.PageEmbedding
		if err := rows.Scan(&pe.DocID, &pe.Page, &pe.PageText, &pe.VectorDim, &pe.ModelName); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, "scan page text", err)
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// PageCount reports how many page_texts rows docID has on record.
func (s *Store) PageCount(ctx context.Context, docID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM page_texts WHERE doc_id = ?`, docID).Scan(&n); err != nil {
		return 0, apierrors.Wrap(apierrors.KindInternal, "count page texts", err)
	}
	return n, nil
}

// SearchMetadataTitles runs the keyword path of /search: a case-insensitive
// substring match against metadata titles.
func (s *Store) SearchMetadataTitles(ctx context.Context, query string, limit int) ([]model.Metadata, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, title, authors, journal, year, doi, abstract, provenance
		 FROM metadata WHERE title LIKE ? COLLATE NOCASE ORDER BY doc_id LIMIT ?`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "search metadata", err)
	}
	defer rows.Close()

	var out []model.Metadata
	for rows.Next() {
		var md model.Metadata
		var authorsJSON string
		var year sql.NullInt64
		if err := rows.Scan(&md.DocID, &md.Title, &authorsJSON, &md.Journal, &year, &md.DOI, &md.Abstract, &md.Provenance); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, "scan metadata row", err)
		}
		_ = json.Unmarshal([]byte(authorsJSON), &md.Authors)
		md.Year = int(year.Int64)
		out = append(out, md)
	}
	return out, rows.Err()
}

// AllDocIDs lists every doc_id in the store, used by the consistency checker.
func (s *Store) AllDocIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM papers`)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "list doc ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, "scan doc id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingVectorSync lists doc_ids flagged for a retry of their vector write.
func (s *Store) PendingVectorSync(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM papers WHERE pending_vector_sync = 1`)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "list pending vector sync", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, "scan pending doc id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetPendingVectorSync flips the pending_vector_sync flag for docID.
func (s *Store) SetPendingVectorSync(ctx context.Context, docID string, pending bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE papers SET pending_vector_sync = ?, updated_at = ? WHERE doc_id = ?`,
		boolToInt(pending), time.Now().UTC().Format(time.RFC3339Nano), docID)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "set pending vector sync", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
