// Package backup implements the backup, restore and retention subsystem:
// scheduled snapshot/incremental/full/unified artifacts of the relational
// and vector stores, each checksummed and tracked as a BackupRecord.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/config"
	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/store/relational"
)

// Manager takes and restores backups of the two on-disk stores. Snapshot
// and Full artifacts are uncompressed copies of the database file;
// Incremental and Unified artifacts are gzip-compressed tars. Every
// artifact carries a SHA-256 checksum.
type Manager struct {
	rel        *relational.Store
	cfg        config.BackupConfig
	sqlitePath string
	vectorDir  string
}

// New builds a Manager rooted at cfg.Dir, backing up sqlitePath and
// vectorDir.
func New(rel *relational.Store, cfg config.BackupConfig, sqlitePath, vectorDir string) *Manager {
	return &Manager{rel: rel, cfg: cfg, sqlitePath: sqlitePath, vectorDir: vectorDir}
}

func (m *Manager) dirFor(backupType model.BackupType) string {
	switch backupType {
	case model.BackupSnapshot, model.BackupFull:
		return filepath.Join(m.cfg.Dir, "sqlite")
	case model.BackupIncremental:
		return filepath.Join(m.cfg.Dir, "chromadb")
	default:
		return filepath.Join(m.cfg.Dir, "unified")
	}
}

// Snapshot takes a lightweight copy of the relational database only
// (source=sqlite), intended for the daily schedule.
func (m *Manager) Snapshot(ctx context.Context) (model.BackupRecord, error) {
	return m.backupFile(ctx, model.BackupSnapshot, model.SourceRelational, m.sqlitePath, m.cfg.DailyRetentionDays)
}

// Full takes a full copy of the relational database with the monthly
// (longer) retention window; same artifact shape as Snapshot, different
// type and retention.
func (m *Manager) Full(ctx context.Context) (model.BackupRecord, error) {
	return m.backupFile(ctx, model.BackupFull, model.SourceRelational, m.sqlitePath, m.cfg.MonthlyRetentionDays)
}

// Incremental archives the vector store directory (source=chromadb).
// chromem-go exposes no change-log API to diff against, so "incremental"
// here means a full re-archive of the vector directory on a lighter
// schedule rather than a true byte-level delta.
func (m *Manager) Incremental(ctx context.Context) (model.BackupRecord, error) {
	return m.backupDir(ctx, model.BackupIncremental, model.SourceVector, m.vectorDir, m.cfg.WeeklyRetentionDays)
}

// Unified takes one atomic, combined archive of both stores under a
// single manifest (source=unified), intended for the weekly schedule.
func (m *Manager) Unified(ctx context.Context) (model.BackupRecord, error) {
	m.checkpointWAL(ctx)
	backupID := uuid.NewString()
	dir := m.dirFor(model.BackupUnified)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.BackupRecord{}, apierrors.Wrap(apierrors.KindInternal, "create backup dir", err)
	}
	artifactPath := filepath.Join(dir, backupID+".tar.gz")

	size, checksum, err := tarGzPaths(artifactPath, map[string]string{
		"sqlite":   m.sqlitePath,
		"chromadb": m.vectorDir,
	})
	rec := model.BackupRecord{
		BackupID: backupID, Type: model.BackupUnified, Timestamp: time.Now().UTC(),
		Source: model.SourceUnified, ArtifactPath: artifactPath,
		ExpireDate: time.Now().UTC().AddDate(0, 0, nonZero(m.cfg.WeeklyRetentionDays, 30)),
	}
	if err != nil {
		rec.Status = model.BackupFailed
		_ = m.rel.InsertBackupRecord(ctx, rec)
		return rec, err
	}
	rec.SizeBytes = size
	rec.Checksum = checksum
	rec.Status = model.BackupCompleted
	if err := m.rel.InsertBackupRecord(ctx, rec); err != nil {
		return rec, err
	}
	log.Info().Str("backup_id", backupID).Str("type", "unified").Int64("bytes", size).Msg("backup completed")
	return rec, nil
}

// checkpointWAL flushes the live database's WAL into the main file so a
// plain file copy captures every committed write.
func (m *Manager) checkpointWAL(ctx context.Context) {
	if _, err := m.rel.DB().ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Msg("wal checkpoint before backup failed")
	}
}

func (m *Manager) backupFile(ctx context.Context, backupType model.BackupType, source model.BackupSource, srcPath string, retentionDays int) (model.BackupRecord, error) {
	if srcPath == m.sqlitePath {
		m.checkpointWAL(ctx)
	}
	backupID := uuid.NewString()
	dir := m.dirFor(backupType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.BackupRecord{}, apierrors.Wrap(apierrors.KindInternal, "create backup dir", err)
	}
	destPath := filepath.Join(dir, backupID+".db")

	size, checksum, err := copyFileChecksummed(srcPath, destPath)
	rec := model.BackupRecord{
		BackupID: backupID, Type: backupType, Timestamp: time.Now().UTC(),
		Source: source, ArtifactPath: destPath,
		ExpireDate: time.Now().UTC().AddDate(0, 0, nonZero(retentionDays, 7)),
	}
	if err != nil {
		rec.Status = model.BackupFailed
		_ = m.rel.InsertBackupRecord(ctx, rec)
		return rec, err
	}
	rec.SizeBytes = size
	rec.Checksum = checksum
	rec.Status = model.BackupCompleted
	if err := m.rel.InsertBackupRecord(ctx, rec); err != nil {
		return rec, err
	}
	log.Info().Str("backup_id", backupID).Str("type", string(backupType)).Int64("bytes", size).Msg("backup completed")
	return rec, nil
}

func (m *Manager) backupDir(ctx context.Context, backupType model.BackupType, source model.BackupSource, srcDir string, retentionDays int) (model.BackupRecord, error) {
	backupID := uuid.NewString()
	dir := m.dirFor(backupType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.BackupRecord{}, apierrors.Wrap(apierrors.KindInternal, "create backup dir", err)
	}
	artifactPath := filepath.Join(dir, backupID+".tar.gz")

	size, checksum, err := tarGzPaths(artifactPath, map[string]string{filepath.Base(srcDir): srcDir})
	rec := model.BackupRecord{
		BackupID: backupID, Type: backupType, Timestamp: time.Now().UTC(),
		Source: source, ArtifactPath: artifactPath,
		ExpireDate: time.Now().UTC().AddDate(0, 0, nonZero(retentionDays, 30)),
	}
	if err != nil {
		rec.Status = model.BackupFailed
		_ = m.rel.InsertBackupRecord(ctx, rec)
		return rec, err
	}
	rec.SizeBytes = size
	rec.Checksum = checksum
	rec.Status = model.BackupCompleted
	if err := m.rel.InsertBackupRecord(ctx, rec); err != nil {
		return rec, err
	}
	log.Info().Str("backup_id", backupID).Str("type", string(backupType)).Int64("bytes", size).Msg("backup completed")
	return rec, nil
}

// Verify recomputes an artifact's checksum and compares it against the
// recorded value; a mismatch means the artifact rotted or was tampered
// with after it was written.
func (m *Manager) Verify(ctx context.Context, backupID string) (bool, error) {
	rec, err := m.rel.GetBackupRecord(ctx, backupID)
	if err != nil {
		return false, err
	}
	if rec.Status != model.BackupCompleted {
		return false, nil
	}
	sum, err := checksumFile(rec.ArtifactPath)
	if err != nil {
		return false, apierrors.Wrap(apierrors.KindDataIntegrity, "recompute checksum", err)
	}
	return sum == rec.Checksum, nil
}

// Restore replaces the live stores' files with a backup's artifact.
// Superuser-only at the HTTP layer; this method assumes that gate has
// already been enforced. pause is invoked before touching any file and
// resume after, so the caller can stop/restart ingestion around the swap.
// A safety backup of the current state is always taken first.
func (m *Manager) Restore(ctx context.Context, backupID string, pause, resume func()) error {
	rec, err := m.rel.GetBackupRecord(ctx, backupID)
	if err != nil {
		return err
	}
	if rec.Status != model.BackupCompleted {
		return apierrors.New(apierrors.KindInvalidInput, "cannot restore a non-completed backup")
	}

	if pause != nil {
		pause()
	}
	defer func() {
		if resume != nil {
			resume()
		}
	}()

	if _, err := m.Unified(ctx); err != nil {
		log.Warn().Err(err).Msg("pre-restore safety backup failed, proceeding with restore anyway")
	}

	switch rec.Source {
	case model.SourceRelational:
		if err := copyFilePlain(rec.ArtifactPath, m.sqlitePath); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "restore sqlite file", err)
		}
	case model.SourceVector:
		if err := untarGzInto(rec.ArtifactPath, filepath.Dir(m.vectorDir)); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "restore vector directory", err)
		}
	case model.SourceUnified:
		if err := untarGzInto(rec.ArtifactPath, filepath.Dir(m.sqlitePath)); err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "restore unified archive", err)
		}
	}
	log.Info().Str("backup_id", backupID).Str("source", string(rec.Source)).Msg("restore completed")
	return nil
}

// PruneExpired deletes backup rows (and their artifact files) past their
// expire_date.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	expired, err := m.rel.DeleteExpiredBackupRecords(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		if rec.ArtifactPath != "" {
			if err := os.Remove(rec.ArtifactPath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", rec.ArtifactPath).Msg("failed to remove expired backup artifact")
			}
		}
	}
	return len(expired), nil
}

// RunSchedule drives the daily-snapshot / weekly-unified / monthly-full
// cadence until ctx is cancelled.
func (m *Manager) RunSchedule(ctx context.Context) {
	dailyTicker := time.NewTicker(24 * time.Hour)
	weeklyTicker := time.NewTicker(7 * 24 * time.Hour)
	monthlyTicker := time.NewTicker(30 * 24 * time.Hour)
	defer dailyTicker.Stop()
	defer weeklyTicker.Stop()
	defer monthlyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dailyTicker.C:
			if _, err := m.Snapshot(ctx); err != nil {
				log.Error().Err(err).Msg("scheduled daily snapshot failed")
			}
		case <-weeklyTicker.C:
			if _, err := m.Unified(ctx); err != nil {
				log.Error().Err(err).Msg("scheduled weekly unified backup failed")
			}
		case <-monthlyTicker.C:
			if _, err := m.Full(ctx); err != nil {
				log.Error().Err(err).Msg("scheduled monthly full backup failed")
			}
			if _, err := m.PruneExpired(ctx); err != nil {
				log.Error().Err(err).Msg("retention prune failed")
			}
		}
	}
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFileChecksummed(src, dest string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", apierrors.Wrap(apierrors.KindInternal, "open backup source", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, "", apierrors.Wrap(apierrors.KindInternal, "create backup destination", err)
	}
	defer out.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return 0, "", apierrors.Wrap(apierrors.KindInternal, "copy backup artifact", err)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func copyFilePlain(src, dest string) error {
	_, _, err := copyFileChecksummed(src, dest)
	return err
}

// tarGzPaths archives each named root (files or directories) into destPath
// as a single gzip-compressed tar, returning the compressed artifact's size
// and SHA-256 checksum.
func tarGzPaths(destPath string, roots map[string]string) (int64, string, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return 0, "", apierrors.Wrap(apierrors.KindInternal, "create archive", err)
	}
	defer out.Close()

	h := sha256.New()
	mw := io.MultiWriter(out, h)
	gz := gzip.NewWriter(mw)
	tw := tar.NewWriter(gz)

	for prefix, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, "", apierrors.Wrap(apierrors.KindInternal, "stat archive root", err)
		}
		if !info.IsDir() {
			if err := addFileToTar(tw, root, prefix); err != nil {
				return 0, "", err
			}
			continue
		}
		err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			return addFileToTar(tw, path, filepath.Join(prefix, rel))
		})
		if err != nil {
			return 0, "", apierrors.Wrap(apierrors.KindInternal, "walk archive root", err)
		}
	}

	if err := tw.Close(); err != nil {
		return 0, "", apierrors.Wrap(apierrors.KindInternal, "close tar writer", err)
	}
	if err := gz.Close(); err != nil {
		return 0, "", apierrors.Wrap(apierrors.KindInternal, "close gzip writer", err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, "", apierrors.Wrap(apierrors.KindInternal, "stat archive", err)
	}
	return info.Size(), hex.EncodeToString(h.Sum(nil)), nil
}

func addFileToTar(tw *tar.Writer, path, archiveName string) error {
	f, err := os.Open(path)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "open file for archive", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "stat file for archive", err)
	}
	hdr := &tar.Header{Name: archiveName, Mode: int64(info.Mode()), Size: info.Size()}
	if err := tw.WriteHeader(hdr); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "write tar header", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "write tar body", err)
	}
	return nil
}

func untarGzInto(archivePath, destRoot string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destRoot, hdr.Name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}
