package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholarly/ingestd/internal/config"
	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/store/relational"
)

func newTestManager(t *testing.T) (*Manager, *relational.Store, string, string) {
	t.Helper()
	root := t.TempDir()
	sqlitePath := filepath.Join(root, "data", "ingest.db")
	vectorDir := filepath.Join(root, "data", "vectorstore")

	rel, err := relational.Open(sqlitePath)
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })

	require.NoError(t, os.MkdirAll(vectorDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(vectorDir, "segment-0"), []byte("vector bytes"), 0o644))

	cfg := config.BackupConfig{
		DailyRetentionDays: 7, WeeklyRetentionDays: 30, MonthlyRetentionDays: 90,
		Dir: filepath.Join(root, "backups"),
	}
	return New(rel, cfg, sqlitePath, vectorDir), rel, sqlitePath, vectorDir
}

func TestManager_SnapshotProducesVerifiableArtifact(t *testing.T) {
	m, rel, _, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, model.BackupCompleted, rec.Status)
	require.Equal(t, model.SourceRelational, rec.Source)
	require.NotEmpty(t, rec.Checksum)
	require.Greater(t, rec.SizeBytes, int64(0))
	require.FileExists(t, rec.ArtifactPath)

	// The record round-trips through the relational store.
	stored, err := rel.GetBackupRecord(ctx, rec.BackupID)
	require.NoError(t, err)
	require.Equal(t, rec.Checksum, stored.Checksum)

	// Invariant 6: stored artifact's SHA-256 equals the recorded checksum.
	ok, err := m.Verify(ctx, rec.BackupID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestManager_VerifyDetectsTamperedArtifact(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(rec.ArtifactPath, []byte("tampered"), 0o644))
	ok, err := m.Verify(ctx, rec.BackupID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManager_UnifiedCoversBothStores(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Unified(ctx)
	require.NoError(t, err)
	require.Equal(t, model.BackupUnified, rec.Type)
	require.Equal(t, model.SourceUnified, rec.Source)
	require.FileExists(t, rec.ArtifactPath)

	ok, err := m.Verify(ctx, rec.BackupID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestManager_IncrementalArchivesVectorDir(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Incremental(ctx)
	require.NoError(t, err)
	require.Equal(t, model.BackupIncremental, rec.Type)
	require.Equal(t, model.SourceVector, rec.Source)
}

func TestManager_RestoreSnapshotReplacesDatabaseFile(t *testing.T) {
	m, _, sqlitePath, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Snapshot(ctx)
	require.NoError(t, err)

	original, err := os.ReadFile(rec.ArtifactPath)
	require.NoError(t, err)

	var paused, resumed bool
	require.NoError(t, m.Restore(ctx, rec.BackupID, func() { paused = true }, func() { resumed = true }))
	require.True(t, paused)
	require.True(t, resumed)

	restored, err := os.ReadFile(sqlitePath)
	require.NoError(t, err)
	require.Equal(t, original, restored)
}

func TestManager_RestoreUnknownBackupFails(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	require.Error(t, m.Restore(context.Background(), "no-such-backup", nil, nil))
}

func TestManager_PruneExpiredRemovesArtifacts(t *testing.T) {
	m, rel, _, _ := newTestManager(t)
	ctx := context.Background()

	artifact := filepath.Join(t.TempDir(), "expired.db")
	require.NoError(t, os.WriteFile(artifact, []byte("old"), 0o644))
	require.NoError(t, rel.InsertBackupRecord(ctx, model.BackupRecord{
		BackupID: "bkp-expired", Type: model.BackupSnapshot, Timestamp: time.Now().Add(-30 * 24 * time.Hour),
		SizeBytes: 3, Checksum: "x", Status: model.BackupCompleted,
		ExpireDate: time.Now().Add(-time.Hour), Source: model.SourceRelational, ArtifactPath: artifact,
	}))

	n, err := m.PruneExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoFileExists(t, artifact)
}
