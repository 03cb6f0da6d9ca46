package relational

import (
	"context"
	"database/sql"
	"time"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/model"
)

// InsertBackupRecord persists a completed or failed backup attempt.
func (s *Store) InsertBackupRecord(ctx context.Context, b model.BackupRecord) error {
	var expire sql.NullString
	if !b.ExpireDate.IsZero() {
		expire = sql.NullString{String: b.ExpireDate.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_records (backup_id, type, timestamp, size_bytes, checksum, status, expire_date, source, artifact_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BackupID, string(b.Type), b.Timestamp.UTC().Format(time.RFC3339Nano), b.SizeBytes, b.Checksum,
		string(b.Status), expire, string(b.Source), b.ArtifactPath,
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "insert backup record", err)
	}
	return nil
}

// GetBackupRecord fetches one backup record by id.
func (s *Store) GetBackupRecord(ctx context.Context, backupID string) (model.BackupRecord, error) {
	var b model.BackupRecord
	var ts string
	var expire sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT backup_id, type, timestamp, size_bytes, checksum, status, expire_date, source, artifact_path
		 FROM backup_records WHERE backup_id = ?`, backupID,
	).Scan(&b.BackupID, &b.Type, &ts, &b.SizeBytes, &b.Checksum, &b.Status, &expire, &b.Source, &b.ArtifactPath)
	if err == sql.ErrNoRows {
		return model.BackupRecord{}, apierrors.New(apierrors.KindNotFound, "backup not found: "+backupID)
	}
	if err != nil {
		return model.BackupRecord{}, apierrors.Wrap(apierrors.KindInternal, "get backup record", err)
	}
	b.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	if expire.Valid {
		b.ExpireDate, _ = time.Parse(time.RFC3339Nano, expire.String)
	}
	return b, nil
}

// ListBackupRecords lists backups newest-first, optionally filtered by type.
func (s *Store) ListBackupRecords(ctx context.Context, backupType model.BackupType) ([]model.BackupRecord, error) {
	query := `SELECT backup_id, type, timestamp, size_bytes, checksum, status, expire_date, source, artifact_path FROM backup_records`
	args := []interface{}{}
	if backupType != "" {
		query += ` WHERE type = ?`
		args = append(args, string(backupType))
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "list backup records", err)
	}
	defer rows.Close()

	var out []model.BackupRecord
	for rows.Next() {
		var b model.BackupRecord
		var ts string
		var expire sql.NullString
		if err := rows.Scan(&b.BackupID, &b.Type, &ts, &b.SizeBytes, &b.Checksum, &b.Status, &expire, &b.Source, &b.ArtifactPath); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, "scan backup record", err)
		}
		b.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if expire.Valid {
			b.ExpireDate, _ = time.Parse(time.RFC3339Nano, expire.String)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteExpiredBackupRecords removes backup rows past their expire_date,
// returning the removed records. The caller is responsible for deleting
// the corresponding artifact files.
func (s *Store) DeleteExpiredBackupRecords(ctx context.Context, asOf time.Time) ([]model.BackupRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT backup_id, type, timestamp, size_bytes, checksum, status, expire_date, source, artifact_path
		 FROM backup_records WHERE expire_date IS NOT NULL AND expire_date < ?`,
		asOf.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "query expired backups", err)
	}
	var expired []model.BackupRecord
	for rows.Next() {
		var b model.BackupRecord
		var ts string
		var expire sql.NullString
		if err := rows.Scan(&b.BackupID, &b.Type, &ts, &b.SizeBytes, &b.Checksum, &b.Status, &expire, &b.Source, &b.ArtifactPath); err != nil {
			rows.Close()
			return nil, apierrors.Wrap(apierrors.KindInternal, "scan expired backup", err)
		}
		b.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if expire.Valid {
			b.ExpireDate, _ = time.Parse(time.RFC3339Nano, expire.String)
		}
		expired = append(expired, b)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM backup_records WHERE expire_date IS NOT NULL AND expire_date < ?`, asOf.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "delete expired backups", err)
	}

	return expired, nil
}
