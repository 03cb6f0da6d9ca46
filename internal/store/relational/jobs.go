package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/model"
)

// InsertJob creates the durable ProcessingJob row at submission time.
func (s *Store) InsertJob(ctx context.Context, j model.ProcessingJob) error {
	completed, _ := json.Marshal(j.StepsCompleted)
	failed, _ := json.Marshal(j.StepsFailed)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_jobs (job_id, filename, priority, status, progress_percentage, current_step, steps_completed, steps_failed, error_message, created_at, source_ip, upload_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, j.Filename, j.Priority.String(), string(j.Status), j.ProgressPercentage, j.CurrentStep,
		string(completed), string(failed), j.ErrorMessage, j.CreatedAt.UTC().Format(time.RFC3339Nano),
		j.SourceIP, j.UploadPath,
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "insert job", err)
	}
	return nil
}

// UpdateJobProgress records a stage completion and the job's new progress.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, status model.JobStatus, progress int, currentStep string, completed, failedSteps []model.StepResult) error {
	completedJSON, _ := json.Marshal(completed)
	failedJSON, _ := json.Marshal(failedSteps)

	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, progress_percentage = ?, current_step = ?, steps_completed = ?, steps_failed = ? WHERE job_id = ?`,
		string(status), progress, currentStep, string(completedJSON), string(failedJSON), jobID,
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "update job progress", err)
	}
	return nil
}

// MarkJobStarted records the worker pickup time and processing status.
func (s *Store) MarkJobStarted(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, started_at = ? WHERE job_id = ?`,
		string(model.JobProcessing), time.Now().UTC().Format(time.RFC3339Nano), jobID,
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "mark job started", err)
	}
	return nil
}

// MarkJobFailed terminates a job with an error message.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, error_message = ?, completed_at = ? WHERE job_id = ?`,
		string(model.JobFailed), errMsg, time.Now().UTC().Format(time.RFC3339Nano), jobID,
	)
	if err != nil {
		return apierrors.Wrap(apierrors.KindInternal, "mark job failed", err)
	}
	return nil
}

// CancelJob terminates a job as cancelled, only while its status is still
// uploaded or queued; a job that has already reached processing is not
// interrupted and this is a no-op.
func (s *Store) CancelJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, completed_at = ? WHERE job_id = ? AND status IN (?, ?)`,
		string(model.JobCancelled), time.Now().UTC().Format(time.RFC3339Nano), jobID,
		string(model.JobUploaded), string(model.JobQueued),
	)
	if err != nil {
		return false, apierrors.Wrap(apierrors.KindInternal, "cancel job", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetJob fetches a ProcessingJob by job_id.
func (s *Store) GetJob(ctx context.Context, jobID string) (model.ProcessingJob, error) {
	var j model.ProcessingJob
	var priorityName, createdAt string
	var startedAt, completedAt sql.NullString
	var completedJSON, failedJSON string
	var paperID, errMsg, currentStep, sourceIP, uploadPath sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, filename, priority, status, progress_percentage, current_step, steps_completed, steps_failed,
			error_message, created_at, started_at, completed_at, paper_id, source_ip, upload_path
		 FROM processing_jobs WHERE job_id = ?`, jobID,
	).Scan(&j.JobID, &j.Filename, &priorityName, &j.Status, &j.ProgressPercentage, &currentStep,
		&completedJSON, &failedJSON, &errMsg, &createdAt, &startedAt, &completedAt, &paperID, &sourceIP, &uploadPath)
	if err == sql.ErrNoRows {
		return model.ProcessingJob{}, apierrors.New(apierrors.KindNotFound, "job not found: "+jobID)
	}
	if err != nil {
		return model.ProcessingJob{}, apierrors.Wrap(apierrors.KindInternal, "get job", err)
	}

	j.PriorityName = priorityName
	j.Priority, _ = model.ParsePriority(priorityName)
	j.CurrentStep = currentStep.String
	j.ErrorMessage = errMsg.String
	j.PaperID = paperID.String
	j.SourceIP = sourceIP.String
	j.UploadPath = uploadPath.String
	_ = json.Unmarshal([]byte(completedJSON), &j.StepsCompleted)
	_ = json.Unmarshal([]byte(failedJSON), &j.StepsFailed)

	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		j.CompletedAt = &t
	}
	return j, nil
}

// SweepExpiredJobs deletes terminal jobs older than olderThan, returning
// the number of rows removed. Backs the Job Engine's retention sweep.
func (s *Store) SweepExpiredJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processing_jobs WHERE status IN (?, ?, ?) AND created_at < ?`,
		string(model.JobCompleted), string(model.JobFailed), string(model.JobCancelled),
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, apierrors.Wrap(apierrors.KindInternal, "sweep expired jobs", err)
	}
	return res.RowsAffected()
}
