package job

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/config"
	"github.com/scholarly/ingestd/internal/metrics"
	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/security"
	"github.com/scholarly/ingestd/internal/store/relational"
)

// Runner drives a single ProcessingJob through the pipeline. Implemented
// by internal/pipeline.Orchestrator; kept as an interface here so the job
// engine never imports the pipeline package (the pipeline already imports
// job's types for status updates, and Go forbids the cycle).
type Runner interface {
	Run(ctx context.Context, job model.ProcessingJob) error
}

// Engine is the job engine: validated, rate-limited submission
// into a bounded priority queue, a fixed-size worker pool draining it in
// strict priority order, live status lookup, and cooperative cancellation.
type Engine struct {
	rel       *relational.Store
	queue     *PriorityQueue
	validator *security.Validator
	limiter   *security.RateLimiter
	runner    Runner
	cfg       config.JobEngineConfig
	uploadDir string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds an Engine. runner is the pipeline orchestrator that will be
// invoked once per dequeued job.
func New(rel *relational.Store, queue *PriorityQueue, validator *security.Validator, limiter *security.RateLimiter, runner Runner, cfg config.JobEngineConfig, uploadDir string) *Engine {
	return &Engine{rel: rel, queue: queue, validator: validator, limiter: limiter, runner: runner, cfg: cfg, uploadDir: uploadDir}
}

// Start launches the worker pool and the delayed-retry mover, both bound
// to ctx's lifetime.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go e.queue.RunDelayedMover(ctx, 500*time.Millisecond)

	workers := e.cfg.MaxConcurrent
	if workers <= 0 {
		workers = 3
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	go e.sweepLoop(ctx)
}

// Stop signals every worker to exit and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, index int) {
	defer e.wg.Done()
	consumer := uuid.NewString()
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := e.queue.Dequeue(ctx, consumer)
		if err != nil {
			log.Error().Err(err).Int("worker", index).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		e.process(ctx, msg)
	}
}

func (e *Engine) process(ctx context.Context, msg *Message) {
	defer func() { _ = e.queue.Ack(ctx, msg) }()

	j, err := e.rel.GetJob(ctx, msg.JobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", msg.JobID).Msg("job vanished before dispatch")
		return
	}
	if j.Status == model.JobCancelled {
		return
	}

	if err := e.rel.MarkJobStarted(ctx, msg.JobID); err != nil {
		log.Error().Err(err).Str("job_id", msg.JobID).Msg("mark job started")
		return
	}
	j.Status = model.JobProcessing

	start := time.Now()
	runErr := e.runner.Run(ctx, j)
	status := "success"
	if runErr != nil {
		status = "failure"
	}
	metrics.ObserveJob(j.PriorityName, status, time.Since(start))

	if runErr != nil {
		kind := apierrors.KindOf(runErr)
		log.Error().Err(runErr).Str("job_id", msg.JobID).Str("kind", string(kind)).Msg("pipeline run failed")
		if kind == apierrors.KindTransientTransport && j.ProgressPercentage < 100 {
			_ = e.queue.EnqueueDelayed(ctx, j.Priority, msg.JobID, time.Now().Add(30*time.Second))
			return
		}
		_ = e.rel.MarkJobFailed(ctx, msg.JobID, runErr.Error())
	}

	// Terminal either way: the temp upload has served its purpose (the
	// pipeline copied accepted bytes into blob storage during stage 1).
	if j.UploadPath != "" {
		if err := os.Remove(j.UploadPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", j.UploadPath).Msg("failed to remove temp upload")
		}
	}
}

// Submit validates and persists an uploaded file, then enqueues it at the
// requested priority. Returns apierrors.KindQueueFull if the backlog is at
// capacity and apierrors.KindRateLimited if the source has exceeded its
// upload quota.
func (e *Engine) Submit(ctx context.Context, data io.Reader, filename, sourceIP string, priority model.Priority) (model.ProcessingJob, error) {
	if e.limiter != nil {
		allowed, err := e.limiter.Allow(ctx, sourceIP)
		if err != nil {
			return model.ProcessingJob{}, apierrors.Wrap(apierrors.KindInternal, "rate limit check", err)
		}
		if !allowed {
			return model.ProcessingJob{}, apierrors.New(apierrors.KindRateLimited, "upload quota exceeded for "+sourceIP)
		}
	}

	_, total, err := e.queue.Depth(ctx)
	if err != nil {
		return model.ProcessingJob{}, err
	}
	if e.cfg.MaxQueueSize > 0 && total >= int64(e.cfg.MaxQueueSize) {
		return model.ProcessingJob{}, apierrors.New(apierrors.KindQueueFull, "queue at capacity")
	}

	jobID := uuid.NewString()
	if err := os.MkdirAll(e.uploadDir, 0o755); err != nil {
		return model.ProcessingJob{}, apierrors.Wrap(apierrors.KindInternal, "create upload dir", err)
	}
	uploadPath := filepath.Join(e.uploadDir, jobID+"_"+filepath.Base(filename))
	f, err := os.Create(uploadPath)
	if err != nil {
		return model.ProcessingJob{}, apierrors.Wrap(apierrors.KindInternal, "create upload file", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		return model.ProcessingJob{}, apierrors.Wrap(apierrors.KindInternal, "write upload file", err)
	}
	f.Close()

	if e.validator != nil {
		result, err := e.validator.Validate(uploadPath, filename)
		if err != nil {
			return model.ProcessingJob{}, err
		}
		if !result.Accepted {
			return model.ProcessingJob{}, apierrors.New(apierrors.KindInvalidInput, "upload rejected: "+result.Reason)
		}
	}

	now := time.Now().UTC()
	j := model.ProcessingJob{
		JobID:        jobID,
		Filename:     filename,
		Priority:     priority,
		PriorityName: priority.String(),
		Status:       model.JobUploaded,
		CreatedAt:    now,
		SourceIP:     sourceIP,
		UploadPath:   uploadPath,
	}
	if err := e.rel.InsertJob(ctx, j); err != nil {
		return model.ProcessingJob{}, err
	}
	if err := e.queue.Enqueue(ctx, priority, jobID); err != nil {
		return model.ProcessingJob{}, err
	}
	if err := e.rel.UpdateJobProgress(ctx, jobID, model.JobQueued, 0, "", nil, nil); err != nil {
		return model.ProcessingJob{}, err
	}
	j.Status = model.JobQueued
	return j, nil
}

// Status returns the current ProcessingJob row for jobID.
func (e *Engine) Status(ctx context.Context, jobID string) (model.ProcessingJob, error) {
	return e.rel.GetJob(ctx, jobID)
}

// Cancel marks jobID cancelled if it has not yet reached a terminal or
// in-flight-past-cancellation state. The queue entry itself is left in
// place; the worker checks the row's status right before running the
// pipeline and skips cancelled jobs there.
func (e *Engine) Cancel(ctx context.Context, jobID string) (bool, error) {
	return e.rel.CancelJob(ctx, jobID)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retention := e.cfg.JobRetentionDays
			if retention <= 0 {
				retention = 7
			}
			cutoff := time.Now().AddDate(0, 0, -retention)
			n, err := e.rel.SweepExpiredJobs(ctx, cutoff)
			if err != nil {
				log.Error().Err(err).Msg("job retention sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("removed", n).Msg("swept expired jobs")
			}
			e.sweepOrphanedUploads(cutoff)
		}
	}
}

// sweepOrphanedUploads removes upload files older than the retention
// cutoff whose jobs are long gone — the crash-window leftovers the
// per-job removal in process() never saw.
func (e *Engine) sweepOrphanedUploads(cutoff time.Time) {
	entries, err := os.ReadDir(e.uploadDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(e.uploadDir, entry.Name())
		if err := os.Remove(path); err == nil {
			log.Info().Str("path", path).Msg("removed orphaned upload file")
		}
	}
}
