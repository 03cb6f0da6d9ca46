package job

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/config"
	"github.com/scholarly/ingestd/internal/model"
	"github.com/scholarly/ingestd/internal/store/relational"
)

type recordingRunner struct {
	ran chan string
}

func (r *recordingRunner) Run(_ context.Context, j model.ProcessingJob) error {
	r.ran <- j.JobID
	return nil
}

func newTestEngine(t *testing.T, cfg config.JobEngineConfig, runner Runner) (*Engine, *PriorityQueue, *relational.Store) {
	t.Helper()
	rel, err := relational.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })

	q, _ := newTestQueue(t)
	e := New(rel, q, nil, nil, runner, cfg, t.TempDir())
	return e, q, rel
}

func TestEngine_SubmitPersistsAndEnqueues(t *testing.T) {
	e, q, rel := newTestEngine(t, config.JobEngineConfig{MaxQueueSize: 100}, nil)
	ctx := context.Background()

	j, err := e.Submit(ctx, bytes.NewReader([]byte("%PDF-1.4 test bytes")), "paper.pdf", "203.0.113.9", model.PriorityHigh)
	require.NoError(t, err)
	require.NotEmpty(t, j.JobID)
	require.Equal(t, model.JobQueued, j.Status)

	stored, err := rel.GetJob(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobQueued, stored.Status)
	require.Equal(t, "paper.pdf", stored.Filename)
	require.NotEmpty(t, stored.UploadPath)

	_, total, err := q.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}

func TestEngine_SubmitQueueFull(t *testing.T) {
	e, q, _ := newTestEngine(t, config.JobEngineConfig{MaxQueueSize: 1}, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.PriorityNormal, "occupier"))

	_, err := e.Submit(ctx, bytes.NewReader([]byte("data")), "p.pdf", "", model.PriorityNormal)
	require.Error(t, err)
	require.Equal(t, apierrors.KindQueueFull, apierrors.KindOf(err))
}

func TestEngine_SubmitSucceedsAfterQueueDrains(t *testing.T) {
	e, q, _ := newTestEngine(t, config.JobEngineConfig{MaxQueueSize: 1}, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.PriorityNormal, "occupier"))
	_, err := e.Submit(ctx, bytes.NewReader([]byte("data")), "p.pdf", "", model.PriorityNormal)
	require.Equal(t, apierrors.KindQueueFull, apierrors.KindOf(err))

	msg, err := q.Dequeue(ctx, "drainer")
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, msg))

	_, err = e.Submit(ctx, bytes.NewReader([]byte("data")), "p.pdf", "", model.PriorityNormal)
	require.NoError(t, err)
}

func TestEngine_WorkerDispatchesSubmittedJob(t *testing.T) {
	runner := &recordingRunner{ran: make(chan string, 1)}
	e, _, _ := newTestEngine(t, config.JobEngineConfig{MaxConcurrent: 1, MaxQueueSize: 10}, runner)
	ctx := context.Background()

	e.Start(ctx)
	defer e.Stop()

	j, err := e.Submit(ctx, bytes.NewReader([]byte("worker test")), "p.pdf", "", model.PriorityNormal)
	require.NoError(t, err)

	select {
	case ranID := <-runner.ran:
		require.Equal(t, j.JobID, ranID)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never dispatched the submitted job")
	}
}

func TestEngine_CancelOnlyWhileQueued(t *testing.T) {
	e, _, rel := newTestEngine(t, config.JobEngineConfig{MaxQueueSize: 10}, nil)
	ctx := context.Background()

	j, err := e.Submit(ctx, bytes.NewReader([]byte("cancellable")), "p.pdf", "", model.PriorityNormal)
	require.NoError(t, err)

	ok, err := e.Cancel(ctx, j.JobID)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := rel.GetJob(ctx, j.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobCancelled, stored.Status)

	// Once processing, cancellation is refused.
	j2, err := e.Submit(ctx, bytes.NewReader([]byte("running")), "p2.pdf", "", model.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, rel.MarkJobStarted(ctx, j2.JobID))

	ok, err = e.Cancel(ctx, j2.JobID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngine_WorkerSkipsCancelledJob(t *testing.T) {
	runner := &recordingRunner{ran: make(chan string, 1)}
	e, _, _ := newTestEngine(t, config.JobEngineConfig{MaxConcurrent: 1, MaxQueueSize: 10}, runner)
	ctx := context.Background()

	j, err := e.Submit(ctx, bytes.NewReader([]byte("cancel me")), "p.pdf", "", model.PriorityNormal)
	require.NoError(t, err)
	ok, err := e.Cancel(ctx, j.JobID)
	require.NoError(t, err)
	require.True(t, ok)

	e.Start(ctx)
	defer e.Stop()

	select {
	case ranID := <-runner.ran:
		t.Fatalf("cancelled job %s was dispatched to the pipeline", ranID)
	case <-time.After(500 * time.Millisecond):
	}
}
