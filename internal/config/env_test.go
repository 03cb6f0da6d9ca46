package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnv_SpecDefaults(t *testing.T) {
	cfg := FromEnv()

	require.Equal(t, 3, cfg.Job.MaxConcurrent)
	require.Equal(t, 100, cfg.Job.MaxQueueSize)
	require.Equal(t, 7, cfg.Job.JobRetentionDays)

	require.Equal(t, 5, cfg.Circuit.FailureThreshold)
	require.Equal(t, 60*time.Second, cfg.Circuit.OpenDuration)
	require.Equal(t, 30*time.Second, cfg.Circuit.ProbeTimeout)

	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, 8*time.Second, cfg.Retry.CapDelay)

	require.Equal(t, 600*time.Second, cfg.Timeouts.OCR)
	require.Equal(t, 60*time.Second, cfg.Timeouts.Quality)
	require.Equal(t, 300*time.Second, cfg.Timeouts.Layout)
	require.Equal(t, 120*time.Second, cfg.Timeouts.LLM)
	require.Equal(t, 120*time.Second, cfg.Timeouts.Embedder)

	require.InDelta(t, 0.95, cfg.Dedup.L3Threshold, 1e-9)

	require.EqualValues(t, 100*1024*1024, cfg.Upload.MaxBytes)
	require.EqualValues(t, 1024, cfg.Upload.MinBytes)
	require.Equal(t, 50, cfg.Upload.UploadsPerHour)
	require.Equal(t, 200, cfg.Upload.UploadsPerDay)

	require.Equal(t, 7, cfg.Backup.DailyRetentionDays)
	require.Equal(t, 30, cfg.Backup.WeeklyRetentionDays)
	require.Equal(t, 90, cfg.Backup.MonthlyRetentionDays)
}

func TestFromEnv_OverridesFromEnvironment(t *testing.T) {
	t.Setenv("MAX_CONCURRENT", "8")
	t.Setenv("DEDUP_L3_THRESHOLD", "0.9")
	t.Setenv("QUARANTINE_ENABLED", "false")

	cfg := FromEnv()
	require.Equal(t, 8, cfg.Job.MaxConcurrent)
	require.InDelta(t, 0.9, cfg.Dedup.L3Threshold, 1e-9)
	require.False(t, cfg.Upload.QuarantineEnabled)
}

func TestFromEnv_MalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("MAX_QUEUE_SIZE", "not-a-number")
	t.Setenv("RETRY_BASE_S", "soon")

	cfg := FromEnv()
	require.Equal(t, 100, cfg.Job.MaxQueueSize)
	require.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
}
