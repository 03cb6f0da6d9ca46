package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RollingSuccessRate(t *testing.T) {
	tr := NewTracker(4)

	tr.Record("ocr", "ok", 10*time.Millisecond)
	tr.Record("ocr", "ok", 10*time.Millisecond)
	tr.Record("ocr", "failed", 10*time.Millisecond)
	tr.Record("ocr", "ok", 10*time.Millisecond)

	snaps := tr.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "ocr", snaps[0].Stage)
	assert.InDelta(t, 0.75, snaps[0].SuccessRate, 0.001)
	assert.EqualValues(t, 4, snaps[0].TotalCalls)
}

func TestTracker_WindowEvictsOldest(t *testing.T) {
	tr := NewTracker(2)

	tr.Record("layout", "failed", time.Millisecond)
	tr.Record("layout", "failed", time.Millisecond)
	// window size 2: both prior failures should be evicted by these two oks.
	tr.Record("layout", "ok", time.Millisecond)
	tr.Record("layout", "ok", time.Millisecond)

	snaps := tr.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 1.0, snaps[0].SuccessRate)
	assert.EqualValues(t, 4, snaps[0].TotalCalls)
}

func TestTracker_EmptyStageDefaultsToFullSuccess(t *testing.T) {
	w := newStageWindow(10)
	assert.Equal(t, 1.0, w.successRate())
	assert.Equal(t, time.Duration(0), w.avgDuration())
}

func TestSampler_HistoryOrderingAndExport(t *testing.T) {
	s := NewSampler(time.Millisecond, 3*time.Millisecond, "/")
	require.Len(t, s.buf, 3)

	s.buf[0] = ResourceSample{Time: time.Unix(100, 0), CPUPercent: 10}
	s.buf[1] = ResourceSample{Time: time.Unix(200, 0), CPUPercent: 20}
	s.buf[2] = ResourceSample{Time: time.Unix(300, 0), CPUPercent: 30}
	s.next = 1
	s.filled = 3

	hist := s.History()
	require.Len(t, hist, 3)
	assert.Equal(t, int64(200), hist[0].Time.Unix())
	assert.Equal(t, int64(300), hist[1].Time.Unix())
	assert.Equal(t, int64(100), hist[2].Time.Unix())

	var buf bytes.Buffer
	require.NoError(t, s.WriteCSV(&buf))
	assert.Contains(t, buf.String(), "time,cpu_percent,mem_percent,disk_percent")

	buf.Reset()
	require.NoError(t, s.WriteJSON(&buf))
	assert.Contains(t, buf.String(), "cpu_percent")
}
