package metrics

import (
	"sync"
	"time"
)

// stageWindow is a fixed-capacity ring of recent stage outcomes, used to
// compute a rolling success rate without keeping unbounded history.
type stageWindow struct {
	outcomes   []bool
	durations  []time.Duration
	next       int
	filled     int
	cap        int
	totalCalls int64
}

func newStageWindow(capacity int) *stageWindow {
	return &stageWindow{
		outcomes:  make([]bool, capacity),
		durations: make([]time.Duration, capacity),
		cap:       capacity,
	}
}

func (w *stageWindow) record(success bool, dur time.Duration) {
	w.outcomes[w.next] = success
	w.durations[w.next] = dur
	w.next = (w.next + 1) % w.cap
	if w.filled < w.cap {
		w.filled++
	}
	w.totalCalls++
}

func (w *stageWindow) successRate() float64 {
	if w.filled == 0 {
		return 1.0
	}
	ok := 0
	for i := 0; i < w.filled; i++ {
		if w.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(w.filled)
}

func (w *stageWindow) avgDuration() time.Duration {
	if w.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < w.filled; i++ {
		sum += w.durations[i]
	}
	return sum / time.Duration(w.filled)
}

// StageSnapshot is one stage's rolling performance summary.
type StageSnapshot struct {
	Stage       string        `json:"stage"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration float64       `json:"avg_duration_ms"`
	TotalCalls  int64         `json:"total_calls"`
}

// Tracker keeps a rolling success-rate and latency window per pipeline
// stage, feeding both the Prometheus collectors above and the JSON/CSV
// snapshot export the admin endpoints expose.
type Tracker struct {
	mu         sync.Mutex
	windowSize int
	stages     map[string]*stageWindow
}

// NewTracker builds a Tracker whose rolling windows hold the last
// windowSize observations per stage (default 200 when <= 0).
func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = 200
	}
	return &Tracker{windowSize: windowSize, stages: make(map[string]*stageWindow)}
}

// Record logs one stage completion. result is "ok", "skipped" or "failed";
// only "ok" counts as a success for the rolling rate.
func (t *Tracker) Record(stage, result string, dur time.Duration) {
	ObserveStage(stage, result, dur)

	t.mu.Lock()
	w, ok := t.stages[stage]
	if !ok {
		w = newStageWindow(t.windowSize)
		t.stages[stage] = w
	}
	w.record(result == "ok", dur)
	t.mu.Unlock()
}

// Snapshot returns the current rolling stats for every stage seen so far.
func (t *Tracker) Snapshot() []StageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]StageSnapshot, 0, len(t.stages))
	for name, w := range t.stages {
		out = append(out, StageSnapshot{
			Stage:       name,
			SuccessRate: w.successRate(),
			AvgDuration: float64(w.avgDuration()) / float64(time.Millisecond),
			TotalCalls:  w.totalCalls,
		})
	}
	return out
}
