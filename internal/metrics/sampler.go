package metrics

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSample is one point of host resource utilization.
type ResourceSample struct {
	Time        time.Time `json:"time"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	DiskPercent float64   `json:"disk_percent"`
}

// Sampler polls host CPU/memory/disk utilization at a fixed interval and
// retains a ring buffer covering the configured retention window, backing
// the Performance Tracker's resource history.
type Sampler struct {
	interval time.Duration
	diskPath string
	mu       sync.Mutex
	buf      []ResourceSample
	next     int
	filled   int
}

// NewSampler builds a Sampler that polls every interval (default 15s) and
// retains enough samples to cover retention (default 24h).
func NewSampler(interval, retention time.Duration, diskPath string) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if diskPath == "" {
		diskPath = "/"
	}
	capacity := int(retention / interval)
	if capacity < 1 {
		capacity = 1
	}
	return &Sampler{
		interval: interval,
		diskPath: diskPath,
		buf:      make([]ResourceSample, capacity),
	}
}

// Run samples on a ticker until ctx is cancelled. Intended to run as a
// single long-lived goroutine started from main.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	sample := ResourceSample{Time: time.Now()}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		sample.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemPercent = vm.UsedPercent
	}
	if du, err := disk.Usage(s.diskPath); err == nil {
		sample.DiskPercent = du.UsedPercent
	}

	setResourcePercent("cpu", sample.CPUPercent)
	setResourcePercent("mem", sample.MemPercent)
	setResourcePercent("disk", sample.DiskPercent)

	s.mu.Lock()
	s.buf[s.next] = sample
	s.next = (s.next + 1) % len(s.buf)
	if s.filled < len(s.buf) {
		s.filled++
	}
	s.mu.Unlock()
}

// History returns the retained samples in chronological order.
func (s *Sampler) History() []ResourceSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ResourceSample, 0, s.filled)
	if s.filled < len(s.buf) {
		out = append(out, s.buf[:s.filled]...)
		return out
	}
	out = append(out, s.buf[s.next:]...)
	out = append(out, s.buf[:s.next]...)
	return out
}

// WriteJSON writes the retained history as a JSON array.
func (s *Sampler) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(s.History())
}

// WriteCSV writes the retained history as CSV with a header row.
func (s *Sampler) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"time", "cpu_percent", "mem_percent", "disk_percent"}); err != nil {
		return err
	}
	for _, sample := range s.History() {
		row := []string{
			sample.Time.Format(time.RFC3339),
			fmt.Sprintf("%.2f", sample.CPUPercent),
			fmt.Sprintf("%.2f", sample.MemPercent),
			fmt.Sprintf("%.2f", sample.DiskPercent),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}
