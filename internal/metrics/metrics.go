// Package metrics collects counters and stage timings for a single update run
// and renders them as a summary for logs or a JSON file.
package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stage names used for timings.
const (
	StageLoad  = "load"
	StageFetch = "fetch"
	StageMerge = "merge"
	StageSave  = "save"
)

// RunMetrics is safe for concurrent use.
type RunMetrics struct {
	startTime time.Time

	assetsProcessed int64
	assetsUpdated   int64
	assetsSkipped   int64
	assetsFailed    int64

	recordsLoaded  int64
	recordsFetched int64
	recordsAdded   int64
	recordsWritten int64

	mu            sync.Mutex
	fetchFailures map[string]int64
	stages        map[string]*StageTiming
}

// StageTiming aggregates durations of one stage.
type StageTiming struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total_ns"`
	Max   time.Duration `json:"max_ns"`
}

// Average returns the mean duration, or zero when nothing was recorded.
func (s StageTiming) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Snapshot is a point-in-time copy of the run metrics.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime_ns"`

	AssetsProcessed int64 `json:"assets_processed"`
	AssetsUpdated   int64 `json:"assets_updated"`
	AssetsSkipped   int64 `json:"assets_skipped"`
	AssetsFailed    int64 `json:"assets_failed"`

	RecordsLoaded  int64 `json:"records_loaded"`
	RecordsFetched int64 `json:"records_fetched"`
	RecordsAdded   int64 `json:"records_added"`
	RecordsWritten int64 `json:"records_written"`

	FetchFailures map[string]int64       `json:"fetch_failures"`
	Stages        map[string]StageTiming `json:"stages"`
}

// NewRunMetrics starts a new set of run metrics.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{
		startTime:     time.Now(),
		fetchFailures: make(map[string]int64),
		stages:        make(map[string]*StageTiming),
	}
}

// AssetUpdated records an asset whose table was rewritten.
func (m *RunMetrics) AssetUpdated() {
	atomic.AddInt64(&m.assetsProcessed, 1)
	atomic.AddInt64(&m.assetsUpdated, 1)
}

// AssetSkipped records an asset left untouched because the source had no data.
func (m *RunMetrics) AssetSkipped() {
	atomic.AddInt64(&m.assetsProcessed, 1)
	atomic.AddInt64(&m.assetsSkipped, 1)
}

// AssetFailed records an asset that could not be updated.
func (m *RunMetrics) AssetFailed() {
	atomic.AddInt64(&m.assetsProcessed, 1)
	atomic.AddInt64(&m.assetsFailed, 1)
}

// FetchFailed counts a failed fetch by error type.
func (m *RunMetrics) FetchFailed(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchFailures[errorType]++
}

// RecordsLoaded adds n stored records read.
func (m *RunMetrics) RecordsLoaded(n int) {
	atomic.AddInt64(&m.recordsLoaded, int64(n))
}

// RecordsFetched adds n records received from the source.
func (m *RunMetrics) RecordsFetched(n int) {
	atomic.AddInt64(&m.recordsFetched, int64(n))
}

// RecordsAdded adds n days that were not stored before.
func (m *RunMetrics) RecordsAdded(n int) {
	atomic.AddInt64(&m.recordsAdded, int64(n))
}

// RecordsWritten adds n records written to storage.
func (m *RunMetrics) RecordsWritten(n int) {
	atomic.AddInt64(&m.recordsWritten, int64(n))
}

// RecordDuration adds a stage duration.
func (m *RunMetrics) RecordDuration(stage string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timing, ok := m.stages[stage]
	if !ok {
		timing = &StageTiming{}
		m.stages[stage] = timing
	}
	timing.Count++
	timing.Total += d
	if d > timing.Max {
		timing.Max = d
	}
}

// Time runs fn and records its duration under stage.
func (m *RunMetrics) Time(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.RecordDuration(stage, time.Since(start))
	return err
}

// Snapshot returns a copy of the current values.
func (m *RunMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	failures := make(map[string]int64, len(m.fetchFailures))
	for k, v := range m.fetchFailures {
		failures[k] = v
	}
	stages := make(map[string]StageTiming, len(m.stages))
	for k, v := range m.stages {
		stages[k] = *v
	}
	m.mu.Unlock()

	return Snapshot{
		Timestamp:       time.Now().UTC(),
		Uptime:          time.Since(m.startTime),
		AssetsProcessed: atomic.LoadInt64(&m.assetsProcessed),
		AssetsUpdated:   atomic.LoadInt64(&m.assetsUpdated),
		AssetsSkipped:   atomic.LoadInt64(&m.assetsSkipped),
		AssetsFailed:    atomic.LoadInt64(&m.assetsFailed),
		RecordsLoaded:   atomic.LoadInt64(&m.recordsLoaded),
		RecordsFetched:  atomic.LoadInt64(&m.recordsFetched),
		RecordsAdded:    atomic.LoadInt64(&m.recordsAdded),
		RecordsWritten:  atomic.LoadInt64(&m.recordsWritten),
		FetchFailures:   failures,
		Stages:          stages,
	}
}

// LogAttrs renders the snapshot as slog attributes for a summary line.
func (s Snapshot) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.Int64("assets_processed", s.AssetsProcessed),
		slog.Int64("assets_updated", s.AssetsUpdated),
		slog.Int64("assets_skipped", s.AssetsSkipped),
		slog.Int64("assets_failed", s.AssetsFailed),
		slog.Int64("records_loaded", s.RecordsLoaded),
		slog.Int64("records_fetched", s.RecordsFetched),
		slog.Int64("records_added", s.RecordsAdded),
		slog.Int64("records_written", s.RecordsWritten),
		slog.Duration("duration", s.Uptime),
	}

	types := make([]string, 0, len(s.FetchFailures))
	for t := range s.FetchFailures {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		attrs = append(attrs, slog.Int64("fetch_failures_"+t, s.FetchFailures[t]))
	}

	return attrs
}

// WriteSummary writes the snapshot as indented JSON to path, creating parent
// directories as needed.
func (m *RunMetrics) WriteSummary(path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create summary directory: %w", err)
		}
	}

	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}
