package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgebuild/forgebuild/pkg/logging"
	"github.com/forgebuild/forgebuild/pkg/metrics"
)

// MaxRecords caps the history; the oldest records are dropped first
const MaxRecords = 1000

// trendWindow bounds how many recent durations feed the slope fit
const trendWindow = 10

// slopeThreshold classifies the fitted slope. The threshold operates on raw
// duration seconds, so trend classification is unit-sensitive: builds whose
// durations differ by orders of magnitude will skew toward increasing or
// decreasing. Callers comparing across very different scales should
// pre-normalize.
const slopeThreshold = 0.1

// BuildOutcomeRecord is the immutable historical record of one build
// operation
type BuildOutcomeRecord struct {
	ID                   string                   `json:"id"`
	Timestamp            time.Time                `json:"timestamp"`
	Product              string                   `json:"product"`
	Arch                 string                   `json:"arch"`
	BuildType            string                   `json:"build_type"`
	Compiler             string                   `json:"compiler,omitempty"`
	Duration             time.Duration            `json:"duration"`
	PeakMemoryMB         float64                  `json:"peak_memory_mb"`
	CPUPercent           float64                  `json:"cpu_percent"`
	Succeeded            bool                     `json:"succeeded"`
	FailureKind          string                   `json:"failure_kind,omitempty"`
	ErrorMessage         string                   `json:"error_message,omitempty"`
	StepDurations        map[string]time.Duration `json:"step_durations,omitempty"`
	AppliedOptimizations []string                 `json:"applied_optimizations,omitempty"`
}

// TrendDirection classifies how build durations are moving
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
	TrendNoData     TrendDirection = "no_data"
)

// TrendResult summarizes historical outcomes for one (product, arch,
// build_type) combination. HasData is false when no records match; the
// remaining fields are zero in that case.
type TrendResult struct {
	HasData     bool           `json:"has_data"`
	Count       int            `json:"count"`
	SuccessRate float64        `json:"success_rate"`
	AvgDuration time.Duration  `json:"avg_duration"`
	MinDuration time.Duration  `json:"min_duration"`
	MaxDuration time.Duration  `json:"max_duration"`
	Direction   TrendDirection `json:"direction"`
}

// Ledger is an append-only, capped record of build outcomes persisted
// write-through to a workspace-relative JSON file
type Ledger struct {
	path    string
	records []BuildOutcomeRecord

	mu      sync.Mutex
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewLedger creates a ledger backed by the given file path, loading any
// existing history. A corrupt history file is discarded rather than failing
// the caller.
func NewLedger(path string, m *metrics.Metrics) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	l := &Ledger{
		path:    path,
		logger:  logging.GetLogger(),
		metrics: m,
	}

	l.load()
	return l, nil
}

// Record appends one outcome, assigning an ID and timestamp when absent,
// and rewrites the history file. Persistence failures are logged and the
// in-memory record is kept; performance tracking is best-effort.
func (l *Ledger) Record(ctx context.Context, rec BuildOutcomeRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	if len(l.records) > MaxRecords {
		l.records = l.records[len(l.records)-MaxRecords:]
	}
	l.persistLocked()
	l.mu.Unlock()

	l.metrics.RecordLedgerWrite()
	l.logger.LogPerformanceEvent(ctx, "build_outcome_recorded", rec.Duration, map[string]interface{}{
		"product":    rec.Product,
		"arch":       rec.Arch,
		"build_type": rec.BuildType,
		"succeeded":  rec.Succeeded,
	})
}

// Recent returns records from the last N days in insertion order. A
// non-positive days value returns the full retained history.
func (l *Ledger) Recent(days int) []BuildOutcomeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if days <= 0 {
		return append([]BuildOutcomeRecord(nil), l.records...)
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	var out []BuildOutcomeRecord
	for _, rec := range l.records {
		if rec.Timestamp.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// Snapshot returns a copy of the full retained history in insertion order
func (l *Ledger) Snapshot() []BuildOutcomeRecord {
	return l.Recent(0)
}

// Len returns the number of retained records
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Trend summarizes outcomes matching (product, arch, buildType). With zero
// matching records it returns an explicit no-data result instead of a
// zero-filled one.
func (l *Ledger) Trend(product, arch, buildType string) TrendResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []BuildOutcomeRecord
	for _, rec := range l.records {
		if rec.Product == product && rec.Arch == arch && rec.BuildType == buildType {
			matched = append(matched, rec)
		}
	}

	if len(matched) == 0 {
		return TrendResult{Direction: TrendNoData}
	}

	result := TrendResult{
		HasData:     true,
		Count:       len(matched),
		MinDuration: matched[0].Duration,
		MaxDuration: matched[0].Duration,
	}

	var successes int
	var total time.Duration
	for _, rec := range matched {
		if rec.Succeeded {
			successes++
		}
		total += rec.Duration
		if rec.Duration < result.MinDuration {
			result.MinDuration = rec.Duration
		}
		if rec.Duration > result.MaxDuration {
			result.MaxDuration = rec.Duration
		}
	}

	result.SuccessRate = float64(successes) / float64(len(matched))
	result.AvgDuration = total / time.Duration(len(matched))
	result.Direction = classifyDirection(matched)

	return result
}

// classifyDirection fits an ordinary-least-squares slope over the last
// trendWindow durations (in seconds) against their index
func classifyDirection(records []BuildOutcomeRecord) TrendDirection {
	window := records
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}
	if len(window) < 2 {
		return TrendStable
	}

	n := float64(len(window))
	var sumX, sumY, sumXY, sumXX float64
	for i, rec := range window {
		x := float64(i)
		y := rec.Duration.Seconds()
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return TrendStable
	}
	slope := (n*sumXY - sumX*sumY) / denom

	switch {
	case slope > slopeThreshold:
		return TrendIncreasing
	case slope < -slopeThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// load reads the persisted history; corruption is logged and discarded
func (l *Ledger) load() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}

	var records []BuildOutcomeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		l.logger.Warn("Discarding corrupt build performance history", "error", err.Error())
		return
	}

	if len(records) > MaxRecords {
		records = records[len(records)-MaxRecords:]
	}
	l.records = records
}

// persistLocked rewrites the history wholesale
func (l *Ledger) persistLocked() {
	data, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		l.logger.Error("Failed to marshal build performance history", "error", err.Error())
		return
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.logger.Warn("Failed to persist build performance history", "error", err.Error())
		return
	}
	if err := os.Rename(tmp, l.path); err != nil {
		l.logger.Warn("Failed to persist build performance history", "error", err.Error())
	}
}
