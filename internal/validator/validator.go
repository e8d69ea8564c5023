// Package validator provides the bar validation pipeline that sits between
// the data providers and storage.
//
// Validation follows skip-and-log semantics: a bar that fails a check is
// recorded and dropped, and the rest of the batch proceeds. A batch is never
// aborted because of bad rows.
package validator

import (
	"context"
	"time"

	"github.com/sectorpulse/go-sector-flow/internal/models"
)

// BarValidator validates batches of daily bars before storage.
type BarValidator interface {
	// ValidateBars checks a batch and partitions it into valid and
	// skipped bars. The returned error reports a failure of the
	// validation process itself, never a data quality issue.
	ValidateBars(ctx context.Context, bars []models.Bar) (*Results, error)

	// ValidateBar checks a single bar against the enabled per-bar rules
	// (duplicate detection is batch-level). Returns nil when the bar is
	// acceptable.
	ValidateBar(bar models.Bar) error
}

// Config controls which checks run and their thresholds.
type Config struct {
	// EnableDuplicateCheck drops bars whose symbol/date was already seen
	// in the batch. The later occurrence wins, matching the dedupe rule
	// applied during flow computation.
	EnableDuplicateCheck bool

	// EnableStaleCheck drops bars older than MaxBarAge.
	EnableStaleCheck bool

	// MaxBarAge is the oldest acceptable bar date when the stale check
	// is enabled.
	MaxBarAge time.Duration

	// EnableFutureCheck drops bars dated in the future beyond a small
	// clock-skew allowance.
	EnableFutureCheck bool

	// FutureTolerance is the clock-skew allowance for the future check.
	FutureTolerance time.Duration
}

// DefaultConfig returns the configuration used by the pipeline: logical
// checks always on, two years of history accepted, one day of skew allowed.
func DefaultConfig() *Config {
	return &Config{
		EnableDuplicateCheck: true,
		EnableStaleCheck:     true,
		MaxBarAge:            2 * 365 * 24 * time.Hour,
		EnableFutureCheck:    true,
		FutureTolerance:      24 * time.Hour,
	}
}

// Results partitions a validated batch.
type Results struct {
	// Valid holds the bars that passed every enabled check, in input
	// order with duplicates collapsed to the last occurrence.
	Valid []models.Bar

	// Skipped records each dropped bar with the reason.
	Skipped []SkippedBar

	// ProcessingTime is how long validation took.
	ProcessingTime time.Duration

	// ProcessedAt is when validation completed.
	ProcessedAt time.Time
}

// SkippedBar records one dropped bar.
type SkippedBar struct {
	// Index is the bar's position in the input batch.
	Index int

	// Symbol and Date identify the bar.
	Symbol string
	Date   time.Time

	// Reason is the validation failure, as an error message.
	Reason string
}

// SuccessRate returns the fraction of input bars that passed, 1.0 for an
// empty batch.
func (r *Results) SuccessRate() float64 {
	total := len(r.Valid) + len(r.Skipped)
	if total == 0 {
		return 1.0
	}
	return float64(len(r.Valid)) / float64(total)
}
