package validator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sectorpulse/go-sector-flow/internal/models"
)

// Validator is the default BarValidator implementation.
type Validator struct {
	config *Config
	logger *slog.Logger

	// now is swappable for tests of the stale and future checks.
	now func() time.Time
}

// New creates a validator with the given configuration. A nil config gets
// the defaults.
func New(config *Config, logger *slog.Logger) *Validator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		config: config,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidateBars implements BarValidator.
func (v *Validator) ValidateBars(ctx context.Context, bars []models.Bar) (*Results, error) {
	start := time.Now()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("validation cancelled: %w", ctx.Err())
	}

	results := &Results{
		Valid:   make([]models.Bar, 0, len(bars)),
		Skipped: []SkippedBar{},
	}

	// Duplicate detection keeps the last occurrence of each symbol/date,
	// matching the dedupe rule applied during flow computation.
	lastIndex := make(map[string]int, len(bars))
	if v.config.EnableDuplicateCheck {
		for i, bar := range bars {
			lastIndex[dupKey(bar)] = i
		}
	}

	for i, bar := range bars {
		if v.config.EnableDuplicateCheck && lastIndex[dupKey(bar)] != i {
			v.skip(results, i, bar, fmt.Errorf("duplicate date, superseded by a later row"))
			continue
		}
		if err := v.ValidateBar(bar); err != nil {
			v.skip(results, i, bar, err)
			continue
		}
		results.Valid = append(results.Valid, bar)
	}

	results.ProcessingTime = time.Since(start)
	results.ProcessedAt = time.Now().UTC()

	if len(results.Skipped) > 0 {
		v.logger.Info("validation dropped bars",
			"total", len(bars),
			"valid", len(results.Valid),
			"skipped", len(results.Skipped))
	}
	return results, nil
}

// ValidateBar implements BarValidator.
func (v *Validator) ValidateBar(bar models.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}

	now := v.now()
	if v.config.EnableStaleCheck && v.config.MaxBarAge > 0 {
		if bar.Date.Before(now.Add(-v.config.MaxBarAge)) {
			return fmt.Errorf("bar date %s is older than the %s retention window",
				bar.Date.Format("2006-01-02"), v.config.MaxBarAge)
		}
	}
	if v.config.EnableFutureCheck {
		if bar.Date.After(now.Add(v.config.FutureTolerance)) {
			return fmt.Errorf("bar date %s is in the future", bar.Date.Format("2006-01-02"))
		}
	}
	return nil
}

func (v *Validator) skip(results *Results, index int, bar models.Bar, reason error) {
	results.Skipped = append(results.Skipped, SkippedBar{
		Index:  index,
		Symbol: bar.Symbol,
		Date:   bar.Date,
		Reason: reason.Error(),
	})
	v.logger.Warn("skipping bar",
		"symbol", bar.Symbol,
		"date", bar.Date,
		"reason", reason)
}

func dupKey(bar models.Bar) string {
	return bar.Symbol + "|" + bar.Date.UTC().Truncate(24*time.Hour).Format("2006-01-02")
}
