package validator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sectorpulse/go-sector-flow/internal/models"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestValidator(config *Config) *Validator {
	v := New(config, nil)
	v.now = func() time.Time { return fixedNow }
	return v
}

func validBar(symbol string, daysAgo int) models.Bar {
	return models.Bar{
		Symbol: symbol,
		Date:   fixedNow.AddDate(0, 0, -daysAgo).Truncate(24 * time.Hour),
		Open:   "100",
		High:   "101",
		Low:    "99",
		Close:  "100.5",
		Volume: "10000",
	}
}

func TestValidateBarsAllValid(t *testing.T) {
	v := newTestValidator(nil)

	bars := []models.Bar{validBar("XLK", 3), validBar("XLK", 2), validBar("XLK", 1)}
	results, err := v.ValidateBars(context.Background(), bars)
	require.NoError(t, err)
	assert.Len(t, results.Valid, 3)
	assert.Empty(t, results.Skipped)
	assert.Equal(t, 1.0, results.SuccessRate())
}

func TestValidateBarsSkipsInvalidWithoutAborting(t *testing.T) {
	v := newTestValidator(nil)

	bad := validBar("XLK", 2)
	bad.High = "50" // below low

	bars := []models.Bar{validBar("XLK", 3), bad, validBar("XLK", 1)}
	results, err := v.ValidateBars(context.Background(), bars)
	require.NoError(t, err, "bad rows never abort the batch")
	assert.Len(t, results.Valid, 2)
	require.Len(t, results.Skipped, 1)
	assert.Equal(t, 1, results.Skipped[0].Index)
	assert.Equal(t, "XLK", results.Skipped[0].Symbol)
	assert.NotEmpty(t, results.Skipped[0].Reason)
}

func TestValidateBarsDuplicateDateKeepsLast(t *testing.T) {
	v := newTestValidator(nil)

	first := validBar("XLE", 1)
	second := validBar("XLE", 1)
	second.Close = "99.5"

	results, err := v.ValidateBars(context.Background(), []models.Bar{first, second})
	require.NoError(t, err)
	require.Len(t, results.Valid, 1)
	assert.Equal(t, "99.5", results.Valid[0].Close)
	require.Len(t, results.Skipped, 1)
	assert.Equal(t, 0, results.Skipped[0].Index)
	assert.Contains(t, results.Skipped[0].Reason, "duplicate")
}

func TestValidateBarsDuplicateAcrossSymbolsAllowed(t *testing.T) {
	v := newTestValidator(nil)

	results, err := v.ValidateBars(context.Background(), []models.Bar{
		validBar("XLK", 1),
		validBar("XLF", 1), // same date, different instrument
	})
	require.NoError(t, err)
	assert.Len(t, results.Valid, 2)
	assert.Empty(t, results.Skipped)
}

func TestValidateBarStaleDate(t *testing.T) {
	v := newTestValidator(&Config{
		EnableStaleCheck: true,
		MaxBarAge:        30 * 24 * time.Hour,
	})

	require.NoError(t, v.ValidateBar(validBar("XLK", 10)))

	err := v.ValidateBar(validBar("XLK", 45))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention window")
}

func TestValidateBarFutureDate(t *testing.T) {
	v := newTestValidator(&Config{
		EnableFutureCheck: true,
		FutureTolerance:   24 * time.Hour,
	})

	// Within skew tolerance.
	require.NoError(t, v.ValidateBar(validBar("XLK", -1)))

	err := v.ValidateBar(validBar("XLK", -5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "future")
}

func TestValidateBarZeroVolumeIsValid(t *testing.T) {
	v := newTestValidator(nil)

	bar := validBar("XLU", 1)
	bar.Volume = "0"
	require.NoError(t, v.ValidateBar(bar))
}

func TestValidateBarsEmptyBatch(t *testing.T) {
	v := newTestValidator(nil)

	results, err := v.ValidateBars(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results.Valid)
	assert.Empty(t, results.Skipped)
	assert.Equal(t, 1.0, results.SuccessRate())
}

func TestValidateBarsCancelledContext(t *testing.T) {
	v := newTestValidator(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.ValidateBars(ctx, []models.Bar{validBar("XLK", 1)})
	require.Error(t, err)
}

func TestSuccessRate(t *testing.T) {
	r := &Results{
		Valid:   make([]models.Bar, 3),
		Skipped: make([]SkippedBar, 1),
	}
	assert.InDelta(t, 0.75, r.SuccessRate(), 1e-9)
}
