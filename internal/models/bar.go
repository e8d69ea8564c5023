// Package models provides data structures and validation for sector money-flow
// analysis. This package contains the core data models: daily OHLCV bars,
// realtime quotes, the instrument universe, and refresh jobs.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one daily OHLCV observation for a single instrument.
// Prices and volume travel as decimal strings to avoid float drift between
// the provider payloads and the flow arithmetic.
type Bar struct {
	Symbol string    `json:"symbol" db:"symbol"`
	Date   time.Time `json:"date" db:"date"`
	Open   string    `json:"open" db:"open"`
	High   string    `json:"high" db:"high"`
	Low    string    `json:"low" db:"low"`
	Close  string    `json:"close" db:"close"`
	Volume string    `json:"volume" db:"volume"`
}

// ValidationError represents a bar validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs comprehensive validation on the bar data.
// It validates that all price fields are valid decimal numbers greater than
// zero, volume is non-negative, and the OHLC relationships hold
// (high >= max(open, close), low <= min(open, close)).
func (b *Bar) Validate() error {
	if b.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if b.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "date cannot be zero"}
	}

	open, err := decimal.NewFromString(b.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(b.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(b.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	close, err := decimal.NewFromString(b.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}
	volume, err := decimal.NewFromString(b.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, close)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(open, close)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// HighDecimal returns the high price as a decimal.Decimal for precise calculations.
func (b *Bar) HighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.High)
}

// LowDecimal returns the low price as a decimal.Decimal for precise calculations.
func (b *Bar) LowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Low)
}

// CloseDecimal returns the close price as a decimal.Decimal for precise calculations.
func (b *Bar) CloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Close)
}

// VolumeDecimal returns the volume as a decimal.Decimal for precise calculations.
func (b *Bar) VolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Volume)
}

// TypicalPrice calculates the typical price using the formula (High + Low + Close) / 3.
// This is the representative price the money-flow estimator diffs day over day.
func (b *Bar) TypicalPrice() (decimal.Decimal, error) {
	high, err := b.HighDecimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse high price: %w", err)
	}
	low, err := b.LowDecimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse low price: %w", err)
	}
	close, err := b.CloseDecimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse close price: %w", err)
	}

	sum := high.Add(low).Add(close)
	return sum.Div(decimal.NewFromInt(3)), nil
}

// String returns a human-readable representation of the bar.
func (b *Bar) String() string {
	return fmt.Sprintf("Bar{Symbol: %s, Date: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		b.Symbol, b.Date.Format("2006-01-02"), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// NewBar creates a new Bar instance with the provided parameters and validates it.
// All price and volume values should be provided as decimal strings. The date
// should be truncated to the trading day in UTC.
func NewBar(symbol string, date time.Time, open, high, low, close, volume string) (*Bar, error) {
	bar := &Bar{
		Symbol: symbol,
		Date:   date,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: volume,
	}

	if err := bar.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create bar: %w", err)
	}

	return bar, nil
}

// Quote represents a realtime price snapshot for one instrument as returned
// by the quote provider. Values are decimal strings like the bar fields.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Current       string    `json:"current"`
	Change        string    `json:"change"`
	PercentChange string    `json:"percent_change"`
	PreviousClose string    `json:"previous_close"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Validate checks that the quote carries a usable price.
// A zero or missing current price means the provider had no data for the
// symbol, which callers should treat as a skippable condition.
func (q *Quote) Validate() error {
	if q.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}

	current, err := decimal.NewFromString(q.Current)
	if err != nil {
		return &ValidationError{Field: "current", Message: fmt.Sprintf("invalid current price format: %v", err)}
	}
	if current.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "current", Message: "current price must be greater than 0"}
	}

	return nil
}

// CurrentDecimal returns the current price as a decimal.Decimal.
func (q *Quote) CurrentDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(q.Current)
}
