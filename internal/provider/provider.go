// Package provider defines interfaces for market data providers and the two
// concrete clients used by the pipeline: a Finnhub-style realtime quote API
// and a Yahoo-style chart API for daily bars.
//
// The interfaces are small and composable so the pipeline can depend on
// exactly the capability it needs, and tests can substitute fakes per
// capability.
package provider

import (
	"context"
	"time"

	"github.com/sectorpulse/go-sector-flow/internal/models"
)

// QuoteFetcher retrieves realtime price snapshots.
type QuoteFetcher interface {
	// FetchQuote retrieves the current quote for one symbol.
	//
	// A provider that has no data for the symbol returns ErrNoData so
	// callers can skip the instrument without aborting the batch.
	FetchQuote(ctx context.Context, symbol string) (*models.Quote, error)
}

// BarFetcher retrieves historical daily bars.
type BarFetcher interface {
	// FetchDailyBars retrieves daily OHLCV bars for one symbol over
	// [start, end). Bars are returned in chronological order (oldest
	// first). Rows the provider reports as null are skipped, not errors.
	FetchDailyBars(ctx context.Context, req BarRequest) (*BarResponse, error)
}

// RateLimitInfo exposes a provider's rate limiting policy and lets callers
// block until the next request is allowed.
type RateLimitInfo interface {
	// GetLimits returns the provider's rate limiting configuration.
	GetLimits() RateLimit

	// WaitForLimit blocks until the rate limit allows another request,
	// or the context is cancelled.
	WaitForLimit(ctx context.Context) error
}

// HealthChecker verifies that a provider is reachable and responding.
type HealthChecker interface {
	// HealthCheck performs a lightweight reachability probe. It should
	// not consume meaningful rate-limit quota.
	HealthCheck(ctx context.Context) error
}

// QuoteProvider combines the capabilities of a realtime quote source.
type QuoteProvider interface {
	QuoteFetcher
	RateLimitInfo
	HealthChecker
}

// BarProvider combines the capabilities of a historical bar source.
type BarProvider interface {
	BarFetcher
	RateLimitInfo
	HealthChecker
}

// BarRequest specifies parameters for fetching daily bars.
type BarRequest struct {
	// Symbol is the instrument ticker (e.g. "XLK").
	Symbol string `json:"symbol"`

	// Start is the beginning of the range to fetch (inclusive).
	Start time.Time `json:"start"`

	// End is the end of the range to fetch (exclusive).
	End time.Time `json:"end"`
}

// Validate checks the bar request parameters.
func (r *BarRequest) Validate() error {
	if r.Symbol == "" {
		return &RequestError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if r.Start.IsZero() {
		return &RequestError{Field: "start", Message: "start time cannot be zero"}
	}
	if r.End.IsZero() {
		return &RequestError{Field: "end", Message: "end time cannot be zero"}
	}
	if !r.End.After(r.Start) {
		return &RequestError{Field: "end", Message: "end time must be after start time"}
	}
	return nil
}

// BarResponse contains the result of a daily bar fetch.
type BarResponse struct {
	// Bars holds the fetched bars in chronological order (oldest first).
	Bars []models.Bar `json:"bars"`

	// Skipped counts provider rows dropped during normalization
	// (null entries, unparseable values).
	Skipped int `json:"skipped"`

	// RateLimit reports the provider's rate limit status after the fetch.
	RateLimit RateLimitStatus `json:"rate_limit"`
}

// RateLimit defines the rate limiting configuration of a provider.
type RateLimit struct {
	RequestsPerSecond int           `json:"requests_per_second"`
	BurstSize         int           `json:"burst_size"`
	WindowDuration    time.Duration `json:"window_duration"`
}

// RateLimitStatus provides current rate limiting state information.
type RateLimitStatus struct {
	// Remaining is the estimated number of requests left in the window.
	Remaining int `json:"remaining"`

	// ResetTime is when the rate limit window resets.
	ResetTime time.Time `json:"reset_time"`

	// RetryAfter is how long to wait before the next request.
	// Zero means no waiting is required.
	RetryAfter time.Duration `json:"retry_after"`
}

// RequestError represents a validation error for provider requests.
type RequestError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return "invalid request field " + e.Field + ": " + e.Message
}
