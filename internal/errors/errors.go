// Package errors provides error classification and retry execution shared by
// the providers and the pipeline. Errors are classified into retryable
// (network, timeout, rate limit, server) and non-retryable (validation,
// authentication, bad request) types, and the Retry executor applies
// exponential backoff to the retryable ones.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorType represents the classification of an error.
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // rate limiting from a provider
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx
	ErrorTypeTemporary   ErrorType = "temporary"    // transient failures

	// Non-retryable error types
	ErrorTypeAuthentication ErrorType = "authentication" // bad or missing credentials
	ErrorTypeBadRequest     ErrorType = "bad_request"    // HTTP 4xx (except rate limit)
	ErrorTypeValidation     ErrorType = "validation"     // data validation failures
	ErrorTypeConfiguration  ErrorType = "configuration"  // configuration errors
	ErrorTypeInternal       ErrorType = "internal"       // internal application errors

	// Special error types
	ErrorTypeUnknown ErrorType = "unknown" // unclassified, retried with caution
	ErrorTypeFatal   ErrorType = "fatal"   // stop processing
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError carries an error plus the metadata handling decisions need.
type ClassifiedError struct {
	Err         error     `json:"error"`
	Type        ErrorType `json:"type"`
	Severity    Severity  `json:"severity"`
	Retryable   bool      `json:"retryable"`
	Component   string    `json:"component"`
	Operation   string    `json:"operation"`
	Timestamp   time.Time `json:"timestamp"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
}

func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches other classified errors by type, and falls through to the
// underlying error otherwise.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// RetryPolicy configures the retry executor.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// InitialDelay is the first backoff interval.
	InitialDelay time.Duration

	// MaxDelay caps the backoff interval.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64

	// Jitter is the randomization factor applied to each interval.
	Jitter float64
}

// DefaultRetryPolicy matches the providers' retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	}
}

// ErrorStats tracks per-type error counts for monitoring.
type ErrorStats struct {
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Classifier classifies errors and executes retries.
type Classifier struct {
	policy RetryPolicy
	logger *slog.Logger

	mu    sync.RWMutex
	stats map[ErrorType]ErrorStats
}

// NewClassifier creates a classifier with the given retry policy.
func NewClassifier(policy RetryPolicy, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Classifier{
		policy: policy,
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns it with retry metadata attached.
func (c *Classifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*ClassifiedError); ok {
		return ce
	}

	errorType := classifyErrorType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Retryable: isRetryable(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}

	c.updateStats(errorType)

	c.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())
	return classified
}

// Retry executes fn with exponential backoff, stopping early on
// non-retryable errors or context cancellation.
func (c *Classifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = c.policy.InitialDelay
	strategy.MaxInterval = c.policy.MaxDelay
	strategy.Multiplier = c.policy.Multiplier
	strategy.RandomizationFactor = c.policy.Jitter
	strategy.MaxElapsedTime = 0

	var lastErr error
	attempts := 0

	for {
		attempts++

		err := fn()
		if err == nil {
			if attempts > 1 {
				c.logger.Debug("operation succeeded after retry",
					"component", component,
					"operation", operation,
					"attempts", attempts)
			}
			return nil
		}

		classified := c.Classify(err, component, operation)
		classified.Attempts = attempts
		classified.LastAttempt = time.Now()
		lastErr = classified

		c.logger.Warn("operation failed",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", c.policy.MaxAttempts,
			"error_type", classified.Type,
			"retryable", classified.Retryable,
			"error", err.Error())

		if !classified.Retryable || attempts >= c.policy.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		}

		select {
		case <-time.After(strategy.NextBackOff()):
		case <-ctx.Done():
			return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// GetStats returns a copy of the per-type error statistics.
func (c *Classifier) GetStats() map[ErrorType]ErrorStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(c.stats))
	for k, v := range c.stats {
		stats[k] = v
	}
	return stats
}

func (c *Classifier) updateStats(errorType ErrorType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	c.stats[errorType] = stats
}

// classifyErrorType determines the error type from the error content.
func classifyErrorType(err error) ErrorType {
	errStr := strings.ToLower(err.Error())

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "quota exceeded") {
		return ErrorTypeRateLimit
	}
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "api key") {
		return ErrorTypeAuthentication
	}
	if strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "parse") {
		return ErrorTypeValidation
	}
	if strings.Contains(errStr, "not configured") ||
		strings.Contains(errStr, "missing required") {
		return ErrorTypeConfiguration
	}
	if strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "service unavailable") {
		return ErrorTypeServerError
	}
	if strings.Contains(errStr, "client error") {
		return ErrorTypeBadRequest
	}
	return ErrorTypeUnknown
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"dns",
		"resolve",
	}
	for _, pattern := range patterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context canceled")
}

func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeFatal:
		return SeverityCritical
	case ErrorTypeAuthentication, ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeBadRequest:
		return SeverityMedium
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeTemporary:
		return true
	case ErrorTypeAuthentication, ErrorTypeBadRequest, ErrorTypeValidation,
		ErrorTypeConfiguration, ErrorTypeFatal:
		return false
	default:
		// Unknown errors are retried with caution.
		return true
	}
}

// WrapError wraps an error with component and operation context.
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

// IsRetryable reports whether a classified error is retryable.
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetErrorType extracts the error type from a classified error.
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}
