package models

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a refresh job.
// It tracks the lifecycle from creation through completion or failure.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // StatusPending indicates the job is queued but not yet started
	StatusRunning   JobStatus = "running"   // StatusRunning indicates the job is currently being executed
	StatusCompleted JobStatus = "completed" // StatusCompleted indicates the job finished successfully
	StatusFailed    JobStatus = "failed"    // StatusFailed indicates the job encountered an error
)

// JobType represents the type of refresh task.
type JobType string

const (
	JobTypeBarRefresh   JobType = "bar_refresh"   // JobTypeBarRefresh fetches historical daily bars
	JobTypeQuoteRefresh JobType = "quote_refresh" // JobTypeQuoteRefresh fetches realtime quotes
	JobTypeSnapshot     JobType = "snapshot"      // JobTypeSnapshot computes flow summaries from stored bars
)

// MaxRetryAttempts defines the maximum number of retry attempts for failed jobs.
const MaxRetryAttempts = 5

// retryBackoffMultiplier is the factor applied to each successive retry delay.
const retryBackoffMultiplier = 2.0

// Job represents a refresh task with status tracking and progress metrics.
type Job struct {
	ID               string    `json:"id" db:"id"`
	Type             JobType   `json:"type" db:"type"`
	Symbol           string    `json:"symbol" db:"symbol"`
	WindowStart      time.Time `json:"window_start" db:"window_start"`
	WindowEnd        time.Time `json:"window_end" db:"window_end"`
	Status           JobStatus `json:"status" db:"status"`
	Progress         int       `json:"progress" db:"progress"`
	RecordsCollected int       `json:"records_collected" db:"records_collected"`
	Error            string    `json:"error,omitempty" db:"error"`
	RetryCount       int       `json:"retry_count" db:"retry_count"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// NewJob creates a new Job with a generated UUID in pending status.
// The symbol may be empty for jobs that span the whole universe.
func NewJob(jobType JobType, symbol string, windowStart, windowEnd time.Time) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Symbol:      symbol,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the job for internal consistency.
func (j *Job) Validate() error {
	if j.ID == "" {
		return &ValidationError{Field: "id", Message: "job ID is required"}
	}
	switch j.Type {
	case JobTypeBarRefresh, JobTypeQuoteRefresh, JobTypeSnapshot:
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid job type '%s'", j.Type)}
	}
	switch j.Status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("invalid job status '%s'", j.Status)}
	}
	if !j.WindowStart.IsZero() && !j.WindowEnd.IsZero() && j.WindowEnd.Before(j.WindowStart) {
		return &ValidationError{Field: "window_end", Message: "window end must not be before window start"}
	}
	if j.Progress < 0 || j.Progress > 100 {
		return &ValidationError{Field: "progress", Message: "progress must be between 0 and 100"}
	}
	if j.RetryCount < 0 || j.RetryCount > MaxRetryAttempts {
		return &ValidationError{Field: "retry_count", Message: fmt.Sprintf("retry count must be between 0 and %d", MaxRetryAttempts)}
	}
	return nil
}

// Start transitions the job from pending to running.
func (j *Job) Start() error {
	if j.Status != StatusPending {
		return fmt.Errorf("cannot start job in status %s", j.Status)
	}
	j.Status = StatusRunning
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete transitions the job from running to completed with full progress.
func (j *Job) Complete() error {
	if j.Status != StatusRunning {
		return fmt.Errorf("cannot complete job in status %s", j.Status)
	}
	j.Status = StatusCompleted
	j.Progress = 100
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail transitions the job to failed and records the error message.
func (j *Job) Fail(errorMsg string) error {
	if j.Status != StatusRunning && j.Status != StatusPending {
		return fmt.Errorf("cannot fail job in status %s", j.Status)
	}
	j.Status = StatusFailed
	j.Error = errorMsg
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Retry transitions a failed job back to pending and increments the retry count.
func (j *Job) Retry() error {
	if j.Status != StatusFailed {
		return fmt.Errorf("cannot retry job in status %s", j.Status)
	}
	if j.RetryCount >= MaxRetryAttempts {
		return fmt.Errorf("job has exhausted retry attempts (%d)", MaxRetryAttempts)
	}
	j.Status = StatusPending
	j.Error = ""
	j.RetryCount++
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateProgress records partial completion and the records gathered so far.
func (j *Job) UpdateProgress(progress, recordsCollected int) error {
	if progress < 0 || progress > 100 {
		return &ValidationError{Field: "progress", Message: "progress must be between 0 and 100"}
	}
	if recordsCollected < 0 {
		return &ValidationError{Field: "records_collected", Message: "records collected cannot be negative"}
	}
	j.Progress = progress
	j.RecordsCollected = recordsCollected
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// IsComplete returns true if the job finished successfully.
func (j *Job) IsComplete() bool { return j.Status == StatusCompleted }

// IsFailed returns true if the job failed.
func (j *Job) IsFailed() bool { return j.Status == StatusFailed }

// CanRetry returns true if a failed job still has retry budget.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.RetryCount < MaxRetryAttempts
}

// NextRetryDelay returns the exponential backoff delay for the next retry.
func (j *Job) NextRetryDelay() time.Duration {
	base := time.Second
	delay := time.Duration(float64(base) * math.Pow(retryBackoffMultiplier, float64(j.RetryCount)))
	if delay > 2*time.Minute {
		delay = 2 * time.Minute
	}
	return delay
}

// Summary returns a one-line description of the job for logging.
func (j *Job) Summary() string {
	return fmt.Sprintf("Job{%s type=%s symbol=%s status=%s progress=%d%% records=%d retries=%d}",
		j.ID, j.Type, j.Symbol, j.Status, j.Progress, j.RecordsCollected, j.RetryCount)
}
