// Package storage defines the storage layer for daily bars and flow summaries.
// Implementations stay in-process: a map-based store and a DuckDB-backed
// analytical store running strictly in memory.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sectorpulse/go-sector-flow/internal/flow"
	"github.com/sectorpulse/go-sector-flow/internal/models"
)

// BarStorer handles daily bar storage operations.
type BarStorer interface {
	// Store persists a slice of bars. All bars are validated before any
	// is written; an invalid bar fails the whole call.
	Store(ctx context.Context, bars []models.Bar) error

	// StoreBatch performs bulk storage of bars. Backends may use
	// bulk-insert optimizations; semantics match Store.
	StoreBatch(ctx context.Context, bars []models.Bar) error
}

// BarReader handles bar retrieval operations.
type BarReader interface {
	// Query retrieves bars matching the request with pagination and
	// ordering.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// GetLatest retrieves the most recent bar for a symbol.
	GetLatest(ctx context.Context, symbol string) (*models.Bar, error)
}

// SummaryStorage persists computed flow summaries so repeated snapshot
// requests can be served without recomputation.
type SummaryStorage interface {
	// StoreSummaries persists a batch of summaries from one snapshot run.
	StoreSummaries(ctx context.Context, summaries []flow.Summary) error

	// GetSummaries retrieves stored summaries for a grouping key, newest
	// first. A zero limit returns all of them.
	GetSummaries(ctx context.Context, key string, limit int) ([]flow.Summary, error)
}

// StorageManager handles storage lifecycle and operational concerns.
type StorageManager interface {
	// Initialize prepares the backend for operation. Idempotent.
	Initialize(ctx context.Context) error

	// Close shuts down the backend. The instance must not be used after.
	Close() error

	// GetStats returns operational statistics about the backend.
	GetStats(ctx context.Context) (*StorageStats, error)

	HealthChecker
}

// HealthChecker verifies that a storage backend is operational.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BarStorage combines bar storage and retrieval.
type BarStorage interface {
	BarStorer
	BarReader
}

// FullStorage is the complete storage capability set the pipeline wires
// against.
type FullStorage interface {
	BarStorage
	SummaryStorage
	StorageManager
}

// QueryRequest defines parameters for querying stored bars.
type QueryRequest struct {
	// Symbol is the instrument ticker (e.g. "XLK").
	Symbol string

	// Start is the earliest date to include (inclusive).
	Start time.Time

	// End is the latest date to include (exclusive).
	End time.Time

	// Limit is the maximum number of results (0 = no limit).
	Limit int

	// Offset is the number of results to skip for pagination.
	Offset int

	// OrderBy is "date_asc" (default) or "date_desc".
	OrderBy string
}

// Validate checks query request parameters.
func (r *QueryRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end time must be after start time")
	}
	if r.Offset < 0 {
		return fmt.Errorf("offset cannot be negative")
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	if r.OrderBy != "" && r.OrderBy != OrderDateAsc && r.OrderBy != OrderDateDesc {
		return fmt.Errorf("orderBy must be %q or %q", OrderDateAsc, OrderDateDesc)
	}
	return nil
}

// Ordering values for QueryRequest.OrderBy.
const (
	OrderDateAsc  = "date_asc"
	OrderDateDesc = "date_desc"
)

// QueryResponse contains the results of a bar query.
type QueryResponse struct {
	// Bars contains the query results.
	Bars []models.Bar

	// Total is the number of matches before limit/offset.
	Total int

	// HasMore indicates more results exist beyond the current page.
	HasMore bool

	// NextOffset is the offset for the next page.
	NextOffset int

	// QueryTime is the duration taken to execute the query.
	QueryTime time.Duration
}

// StorageStats provides operational metrics about a backend.
type StorageStats struct {
	// TotalBars is the total number of bars stored.
	TotalBars int64

	// TotalSymbols is the number of distinct instruments with data.
	TotalSymbols int

	// EarliestData is the date of the oldest bar.
	EarliestData time.Time

	// LatestData is the date of the newest bar.
	LatestData time.Time

	// TotalSummaries is the number of stored flow summaries.
	TotalSummaries int64

	// QueryPerformance holds average query times by operation.
	QueryPerformance map[string]time.Duration
}

// StorageError represents a failure during a storage operation with enough
// context to diagnose it.
type StorageError struct {
	// Operation is the storage operation that failed (e.g. "insert").
	Operation string

	// Table is the logical table involved.
	Table string

	// Query holds the SQL or operation details, when available.
	Query string

	// Err is the underlying error.
	Err error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap enables errors.Is / errors.As on the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Query: query, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}
