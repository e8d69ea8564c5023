// In-memory implementation of the storage interfaces. Thread-safe and the
// default backend for the pipeline.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sectorpulse/go-sector-flow/internal/flow"
	"github.com/sectorpulse/go-sector-flow/internal/models"
)

// MemoryStorage implements FullStorage with map-based structures guarded by
// a single RWMutex.
type MemoryStorage struct {
	mu sync.RWMutex

	// Bar storage: map[symbol][date] -> Bar. Dates are normalized to UTC
	// midnight so re-stores of the same day overwrite.
	bars map[string]map[time.Time]models.Bar

	// Summary storage: map[key] -> summaries in insertion order.
	summaries map[string][]flow.Summary

	stats *StorageStats

	initialized bool
	closed      bool

	queryTimes map[string][]time.Duration
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bars:      make(map[string]map[time.Time]models.Bar),
		summaries: make(map[string][]flow.Summary),
		stats: &StorageStats{
			QueryPerformance: make(map[string]time.Duration),
		},
		queryTimes: make(map[string][]time.Duration),
	}
}

// Store persists a slice of bars. Duplicate dates overwrite.
func (m *MemoryStorage) Store(ctx context.Context, bars []models.Bar) error {
	if ctx.Err() != nil {
		return NewStorageError("store", "bars", "", ctx.Err())
	}
	if len(bars) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("store", "bars", "", errors.New("storage is closed"))
	}

	// Validate everything before writing anything.
	for i, bar := range bars {
		if err := bar.Validate(); err != nil {
			return NewInsertError("bars", fmt.Errorf("bar at index %d validation failed: %w", i, err))
		}
	}

	for _, bar := range bars {
		key := dateKey(bar.Date)
		if m.bars[bar.Symbol] == nil {
			m.bars[bar.Symbol] = make(map[time.Time]models.Bar)
		}
		bar.Date = key
		m.bars[bar.Symbol][key] = bar
	}

	m.updateBarStats()
	return nil
}

// StoreBatch performs bulk storage of bars. Same semantics as Store with
// performance tracking.
func (m *MemoryStorage) StoreBatch(ctx context.Context, bars []models.Bar) error {
	start := time.Now()
	defer func() {
		m.trackQueryTime("StoreBatch", time.Since(start))
	}()
	return m.Store(ctx, bars)
}

// Query retrieves bars matching the request parameters.
func (m *MemoryStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() {
		m.trackQueryTime("Query", time.Since(start))
	}()

	if ctx.Err() != nil {
		return nil, NewQueryError("bars", "", ctx.Err())
	}
	if err := req.Validate(); err != nil {
		return nil, NewQueryError("bars", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("bars", "", errors.New("storage is closed"))
	}

	var matches []models.Bar
	for date, bar := range m.bars[req.Symbol] {
		if (date.Equal(req.Start) || date.After(req.Start)) && date.Before(req.End) {
			matches = append(matches, bar)
		}
	}

	sortBars(matches, req.OrderBy)

	total := len(matches)
	startIdx := req.Offset
	if startIdx > total {
		startIdx = total
	}
	endIdx := total
	if req.Limit > 0 && startIdx+req.Limit < total {
		endIdx = startIdx + req.Limit
	}

	return &QueryResponse{
		Bars:       matches[startIdx:endIdx],
		Total:      total,
		HasMore:    endIdx < total,
		NextOffset: endIdx,
		QueryTime:  time.Since(start),
	}, nil
}

// GetLatest retrieves the most recent bar for a symbol. Returns nil when no
// bars exist.
func (m *MemoryStorage) GetLatest(ctx context.Context, symbol string) (*models.Bar, error) {
	start := time.Now()
	defer func() {
		m.trackQueryTime("GetLatest", time.Since(start))
	}()

	if ctx.Err() != nil {
		return nil, NewQueryError("bars", "", ctx.Err())
	}
	if symbol == "" {
		return nil, NewQueryError("bars", "", errors.New("symbol cannot be empty"))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("bars", "", errors.New("storage is closed"))
	}

	var latest *models.Bar
	for _, bar := range m.bars[symbol] {
		if latest == nil || bar.Date.After(latest.Date) {
			b := bar
			latest = &b
		}
	}
	return latest, nil
}

// StoreSummaries persists a batch of flow summaries.
func (m *MemoryStorage) StoreSummaries(ctx context.Context, summaries []flow.Summary) error {
	if ctx.Err() != nil {
		return NewStorageError("store", "summaries", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("store", "summaries", "", errors.New("storage is closed"))
	}

	for _, s := range summaries {
		if s.Key == "" {
			return NewInsertError("summaries", errors.New("summary key cannot be empty"))
		}
		m.summaries[s.Key] = append(m.summaries[s.Key], s)
	}
	return nil
}

// GetSummaries retrieves stored summaries for a key, newest first.
func (m *MemoryStorage) GetSummaries(ctx context.Context, key string, limit int) ([]flow.Summary, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("summaries", "", ctx.Err())
	}
	if key == "" {
		return nil, NewQueryError("summaries", "", errors.New("key cannot be empty"))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("summaries", "", errors.New("storage is closed"))
	}

	stored := m.summaries[key]
	result := make([]flow.Summary, len(stored))
	copy(result, stored)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ComputedAt.After(result[j].ComputedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Initialize prepares the memory storage for operation.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("initialize", "", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", "", errors.New("storage is closed"))
	}

	m.initialized = true
	return nil
}

// Close shuts down the memory storage. Safe to call twice.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// GetStats returns operational statistics.
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	if ctx.Err() != nil {
		return nil, NewStorageError("stats", "", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewStorageError("stats", "", "", errors.New("storage is closed"))
	}

	m.updateBarStats()
	m.updateQueryPerformance()

	statsCopy := *m.stats
	statsCopy.QueryPerformance = make(map[string]time.Duration, len(m.stats.QueryPerformance))
	for k, v := range m.stats.QueryPerformance {
		statsCopy.QueryPerformance[k] = v
	}
	return &statsCopy, nil
}

// HealthCheck verifies the storage is open and initialized.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return errors.New("storage is closed")
	}
	if !m.initialized {
		return errors.New("storage is not initialized")
	}
	return nil
}

// dateKey normalizes a bar date to UTC midnight for use as a map key.
func dateKey(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func sortBars(bars []models.Bar, orderBy string) {
	switch orderBy {
	case OrderDateDesc:
		sort.Slice(bars, func(i, j int) bool {
			return bars[i].Date.After(bars[j].Date)
		})
	default:
		sort.Slice(bars, func(i, j int) bool {
			return bars[i].Date.Before(bars[j].Date)
		})
	}
}

func (m *MemoryStorage) updateBarStats() {
	var totalBars int64
	var totalSummaries int64
	var earliest, latest time.Time

	for _, dates := range m.bars {
		for date := range dates {
			totalBars++
			if earliest.IsZero() || date.Before(earliest) {
				earliest = date
			}
			if latest.IsZero() || date.After(latest) {
				latest = date
			}
		}
	}
	for _, list := range m.summaries {
		totalSummaries += int64(len(list))
	}

	m.stats.TotalBars = totalBars
	m.stats.TotalSymbols = len(m.bars)
	m.stats.EarliestData = earliest
	m.stats.LatestData = latest
	m.stats.TotalSummaries = totalSummaries
}

func (m *MemoryStorage) trackQueryTime(operation string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queryTimes[operation] = append(m.queryTimes[operation], duration)

	// Keep only the last 100 measurements.
	if len(m.queryTimes[operation]) > 100 {
		m.queryTimes[operation] = m.queryTimes[operation][1:]
	}
}

func (m *MemoryStorage) updateQueryPerformance() {
	for operation, times := range m.queryTimes {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		m.stats.QueryPerformance[operation] = total / time.Duration(len(times))
	}
}
