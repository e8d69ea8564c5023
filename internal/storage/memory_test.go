package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sectorpulse/go-sector-flow/internal/flow"
	"github.com/sectorpulse/go-sector-flow/internal/models"
)

func testBar(symbol string, day int, price, volume string) models.Bar {
	return models.Bar{
		Symbol: symbol,
		Date:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day),
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: volume,
	}
}

func newTestMemoryStorage(t *testing.T) *MemoryStorage {
	t.Helper()
	s := NewMemoryStorage()
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStoreAndQuery(t *testing.T) {
	s := newTestMemoryStorage(t)
	ctx := context.Background()

	bars := []models.Bar{
		testBar("XLK", 0, "200", "1000"),
		testBar("XLK", 1, "201", "1100"),
		testBar("XLK", 2, "202", "1200"),
		testBar("XLF", 0, "40", "5000"),
	}
	require.NoError(t, s.Store(ctx, bars))

	resp, err := s.Query(ctx, QueryRequest{
		Symbol: "XLK",
		Start:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, resp.Bars, 3)
	assert.Equal(t, 3, resp.Total)
	assert.False(t, resp.HasMore)

	// Default ordering is oldest first.
	for i := 1; i < len(resp.Bars); i++ {
		assert.True(t, resp.Bars[i].Date.After(resp.Bars[i-1].Date))
	}
}

func TestMemoryStoreValidatesBeforeWriting(t *testing.T) {
	s := newTestMemoryStorage(t)
	ctx := context.Background()

	bars := []models.Bar{
		testBar("XLK", 0, "200", "1000"),
		{Symbol: "XLK", Date: time.Now().UTC(), Open: "10", High: "5", Low: "10", Close: "10", Volume: "1"},
	}
	err := s.Store(ctx, bars)
	require.Error(t, err)

	// Nothing from the failed batch is visible.
	latest, err := s.GetLatest(ctx, "XLK")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMemoryStoreEmptySlice(t *testing.T) {
	s := newTestMemoryStorage(t)
	require.NoError(t, s.Store(context.Background(), nil))
	require.NoError(t, s.StoreBatch(context.Background(), []models.Bar{}))
}

func TestMemoryStoreOverwritesDuplicateDates(t *testing.T) {
	s := newTestMemoryStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, []models.Bar{testBar("XLE", 0, "80", "1000")}))
	require.NoError(t, s.Store(ctx, []models.Bar{testBar("XLE", 0, "81", "2000")}))

	latest, err := s.GetLatest(ctx, "XLE")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "81", latest.Close)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalBars)
}

func TestMemoryQueryPagination(t *testing.T) {
	s := newTestMemoryStorage(t)
	ctx := context.Background()

	bars := make([]models.Bar, 0, 10)
	for day := 0; day < 10; day++ {
		bars = append(bars, testBar("XLV", day, "130", "1000"))
	}
	require.NoError(t, s.StoreBatch(ctx, bars))

	req := QueryRequest{
		Symbol: "XLV",
		Start:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		Limit:  4,
	}

	page1, err := s.Query(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page1.Bars, 4)
	assert.True(t, page1.HasMore)
	assert.Equal(t, 4, page1.NextOffset)

	req.Offset = page1.NextOffset
	page2, err := s.Query(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page2.Bars, 4)
	assert.True(t, page2.HasMore)

	req.Offset = page2.NextOffset
	page3, err := s.Query(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page3.Bars, 2)
	assert.False(t, page3.HasMore)
}

func TestMemoryQueryDescendingOrder(t *testing.T) {
	s := newTestMemoryStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, []models.Bar{
		testBar("XLU", 0, "70", "1000"),
		testBar("XLU", 1, "71", "1000"),
	}))

	resp, err := s.Query(ctx, QueryRequest{
		Symbol:  "XLU",
		Start:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		OrderBy: OrderDateDesc,
	})
	require.NoError(t, err)
	require.Len(t, resp.Bars, 2)
	assert.True(t, resp.Bars[0].Date.After(resp.Bars[1].Date))
}

func TestMemoryQueryRejectsInvalidRequests(t *testing.T) {
	s := newTestMemoryStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tests := []struct {
		name string
		req  QueryRequest
	}{
		{"empty symbol", QueryRequest{Start: now.Add(-time.Hour), End: now}},
		{"end before start", QueryRequest{Symbol: "XLK", Start: now, End: now.Add(-time.Hour)}},
		{"negative offset", QueryRequest{Symbol: "XLK", Start: now.Add(-time.Hour), End: now, Offset: -1}},
		{"negative limit", QueryRequest{Symbol: "XLK", Start: now.Add(-time.Hour), End: now, Limit: -1}},
		{"bad order", QueryRequest{Symbol: "XLK", Start: now.Add(-time.Hour), End: now, OrderBy: "volume"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Query(ctx, tt.req)
			require.Error(t, err)

			var storageErr *StorageError
			assert.ErrorAs(t, err, &storageErr)
		})
	}
}

func TestMemoryGetLatestUnknownSymbol(t *testing.T) {
	s := newTestMemoryStorage(t)

	latest, err := s.GetLatest(context.Background(), "XLRE")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMemorySummaries(t *testing.T) {
	s := newTestMemoryStorage(t)
	ctx := context.Background()

	older := flow.Summary{
		Key:        "Technology",
		Window:     20,
		Days:       20,
		NetFlow:    decimal.NewFromInt(101000),
		ComputedAt: time.Now().UTC().Add(-time.Hour),
	}
	newer := flow.Summary{
		Key:        "Technology",
		Window:     20,
		Days:       20,
		NetFlow:    decimal.NewFromInt(-5000),
		ComputedAt: time.Now().UTC(),
	}
	require.NoError(t, s.StoreSummaries(ctx, []flow.Summary{older, newer}))

	got, err := s.GetSummaries(ctx, "Technology", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].ComputedAt.After(got[1].ComputedAt), "newest first")
	assert.True(t, got[0].NetFlow.Equal(newer.NetFlow))

	limited, err := s.GetSummaries(ctx, "Technology", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.GetSummaries(ctx, "Energy", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemorySummariesRejectEmptyKey(t *testing.T) {
	s := newTestMemoryStorage(t)
	err := s.StoreSummaries(context.Background(), []flow.Summary{{}})
	require.Error(t, err)
}

func TestMemoryLifecycle(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	// Not initialized yet.
	require.Error(t, s.HealthCheck(ctx))

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.HealthCheck(ctx))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is safe")

	require.Error(t, s.HealthCheck(ctx))
	require.Error(t, s.Store(ctx, []models.Bar{testBar("XLK", 0, "1", "1")}))
	_, err := s.GetLatest(ctx, "XLK")
	require.Error(t, err)
}

func TestMemoryGetStats(t *testing.T) {
	s := newTestMemoryStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, []models.Bar{
		testBar("XLK", 0, "200", "1000"),
		testBar("XLK", 5, "205", "1000"),
		testBar("XLF", 2, "40", "1000"),
	}))
	require.NoError(t, s.StoreSummaries(ctx, []flow.Summary{
		{Key: "XLK", ComputedAt: time.Now().UTC()},
	}))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalBars)
	assert.Equal(t, 2, stats.TotalSymbols)
	assert.Equal(t, int64(1), stats.TotalSummaries)
	assert.True(t, stats.LatestData.After(stats.EarliestData))
}

func TestMemoryConcurrentAccess(t *testing.T) {
	s := newTestMemoryStorage(t)
	ctx := context.Background()

	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for day := 0; day < 25; day++ {
				bar := testBar("XLK", w*25+day, "200", "1000")
				if err := s.Store(ctx, []models.Bar{bar}); err != nil {
					t.Error(err)
					return
				}
				if _, err := s.GetLatest(ctx, "XLK"); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.TotalBars)
}
