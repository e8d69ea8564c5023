package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }
func ip(v int64) *int64     { return &v }

// chartPayload builds a minimal v8 chart response for the given rows. A nil
// row marks a halted day with null fields.
func chartPayload(symbol string, timestamps []int64, rows [][]float64, volumes []int64) yahooChartResponse {
	var payload yahooChartResponse
	result := yahooChartResult{Timestamp: timestamps}
	result.Meta.Symbol = symbol
	result.Meta.Timezone = "America/New_York"

	quote := yahooQuoteIndicator{}
	for i, row := range rows {
		if row == nil {
			quote.Open = append(quote.Open, nil)
			quote.High = append(quote.High, nil)
			quote.Low = append(quote.Low, nil)
			quote.Close = append(quote.Close, nil)
			quote.Volume = append(quote.Volume, nil)
			continue
		}
		quote.Open = append(quote.Open, fp(row[0]))
		quote.High = append(quote.High, fp(row[1]))
		quote.Low = append(quote.Low, fp(row[2]))
		quote.Close = append(quote.Close, fp(row[3]))
		quote.Volume = append(quote.Volume, ip(volumes[i]))
	}
	result.Indicators.Quote = []yahooQuoteIndicator{quote}
	payload.Chart.Result = []yahooChartResult{result}
	return payload
}

func testBarRequest(symbol string) BarRequest {
	return BarRequest{
		Symbol: symbol,
		Start:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestYahooFetchDailyBars(t *testing.T) {
	day1 := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC).Unix()
	day2 := time.Date(2024, 1, 3, 14, 30, 0, 0, time.UTC).Unix()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v8/finance/chart/XLK", r.URL.Path)
		assert.Equal(t, "1d", r.URL.Query().Get("interval"))
		assert.NotEmpty(t, r.URL.Query().Get("period1"))
		assert.NotEmpty(t, r.URL.Query().Get("period2"))

		payload := chartPayload("XLK",
			[]int64{day1, day2},
			[][]float64{
				{200.0, 202.0, 199.0, 201.5},
				{201.5, 203.0, 200.5, 202.25},
			},
			[]int64{5_000_000, 4_200_000})
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := NewYahooClient(nil)
	client.SetBaseURL(server.URL)

	resp, err := client.FetchDailyBars(context.Background(), testBarRequest("XLK"))
	require.NoError(t, err)
	require.Len(t, resp.Bars, 2)
	assert.Equal(t, 0, resp.Skipped)

	first := resp.Bars[0]
	assert.Equal(t, "XLK", first.Symbol)
	assert.Equal(t, "202", first.High)
	assert.Equal(t, "201.5", first.Close)
	assert.Equal(t, "5000000", first.Volume)
	assert.True(t, first.Date.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
		"timestamps must normalize to UTC midnight, got %s", first.Date)
	assert.True(t, resp.Bars[1].Date.After(first.Date), "bars arrive oldest first")
}

func TestYahooFetchDailyBarsSkipsNullRows(t *testing.T) {
	day1 := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC).Unix()
	day2 := time.Date(2024, 1, 3, 14, 30, 0, 0, time.UTC).Unix()
	day3 := time.Date(2024, 1, 4, 14, 30, 0, 0, time.UTC).Unix()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := chartPayload("XLE",
			[]int64{day1, day2, day3},
			[][]float64{
				{80.0, 81.0, 79.5, 80.5},
				nil, // halted day
				{80.5, 82.0, 80.0, 81.75},
			},
			[]int64{1_000_000, 0, 1_100_000})
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := NewYahooClient(nil)
	client.SetBaseURL(server.URL)

	resp, err := client.FetchDailyBars(context.Background(), testBarRequest("XLE"))
	require.NoError(t, err)
	assert.Len(t, resp.Bars, 2)
	assert.Equal(t, 1, resp.Skipped)
}

func TestYahooFetchDailyBarsSkipsInvalidRows(t *testing.T) {
	day1 := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC).Unix()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// High below low fails bar validation and is skipped, not fatal.
		payload := chartPayload("XLU",
			[]int64{day1},
			[][]float64{{70.0, 69.0, 71.0, 70.0}},
			[]int64{500_000})
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := NewYahooClient(nil)
	client.SetBaseURL(server.URL)

	resp, err := client.FetchDailyBars(context.Background(), testBarRequest("XLU"))
	require.NoError(t, err)
	assert.Empty(t, resp.Bars)
	assert.Equal(t, 1, resp.Skipped)
}

func TestYahooFetchDailyBarsCaching(t *testing.T) {
	var requests int32
	day1 := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC).Unix()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		payload := chartPayload("XLV",
			[]int64{day1},
			[][]float64{{130.0, 131.0, 129.0, 130.5}},
			[]int64{900_000})
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := NewYahooClient(nil)
	client.SetBaseURL(server.URL)

	req := testBarRequest("XLV")
	for i := 0; i < 3; i++ {
		_, err := client.FetchDailyBars(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests),
		"repeated fetches for the same range should hit the cache")
}

func TestYahooFetchDailyBarsChartError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload yahooChartResponse
		payload.Chart.Error = &yahooChartError{Code: "Not Found", Description: "No data found"}
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := NewYahooClient(nil)
	client.SetBaseURL(server.URL)

	_, err := client.FetchDailyBars(context.Background(), testBarRequest("NOPE"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestYahooFetchDailyBarsEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(yahooChartResponse{})
	}))
	defer server.Close()

	client := NewYahooClient(nil)
	client.SetBaseURL(server.URL)

	_, err := client.FetchDailyBars(context.Background(), testBarRequest("XLRE"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestYahooFetchDailyBarsValidatesRequest(t *testing.T) {
	client := NewYahooClient(nil)

	tests := []struct {
		name string
		req  BarRequest
	}{
		{"empty symbol", BarRequest{Start: time.Now().Add(-time.Hour), End: time.Now()}},
		{"zero start", BarRequest{Symbol: "XLK", End: time.Now()}},
		{"end before start", BarRequest{Symbol: "XLK", Start: time.Now(), End: time.Now().Add(-time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.FetchDailyBars(context.Background(), tt.req)
			require.Error(t, err)
		})
	}
}

func TestYahooRetriesServerErrors(t *testing.T) {
	var requests int32
	day1 := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC).Unix()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		payload := chartPayload("XLB",
			[]int64{day1},
			[][]float64{{85.0, 86.0, 84.5, 85.75}},
			[]int64{700_000})
		json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client := NewYahooClient(nil)
	client.SetBaseURL(server.URL)

	resp, err := client.FetchDailyBars(context.Background(), testBarRequest("XLB"))
	require.NoError(t, err)
	assert.Len(t, resp.Bars, 1)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&requests), int32(2))
}

func TestYahooGetLimits(t *testing.T) {
	client := NewYahooClient(nil)

	limits := client.GetLimits()
	assert.Equal(t, yahooRequestsPerSecond, limits.RequestsPerSecond)
	assert.Equal(t, yahooRateLimitBurst, limits.BurstSize)
}

func TestYahooHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewYahooClient(nil)
	client.SetBaseURL(server.URL)

	require.NoError(t, client.HealthCheck(context.Background()))
}
