// Yahoo Finance chart client for daily OHLCV bars.
//
// Uses the public v8 chart API. Responses arrive as parallel arrays with
// possible null entries on halted days; null rows are skipped during
// normalization and counted in the response rather than failing the fetch.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/sectorpulse/go-sector-flow/internal/models"
)

const (
	yahooBaseURL = "https://query1.finance.yahoo.com"

	chartEndpoint = "/v8/finance/chart/%s"

	// Conservative self-imposed limit; Yahoo publishes no official one.
	yahooRequestsPerSecond = 5
	yahooRateLimitBurst    = 1
	yahooRateLimitWindow   = time.Second

	yahooRequestTimeout = 15 * time.Second

	// Bar payloads stay fresh for five minutes, mirroring the dashboard's
	// cache TTL for historical data.
	barCacheTTL = 5 * time.Minute
)

// YahooClient implements the BarProvider interface against the Yahoo Finance
// v8 chart API.
type YahooClient struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger

	// Last-good bar cache with TTL, keyed by symbol and range.
	barCache   map[string]cachedBars
	barCacheMu sync.RWMutex
}

type cachedBars struct {
	response  BarResponse
	fetchedAt time.Time
}

// NewYahooClient creates a new Yahoo chart client. No API key is required.
func NewYahooClient(logger *slog.Logger) *YahooClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &YahooClient{
		httpClient: &http.Client{
			Timeout: yahooRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(yahooRequestsPerSecond), yahooRateLimitBurst),
		baseURL:     yahooBaseURL,
		logger:      logger,
		barCache:    make(map[string]cachedBars),
	}
}

// SetBaseURL overrides the API base URL. Used by tests to point the client
// at a local server.
func (c *YahooClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// FetchDailyBars implements the BarFetcher interface.
func (c *YahooClient) FetchDailyBars(ctx context.Context, req BarRequest) (*BarResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	cacheKey := fmt.Sprintf("%s:%d:%d", req.Symbol, req.Start.Unix(), req.End.Unix())
	c.barCacheMu.RLock()
	if cached, ok := c.barCache[cacheKey]; ok && time.Since(cached.fetchedAt) < barCacheTTL {
		c.barCacheMu.RUnlock()
		response := cached.response
		return &response, nil
	}
	c.barCacheMu.RUnlock()

	if err := c.WaitForLimit(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	params := url.Values{}
	params.Set("period1", strconv.FormatInt(req.Start.Unix(), 10))
	params.Set("period2", strconv.FormatInt(req.End.Unix(), 10))
	params.Set("interval", "1d")
	params.Set("events", "history")

	requestURL := fmt.Sprintf(c.baseURL+chartEndpoint, url.PathEscape(req.Symbol)) + "?" + params.Encode()

	body, err := c.makeRequestWithRetry(ctx, requestURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bars for %s: %w", req.Symbol, err)
	}

	var payload yahooChartResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse chart response for %s: %w", req.Symbol, err)
	}
	if payload.Chart.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrNoData, req.Symbol, payload.Chart.Error.Description)
	}
	if len(payload.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, req.Symbol)
	}

	bars, skipped := c.normalizeResult(req.Symbol, &payload.Chart.Result[0])

	response := BarResponse{
		Bars:      bars,
		Skipped:   skipped,
		RateLimit: c.rateLimitStatus(),
	}

	c.barCacheMu.Lock()
	c.barCache[cacheKey] = cachedBars{response: response, fetchedAt: time.Now()}
	c.barCacheMu.Unlock()

	c.logger.Debug("fetched daily bars",
		"symbol", req.Symbol,
		"count", len(bars),
		"skipped", skipped)

	return &response, nil
}

// normalizeResult converts the parallel-array chart payload into validated
// bars. Rows with null fields or values that fail bar validation are skipped
// and logged.
func (c *YahooClient) normalizeResult(symbol string, result *yahooChartResult) ([]models.Bar, int) {
	if len(result.Indicators.Quote) == 0 {
		return []models.Bar{}, 0
	}
	quote := result.Indicators.Quote[0]

	bars := make([]models.Bar, 0, len(result.Timestamp))
	skipped := 0

	for i, ts := range result.Timestamp {
		if i >= len(quote.Open) || i >= len(quote.High) || i >= len(quote.Low) ||
			i >= len(quote.Close) || i >= len(quote.Volume) {
			skipped++
			continue
		}
		if quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil ||
			quote.Close[i] == nil || quote.Volume[i] == nil {
			skipped++
			continue
		}

		date := time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
		bar, err := models.NewBar(
			symbol,
			date,
			formatFloat(*quote.Open[i]),
			formatFloat(*quote.High[i]),
			formatFloat(*quote.Low[i]),
			formatFloat(*quote.Close[i]),
			strconv.FormatInt(*quote.Volume[i], 10),
		)
		if err != nil {
			c.logger.Warn("skipping invalid bar",
				"symbol", symbol,
				"date", date,
				"error", err)
			skipped++
			continue
		}
		bars = append(bars, *bar)
	}

	return bars, skipped
}

// GetLimits implements the RateLimitInfo interface.
func (c *YahooClient) GetLimits() RateLimit {
	return RateLimit{
		RequestsPerSecond: yahooRequestsPerSecond,
		BurstSize:         yahooRateLimitBurst,
		WindowDuration:    yahooRateLimitWindow,
	}
}

// WaitForLimit implements the RateLimitInfo interface.
func (c *YahooClient) WaitForLimit(ctx context.Context) error {
	return c.rateLimiter.Wait(ctx)
}

// HealthCheck implements the HealthChecker interface.
func (c *YahooClient) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	requestURL := fmt.Sprintf(c.baseURL+chartEndpoint, "SPY") + "?range=1d&interval=1d"

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("User-Agent", "go-sector-flow/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	c.logger.Debug("yahoo health check passed")
	return nil
}

// makeRequestWithRetry issues a GET with exponential backoff, mirroring the
// Finnhub client's retry classification.
func (c *YahooClient) makeRequestWithRetry(ctx context.Context, requestURL string) ([]byte, error) {
	var result []byte

	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = initialRetryDelay
	backoffConfig.MaxInterval = maxRetryDelay
	backoffConfig.Multiplier = retryMultiplier
	backoffConfig.RandomizationFactor = retryJitter
	backoffConfig.MaxElapsedTime = 0

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "go-sector-flow/1.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if retryAfter > 0 {
				c.logger.Warn("rate limited by provider, waiting", "retry_after", retryAfter)
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return fmt.Errorf("rate limited")
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("client error %d: %s", resp.StatusCode, string(body)))
		}

		result = body
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoffConfig, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// rateLimitStatus estimates the limiter state for reporting.
func (c *YahooClient) rateLimitStatus() RateLimitStatus {
	tokens := int(c.rateLimiter.Tokens())
	if tokens < 0 {
		tokens = 0
	}

	reservation := c.rateLimiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	return RateLimitStatus{
		Remaining:  tokens,
		ResetTime:  time.Now().Add(yahooRateLimitWindow),
		RetryAfter: delay,
	}
}

// Wire shapes for the v8 chart API.

type yahooChartResponse struct {
	Chart struct {
		Result []yahooChartResult `json:"result"`
		Error  *yahooChartError   `json:"error"`
	} `json:"chart"`
}

type yahooChartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type yahooChartResult struct {
	Meta struct {
		Symbol   string `json:"symbol"`
		Timezone string `json:"timezone"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []yahooQuoteIndicator `json:"quote"`
	} `json:"indicators"`
}

type yahooQuoteIndicator struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*int64   `json:"volume"`
}
