// Finnhub realtime quote client.
//
// Uses the Finnhub REST API /quote endpoint with token authentication, a
// token-bucket rate limiter, and exponential-backoff retry for transient
// failures.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sectorpulse/go-sector-flow/internal/models"
)

const (
	finnhubBaseURL = "https://finnhub.io/api/v1"

	quoteEndpoint = "/quote"

	// Free-tier rate limit from Finnhub docs: 30 requests/second.
	finnhubRequestsPerSecond = 30
	finnhubRateLimitBurst    = 1
	finnhubRateLimitWindow   = time.Second

	finnhubRequestTimeout = 10 * time.Second

	// Retry configuration shared by both providers.
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
	retryMultiplier   = 2.0
	retryJitter       = 0.5

	healthCheckTimeout = 5 * time.Second

	// Quote payloads stay fresh for one minute before a refetch, mirroring
	// the dashboard's cache TTL for realtime data.
	quoteCacheTTL = time.Minute
)

// ErrNoData indicates the provider had no usable data for the symbol.
// Callers skip the instrument rather than failing the batch.
var ErrNoData = errors.New("provider returned no data for symbol")

// ErrMissingAPIKey indicates the client was constructed without a token.
var ErrMissingAPIKey = errors.New("finnhub API key is not configured")

// FinnhubClient implements the QuoteProvider interface against the Finnhub
// REST API.
type FinnhubClient struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	apiKey      string
	logger      *slog.Logger

	// Last-good quote cache with TTL, keyed by symbol.
	quoteCache   map[string]cachedQuote
	quoteCacheMu sync.RWMutex
}

type cachedQuote struct {
	quote     models.Quote
	fetchedAt time.Time
}

// NewFinnhubClient creates a new Finnhub quote client. The API key is
// required for all endpoints; construction succeeds without one so callers
// can surface ErrMissingAPIKey at fetch time with context.
func NewFinnhubClient(apiKey string, logger *slog.Logger) *FinnhubClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FinnhubClient{
		httpClient: &http.Client{
			Timeout: finnhubRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(finnhubRequestsPerSecond), finnhubRateLimitBurst),
		baseURL:     finnhubBaseURL,
		apiKey:      apiKey,
		logger:      logger,
		quoteCache:  make(map[string]cachedQuote),
	}
}

// SetBaseURL overrides the API base URL. Used by tests to point the client
// at a local server.
func (c *FinnhubClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// FetchQuote implements the QuoteFetcher interface.
func (c *FinnhubClient) FetchQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if symbol == "" {
		return nil, &RequestError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	// Serve from cache while fresh.
	c.quoteCacheMu.RLock()
	if cached, ok := c.quoteCache[symbol]; ok && time.Since(cached.fetchedAt) < quoteCacheTTL {
		c.quoteCacheMu.RUnlock()
		quote := cached.quote
		return &quote, nil
	}
	c.quoteCacheMu.RUnlock()

	if err := c.WaitForLimit(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("token", c.apiKey)
	requestURL := c.baseURL + quoteEndpoint + "?" + params.Encode()

	body, err := c.makeRequestWithRetry(ctx, requestURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}

	var payload finnhubQuote
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse quote response for %s: %w", symbol, err)
	}

	// Finnhub reports unknown symbols as an all-zero payload.
	if payload.Current == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}

	quote := models.Quote{
		Symbol:        symbol,
		Current:       formatFloat(payload.Current),
		Change:        formatFloat(payload.Change),
		PercentChange: formatFloat(payload.PercentChange),
		PreviousClose: formatFloat(payload.PreviousClose),
		FetchedAt:     time.Now().UTC(),
	}
	if err := quote.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoData, symbol, err)
	}

	c.quoteCacheMu.Lock()
	c.quoteCache[symbol] = cachedQuote{quote: quote, fetchedAt: time.Now()}
	c.quoteCacheMu.Unlock()

	c.logger.Debug("fetched quote", "symbol", symbol, "current", quote.Current)
	return &quote, nil
}

// GetLimits implements the RateLimitInfo interface.
func (c *FinnhubClient) GetLimits() RateLimit {
	return RateLimit{
		RequestsPerSecond: finnhubRequestsPerSecond,
		BurstSize:         finnhubRateLimitBurst,
		WindowDuration:    finnhubRateLimitWindow,
	}
}

// WaitForLimit implements the RateLimitInfo interface.
func (c *FinnhubClient) WaitForLimit(ctx context.Context) error {
	return c.rateLimiter.Wait(ctx)
}

// HealthCheck implements the HealthChecker interface. It issues a single
// quote request for a liquid symbol with a short timeout.
func (c *FinnhubClient) HealthCheck(ctx context.Context) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("symbol", "SPY")
	params.Set("token", c.apiKey)

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, c.baseURL+quoteEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	c.logger.Debug("finnhub health check passed")
	return nil
}

// makeRequestWithRetry issues a GET with exponential backoff. Rate-limit and
// server errors are retried, client errors are permanent.
func (c *FinnhubClient) makeRequestWithRetry(ctx context.Context, requestURL string) ([]byte, error) {
	var result []byte

	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = initialRetryDelay
	backoffConfig.MaxInterval = maxRetryDelay
	backoffConfig.Multiplier = retryMultiplier
	backoffConfig.RandomizationFactor = retryJitter
	backoffConfig.MaxElapsedTime = 0 // rely on context for the overall deadline

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

// parseRetryAfter interprets a Retry-After header as either seconds or an
// HTTP date.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

// formatFloat renders a provider float as a decimal string without losing
// the digits the API actually sent.
func formatFloat(f float64) string {
	return decimal.NewFromFloat(f).String()
}

// finnhubQuote is the wire shape of the /quote endpoint.
type finnhubQuote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PreviousClose float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}
