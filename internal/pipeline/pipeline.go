// Package pipeline orchestrates the money-flow workflow: refreshing daily
// bars from the providers into storage, computing per-instrument and
// per-sector flow summaries, and scheduling periodic refreshes.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sectorpulse/go-sector-flow/internal/config"
	apperrors "github.com/sectorpulse/go-sector-flow/internal/errors"
	"github.com/sectorpulse/go-sector-flow/internal/flow"
	"github.com/sectorpulse/go-sector-flow/internal/logger"
	"github.com/sectorpulse/go-sector-flow/internal/metrics"
	"github.com/sectorpulse/go-sector-flow/internal/models"
	"github.com/sectorpulse/go-sector-flow/internal/provider"
	"github.com/sectorpulse/go-sector-flow/internal/storage"
	"github.com/sectorpulse/go-sector-flow/internal/validator"
)

// Dependencies holds everything a Pipeline needs. Universe, Bars, Storage
// and Logger are required; the rest are optional.
type Dependencies struct {
	Universe  *models.Universe
	Bars      provider.BarProvider
	Quotes    provider.QuoteProvider
	Storage   storage.FullStorage
	Validator *validator.Validator
	Metrics   *metrics.Collector
	Logger    *logger.Manager
	Config    config.PipelineConfig
}

// Pipeline coordinates bar refreshes and flow snapshot computation.
type Pipeline struct {
	universe   *models.Universe
	bars       provider.BarProvider
	quotes     provider.QuoteProvider
	store      storage.FullStorage
	validator  *validator.Validator
	classifier *apperrors.Classifier
	collector  *metrics.Collector
	logger     *logger.ComponentLogger
	cfg        config.PipelineConfig

	pool      *WorkerPool
	isStarted int32

	// Per-refresh counters, reset at the start of each RefreshBars run.
	// Refreshes are serialized by the CLI so a plain pair of atomics is
	// enough bookkeeping.
	refreshStored  int64
	refreshSkipped int64
}

// RefreshResult reports the outcome of one universe-wide bar refresh.
type RefreshResult struct {
	Job         *models.Job       `json:"job"`
	BarsStored  int               `json:"bars_stored"`
	BarsSkipped int               `json:"bars_skipped"`
	Instruments int               `json:"instruments"`
	FailedFetch map[string]string `json:"failed_fetch,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// Snapshot holds flow summaries for every instrument and sector in the
// universe at one point in time.
type Snapshot struct {
	Window       int                        `json:"window"`
	ComputedAt   time.Time                  `json:"computed_at"`
	Instruments  map[string]*flow.Summary   `json:"instruments"`
	Sectors      map[string]*flow.Summary   `json:"sectors"`
	FlowToAssets map[string]decimal.Decimal `json:"flow_to_assets,omitempty"`
}

// New creates a pipeline after validating its dependencies.
func New(deps Dependencies) (*Pipeline, error) {
	if deps.Universe == nil {
		return nil, fmt.Errorf("universe is required")
	}
	if deps.Bars == nil {
		return nil, fmt.Errorf("bar provider is required")
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger manager is required")
	}
	if deps.Config.WorkerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", deps.Config.WorkerCount)
	}
	if deps.Config.LookbackDays <= 0 {
		return nil, fmt.Errorf("lookback days must be positive, got %d", deps.Config.LookbackDays)
	}

	componentLogger := deps.Logger.GetComponentLogger("pipeline")

	p := &Pipeline{
		universe:   deps.Universe,
		bars:       deps.Bars,
		quotes:     deps.Quotes,
		store:      deps.Storage,
		validator:  deps.Validator,
		classifier: apperrors.NewClassifier(apperrors.DefaultRetryPolicy(), componentLogger.Logger),
		collector:  deps.Metrics,
		logger:     componentLogger,
		cfg:        deps.Config,
	}

	// Workers share one limiter sized from the bar provider's policy, so
	// pool concurrency never outruns the provider's request budget.
	limits := deps.Bars.GetLimits()
	rps := limits.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := limits.BurstSize
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.pool = NewWorkerPool(deps.Config.WorkerCount, limiter, p.refreshInstrument, componentLogger.Logger)

	return p, nil
}

// Start brings up the worker pool.
func (p *Pipeline) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.isStarted, 0, 1) {
		return fmt.Errorf("pipeline is already started")
	}
	if err := p.pool.Start(ctx); err != nil {
		atomic.StoreInt32(&p.isStarted, 0)
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	p.logger.Info("pipeline started",
		"instruments", p.universe.Size(),
		"workers", p.cfg.WorkerCount,
		"lookback_days", p.cfg.LookbackDays)
	return nil
}

// Stop shuts down the worker pool, honoring the configured graceful timeout.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.isStarted, 1, 0) {
		return fmt.Errorf("pipeline is not started")
	}

	stopCtx, cancel := context.WithTimeout(ctx, p.cfg.GracefulTimeoutDuration())
	defer cancel()
	if err := p.pool.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop worker pool: %w", err)
	}
	p.logger.Info("pipeline stopped")
	return nil
}

// IsRunning reports whether the pipeline has been started.
func (p *Pipeline) IsRunning() bool {
	return atomic.LoadInt32(&p.isStarted) == 1
}

// RefreshBars fetches the trailing lookback window of daily bars for every
// instrument in the universe and stores the validated result. Individual
// instrument failures are collected rather than aborting the refresh.
func (p *Pipeline) RefreshBars(ctx context.Context) (*RefreshResult, error) {
	if !p.IsRunning() {
		return nil, fmt.Errorf("pipeline is not started")
	}

	start := time.Now()
	end := start.UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
	windowStart := end.AddDate(0, 0, -p.cfg.LookbackDays)

	job := models.NewJob(models.JobTypeBarRefresh, "", windowStart, end)
	if err := job.Start(); err != nil {
		return nil, err
	}

	ctx = logger.WithJobID(ctx, job.ID)
	p.logger.InfoWithContext(ctx, "refreshing bars",
		"instruments", p.universe.Size(),
		"window_start", windowStart.Format("2006-01-02"),
		"window_end", end.Format("2006-01-02"))

	symbols := p.universe.Symbols()
	result := &RefreshResult{
		Job:         job,
		Instruments: len(symbols),
		FailedFetch: make(map[string]string),
	}
	atomic.StoreInt64(&p.refreshStored, 0)
	atomic.StoreInt64(&p.refreshSkipped, 0)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, symbol := range symbols {
		wg.Add(1)
		refreshJob := &RefreshJob{Symbol: symbol, Start: windowStart, End: end}
		sym := symbol
		p.pool.Submit(ctx, refreshJob, func(err error) {
			defer wg.Done()
			if err != nil {
				mu.Lock()
				result.FailedFetch[sym] = err.Error()
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	result.BarsStored = int(atomic.LoadInt64(&p.refreshStored))
	result.BarsSkipped = int(atomic.LoadInt64(&p.refreshSkipped))
	result.Duration = time.Since(start)

	if len(result.FailedFetch) == len(symbols) && len(symbols) > 0 {
		msg := fmt.Sprintf("all %d instruments failed to refresh", len(symbols))
		_ = job.Fail(msg)
		return result, fmt.Errorf("%s", msg)
	}

	_ = job.UpdateProgress(100, result.BarsStored)
	if err := job.Complete(); err != nil {
		return nil, err
	}

	p.logger.InfoWithContext(ctx, "bar refresh complete",
		"bars_stored", result.BarsStored,
		"failed_instruments", len(result.FailedFetch),
		"duration", result.Duration)
	return result, nil
}

// refreshInstrument is the worker pool handler: fetch, validate, store one
// instrument's bars.
func (p *Pipeline) refreshInstrument(ctx context.Context, job *RefreshJob) error {
	ctx = logger.WithSymbol(ctx, job.Symbol)

	req := provider.BarRequest{Symbol: job.Symbol, Start: job.Start, End: job.End}

	var resp *provider.BarResponse
	err := p.classifier.Retry(ctx, "pipeline", "fetch_bars", func() error {
		var fetchErr error
		resp, fetchErr = p.bars.FetchDailyBars(ctx, req)
		return fetchErr
	})
	if err != nil {
		p.recordError("fetch bars failed", map[string]string{"symbol": job.Symbol})
		return fmt.Errorf("fetching bars for %s: %w", job.Symbol, err)
	}

	bars := resp.Bars
	skipped := resp.Skipped
	if p.validator != nil {
		results, vErr := p.validator.ValidateBars(ctx, bars)
		if vErr != nil {
			return fmt.Errorf("validating bars for %s: %w", job.Symbol, vErr)
		}
		bars = results.Valid
		skipped += len(results.Skipped)
	}

	atomic.AddInt64(&p.refreshSkipped, int64(skipped))
	if skipped > 0 {
		p.recordCounter(metrics.MetricBarsSkipped, float64(skipped), "bars dropped during validation")
	}

	if len(bars) == 0 {
		p.logger.InfoWithContext(ctx, "no valid bars to store", "skipped", skipped)
		return nil
	}

	if err := p.store.StoreBatch(ctx, bars); err != nil {
		p.recordError("store bars failed", map[string]string{"symbol": job.Symbol})
		return fmt.Errorf("storing bars for %s: %w", job.Symbol, err)
	}

	atomic.AddInt64(&p.refreshStored, int64(len(bars)))
	p.recordCounter(metrics.MetricBarsIngested, float64(len(bars)), "daily bars stored")
	return nil
}

// ComputeSnapshot derives flow series from stored bars and aggregates them
// per instrument and per sector over the trailing window. A window of 0 uses
// the configured default.
func (p *Pipeline) ComputeSnapshot(ctx context.Context, window int) (*Snapshot, error) {
	if window < 0 {
		return nil, fmt.Errorf("window must be non-negative, got %d", window)
	}
	if window == 0 {
		window = p.cfg.DefaultWindow
	}

	start := time.Now()
	snapshot := &Snapshot{
		Window:       window,
		ComputedAt:   start.UTC(),
		Instruments:  make(map[string]*flow.Summary),
		Sectors:      make(map[string]*flow.Summary),
		FlowToAssets: make(map[string]decimal.Decimal),
	}

	seriesBySymbol := make(map[string][]flow.Point)
	for _, symbol := range p.universe.Symbols() {
		points, err := p.instrumentSeries(ctx, symbol)
		if err != nil {
			return nil, err
		}
		seriesBySymbol[symbol] = points

		summary, err := flow.Summarize(points, window)
		if err != nil {
			return nil, fmt.Errorf("summarizing %s: %w", symbol, err)
		}
		// Instruments with no diffable history still appear, keyed and
		// all-zero, so callers see the full universe.
		if summary.Key == "" {
			summary.Key = symbol
		}
		snapshot.Instruments[symbol] = summary

		if inst := p.universe.Lookup(symbol); inst != nil && inst.TotalAssets != "" {
			assets, aErr := inst.TotalAssetsDecimal()
			if aErr != nil {
				return nil, fmt.Errorf("total assets for %s: %w", symbol, aErr)
			}
			ratio, rErr := flow.FlowToAssets(summary.NetFlow, assets)
			if rErr != nil {
				return nil, fmt.Errorf("flow-to-assets for %s: %w", symbol, rErr)
			}
			snapshot.FlowToAssets[symbol] = ratio
		}
	}

	sectors, err := flow.SummarizeBySector(p.universe, seriesBySymbol, window)
	if err != nil {
		return nil, fmt.Errorf("summarizing sectors: %w", err)
	}
	snapshot.Sectors = sectors

	if err := p.persistSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	p.recordCounter(metrics.MetricFlowSnapshots, 1, "flow snapshots computed")
	p.recordDuration(metrics.MetricRefreshDuration, time.Since(start), "snapshot computation time")

	p.logger.InfoWithContext(ctx, "snapshot computed",
		"window", window,
		"instruments", len(snapshot.Instruments),
		"sectors", len(snapshot.Sectors),
		"duration", time.Since(start))
	return snapshot, nil
}

// InstrumentFlow computes the flow summary for a single instrument from
// stored bars. The symbol must belong to the configured universe.
func (p *Pipeline) InstrumentFlow(ctx context.Context, symbol string, window int) (*flow.Summary, error) {
	symbol = strings.ToUpper(symbol)
	if !p.universe.Contains(symbol) {
		return nil, fmt.Errorf("symbol %s is not in the tracked universe", symbol)
	}
	if window < 0 {
		return nil, fmt.Errorf("window must be non-negative, got %d", window)
	}
	if window == 0 {
		window = p.cfg.DefaultWindow
	}

	points, err := p.instrumentSeries(ctx, symbol)
	if err != nil {
		return nil, err
	}

	summary, err := flow.Summarize(points, window)
	if err != nil {
		return nil, fmt.Errorf("summarizing %s: %w", symbol, err)
	}
	if summary.Key == "" {
		summary.Key = symbol
	}
	return summary, nil
}

// FetchQuotes retrieves current quotes for every instrument. Instruments the
// provider has no data for are skipped. Returns quotes keyed by symbol.
func (p *Pipeline) FetchQuotes(ctx context.Context) (map[string]*models.Quote, error) {
	if p.quotes == nil {
		return nil, fmt.Errorf("no quote provider configured")
	}

	quotes := make(map[string]*models.Quote)
	for _, symbol := range p.universe.Symbols() {
		quote, err := p.quotes.FetchQuote(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return quotes, ctx.Err()
			}
			p.logger.Warn("quote fetch failed", "symbol", symbol, "error", err)
			p.recordError("quote fetch failed", map[string]string{"symbol": symbol})
			continue
		}
		quotes[symbol] = quote
		p.recordCounter(metrics.MetricQuotesFetched, 1, "quotes fetched")
	}
	return quotes, nil
}

// Health checks the pipeline's dependencies.
func (p *Pipeline) Health(ctx context.Context) error {
	var problems []string

	if err := p.store.HealthCheck(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("storage: %v", err))
	}
	if err := p.bars.HealthCheck(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("bar provider: %v", err))
	}
	if p.quotes != nil {
		if err := p.quotes.HealthCheck(ctx); err != nil {
			problems = append(problems, fmt.Sprintf("quote provider: %v", err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("pipeline unhealthy: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HealthCheck implements the metrics health checker interface.
func (p *Pipeline) HealthCheck(ctx context.Context) error {
	return p.Health(ctx)
}

// PoolStats returns worker pool statistics.
func (p *Pipeline) PoolStats() WorkerPoolStats {
	return p.pool.GetStats()
}

// instrumentSeries loads all stored bars for a symbol and computes its flow
// series. Differencing stays within the one instrument by construction.
func (p *Pipeline) instrumentSeries(ctx context.Context, symbol string) ([]flow.Point, error) {
	resp, err := p.store.Query(ctx, storage.QueryRequest{
		Symbol:  symbol,
		Start:   time.Unix(0, 0).UTC(),
		End:     time.Now().UTC().AddDate(0, 0, 2),
		OrderBy: storage.OrderDateAsc,
	})
	if err != nil {
		return nil, fmt.Errorf("querying bars for %s: %w", symbol, err)
	}

	points, err := flow.Series(resp.Bars)
	if err != nil {
		return nil, fmt.Errorf("computing flow series for %s: %w", symbol, err)
	}
	return points, nil
}

// persistSnapshot stores all instrument and sector summaries.
func (p *Pipeline) persistSnapshot(ctx context.Context, snapshot *Snapshot) error {
	summaries := make([]flow.Summary, 0, len(snapshot.Instruments)+len(snapshot.Sectors))

	keys := make([]string, 0, len(snapshot.Instruments))
	for k := range snapshot.Instruments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		summaries = append(summaries, *snapshot.Instruments[k])
	}

	sectorKeys := make([]string, 0, len(snapshot.Sectors))
	for k := range snapshot.Sectors {
		sectorKeys = append(sectorKeys, k)
	}
	sort.Strings(sectorKeys)
	for _, k := range sectorKeys {
		summaries = append(summaries, *snapshot.Sectors[k])
	}

	if err := p.store.StoreSummaries(ctx, summaries); err != nil {
		return fmt.Errorf("storing summaries: %w", err)
	}
	return nil
}

func (p *Pipeline) recordCounter(name string, delta float64, description string) {
	if p.collector != nil {
		p.collector.RecordCounter(name, delta, description, nil)
	}
}

func (p *Pipeline) recordDuration(name string, d time.Duration, description string) {
	if p.collector != nil {
		p.collector.RecordDuration(name, d, description, nil)
	}
}

func (p *Pipeline) recordError(description string, labels map[string]string) {
	if p.collector != nil {
		p.collector.RecordError(metrics.MetricProviderErrors, description, labels)
	}
}
