// DuckDB-backed implementation of the storage interfaces.
//
// The database always runs in memory. DuckDB serves as an in-process
// analytical engine: besides plain bar queries it can compute the trailing
// window flow aggregate entirely in SQL, which the tests use to cross-check
// the Go implementation.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/sectorpulse/go-sector-flow/internal/flow"
	"github.com/sectorpulse/go-sector-flow/internal/models"
)

// DuckDBStorage implements FullStorage on an in-memory DuckDB database.
type DuckDBStorage struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.RWMutex

	queryTimes map[string][]time.Duration
	queryMu    sync.Mutex
}

// NewDuckDBStorage opens a new in-memory DuckDB database. No file path is
// accepted: the store is purely an in-process analytical engine.
func NewDuckDBStorage(logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single-writer pattern recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:         db,
		logger:     logger,
		queryTimes: make(map[string][]time.Duration),
	}, nil
}

// Initialize creates the schema. Idempotent.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("initialize", "", "", errors.New("storage is closed"))
	}

	d.logger.Info("initializing DuckDB storage")

	schema := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol VARCHAR NOT NULL,
			date TIMESTAMPTZ NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			CONSTRAINT bars_pk PRIMARY KEY (symbol, date),
			CONSTRAINT bars_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close),
			CONSTRAINT bars_prices_positive CHECK (open > 0 AND high > 0 AND low > 0 AND close > 0),
			CONSTRAINT bars_volume_non_negative CHECK (volume >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			key VARCHAR NOT NULL,
			"window" INTEGER NOT NULL,
			days INTEGER NOT NULL,
			net_flow DOUBLE NOT NULL,
			mean_flow DOUBLE NOT NULL,
			stddev_flow DOUBLE NOT NULL,
			positive_days INTEGER NOT NULL,
			negative_days INTEGER NOT NULL,
			flat_days INTEGER NOT NULL,
			from_date TIMESTAMPTZ,
			to_date TIMESTAMPTZ,
			computed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_symbol_date ON bars (symbol, date)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_key ON summaries (key, computed_at)`,
	}
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError("initialize", "", stmt, err)
		}
	}
	return nil
}

// Store persists a slice of bars. Delegates to StoreBatch.
func (d *DuckDBStorage) Store(ctx context.Context, bars []models.Bar) error {
	return d.StoreBatch(ctx, bars)
}

// StoreBatch bulk-inserts bars using the DuckDB appender. Existing rows for
// the same symbol and date are replaced.
func (d *DuckDBStorage) StoreBatch(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		d.recordQueryTime("insert_batch", time.Since(start))
	}()

	for i, bar := range bars {
		if err := bar.Validate(); err != nil {
			return NewInsertError("bars", fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return NewInsertError("bars", errors.New("storage is closed"))
	}

	// Delete any rows being replaced so the appender does not violate the
	// primary key.
	for _, bar := range bars {
		if _, err := db.ExecContext(ctx,
			"DELETE FROM bars WHERE symbol = ? AND date = ?",
			bar.Symbol, dateKey(bar.Date)); err != nil {
			return NewInsertError("bars", fmt.Errorf("failed to clear existing row: %w", err))
		}
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return NewInsertError("bars", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	var driverConn *duckdb.Conn
	if err := conn.Raw(func(dc interface{}) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return errors.New("underlying connection is not a DuckDB connection")
		}
		return nil
	}); err != nil {
		return NewInsertError("bars", err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", "bars")
	if err != nil {
		return NewInsertError("bars", fmt.Errorf("failed to create appender: %w", err))
	}
	defer appender.Close()

	for _, bar := range bars {
		open, high, low, closePrice, volume, err := barFloats(&bar)
		if err != nil {
			return NewInsertError("bars", err)
		}
		if err := appender.AppendRow(bar.Symbol, dateKey(bar.Date), open, high, low, closePrice, volume); err != nil {
			return NewInsertError("bars", fmt.Errorf("failed to append bar %s %s: %w", bar.Symbol, bar.Date, err))
		}
	}

	if err := appender.Flush(); err != nil {
		return NewInsertError("bars", fmt.Errorf("failed to flush appender: %w", err))
	}
	return nil
}

// Query retrieves bars matching the request parameters.
func (d *DuckDBStorage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("query", time.Since(start))
	}()

	if err := req.Validate(); err != nil {
		return nil, NewQueryError("bars", "", err)
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return nil, NewQueryError("bars", "", errors.New("storage is closed"))
	}

	var total int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bars WHERE symbol = ? AND date >= ? AND date < ?",
		req.Symbol, req.Start, req.End).Scan(&total); err != nil {
		return nil, NewQueryError("bars", "", err)
	}

	order := "ASC"
	if req.OrderBy == OrderDateDesc {
		order = "DESC"
	}
	query := fmt.Sprintf(
		"SELECT symbol, date, open, high, low, close, volume FROM bars WHERE symbol = ? AND date >= ? AND date < ? ORDER BY date %s",
		order)
	args := []interface{}{req.Symbol, req.Start, req.End}
	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
	}
	if req.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, req.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("bars", query, err)
	}
	defer rows.Close()

	bars := []models.Bar{}
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, NewQueryError("bars", query, err)
		}
		bars = append(bars, *bar)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("bars", query, err)
	}

	nextOffset := req.Offset + len(bars)
	return &QueryResponse{
		Bars:       bars,
		Total:      total,
		HasMore:    nextOffset < total,
		NextOffset: nextOffset,
		QueryTime:  time.Since(start),
	}, nil
}

// GetLatest retrieves the most recent bar for a symbol. Returns nil when no
// bars exist.
func (d *DuckDBStorage) GetLatest(ctx context.Context, symbol string) (*models.Bar, error) {
	if symbol == "" {
		return nil, NewQueryError("bars", "", errors.New("symbol cannot be empty"))
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return nil, NewQueryError("bars", "", errors.New("storage is closed"))
	}

	rows, err := db.QueryContext(ctx,
		"SELECT symbol, date, open, high, low, close, volume FROM bars WHERE symbol = ? ORDER BY date DESC LIMIT 1",
		symbol)
	if err != nil {
		return nil, NewQueryError("bars", "", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanBar(rows)
}

// StoreSummaries persists a batch of flow summaries.
func (d *DuckDBStorage) StoreSummaries(ctx context.Context, summaries []flow.Summary) error {
	if len(summaries) == 0 {
		return nil
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return NewInsertError("summaries", errors.New("storage is closed"))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("summaries", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO summaries (key, "window", days, net_flow, mean_flow, stddev_flow,
			positive_days, negative_days, flat_days, from_date, to_date, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return NewInsertError("summaries", err)
	}
	defer stmt.Close()

	for _, s := range summaries {
		if s.Key == "" {
			return NewInsertError("summaries", errors.New("summary key cannot be empty"))
		}
		if _, err := stmt.ExecContext(ctx,
			s.Key, s.Window, s.Days,
			s.NetFlow.InexactFloat64(), s.MeanFlow.InexactFloat64(), s.StdDevFlow.InexactFloat64(),
			s.PositiveDays, s.NegativeDays, s.FlatDays,
			nullableTime(s.From), nullableTime(s.To), s.ComputedAt); err != nil {
			return NewInsertError("summaries", err)
		}
	}
	return tx.Commit()
}

// GetSummaries retrieves stored summaries for a key, newest first.
func (d *DuckDBStorage) GetSummaries(ctx context.Context, key string, limit int) ([]flow.Summary, error) {
	if key == "" {
		return nil, NewQueryError("summaries", "", errors.New("key cannot be empty"))
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return nil, NewQueryError("summaries", "", errors.New("storage is closed"))
	}

	query := `SELECT key, "window", days, net_flow, mean_flow, stddev_flow,
			positive_days, negative_days, flat_days, from_date, to_date, computed_at
		FROM summaries WHERE key = ? ORDER BY computed_at DESC`
	args := []interface{}{key}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("summaries", query, err)
	}
	defer rows.Close()

	summaries := []flow.Summary{}
	for rows.Next() {
		var s flow.Summary
		var net, mean, stddev float64
		var from, to sql.NullTime
		if err := rows.Scan(&s.Key, &s.Window, &s.Days, &net, &mean, &stddev,
			&s.PositiveDays, &s.NegativeDays, &s.FlatDays, &from, &to, &s.ComputedAt); err != nil {
			return nil, NewQueryError("summaries", query, err)
		}
		s.NetFlow = decimal.NewFromFloat(net)
		s.MeanFlow = decimal.NewFromFloat(mean)
		s.StdDevFlow = decimal.NewFromFloat(stddev)
		if from.Valid {
			s.From = from.Time
		}
		if to.Valid {
			s.To = to.Time
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// NetFlowSQL computes the trailing-window net flow for one symbol entirely
// in SQL: typical price, LAG-based direction and the window sum. Used to
// cross-check the Go computation. A window of 0 covers the whole series.
func (d *DuckDBStorage) NetFlowSQL(ctx context.Context, symbol string, window int) (decimal.Decimal, error) {
	if symbol == "" {
		return decimal.Zero, NewQueryError("bars", "", errors.New("symbol cannot be empty"))
	}
	if window < 0 {
		return decimal.Zero, NewQueryError("bars", "", errors.New("window cannot be negative"))
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return decimal.Zero, NewQueryError("bars", "", errors.New("storage is closed"))
	}

	query := `
		WITH typical AS (
			SELECT date, (high + low + close) / 3 AS tp, volume
			FROM bars WHERE symbol = ?
		), diffed AS (
			SELECT date, tp, volume,
				tp - LAG(tp) OVER (ORDER BY date) AS change
			FROM typical
		), flows AS (
			SELECT date, SIGN(change) * tp * volume AS flow
			FROM diffed WHERE change IS NOT NULL
		), windowed AS (
			SELECT flow FROM flows ORDER BY date DESC`
	args := []interface{}{symbol}
	if window > 0 {
		query += " LIMIT ?"
		args = append(args, window)
	}
	query += `
		)
		SELECT COALESCE(SUM(flow), 0) FROM windowed`

	var net float64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&net); err != nil {
		return decimal.Zero, NewQueryError("bars", query, err)
	}
	return decimal.NewFromFloat(net), nil
}

// Close shuts down the database. Safe to call twice.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// GetStats returns operational statistics.
func (d *DuckDBStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return nil, NewStorageError("stats", "", "", errors.New("storage is closed"))
	}

	stats := &StorageStats{QueryPerformance: make(map[string]time.Duration)}

	var earliest, latest sql.NullTime
	row := db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT symbol), MIN(date), MAX(date) FROM bars")
	if err := row.Scan(&stats.TotalBars, &stats.TotalSymbols, &earliest, &latest); err != nil {
		return nil, NewStorageError("stats", "bars", "", err)
	}
	if earliest.Valid {
		stats.EarliestData = earliest.Time
	}
	if latest.Valid {
		stats.LatestData = latest.Time
	}

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM summaries").Scan(&stats.TotalSummaries); err != nil {
		return nil, NewStorageError("stats", "summaries", "", err)
	}

	d.queryMu.Lock()
	for operation, times := range d.queryTimes {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		stats.QueryPerformance[operation] = total / time.Duration(len(times))
	}
	d.queryMu.Unlock()

	return stats, nil
}

// HealthCheck verifies database connectivity with a trivial query.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return errors.New("storage is closed")
	}

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}
	return nil
}

func (d *DuckDBStorage) recordQueryTime(operation string, duration time.Duration) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()

	d.queryTimes[operation] = append(d.queryTimes[operation], duration)
	if len(d.queryTimes[operation]) > 100 {
		d.queryTimes[operation] = d.queryTimes[operation][1:]
	}
}

// barFloats converts a bar's decimal-string fields for DOUBLE columns.
func barFloats(bar *models.Bar) (open, high, low, closePrice, volume float64, err error) {
	fields := []struct {
		name  string
		value string
		out   *float64
	}{
		{"open", bar.Open, &open},
		{"high", bar.High, &high},
		{"low", bar.Low, &low},
		{"close", bar.Close, &closePrice},
		{"volume", bar.Volume, &volume},
	}
	for _, f := range fields {
		dec, decErr := decimal.NewFromString(f.value)
		if decErr != nil {
			err = fmt.Errorf("invalid %s value %q: %w", f.name, f.value, decErr)
			return
		}
		*f.out = dec.InexactFloat64()
	}
	return
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBar(row rowScanner) (*models.Bar, error) {
	var bar models.Bar
	var open, high, low, closePrice, volume float64
	if err := row.Scan(&bar.Symbol, &bar.Date, &open, &high, &low, &closePrice, &volume); err != nil {
		return nil, err
	}
	bar.Date = bar.Date.UTC()
	bar.Open = decimal.NewFromFloat(open).String()
	bar.High = decimal.NewFromFloat(high).String()
	bar.Low = decimal.NewFromFloat(low).String()
	bar.Close = decimal.NewFromFloat(closePrice).String()
	bar.Volume = decimal.NewFromFloat(volume).String()
	return &bar, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
