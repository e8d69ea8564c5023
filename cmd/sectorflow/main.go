// Sector Flow CLI
// This application estimates directional money flow into sector ETFs from
// daily OHLCV bars: it refreshes bars from the market data providers,
// computes signed typical-price flow per instrument, and aggregates it per
// instrument and per sector over a trailing window.
//
// Usage:
//
//	sectorflow snapshot --window 20
//	sectorflow flow --symbol XLK --window 20
//	sectorflow watch --every 24h
//	sectorflow sectors
//
// For detailed help on any command, use: sectorflow <command> --help
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sectorpulse/go-sector-flow/internal/config"
	"github.com/sectorpulse/go-sector-flow/internal/logger"
	"github.com/sectorpulse/go-sector-flow/internal/metrics"
	"github.com/sectorpulse/go-sector-flow/internal/models"
	"github.com/sectorpulse/go-sector-flow/internal/pipeline"
	"github.com/sectorpulse/go-sector-flow/internal/provider"
	"github.com/sectorpulse/go-sector-flow/internal/storage"
	"github.com/sectorpulse/go-sector-flow/internal/validator"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "sectorflow"
	ConfigFile = "sectorflow.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
)

// CLI holds the wired application components.
type CLI struct {
	config    *config.AppConfig
	loggerMgr *logger.Manager
	universe  *models.Universe
	storage   storage.FullStorage
	pipeline  *pipeline.Pipeline
	scheduler *pipeline.Scheduler
	metrics   *metrics.Collector
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	}

	cli := &CLI{}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer cli.shutdown(ctx)

	var err error
	switch command {
	case "snapshot":
		err = cli.handleSnapshot(ctx, args)
	case "flow":
		err = cli.handleFlow(ctx, args)
	case "watch":
		err = cli.handleWatch(ctx, args)
	case "sectors":
		err = cli.handleSectors(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if err != nil {
		cli.loggerMgr.GetLogger().Error("command failed", "command", command, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitDataError)
	}
}

// initialize wires configuration, logging, storage, providers and the
// pipeline together.
func (cli *CLI) initialize(ctx context.Context) error {
	configPath := os.Getenv("SECTORFLOW_CONFIG")
	if configPath == "" {
		configPath = ConfigFile
	}

	cfgManager := config.NewManager(configPath, nil)
	cfg, err := cfgManager.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	loggerMgr, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.loggerMgr = loggerMgr
	log := loggerMgr.GetLogger()

	universe, err := loadUniverse(cfg)
	if err != nil {
		return fmt.Errorf("failed to load universe: %w", err)
	}
	cli.universe = universe

	store, err := createStorage(cfg, loggerMgr)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	cli.storage = store

	bars := provider.NewYahooClient(log)
	if cfg.Provider.YahooBaseURL != "" {
		bars.SetBaseURL(cfg.Provider.YahooBaseURL)
	}

	var quotes provider.QuoteProvider
	if cfg.Provider.FinnhubAPIKey != "" {
		finnhub := provider.NewFinnhubClient(cfg.Provider.FinnhubAPIKey, log)
		if cfg.Provider.FinnhubBaseURL != "" {
			finnhub.SetBaseURL(cfg.Provider.FinnhubBaseURL)
		}
		quotes = finnhub
	}

	var barValidator *validator.Validator
	if cfg.Validator.Enabled {
		barValidator = validator.New(&validator.Config{
			EnableDuplicateCheck: true,
			EnableStaleCheck:     true,
			MaxBarAge:            cfg.Validator.MaxBarAgeDuration(),
			EnableFutureCheck:    true,
			FutureTolerance:      cfg.Validator.FutureToleranceDuration(),
		}, log)
	}

	cli.metrics = metrics.NewCollector(cfg.Metrics, loggerMgr)

	p, err := pipeline.New(pipeline.Dependencies{
		Universe:  universe,
		Bars:      bars,
		Quotes:    quotes,
		Storage:   store,
		Validator: barValidator,
		Metrics:   cli.metrics,
		Logger:    loggerMgr,
		Config:    cfg.Pipeline,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	cli.pipeline = p
	cli.metrics.RegisterHealthChecker("pipeline", p)

	cli.scheduler = pipeline.NewScheduler(cfg.Scheduler, p, loggerMgr)

	return p.Start(ctx)
}

// shutdown tears components down in reverse order of construction.
func (cli *CLI) shutdown(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.Background(), cli.config.Pipeline.GracefulTimeoutDuration())
	defer cancel()

	if cli.scheduler != nil && cli.scheduler.IsRunning() {
		_ = cli.scheduler.Stop(stopCtx)
	}
	if cli.pipeline != nil && cli.pipeline.IsRunning() {
		_ = cli.pipeline.Stop(stopCtx)
	}
	if cli.metrics != nil {
		_ = cli.metrics.Stop(stopCtx)
	}
	if cli.storage != nil {
		_ = cli.storage.Close()
	}
	if cli.loggerMgr != nil {
		_ = cli.loggerMgr.Close()
	}
}

// handleSnapshot refreshes bars for the whole universe and prints the flow
// snapshot for the requested window.
func (cli *CLI) handleSnapshot(ctx context.Context, args []string) error {
	flags, err := parseSnapshotFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("snapshot")
		return nil
	}

	result, err := cli.pipeline.RefreshBars(ctx)
	if err != nil {
		return fmt.Errorf("bar refresh failed: %w", err)
	}

	snapshot, err := cli.pipeline.ComputeSnapshot(ctx, flags.Window)
	if err != nil {
		return fmt.Errorf("snapshot computation failed: %w", err)
	}

	if flags.Format == "json" {
		return outputJSON(snapshot)
	}

	fmt.Printf("Flow snapshot (window: %d days, computed: %s)\n",
		snapshot.Window, snapshot.ComputedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Bars refreshed: %d stored, %d skipped", result.BarsStored, result.BarsSkipped)
	if len(result.FailedFetch) > 0 {
		fmt.Printf(", %d instruments failed", len(result.FailedFetch))
	}
	fmt.Printf("\n\n")

	printInstrumentTable(cli.universe, snapshot)
	fmt.Println()
	printSectorTable(snapshot)

	for symbol, reason := range result.FailedFetch {
		fmt.Printf("\nwarning: %s refresh failed: %s\n", symbol, reason)
	}
	return nil
}

// handleFlow refreshes bars and prints one instrument's flow summary.
func (cli *CLI) handleFlow(ctx context.Context, args []string) error {
	flags, err := parseFlowFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("flow")
		return nil
	}
	if flags.Symbol == "" {
		return fmt.Errorf("--symbol is required")
	}

	if _, err := cli.pipeline.RefreshBars(ctx); err != nil {
		return fmt.Errorf("bar refresh failed: %w", err)
	}

	summary, err := cli.pipeline.InstrumentFlow(ctx, flags.Symbol, flags.Window)
	if err != nil {
		return err
	}

	if flags.Format == "json" {
		return outputJSON(summary)
	}

	inst := cli.universe.Lookup(flags.Symbol)
	fmt.Printf("%s (%s) flow over trailing %d days\n", summary.Key, inst.Sector, summary.Window)
	if summary.Days == 0 {
		fmt.Println("No diffable history: the instrument needs at least two bars.")
		return nil
	}
	fmt.Printf("  Range:         %s to %s (%d days)\n",
		summary.From.Format("2006-01-02"), summary.To.Format("2006-01-02"), summary.Days)
	fmt.Printf("  Net flow:      %s\n", summary.NetFlow.StringFixed(2))
	fmt.Printf("  Mean flow:     %s\n", summary.MeanFlow.StringFixed(2))
	fmt.Printf("  Std dev:       %s\n", summary.StdDevFlow.StringFixed(2))
	fmt.Printf("  Up/Down/Flat:  %d/%d/%d\n", summary.PositiveDays, summary.NegativeDays, summary.FlatDays)

	if inst.TotalAssets != "" {
		assets, aErr := inst.TotalAssetsDecimal()
		if aErr == nil {
			ratio := summary.NetFlow.Div(assets)
			fmt.Printf("  Flow/assets:   %s\n", ratio.StringFixed(6))
		}
	}
	return nil
}

// handleWatch runs the scheduler until interrupted, refreshing bars and
// recomputing snapshots on the configured cadence.
func (cli *CLI) handleWatch(ctx context.Context, args []string) error {
	flags, err := parseWatchFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("watch")
		return nil
	}

	if flags.Every != "" {
		if _, err := time.ParseDuration(flags.Every); err != nil {
			return fmt.Errorf("invalid --every duration: %w", err)
		}
		cli.config.Scheduler.BarInterval = flags.Every
		cli.config.Scheduler.AlignToDay = false
		// Rebuild the scheduler with the overridden interval.
		cli.scheduler = pipeline.NewScheduler(cli.config.Scheduler, cli.pipeline, cli.loggerMgr)
	}

	if err := cli.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	// Run one refresh immediately so the first scheduled tick is not the
	// first time data appears.
	if _, err := cli.pipeline.RefreshBars(ctx); err != nil {
		return fmt.Errorf("initial bar refresh failed: %w", err)
	}
	if _, err := cli.pipeline.ComputeSnapshot(ctx, 0); err != nil {
		return fmt.Errorf("initial snapshot failed: %w", err)
	}

	if err := cli.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	fmt.Printf("Watching %d instruments (bar interval: %s). Press Ctrl+C to stop.\n",
		cli.universe.Size(), cli.config.Scheduler.BarInterval)

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	return nil
}

// handleSectors prints the configured universe.
func (cli *CLI) handleSectors(ctx context.Context, args []string) error {
	flags, err := parseSectorsFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("sectors")
		return nil
	}

	instruments := cli.universe.Instruments()
	if flags.Format == "json" {
		return outputJSON(instruments)
	}

	fmt.Printf("%-8s %-26s %s\n", "Symbol", "Sector", "Total Assets")
	fmt.Println(strings.Repeat("-", 56))
	for _, inst := range instruments {
		assets := inst.TotalAssets
		if assets == "" {
			assets = "-"
		}
		fmt.Printf("%-8s %-26s %s\n", inst.Symbol, inst.Sector, assets)
	}
	fmt.Printf("\n%d instruments across %d sectors\n", cli.universe.Size(), len(cli.universe.Sectors()))
	return nil
}

// Flag structures and parsing.

type snapshotFlags struct {
	Window int
	Format string
	Help   bool
}

type flowFlags struct {
	Symbol string
	Window int
	Format string
	Help   bool
}

type watchFlags struct {
	Every string
	Help  bool
}

type sectorsFlags struct {
	Format string
	Help   bool
}

func parseSnapshotFlags(args []string) (*snapshotFlags, error) {
	flags := &snapshotFlags{Format: "table"}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--window", "-w":
			value, next, err := flagValue(args, i, "--window")
			if err != nil {
				return nil, err
			}
			window, err := strconv.Atoi(value)
			if err != nil || window < 0 {
				return nil, fmt.Errorf("invalid window value: %s", value)
			}
			flags.Window = window
			i = next
		case "--format", "-f":
			value, next, err := flagValue(args, i, "--format")
			if err != nil {
				return nil, err
			}
			if value != "table" && value != "json" {
				return nil, fmt.Errorf("invalid format, must be: table or json")
			}
			flags.Format = value
			i = next
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

func parseFlowFlags(args []string) (*flowFlags, error) {
	flags := &flowFlags{Format: "table"}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbol", "-s":
			value, next, err := flagValue(args, i, "--symbol")
			if err != nil {
				return nil, err
			}
			flags.Symbol = value
			i = next
		case "--window", "-w":
			value, next, err := flagValue(args, i, "--window")
			if err != nil {
				return nil, err
			}
			window, err := strconv.Atoi(value)
			if err != nil || window < 0 {
				return nil, fmt.Errorf("invalid window value: %s", value)
			}
			flags.Window = window
			i = next
		case "--format", "-f":
			value, next, err := flagValue(args, i, "--format")
			if err != nil {
				return nil, err
			}
			if value != "table" && value != "json" {
				return nil, fmt.Errorf("invalid format, must be: table or json")
			}
			flags.Format = value
			i = next
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

func parseWatchFlags(args []string) (*watchFlags, error) {
	flags := &watchFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--every", "-e":
			value, next, err := flagValue(args, i, "--every")
			if err != nil {
				return nil, err
			}
			flags.Every = value
			i = next
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

func parseSectorsFlags(args []string) (*sectorsFlags, error) {
	flags := &sectorsFlags{Format: "table"}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--format", "-f":
			value, next, err := flagValue(args, i, "--format")
			if err != nil {
				return nil, err
			}
			if value != "table" && value != "json" {
				return nil, fmt.Errorf("invalid format, must be: table or json")
			}
			flags.Format = value
			i = next
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

// flagValue extracts the value following a flag, returning the new index.
func flagValue(args []string, i int, name string) (string, int, error) {
	if i+1 >= len(args) {
		return "", i, fmt.Errorf("%s requires a value", name)
	}
	return args[i+1], i + 1, nil
}

// Component construction helpers.

func loadUniverse(cfg *config.AppConfig) (*models.Universe, error) {
	if cfg.Universe.FilePath != "" {
		return models.LoadUniverse(cfg.Universe.FilePath)
	}
	return models.DefaultUniverse(), nil
}

func createStorage(cfg *config.AppConfig, loggerMgr *logger.Manager) (storage.FullStorage, error) {
	switch cfg.Pipeline.StorageBackend {
	case "duckdb":
		return storage.NewDuckDBStorage(loggerMgr.GetLogger())
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Pipeline.StorageBackend)
	}
}

// Output helpers.

func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printInstrumentTable(universe *models.Universe, snapshot *pipeline.Snapshot) {
	fmt.Printf("%-8s %-26s %6s %15s %15s %5s %5s %5s %12s\n",
		"Symbol", "Sector", "Days", "Net Flow", "Mean Flow", "Up", "Down", "Flat", "Flow/Assets")
	fmt.Println(strings.Repeat("-", 104))

	symbols := make([]string, 0, len(snapshot.Instruments))
	for symbol := range snapshot.Instruments {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		s := snapshot.Instruments[symbol]
		ratio := "-"
		if r, ok := snapshot.FlowToAssets[symbol]; ok {
			ratio = r.StringFixed(6)
		}
		fmt.Printf("%-8s %-26s %6d %15s %15s %5d %5d %5d %12s\n",
			symbol,
			universe.SectorOf(symbol),
			s.Days,
			s.NetFlow.StringFixed(2),
			s.MeanFlow.StringFixed(2),
			s.PositiveDays,
			s.NegativeDays,
			s.FlatDays,
			ratio)
	}
}

func printSectorTable(snapshot *pipeline.Snapshot) {
	fmt.Printf("%-26s %6s %15s %15s %15s\n",
		"Sector", "Days", "Net Flow", "Mean Flow", "Std Dev")
	fmt.Println(strings.Repeat("-", 82))

	sectors := make([]string, 0, len(snapshot.Sectors))
	for sector := range snapshot.Sectors {
		sectors = append(sectors, sector)
	}
	sort.Strings(sectors)

	for _, sector := range sectors {
		s := snapshot.Sectors[sector]
		fmt.Printf("%-26s %6d %15s %15s %15s\n",
			sector,
			s.Days,
			s.NetFlow.StringFixed(2),
			s.MeanFlow.StringFixed(2),
			s.StdDevFlow.StringFixed(2))
	}
}

// Help and usage.

func printUsage() {
	fmt.Printf(`%s - Sector ETF money flow estimator v%s

USAGE:
    %s <command> [options]

COMMANDS:
    snapshot    Refresh bars and print the flow snapshot for the universe
    flow        Refresh bars and print one instrument's flow summary
    watch       Run periodic refreshes until interrupted
    sectors     List the configured instrument universe

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Compute the 20-day flow snapshot for all tracked sector ETFs
    %s snapshot --window 20

    # Flow summary for the technology sector ETF
    %s flow --symbol XLK --window 20

    # Refresh every 24 hours, aligned to the UTC day boundary
    %s watch

    # List the tracked universe
    %s sectors

CONFIGURATION:
    Configuration is layered: defaults, then %s (JSON), then
    environment variables (e.g. FINNHUB_API_KEY, LOG_LEVEL, WORKER_COUNT).
    Set SECTORFLOW_CONFIG to point at an alternate config file.

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName, ConfigFile, AppName)
}

func printCommandHelp(command string) {
	switch command {
	case "snapshot":
		fmt.Printf(`%s snapshot - Refresh bars and print the universe flow snapshot

USAGE:
    %s snapshot [options]

OPTIONS:
    --window, -w <days>   Trailing window in days (default: configured
                          default_window, 0 = use configured default)
    --format, -f <fmt>    Output format: table, json (default: table)
    --help, -h            Show this help message

EXAMPLES:
    # 20-day snapshot as a table
    %s snapshot --window 20

    # Full-history snapshot as JSON
    %s snapshot --format json
`, AppName, AppName, AppName, AppName)

	case "flow":
		fmt.Printf(`%s flow - Refresh bars and print one instrument's flow summary

USAGE:
    %s flow --symbol <symbol> [options]

OPTIONS:
    --symbol, -s <symbol>  Instrument ticker, must be in the universe (required)
    --window, -w <days>    Trailing window in days (default: configured
                           default_window)
    --format, -f <fmt>     Output format: table, json (default: table)
    --help, -h             Show this help message

EXAMPLES:
    # 20-day flow for the technology sector ETF
    %s flow --symbol XLK --window 20

    # Full-history flow as JSON
    %s flow --symbol XLE --window 0 --format json
`, AppName, AppName, AppName, AppName)

	case "watch":
		fmt.Printf(`%s watch - Run periodic refreshes until interrupted

USAGE:
    %s watch [options]

OPTIONS:
    --every, -e <dur>  Refresh interval override (e.g. 1h, 24h). Disables
                       day-boundary alignment. Defaults to the configured
                       scheduler bar_interval.
    --help, -h         Show this help message

EXAMPLES:
    # Refresh on the configured cadence (default: daily at UTC midnight)
    %s watch

    # Refresh every hour
    %s watch --every 1h

NOTES:
    - Quotes are refreshed on the configured quote_interval when a
      Finnhub API key is set
    - The metrics HTTP server is started when metrics are enabled
    - Press Ctrl+C to stop gracefully
`, AppName, AppName, AppName, AppName)

	case "sectors":
		fmt.Printf(`%s sectors - List the configured instrument universe

USAGE:
    %s sectors [options]

OPTIONS:
    --format, -f <fmt>  Output format: table, json (default: table)
    --help, -h          Show this help message

NOTES:
    - The default universe is the eleven SPDR sector ETFs
    - Set universe.file_path in the config to track a custom universe
`, AppName, AppName)

	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
