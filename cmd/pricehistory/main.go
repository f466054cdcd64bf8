// Price History Updater CLI
// This application refreshes the locally stored daily USD price history of a
// fixed set of crypto assets from CoinGecko. Each asset's stored table is
// merged with the trailing year of prices and written back.
//
// Usage:
//
//	pricehistory
//	pricehistory --config pricehistory.json
//
// Configuration is read from the JSON file, then overridden by environment
// variables (a .env file in the working directory is loaded first).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/johnayoung/go-price-history/internal/config"
	apperrors "github.com/johnayoung/go-price-history/internal/errors"
	"github.com/johnayoung/go-price-history/internal/logger"
	"github.com/johnayoung/go-price-history/internal/marketdata"
	"github.com/johnayoung/go-price-history/internal/merge"
	"github.com/johnayoung/go-price-history/internal/metrics"
	"github.com/johnayoung/go-price-history/internal/storage"
	"github.com/johnayoung/go-price-history/internal/updater"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "pricehistory"
	ConfigFile = "pricehistory.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess      = 0
	ExitUsageError   = 1
	ExitConfigError  = 2
	ExitStorageError = 4
	ExitInterrupt    = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options holds the parsed command line.
type options struct {
	configPath  string
	showHelp    bool
	showVersion bool
}

func parseArgs(args []string) (options, error) {
	opts := options{configPath: os.Getenv("CONFIG_PATH")}
	if opts.configPath == "" {
		opts.configPath = ConfigFile
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--help", "-h":
			opts.showHelp = true
		case "--version", "-v":
			opts.showVersion = true
		case "--config", "-c":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", args[i])
			}
			i++
			opts.configPath = args[i]
		default:
			return opts, fmt.Errorf("unknown argument %q", args[i])
		}
	}
	return opts, nil
}

// run executes one update and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printUsage(stderr)
		return ExitUsageError
	}
	if opts.showHelp {
		printUsage(stdout)
		return ExitSuccess
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	}

	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	bootstrap := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.NewConfigManager(opts.configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to initialize logging: %v\n", err)
		return ExitConfigError
	}
	defer logs.Close()

	log, ctx := logger.NewRunLogger(ctx, logs, "cli")
	base := logs.GetLogger()

	store, err := storage.New(cfg.Storage, logs.GetComponentLogger("storage").Logger)
	if err != nil {
		log.ErrorWithContext(ctx, "failed to create storage", err, "type", cfg.Storage.Type)
		return ExitConfigError
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.ErrorWithContext(ctx, "failed to close storage", err)
		}
	}()

	if err := log.LogOperation(ctx, "initialize_storage", func() error { return store.Initialize(ctx) }); err != nil {
		return ExitStorageError
	}
	if err := log.LogOperation(ctx, "storage_health_check", func() error { return storage.CheckHealth(ctx, store) }); err != nil {
		return ExitStorageError
	}

	classifier := apperrors.NewClassifier(base)
	source := marketdata.NewCoinGeckoAdapterFromConfig(cfg.Source, logs.GetComponentLogger("marketdata").Logger, classifier)

	runMetrics := metrics.NewRunMetrics()
	u, err := updater.New(updater.Config{
		Assets:       cfg.AssetList(),
		RequestDelay: cfg.Source.RequestDelayDuration(),
		Policy:       merge.PolicyFor(cfg.Merge.PreserveMarketData),
	}, store, source, logs.GetComponentLogger("updater"), runMetrics)
	if err != nil {
		log.ErrorWithContext(ctx, "failed to create updater", err)
		return ExitConfigError
	}

	log.InfoWithContext(ctx, "price history update starting",
		"version", Version,
		"storage", cfg.Storage.Type,
		"assets", len(cfg.Assets))

	report, runErr := u.Run(ctx)

	if cfg.Metrics.Enabled {
		snapshot := runMetrics.Snapshot()
		base.LogAttrs(ctx, slog.LevelInfo, "run summary",
			append([]slog.Attr{slog.String("run_id", report.RunID)}, snapshot.LogAttrs()...)...)
		if cfg.Metrics.SummaryPath != "" {
			if err := runMetrics.WriteSummary(cfg.Metrics.SummaryPath); err != nil {
				log.ErrorWithContext(ctx, "failed to write run summary", err, "path", cfg.Metrics.SummaryPath)
			}
		}
		for errorType, stats := range classifier.GetStats() {
			log.WarnWithContext(ctx, "classified errors",
				"type", errorType,
				"count", stats.Count,
				"first_seen", stats.FirstSeen,
				"last_seen", stats.LastSeen)
		}
	}

	return exitCode(runErr)
}

// exitCode maps a run error to the process exit code. Fetch failures are
// per asset and never surface as a run error.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitInterrupt
	default:
		return ExitStorageError
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - Crypto Price History Updater v%s

USAGE:
    %s [options]

OPTIONS:
    --config, -c   Path to the JSON configuration file (default %s)
    --help, -h     Show help information
    --version, -v  Show version information

CONFIGURATION:
    Configuration can be provided via:
    - JSON file (--config or CONFIG_PATH)
    - Environment variables, optionally from a .env file:
        ASSETS                 symbol:remote_id list, e.g. bitcoin:bitcoin,xrp:ripple
        COINGECKO_BASE_URL     API base URL
        COINGECKO_API_KEY      Optional demo API key
        HISTORY_DAYS           Trailing window in days (default 365)
        REQUEST_DELAY          Minimum delay between requests (default 2s)
        STORAGE_TYPE           csv, duckdb or memory (default csv)
        DATA_DIR               CSV directory (default ./data)
        DATABASE_URL           DuckDB file path
        PRESERVE_MARKET_DATA   Keep stored market_cap/total_volume on overwrite
        LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT, LOG_FILE_PATH
        METRICS_ENABLED, METRICS_SUMMARY_PATH

EXIT CODES:
    0    Run completed (individual assets may have been skipped)
    1    Usage error
    2    Configuration error
    4    Storage error
    130  Interrupted
`, AppName, Version, AppName, ConfigFile)
}
