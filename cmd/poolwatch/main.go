package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"poolwatch/internal/app"
	"poolwatch/internal/config"
	"poolwatch/internal/dedup"
	"poolwatch/internal/storage"
	"poolwatch/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "poolwatch",
		Short:        "Pool and exchange-helper event ingestion",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live pipeline until interrupted",
		RunE:  runPipeline,
	}
	addPipelineFlags(runCmd.Flags())
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	root.AddCommand(runCmd)

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Scan past blocks once and exit",
		RunE:  runBackfill,
	}
	addPipelineFlags(backfillCmd.Flags())
	backfillCmd.Flags().Float64("lookback-hours", 24, "hours of history to scan")
	backfillCmd.Flags().Uint64("backfill-chunk", 1000, "blocks per historical query")
	backfillCmd.Flags().Duration("avg-block-time", 2*time.Second, "average block time used to estimate the start block")
	root.AddCommand(backfillCmd)

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop processed-log records older than the retention window",
		RunE:  runCompact,
	}
	compactCmd.Flags().String("dedup-file", "./data/processed.json", "processed-log tracker file")
	compactCmd.Flags().Duration("dedup-retention", 48*time.Hour, "retention window")
	compactCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(compactCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPipelineFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "RPC endpoint (http(s), ws(s) or ipc)")
	flags.StringSlice("contract", nil, "tracked contracts, 0xaddr or 0xaddr=SYMBOL (comma-separated)")
	flags.String("helper-contract", "", "exchange helper contract address")
	flags.Duration("poll-interval", 20*time.Second, "poll cycle interval")
	flags.Uint64("range-width", 5, "blocks per log query in the live poller")
	flags.Int("max-range-failures", 3, "consecutive failed cycles before a contract's sub-range is skipped")
	flags.Duration("request-delay", 200*time.Millisecond, "minimum spacing between RPC calls")
	flags.Int("max-retries", 3, "attempts per throttled call")
	flags.Duration("backoff-base", 2*time.Second, "first throttle backoff")
	flags.Float64("backoff-multiplier", 2, "throttle backoff multiplier")
	flags.String("dedup-file", "./data/processed.json", "processed-log tracker file")
	flags.String("cache-file", "./data/cache.json", "persistent contract-state cache file")
	flags.Bool("enrich", true, "resolve the end sender/recipient from the receipt")
	flags.Bool("block-timestamps", false, "attach block timestamps to events")
	flags.String("checkpoint", "./data/checkpoint.json", "checkpoint file path")
	flags.Bool("checkpoint-enabled", false, "resume the live poller from the checkpoint")
	flags.String("out", "./data/events.jsonl", "output JSONL path (empty disables)")
	flags.String("decode-errors", "", "decode errors JSONL path")
	flags.String("pg-dsn", "", "Postgres DSN for the event history sink")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// pipeline is an initialized app plus the sinks draining its events.
type pipeline struct {
	app     *app.App
	closers []func()
	wg      sync.WaitGroup
}

func openPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger, registry prometheus.Registerer) (*pipeline, error) {
	a := app.New(cfg, logger, registry)
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}
	p := &pipeline{app: a}

	var sinks storage.Multi
	if cfg.Out != "" {
		sinks = append(sinks, storage.NewJsonlStorage(cfg.Out))
	}
	if cfg.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			_ = a.Stop()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			_ = a.Stop()
			return nil, err
		}
		sinks = append(sinks, store)
		p.closers = append(p.closers, store.Close)
	}
	if cfg.DecodeErrors != "" {
		a.SetDecodeErrorSink(storage.NewJsonlStorage(cfg.DecodeErrors))
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		storage.Consume(ctx, a.Events(), sinks, storage.ConsumeConfig{}, logger)
	}()
	return p, nil
}

// close stops the app, which closes the event stream, then waits for sinks
// to drain.
func (p *pipeline) close() error {
	err := p.app.Stop()
	p.wg.Wait()
	for _, c := range p.closers {
		c()
	}
	return err
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	p, err := openPipeline(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	if err := p.app.Start(ctx); err != nil {
		_ = p.close()
		return err
	}

	logger.Info("pipeline running",
		zap.String("rpc", cfg.RPCURL),
		zap.Int("contracts", len(cfg.Contracts)),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Uint64("range_width", cfg.RangeWidth),
		zap.String("out", cfg.Out),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return p.close()
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPipeline(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	result, scanErr := p.app.ScanHistorical(ctx, cfg.LookbackHours)
	closeErr := p.close()
	if scanErr != nil {
		return scanErr
	}

	logger.Info("backfill complete",
		zap.Uint64("from", result.FromBlock),
		zap.Uint64("to", result.ToBlock),
		zap.Int("total", result.Total),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("new", result.New),
		zap.Int("failed", result.Failed),
		zap.Int("failed_ranges", result.FailedRanges),
	)
	return closeErr
}

func runCompact(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tracker := dedup.New(dedup.Config{Path: cfg.DedupFile, Retention: cfg.DedupRetention}, logger, nil)
	if err := tracker.Load(); err != nil {
		return err
	}
	removed := tracker.Compact(cfg.DedupRetention)
	if err := tracker.Save(); err != nil {
		return err
	}
	logger.Info("dedup compacted", zap.Int("removed", removed), zap.Int("remaining", tracker.Len()))
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
