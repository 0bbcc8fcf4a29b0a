// Package app wires the ingestion pipeline together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"poolwatch/internal/cache"
	"poolwatch/internal/chain"
	"poolwatch/internal/config"
	"poolwatch/internal/dedup"
	"poolwatch/internal/dex"
	"poolwatch/internal/executor"
	"poolwatch/internal/health"
	"poolwatch/internal/indexer"
	"poolwatch/internal/metrics"
	"poolwatch/internal/model"
)

var (
	ErrNotInitialized = errors.New("app not initialized")
	ErrStopped        = errors.New("app stopped")
)

// App is the process root: every service is built here and nowhere else.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry prometheus.Registerer

	metrics   *metrics.Metrics
	exec      *executor.Executor
	cache     *cache.Cache
	tracker   *dedup.Tracker
	conn      chain.Connection
	gw        *chain.Gateway
	contracts *indexer.Registry
	proc      *indexer.Processor
	poller    *indexer.Poller
	backfill  *indexer.Backfill
	monitor   *health.Monitor

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func New(cfg config.Config, logger *zap.Logger, registry prometheus.Registerer) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &App{cfg: cfg, logger: logger, registry: registry}
}

// Initialize validates configuration, dials the node and restores the
// durable cache and dedup state.
func (a *App) Initialize(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	client, err := chain.NewClient(ctx, chain.ClientConfig{URL: a.cfg.RPCURL}, a.logger)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	if err := a.initialize(client); err != nil {
		client.Close()
		return err
	}
	client.SetDisconnectHandler(a.onDisconnect)
	return nil
}

func (a *App) initialize(conn chain.Connection) error {
	contracts, err := indexer.ParseContracts(a.cfg.Contracts)
	if err != nil {
		return err
	}
	helper := a.cfg.HelperAddress()
	if helper != (common.Address{}) {
		contracts = append(contracts, indexer.Contract{Address: helper})
	}

	a.metrics = metrics.New(a.registry, "poolwatch")
	a.exec = executor.New(executor.Config{
		RequestDelay:      a.cfg.RequestDelay,
		MaxRetries:        a.cfg.MaxRetries,
		BackoffBase:       a.cfg.BackoffBase,
		BackoffMultiplier: a.cfg.BackoffMultiplier,
	}, a.logger, a.metrics)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.TxTTL = a.cfg.TxCacheTTL
	cacheCfg.BlockTTL = a.cfg.BlockCacheTTL
	cacheCfg.LogsTTL = a.cfg.LogsCacheTTL
	cacheCfg.Path = a.cfg.CacheFile
	cacheCfg.FlushDebounce = a.cfg.CacheFlushDebounce
	a.cache = cache.New(cacheCfg, a.logger, a.metrics)
	if err := a.cache.Load(); err != nil {
		a.logger.Warn("cache load failed", zap.Error(err))
	}

	a.tracker = dedup.New(dedup.Config{
		Path:            a.cfg.DedupFile,
		Retention:       a.cfg.DedupRetention,
		FlushInterval:   a.cfg.DedupFlushInterval,
		CompactInterval: a.cfg.DedupCompactInterval,
	}, a.logger, a.metrics)
	if err := a.tracker.Load(); err != nil {
		a.logger.Warn("dedup load failed", zap.Error(err))
	}

	decoder, err := dex.NewDecoder(helper)
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}

	a.conn = conn
	a.gw = chain.NewGateway(conn, a.exec, a.cache)
	a.contracts = indexer.NewRegistry(contracts...)
	a.proc = indexer.NewProcessor(indexer.ProcessorConfig{
		Enrich:          a.cfg.Enrich,
		BlockTimestamps: a.cfg.BlockTimestamps,
	}, a.gw, decoder, a.tracker, a.contracts, a.logger, a.metrics)
	a.poller = indexer.NewPoller(indexer.PollerConfig{
		PollInterval:      a.cfg.PollInterval,
		RangeWidth:        a.cfg.RangeWidth,
		MaxRangeFailures:  a.cfg.MaxRangeFailures,
		CheckpointPath:    a.cfg.Checkpoint,
		CheckpointEnabled: a.cfg.CheckpointEnabled,
	}, a.gw, a.proc, a.contracts, a.logger, a.metrics)
	a.backfill = indexer.NewBackfill(indexer.BackfillConfig{
		ChunkSize:    a.cfg.BackfillChunk,
		AvgBlockTime: a.cfg.AvgBlockTime,
	}, a.gw, a.proc, a.contracts, a.logger)
	a.monitor = health.NewMonitor(health.Config{
		StaleCheckInterval: a.cfg.StaleCheckInterval,
		StaleThreshold:     a.cfg.StaleThreshold,
		ProbeInterval:      a.cfg.ProbeInterval,
		SettleDelay:        a.cfg.SettleDelay,
	}, a.gw, a.poller, a.logger, a.metrics)
	a.poller.SetBlockObserver(a.monitor.MarkBlock)

	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.logger.Info("pipeline initialized",
		zap.Int("contracts", a.contracts.Len()),
		zap.Bool("push", conn.SupportsPush()),
		zap.Int("dedup_records", a.tracker.Len()),
	)
	return nil
}

// SetDecodeErrorSink forwards undecodable logs to sink.
func (a *App) SetDecodeErrorSink(sink indexer.DecodeErrorSink) {
	if a.proc != nil {
		a.proc.SetDecodeErrorSink(sink)
	}
}

// Events is the outbound event stream. It is closed by Stop.
func (a *App) Events() <-chan model.Event {
	if a.proc == nil {
		return nil
	}
	return a.proc.Events()
}

// Start launches background maintenance, the poller and the health monitor.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return ErrNotInitialized
	}
	if a.stopped {
		return ErrStopped
	}
	if a.started {
		return indexer.ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := a.poller.Start(a.ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.cache.Run(a.ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.tracker.Run(a.ctx)
	}()
	a.monitor.Start(a.ctx)
	a.started = true
	return nil
}

// Stop tears everything down in dependency order and closes the event
// stream. Persisted state is flushed last.
func (a *App) Stop() error {
	a.mu.Lock()
	if a.ctx == nil || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	a.monitor.Stop()
	if err := a.poller.Stop(); err != nil {
		a.logger.Warn("poller stop failed", zap.Error(err))
	}
	a.cancel()
	a.wg.Wait()
	a.proc.Close()

	var errs []error
	if err := a.tracker.SaveIfDirty(); err != nil {
		errs = append(errs, fmt.Errorf("save dedup: %w", err))
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("flush cache: %w", err))
	}
	a.conn.Close()

	a.logger.Info("pipeline stopped")
	return errors.Join(errs...)
}

// AddTrackedContract accepts "0xaddr" or "0xaddr=SYMBOL".
func (a *App) AddTrackedContract(contract string) error {
	if a.poller == nil {
		return ErrNotInitialized
	}
	parsed, err := indexer.ParseContracts([]string{contract})
	if err != nil {
		return err
	}
	if len(parsed) == 0 {
		return fmt.Errorf("empty contract")
	}
	a.poller.AddTrackedContract(parsed[0])
	return nil
}

func (a *App) RemoveTrackedContract(address string) error {
	if a.poller == nil {
		return ErrNotInitialized
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address: %s", address)
	}
	a.poller.RemoveTrackedContract(common.HexToAddress(address))
	return nil
}

// ScanHistorical runs a bounded backfill. It ends early when ctx is done or
// the app stops.
func (a *App) ScanHistorical(ctx context.Context, hoursBack float64) (indexer.BackfillResult, error) {
	if a.backfill == nil {
		return indexer.BackfillResult{}, ErrNotInitialized
	}
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return indexer.BackfillResult{}, ErrStopped
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	return a.backfill.Scan(ctx, hoursBack)
}

// Stats reports cache, dedup and poller counters.
func (a *App) Stats() model.Stats {
	if a.poller == nil {
		return model.Stats{}
	}
	return model.Stats{
		Cache:  a.cache.Stats(),
		Dedup:  a.tracker.Stats(),
		Poller: a.poller.Stats(),
	}
}

// Health reports the connection state owned by the monitor.
func (a *App) Health() health.Snapshot {
	if a.monitor == nil {
		return health.Snapshot{}
	}
	return a.monitor.Snapshot()
}

func (a *App) onDisconnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stopped {
		return
	}
	a.logger.Warn("subscription dropped", zap.Error(err))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.monitor.Recover(a.ctx)
	}()
}
