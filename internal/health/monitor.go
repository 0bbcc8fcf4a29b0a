// Package health detects silently stalled transports and drives recovery.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"poolwatch/internal/metrics"
)

// Prober performs a lightweight liveness call against the node.
type Prober interface {
	CheckConnection(ctx context.Context) bool
}

// Target is the component whose subscriptions are torn down and rebuilt.
type Target interface {
	Suspend()
	Resume(ctx context.Context) error
}

type Config struct {
	StaleCheckInterval time.Duration
	StaleThreshold     time.Duration
	ProbeInterval      time.Duration
	SettleDelay        time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleCheckInterval: 2 * time.Minute,
		StaleThreshold:     5 * time.Minute,
		ProbeInterval:      5 * time.Minute,
		SettleDelay:        5 * time.Second,
	}
}

// ConnectionState is owned by the Monitor. recovering is only changed through
// tryBeginRecovery and endRecovery.
type ConnectionState struct {
	lastBlockAt   atomic.Int64
	lastHealthyAt atomic.Int64
	recovering    atomic.Bool
}

func (s *ConnectionState) tryBeginRecovery() bool {
	return s.recovering.CompareAndSwap(false, true)
}

func (s *ConnectionState) endRecovery() {
	s.recovering.Store(false)
}

// Snapshot is a read-only copy of ConnectionState.
type Snapshot struct {
	LastBlockObservedAt         time.Time `json:"last_block_observed_at"`
	LastSuccessfulHealthCheckAt time.Time `json:"last_successful_health_check_at"`
	IsRecovering                bool      `json:"is_recovering"`
}

// Monitor runs the staleness and probe timers and the recovery procedure.
type Monitor struct {
	cfg     Config
	prober  Prober
	target  Target
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	state ConnectionState

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(cfg Config, prober Prober, target Target, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	def := DefaultConfig()
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = def.StaleCheckInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mon := &Monitor{
		cfg:     cfg,
		prober:  prober,
		target:  target,
		logger:  logger.Named("health"),
		metrics: m,
		now:     time.Now,
		sleep:   sleepContext,
	}
	mon.MarkBlock()
	return mon
}

// Start begins both timers. The staleness clock starts from now.
func (hm *Monitor) Start(ctx context.Context) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.cancel != nil {
		return
	}
	hm.ctx, hm.cancel = context.WithCancel(ctx)
	hm.MarkBlock()

	hm.wg.Add(2)
	go hm.every(hm.cfg.StaleCheckInterval, hm.checkStale)
	go hm.every(hm.cfg.ProbeInterval, hm.probe)

	hm.logger.Info("health monitor started",
		zap.Duration("stale_check_interval", hm.cfg.StaleCheckInterval),
		zap.Duration("stale_threshold", hm.cfg.StaleThreshold),
		zap.Duration("probe_interval", hm.cfg.ProbeInterval),
	)
}

// Stop cancels the timers and waits for a running recovery to return.
func (hm *Monitor) Stop() {
	hm.mu.Lock()
	cancel := hm.cancel
	hm.cancel = nil
	hm.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	hm.wg.Wait()
	hm.logger.Info("health monitor stopped")
}

func (hm *Monitor) every(interval time.Duration, fn func(context.Context)) {
	defer hm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			fn(hm.ctx)
		}
	}
}

// MarkBlock records that a new block was observed.
func (hm *Monitor) MarkBlock() {
	hm.state.lastBlockAt.Store(hm.now().UnixNano())
}

// Stale reports whether no block was observed within the threshold.
func (hm *Monitor) Stale() bool {
	last := time.Unix(0, hm.state.lastBlockAt.Load())
	return hm.now().Sub(last) > hm.cfg.StaleThreshold
}

func (hm *Monitor) checkStale(ctx context.Context) {
	if !hm.Stale() {
		return
	}
	hm.logger.Warn("no new block observed",
		zap.Time("last_block_at", time.Unix(0, hm.state.lastBlockAt.Load())),
		zap.Duration("threshold", hm.cfg.StaleThreshold),
	)
	hm.Recover(ctx)
}

func (hm *Monitor) probe(ctx context.Context) {
	if hm.prober.CheckConnection(ctx) {
		hm.state.lastHealthyAt.Store(hm.now().UnixNano())
		return
	}
	hm.logger.Warn("liveness probe failed")
	hm.Recover(ctx)
}

// Recover runs the recovery procedure unless one is already in flight, in
// which case it returns false at once. Failures are logged and left to the
// next timer tick.
func (hm *Monitor) Recover(ctx context.Context) bool {
	if !hm.state.tryBeginRecovery() {
		hm.logger.Debug("recovery already in progress")
		return false
	}
	defer hm.state.endRecovery()

	hm.logger.Info("recovery started")
	hm.target.Suspend()

	if !hm.prober.CheckConnection(ctx) {
		hm.logger.Warn("recovery failed: node unreachable")
		hm.metrics.ObserveRecovery("unreachable")
		return true
	}
	if err := hm.target.Resume(ctx); err != nil {
		hm.logger.Warn("recovery failed: resubscribe", zap.Error(err))
		hm.metrics.ObserveRecovery("resubscribe_failed")
		return true
	}
	hm.MarkBlock()

	if err := hm.sleep(ctx, hm.cfg.SettleDelay); err != nil {
		return true
	}
	if !hm.prober.CheckConnection(ctx) {
		hm.logger.Warn("connection lost again after recovery")
		hm.metrics.ObserveRecovery("unstable")
		return true
	}

	hm.state.lastHealthyAt.Store(hm.now().UnixNano())
	hm.metrics.ObserveRecovery("ok")
	hm.logger.Info("recovery complete")
	return true
}

func (hm *Monitor) Snapshot() Snapshot {
	var healthy time.Time
	if ns := hm.state.lastHealthyAt.Load(); ns != 0 {
		healthy = time.Unix(0, ns)
	}
	return Snapshot{
		LastBlockObservedAt:         time.Unix(0, hm.state.lastBlockAt.Load()),
		LastSuccessfulHealthCheckAt: healthy,
		IsRecovering:                hm.state.recovering.Load(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
