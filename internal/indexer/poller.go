package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"poolwatch/internal/chain"
	"poolwatch/internal/metrics"
	"poolwatch/internal/model"
)

var (
	ErrAlreadyRunning = errors.New("poller already running")
	ErrNotRunning     = errors.New("poller not running")
	ErrUnreachable    = errors.New("chain connection check failed")
)

// State is the lifecycle state of the Poller.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	default:
		return "stopped"
	}
}

// PollerConfig holds live ingestion settings.
type PollerConfig struct {
	PollInterval time.Duration
	RangeWidth   uint64
	// MaxRangeFailures is how many consecutive cycles one contract's query
	// for the same sub-range may fail before it is skipped.
	MaxRangeFailures  int
	CheckpointPath    string
	CheckpointEnabled bool
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:     20 * time.Second,
		RangeWidth:       5,
		MaxRangeFailures: 3,
	}
}

type rangeFailure struct {
	r     BlockRange
	count int
}

// Poller walks the chain head in bounded sub-ranges and, when the transport
// supports it, also consumes pushed logs. Polling stays on as a backstop.
type Poller struct {
	cfg        PollerConfig
	gw         *chain.Gateway
	proc       *Processor
	contracts  *Registry
	checkpoint *CheckpointStore
	logger     *zap.Logger
	metrics    *metrics.Metrics

	state         atomic.Int32
	lastProcessed atomic.Uint64
	onBlock       atomic.Pointer[func()]

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	subs   []ethereum.Subscription
	wg     sync.WaitGroup

	cycleMu sync.Mutex

	failMu   sync.Mutex
	failures map[common.Address]rangeFailure
}

func NewPoller(cfg PollerConfig, gw *chain.Gateway, proc *Processor, contracts *Registry, logger *zap.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollerConfig().PollInterval
	}
	if cfg.RangeWidth == 0 {
		cfg.RangeWidth = DefaultPollerConfig().RangeWidth
	}
	if cfg.MaxRangeFailures <= 0 {
		cfg.MaxRangeFailures = DefaultPollerConfig().MaxRangeFailures
	}
	return &Poller{
		cfg:        cfg,
		gw:         gw,
		proc:       proc,
		contracts:  contracts,
		checkpoint: NewCheckpointStore(cfg.CheckpointPath, cfg.CheckpointEnabled),
		logger:     logger.Named("poller"),
		metrics:    m,
		failures:   make(map[common.Address]rangeFailure),
	}
}

// SetBlockObserver registers fn to be called whenever a new block is seen.
func (p *Poller) SetBlockObserver(fn func()) {
	p.onBlock.Store(&fn)
}

func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) LastProcessed() uint64 {
	return p.lastProcessed.Load()
}

// Start validates the connection, records the low-water mark and begins the
// periodic cycle. ctx bounds the whole run; Stop cancels it early.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrAlreadyRunning
	}

	if !p.gw.CheckConnection(ctx) {
		p.state.Store(int32(StateStopped))
		return ErrUnreachable
	}
	head, err := p.gw.BlockNumber(ctx)
	if err != nil {
		p.state.Store(int32(StateStopped))
		return fmt.Errorf("get head: %w", err)
	}

	start := head
	if last, ok, err := p.checkpoint.Load(); err != nil {
		p.logger.Warn("checkpoint load failed", zap.Error(err))
	} else if ok && last < head {
		start = last
		p.logger.Info("resume from checkpoint", zap.Uint64("last_processed", last), zap.Uint64("head", head))
	}
	p.lastProcessed.Store(start)
	p.metrics.SetLastBlock(start)

	runCtx, cancel := context.WithCancel(ctx)
	p.runCtx, p.cancel = runCtx, cancel

	if p.gw.Connection().SupportsPush() {
		if err := p.attachLocked(); err != nil {
			p.logger.Warn("push subscriptions unavailable, polling only", zap.Error(err))
		}
	}

	p.state.Store(int32(StateRunning))
	p.wg.Add(1)
	go p.loop(runCtx)

	p.logger.Info("poller started",
		zap.Uint64("from", start),
		zap.Int("contracts", p.contracts.Len()),
		zap.Duration("interval", p.cfg.PollInterval),
		zap.Uint64("range_width", p.cfg.RangeWidth),
	)
	return nil
}

// Stop cancels the cycle and subscriptions and waits for an in-flight cycle
// to finish. Results of calls still in flight are discarded.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if p.State() == StateStopped {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.detachLocked()
	p.state.Store(int32(StateStopped))
	p.mu.Unlock()

	p.wg.Wait()

	if err := p.checkpoint.Save(p.lastProcessed.Load()); err != nil {
		p.logger.Warn("checkpoint save failed", zap.Error(err))
	}
	p.logger.Info("poller stopped", zap.Uint64("last_processed", p.lastProcessed.Load()))
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("poll cycle failed", zap.Error(err))
			}
		}
	}
}

// PollOnce runs one cycle: fetch the head and walk every unprocessed block in
// sub-ranges. A failed sub-range ends the cycle without advancing, so the
// next cycle retries it. A contract that fails the same sub-range
// MaxRangeFailures cycles in a row is skipped for it and the walk moves on.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	head, err := p.gw.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head: %w", err)
	}
	last := p.lastProcessed.Load()
	if head <= last {
		return nil
	}
	p.notifyBlock()

	ranges, err := SplitRange(last+1, head, p.cfg.RangeWidth)
	if err != nil {
		return err
	}

	for _, r := range ranges {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.scanRange(ctx, r); err != nil {
			return fmt.Errorf("range %d-%d: %w", r.From, r.To, err)
		}
		p.lastProcessed.Store(r.To)
		p.metrics.SetLastBlock(r.To)
		if err := p.checkpoint.Save(r.To); err != nil {
			p.logger.Warn("checkpoint save failed", zap.Error(err))
		}
	}

	p.logger.Debug("poll cycle complete", zap.Uint64("from", last+1), zap.Uint64("to", head), zap.Int("ranges", len(ranges)))
	return nil
}

// scanRange fetches every tracked contract's logs for r concurrently; contracts
// share only the cache and dedup tracker, both safe for concurrent use. One
// contract failing does not cancel the others.
func (p *Poller) scanRange(ctx context.Context, r BlockRange) error {
	topics := p.proc.Topics()
	var g errgroup.Group
	for _, addr := range p.contracts.Addresses() {
		addr := addr
		g.Go(func() error {
			logs, err := p.gw.Logs(ctx, addr, r.From, r.To, topics)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return p.rangeFailed(addr, r, err)
			}
			p.rangeSucceeded(addr)
			for _, l := range logs {
				if p.proc.Process(ctx, l) == OutcomeDiscarded {
					return ctx.Err()
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// rangeFailed returns err until addr has failed r MaxRangeFailures cycles in a
// row, then logs the gap and returns nil so the cycle can advance.
func (p *Poller) rangeFailed(addr common.Address, r BlockRange, err error) error {
	p.failMu.Lock()
	f := p.failures[addr]
	if f.r != r {
		f = rangeFailure{r: r}
	}
	f.count++
	skip := f.count >= p.cfg.MaxRangeFailures
	if skip {
		delete(p.failures, addr)
	} else {
		p.failures[addr] = f
	}
	p.failMu.Unlock()

	fields := []zap.Field{
		zap.String("address", addr.Hex()),
		zap.Uint64("from", r.From),
		zap.Uint64("to", r.To),
		zap.Int("attempt", f.count),
		zap.Error(err),
	}
	if skip {
		p.metrics.ObserveSkipped("range_failed")
		p.logger.Error("get logs failed repeatedly, skipping range", fields...)
		return nil
	}
	p.logger.Warn("get logs failed", fields...)
	return err
}

func (p *Poller) rangeSucceeded(addr common.Address) {
	p.failMu.Lock()
	delete(p.failures, addr)
	p.failMu.Unlock()
}

// AddTrackedContract starts tracking c. The live subscription filter is
// rebuilt if one is active.
func (p *Poller) AddTrackedContract(c Contract) bool {
	if !p.contracts.Add(c) {
		return false
	}
	p.logger.Info("tracking contract", zap.String("address", c.Address.Hex()), zap.String("symbol", c.Symbol))
	p.resubscribe()
	return true
}

func (p *Poller) RemoveTrackedContract(addr common.Address) bool {
	if !p.contracts.Remove(addr) {
		return false
	}
	p.logger.Info("untracking contract", zap.String("address", addr.Hex()))
	p.resubscribe()
	return true
}

func (p *Poller) resubscribe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != StateRunning || len(p.subs) == 0 {
		return
	}
	p.detachLocked()
	if err := p.attachLocked(); err != nil {
		p.logger.Warn("resubscribe failed", zap.Error(err))
	}
}

// Suspend detaches push subscriptions ahead of a recovery.
func (p *Poller) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateRecovering)) {
		return
	}
	p.detachLocked()
}

// Resume reattaches push subscriptions after the transport answered again.
func (p *Poller) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != StateRecovering {
		return ErrNotRunning
	}
	if p.gw.Connection().SupportsPush() {
		if err := p.attachLocked(); err != nil {
			return err
		}
	}
	p.state.Store(int32(StateRunning))
	return nil
}

func (p *Poller) attachLocked() error {
	conn := p.gw.Connection()
	ctx := p.runCtx

	logSub, err := conn.SubscribeLogs(ctx, p.contracts.Addresses(), p.proc.Topics(), func(l types.Log) {
		p.handlePushed(ctx, l)
	})
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	headSub, err := conn.SubscribeNewBlocks(ctx, func(*types.Header) {
		p.notifyBlock()
	})
	if err != nil {
		logSub.Unsubscribe()
		return fmt.Errorf("subscribe heads: %w", err)
	}
	p.subs = append(p.subs, logSub, headSub)
	return nil
}

func (p *Poller) detachLocked() {
	for _, sub := range p.subs {
		sub.Unsubscribe()
	}
	p.subs = nil
}

func (p *Poller) handlePushed(ctx context.Context, l types.Log) {
	if ctx.Err() != nil || !p.contracts.Has(l.Address) {
		return
	}
	p.proc.Process(ctx, l)
}

func (p *Poller) notifyBlock() {
	if fn := p.onBlock.Load(); fn != nil {
		(*fn)()
	}
}

// Stats reports the poller's state and counters.
func (p *Poller) Stats() model.PollerStats {
	emitted, duplicates, failures := p.proc.counters()
	return model.PollerStats{
		State:              p.State().String(),
		LastProcessedBlock: p.lastProcessed.Load(),
		TrackedContracts:   p.contracts.Len(),
		Emitted:            emitted,
		Duplicates:         duplicates,
		DecodeFailures:     failures,
	}
}
