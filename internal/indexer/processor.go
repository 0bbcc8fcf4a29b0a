package indexer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"poolwatch/internal/chain"
	"poolwatch/internal/dedup"
	"poolwatch/internal/dex"
	"poolwatch/internal/metrics"
	"poolwatch/internal/model"
)

// Outcome is the fate of a single raw log.
type Outcome int

const (
	OutcomeEmitted Outcome = iota
	OutcomeDuplicate
	OutcomeUntracked
	OutcomeFailed
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmitted:
		return "emitted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeUntracked:
		return "untracked"
	case OutcomeFailed:
		return "decode_failed"
	default:
		return "discarded"
	}
}

// DecodeErrorSink receives logs that belong to a tracked contract but could
// not be decoded.
type DecodeErrorSink interface {
	PutDecodeError(model.DecodeError) error
}

type ProcessorConfig struct {
	Enrich          bool
	BlockTimestamps bool
	EventBuffer     int
}

// Processor runs the decode, dedup, enrich and emit path shared by polling,
// push subscriptions and historical scans.
type Processor struct {
	cfg       ProcessorConfig
	gw        *chain.Gateway
	decoder   *dex.Decoder
	symbols   *dex.Symbols
	tracker   *dedup.Tracker
	contracts *Registry
	logger    *zap.Logger
	metrics   *metrics.Metrics
	errSink   DecodeErrorSink
	now       func() time.Time

	out      chan model.Event
	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	resolved sync.Map

	emitted        atomic.Uint64
	duplicates     atomic.Uint64
	decodeFailures atomic.Uint64
}

func NewProcessor(
	cfg ProcessorConfig,
	gw *chain.Gateway,
	decoder *dex.Decoder,
	tracker *dedup.Tracker,
	contracts *Registry,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Processor{
		cfg:       cfg,
		gw:        gw,
		decoder:   decoder,
		symbols:   dex.NewSymbols(gw, logger),
		tracker:   tracker,
		contracts: contracts,
		logger:    logger.Named("processor"),
		metrics:   m,
		now:       time.Now,
		out:       make(chan model.Event, cfg.EventBuffer),
	}
}

// SetDecodeErrorSink installs an optional sink for undecodable logs.
func (p *Processor) SetDecodeErrorSink(sink DecodeErrorSink) {
	p.errSink = sink
}

// Events is the outbound stream. It is closed by Close.
func (p *Processor) Events() <-chan model.Event {
	return p.out
}

// Topics returns the topic0 filter for tracked events.
func (p *Processor) Topics() []common.Hash {
	return p.decoder.Topics()
}

// Close stops accepting logs, waits for in-flight ones and closes the event
// stream. Callers must cancel the contexts passed to Process first, otherwise
// an emit blocked on a full buffer keeps Close waiting.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.inflight.Wait()
	close(p.out)
}

func (p *Processor) enter() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.inflight.Add(1)
	return true
}

// Process handles one raw log. A log is marked processed before its event is
// emitted; if ctx is done by then the result is dropped unmarked.
func (p *Processor) Process(ctx context.Context, log types.Log) Outcome {
	if !p.enter() {
		return OutcomeDiscarded
	}
	defer p.inflight.Done()

	if log.Removed {
		p.metrics.ObserveSkipped("removed")
		return OutcomeUntracked
	}

	decoded, err := p.decoder.Decode(log)
	if errors.Is(err, dex.ErrUntracked) {
		p.metrics.ObserveSkipped("untracked")
		return OutcomeUntracked
	}
	if err != nil {
		p.decodeFailed(log, err)
		return OutcomeFailed
	}

	key := dedup.Key(log.TxHash.Hex(), uint64(log.Index))
	if p.tracker.IsProcessed(key) {
		p.duplicate()
		return OutcomeDuplicate
	}

	extra := p.enrich(ctx, log, decoded)

	if ctx.Err() != nil {
		return OutcomeDiscarded
	}
	if !p.tracker.MarkIfNew(key) {
		p.duplicate()
		return OutcomeDuplicate
	}

	event := buildEvent(log, decoded, extra, p.now())
	select {
	case p.out <- event:
	case <-ctx.Done():
		return OutcomeDiscarded
	}

	p.emitted.Add(1)
	p.metrics.ObserveEmitted(string(decoded.Kind))
	p.logger.Debug("event emitted",
		zap.String("kind", string(decoded.Kind)),
		zap.String("tx", log.TxHash.Hex()),
		zap.Uint("log_index", log.Index),
		zap.Uint64("block", log.BlockNumber),
	)
	return OutcomeEmitted
}

func (p *Processor) duplicate() {
	p.duplicates.Add(1)
	p.metrics.ObserveSkipped("duplicate")
}

func (p *Processor) decodeFailed(log types.Log, err error) {
	p.decodeFailures.Add(1)
	p.metrics.ObserveSkipped("decode_failed")

	source := dex.SourcePool.String()
	if p.decoder.IsHelper(log.Address) {
		source = dex.SourceHelper.String()
	}
	p.logger.Warn("decode failed",
		zap.String("address", log.Address.Hex()),
		zap.String("tx", log.TxHash.Hex()),
		zap.Uint("log_index", log.Index),
		zap.Error(err),
	)
	if p.errSink == nil {
		return
	}
	if err := p.errSink.PutDecodeError(buildDecodeError(log, source, err)); err != nil {
		p.logger.Warn("write decode error failed", zap.Error(err))
	}
}

// enrich performs the best-effort lookups. Every failure falls back to the
// raw event fields.
func (p *Processor) enrich(ctx context.Context, log types.Log, decoded *dex.Decoded) enrichment {
	var extra enrichment
	extra.tokenSymbol = p.symbol(ctx, log.Address, decoded.Source)

	if p.cfg.BlockTimestamps {
		if header, err := p.gw.Header(ctx, log.BlockNumber); err == nil {
			extra.blockTimestamp = header.Time
		} else {
			p.logger.Debug("block timestamp lookup failed", zap.Uint64("block", log.BlockNumber), zap.Error(err))
		}
	}

	if !p.cfg.Enrich || decoded.Source != dex.SourcePool {
		return extra
	}

	if tx, err := p.gw.Transaction(ctx, log.TxHash); err == nil && tx != nil {
		extra.sender = tx.From.Hex()
	} else {
		p.logger.Debug("transaction lookup failed", zap.String("tx", log.TxHash.Hex()), zap.Error(err))
	}

	receipt, err := p.gw.Receipt(ctx, log.TxHash)
	if err != nil {
		p.logger.Debug("receipt lookup failed", zap.String("tx", log.TxHash.Hex()), zap.Error(err))
		return extra
	}
	if recipient, ok := dex.EffectiveRecipient(receipt, log.Index, log.Address); ok {
		extra.recipient = recipient.Hex()
	}
	return extra
}

func (p *Processor) symbol(ctx context.Context, addr common.Address, source dex.Source) string {
	if s := p.contracts.Symbol(addr); s != "" {
		return s
	}
	if source != dex.SourcePool {
		return ""
	}
	if v, ok := p.resolved.Load(addr); ok {
		return v.(string)
	}

	symbol, err := p.symbols.PairSymbol(ctx, addr)
	if err != nil {
		p.logger.Debug("pair symbol lookup failed", zap.String("pool", addr.Hex()), zap.Error(err))
		// Only a definitive miss is remembered; transport errors retry on
		// the next event.
		if !errors.Is(err, dex.ErrNoSymbol) {
			return ""
		}
	}
	p.resolved.Store(addr, symbol)
	return symbol
}

func (p *Processor) counters() (emitted, duplicates, failures uint64) {
	return p.emitted.Load(), p.duplicates.Load(), p.decodeFailures.Load()
}
