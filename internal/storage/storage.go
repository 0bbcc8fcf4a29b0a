package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"poolwatch/internal/model"
)

// Sink persists emitted events. Implementations must be idempotent on the
// (tx_hash, log_index) identity since events can be seen again after a restart.
type Sink interface {
	PutEvents(ctx context.Context, events []model.Event) error
}

// Multi writes every batch to each sink in order.
type Multi []Sink

func (m Multi) PutEvents(ctx context.Context, events []model.Event) error {
	for _, s := range m {
		if err := s.PutEvents(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

type ConsumeConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Consume drains events into sink in batches until the stream is closed.
// A failed write is logged and the batch dropped; the pipeline keeps going.
func Consume(ctx context.Context, events <-chan model.Event, sink Sink, cfg ConsumeConfig, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	logger = logger.Named("sink")

	batch := make([]model.Event, 0, cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// ctx may already be done during the final flush.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := sink.PutEvents(writeCtx, batch); err != nil {
			logger.Error("store events failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func fieldsOf(ev model.Event) (string, model.EventFields, bool) {
	switch e := ev.(type) {
	case model.PoolEvent:
		return "poolEvent", e.EventFields, true
	case model.ExchangeHelperEvent:
		return "exchangeHelperEvent", e.EventFields, true
	default:
		return "", model.EventFields{}, false
	}
}
