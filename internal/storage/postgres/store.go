package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"poolwatch/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS pool_events (
	tx_hash            TEXT        NOT NULL,
	log_index          BIGINT      NOT NULL,
	contract_address   TEXT        NOT NULL,
	event_kind         TEXT        NOT NULL,
	block_number       BIGINT      NOT NULL,
	block_hash         TEXT        NOT NULL,
	block_timestamp    BIGINT,
	tx_index           BIGINT      NOT NULL,
	decoded_args       JSONB       NOT NULL,
	observed_sender    TEXT        NOT NULL,
	observed_recipient TEXT        NOT NULL,
	token_symbol       TEXT,
	occurred_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tx_hash, log_index)
);
CREATE TABLE IF NOT EXISTS helper_events (LIKE pool_events INCLUDING ALL);
`

// Store persists emitted events in Postgres. Inserts are idempotent on
// (tx_hash, log_index).
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the event tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// PutEvents inserts a batch; rows already present are left untouched.
func (s *Store) PutEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		table, fields, err := tableFor(ev)
		if err != nil {
			return err
		}
		args, err := json.Marshal(fields.DecodedArgs)
		if err != nil {
			return fmt.Errorf("marshal decoded args: %w", err)
		}
		batch.Queue(insertSQL(table),
			fields.TxHash,
			int64(fields.LogIndex),
			fields.ContractAddress,
			string(fields.EventKind),
			int64(fields.BlockNumber),
			fields.BlockHash,
			nullableTimestamp(fields.BlockTimestamp),
			int64(fields.TxIndex),
			args,
			fields.ObservedSender,
			fields.ObservedRecipient,
			fields.TokenSymbol,
			fields.OccurredAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func tableFor(ev model.Event) (string, model.EventFields, error) {
	switch e := ev.(type) {
	case model.PoolEvent:
		return "pool_events", e.EventFields, nil
	case model.ExchangeHelperEvent:
		return "helper_events", e.EventFields, nil
	default:
		return "", model.EventFields{}, fmt.Errorf("unsupported event type %T", ev)
	}
}

func insertSQL(table string) string {
	return `
		INSERT INTO ` + table + ` (
			tx_hash, log_index, contract_address, event_kind, block_number, block_hash,
			block_timestamp, tx_index, decoded_args, observed_sender, observed_recipient,
			token_symbol, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`
}

func nullableTimestamp(ts uint64) *int64 {
	if ts == 0 {
		return nil
	}
	v := int64(ts)
	return &v
}
