package model

import "time"

// EventKind names a tracked on-chain event.
type EventKind string

const (
	KindSwap          EventKind = "Swap"
	KindBoughtNative  EventKind = "bought_native"
	KindBoughtWrapped EventKind = "bought_wrapped"
	KindSoldNative    EventKind = "sold_native"
	KindSoldWrapped   EventKind = "sold_wrapped"
)

// Event is the closed set of domain events emitted by the pipeline.
// Consumers switch on the concrete type.
type Event interface {
	ID() EventID
	event()
}

// EventID is the (txHash, logIndex) identity of an emitted event.
type EventID struct {
	TxHash   string
	LogIndex uint64
}

// EventFields is the shape shared by pool and exchange-helper events.
type EventFields struct {
	ContractAddress   string            `json:"contract_address"`
	EventKind         EventKind         `json:"event_kind"`
	BlockNumber       uint64            `json:"block_number"`
	BlockHash         string            `json:"block_hash"`
	BlockTimestamp    uint64            `json:"block_timestamp,omitempty"`
	TxHash            string            `json:"tx_hash"`
	TxIndex           uint64            `json:"tx_index"`
	LogIndex          uint64            `json:"log_index"`
	DecodedArgs       map[string]string `json:"decoded_args"`
	ObservedSender    string            `json:"observed_sender"`
	ObservedRecipient string            `json:"observed_recipient"`
	TokenSymbol       string            `json:"token_symbol,omitempty"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

// ID returns the idempotency key of the event.
func (f EventFields) ID() EventID {
	return EventID{TxHash: f.TxHash, LogIndex: f.LogIndex}
}

// PoolEvent is a decoded trade event from a tracked pool.
type PoolEvent struct {
	EventFields
}

// ExchangeHelperEvent is a decoded trade event from the exchange helper contract.
type ExchangeHelperEvent struct {
	EventFields
}

func (PoolEvent) event()           {}
func (ExchangeHelperEvent) event() {}
