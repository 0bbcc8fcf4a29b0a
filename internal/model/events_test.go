package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPoolEventJSONFlatWithStringAmounts(t *testing.T) {
	ev := PoolEvent{EventFields: EventFields{
		ContractAddress: "0x1111111111111111111111111111111111111111",
		EventKind:       KindSwap,
		BlockNumber:     100,
		TxHash:          "0xabc",
		LogIndex:        2,
		DecodedArgs: map[string]string{
			"amount0":   "12345678901234567890123",
			"amount1":   "-42",
			"liquidity": "340282366920938463463374607431768211455",
		},
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded["event_kind"] != "Swap" {
		t.Fatalf("event_kind = %v", decoded["event_kind"])
	}
	if _, nested := decoded["EventFields"]; nested {
		t.Fatalf("event fields should be inlined")
	}
	args, ok := decoded["decoded_args"].(map[string]interface{})
	if !ok {
		t.Fatalf("decoded_args missing")
	}
	for _, name := range []string{"amount0", "amount1", "liquidity"} {
		if _, ok := args[name].(string); !ok {
			t.Fatalf("%s should be string", name)
		}
	}
	if _, ok := decoded["block_timestamp"]; ok {
		t.Fatalf("zero block_timestamp should be omitted")
	}
}

func TestEventIdentity(t *testing.T) {
	var events []Event = []Event{
		PoolEvent{EventFields: EventFields{TxHash: "0xabc", LogIndex: 2}},
		ExchangeHelperEvent{EventFields: EventFields{TxHash: "0xabc", LogIndex: 3}},
	}

	want := []EventID{{TxHash: "0xabc", LogIndex: 2}, {TxHash: "0xabc", LogIndex: 3}}
	for i, ev := range events {
		if got := ev.ID(); got != want[i] {
			t.Fatalf("event %d: id = %+v, want %+v", i, got, want[i])
		}
	}

	switch events[1].(type) {
	case ExchangeHelperEvent:
	default:
		t.Fatalf("unexpected type %T", events[1])
	}
}
