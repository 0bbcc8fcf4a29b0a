package postgres

import (
	"strings"
	"testing"

	"poolwatch/internal/model"
)

func TestTableFor(t *testing.T) {
	table, fields, err := tableFor(model.PoolEvent{EventFields: model.EventFields{TxHash: "0xabc"}})
	if err != nil || table != "pool_events" || fields.TxHash != "0xabc" {
		t.Fatalf("unexpected pool mapping: %s %+v %v", table, fields, err)
	}
	table, _, err = tableFor(model.ExchangeHelperEvent{})
	if err != nil || table != "helper_events" {
		t.Fatalf("unexpected helper mapping: %s %v", table, err)
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	sql := insertSQL("pool_events")
	if !strings.Contains(sql, "ON CONFLICT (tx_hash, log_index) DO NOTHING") {
		t.Fatalf("insert must ignore duplicates: %s", sql)
	}
	if nullableTimestamp(0) != nil {
		t.Fatalf("zero timestamp must be NULL")
	}
	if v := nullableTimestamp(42); v == nil || *v != 42 {
		t.Fatalf("unexpected timestamp %v", v)
	}
}
