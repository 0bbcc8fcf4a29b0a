package indexer

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseContracts(t *testing.T) {
	got, err := ParseContracts([]string{
		"0x1111111111111111111111111111111111111111",
		" 0x2222222222222222222222222222222222222222=WBNB/USDT ",
		"",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 contracts, got %d", len(got))
	}
	if got[0].Symbol != "" || got[1].Symbol != "WBNB/USDT" {
		t.Fatalf("symbol mismatch: %+v", got)
	}
	if got[1].Address != common.HexToAddress("0x2222222222222222222222222222222222222222") {
		t.Fatalf("address mismatch: %s", got[1].Address.Hex())
	}

	if _, err := ParseContracts([]string{"0xnothex=FOO"}); err == nil {
		t.Fatalf("expected error for invalid address")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "checkpoint.json")

	store := NewCheckpointStore(path, true)
	if _, ok, err := store.Load(); ok || err != nil {
		t.Fatalf("expected empty checkpoint, got ok=%v err=%v", ok, err)
	}
	if err := store.Save(4242); err != nil {
		t.Fatalf("save: %v", err)
	}
	block, ok, err := store.Load()
	if err != nil || !ok || block != 4242 {
		t.Fatalf("unexpected checkpoint: %d %v %v", block, ok, err)
	}

	disabled := NewCheckpointStore(path, false)
	if _, ok, _ := disabled.Load(); ok {
		t.Fatalf("disabled store must not load")
	}
}
