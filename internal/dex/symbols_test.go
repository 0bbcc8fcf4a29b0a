package dex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type fakeCaller struct {
	results map[string][]byte
	ttls    []time.Duration
	err     error
}

func (f *fakeCaller) Call(_ context.Context, to common.Address, _ string, _ interface{}, data []byte, ttl time.Duration) ([]byte, error) {
	f.ttls = append(f.ttls, ttl)
	if f.err != nil {
		return nil, f.err
	}
	out, ok := f.results[to.Hex()+common.Bytes2Hex(data)]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (f *fakeCaller) set(t *testing.T, to common.Address, parsed abi.ABI, method string, result ...interface{}) {
	t.Helper()
	data, err := parsed.Pack(method)
	if err != nil {
		t.Fatalf("pack %s: %v", method, err)
	}
	out, err := parsed.Methods[method].Outputs.Pack(result...)
	if err != nil {
		t.Fatalf("pack %s output: %v", method, err)
	}
	f.results[to.Hex()+common.Bytes2Hex(data)] = out
}

func TestPairSymbol(t *testing.T) {
	poolABI, _ := PoolABI()
	stringABI, _ := erc20ABIStringInstance()
	bytes32ABI, _ := erc20ABIBytes32Instance()

	pool := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token0 := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	token1 := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	caller := &fakeCaller{results: map[string][]byte{}}
	caller.set(t, pool, poolABI, "token0", token0)
	caller.set(t, pool, poolABI, "token1", token1)
	caller.set(t, token0, stringABI, "symbol", "WBNB")

	var mkr [32]byte
	copy(mkr[:], "MKR")
	// bytes32 and string symbol() share a selector; the string decode of a
	// bytes32 payload fails and falls through.
	caller.set(t, token1, bytes32ABI, "symbol", mkr)

	symbols := NewSymbols(caller, nil)
	got, err := symbols.PairSymbol(context.Background(), pool)
	if err != nil {
		t.Fatalf("pair symbol: %v", err)
	}
	if got != "WBNB/MKR" {
		t.Fatalf("unexpected symbol %q", got)
	}
	for _, ttl := range caller.ttls {
		if ttl != 0 {
			t.Fatalf("expected permanent ttl, got %s", ttl)
		}
	}
}

func TestPairSymbolCallFailure(t *testing.T) {
	symbols := NewSymbols(&fakeCaller{results: map[string][]byte{}}, nil)
	if _, err := symbols.PairSymbol(context.Background(), common.HexToAddress("0x01")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPairSymbolRevertIsDefinitive(t *testing.T) {
	symbols := NewSymbols(&fakeCaller{results: map[string][]byte{}}, nil)
	_, err := symbols.PairSymbol(context.Background(), common.HexToAddress("0x01"))
	if !errors.Is(err, ErrNoSymbol) {
		t.Fatalf("expected ErrNoSymbol, got %v", err)
	}
}

func TestTokenSymbolTransientFailure(t *testing.T) {
	caller := &fakeCaller{results: map[string][]byte{}, err: errors.New("dial tcp: connection refused")}
	symbols := NewSymbols(caller, nil)
	_, err := symbols.TokenSymbol(context.Background(), common.HexToAddress("0x02"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, ErrNoSymbol) {
		t.Fatalf("transport failure must not be reported as a definitive miss: %v", err)
	}
}

func TestTokenSymbolGarbageIsDefinitive(t *testing.T) {
	token := common.HexToAddress("0x03")
	stringABI, _ := erc20ABIStringInstance()
	data, err := stringABI.Pack("symbol")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	caller := &fakeCaller{results: map[string][]byte{token.Hex() + common.Bytes2Hex(data): {0x01, 0x02}}}
	symbols := NewSymbols(caller, nil)
	if _, err := symbols.TokenSymbol(context.Background(), token); !errors.Is(err, ErrNoSymbol) {
		t.Fatalf("expected ErrNoSymbol, got %v", err)
	}
}
