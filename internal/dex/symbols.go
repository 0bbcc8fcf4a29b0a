package dex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// ErrNoSymbol is wrapped by lookups the chain answered definitively: the
// call reverted or returned data that does not decode. Any other error may
// succeed on retry.
var ErrNoSymbol = errors.New("no symbol")

// Caller performs a cached read-only contract call. ttl 0 keeps the result
// permanently.
type Caller interface {
	Call(ctx context.Context, to common.Address, method string, args interface{}, data []byte, ttl time.Duration) ([]byte, error)
}

// Symbols resolves display symbols for pools and tokens. Every call result is
// immutable on chain, so it is cached permanently.
type Symbols struct {
	caller Caller
	logger *zap.Logger
}

func NewSymbols(caller Caller, logger *zap.Logger) *Symbols {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Symbols{caller: caller, logger: logger}
}

// PairSymbol returns "SYM0/SYM1" for a pool.
func (s *Symbols) PairSymbol(ctx context.Context, pool common.Address) (string, error) {
	poolABI, err := PoolABI()
	if err != nil {
		return "", fmt.Errorf("parse pool abi: %w", err)
	}

	token0, err := s.poolToken(ctx, pool, poolABI, "token0")
	if err != nil {
		return "", err
	}
	token1, err := s.poolToken(ctx, pool, poolABI, "token1")
	if err != nil {
		return "", err
	}

	sym0, err := s.TokenSymbol(ctx, token0)
	if err != nil {
		return "", err
	}
	sym1, err := s.TokenSymbol(ctx, token1)
	if err != nil {
		return "", err
	}
	return sym0 + "/" + sym1, nil
}

func (s *Symbols) poolToken(ctx context.Context, pool common.Address, poolABI abi.ABI, method string) (common.Address, error) {
	values, err := s.call(ctx, pool, poolABI, method)
	if err != nil {
		return common.Address{}, err
	}
	token, err := asAddress(values[0])
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w: %w", method, ErrNoSymbol, err)
	}
	return token, nil
}

// TokenSymbol reads ERC20 symbol(), falling back to the bytes32 variant
// some older tokens return.
func (s *Symbols) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	stringABI, err := erc20ABIStringInstance()
	if err != nil {
		return "", fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20ABIBytes32Instance()
	if err != nil {
		return "", fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	values, stringErr := s.call(ctx, token, stringABI, "symbol")
	if stringErr == nil {
		if symbol, ok := values[0].(string); ok {
			return symbol, nil
		}
		stringErr = fmt.Errorf("symbol: %w: unsupported type %T", ErrNoSymbol, values[0])
	}
	s.logger.Debug("string symbol call failed", zap.String("token", token.Hex()), zap.Error(stringErr))

	values, err = s.call(ctx, token, bytes32ABI, "symbol")
	if err != nil {
		// A definitive bytes32 miss says nothing when the string call never
		// got an answer.
		if errors.Is(err, ErrNoSymbol) && !errors.Is(stringErr, ErrNoSymbol) {
			return "", stringErr
		}
		return "", err
	}
	symbol, ok := bytes32ToString(values[0])
	if !ok {
		return "", fmt.Errorf("symbol: %w: unsupported type %T", ErrNoSymbol, values[0])
	}
	return symbol, nil
}

func (s *Symbols) call(ctx context.Context, to common.Address, parsed abi.ABI, method string) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := s.caller.Call(ctx, to, method, nil, data, 0)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %w", ErrNoSymbol, err)
		}
		return nil, err
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w: %w", method, ErrNoSymbol, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: %w: empty result", method, ErrNoSymbol)
	}
	return values, nil
}

// isRevert reports whether the node executed the call and it reverted.
func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}
