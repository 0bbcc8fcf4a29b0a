package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"poolwatch/internal/cache"
	"poolwatch/internal/executor"
)

// Gateway is the only path from the pipeline to the node: reads go through
// the cache first and every miss is dispatched by the shared executor.
type Gateway struct {
	conn  Connection
	exec  *executor.Executor
	cache *cache.Cache
}

func NewGateway(conn Connection, exec *executor.Executor, c *cache.Cache) *Gateway {
	return &Gateway{conn: conn, exec: exec, cache: c}
}

// Connection exposes the transport for subscription management.
func (g *Gateway) Connection() Connection {
	return g.conn
}

// BlockNumber returns the chain head. Never cached.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	return executor.Call(ctx, g.exec, "eth_blockNumber", g.conn.BlockNumber)
}

// CheckConnection reports whether the node answers a metadata call.
func (g *Gateway) CheckConnection(ctx context.Context) bool {
	return g.exec.Do(ctx, "eth_chainId", g.conn.Ping) == nil
}

// Logs returns the logs of one contract in [from, to].
func (g *Gateway) Logs(ctx context.Context, address common.Address, from, to uint64, topic0 []common.Hash) ([]types.Log, error) {
	key := cache.LogsKey(address.Hex(), from, to, topic0)
	if v, ok := g.cache.Get(cache.TierLogs, key); ok {
		if logs, ok := v.([]types.Log); ok {
			return logs, nil
		}
	}

	logs, err := executor.Call(ctx, g.exec, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		return g.conn.FilterLogs(ctx, from, to, []common.Address{address}, topic0)
	})
	if err != nil {
		return nil, err
	}
	g.cache.SetDefault(cache.TierLogs, key, logs)
	return logs, nil
}

// Transaction returns the transaction with the given hash.
func (g *Gateway) Transaction(ctx context.Context, hash common.Hash) (*Transaction, error) {
	key := cache.TxKey(hash.Hex())
	if v, ok := g.cache.Get(cache.TierTx, key); ok {
		if tx, ok := v.(*Transaction); ok {
			return tx, nil
		}
	}

	tx, err := executor.Call(ctx, g.exec, "eth_getTransactionByHash", func(ctx context.Context) (*Transaction, error) {
		return g.conn.TransactionByHash(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	g.cache.SetDefault(cache.TierTx, key, tx)
	return tx, nil
}

// Receipt returns the receipt of the given transaction.
func (g *Gateway) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	key := cache.ReceiptKey(hash.Hex())
	if v, ok := g.cache.Get(cache.TierTx, key); ok {
		if receipt, ok := v.(*types.Receipt); ok {
			return receipt, nil
		}
	}

	receipt, err := executor.Call(ctx, g.exec, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		return g.conn.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ethereum.NotFound
	}
	g.cache.SetDefault(cache.TierTx, key, receipt)
	return receipt, nil
}

// Header returns the header of a block.
func (g *Gateway) Header(ctx context.Context, number uint64) (*types.Header, error) {
	key := cache.BlockKey(number)
	if v, ok := g.cache.Get(cache.TierBlock, key); ok {
		if header, ok := v.(*types.Header); ok {
			return header, nil
		}
	}

	header, err := executor.Call(ctx, g.exec, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		return g.conn.HeaderByNumber(ctx, number)
	})
	if err != nil {
		return nil, err
	}
	g.cache.SetDefault(cache.TierBlock, key, header)
	return header, nil
}

// Call performs a read-only contract call at the latest block. The result is
// kept in the state tier for ttl; ttl 0 keeps it permanently across restarts.
func (g *Gateway) Call(ctx context.Context, to common.Address, method string, args interface{}, data []byte, ttl time.Duration) ([]byte, error) {
	key := cache.StateKey(to.Hex(), method, args)
	if v, ok := g.cache.Get(cache.TierState, key); ok {
		if raw, ok := v.(json.RawMessage); ok {
			var out hexutil.Bytes
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
		}
	}

	out, err := executor.Call(ctx, g.exec, "eth_call", func(ctx context.Context) ([]byte, error) {
		return g.conn.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	raw, err := json.Marshal(hexutil.Bytes(out))
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", method, err)
	}
	g.cache.Set(cache.TierState, key, json.RawMessage(raw), ttl)
	return out, nil
}
