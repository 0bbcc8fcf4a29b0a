package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transaction is the part of a transaction the pipeline reads.
type Transaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
}

// Connection is a transport to a remote node. It never retries; callers
// layer the executor on top.
type Connection interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	// Ping performs a lightweight metadata call.
	Ping(ctx context.Context) error

	// SupportsPush reports whether Subscribe* are available.
	SupportsPush() bool
	SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, handler func(types.Log)) (ethereum.Subscription, error)
	SubscribeNewBlocks(ctx context.Context, handler func(*types.Header)) (ethereum.Subscription, error)

	Close()
}
