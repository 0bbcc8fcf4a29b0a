// Package chaintest provides an in-memory chain.Connection for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolwatch/internal/chain"
)

// LogQuery records one FilterLogs call.
type LogQuery struct {
	Address common.Address
	From    uint64
	To      uint64
}

// Conn is a scripted chain.Connection.
type Conn struct {
	mu sync.Mutex

	Head     uint64
	Push     bool
	PingErr  error
	LogsErr  error
	logsErr  map[common.Address]error
	CallErr  error
	logs     []types.Log
	txs      map[common.Hash]*chain.Transaction
	receipts map[common.Hash]*types.Receipt
	calls    map[string][]byte

	Queries     []LogQuery
	PingCount   int
	CallCount   int
	TxCount     int
	logHandlers []*handler[types.Log]
	headHandler []*handler[*types.Header]
}

type handler[T any] struct {
	fn     func(T)
	active atomic.Bool
	errCh  chan error
}

func newHandler[T any](fn func(T)) *handler[T] {
	h := &handler[T]{fn: fn, errCh: make(chan error)}
	h.active.Store(true)
	return h
}

func (h *handler[T]) Unsubscribe()      { h.active.Store(false) }
func (h *handler[T]) Err() <-chan error { return h.errCh }

var _ chain.Connection = (*Conn)(nil)

func New(head uint64) *Conn {
	return &Conn{
		Head:     head,
		logsErr:  make(map[common.Address]error),
		txs:      make(map[common.Hash]*chain.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
		calls:    make(map[string][]byte),
	}
}

func (c *Conn) SetHead(head uint64) {
	c.mu.Lock()
	c.Head = head
	c.mu.Unlock()
}

func (c *Conn) AddLog(l types.Log) {
	c.mu.Lock()
	c.logs = append(c.logs, l)
	c.mu.Unlock()
}

func (c *Conn) AddTransaction(tx *chain.Transaction, receipt *types.Receipt) {
	c.mu.Lock()
	c.txs[tx.Hash] = tx
	if receipt != nil {
		c.receipts[tx.Hash] = receipt
	}
	c.mu.Unlock()
}

// SetCallResult scripts the eth_call result for calldata sent to address.
func (c *Conn) SetCallResult(address common.Address, data, result []byte) {
	c.mu.Lock()
	c.calls[callKey(address, data)] = result
	c.mu.Unlock()
}

// FailLogs makes every FilterLogs call covering address fail with err.
// A nil err clears it.
func (c *Conn) FailLogs(address common.Address, err error) {
	c.mu.Lock()
	if err == nil {
		delete(c.logsErr, address)
	} else {
		c.logsErr[address] = err
	}
	c.mu.Unlock()
}

// SetCallErr makes every CallContract fail with err until cleared.
func (c *Conn) SetCallErr(err error) {
	c.mu.Lock()
	c.CallErr = err
	c.mu.Unlock()
}

func (c *Conn) QueriesFor(address common.Address) []LogQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []LogQuery
	for _, q := range c.Queries {
		if q.Address == address {
			out = append(out, q)
		}
	}
	return out
}

func (c *Conn) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PingErr != nil {
		return 0, c.PingErr
	}
	return c.Head, nil
}

func (c *Conn) FilterLogs(_ context.Context, from, to uint64, addresses []common.Address, _ []common.Hash) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range addresses {
		c.Queries = append(c.Queries, LogQuery{Address: a, From: from, To: to})
	}
	if c.LogsErr != nil {
		return nil, c.LogsErr
	}
	for _, a := range addresses {
		if err := c.logsErr[a]; err != nil {
			return nil, err
		}
	}

	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		for _, a := range addresses {
			if l.Address == a {
				out = append(out, l)
				break
			}
		}
	}
	return out, nil
}

func (c *Conn) TransactionByHash(_ context.Context, hash common.Hash) (*chain.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TxCount++
	tx, ok := c.txs[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return tx, nil
}

func (c *Conn) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Conn) HeaderByNumber(_ context.Context, number uint64) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(number), Time: 1700000000 + number}, nil
}

func (c *Conn) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCount++
	if c.CallErr != nil {
		return nil, c.CallErr
	}
	if msg.To == nil {
		return nil, errors.New("missing to")
	}
	out, ok := c.calls[callKey(*msg.To, msg.Data)]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PingCount++
	return c.PingErr
}

func (c *Conn) SetPingErr(err error) {
	c.mu.Lock()
	c.PingErr = err
	c.mu.Unlock()
}

func (c *Conn) SupportsPush() bool {
	return c.Push
}

func (c *Conn) SubscribeLogs(_ context.Context, _ []common.Address, _ []common.Hash, fn func(types.Log)) (ethereum.Subscription, error) {
	if !c.Push {
		return nil, chain.ErrPushUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h := newHandler(fn)
	c.logHandlers = append(c.logHandlers, h)
	return h, nil
}

func (c *Conn) SubscribeNewBlocks(_ context.Context, fn func(*types.Header)) (ethereum.Subscription, error) {
	if !c.Push {
		return nil, chain.ErrPushUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h := newHandler(fn)
	c.headHandler = append(c.headHandler, h)
	return h, nil
}

// PushLog delivers l to every active log subscription.
func (c *Conn) PushLog(l types.Log) {
	c.mu.Lock()
	var fns []func(types.Log)
	for _, h := range c.logHandlers {
		if h.active.Load() {
			fns = append(fns, h.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(l)
	}
}

// PushHead delivers a header to every active block subscription.
func (c *Conn) PushHead(number uint64) {
	c.mu.Lock()
	var fns []func(*types.Header)
	for _, h := range c.headHandler {
		if h.active.Load() {
			fns = append(fns, h.fn)
		}
	}
	c.mu.Unlock()
	header := &types.Header{Number: new(big.Int).SetUint64(number)}
	for _, fn := range fns {
		fn(header)
	}
}

// ActiveSubscriptions counts subscriptions not yet unsubscribed.
func (c *Conn) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.logHandlers {
		if h.active.Load() {
			n++
		}
	}
	for _, h := range c.headHandler {
		if h.active.Load() {
			n++
		}
	}
	return n
}

func (c *Conn) Close() {}

func callKey(address common.Address, data []byte) string {
	return address.Hex() + ":" + common.Bytes2Hex(data)
}
