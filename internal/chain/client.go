package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// ErrPushUnsupported is returned by Subscribe* on pull-only transports.
var ErrPushUnsupported = errors.New("transport does not support subscriptions")

// ClientConfig configures a Client.
type ClientConfig struct {
	URL          string
	ProbeTimeout time.Duration

	// OnDisconnect is invoked when a push subscription drops. The caller
	// re-establishes subscriptions.
	OnDisconnect func(err error)
}

// Client wraps go-ethereum RPC. Websocket and IPC endpoints support push.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	cfg       ClientConfig
	push      bool
	logger    *zap.Logger

	mu           sync.RWMutex
	onDisconnect func(err error)
}

// NewClient dials the endpoint and verifies it answers.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	c := &Client{
		rpcClient:    rpcClient,
		ethClient:    ethclient.NewClient(rpcClient),
		cfg:          cfg,
		push:         isPushURL(cfg.URL),
		logger:       logger.Named("chain"),
		onDisconnect: cfg.OnDisconnect,
	}

	if err := c.Ping(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("ping rpc: %w", err)
	}

	c.logger.Info("connected", zap.Bool("push", c.push))
	return c, nil
}

func isPushURL(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasPrefix(lower, "ws://") ||
		strings.HasPrefix(lower, "wss://") ||
		strings.HasSuffix(lower, ".ipc")
}

// SetDisconnectHandler replaces the callback invoked when a subscription drops.
func (c *Client) SetDisconnectHandler(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Ping calls eth_chainId with the probe timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	_, err := c.ethClient.ChainID(ctx)
	return err
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// HeaderByNumber returns the block header by number.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	return c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
}

// TransactionByHash returns the sender/recipient view of a transaction.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	var tx *Transaction
	if err := c.rpcClient.CallContext(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ethereum.NotFound
	}
	return tx, nil
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.ethClient.TransactionReceipt(ctx, hash)
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

func (c *Client) SupportsPush() bool {
	return c.push
}

// SubscribeLogs streams logs of addresses to handler until unsubscribed or dropped.
func (c *Client) SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, handler func(types.Log)) (ethereum.Subscription, error) {
	if !c.push {
		return nil, ErrPushUnsupported
	}

	query := ethereum.FilterQuery{Addresses: addresses}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}

	ch := make(chan types.Log, 256)
	sub, err := c.ethClient.SubscribeFilterLogs(ctx, query, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return pump[types.Log](c, sub, "logs", ch, handler), nil
}

// SubscribeNewBlocks streams new headers to handler until unsubscribed or dropped.
func (c *Client) SubscribeNewBlocks(ctx context.Context, handler func(*types.Header)) (ethereum.Subscription, error) {
	if !c.push {
		return nil, ErrPushUnsupported
	}

	ch := make(chan *types.Header, 16)
	sub, err := c.ethClient.SubscribeNewHead(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}
	return pump[*types.Header](c, sub, "newHeads", ch, handler), nil
}

// pump delivers subscription values to handler on one goroutine and reports
// a dropped subscription through the disconnect callback.
func pump[T any](c *Client, sub ethereum.Subscription, name string, ch <-chan T, handler func(T)) ethereum.Subscription {
	ps := &pushSubscription{sub: sub, quit: make(chan struct{})}

	go func() {
		for {
			select {
			case <-ps.quit:
				return
			case v := <-ch:
				handler(v)
			case err, ok := <-sub.Err():
				select {
				case <-ps.quit:
					return
				default:
				}
				if !ok || err == nil {
					err = fmt.Errorf("%s subscription closed", name)
				}
				c.logger.Warn("subscription dropped", zap.String("subscription", name), zap.Error(err))
				c.mu.RLock()
				cb := c.onDisconnect
				c.mu.RUnlock()
				if cb != nil {
					cb(err)
				}
				return
			}
		}
	}()

	return ps
}

type pushSubscription struct {
	sub  ethereum.Subscription
	quit chan struct{}
	once sync.Once
}

func (s *pushSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}

func (s *pushSubscription) Err() <-chan error {
	return s.sub.Err()
}
