package app

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolwatch/internal/chain/chaintest"
	"poolwatch/internal/config"
	"poolwatch/internal/dex"
	"poolwatch/internal/indexer"
	"poolwatch/internal/model"
)

var pool = common.HexToAddress("0x1111111111111111111111111111111111111111")

func testConfig(dir string) config.Config {
	return config.Config{
		RPCURL:             "wss://node.example",
		Contracts:          []string{pool.Hex() + "=WBNB/USDT"},
		PollInterval:       10 * time.Millisecond,
		RangeWidth:         5,
		MaxRetries:         1,
		BackoffBase:        time.Millisecond,
		BackoffMultiplier:  2,
		BackfillChunk:      1000,
		AvgBlockTime:       2 * time.Second,
		DedupFile:          filepath.Join(dir, "processed.json"),
		DedupRetention:     48 * time.Hour,
		CacheFile:          filepath.Join(dir, "cache.json"),
		CacheFlushDebounce: time.Millisecond,
		TxCacheTTL:         time.Hour,
		BlockCacheTTL:      time.Hour,
		LogsCacheTTL:       time.Minute,
		StaleCheckInterval: time.Hour,
		StaleThreshold:     time.Hour,
		ProbeInterval:      time.Hour,
		Enrich:             true,
	}
}

func swapLog(t *testing.T, block uint64, tx common.Hash, index uint) types.Log {
	t.Helper()
	poolABI, err := dex.PoolABI()
	require.NoError(t, err)
	data, err := poolABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(1), big.NewInt(-2), big.NewInt(3), big.NewInt(4), big.NewInt(5),
	)
	require.NoError(t, err)
	return types.Log{
		Address:     pool,
		Topics:      []common.Hash{poolABI.Events["Swap"].ID, {}, {}},
		Data:        data,
		BlockNumber: block,
		TxHash:      tx,
		Index:       index,
	}
}

func newApp(t *testing.T, cfg config.Config, conn *chaintest.Conn) *App {
	t.Helper()
	a := New(cfg, nil, prometheus.NewRegistry())
	require.NoError(t, a.initialize(conn))
	return a
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	conn := chaintest.New(99)
	conn.AddLog(swapLog(t, 100, common.HexToHash("0xabc"), 2))

	a := newApp(t, testConfig(dir), conn)
	require.NoError(t, a.Start(context.Background()))
	require.ErrorIs(t, a.Start(context.Background()), indexer.ErrAlreadyRunning)

	conn.SetHead(100)

	var ev model.Event
	select {
	case ev = <-a.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted")
	}
	poolEvent, ok := ev.(model.PoolEvent)
	require.True(t, ok)
	assert.Equal(t, "WBNB/USDT", poolEvent.TokenSymbol)
	assert.Equal(t, "-2", poolEvent.DecodedArgs["amount1"])

	stats := a.Stats()
	assert.Equal(t, 1, stats.Dedup.Size)
	assert.Equal(t, "running", stats.Poller.State)
	assert.Contains(t, stats.Cache, "logs")

	require.NoError(t, a.Stop())
	_, open := <-a.Events()
	assert.False(t, open, "event stream is closed on stop")
	require.NoError(t, a.Stop())

	restarted := newApp(t, testConfig(dir), conn)
	result, err := restarted.ScanHistorical(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Duplicates, "dedup state survives restart")
	assert.Zero(t, result.New)
	require.NoError(t, restarted.Stop())
}

func TestAppAddRemoveContract(t *testing.T) {
	a := newApp(t, testConfig(t.TempDir()), chaintest.New(10))
	t.Cleanup(func() { _ = a.Stop() })

	require.NoError(t, a.AddTrackedContract("0x2222222222222222222222222222222222222222=FOO/BAR"))
	assert.Equal(t, 2, a.Stats().Poller.TrackedContracts)
	require.Error(t, a.AddTrackedContract("nope"))

	require.NoError(t, a.RemoveTrackedContract("0x2222222222222222222222222222222222222222"))
	assert.Equal(t, 1, a.Stats().Poller.TrackedContracts)
	require.Error(t, a.RemoveTrackedContract("0x12"))
}

func TestAppStopBeforeStart(t *testing.T) {
	a := newApp(t, testConfig(t.TempDir()), chaintest.New(10))
	require.NoError(t, a.Stop())
	require.ErrorIs(t, a.Start(context.Background()), ErrStopped)
	_, err := a.ScanHistorical(context.Background(), 1)
	require.ErrorIs(t, err, ErrStopped)
}

func TestAppFailedStartLeavesNoWorkers(t *testing.T) {
	conn := chaintest.New(10)
	conn.SetPingErr(errors.New("dial tcp: i/o timeout"))
	a := newApp(t, testConfig(t.TempDir()), conn)
	t.Cleanup(func() { _ = a.Stop() })

	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, a.Start(context.Background()), indexer.ErrUnreachable)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+1, "failed starts must not leave maintenance loops behind")

	conn.SetPingErr(nil)
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, "running", a.Stats().Poller.State)
}

func TestInitializeRequiresRPC(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.RPCURL = ""
	err := New(cfg, nil, nil).Initialize(context.Background())
	require.ErrorIs(t, err, config.ErrMissingRPC)
}
