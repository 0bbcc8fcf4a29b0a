package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(cfg Config) (*Executor, *[]time.Duration) {
	e := New(cfg, nil, nil)
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestBackoffBound(t *testing.T) {
	e, slept := newTestExecutor(Config{MaxRetries: 3, BackoffBase: 2 * time.Second, BackoffMultiplier: 2})

	attempts := 0
	err := e.Do(context.Background(), "eth_getLogs", func(context.Context) error {
		attempts++
		return rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *slept)
}

func TestThrottleThenSuccess(t *testing.T) {
	e, slept := newTestExecutor(Config{MaxRetries: 3, BackoffBase: time.Second, BackoffMultiplier: 3})

	attempts := 0
	got, err := Call(context.Background(), e, "eth_blockNumber", func(context.Context) (uint64, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("too many requests")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, *slept)
}

func TestNonThrottleErrorNotRetried(t *testing.T) {
	e, slept := newTestExecutor(DefaultConfig())
	e.limiter.SetLimit(1e6)

	attempts := 0
	boom := errors.New("connection reset by peer")
	err := e.Do(context.Background(), "eth_getLogs", func(context.Context) error {
		attempts++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *slept)
}

func TestRequestSpacing(t *testing.T) {
	const delay = 50 * time.Millisecond
	e := New(Config{RequestDelay: delay}, nil, nil)

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Do(context.Background(), "eth_blockNumber", func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.Len(t, starts, 6)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, delay-5*time.Millisecond, "calls %d and %d too close", i-1, i)
	}
}

func TestRequestSpacingFromCallEnd(t *testing.T) {
	const delay = 80 * time.Millisecond
	e := New(Config{RequestDelay: delay}, nil, nil)
	ctx := context.Background()

	for _, took := range []time.Duration{30 * time.Millisecond, 120 * time.Millisecond} {
		var firstEnd, nextStart time.Time
		require.NoError(t, e.Do(ctx, "eth_getLogs", func(context.Context) error {
			time.Sleep(took)
			firstEnd = time.Now()
			return nil
		}))
		require.NoError(t, e.Do(ctx, "eth_blockNumber", func(context.Context) error {
			nextStart = time.Now()
			return nil
		}))

		gap := nextStart.Sub(firstEnd)
		assert.GreaterOrEqual(t, gap, delay-5*time.Millisecond, "call took %s, next started %s after it returned", took, gap)
	}
}

func TestIsThrottle(t *testing.T) {
	assert.True(t, IsThrottle(rpc.HTTPError{StatusCode: 429}))
	assert.True(t, IsThrottle(errors.New("exceeded rate limit")))
	assert.False(t, IsThrottle(rpc.HTTPError{StatusCode: 500}))
	assert.False(t, IsThrottle(context.DeadlineExceeded))
	assert.False(t, IsThrottle(nil))
}

func TestCanceledContextStopsBackoff(t *testing.T) {
	e := New(Config{MaxRetries: 3, BackoffBase: time.Hour, BackoffMultiplier: 2}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := e.Do(ctx, "eth_getLogs", func(context.Context) error {
		attempts++
		cancel()
		return errors.New("429")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
