package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu      sync.Mutex
	healthy bool
	calls   int
	block   chan struct{}
}

func (p *fakeProber) CheckConnection(ctx context.Context) bool {
	p.mu.Lock()
	p.calls++
	block := p.block
	healthy := p.healthy
	p.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false
		}
	}
	return healthy
}

func (p *fakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeTarget struct {
	suspends  atomic.Int32
	resumes   atomic.Int32
	resumeErr error
}

func (t *fakeTarget) Suspend() { t.suspends.Add(1) }

func (t *fakeTarget) Resume(context.Context) error {
	t.resumes.Add(1)
	return t.resumeErr
}

func newTestMonitor(prober Prober, target Target) *Monitor {
	mon := NewMonitor(Config{SettleDelay: time.Millisecond}, prober, target, nil, nil)
	mon.sleep = func(context.Context, time.Duration) error { return nil }
	return mon
}

func TestRecoverRunsProcedureInOrder(t *testing.T) {
	prober := &fakeProber{healthy: true}
	target := &fakeTarget{}
	mon := newTestMonitor(prober, target)

	assert.True(t, mon.Recover(context.Background()))
	assert.Equal(t, int32(1), target.suspends.Load())
	assert.Equal(t, int32(1), target.resumes.Load())
	assert.Equal(t, 2, prober.Calls(), "probe before resubscribe and after settle")
	assert.False(t, mon.Snapshot().IsRecovering)
	assert.False(t, mon.Snapshot().LastSuccessfulHealthCheckAt.IsZero())
}

func TestRecoverMutualExclusion(t *testing.T) {
	prober := &fakeProber{healthy: true, block: make(chan struct{})}
	target := &fakeTarget{}
	mon := newTestMonitor(prober, target)

	first := make(chan bool)
	go func() { first <- mon.Recover(context.Background()) }()

	require.Eventually(t, func() bool { return mon.Snapshot().IsRecovering }, time.Second, time.Millisecond)
	assert.False(t, mon.Recover(context.Background()), "overlapping trigger must be a no-op")

	close(prober.block)
	assert.True(t, <-first)
	assert.Equal(t, int32(1), target.suspends.Load())
	assert.Equal(t, int32(1), target.resumes.Load())

	assert.True(t, mon.Recover(context.Background()), "flag is released after completion")
}

func TestRecoverFailureIsNotFatal(t *testing.T) {
	prober := &fakeProber{healthy: false}
	target := &fakeTarget{}
	mon := newTestMonitor(prober, target)

	assert.True(t, mon.Recover(context.Background()))
	assert.Equal(t, int32(1), target.suspends.Load())
	assert.Zero(t, target.resumes.Load(), "no resubscribe while node is unreachable")
	assert.False(t, mon.Snapshot().IsRecovering)

	prober.mu.Lock()
	prober.healthy = true
	prober.mu.Unlock()
	target.resumeErr = errors.New("subscribe: not supported")
	assert.True(t, mon.Recover(context.Background()))
	assert.Equal(t, int32(1), target.resumes.Load())
}

func TestStalenessThreshold(t *testing.T) {
	now := time.Unix(1700000000, 0)
	mon := newTestMonitor(&fakeProber{healthy: true}, &fakeTarget{})
	mon.now = func() time.Time { return now }
	mon.MarkBlock()

	now = now.Add(5 * time.Minute)
	assert.False(t, mon.Stale())

	now = now.Add(time.Second)
	assert.True(t, mon.Stale())

	mon.MarkBlock()
	assert.False(t, mon.Stale())
}

func TestStaleCheckTriggersRecovery(t *testing.T) {
	now := time.Unix(1700000000, 0)
	target := &fakeTarget{}
	mon := newTestMonitor(&fakeProber{healthy: true}, target)
	mon.now = func() time.Time { return now }
	mon.MarkBlock()

	mon.checkStale(context.Background())
	assert.Zero(t, target.suspends.Load())

	now = now.Add(10 * time.Minute)
	mon.checkStale(context.Background())
	assert.Equal(t, int32(1), target.suspends.Load())
	assert.False(t, mon.Stale(), "recovery resets the staleness clock")
}

func TestMonitorStartStop(t *testing.T) {
	prober := &fakeProber{healthy: false}
	target := &fakeTarget{}
	mon := NewMonitor(Config{
		StaleCheckInterval: time.Hour,
		ProbeInterval:      5 * time.Millisecond,
	}, prober, target, nil, nil)

	mon.Start(context.Background())
	require.Eventually(t, func() bool { return target.suspends.Load() > 0 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		mon.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor stop timed out")
	}
	mon.Stop()
}
