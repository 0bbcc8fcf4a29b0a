package executor

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"poolwatch/internal/metrics"
)

// Config controls call spacing and throttle retries.
type Config struct {
	RequestDelay      time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
}

// DefaultConfig targets a 5 req/s provider ceiling.
func DefaultConfig() Config {
	return Config{
		RequestDelay:      200 * time.Millisecond,
		MaxRetries:        3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Executor serializes outbound chain calls, starts each one at least
// RequestDelay after the previous one returned and retries throttled calls
// with exponential backoff. A single instance must be shared by every caller
// that talks to the same provider.
type Executor struct {
	cfg     Config
	limiter *rate.Limiter
	mu      sync.Mutex
	logger  *zap.Logger
	metrics *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Executor. Zero or negative tunables fall back to defaults,
// except RequestDelay where zero disables spacing.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Executor {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}

	return &Executor{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("executor"),
		metrics: m,
		sleep:   sleepContext,
	}
}

// Do runs fn under the rate limit. Throttling errors are retried up to
// MaxRetries total attempts; any other error is returned immediately.
func (e *Executor) Do(ctx context.Context, method string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := e.Backoff(attempt - 1)
			e.metrics.ObserveRetry(method)
			e.logger.Warn("rpc throttled, backing off",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if serr := e.sleep(ctx, delay); serr != nil {
				return serr
			}
		}

		err = e.dispatch(ctx, fn)
		if err == nil {
			e.metrics.ObserveRPC(method, "ok")
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !IsThrottle(err) {
			e.metrics.ObserveRPC(method, "error")
			return err
		}
		e.metrics.ObserveRPC(method, "throttled")
	}

	e.logger.Error("rpc retries exhausted", zap.String("method", method), zap.Int("attempts", e.cfg.MaxRetries), zap.Error(err))
	return err
}

// Backoff returns the delay before retry number k (k >= 1).
func (e *Executor) Backoff(k int) time.Duration {
	if k < 1 {
		return 0
	}
	factor := math.Pow(e.cfg.BackoffMultiplier, float64(k-1))
	return time.Duration(float64(e.cfg.BackoffBase) * factor)
}

func (e *Executor) dispatch(ctx context.Context, fn func(context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	e.restartSpacing(time.Now())
	return err
}

// restartSpacing takes the only token at end, so the next dispatch waits a
// full RequestDelay from the moment this call returned.
func (e *Executor) restartSpacing(end time.Time) {
	if e.cfg.RequestDelay <= 0 {
		return
	}
	e.limiter = rate.NewLimiter(rate.Every(e.cfg.RequestDelay), 1)
	e.limiter.AllowN(end, 1)
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, e *Executor, method string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, method, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// IsThrottle reports whether err means the provider rejected the request rate.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var httpErrPtr *rpc.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32005 {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
