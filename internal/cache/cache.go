package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"poolwatch/internal/metrics"
	"poolwatch/internal/model"
)

// Tier selects one of the independently configured stores.
type Tier string

const (
	TierTx    Tier = "tx"
	TierBlock Tier = "block"
	TierState Tier = "state"
	TierLogs  Tier = "logs"
)

// Tiers lists every tier in a stable order.
var Tiers = []Tier{TierTx, TierBlock, TierState, TierLogs}

// Config holds per-tier defaults and persistence settings.
type Config struct {
	TxTTL         time.Duration
	BlockTTL      time.Duration
	StateTTL      time.Duration
	LogsTTL       time.Duration
	MaxEntries    int
	Path          string
	FlushDebounce time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the default tier policies.
func DefaultConfig() Config {
	return Config{
		TxTTL:         time.Hour,
		BlockTTL:      time.Hour,
		StateTTL:      0,
		LogsTTL:       5 * time.Minute,
		MaxEntries:    10000,
		FlushDebounce: 5 * time.Second,
		SweepInterval: time.Minute,
	}
}

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
	element   *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type store struct {
	tier       Tier
	defaultTTL time.Duration
	items      map[string]*entry
	lru        *list.List
	hits       int64
	misses     int64
}

// Cache is a four-tier key/value cache. Permanent entries of the state tier
// are persisted to Config.Path after a debounce window.
type Cache struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	tiers  map[Tier]*store
	dirty  bool
	timer  *time.Timer
	closed bool

	flushMu sync.Mutex
}

// New builds an empty cache. Call Load to restore persisted state entries.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.FlushDebounce <= 0 {
		cfg.FlushDebounce = DefaultConfig().FlushDebounce
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache{
		cfg:     cfg,
		logger:  logger.Named("cache"),
		metrics: m,
		now:     time.Now,
		tiers:   make(map[Tier]*store, len(Tiers)),
	}
	ttls := map[Tier]time.Duration{
		TierTx:    cfg.TxTTL,
		TierBlock: cfg.BlockTTL,
		TierState: cfg.StateTTL,
		TierLogs:  cfg.LogsTTL,
	}
	for _, t := range Tiers {
		c.tiers[t] = &store{
			tier:       t,
			defaultTTL: ttls[t],
			items:      make(map[string]*entry),
			lru:        list.New(),
		}
	}
	return c
}

// Get returns the value stored under key, or false on a miss or expiry.
func (c *Cache) Get(tier Tier, key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.tiers[tier]
	if !ok {
		return nil, false
	}

	e, ok := s.items[key]
	if !ok || e.expired(c.now()) {
		if ok {
			c.remove(s, e)
		}
		s.misses++
		c.metrics.ObserveCache(string(tier), false)
		return nil, false
	}

	s.lru.MoveToFront(e.element)
	s.hits++
	c.metrics.ObserveCache(string(tier), true)
	return e.value, true
}

// Set stores value with an explicit ttl. A zero ttl never expires; on the
// state tier such entries are persisted.
func (c *Cache) Set(tier Tier, key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.tiers[tier]
	if !ok {
		return
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if e, exists := s.items[key]; exists {
		e.value = value
		e.expiresAt = expiresAt
		s.lru.MoveToFront(e.element)
	} else {
		for s.lru.Len() >= c.cfg.MaxEntries {
			oldest := s.lru.Back()
			if oldest == nil {
				break
			}
			c.remove(s, oldest.Value.(*entry))
		}
		e := &entry{key: key, value: value, expiresAt: expiresAt}
		e.element = s.lru.PushFront(e)
		s.items[key] = e
	}

	if tier == TierState && ttl == 0 {
		c.markDirty()
	}
}

// SetDefault stores value with the tier's default ttl.
func (c *Cache) SetDefault(tier Tier, key string, value interface{}) {
	c.mu.Lock()
	s, ok := c.tiers[tier]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.Set(tier, key, value, s.defaultTTL)
}

// Invalidate flushes a single tier.
func (c *Cache) Invalidate(tier Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.tiers[tier]
	if !ok {
		return
	}
	s.items = make(map[string]*entry)
	s.lru.Init()
	if tier == TierState {
		c.markDirty()
	}
}

// InvalidateAll flushes every tier.
func (c *Cache) InvalidateAll() {
	for _, t := range Tiers {
		c.Invalidate(t)
	}
}

// Sweep drops expired entries from every tier and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, s := range c.tiers {
		for _, e := range s.items {
			if e.expired(now) {
				c.remove(s, e)
				removed++
			}
		}
	}
	return removed
}

// Run sweeps expired entries until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired entries", zap.Int("count", n))
			}
		}
	}
}

// Stats returns hit/miss counters and sizes per tier.
func (c *Cache) Stats() map[string]model.TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]model.TierStats, len(c.tiers))
	for t, s := range c.tiers {
		out[string(t)] = model.TierStats{Hits: s.hits, Misses: s.misses, Size: len(s.items)}
	}
	return out
}

// remove must be called with c.mu held.
func (c *Cache) remove(s *store, e *entry) {
	s.lru.Remove(e.element)
	delete(s.items, e.key)
	if s.tier == TierState && e.expiresAt.IsZero() {
		c.markDirty()
	}
}
