package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"poolwatch/internal/metrics"
	"poolwatch/internal/model"
)

// Config controls retention and the persistence schedule.
type Config struct {
	Path            string
	Retention       time.Duration
	FlushInterval   time.Duration
	CompactInterval time.Duration
}

// DefaultConfig keeps records for 48h, flushes every 5m and compacts daily.
func DefaultConfig() Config {
	return Config{
		Retention:       48 * time.Hour,
		FlushInterval:   5 * time.Minute,
		CompactInterval: 24 * time.Hour,
	}
}

// Tracker remembers which logs were already delivered. Records survive
// restarts through a JSON file of [key, firstSeenMillis] pairs, where key is
// either "txhash:logIndex" or a bare tx hash.
type Tracker struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	seen  map[string]time.Time
	dirty bool
}

// Key builds the tracker key of a log: the lower-cased tx hash and log index.
func Key(txHash string, logIndex uint64) string {
	return strings.ToLower(txHash) + ":" + strconv.FormatUint(logIndex, 10)
}

func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Tracker {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.CompactInterval <= 0 {
		cfg.CompactInterval = def.CompactInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger.Named("dedup"),
		metrics: m,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// IsProcessed reports whether key was marked and not yet compacted away.
func (t *Tracker) IsProcessed(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.containsLocked(strings.ToLower(key))
}

// containsLocked also matches a bare tx hash record, which covers every log
// of that transaction. Files written with hash-only records load that way.
func (t *Tracker) containsLocked(key string) bool {
	if _, ok := t.seen[key]; ok {
		return true
	}
	hash, _, found := strings.Cut(key, ":")
	if !found {
		return false
	}
	_, ok := t.seen[hash]
	return ok
}

// MarkProcessed records key with the current time if it is not present.
func (t *Tracker) MarkProcessed(key string) {
	t.MarkIfNew(key)
}

// MarkIfNew records key and returns true, or returns false if key was
// already present. Concurrent callers for the same key see exactly one true.
func (t *Tracker) MarkIfNew(key string) bool {
	key = strings.ToLower(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.containsLocked(key) {
		return false
	}
	t.seen[key] = t.now()
	t.dirty = true
	t.metrics.SetDedupSize(len(t.seen))
	return true
}

// Compact removes records older than maxAge and returns how many were removed.
func (t *Tracker) Compact(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	removed := 0
	for key, seenAt := range t.seen {
		if seenAt.Before(cutoff) {
			delete(t.seen, key)
			removed++
		}
	}
	if removed > 0 {
		t.dirty = true
	}
	t.metrics.SetDedupSize(len(t.seen))
	return removed
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Stats reports the tracker size and how old its records are.
func (t *Tracker) Stats() model.DedupStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	buckets := map[string]int{"<1h": 0, "1-6h": 0, "6-24h": 0, "24-48h": 0, ">48h": 0}
	now := t.now()
	for _, seenAt := range t.seen {
		age := now.Sub(seenAt)
		switch {
		case age < time.Hour:
			buckets["<1h"]++
		case age < 6*time.Hour:
			buckets["1-6h"]++
		case age < 24*time.Hour:
			buckets["6-24h"]++
		case age < 48*time.Hour:
			buckets["24-48h"]++
		default:
			buckets[">48h"]++
		}
	}
	return model.DedupStats{Size: len(t.seen), AgeBuckets: buckets}
}

// Load seeds the tracker from disk. A missing or malformed file leaves the
// tracker empty; the malformed file is replaced on the next save.
func (t *Tracker) Load() error {
	if t.cfg.Path == "" {
		return nil
	}

	data, err := os.ReadFile(t.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read dedup file: %w", err)
	}

	var pairs [][]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		t.logger.Warn("dedup file malformed, starting empty", zap.String("path", t.cfg.Path), zap.Error(err))
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pair := range pairs {
		if len(pair) != 2 {
			continue
		}
		var key string
		var millis int64
		if err := json.Unmarshal(pair[0], &key); err != nil || key == "" {
			continue
		}
		if err := json.Unmarshal(pair[1], &millis); err != nil {
			continue
		}
		t.seen[strings.ToLower(key)] = time.UnixMilli(millis)
	}
	t.metrics.SetDedupSize(len(t.seen))

	t.logger.Info("dedup file loaded", zap.String("path", t.cfg.Path), zap.Int("records", len(t.seen)))
	return nil
}

// Save writes every record to disk.
func (t *Tracker) Save() error {
	if t.cfg.Path == "" {
		return nil
	}

	t.mu.Lock()
	pairs := make([][2]interface{}, 0, len(t.seen))
	for key, seenAt := range t.seen {
		pairs = append(pairs, [2]interface{}{key, seenAt.UnixMilli()})
	}
	t.dirty = false
	t.mu.Unlock()

	if err := writeJSONFile(t.cfg.Path, pairs); err != nil {
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
		return err
	}
	return nil
}

// SaveIfDirty writes the file only if records changed since the last save.
func (t *Tracker) SaveIfDirty() error {
	t.mu.Lock()
	dirty := t.dirty
	t.mu.Unlock()
	if !dirty {
		return nil
	}
	return t.Save()
}

// Run flushes and compacts on their timers until ctx is done, then saves once more.
func (t *Tracker) Run(ctx context.Context) {
	flush := time.NewTicker(t.cfg.FlushInterval)
	defer flush.Stop()
	compact := time.NewTicker(t.cfg.CompactInterval)
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := t.SaveIfDirty(); err != nil {
				t.logger.Warn("dedup final save failed", zap.Error(err))
			}
			return
		case <-flush.C:
			if err := t.SaveIfDirty(); err != nil {
				t.logger.Warn("dedup save failed", zap.Error(err))
			}
		case <-compact.C:
			removed := t.Compact(t.cfg.Retention)
			t.logger.Info("dedup compacted", zap.Int("removed", removed), zap.Int("remaining", t.Len()))
		}
	}
}

func writeJSONFile(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dedup dir: %w", err)
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal dedup records: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write dedup tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename dedup file: %w", err)
	}
	return nil
}
