package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

type persistedEntry struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expiresAt"`
}

type persistedFile struct {
	Entries map[string]persistedEntry `json:"entries"`
}

// Load restores persisted state entries. A missing file is an empty cache; a
// malformed file is logged, ignored, and overwritten by the next flush.
func (c *Cache) Load() error {
	if c.cfg.Path == "" {
		return nil
	}

	data, err := os.ReadFile(c.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cache file: %w", err)
	}

	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		c.logger.Warn("cache file malformed, starting empty", zap.String("path", c.cfg.Path), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.tiers[TierState]
	now := c.now()
	loaded, skipped := 0, 0
	for key, pe := range file.Entries {
		var expiresAt time.Time
		if pe.ExpiresAt > 0 {
			expiresAt = time.UnixMilli(pe.ExpiresAt)
			if now.After(expiresAt) {
				skipped++
				continue
			}
		}
		if _, exists := s.items[key]; exists {
			continue
		}
		e := &entry{key: key, value: pe.Value, expiresAt: expiresAt}
		e.element = s.lru.PushBack(e)
		s.items[key] = e
		loaded++
	}

	c.logger.Info("cache file loaded", zap.String("path", c.cfg.Path), zap.Int("entries", loaded), zap.Int("expired", skipped))
	return nil
}

// Flush writes every permanent state entry to disk immediately.
func (c *Cache) Flush() error {
	if c.cfg.Path == "" {
		return nil
	}

	c.mu.Lock()
	file := persistedFile{Entries: make(map[string]persistedEntry)}
	for key, e := range c.tiers[TierState].items {
		if !e.expiresAt.IsZero() {
			continue
		}
		raw, err := toRaw(e.value)
		if err != nil {
			c.logger.Warn("skip unserializable cache entry", zap.String("key", key), zap.Error(err))
			continue
		}
		file.Entries[key] = persistedEntry{Value: raw}
	}
	c.dirty = false
	c.mu.Unlock()

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if err := writeJSONFile(c.cfg.Path, file); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return err
	}
	return nil
}

// Close cancels a pending debounced flush and writes outstanding changes.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	dirty := c.dirty
	c.mu.Unlock()

	if !dirty {
		return nil
	}
	return c.Flush()
}

// markDirty must be called with c.mu held.
func (c *Cache) markDirty() {
	c.dirty = true
	if c.cfg.Path == "" || c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Reset(c.cfg.FlushDebounce)
		return
	}
	c.timer = time.AfterFunc(c.cfg.FlushDebounce, c.debouncedFlush)
}

func (c *Cache) debouncedFlush() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || !c.dirty {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.Flush(); err != nil {
		c.logger.Warn("cache flush failed", zap.String("path", c.cfg.Path), zap.Error(err))
	}
}

func toRaw(value interface{}) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func writeJSONFile(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir: %w", err)
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
