package dedup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(cfg Config, now *time.Time) *Tracker {
	tr := New(cfg, nil, nil)
	tr.now = func() time.Time { return *now }
	return tr
}

func TestMarkIfNewOnce(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tr := newTestTracker(DefaultConfig(), &now)

	key := Key("0xABC", 2)
	assert.Equal(t, "0xabc:2", key)
	assert.False(t, tr.IsProcessed(key))
	assert.True(t, tr.MarkIfNew(key))
	assert.False(t, tr.MarkIfNew("0xAbC:2"))
	assert.True(t, tr.IsProcessed("0XABC:2"))
	assert.False(t, tr.IsProcessed(Key("0xabc", 3)))
}

func TestMarkIfNewConcurrent(t *testing.T) {
	tr := New(DefaultConfig(), nil, nil)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.MarkIfNew(Key("0xabc", 2)) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCompactionRetention(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	now := t0
	tr := newTestTracker(DefaultConfig(), &now)
	tr.MarkProcessed(Key("0xabc", 0))

	now = t0.Add(47 * time.Hour)
	assert.Equal(t, 0, tr.Compact(48*time.Hour))
	assert.True(t, tr.IsProcessed(Key("0xabc", 0)))

	now = t0.Add(49 * time.Hour)
	assert.Equal(t, 1, tr.Compact(48*time.Hour))
	assert.False(t, tr.IsProcessed(Key("0xabc", 0)))
}

func TestPersistRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "dedup.json")
	now := time.Unix(1700000000, 0)

	tr := newTestTracker(cfg, &now)
	tr.MarkProcessed(Key("0xAAA", 1))
	tr.MarkProcessed(Key("0xBBB", 4))
	require.NoError(t, tr.SaveIfDirty())

	data, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	var pairs [][]interface{}
	require.NoError(t, json.Unmarshal(data, &pairs))
	assert.Len(t, pairs, 2)

	reloaded := newTestTracker(cfg, &now)
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.IsProcessed("0xaaa:1"))
	assert.True(t, reloaded.IsProcessed("0xbbb:4"))
	assert.Equal(t, 2, reloaded.Stats().AgeBuckets["<1h"])
}

func TestLoadMissingAndMalformed(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()

	cfg.Path = filepath.Join(dir, "missing.json")
	tr := New(cfg, nil, nil)
	require.NoError(t, tr.Load())
	assert.Equal(t, 0, tr.Len())

	cfg.Path = filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(cfg.Path, []byte("[[\"0xa\","), 0o644))
	tr = New(cfg, nil, nil)
	require.NoError(t, tr.Load())
	assert.Equal(t, 0, tr.Len())

	require.NoError(t, tr.SaveIfDirty())
	data, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestLoadHashOnlyRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "processed.json")
	now := time.Unix(1700000000, 0)
	require.NoError(t, os.WriteFile(cfg.Path, []byte(`[["0xABC", 1699999000000], ["0xdef:3", 1699999000000]]`), 0o644))

	tr := newTestTracker(cfg, &now)
	require.NoError(t, tr.Load())
	assert.Equal(t, 2, tr.Len())

	assert.True(t, tr.IsProcessed(Key("0xabc", 0)))
	assert.True(t, tr.IsProcessed(Key("0xAbC", 7)))
	assert.False(t, tr.MarkIfNew(Key("0xabc", 2)))
	assert.True(t, tr.IsProcessed(Key("0xdef", 3)))
	assert.False(t, tr.IsProcessed(Key("0xdef", 4)))
	assert.True(t, tr.MarkIfNew(Key("0xdef", 4)))

	now = now.Add(49 * time.Hour)
	assert.Equal(t, 3, tr.Compact(48*time.Hour))
	assert.False(t, tr.IsProcessed(Key("0xabc", 0)))
}

func TestStatsAgeBuckets(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	now := t0
	tr := newTestTracker(DefaultConfig(), &now)

	tr.MarkProcessed("a:0")
	now = t0.Add(45 * time.Hour)
	tr.MarkProcessed("b:0")
	now = t0.Add(49*time.Hour + 30*time.Minute)
	tr.MarkProcessed("c:0")
	now = t0.Add(50 * time.Hour)

	stats := tr.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 1, stats.AgeBuckets["<1h"])
	assert.Equal(t, 1, stats.AgeBuckets["1-6h"])
	assert.Equal(t, 1, stats.AgeBuckets[">48h"])
}
