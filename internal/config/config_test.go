package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	require.NoError(t, flags.Parse([]string{"--rpc", "wss://node.example"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "wss://node.example", cfg.RPCURL)
	assert.Equal(t, 20*time.Second, cfg.PollInterval)
	assert.Equal(t, uint64(5), cfg.RangeWidth)
	assert.Equal(t, 3, cfg.MaxRangeFailures)
	assert.Equal(t, 200*time.Millisecond, cfg.RequestDelay)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 48*time.Hour, cfg.DedupRetention)
	assert.True(t, cfg.Enrich)
}

func TestLoadEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poolwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc: https://rpc.example
contract:
  - 0x1111111111111111111111111111111111111111=WBNB/USDT
  - 0x2222222222222222222222222222222222222222
range-width: 10
`), 0o644))
	t.Setenv("POOLWATCH_POLL_INTERVAL", "30s")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example", cfg.RPCURL)
	assert.Len(t, cfg.Contracts, 2)
	assert.Equal(t, uint64(10), cfg.RangeWidth)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.True(t, errors.Is(cfg.Validate(), ErrMissingRPC))

	cfg.RPCURL = "https://rpc.example"
	cfg.RangeWidth = 0
	assert.Error(t, cfg.Validate())

	cfg.RangeWidth = 5
	cfg.HelperContract = "0xnope"
	assert.Error(t, cfg.Validate())
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
