package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrMissingRPC is the only fatal configuration error at startup.
var ErrMissingRPC = errors.New("rpc endpoint is required")

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL         string
	Contracts      []string
	HelperContract string

	PollInterval     time.Duration
	RangeWidth       uint64
	MaxRangeFailures int

	RequestDelay      time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64

	LookbackHours float64
	BackfillChunk uint64
	AvgBlockTime  time.Duration

	DedupFile            string
	DedupRetention       time.Duration
	DedupFlushInterval   time.Duration
	DedupCompactInterval time.Duration

	CacheFile          string
	CacheFlushDebounce time.Duration
	TxCacheTTL         time.Duration
	BlockCacheTTL      time.Duration
	LogsCacheTTL       time.Duration

	StaleCheckInterval time.Duration
	StaleThreshold     time.Duration
	ProbeInterval      time.Duration
	SettleDelay        time.Duration

	Enrich            bool
	BlockTimestamps   bool
	Checkpoint        string
	CheckpointEnabled bool

	Out          string
	DecodeErrors string
	PostgresDSN  string
	MetricsAddr  string
	LogLevel     string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOLWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:         v.GetString("rpc"),
		Contracts:      getStringSlice(v, "contract"),
		HelperContract: strings.TrimSpace(v.GetString("helper-contract")),

		PollInterval:     v.GetDuration("poll-interval"),
		RangeWidth:       v.GetUint64("range-width"),
		MaxRangeFailures: v.GetInt("max-range-failures"),

		RequestDelay:      v.GetDuration("request-delay"),
		MaxRetries:        v.GetInt("max-retries"),
		BackoffBase:       v.GetDuration("backoff-base"),
		BackoffMultiplier: v.GetFloat64("backoff-multiplier"),

		LookbackHours: v.GetFloat64("lookback-hours"),
		BackfillChunk: v.GetUint64("backfill-chunk"),
		AvgBlockTime:  v.GetDuration("avg-block-time"),

		DedupFile:            v.GetString("dedup-file"),
		DedupRetention:       v.GetDuration("dedup-retention"),
		DedupFlushInterval:   v.GetDuration("dedup-flush-interval"),
		DedupCompactInterval: v.GetDuration("dedup-compact-interval"),

		CacheFile:          v.GetString("cache-file"),
		CacheFlushDebounce: v.GetDuration("cache-flush-debounce"),
		TxCacheTTL:         v.GetDuration("tx-cache-ttl"),
		BlockCacheTTL:      v.GetDuration("block-cache-ttl"),
		LogsCacheTTL:       v.GetDuration("logs-cache-ttl"),

		StaleCheckInterval: v.GetDuration("stale-check-interval"),
		StaleThreshold:     v.GetDuration("stale-threshold"),
		ProbeInterval:      v.GetDuration("probe-interval"),
		SettleDelay:        v.GetDuration("settle-delay"),

		Enrich:            v.GetBool("enrich"),
		BlockTimestamps:   v.GetBool("block-timestamps"),
		Checkpoint:        v.GetString("checkpoint"),
		CheckpointEnabled: v.GetBool("checkpoint-enabled"),

		Out:          v.GetString("out"),
		DecodeErrors: v.GetString("decode-errors"),
		PostgresDSN:  v.GetString("pg-dsn"),
		MetricsAddr:  v.GetString("metrics-addr"),
		LogLevel:     v.GetString("log-level"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll-interval", 20*time.Second)
	v.SetDefault("range-width", uint64(5))
	v.SetDefault("max-range-failures", 3)
	v.SetDefault("request-delay", 200*time.Millisecond)
	v.SetDefault("max-retries", 3)
	v.SetDefault("backoff-base", 2*time.Second)
	v.SetDefault("backoff-multiplier", 2.0)
	v.SetDefault("lookback-hours", 24.0)
	v.SetDefault("backfill-chunk", uint64(1000))
	v.SetDefault("avg-block-time", 2*time.Second)
	v.SetDefault("dedup-file", "./data/processed.json")
	v.SetDefault("dedup-retention", 48*time.Hour)
	v.SetDefault("dedup-flush-interval", 5*time.Minute)
	v.SetDefault("dedup-compact-interval", 24*time.Hour)
	v.SetDefault("cache-file", "./data/cache.json")
	v.SetDefault("cache-flush-debounce", 5*time.Second)
	v.SetDefault("tx-cache-ttl", time.Hour)
	v.SetDefault("block-cache-ttl", time.Hour)
	v.SetDefault("logs-cache-ttl", 5*time.Minute)
	v.SetDefault("stale-check-interval", 2*time.Minute)
	v.SetDefault("stale-threshold", 5*time.Minute)
	v.SetDefault("probe-interval", 5*time.Minute)
	v.SetDefault("settle-delay", 5*time.Second)
	v.SetDefault("enrich", true)
	v.SetDefault("block-timestamps", false)
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-enabled", false)
	v.SetDefault("out", "./data/events.jsonl")
	v.SetDefault("log-level", "info")
}

// Validate enforces the RPC requirement and sane tunables.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return ErrMissingRPC
	}
	if c.HelperContract != "" && !common.IsHexAddress(c.HelperContract) {
		return fmt.Errorf("invalid helper-contract: %s", c.HelperContract)
	}
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("poll-interval must be positive")
	case c.RangeWidth == 0:
		return fmt.Errorf("range-width must be greater than zero")
	case c.RequestDelay < 0:
		return fmt.Errorf("request-delay must not be negative")
	case c.MaxRetries < 1:
		return fmt.Errorf("max-retries must be at least 1")
	case c.BackoffBase < 0:
		return fmt.Errorf("backoff-base must not be negative")
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("backoff-multiplier must be >= 1")
	case c.BackfillChunk == 0:
		return fmt.Errorf("backfill-chunk must be greater than zero")
	case c.AvgBlockTime <= 0:
		return fmt.Errorf("avg-block-time must be positive")
	case c.DedupRetention <= 0:
		return fmt.Errorf("dedup-retention must be positive")
	}
	return nil
}

// HelperAddress returns the configured helper contract or the zero address.
func (c Config) HelperAddress() common.Address {
	if c.HelperContract == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.HelperContract)
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	return cleanStrings(strings.Split(input, ","))
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
