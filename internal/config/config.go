// Package config defines the configuration shared by the ingest, processor
// and worker binaries and provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DEXIDX_* environment variables.
type Config struct {
	Redis        RedisConfig        `toml:"redis"`
	Streams      StreamsConfig      `toml:"streams"`
	Reader       ReaderConfig       `toml:"reader"`
	Batch        BatchConfig        `toml:"batch"`
	Materializer MaterializerConfig `toml:"materializer"`
	PoolCache    PoolCacheConfig    `toml:"pool_cache"`
	Postgres     PostgresConfig     `toml:"postgres"`
	ClickHouse   ClickHouseConfig   `toml:"clickhouse"`
	Chain        ChainConfig        `toml:"chain"`
	DeadLetter   DeadLetterConfig   `toml:"dead_letter"`
	S3           S3Config           `toml:"s3"`
	Server       ServerConfig       `toml:"server"`
	LogLevel     string             `toml:"log_level"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// StreamsConfig names the streams and consumer groups.
type StreamsConfig struct {
	Raw             string `toml:"raw"`
	Core            string `toml:"core"`
	Dead            string `toml:"dead"`
	NewPool         string `toml:"new_pool"`
	Swap            string `toml:"swap"`
	Liquidity       string `toml:"liquidity"`
	PriceTick       string `toml:"price_tick"`
	PublishLegacy   bool   `toml:"publish_legacy"`
	MaxLen          int64  `toml:"max_len"`
	ProcessorGroup  string `toml:"processor_group"`
	TimescaleGroup  string `toml:"timescale_group"`
	ClickHouseGroup string `toml:"clickhouse_group"`
	StatusKey       string `toml:"status_key"`
}

// LegacyStreams maps event kinds to their per-kind stream.
func (s StreamsConfig) LegacyStreams() map[string]string {
	return map[string]string{
		"new_pool":   s.NewPool,
		"swap":       s.Swap,
		"liquidity":  s.Liquidity,
		"price_tick": s.PriceTick,
	}
}

// ReaderConfig tunes consumer group readers.
type ReaderConfig struct {
	BatchSize      int      `toml:"batch_size"`
	Block          duration `toml:"block"`
	Burst          duration `toml:"burst"`
	ClaimIdle      duration `toml:"claim_idle"`
	ClaimCount     int      `toml:"claim_count"`
	ClaimEvery     int      `toml:"claim_every"`
	ErrBackoff     duration `toml:"err_backoff"`
	ConsumerPrefix string   `toml:"consumer_prefix"`
	// LegacyReaders starts one additional reader per legacy stream.
	LegacyReaders bool `toml:"legacy_readers"`
}

// BatchConfig tunes the write-behind queue.
type BatchConfig struct {
	MaxItems     int      `toml:"max_items"`
	MaxWait      duration `toml:"max_wait"`
	FlushTimeout duration `toml:"flush_timeout"`
}

// MaterializerConfig tunes the event materializer.
type MaterializerConfig struct {
	// SyncFlush flushes the queue inside every handler call so acks follow
	// the write directly.
	SyncFlush      bool     `toml:"sync_flush"`
	ResolveRetries int      `toml:"resolve_retries"`
	ResolveDelay   duration `toml:"resolve_delay"`
	SinkMaxElapsed duration `toml:"sink_max_elapsed"`
	SinkBackoff    duration `toml:"sink_backoff"`
	// ConflictWarnRatio is the ledger conflict share of a flush above which a
	// sampled warning is logged.
	ConflictWarnRatio float64  `toml:"conflict_warn_ratio"`
	WarnEvery         duration `toml:"warn_every"`
	SingleRowInserts  bool     `toml:"single_row_inserts"`
	VerifyReads       bool     `toml:"verify_reads"`
	LogPayloads       bool     `toml:"log_payloads"`
}

// PoolCacheConfig tunes the pool directory cache.
type PoolCacheConfig struct {
	MaxEntries   int      `toml:"max_entries"`
	SoftTTL      duration `toml:"soft_ttl"`
	NegativeTTL  duration `toml:"negative_ttl"`
	PreloadLimit int      `toml:"preload_limit"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ClickHouseConfig holds ClickHouse connection parameters.
type ClickHouseConfig struct {
	DSN           string `toml:"dsn"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ChainConfig holds chain RPC endpoints and DEX contract addresses.
type ChainConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	WSURL          string   `toml:"ws_url"`
	FactoryAddr    string   `toml:"factory_addr"`
	RouterAddr     string   `toml:"router_addr"`
	PollInterval   duration `toml:"poll_interval"`
	PollWindow     int64    `toml:"poll_window"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	RequestTimeout duration `toml:"request_timeout"`
	StartHeight    int64    `toml:"start_height"`
}

// DeadLetterConfig selects where poison records are archived.
type DeadLetterConfig struct {
	// Sink is one of "redis", "s3" or "none".
	Sink   string `toml:"sink"`
	Prefix string `toml:"prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds the ops HTTP listener.
type ServerConfig struct {
	MetricsAddr string `toml:"metrics_addr"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) duration { return duration{Duration: d} }

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Streams: StreamsConfig{
			Raw:             "chain:raw_blocks",
			Core:            "events:core",
			Dead:            "events:dead",
			NewPool:         "events:new_pool",
			Swap:            "events:swap",
			Liquidity:       "events:liquidity",
			PriceTick:       "events:price_tick",
			MaxLen:          1_000_000,
			ProcessorGroup:  "processor",
			TimescaleGroup:  "timescale",
			ClickHouseGroup: "clickhouse",
			StatusKey:       "ctrl:ingest:wss_status",
		},
		Reader: ReaderConfig{
			BatchSize:      512,
			Block:          dur(1500 * time.Millisecond),
			Burst:          dur(120 * time.Millisecond),
			ClaimIdle:      dur(60 * time.Second),
			ClaimCount:     200,
			ClaimEvery:     25,
			ErrBackoff:     dur(200 * time.Millisecond),
			ConsumerPrefix: "worker",
		},
		Batch: BatchConfig{
			MaxItems:     500,
			MaxWait:      dur(500 * time.Millisecond),
			FlushTimeout: dur(30 * time.Second),
		},
		Materializer: MaterializerConfig{
			ResolveRetries:    5,
			ResolveDelay:      dur(200 * time.Millisecond),
			SinkMaxElapsed:    dur(30 * time.Second),
			SinkBackoff:       dur(250 * time.Millisecond),
			ConflictWarnRatio: 0.5,
			WarnEvery:         dur(30 * time.Second),
		},
		PoolCache: PoolCacheConfig{
			MaxEntries:   2000,
			SoftTTL:      dur(10 * time.Minute),
			NegativeTTL:  dur(60 * time.Second),
			PreloadLimit: 2000,
		},
		Postgres: PostgresConfig{
			PoolMaxConns:  10,
			RunMigrations: true,
		},
		ClickHouse: ClickHouseConfig{
			RunMigrations: true,
		},
		Chain: ChainConfig{
			PollInterval:   dur(1200 * time.Millisecond),
			PollWindow:     5,
			ReconnectDelay: dur(3 * time.Second),
			RequestTimeout: dur(15 * time.Second),
		},
		DeadLetter: DeadLetterConfig{
			Sink:   "redis",
			Prefix: "dead-letter",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Server: ServerConfig{
			MetricsAddr: ":9090",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDeadLetterSinks = map[string]bool{
	"redis": true,
	"s3":    true,
	"none":  true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Streams.Core == "" || c.Streams.Raw == "" {
		errs = append(errs, "streams: core and raw must not be empty")
	}
	if c.Streams.MaxLen < 0 {
		errs = append(errs, "streams: max_len must be >= 0")
	}

	if c.Reader.BatchSize < 1 {
		errs = append(errs, "reader: batch_size must be >= 1")
	}
	if c.Reader.ClaimIdle.Duration <= 0 {
		errs = append(errs, "reader: claim_idle must be positive")
	}
	if c.Reader.ClaimEvery < 1 {
		errs = append(errs, "reader: claim_every must be >= 1")
	}

	if c.Batch.MaxItems < 1 {
		errs = append(errs, "batch: max_items must be >= 1")
	}
	if c.Batch.MaxWait.Duration <= 0 {
		errs = append(errs, "batch: max_wait must be positive")
	}

	if c.Materializer.ResolveRetries < 0 {
		errs = append(errs, "materializer: resolve_retries must be >= 0")
	}
	if c.Materializer.ConflictWarnRatio < 0 || c.Materializer.ConflictWarnRatio > 1 {
		errs = append(errs, fmt.Sprintf("materializer: conflict_warn_ratio must be within [0, 1], got %g", c.Materializer.ConflictWarnRatio))
	}

	if c.PoolCache.MaxEntries < 1 {
		errs = append(errs, "pool_cache: max_entries must be >= 1")
	}
	if c.PoolCache.NegativeTTL.Duration < 0 || c.PoolCache.SoftTTL.Duration < 0 {
		errs = append(errs, "pool_cache: ttls must not be negative")
	}

	if !validDeadLetterSinks[c.DeadLetter.Sink] {
		errs = append(errs, fmt.Sprintf("dead_letter: unknown sink %q (valid: redis, s3, none)", c.DeadLetter.Sink))
	}
	if c.DeadLetter.Sink == "s3" && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket is required when dead_letter.sink is s3")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequirePostgres reports an error when no Postgres DSN is configured.
func (c *Config) RequirePostgres() error {
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		return errors.New("postgres: dsn must not be empty")
	}
	return nil
}

// RequireClickHouse reports an error when no ClickHouse DSN is configured.
func (c *Config) RequireClickHouse() error {
	if strings.TrimSpace(c.ClickHouse.DSN) == "" {
		return errors.New("clickhouse: dsn must not be empty")
	}
	return nil
}

// RequireChain reports an error when the chain endpoints are missing.
func (c *Config) RequireChain() error {
	if c.Chain.RPCURL == "" {
		return errors.New("chain: rpc_url must not be empty")
	}
	return nil
}
