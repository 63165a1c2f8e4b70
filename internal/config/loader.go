package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DEXIDX_* environment variable overrides, and
// returns the final Config. An empty path skips the file. A missing file is an
// error. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DEXIDX_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DEXIDX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEXIDX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEXIDX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEXIDX_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "DEXIDX_REDIS_TLS_ENABLED")

	// ── Streams ──
	setStr(&cfg.Streams.Raw, "DEXIDX_STREAMS_RAW")
	setStr(&cfg.Streams.Core, "DEXIDX_STREAMS_CORE")
	setStr(&cfg.Streams.Dead, "DEXIDX_STREAMS_DEAD")
	setBool(&cfg.Streams.PublishLegacy, "DEXIDX_STREAMS_PUBLISH_LEGACY")
	setInt64(&cfg.Streams.MaxLen, "DEXIDX_STREAMS_MAX_LEN")

	// ── Reader ──
	setInt(&cfg.Reader.BatchSize, "DEXIDX_READER_BATCH_SIZE")
	setDuration(&cfg.Reader.Block, "DEXIDX_READER_BLOCK")
	setDuration(&cfg.Reader.ClaimIdle, "DEXIDX_READER_CLAIM_IDLE")
	setInt(&cfg.Reader.ClaimEvery, "DEXIDX_READER_CLAIM_EVERY")
	setStr(&cfg.Reader.ConsumerPrefix, "DEXIDX_READER_CONSUMER_PREFIX")
	setBool(&cfg.Reader.LegacyReaders, "DEXIDX_READER_LEGACY_READERS")

	// ── Batch ──
	setInt(&cfg.Batch.MaxItems, "DEXIDX_BATCH_MAX_ITEMS")
	setDuration(&cfg.Batch.MaxWait, "DEXIDX_BATCH_MAX_WAIT")

	// ── Materializer ──
	setBool(&cfg.Materializer.SyncFlush, "DEXIDX_MATERIALIZER_SYNC_FLUSH")
	setInt(&cfg.Materializer.ResolveRetries, "DEXIDX_MATERIALIZER_RESOLVE_RETRIES")
	setDuration(&cfg.Materializer.ResolveDelay, "DEXIDX_MATERIALIZER_RESOLVE_DELAY")
	setBool(&cfg.Materializer.SingleRowInserts, "DEXIDX_MATERIALIZER_SINGLE_ROW_INSERTS")
	setBool(&cfg.Materializer.VerifyReads, "DEXIDX_MATERIALIZER_VERIFY_READS")
	setBool(&cfg.Materializer.LogPayloads, "DEXIDX_MATERIALIZER_LOG_PAYLOADS")

	// ── Pool cache ──
	setInt(&cfg.PoolCache.MaxEntries, "DEXIDX_POOL_CACHE_MAX_ENTRIES")
	setDuration(&cfg.PoolCache.SoftTTL, "DEXIDX_POOL_CACHE_SOFT_TTL")
	setDuration(&cfg.PoolCache.NegativeTTL, "DEXIDX_POOL_CACHE_NEGATIVE_TTL")

	// ── Databases ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.DSN, "DEXIDX_POSTGRES_DSN")
	setInt(&cfg.Postgres.PoolMaxConns, "DEXIDX_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DEXIDX_POSTGRES_RUN_MIGRATIONS")
	setStr(&cfg.ClickHouse.DSN, "DEXIDX_CLICKHOUSE_DSN")
	setBool(&cfg.ClickHouse.RunMigrations, "DEXIDX_CLICKHOUSE_RUN_MIGRATIONS")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "DEXIDX_CHAIN_RPC_URL")
	setStr(&cfg.Chain.WSURL, "DEXIDX_CHAIN_WS_URL")
	setStr(&cfg.Chain.FactoryAddr, "DEXIDX_CHAIN_FACTORY_ADDR")
	setStr(&cfg.Chain.RouterAddr, "DEXIDX_CHAIN_ROUTER_ADDR")
	setDuration(&cfg.Chain.PollInterval, "DEXIDX_CHAIN_POLL_INTERVAL")
	setInt64(&cfg.Chain.StartHeight, "DEXIDX_CHAIN_START_HEIGHT")

	// ── Dead letter / S3 ──
	setStr(&cfg.DeadLetter.Sink, "DEXIDX_DEAD_LETTER_SINK")
	setStr(&cfg.S3.Endpoint, "DEXIDX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DEXIDX_S3_REGION")
	setStr(&cfg.S3.Bucket, "DEXIDX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DEXIDX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DEXIDX_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "DEXIDX_S3_FORCE_PATH_STYLE")

	// ── Top-level ──
	setStr(&cfg.Server.MetricsAddr, "DEXIDX_METRICS_ADDR")
	setStr(&cfg.LogLevel, "DEXIDX_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
