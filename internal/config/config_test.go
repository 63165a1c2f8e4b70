package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 500, cfg.Batch.MaxItems)
	assert.Equal(t, 500*time.Millisecond, cfg.Batch.MaxWait.Duration)
	assert.Equal(t, 120*time.Millisecond, cfg.Reader.Burst.Duration)
	assert.Equal(t, 60*time.Second, cfg.Reader.ClaimIdle.Duration)
	assert.Equal(t, "events:core", cfg.Streams.Core)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
log_level = "debug"

[batch]
max_items = 100
max_wait = "250ms"

[pool_cache]
negative_ttl = "5s"

[postgres]
dsn = "postgres://file"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("DEXIDX_POSTGRES_DSN", "postgres://env")
	t.Setenv("DEXIDX_READER_CLAIM_EVERY", "7")
	t.Setenv("DEXIDX_MATERIALIZER_SYNC_FLUSH", "true")
	t.Setenv("DEXIDX_BATCH_MAX_WAIT", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 100, cfg.Batch.MaxItems)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.MaxWait.Duration, "unparsable env keeps file value")
	assert.Equal(t, 5*time.Second, cfg.PoolCache.NegativeTTL.Duration)
	assert.Equal(t, "postgres://env", cfg.Postgres.DSN)
	assert.Equal(t, 7, cfg.Reader.ClaimEvery)
	assert.True(t, cfg.Materializer.SyncFlush)
	// untouched sections keep defaults
	assert.Equal(t, 2000, cfg.PoolCache.MaxEntries)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Batch.MaxItems = 0
	cfg.DeadLetter.Sink = "s3"
	cfg.Materializer.ConflictWarnRatio = 2

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "log_level")
	assert.Contains(t, msg, "batch: max_items")
	assert.Contains(t, msg, "s3: bucket")
	assert.Contains(t, msg, "conflict_warn_ratio")
}

func TestRequire(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.RequirePostgres())
	assert.Error(t, cfg.RequireClickHouse())
	assert.Error(t, cfg.RequireChain())

	cfg.Postgres.DSN = "postgres://x"
	assert.NoError(t, cfg.RequirePostgres())
}

func TestDurationText(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
