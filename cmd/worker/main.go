// Command worker materializes the ordered event stream into one sink:
// Postgres (ledger, OHLCV rollups, prices) or ClickHouse.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"dex-indexer/internal/config"
	"dex-indexer/internal/deadletter"
	"dex-indexer/internal/domain"
	"dex-indexer/internal/materializer"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/poolcache"
	"dex-indexer/internal/storage"
	chstore "dex-indexer/internal/storage/clickhouse"
	"dex-indexer/internal/storage/migrations"
	pgstore "dex-indexer/internal/storage/postgres"
	"dex-indexer/internal/stream"
)

const drainTimeout = 20 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	sinkName := flag.String("sink", "postgres", "Sink to materialize into: postgres or clickhouse")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, "worker-"+*sinkName)
	if err := validate(cfg, *sinkName); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, draining", "signal", sig.String())
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing immediate shutdown", "signal", sig.String())
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	w, err := setup(ctx, cfg, logger, *sinkName)
	if err != nil {
		close(done)
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	err = w.run(ctx)
	w.close()
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func validate(cfg *config.Config, sink string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	// The pool directory always lives in Postgres.
	if err := cfg.RequirePostgres(); err != nil {
		return err
	}
	switch sink {
	case "postgres":
		return nil
	case "clickhouse":
		return cfg.RequireClickHouse()
	default:
		return fmt.Errorf("unknown sink %q (valid: postgres, clickhouse)", sink)
	}
}

// worker holds the wired components of one worker process.
type worker struct {
	cfg     *config.Config
	logger  *slog.Logger
	broker  *stream.RedisBroker
	mat     *materializer.Materializer
	sources []materializer.Source
	group   string
	sink    string
	metrics *observability.Metrics

	closers []func()
}

func (w *worker) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger, sinkName string) (w *worker, err error) {
	w = &worker{cfg: cfg, logger: logger, sink: sinkName, metrics: observability.NewMetrics("")}
	defer func() {
		if err != nil {
			w.close()
		}
	}()

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.PoolMaxConns)
	if err != nil {
		return w, err
	}
	w.closers = append(w.closers, pool.Close)
	if cfg.Postgres.RunMigrations {
		if err := migrations.RunPostgresMigrations(ctx, pool, logger); err != nil {
			return w, fmt.Errorf("postgres migrations: %w", err)
		}
	}

	rdb, err := stream.NewRedisClient(ctx, stream.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return w, err
	}
	w.closers = append(w.closers, func() { _ = rdb.Close() })
	w.broker = stream.NewRedisBroker(rdb)

	health := []observability.HealthFunc{
		func(ctx context.Context) error { return pool.Ping(ctx) },
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}

	var sink storage.Sink
	switch sinkName {
	case "postgres":
		w.group = cfg.Streams.TimescaleGroup
		sink = pgstore.NewSink(pool, pgstore.SinkOptions{
			SingleRowInserts: cfg.Materializer.SingleRowInserts,
			VerifyReads:      cfg.Materializer.VerifyReads,
			Logger:           logger,
			Metrics:          w.metrics,
		})
	case "clickhouse":
		w.group = cfg.Streams.ClickHouseGroup
		conn, err := openClickHouse(ctx, cfg, logger)
		if err != nil {
			return w, err
		}
		w.closers = append(w.closers, func() { _ = conn.Close() })
		health = append(health, conn.Health)
		sink = chstore.NewSink(conn, logger, w.metrics)
	}

	dead, err := deadLetterSink(ctx, cfg, rdb, w.metrics)
	if err != nil {
		return w, err
	}

	pools := pgstore.NewPoolStore(pool)
	cache := poolcache.New(poolcache.Options{
		Loader:      pools,
		MaxEntries:  cfg.PoolCache.MaxEntries,
		SoftTTL:     cfg.PoolCache.SoftTTL.Duration,
		NegativeTTL: cfg.PoolCache.NegativeTTL.Duration,
		Logger:      logger,
		Metrics:     w.metrics,
	})
	w.closers = append(w.closers, cache.Wait)
	n, err := cache.Preload(ctx, pools, cfg.PoolCache.PreloadLimit)
	if err != nil {
		return w, err
	}
	logger.Info("pool cache preloaded", "pools", n)

	w.mat, err = materializer.New(materializer.Options{
		Pools:             pools,
		Cache:             cache,
		Sink:              sink,
		DeadLetter:        dead,
		Broker:            w.broker,
		MaxItems:          cfg.Batch.MaxItems,
		MaxWait:           cfg.Batch.MaxWait.Duration,
		FlushTimeout:      cfg.Batch.FlushTimeout.Duration,
		SyncFlush:         cfg.Materializer.SyncFlush,
		ResolveRetries:    cfg.Materializer.ResolveRetries,
		ResolveDelay:      cfg.Materializer.ResolveDelay.Duration,
		SinkBackoff:       cfg.Materializer.SinkBackoff.Duration,
		SinkMaxElapsed:    cfg.Materializer.SinkMaxElapsed.Duration,
		ConflictWarnRatio: cfg.Materializer.ConflictWarnRatio,
		WarnEvery:         cfg.Materializer.WarnEvery.Duration,
		LogPayloads:       cfg.Materializer.LogPayloads,
		Logger:            logger,
		Metrics:           w.metrics,
	})
	if err != nil {
		return w, err
	}

	w.sources = readerSources(cfg, w.group)

	observability.ServeOps(ctx, cfg.Server.MetricsAddr, func(ctx context.Context) error {
		for _, check := range health {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}, logger)
	return w, nil
}

func openClickHouse(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chstore.Conn, error) {
	var (
		conn *chstore.Conn
		err  error
	)
	if cfg.ClickHouse.RunMigrations {
		conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN, logger)
	} else {
		conn, err = chstore.NewConn(ctx, cfg.ClickHouse.DSN)
	}
	if err != nil {
		return nil, err
	}
	if err := conn.Health(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse health: %w", err)
	}
	return conn, nil
}

func deadLetterSink(ctx context.Context, cfg *config.Config, rdb *redis.Client, metrics *observability.Metrics) (deadletter.Sink, error) {
	switch cfg.DeadLetter.Sink {
	case "redis":
		pub := stream.NewPublisher(stream.NewRedisBroker(rdb), cfg.Streams.MaxLen, metrics)
		return deadletter.NewStreamSink(pub, cfg.Streams.Dead), nil
	case "s3":
		return deadletter.NewS3Sink(ctx, deadletter.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.DeadLetter.Prefix,
		})
	default:
		return deadletter.Nop{}, nil
	}
}

// readerSources lists the streams to consume. The core stream is always
// read; legacy streams only when enabled.
func readerSources(cfg *config.Config, group string) []materializer.Source {
	sources := []materializer.Source{{Stream: cfg.Streams.Core, Group: group}}
	if !cfg.Reader.LegacyReaders {
		return sources
	}
	for _, l := range []struct {
		kind   domain.EventKind
		stream string
	}{
		{domain.KindNewPool, cfg.Streams.NewPool},
		{domain.KindLiquidity, cfg.Streams.Liquidity},
		{domain.KindSwap, cfg.Streams.Swap},
		{domain.KindPrice, cfg.Streams.PriceTick},
	} {
		if l.stream != "" {
			sources = append(sources, materializer.Source{Stream: l.stream, Group: group, Kind: l.kind})
		}
	}
	return sources
}

// run consumes all sources until ctx is cancelled, then drains the write
// queue so acknowledged work is never lost.
func (w *worker) run(ctx context.Context) error {
	prefix := w.cfg.Reader.ConsumerPrefix
	if prefix == "" {
		prefix = "worker"
	}
	consumer := fmt.Sprintf("%s-%s-%s", prefix, w.sink, uuid.NewString()[:8])

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range w.sources {
		reader := stream.NewReader(stream.ReaderOptions{
			Broker:     w.broker,
			Stream:     src.Stream,
			Group:      src.Group,
			Consumer:   consumer,
			BatchSize:  int64(w.cfg.Reader.BatchSize),
			Block:      w.cfg.Reader.Block.Duration,
			Burst:      w.cfg.Reader.Burst.Duration,
			ClaimIdle:  w.cfg.Reader.ClaimIdle.Duration,
			ClaimCount: int64(w.cfg.Reader.ClaimCount),
			ClaimEvery: w.cfg.Reader.ClaimEvery,
			ErrBackoff: w.cfg.Reader.ErrBackoff.Duration,
			Logger:     w.logger,
			Metrics:    w.metrics,
		})
		handler := w.mat.Handler(src)
		g.Go(func() error { return reader.Run(gctx, handler) })
	}
	w.logger.Info("worker started", "sink", w.sink, "group", w.group, "consumer", consumer, "readers", len(w.sources))

	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if derr := w.mat.Drain(drainCtx); derr != nil {
		w.logger.Error("drain failed; unflushed records stay pending", "error", derr)
	} else {
		w.logger.Info("write queue drained")
	}
	return err
}
