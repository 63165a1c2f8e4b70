// Command ingest publishes raw chain blocks to the raw block stream, live
// from the node or over a fixed height range.
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

	"dex-indexer/internal/chain"
	"dex-indexer/internal/config"
	"dex-indexer/internal/ingestion"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/storage/migrations"
	pgstore "dex-indexer/internal/storage/postgres"
	"dex-indexer/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	mode := flag.String("mode", "live", "Ingestion mode: live or backfill")
	from := flag.Int64("from", 0, "First height for backfill (0 resumes after the cursor)")
	to := flag.Int64("to", 0, "Last height for backfill (0 runs to the tip)")
	sleep := flag.Duration("sleep", 0, "Pause between blocks in backfill mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, "ingest")

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	for _, check := range []func() error{cfg.RequireChain, cfg.RequirePostgres} {
		if err := check(); err != nil {
			logger.Error("invalid config", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
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

	err = run(ctx, cfg, logger, *mode, *from, *to, *sleep)
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ingest failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, mode string, from, to int64, sleep time.Duration) error {
	if mode != "live" && mode != "backfill" {
		return fmt.Errorf("unknown mode %q (valid: live, backfill)", mode)
	}
	metrics := observability.NewMetrics("")

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.PoolMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	if cfg.Postgres.RunMigrations {
		if err := migrations.RunPostgresMigrations(ctx, pool, logger); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
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
		return err
	}
	defer rdb.Close()

	broker := stream.NewRedisBroker(rdb)
	publisher := stream.NewPublisher(broker, cfg.Streams.MaxLen, metrics)
	cursors := pgstore.NewCursorStore(pool)
	rpc := chain.NewHTTPClient(cfg.Chain.RPCURL,
		chain.WithTimeout(cfg.Chain.RequestTimeout.Duration),
		chain.WithMetrics(metrics),
	)

	if mode == "backfill" {
		backfiller, err := ingestion.NewBackfiller(ingestion.BackfillOptions{
			RPC:       rpc,
			Publisher: publisher,
			Stream:    cfg.Streams.Raw,
			Cursors:   cursors,
			Sleep:     sleep,
			Logger:    logger,
			Metrics:   metrics,
		})
		if err != nil {
			return err
		}
		res, err := backfiller.BackfillRange(ctx, from, to)
		if err != nil {
			return err
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("backfill: %d blocks failed, first at %d", len(res.Failed), res.Failed[0])
		}
		return nil
	}

	observability.ServeOps(ctx, cfg.Server.MetricsAddr, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}, logger)

	opts := ingestion.RunnerOptions{
		RPC:            rpc,
		Publisher:      publisher,
		Stream:         cfg.Streams.Raw,
		Cursors:        cursors,
		StartHeight:    cfg.Chain.StartHeight,
		Status:         broker,
		StatusKey:      cfg.Streams.StatusKey,
		Tail:           broker,
		PollInterval:   cfg.Chain.PollInterval.Duration,
		PollWindow:     cfg.Chain.PollWindow,
		ReconnectDelay: cfg.Chain.ReconnectDelay.Duration,
		Logger:         logger,
		Metrics:        metrics,
	}
	if cfg.Chain.WSURL != "" {
		opts.Dial = ingestion.WSDialer(cfg.Chain.WSURL, nil)
	}
	runner, err := ingestion.NewRunner(opts)
	if err != nil {
		return err
	}

	logger.Info("starting live ingestion", "rpc", cfg.Chain.RPCURL, "ws", cfg.Chain.WSURL, "stream", cfg.Streams.Raw)
	return runner.Run(ctx)
}
