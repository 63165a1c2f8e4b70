// Command processor parses raw blocks into DEX events and publishes them to
// the ordered core stream.
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

	"dex-indexer/internal/config"
	"dex-indexer/internal/domain"
	"dex-indexer/internal/observability"
	"dex-indexer/internal/parser"
	"dex-indexer/internal/processor"
	"dex-indexer/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, "processor")
	if err := cfg.Validate(); err != nil {
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

	err = run(ctx, cfg, logger)
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("processor failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// legacyStreams maps event kinds to the per-kind streams of cfg.
func legacyStreams(cfg config.StreamsConfig) map[domain.EventKind]string {
	if !cfg.PublishLegacy {
		return nil
	}
	out := make(map[domain.EventKind]string)
	for kind, name := range map[domain.EventKind]string{
		domain.KindNewPool:   cfg.NewPool,
		domain.KindSwap:      cfg.Swap,
		domain.KindLiquidity: cfg.Liquidity,
		domain.KindPrice:     cfg.PriceTick,
	} {
		if name != "" {
			out[kind] = name
		}
	}
	return out
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics("")

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

	proc, err := processor.New(processor.Options{
		Parser: parser.New(parser.Options{
			FactoryAddr: cfg.Chain.FactoryAddr,
			RouterAddr:  cfg.Chain.RouterAddr,
		}),
		Publisher:     stream.NewPublisher(broker, cfg.Streams.MaxLen, metrics),
		CoreStream:    cfg.Streams.Core,
		LegacyStreams: legacyStreams(cfg.Streams),
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	reader := stream.NewReader(stream.ReaderOptions{
		Broker:     broker,
		Stream:     cfg.Streams.Raw,
		Group:      cfg.Streams.ProcessorGroup,
		Consumer:   "processor-" + uuid.NewString()[:8],
		BatchSize:  int64(cfg.Reader.BatchSize),
		Block:      cfg.Reader.Block.Duration,
		Burst:      cfg.Reader.Burst.Duration,
		ClaimIdle:  cfg.Reader.ClaimIdle.Duration,
		ClaimCount: int64(cfg.Reader.ClaimCount),
		ClaimEvery: cfg.Reader.ClaimEvery,
		ErrBackoff: cfg.Reader.ErrBackoff.Duration,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err := reader.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}

	observability.ServeOps(ctx, cfg.Server.MetricsAddr, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}, logger)

	logger.Info("processing raw blocks",
		"stream", cfg.Streams.Raw,
		"core", cfg.Streams.Core,
		"legacy", cfg.Streams.PublishLegacy)
	return reader.Run(ctx, proc.Handle)
}
