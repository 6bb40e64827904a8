// The rebuild tool reconstructs the address index offline with the
// two-pass spent scan. Stop the indexer daemon before running it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/index"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/metrics"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

type config struct {
	DBPath           string `long:"db-path" env:"PIVX_REBUILD_DB_PATH" description:"store directory" required:"true"`
	FlushThresholdMS uint32 `long:"flush-threshold-ms" env:"PIVX_REBUILD_FLUSH_THRESHOLD_MS" description:"store flush latency threshold" default:"30000"`
	Check            bool   `long:"check" env:"PIVX_REBUILD_CHECK" description:"verify invariants after rebuilding"`
	Debug            bool   `long:"debug" env:"PIVX_REBUILD_DEBUG" description:"verbose logging"`
}

func main() {
	cfg := config{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := flags.ParseArgs(&cfg, os.Args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		panic("can't initialize zap logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("rebuild failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	kv, err := store.Open(cfg.DBPath, time.Duration(cfg.FlushThresholdMS)*time.Millisecond,
		metrics.NewStore(), logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	writer, err := index.NewWriter(kv, metrics.NewWriter(), index.DefaultBatchConfig(), false, logger)
	if err != nil {
		return err
	}
	enricher, err := index.NewEnricher(kv, writer, metrics.NewEnrichment(), logger)
	if err != nil {
		return err
	}

	started := time.Now()
	if err := enricher.Rebuild(ctx); err != nil {
		return err
	}
	logger.Info("address index rebuilt", zap.Duration("took", time.Since(started)))

	if !cfg.Check {
		return nil
	}
	checker := index.NewChecker(kv, metrics.NewWriter(), logger)
	if err := checker.Check(ctx); err != nil {
		return fmt.Errorf("post-rebuild check: %w", err)
	}
	logger.Info("invariants verified")
	return nil
}
