// The indexer daemon ingests the PIVX block history from the node's
// on-disk artifacts, then follows the live chain over RPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/blockfile"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/index"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/mempool"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/metrics"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/nodeindex"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/notify"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/pivxd/rpcclient"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/service"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/status"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

type config struct {
	DBPath       string `long:"db-path" env:"PIVX_INDEXER_DB_PATH" description:"store directory" required:"true"`
	BlkDir       string `long:"blk-dir" env:"PIVX_INDEXER_BLK_DIR" description:"node blk*.dat directory" required:"true"`
	NodeIndexDir string `long:"node-index-dir" env:"PIVX_INDEXER_NODE_INDEX_DIR" description:"node block-index leveldb directory" required:"true"`

	RPCURL      string        `long:"rpc-url" env:"PIVX_INDEXER_RPC_URL" description:"node RPC URL" default:"http://127.0.0.1:51473"`
	RPCUser     string        `long:"rpc-user" env:"PIVX_INDEXER_RPC_USER" description:"node RPC username" required:"true"`
	RPCPassword string        `long:"rpc-password" env:"PIVX_INDEXER_RPC_PASSWORD" description:"node RPC password" required:"true"`
	HTTPTimeout time.Duration `long:"http-timeout" env:"PIVX_INDEXER_HTTP_TIMEOUT" description:"per-call RPC timeout" default:"10s"`

	NoFastSync    bool          `long:"no-fast-sync" env:"PIVX_INDEXER_NO_FAST_SYNC" description:"index addresses during initial ingest instead of enrichment"`
	ParallelFiles int           `long:"parallel-files" env:"PIVX_INDEXER_PARALLEL_FILES" description:"block file worker count" default:"8"`
	RPCBatch      int           `long:"rpc-batch" env:"PIVX_INDEXER_RPC_BATCH" description:"live-fetch batch size" default:"50"`
	PollInterval  time.Duration `long:"poll-interval" env:"PIVX_INDEXER_POLL_INTERVAL" description:"tip poll interval" default:"2s"`
	ReorgMaxDepth uint32        `long:"reorg-max-depth" env:"PIVX_INDEXER_REORG_MAX_DEPTH" description:"deepest auto-repaired reorg" default:"100"`

	FlushThresholdMS uint32 `long:"flush-threshold-ms" env:"PIVX_INDEXER_FLUSH_THRESHOLD_MS" description:"store flush latency threshold" default:"30000"`

	MetricsAddr string `long:"metrics-addr" env:"PIVX_INDEXER_METRICS_ADDR" description:"metrics listen address" default:":2112"`
	StatusAddr  string `long:"status-addr" env:"PIVX_INDEXER_STATUS_ADDR" description:"status listen address" default:":8330"`
	ZMQAddr     string `long:"zmq-addr" env:"PIVX_INDEXER_ZMQ_ADDR" description:"node zmq hashblock endpoint (optional)"`

	Debug bool `long:"debug" env:"PIVX_INDEXER_DEBUG" description:"verbose logging"`
}

// fastSync defaults to on; --no-fast-sync turns it off.
func (c config) fastSync() bool { return !c.NoFastSync }

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
		logger.Fatal("indexer failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	startMetricsServer(ctx, cfg.MetricsAddr, logger)

	kv, err := store.Open(cfg.DBPath, time.Duration(cfg.FlushThresholdMS)*time.Millisecond,
		metrics.NewStore(), logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	broker := notify.NewBroker(logger)
	defer broker.Close()

	reporter := status.NewReporter(kv, logger)
	startStatusServer(ctx, cfg.StatusAddr, reporter, logger)

	writer, err := index.NewWriter(kv, metrics.NewWriter(), index.DefaultBatchConfig(), cfg.fastSync(), logger)
	if err != nil {
		return err
	}

	rpcBase, err := rpcclient.New(rpcclient.Config{
		URL:      cfg.RPCURL,
		User:     cfg.RPCUser,
		Password: cfg.RPCPassword,
		Timeout:  cfg.HTTPTimeout,
	}, metrics.NewRPCClient(), logger)
	if err != nil {
		return fmt.Errorf("init rpc client: %w", err)
	}
	rpc := rpcclient.NewObservedClient(rpcBase, metrics.NewRPCClient())

	// Initial catchup from the node's on-disk artifacts.
	source := nodeindex.NewReader(cfg.NodeIndexDir, cfg.DBPath, logger)
	pipeline, err := blockfile.NewPipeline(cfg.BlkDir, cfg.ParallelFiles, metrics.NewPipeline(), logger)
	if err != nil {
		return err
	}
	history, err := service.NewHistorySyncService(source, pipeline, writer, logger)
	if err != nil {
		return err
	}
	if err := history.Run(ctx); err != nil {
		return fmt.Errorf("history sync: %w", err)
	}
	// Live blocks always index addresses; enrichment backfills whatever
	// the fast initial ingest skipped.
	writer.EnableAddrIndex()

	// Background enrichment; live sync starts immediately and the status
	// endpoint reports addr_index_ready=false until the job completes.
	enricher, err := index.NewEnricher(kv, writer, metrics.NewEnrichment(), logger)
	if err != nil {
		return err
	}
	enrichDone := make(chan struct{})
	go func() {
		defer close(enrichDone)
		if err := enricher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("enrichment failed", zap.Error(err))
		}
	}()

	wake, err := startBlockSignal(ctx, cfg.ZMQAddr, logger)
	if err != nil {
		logger.Warn("block signal unavailable, polling only", zap.Error(err))
	}

	tracker := mempool.NewTracker(rpc, kv, broker, cfg.PollInterval, logger)
	go func() {
		if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mempool tracker stopped", zap.Error(err))
		}
	}()

	live, err := service.NewLiveSyncService(rpc, writer, broker, reporter, metrics.NewLive(),
		service.LiveSyncConfig{
			PollInterval:  cfg.PollInterval,
			FetchBatch:    cfg.RPCBatch,
			MaxReorgDepth: cfg.ReorgMaxDepth,
		}, wake, logger)
	if err != nil {
		return err
	}

	err = live.Run(ctx)
	var deep *service.DeepReorgError
	if errors.As(err, &deep) {
		// Operator-resolved: keep status and metrics up while paused.
		reporter.SetHealth(model.HealthHalted, err)
		logger.Error("live sync paused until operator intervention", zap.Error(err))
		<-ctx.Done()
		err = ctx.Err()
	}

	<-enrichDone
	return err
}

func startMetricsServer(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	startServer(ctx, addr, mux, "metrics", logger)
}

func startStatusServer(ctx context.Context, addr string, reporter *status.Reporter, logger *zap.Logger) {
	startServer(ctx, addr, reporter.Handler(), "status", logger)
}

func startServer(ctx context.Context, addr string, handler http.Handler, name string, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("name", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.String("name", name), zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", zap.String("name", name), zap.Error(err))
		}
	}()
}
