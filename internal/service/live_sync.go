package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/clock"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/index"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/parser"
	"github.com/goodnatureofminers/pivxinsight-backend/pkg/safe"
	"github.com/goodnatureofminers/pivxinsight-backend/pkg/workerpool"
)

// RPC is the node surface the live controller consumes.
type RPC interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (chainhash.Hash, error)
	GetBlockRaw(ctx context.Context, hash chainhash.Hash) ([]byte, error)
}

// LiveMetrics observes the controller.
type LiveMetrics interface {
	ObservePoll(err error)
	ObserveCatchup(blocks int)
	ObserveReorg(depth uint32, repaired bool)
	SetNetworkHeight(height int64)
}

// HealthSink receives sync-health transitions for the status singleton.
type HealthSink interface {
	SetHealth(health model.SyncHealth, cause error)
}

// DeepReorgError pauses live sync: the divergence exceeds the configured
// depth and an operator must resolve it.
type DeepReorgError struct {
	Depth uint32
}

func (e *DeepReorgError) Error() string {
	return fmt.Sprintf("reorg depth %d exceeds configured maximum", e.Depth)
}

// LiveSyncConfig tunes the poll loop.
type LiveSyncConfig struct {
	PollInterval time.Duration
	// SmallCatchup is the gap under which blocks are fetched one by one.
	SmallCatchup int
	// FetchBatch is the parallel fetch group size for larger gaps.
	FetchBatch int
	// FetchConcurrency caps parallel getblock calls.
	FetchConcurrency int
	// MaxReorgDepth is the deepest reorg repaired without operator help.
	MaxReorgDepth uint32
}

// DefaultLiveSyncConfig returns the documented defaults.
func DefaultLiveSyncConfig() LiveSyncConfig {
	return LiveSyncConfig{
		PollInterval:     2 * time.Second,
		SmallCatchup:     50,
		FetchBatch:       50,
		FetchConcurrency: 8,
		MaxReorgDepth:    100,
	}
}

// minFetchBatch floors the back-pressure halving.
const minFetchBatch = 8

// LiveSyncService keeps the index aligned with the node's tip and repairs
// reorganizations.
type LiveSyncService struct {
	rpc     RPC
	writer  *index.Writer
	pub     Publisher
	health  HealthSink
	metrics LiveMetrics
	logger  *zap.Logger
	cfg     LiveSyncConfig

	// wake, when non-nil, short-circuits the poll sleep (zmq signal).
	wake <-chan struct{}

	fetchBatch int
}

// NewLiveSyncService builds the controller.
func NewLiveSyncService(
	rpc RPC,
	writer *index.Writer,
	pub Publisher,
	health HealthSink,
	m LiveMetrics,
	cfg LiveSyncConfig,
	wake <-chan struct{},
	logger *zap.Logger,
) (*LiveSyncService, error) {
	if rpc == nil || writer == nil || pub == nil || health == nil || m == nil {
		return nil, fmt.Errorf("live sync dependencies are required")
	}
	def := DefaultLiveSyncConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SmallCatchup <= 0 {
		cfg.SmallCatchup = def.SmallCatchup
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = def.FetchBatch
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = def.FetchConcurrency
	}
	if cfg.MaxReorgDepth == 0 {
		cfg.MaxReorgDepth = def.MaxReorgDepth
	}
	return &LiveSyncService{
		rpc:        rpc,
		writer:     writer,
		pub:        pub,
		health:     health,
		metrics:    m,
		logger:     logger.Named("liveSync"),
		cfg:        cfg,
		wake:       wake,
		fetchBatch: cfg.FetchBatch,
	}, nil
}

// Run polls until the context is canceled or a deep reorg pauses sync.
func (s *LiveSyncService) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.poll(ctx)
		s.metrics.ObservePoll(err)
		switch {
		case err == nil:
			s.health.SetHealth(model.HealthHealthy, nil)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			var deep *DeepReorgError
			if errors.As(err, &deep) {
				s.health.SetHealth(model.HealthHalted, err)
				s.logger.Error("live sync paused", zap.Error(err))
				return err
			}
			s.health.SetHealth(model.HealthDegraded, err)
			s.logger.Warn("poll iteration failed", zap.Error(err))
		}

		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

func (s *LiveSyncService) sleep(ctx context.Context) error {
	if s.wake == nil {
		return clock.SleepWithContext(ctx, s.cfg.PollInterval)
	}
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

func (s *LiveSyncService) poll(ctx context.Context) error {
	networkHeight, err := s.rpc.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("get block count: %w", err)
	}
	s.metrics.SetNetworkHeight(networkHeight)
	if err := s.writer.SetNetworkHeight(ctx, int32(networkHeight)); err != nil {
		return err
	}

	syncHeight, err := s.writer.SyncHeight()
	if err != nil {
		return err
	}

	// Reorg check: the node's hash at our tip must match ours.
	if syncHeight >= 0 && int64(syncHeight) <= networkHeight {
		nodeHash, err := s.rpc.GetBlockHash(ctx, int64(syncHeight))
		if err != nil {
			return fmt.Errorf("get block hash at %d: %w", syncHeight, err)
		}
		localHash, ok, err := s.writer.HashAt(uint32(syncHeight))
		if err != nil {
			return err
		}
		if ok && nodeHash != localHash {
			return s.repairReorg(ctx, uint32(syncHeight), networkHeight)
		}
	}

	if networkHeight > int64(syncHeight) {
		return s.catchup(ctx, syncHeight+1, networkHeight)
	}
	return nil
}

// catchup ingests [from..to] from RPC: one by one for small gaps, in
// parallel fetch groups otherwise.
func (s *LiveSyncService) catchup(ctx context.Context, from int32, to int64) error {
	total := to - int64(from) + 1
	s.logger.Info("catching up", zap.Int32("from", from), zap.Int64("to", to))

	if total <= int64(s.cfg.SmallCatchup) {
		for h := int64(from); h <= to; h++ {
			if err := s.ingestHeight(ctx, h); err != nil {
				return err
			}
		}
		s.metrics.ObserveCatchup(int(total))
		return nil
	}

	for start := int64(from); start <= to; start += int64(s.batchSize()) {
		end := start + int64(s.batchSize()) - 1
		if end > to {
			end = to
		}
		blocks, err := s.fetchRange(ctx, start, end)
		if err != nil {
			return err
		}
		for _, hb := range blocks {
			if err := s.applyAndAnnounce(ctx, hb.Height, hb.Block); err != nil {
				return err
			}
		}
		s.metrics.ObserveCatchup(len(blocks))
	}
	return nil
}

// batchSize halves the configured fetch batch while the store reports
// sustained slow flushes, floored at minFetchBatch.
func (s *LiveSyncService) batchSize() int {
	if s.writer.SlowFlush() {
		if s.fetchBatch > minFetchBatch {
			s.fetchBatch /= 2
			if s.fetchBatch < minFetchBatch {
				s.fetchBatch = minFetchBatch
			}
			s.logger.Warn("store back-pressure, reducing fetch batch",
				zap.Int("batch", s.fetchBatch))
		}
	} else if s.fetchBatch < s.cfg.FetchBatch {
		s.fetchBatch = s.cfg.FetchBatch
	}
	return s.fetchBatch
}

// fetchRange fetches [from..to] concurrently and returns them ascending.
func (s *LiveSyncService) fetchRange(ctx context.Context, from, to int64) ([]index.HeightBlock, error) {
	heights := make([]int64, 0, to-from+1)
	for h := from; h <= to; h++ {
		heights = append(heights, h)
	}

	results := make(chan index.HeightBlock, len(heights))
	err := workerpool.Process(ctx, s.cfg.FetchConcurrency, heights,
		func(ctx context.Context, h int64) error {
			block, err := s.fetchBlock(ctx, h)
			if err != nil {
				return err
			}
			height, err := safe.Uint32(h)
			if err != nil {
				return err
			}
			results <- index.HeightBlock{Height: height, Block: block}
			return nil
		}, nil)
	close(results)
	if err != nil {
		return nil, err
	}

	blocks := make([]index.HeightBlock, 0, len(heights))
	for hb := range results {
		blocks = append(blocks, hb)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })
	return blocks, nil
}

func (s *LiveSyncService) fetchBlock(ctx context.Context, height int64) (*model.Block, error) {
	hash, err := s.rpc.GetBlockHash(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("get block hash at %d: %w", height, err)
	}
	raw, err := s.rpc.GetBlockRaw(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", hash, err)
	}
	block, err := parser.ParseBlock(raw)
	if err != nil {
		return nil, err
	}
	if block.Hash != hash {
		return nil, fmt.Errorf("block %s hashes to %s", hash, block.Hash)
	}
	return block, nil
}

func (s *LiveSyncService) ingestHeight(ctx context.Context, height int64) error {
	block, err := s.fetchBlock(ctx, height)
	if err != nil {
		return err
	}
	h, err := safe.Uint32(height)
	if err != nil {
		return err
	}
	return s.applyAndAnnounce(ctx, h, block)
}

// applyAndAnnounce commits one block and publishes NewBlock. Live blocks
// commit individually so readers track the tip closely.
func (s *LiveSyncService) applyAndAnnounce(ctx context.Context, height uint32, block *model.Block) error {
	if err := s.writer.ApplyBlock(ctx, height, block); err != nil {
		return err
	}
	if err := s.writer.Flush(ctx); err != nil {
		return err
	}
	s.pub.Publish(model.NewBlock{Height: height, Hash: block.Hash})
	return nil
}

// repairReorg walks back to the common ancestor and atomically replaces
// the divergent suffix with the node's branch.
func (s *LiveSyncService) repairReorg(ctx context.Context, syncHeight uint32, networkHeight int64) error {
	ancestor := int64(syncHeight)
	for ancestor >= 0 {
		depth := uint32(int64(syncHeight) - ancestor)
		if depth > s.cfg.MaxReorgDepth {
			s.metrics.ObserveReorg(depth, false)
			return &DeepReorgError{Depth: depth}
		}
		nodeHash, err := s.rpc.GetBlockHash(ctx, ancestor)
		if err != nil {
			return fmt.Errorf("get block hash at %d: %w", ancestor, err)
		}
		localHash, ok, err := s.writer.HashAt(uint32(ancestor))
		if err != nil {
			return err
		}
		if ok && nodeHash == localHash {
			break
		}
		ancestor--
	}
	if ancestor < 0 {
		return fmt.Errorf("no common ancestor with the node's chain")
	}

	depth := uint32(int64(syncHeight) - ancestor)
	oldTip, _, err := s.writer.HashAt(syncHeight)
	if err != nil {
		return err
	}

	s.logger.Warn("reorganization detected",
		zap.Uint32("depth", depth),
		zap.Int64("ancestor", ancestor),
		zap.String("old_tip", oldTip.String()))

	// Fetch the node's branch from the ancestor forward. The new branch
	// may be shorter or longer than the old one.
	newBlocks := make([]index.HeightBlock, 0, networkHeight-ancestor)
	for h := ancestor + 1; h <= networkHeight; h++ {
		block, err := s.fetchBlock(ctx, h)
		if err != nil {
			return err
		}
		height, err := safe.Uint32(h)
		if err != nil {
			return err
		}
		newBlocks = append(newBlocks, index.HeightBlock{Height: height, Block: block})
	}

	if err := s.writer.ApplyReorg(ctx, uint32(ancestor), newBlocks); err != nil {
		return err
	}
	s.metrics.ObserveReorg(depth, true)

	newTip := oldTip
	if len(newBlocks) > 0 {
		newTip = newBlocks[len(newBlocks)-1].Block.Hash
	}
	s.pub.Publish(model.ReorgDetected{OldTip: oldTip, NewTip: newTip, Depth: depth})
	return nil
}
