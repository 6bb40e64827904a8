// Package service wires the resolver, pipeline, writer and live
// controller into the sync lifecycle.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/chain"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/index"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/nodeindex"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/resolver"
)

// IndexSource supplies node block-index records.
type IndexSource interface {
	Records() ([]nodeindex.Record, error)
}

// BlockSource feeds canonical blocks in ascending height order.
type BlockSource interface {
	Run(
		ctx context.Context,
		plan []model.PlanEntry,
		emit func(ctx context.Context, height uint32, block *model.Block) error,
		quarantine func(ctx context.Context, entry model.PlanEntry, reason string) error,
	) error
}

// Publisher fans out change notifications.
type Publisher interface {
	Publish(n model.Notification)
}

// HistorySyncService performs the initial catchup from the node's on-disk
// artifacts: resolve the canonical plan, stream the block files, commit.
type HistorySyncService struct {
	source   IndexSource
	pipeline BlockSource
	writer   *index.Writer
	logger   *zap.Logger
}

// NewHistorySyncService builds the history sync with its dependencies.
func NewHistorySyncService(
	source IndexSource,
	pipeline BlockSource,
	writer *index.Writer,
	logger *zap.Logger,
) (*HistorySyncService, error) {
	if source == nil || pipeline == nil || writer == nil {
		return nil, fmt.Errorf("history sync dependencies are required")
	}
	return &HistorySyncService{
		source:   source,
		pipeline: pipeline,
		writer:   writer,
		logger:   logger.Named("historySync"),
	}, nil
}

// Run executes one sync cycle and returns once the plan is committed. A
// quarantined block stops the committed height just below it; the rest of
// the chain is left to the live controller and operator repair.
func (s *HistorySyncService) Run(ctx context.Context) error {
	records, err := s.source.Records()
	if err != nil {
		return fmt.Errorf("read node index: %w", err)
	}

	result, err := resolver.Resolve(records, chain.GenesisHash, s.logger)
	if err != nil {
		return err
	}
	for _, orphan := range result.Orphans {
		s.logger.Debug("orphan header off the active chain",
			zap.String("hash", orphan.Hash.String()),
			zap.Int64("height_hint", orphan.HeightHint))
	}

	syncHeight, err := s.writer.SyncHeight()
	if err != nil {
		return err
	}

	plan := trimPlan(result.Plan, syncHeight)
	if len(plan) == 0 {
		s.logger.Info("history already committed", zap.Int32("height", syncHeight))
		return nil
	}
	s.logger.Info("starting history sync",
		zap.Uint32("from", plan[0].Height),
		zap.Uint32("to", plan[len(plan)-1].Height))

	err = s.pipeline.Run(ctx, plan,
		func(ctx context.Context, height uint32, block *model.Block) error {
			return s.writer.ApplyBlock(ctx, height, block)
		},
		func(ctx context.Context, entry model.PlanEntry, reason string) error {
			return s.writer.Quarantine(ctx, entry, reason)
		})
	if err != nil {
		s.writer.Discard()
		return err
	}
	return s.writer.Flush(ctx)
}

// trimPlan drops entries already committed.
func trimPlan(plan []model.PlanEntry, syncHeight int32) []model.PlanEntry {
	if syncHeight < 0 {
		return plan
	}
	for i, entry := range plan {
		if entry.Height > uint32(syncHeight) {
			return plan[i:]
		}
	}
	return nil
}
