package blockfile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/chain"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/pkg/workerpool"
)

// Metrics observes pipeline reads.
type Metrics interface {
	ObserveBlock(err error, started time.Time)
	ObserveQuarantine()
	ObserveRetry()
}

// result pairs a plan entry with its parse outcome.
type result struct {
	entry model.PlanEntry
	block *model.Block
	err   error
}

// Pipeline turns a canonical plan into parsed, validated blocks delivered
// to a single consumer in strictly ascending height order.
type Pipeline struct {
	blkDir  string
	workers int
	metrics Metrics
	logger  *zap.Logger
}

// NewPipeline builds a Pipeline over the node's blk directory.
func NewPipeline(blkDir string, workers int, m Metrics, logger *zap.Logger) (*Pipeline, error) {
	if m == nil {
		return nil, fmt.Errorf("pipeline metrics is required")
	}
	if workers <= 0 {
		workers = 8
	}
	return &Pipeline{
		blkDir:  blkDir,
		workers: workers,
		metrics: m,
		logger:  logger.Named("pipeline"),
	}, nil
}

// Run reads every plan entry and calls emit for each block in ascending
// height order. A block that fails validation goes to quarantine instead,
// after which no further block is emitted (the writer must not advance
// past it) while workers drain cleanly.
func (p *Pipeline) Run(
	ctx context.Context,
	plan []model.PlanEntry,
	emit func(ctx context.Context, height uint32, block *model.Block) error,
	quarantine func(ctx context.Context, entry model.PlanEntry, reason string) error,
) error {
	if len(plan) == 0 {
		return nil
	}

	groups := groupByFile(plan)
	results := make(chan result, p.workers*4)

	orderCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	workersDone := make(chan error, 1)
	go func() {
		workersDone <- workerpool.Process(orderCtx, p.workers, groups,
			func(ctx context.Context, group []model.PlanEntry) error {
				return p.readGroup(ctx, group, results)
			}, nil)
		close(results)
	}()

	err := p.emitOrdered(ctx, plan[0].Height, len(plan), results, emit, quarantine, cancelWorkers)

	// Unblock any worker still parked on the results channel, then wait
	// for the pool to drain.
	cancelWorkers()
	go func() {
		for range results {
		}
	}()
	workersErr := <-workersDone

	if err != nil {
		return err
	}
	// Worker cancellation triggered by a quarantine stop is expected.
	if workersErr != nil && ctx.Err() == nil && !errors.Is(workersErr, context.Canceled) {
		return workersErr
	}
	return ctx.Err()
}

// readGroup reads one file's entries sequentially, maximizing sequential
// I/O per handle.
func (p *Pipeline) readGroup(ctx context.Context, group []model.PlanEntry, results chan<- result) error {
	r := newReader(p.blkDir, p.logger, p.metrics.ObserveRetry)
	defer r.close()

	for _, entry := range group {
		started := time.Now()
		block, err := r.readBlock(ctx, entry)
		p.metrics.ObserveBlock(err, started)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case results <- result{entry: entry, block: block, err: err}:
		}
	}
	return nil
}

// emitOrdered buffers out-of-order results and feeds the consumer in
// ascending height order, validating linkage against the previous block.
func (p *Pipeline) emitOrdered(
	ctx context.Context,
	startHeight uint32,
	total int,
	results <-chan result,
	emit func(ctx context.Context, height uint32, block *model.Block) error,
	quarantine func(ctx context.Context, entry model.PlanEntry, reason string) error,
	stopWorkers func(),
) error {
	pending := make(map[uint32]result, p.workers*4)
	next := startHeight
	var prev *model.Block
	emitted := 0
	stopped := false

	for emitted < total {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				if emitted < total && !stopped {
					return fmt.Errorf("pipeline drained after %d of %d blocks", emitted, total)
				}
				return nil
			}
			pending[res.entry.Height] = res
		}

		for {
			res, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			emitted++

			if stopped {
				// Quarantined below this height: drain without emitting.
				next++
				continue
			}

			if reason := validate(res, prev); reason != "" {
				p.metrics.ObserveQuarantine()
				p.logger.Warn("block quarantined",
					zap.Uint32("height", res.entry.Height),
					zap.String("hash", res.entry.Hash.String()),
					zap.String("reason", reason))
				if err := quarantine(ctx, res.entry, reason); err != nil {
					return err
				}
				stopped = true
				stopWorkers()
				next++
				continue
			}

			if err := emit(ctx, res.entry.Height, res.block); err != nil {
				return err
			}
			prev = res.block
			next++
		}
	}
	return nil
}

// validate applies the per-block pipeline checks.
func validate(res result, prev *model.Block) string {
	if res.err != nil {
		return res.err.Error()
	}
	block := res.block
	if len(block.Txs) < 1 {
		return "empty transaction list"
	}
	if block.Hash != res.entry.Hash {
		return fmt.Sprintf("header hash %s does not match plan hash %s", block.Hash, res.entry.Hash)
	}
	if prev != nil {
		if block.Header.PrevBlock != prev.Hash {
			return fmt.Sprintf("prev hash %s does not link to %s", block.Header.PrevBlock, prev.Hash)
		}
		skew := uint32(chain.ClockSkewTolerance / time.Second)
		if prev.Header.Time > skew && block.Header.Time <= prev.Header.Time-skew {
			return fmt.Sprintf("timestamp %d behind parent %d beyond tolerance", block.Header.Time, prev.Header.Time)
		}
	}
	return ""
}

// groupByFile splits the plan into per-file runs ordered by offset, so a
// worker streams one file end to end.
func groupByFile(plan []model.PlanEntry) [][]model.PlanEntry {
	byFile := map[uint16][]model.PlanEntry{}
	for _, entry := range plan {
		byFile[entry.File] = append(byFile[entry.File], entry)
	}

	files := make([]uint16, 0, len(byFile))
	for file := range byFile {
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })

	groups := make([][]model.PlanEntry, 0, len(files))
	for _, file := range files {
		group := byFile[file]
		sort.Slice(group, func(i, j int) bool { return group[i].Offset < group[j].Offset })
		groups = append(groups, group)
	}
	return groups
}
