package index

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/script"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

// EnrichmentMetrics observes enrichment runs.
type EnrichmentMetrics interface {
	ObserveRun(err error, started time.Time)
}

// Enricher backfills the address index after a fast initial sync: pass one
// computes the spent set over the canonical chain, pass two inserts the
// complement, and a final pass re-applies spends committed by the live
// controller while the job ran. Completion is recorded in chain_state so
// the job runs once.
type Enricher struct {
	kv      store.KV
	writer  *Writer
	metrics EnrichmentMetrics
	logger  *zap.Logger

	// flushEvery bounds batch size between commits.
	flushEvery int
}

// NewEnricher builds an Enricher sharing the single mutating writer.
func NewEnricher(kv store.KV, writer *Writer, m EnrichmentMetrics, logger *zap.Logger) (*Enricher, error) {
	if m == nil {
		return nil, fmt.Errorf("enrichment metrics is required")
	}
	return &Enricher{
		kv:         kv,
		writer:     writer,
		metrics:    m,
		logger:     logger.Named("enrichment"),
		flushEvery: 10_000,
	}, nil
}

// Done reports whether a previous run already completed.
func (e *Enricher) Done() (bool, error) {
	buf, err := e.kv.Get(store.CFChainState, store.KeyEnrichmentDone)
	if err != nil {
		return false, err
	}
	return len(buf) == 1 && buf[0] == 1, nil
}

// Run executes the enrichment job up to the current sync height.
func (e *Enricher) Run(ctx context.Context) (err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveRun(err, started) }()

	done, err := e.Done()
	if err != nil {
		return err
	}
	if done {
		e.logger.Info("enrichment already complete")
		return nil
	}

	startHeight, err := e.writer.SyncHeight()
	if err != nil {
		return err
	}
	if startHeight < 0 {
		return e.markDone(ctx)
	}

	e.logger.Info("building spent set", zap.Int32("height", startHeight))
	spent, err := BuildSpentSet(ctx, e.kv, uint32(startHeight))
	if err != nil {
		return err
	}
	e.logger.Info("spent set built", zap.Int("outpoints", len(spent)))

	if err = e.insertUnspent(ctx, uint32(startHeight), spent); err != nil {
		return err
	}

	// The live controller may have advanced the chain during the scan;
	// re-apply the spends of the segment committed since.
	endHeight, err := e.writer.SyncHeight()
	if err != nil {
		return err
	}
	if endHeight > startHeight {
		if err = e.reapplySpends(ctx, uint32(startHeight)+1, uint32(endHeight)); err != nil {
			return err
		}
	}

	return e.markDone(ctx)
}

// insertUnspent is pass two: every credited output not in the spent set
// gets its addr_index entry.
func (e *Enricher) insertUnspent(ctx context.Context, maxHeight uint32, spent map[model.OutPoint]struct{}) error {
	batch := e.kv.NewBatch()
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		if err := e.kv.Write(ctx, batch); err != nil {
			batch.Close()
			return err
		}
		batch.Close()
		batch = e.kv.NewBatch()
		return nil
	}
	defer batch.Close()

	for h := uint32(0); h <= maxHeight; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		block, err := e.blockForHeight(h)
		if err != nil {
			return err
		}
		for _, tx := range block.Txs {
			flags := addrFlags(tx)
			for vout, out := range tx.Outputs {
				outpoint := model.OutPoint{Hash: tx.TxID, Index: uint32(vout)}
				if _, isSpent := spent[outpoint]; isSpent {
					continue
				}
				decoded := script.Decode(out.PkScript)
				if decoded.Owner == "" {
					continue
				}
				f := flags
				if decoded.Class == script.ClassColdStake {
					f |= store.AddrFlagColdStake
				}
				batch.Put(store.CFAddrIndex,
					store.AddrKey(decoded.Owner, tx.TxID, uint32(vout)),
					store.EncodeAddrValue(out.Value, f))
			}
		}
		if batch.Len() >= e.flushEvery {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// blockForHeight loads a block, verifying the height has block_txs rows.
// Rows are written atomically with their block, so an empty height means
// the block was never applied and the index needs repair.
func (e *Enricher) blockForHeight(height uint32) (*model.Block, error) {
	rows := 0
	err := e.kv.IteratePrefix(store.CFBlockTxs, store.BlockTxsPrefix(height), func(_, _ []byte) bool {
		rows++
		return false
	})
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("height %d has no block_txs rows", height)
	}
	return blockAt(e.kv, height)
}

// reapplySpends deletes addr entries consumed between from and to, closing
// the race against the live controller.
func (e *Enricher) reapplySpends(ctx context.Context, from, to uint32) error {
	batch := e.kv.NewBatch()
	defer batch.Close()

	for h := from; h <= to; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		block, err := blockAt(e.kv, h)
		if err != nil {
			return err
		}
		for _, tx := range block.Txs {
			if tx.Type == model.TxCoinbase {
				continue
			}
			for _, in := range tx.Inputs {
				if in.PrevOut.IsNull() {
					continue
				}
				prev, err := txAt(e.kv, in.PrevOut.Hash)
				if err != nil {
					continue
				}
				if in.PrevOut.Index >= uint32(len(prev.Outputs)) {
					continue
				}
				decoded := script.Decode(prev.Outputs[in.PrevOut.Index].PkScript)
				if decoded.Owner == "" {
					continue
				}
				batch.Delete(store.CFAddrIndex,
					store.AddrKey(decoded.Owner, in.PrevOut.Hash, in.PrevOut.Index))
			}
		}
	}
	return e.kv.Write(ctx, batch)
}

func (e *Enricher) markDone(ctx context.Context) error {
	batch := e.kv.NewBatch()
	defer batch.Close()
	batch.Put(store.CFChainState, store.KeyEnrichmentDone, []byte{1})
	batch.Put(store.CFChainState, store.KeyAddrIndexReady, []byte{1})
	if err := e.kv.Write(ctx, batch); err != nil {
		return err
	}
	e.logger.Info("enrichment complete")
	return nil
}
