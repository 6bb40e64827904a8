// Package index applies parsed blocks to the embedded store and keeps the
// address index spent-aware. One Writer serializes all mutation; blocks
// arrive in strictly ascending height order.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/parser"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/script"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

// Metrics observes writer operations.
type Metrics interface {
	ObserveApply(err error, started time.Time)
	ObserveRollback(err error)
	SetSyncHeight(height int32)
	ObserveInvariantViolation(invariant string)
}

// BatchConfig caps a staged batch. Limits trigger a flush between blocks,
// never mid-block.
type BatchConfig struct {
	MaxOps   int
	MaxBytes int
}

// DefaultBatchConfig returns sane batch caps.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxOps: 20_000, MaxBytes: 16 << 20}
}

// Writer stages per-block write sets and commits them atomically.
type Writer struct {
	kv      store.KV
	metrics Metrics
	logger  *zap.Logger
	batch   BatchConfig

	// fastSync skips address indexing during initial ingest; the
	// enrichment job backfills it afterwards.
	fastSync bool

	staged     store.Batch
	pendingTxs map[chainhash.Hash]*model.Transaction
	tipHeight  int32
	tipHash    chainhash.Hash
	haveTip    bool
}

// NewWriter builds a Writer over kv.
func NewWriter(kv store.KV, m Metrics, batch BatchConfig, fastSync bool, logger *zap.Logger) (*Writer, error) {
	if m == nil {
		return nil, fmt.Errorf("writer metrics is required")
	}
	if batch.MaxOps <= 0 || batch.MaxBytes <= 0 {
		batch = DefaultBatchConfig()
	}
	return &Writer{
		kv:         kv,
		metrics:    m,
		logger:     logger.Named("writer"),
		batch:      batch,
		fastSync:   fastSync,
		pendingTxs: map[chainhash.Hash]*model.Transaction{},
	}, nil
}

// EnableAddrIndex turns address indexing on for subsequently applied
// blocks. Called once the fast initial sync hands off to the live
// controller; the enrichment job covers the segment ingested before.
func (w *Writer) EnableAddrIndex() { w.fastSync = false }

// SyncHeight reads the committed sync height, -1 when the store is empty.
func (w *Writer) SyncHeight() (int32, error) {
	buf, err := w.kv.Get(store.CFChainState, store.KeySyncHeight)
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return -1, nil
	}
	return store.DecodeHeight(buf)
}

// HashAt reads the committed canonical hash at a height.
func (w *Writer) HashAt(height uint32) (chainhash.Hash, bool, error) {
	var hash chainhash.Hash
	buf, err := w.kv.Get(store.CFChainMetadata, store.ChainHeightKey(height))
	if err != nil || buf == nil {
		return hash, false, err
	}
	if len(buf) != chainhash.HashSize {
		return hash, false, fmt.Errorf("chain entry at %d has length %d", height, len(buf))
	}
	copy(hash[:], buf)
	return hash, true, nil
}

// ApplyBlock stages the full write set of one block. Caps are checked
// before staging so a flush never splits a block.
func (w *Writer) ApplyBlock(ctx context.Context, height uint32, block *model.Block) (err error) {
	started := time.Now()
	defer func() { w.metrics.ObserveApply(err, started) }()

	if w.staged != nil &&
		(w.staged.Len() >= w.batch.MaxOps || w.staged.Size() >= w.batch.MaxBytes) {
		if err = w.Flush(ctx); err != nil {
			return err
		}
	}
	if w.staged == nil {
		w.staged = w.kv.NewBatch()
	}

	if err = w.stageBlock(height, block, w.fastSync); err != nil {
		return err
	}
	w.tipHeight = int32(height)
	w.tipHash = block.Hash
	w.haveTip = true
	return nil
}

// stageBlock stages steps 1-5 of the per-block write set into the current
// batch. skipAddr elides the addr_index mutations (fast sync).
func (w *Writer) stageBlock(height uint32, block *model.Block, skipAddr bool) error {
	w.staged.Put(store.CFBlocks, store.BlockKey(block.Hash), parser.EncodeHeader(block.Header))
	w.staged.Put(store.CFChainMetadata, store.ChainHeightKey(height), block.Hash[:])
	w.staged.Put(store.CFChainMetadata, store.ChainHashKey(block.Hash), store.EncodeHeight(int32(height)))

	for i, tx := range block.Txs {
		w.staged.Put(store.CFTransactions, store.TxKey(tx.TxID),
			store.EncodeTxValue(tx.Version, int32(height), tx.Raw))
		w.staged.Put(store.CFBlockTxs, store.BlockTxsKey(height, uint32(i)), tx.TxID[:])
		w.pendingTxs[tx.TxID] = tx
	}

	if skipAddr {
		return nil
	}

	for _, tx := range block.Txs {
		w.stageOutputs(tx)
		if err := w.stageSpends(tx); err != nil {
			return err
		}
	}
	return nil
}

// stageOutputs inserts addr_index entries for every credited output.
func (w *Writer) stageOutputs(tx *model.Transaction) {
	flags := addrFlags(tx)
	for vout, out := range tx.Outputs {
		decoded := script.Decode(out.PkScript)
		if decoded.Owner == "" {
			continue
		}
		f := flags
		if decoded.Class == script.ClassColdStake {
			f |= store.AddrFlagColdStake
		}
		w.staged.Put(store.CFAddrIndex,
			store.AddrKey(decoded.Owner, tx.TxID, uint32(vout)),
			store.EncodeAddrValue(out.Value, f))
	}
}

// stageSpends removes the addr_index entries consumed by tx's inputs.
// Within-block and within-batch spends resolve against pendingTxs so the
// delete lands after the insert inside the same batch.
func (w *Writer) stageSpends(tx *model.Transaction) error {
	if tx.Type == model.TxCoinbase {
		return nil
	}
	// Coinstakes spend a real kernel input; null prevouts are skipped.
	for _, in := range tx.Inputs {
		if in.PrevOut.IsNull() {
			continue
		}
		owner, ok, err := w.ownerOf(in.PrevOut)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		w.staged.Delete(store.CFAddrIndex,
			store.AddrKey(owner, in.PrevOut.Hash, in.PrevOut.Index))
	}
	return nil
}

// ownerOf resolves the credited address of an outpoint, consulting staged
// transactions before the store.
func (w *Writer) ownerOf(out model.OutPoint) (string, bool, error) {
	var prev *model.Transaction
	if tx, ok := w.pendingTxs[out.Hash]; ok {
		prev = tx
	} else {
		buf, err := w.kv.Get(store.CFTransactions, store.TxKey(out.Hash))
		if err != nil {
			return "", false, err
		}
		if buf == nil {
			// Spend of an output we never indexed; nothing to remove.
			return "", false, nil
		}
		_, _, raw, err := store.DecodeTxValue(buf)
		if err != nil {
			return "", false, err
		}
		prev, err = parser.ParseTransaction(raw)
		if err != nil {
			return "", false, fmt.Errorf("stored tx %s: %w", out.Hash, err)
		}
	}
	if out.Index >= uint32(len(prev.Outputs)) {
		return "", false, nil
	}
	decoded := script.Decode(prev.Outputs[out.Index].PkScript)
	return decoded.Owner, decoded.Owner != "", nil
}

// Flush commits the staged batch, advancing sync_height and tip_hash in
// the same atomic write.
func (w *Writer) Flush(ctx context.Context) error {
	if w.staged == nil {
		return nil
	}
	if w.haveTip {
		w.staged.Put(store.CFChainState, store.KeySyncHeight, store.EncodeHeight(w.tipHeight))
		w.staged.Put(store.CFChainState, store.KeyTipHash, w.tipHash[:])
	}

	err := w.kv.Write(ctx, w.staged)
	w.staged.Close()
	w.staged = nil
	w.pendingTxs = map[chainhash.Hash]*model.Transaction{}
	if err != nil {
		return err
	}
	if w.haveTip {
		w.metrics.SetSyncHeight(w.tipHeight)
	}
	return nil
}

// Discard drops any staged writes without committing.
func (w *Writer) Discard() {
	if w.staged != nil {
		w.staged.Close()
		w.staged = nil
	}
	w.pendingTxs = map[chainhash.Hash]*model.Transaction{}
	w.haveTip = false
}

// SlowFlush reports the store's sustained-flush back-pressure signal.
func (w *Writer) SlowFlush() bool { return w.kv.SlowFlush() }

// Quarantine records a block that failed pipeline validation. The writer
// never advances sync_height past a quarantined height, which the caller
// enforces by stopping the feed.
func (w *Writer) Quarantine(ctx context.Context, entry model.PlanEntry, reason string) error {
	batch := w.kv.NewBatch()
	defer batch.Close()

	value := fmt.Sprintf("height=%d file=%d offset=%d reason=%s",
		entry.Height, entry.File, entry.Offset, reason)
	batch.Put(store.CFQuarantine, store.QuarantineKey(entry.Hash), []byte(value))
	return w.kv.Write(ctx, batch)
}

// SetNetworkHeight records the node's reported best height.
func (w *Writer) SetNetworkHeight(ctx context.Context, height int32) error {
	batch := w.kv.NewBatch()
	defer batch.Close()
	batch.Put(store.CFChainState, store.KeyNetworkHeight, store.EncodeHeight(height))
	return w.kv.Write(ctx, batch)
}

func addrFlags(tx *model.Transaction) byte {
	switch tx.Type {
	case model.TxCoinbase:
		return store.AddrFlagCoinbase
	case model.TxCoinstake:
		return store.AddrFlagCoinstake
	default:
		return 0
	}
}
