package index

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/script"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

// HeightBlock pairs a parsed block with its canonical height.
type HeightBlock struct {
	Height uint32
	Block  *model.Block
}

// ApplyReorg atomically replaces the chain suffix above ancestor with
// newBlocks. Rollbacks of heights (ancestor, old tip] in descending order
// and the new branch are staged into one batch; sync_height and tip_hash
// flip with the same commit, so readers see either the old tip or the new
// one and never a half-rolled-back state.
func (w *Writer) ApplyReorg(ctx context.Context, ancestor uint32, newBlocks []HeightBlock) (err error) {
	if w.staged != nil {
		return fmt.Errorf("reorg with staged writes pending")
	}

	oldTip, err := w.SyncHeight()
	if err != nil {
		return err
	}
	if oldTip < 0 || uint32(oldTip) <= ancestor {
		return fmt.Errorf("reorg ancestor %d not below tip %d", ancestor, oldTip)
	}

	w.staged = w.kv.NewBatch()
	defer func() {
		if err != nil {
			w.Discard()
		}
	}()

	for h := uint32(oldTip); h > ancestor; h-- {
		block, loadErr := w.BlockAt(h)
		if loadErr != nil {
			err = loadErr
			w.metrics.ObserveRollback(err)
			return err
		}
		if stageErr := w.stageRollback(h, block); stageErr != nil {
			err = stageErr
			w.metrics.ObserveRollback(err)
			return err
		}
		w.metrics.ObserveRollback(nil)
		w.logger.Info("rolled back block",
			zap.Uint32("height", h),
			zap.String("hash", block.Hash.String()))
	}

	for _, hb := range newBlocks {
		if stageErr := w.stageBlock(hb.Height, hb.Block, false); stageErr != nil {
			err = stageErr
			return err
		}
	}

	tipHeight := int32(ancestor)
	tipHash := chainhash.Hash{}
	if len(newBlocks) > 0 {
		last := newBlocks[len(newBlocks)-1]
		tipHeight = int32(last.Height)
		tipHash = last.Block.Hash
	} else {
		hash, ok, hashErr := w.HashAt(ancestor)
		if hashErr != nil {
			err = hashErr
			return err
		}
		if !ok {
			err = fmt.Errorf("missing canonical hash at ancestor %d", ancestor)
			return err
		}
		tipHash = hash
	}
	w.staged.Put(store.CFChainState, store.KeySyncHeight, store.EncodeHeight(tipHeight))
	w.staged.Put(store.CFChainState, store.KeyTipHash, tipHash[:])

	err = w.kv.Write(ctx, w.staged)
	w.staged.Close()
	w.staged = nil
	w.pendingTxs = map[chainhash.Hash]*model.Transaction{}
	if err != nil {
		return err
	}
	w.metrics.SetSyncHeight(tipHeight)
	w.tipHeight = tipHeight
	w.tipHash = tipHash
	w.haveTip = true
	return nil
}

// stageRollback reverses the write set of one block. Transactions are
// processed in reverse source order so a within-block spend's re-insert is
// overridden by the later removal of the creating output.
func (w *Writer) stageRollback(height uint32, block *model.Block) error {
	for i := len(block.Txs) - 1; i >= 0; i-- {
		tx := block.Txs[i]

		// Re-insert the outputs this tx spent.
		if tx.Type != model.TxCoinbase {
			for _, in := range tx.Inputs {
				if in.PrevOut.IsNull() {
					continue
				}
				if err := w.stageRestore(in.PrevOut); err != nil {
					return err
				}
			}
		}

		// Remove the outputs this tx created.
		for vout, out := range tx.Outputs {
			decoded := script.Decode(out.PkScript)
			if decoded.Owner == "" {
				continue
			}
			w.staged.Delete(store.CFAddrIndex, store.AddrKey(decoded.Owner, tx.TxID, uint32(vout)))
		}

		w.staged.Delete(store.CFBlockTxs, store.BlockTxsKey(height, uint32(i)))
		w.stageTxDelete(tx.TxID, height)
		delete(w.pendingTxs, tx.TxID)
	}

	w.staged.Delete(store.CFBlocks, store.BlockKey(block.Hash))
	w.staged.Delete(store.CFChainMetadata, store.ChainHeightKey(height))
	w.staged.Delete(store.CFChainMetadata, store.ChainHashKey(block.Hash))
	return nil
}

// stageTxDelete removes a tx record unless the stored record carries a
// different height (identical tx bytes may appear at two heights; the
// record keeps the later one).
func (w *Writer) stageTxDelete(txid chainhash.Hash, height uint32) {
	buf, err := w.kv.Get(store.CFTransactions, store.TxKey(txid))
	if err != nil || buf == nil {
		return
	}
	_, storedHeight, _, err := store.DecodeTxValue(buf)
	if err == nil && storedHeight >= 0 && storedHeight != int32(height) {
		return
	}
	w.staged.Delete(store.CFTransactions, store.TxKey(txid))
}

// stageRestore re-inserts the addr_index entry for a previously spent
// outpoint, recovering value and maturity flags from the creating tx.
func (w *Writer) stageRestore(out model.OutPoint) error {
	prev, err := txAt(w.kv, out.Hash)
	if err != nil {
		// The creating tx is being rolled back in this same batch; its
		// own output removal supersedes any restore.
		if _, staged := w.pendingTxs[out.Hash]; staged {
			return nil
		}
		w.logger.Warn("spent outpoint has no stored tx", zap.String("txid", out.Hash.String()))
		return nil
	}
	if out.Index >= uint32(len(prev.Outputs)) {
		return nil
	}
	decoded := script.Decode(prev.Outputs[out.Index].PkScript)
	if decoded.Owner == "" {
		return nil
	}
	flags := addrFlags(prev)
	if decoded.Class == script.ClassColdStake {
		flags |= store.AddrFlagColdStake
	}
	w.staged.Put(store.CFAddrIndex,
		store.AddrKey(decoded.Owner, out.Hash, out.Index),
		store.EncodeAddrValue(prev.Outputs[out.Index].Value, flags))
	return nil
}
