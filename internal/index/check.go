package index

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

// InvariantViolationError reports a persisted invariant that failed a
// check. Fatal for the sync process; the violation counter is bumped by
// the checker before returning.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

// Checker validates the persisted invariants over a consistent snapshot.
type Checker struct {
	kv      store.KV
	metrics Metrics
	logger  *zap.Logger
}

// NewChecker builds a Checker.
func NewChecker(kv store.KV, m Metrics, logger *zap.Logger) *Checker {
	return &Checker{kv: kv, metrics: m, logger: logger.Named("checker")}
}

// Check verifies INV-1 through INV-4 up to the snapshot's sync height.
func (c *Checker) Check(ctx context.Context) error {
	snap, err := c.kv.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	syncHeight, err := snapSyncHeight(snap)
	if err != nil {
		return err
	}
	if syncHeight < 0 {
		return nil
	}

	if err := c.checkChain(ctx, snap, uint32(syncHeight)); err != nil {
		return err
	}
	spent, err := BuildSpentSet(ctx, snap, uint32(syncHeight))
	if err != nil {
		return err
	}
	if err := c.checkTransactions(ctx, snap, uint32(syncHeight)); err != nil {
		return err
	}
	return c.checkAddrIndex(ctx, snap, spent)
}

// checkChain covers INV-1 (forward and reverse chain entries agree) and
// INV-3 (block_txs rows follow source order with no gaps).
func (c *Checker) checkChain(ctx context.Context, snap store.Snapshot, syncHeight uint32) error {
	for h := uint32(0); h <= syncHeight; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hashBuf, err := snap.Get(store.CFChainMetadata, store.ChainHeightKey(h))
		if err != nil {
			return err
		}
		if hashBuf == nil {
			return c.violation("INV-1", fmt.Sprintf("no chain entry at height %d", h))
		}
		var hash chainhash.Hash
		copy(hash[:], hashBuf)

		revBuf, err := snap.Get(store.CFChainMetadata, store.ChainHashKey(hash))
		if err != nil {
			return err
		}
		if revBuf == nil {
			return c.violation("INV-1", fmt.Sprintf("no reverse entry for %s", hash))
		}
		rev, err := store.DecodeHeight(revBuf)
		if err != nil || rev != int32(h) {
			return c.violation("INV-1", fmt.Sprintf("reverse entry for %s is %d, want %d", hash, rev, h))
		}

		headerBuf, err := snap.Get(store.CFBlocks, store.BlockKey(hash))
		if err != nil {
			return err
		}
		if headerBuf == nil {
			return c.violation("INV-2", fmt.Sprintf("missing header for canonical block %s", hash))
		}

		next := uint32(0)
		var iterErr error
		err = snap.IteratePrefix(store.CFBlockTxs, store.BlockTxsPrefix(h), func(key, _ []byte) bool {
			if len(key) != 9 || binary.BigEndian.Uint32(key[5:9]) != next {
				iterErr = c.violation("INV-3", fmt.Sprintf("height %d tx rows not dense at %d", h, next))
				return false
			}
			next++
			return true
		})
		if err != nil {
			return err
		}
		if iterErr != nil {
			return iterErr
		}
		if next == 0 {
			return c.violation("INV-3", fmt.Sprintf("height %d has no tx rows", h))
		}
	}
	return nil
}

// checkTransactions covers INV-2: every confirmed tx record points at a
// height whose block really contains it.
func (c *Checker) checkTransactions(ctx context.Context, snap store.Snapshot, syncHeight uint32) error {
	var iterErr error
	err := snap.IteratePrefix(store.CFTransactions, []byte{'t'}, func(key, value []byte) bool {
		if ctx.Err() != nil {
			iterErr = ctx.Err()
			return false
		}
		_, height, _, err := store.DecodeTxValue(value)
		if err != nil {
			iterErr = c.violation("INV-2", fmt.Sprintf("undecodable tx value for %x", key))
			return false
		}
		if height < 0 || uint32(height) > syncHeight {
			return true
		}
		var txid chainhash.Hash
		copy(txid[:], key[1:])

		found := false
		scanErr := snap.IteratePrefix(store.CFBlockTxs, store.BlockTxsPrefix(uint32(height)), func(_, rowTxid []byte) bool {
			if chainhash.Hash(rowTxid[:chainhash.HashSize]) == txid {
				found = true
				return false
			}
			return true
		})
		if scanErr != nil {
			iterErr = scanErr
			return false
		}
		if !found {
			iterErr = c.violation("INV-2", fmt.Sprintf("tx %s not in block at height %d", txid, height))
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return iterErr
}

// checkAddrIndex covers INV-4: every entry references an existing credited
// output that no canonical tx has spent.
func (c *Checker) checkAddrIndex(ctx context.Context, snap store.Snapshot, spent map[model.OutPoint]struct{}) error {
	var iterErr error
	err := snap.IteratePrefix(store.CFAddrIndex, []byte{'a'}, func(key, _ []byte) bool {
		if ctx.Err() != nil {
			iterErr = ctx.Err()
			return false
		}
		txid, vout, err := store.AddrKeyOutpoint(key)
		if err != nil {
			iterErr = c.violation("INV-4", err.Error())
			return false
		}
		if _, isSpent := spent[model.OutPoint{Hash: txid, Index: vout}]; isSpent {
			iterErr = c.violation("INV-4", fmt.Sprintf("entry for spent outpoint %s:%d", txid, vout))
			return false
		}
		tx, err := txAt(snap, txid)
		if err != nil {
			iterErr = c.violation("INV-4", fmt.Sprintf("entry for unknown tx %s", txid))
			return false
		}
		if vout >= uint32(len(tx.Outputs)) {
			iterErr = c.violation("INV-4", fmt.Sprintf("entry for out-of-range vout %s:%d", txid, vout))
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return iterErr
}

func (c *Checker) violation(invariant, detail string) error {
	c.metrics.ObserveInvariantViolation(invariant)
	c.logger.Error("invariant violation",
		zap.String("invariant", invariant),
		zap.String("detail", detail))
	return &InvariantViolationError{Invariant: invariant, Detail: detail}
}

func snapSyncHeight(snap store.Snapshot) (int32, error) {
	buf, err := snap.Get(store.CFChainState, store.KeySyncHeight)
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return -1, nil
	}
	return store.DecodeHeight(buf)
}
