package index

import (
	"context"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

// BuildSpentSet walks the canonical chain up to maxHeight and returns
// every outpoint consumed by a canonical transaction. This is pass one of
// the two-pass address rebuild.
func BuildSpentSet(ctx context.Context, g getter, maxHeight uint32) (map[model.OutPoint]struct{}, error) {
	spent := make(map[model.OutPoint]struct{})

	var iterErr error
	err := g.IteratePrefix(store.CFBlockTxs, []byte{'B'}, func(key, value []byte) bool {
		if ctx.Err() != nil {
			iterErr = ctx.Err()
			return false
		}
		if len(key) != 9 {
			return true
		}
		if binary.BigEndian.Uint32(key[1:5]) > maxHeight {
			return false
		}
		var txid chainhash.Hash
		copy(txid[:], value)
		tx, err := txAt(g, txid)
		if err != nil {
			iterErr = err
			return false
		}
		if tx.Type == model.TxCoinbase {
			return true
		}
		for _, in := range tx.Inputs {
			if in.PrevOut.IsNull() {
				continue
			}
			spent[in.PrevOut] = struct{}{}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return spent, nil
}
