package index

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/parser"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

// getter abstracts the read surface shared by the live KV and snapshots.
type getter interface {
	Get(cf string, key []byte) ([]byte, error)
	IteratePrefix(cf string, prefix []byte, fn func(key, value []byte) bool) error
}

// BlockAt reconstructs the committed block at a canonical height from the
// blocks, block_txs and transactions families.
func (w *Writer) BlockAt(height uint32) (*model.Block, error) {
	return blockAt(w.kv, height)
}

func blockAt(g getter, height uint32) (*model.Block, error) {
	hashBuf, err := g.Get(store.CFChainMetadata, store.ChainHeightKey(height))
	if err != nil {
		return nil, err
	}
	if hashBuf == nil {
		return nil, fmt.Errorf("no canonical block at height %d", height)
	}
	var hash chainhash.Hash
	copy(hash[:], hashBuf)

	headerBuf, err := g.Get(store.CFBlocks, store.BlockKey(hash))
	if err != nil {
		return nil, err
	}
	if headerBuf == nil {
		return nil, fmt.Errorf("missing header for block %s at height %d", hash, height)
	}
	header, _, err := parser.HeaderFromBytes(headerBuf)
	if err != nil {
		return nil, err
	}

	block := &model.Block{Header: header, Hash: hash}
	var iterErr error
	err = g.IteratePrefix(store.CFBlockTxs, store.BlockTxsPrefix(height), func(_, value []byte) bool {
		var txid chainhash.Hash
		copy(txid[:], value)
		tx, err := txAt(g, txid)
		if err != nil {
			iterErr = err
			return false
		}
		block.Txs = append(block.Txs, tx)
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return block, nil
}

func txAt(g getter, txid chainhash.Hash) (*model.Transaction, error) {
	buf, err := g.Get(store.CFTransactions, store.TxKey(txid))
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, fmt.Errorf("missing transaction %s", txid)
	}
	_, _, raw, err := store.DecodeTxValue(buf)
	if err != nil {
		return nil, err
	}
	return parser.ParseTransaction(raw)
}
