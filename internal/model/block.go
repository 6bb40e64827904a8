// Package model defines domain records shared by the indexer core.
package model

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HeaderSize is the serialized size of a block header in bytes.
const HeaderSize = 80

// BlockHeader is the fixed 80-byte PIVX block header.
type BlockHeader struct {
	Version    int32
	PrevBlock  chainhash.Hash
	MerkleRoot chainhash.Hash
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

// Block is a parsed block: header plus transactions in source order.
type Block struct {
	Header BlockHeader
	Hash   chainhash.Hash
	Txs    []*Transaction
}

// IsProofOfStake reports whether the block carries a coinstake at tx[1].
func (b *Block) IsProofOfStake() bool {
	return len(b.Txs) > 1 && b.Txs[1].Type == TxCoinstake
}

// PlanEntry locates one canonical block inside the node's blk files.
type PlanEntry struct {
	Height uint32
	Hash   chainhash.Hash
	File   uint16
	Offset uint64
	Length uint32
}

// OrphanHeader is a header present in the node index but not on the
// active chain. Informational only, never persisted as canonical.
type OrphanHeader struct {
	Hash       chainhash.Hash
	PrevBlock  chainhash.Hash
	HeightHint int64
}
