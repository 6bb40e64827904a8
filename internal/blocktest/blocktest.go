// Package blocktest builds synthetic PIVX blocks for tests.
package blocktest

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
)

// TxBuilder accumulates wire bytes for one transaction.
type TxBuilder struct {
	version  int32
	inputs   [][]byte
	outputs  [][]byte
	lockTime uint32
	sapling  []byte
}

// NewTx starts a version-1 transaction.
func NewTx() *TxBuilder { return &TxBuilder{version: 1} }

// Version overrides the transaction version.
func (b *TxBuilder) Version(v int32) *TxBuilder {
	b.version = v
	return b
}

// CoinbaseIn appends the null-prevout input that marks reward transactions.
func (b *TxBuilder) CoinbaseIn(scriptSig []byte) *TxBuilder {
	var null chainhash.Hash
	return b.In(null, 0xffffffff, scriptSig)
}

// In appends a regular input.
func (b *TxBuilder) In(prev chainhash.Hash, vout uint32, scriptSig []byte) *TxBuilder {
	buf := append([]byte{}, prev[:]...)
	buf = appendUint32(buf, vout)
	buf = appendVarBytes(buf, scriptSig)
	buf = appendUint32(buf, 0xffffffff) // sequence
	b.inputs = append(b.inputs, buf)
	return b
}

// Out appends an output.
func (b *TxBuilder) Out(value int64, pkScript []byte) *TxBuilder {
	buf := appendUint64(nil, uint64(value))
	buf = appendVarBytes(buf, pkScript)
	b.outputs = append(b.outputs, buf)
	return b
}

// EmptyOut appends the zero-value empty output that marks a coinstake.
func (b *TxBuilder) EmptyOut() *TxBuilder { return b.Out(0, nil) }

// Sapling appends well-formed empty shielded data (valid for version >= 3).
func (b *TxBuilder) Sapling(valueBalance int64) *TxBuilder {
	buf := appendUint64(nil, uint64(valueBalance))
	buf = append(buf, 0, 0) // no spends, no outputs
	buf = append(buf, make([]byte, 64)...)
	b.sapling = buf
	return b
}

// Bytes serializes the transaction.
func (b *TxBuilder) Bytes() []byte {
	buf := appendUint32(nil, uint32(b.version))
	buf = appendVarInt(buf, uint64(len(b.inputs)))
	for _, in := range b.inputs {
		buf = append(buf, in...)
	}
	buf = appendVarInt(buf, uint64(len(b.outputs)))
	for _, out := range b.outputs {
		buf = append(buf, out...)
	}
	buf = appendUint32(buf, b.lockTime)
	buf = append(buf, b.sapling...)
	return buf
}

// TxID hashes the serialized transaction.
func (b *TxBuilder) TxID() chainhash.Hash {
	return chainhash.DoubleHashH(b.Bytes())
}

// BlockBuilder accumulates wire bytes for one block.
type BlockBuilder struct {
	header model.BlockHeader
	txs    []*TxBuilder
}

// NewBlock starts a block on top of prev with the given timestamp.
func NewBlock(prev chainhash.Hash, time uint32) *BlockBuilder {
	return &BlockBuilder{header: model.BlockHeader{
		Version:   4,
		PrevBlock: prev,
		Time:      time,
		Bits:      0x1e0ffff0,
	}}
}

// Nonce sets the header nonce, useful to force distinct hashes.
func (b *BlockBuilder) Nonce(n uint32) *BlockBuilder {
	b.header.Nonce = n
	return b
}

// Tx appends a transaction.
func (b *BlockBuilder) Tx(tx *TxBuilder) *BlockBuilder {
	b.txs = append(b.txs, tx)
	return b
}

// WithCoinbase appends a minimal coinbase paying value to pkScript. The
// scriptSig carries the header time and nonce so blocks with identical
// payouts still produce distinct txids, as height salting does on chain.
func (b *BlockBuilder) WithCoinbase(value int64, pkScript []byte) *BlockBuilder {
	sig := []byte{txscript.OP_0}
	sig = appendUint32(sig, b.header.Time)
	sig = appendUint32(sig, b.header.Nonce)
	return b.Tx(NewTx().CoinbaseIn(sig).Out(value, pkScript))
}

// Header returns the header with the merkle root slot folded over the tx
// ids, enough to make distinct blocks hash distinctly.
func (b *BlockBuilder) Header() model.BlockHeader {
	h := b.header
	for _, tx := range b.txs {
		id := tx.TxID()
		for i := range h.MerkleRoot {
			h.MerkleRoot[i] ^= id[i]
		}
	}
	return h
}

// Hash returns the block hash.
func (b *BlockBuilder) Hash() chainhash.Hash {
	return chainhash.DoubleHashH(headerBytes(b.Header()))
}

// Bytes serializes the block.
func (b *BlockBuilder) Bytes() []byte {
	buf := headerBytes(b.Header())
	buf = appendVarInt(buf, uint64(len(b.txs)))
	for _, tx := range b.txs {
		buf = append(buf, tx.Bytes()...)
	}
	return buf
}

func headerBytes(h model.BlockHeader) []byte {
	buf := appendUint32(nil, uint32(h.Version))
	buf = append(buf, h.PrevBlock[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = appendUint32(buf, h.Time)
	buf = appendUint32(buf, h.Bits)
	buf = appendUint32(buf, h.Nonce)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func appendVarInt(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(buf, byte(v))
	case v <= 0xffff:
		buf = append(buf, 0xfd)
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case v <= 0xffffffff:
		buf = append(buf, 0xfe)
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		buf = append(buf, 0xff)
		return binary.LittleEndian.AppendUint64(buf, v)
	}
}

func appendVarBytes(buf, b []byte) []byte {
	buf = appendVarInt(buf, uint64(len(b)))
	return append(buf, b...)
}
