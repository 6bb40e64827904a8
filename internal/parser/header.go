// Package parser decodes PIVX blocks and transactions from their wire
// representation.
package parser

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
)

// ParseHeader decodes an 80-byte block header.
func ParseHeader(raw []byte) (model.BlockHeader, error) {
	var h model.BlockHeader
	if len(raw) < model.HeaderSize {
		return h, &ParseError{What: "header", Where: fmt.Sprintf("len=%d", len(raw))}
	}

	h.Version = int32(binary.LittleEndian.Uint32(raw[0:4]))
	copy(h.PrevBlock[:], raw[4:36])
	copy(h.MerkleRoot[:], raw[36:68])
	h.Time = binary.LittleEndian.Uint32(raw[68:72])
	h.Bits = binary.LittleEndian.Uint32(raw[72:76])
	h.Nonce = binary.LittleEndian.Uint32(raw[76:80])
	return h, nil
}

// EncodeHeader serializes a header back to its 80-byte wire form.
func EncodeHeader(h model.BlockHeader) []byte {
	buf := make([]byte, model.HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], h.PrevBlock[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Time)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)
	return buf
}

// HashHeader returns the double-SHA-256 of the 80 header bytes.
func HashHeader(h model.BlockHeader) chainhash.Hash {
	return chainhash.DoubleHashH(EncodeHeader(h))
}

// HeaderFromBytes is a convenience for stored headers: decode plus hash.
func HeaderFromBytes(raw []byte) (model.BlockHeader, chainhash.Hash, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return h, chainhash.Hash{}, err
	}
	return h, chainhash.DoubleHashH(raw[:model.HeaderSize]), nil
}
