// Package chain holds PIVX network constants and chainwork arithmetic.
package chain

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Magic is the PIVX mainnet message start, as it appears on disk ahead of
// every block record in blk*.dat (little-endian bytes of 0xE9FDC490).
var Magic = [4]byte{0x90, 0xc4, 0xfd, 0xe9}

// GenesisHash is the PIVX mainnet genesis block hash.
var GenesisHash = mustHashFromStr("0000041e482b9b9691d98eefb48473405c0b8ec31b76df3797c74a78680ef818")

// Base58 version prefixes for mainnet addresses.
const (
	// PubKeyHashPrefix yields "D..." addresses.
	PubKeyHashPrefix byte = 30
	// ScriptHashPrefix yields "6..." addresses.
	ScriptHashPrefix byte = 13
	// StakingKeyPrefix yields "S..." cold-staking addresses.
	StakingKeyPrefix byte = 63
)

// Maturity windows in confirmations. The indexer only tags coinbase and
// coinstake outputs; enforcement is left to the query layer, which uses
// CoinstakeDisplayMaturity for user-facing spendability.
const (
	CoinbaseMaturity         uint32 = 100
	CoinstakeMaturity        uint32 = 600
	CoinstakeDisplayMaturity uint32 = 20
)

// ClockSkewTolerance bounds how far a block's timestamp may precede its
// parent's during pipeline validation.
const ClockSkewTolerance = 2 * time.Hour

func mustHashFromStr(s string) chainhash.Hash {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}
	return *h
}
