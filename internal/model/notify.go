package model

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Notification is implemented by every change event published to the
// external API collaborators.
type Notification interface {
	notification()
}

// NewBlock announces a freshly committed canonical block.
type NewBlock struct {
	Height uint32
	Hash   chainhash.Hash
}

// ReorgDetected announces a completed chain reorganization.
type ReorgDetected struct {
	OldTip chainhash.Hash
	NewTip chainhash.Hash
	Depth  uint32
}

// MempoolChanged announces a transaction entering or leaving the mempool.
type MempoolChanged struct {
	Added bool
	TxID  chainhash.Hash
}

func (NewBlock) notification()       {}
func (ReorgDetected) notification()  {}
func (MempoolChanged) notification() {}
