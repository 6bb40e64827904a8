package model

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TxType tags a transaction variant once at parse time so downstream code
// matches on the tag instead of re-inspecting raw bytes.
type TxType string

const (
	// TxRegular is an ordinary transparent transaction.
	TxRegular TxType = "regular"
	// TxCoinbase is a reward transaction with a null prevout.
	TxCoinbase TxType = "coinbase"
	// TxCoinstake is a PoS reward: two or more outputs, the first empty with
	// zero value.
	TxCoinstake TxType = "coinstake"
)

// HeightMempool marks a transaction that is not yet in a canonical block.
const HeightMempool int32 = -1

// OutPoint references a transaction output by txid and index.
type OutPoint struct {
	Hash  chainhash.Hash
	Index uint32
}

// IsNull reports whether the outpoint is the coinbase marker
// (zero hash, index 0xffffffff).
func (o OutPoint) IsNull() bool {
	return o.Index == 0xffffffff && o.Hash == chainhash.Hash{}
}

// TxIn is a transaction input.
type TxIn struct {
	PrevOut   OutPoint
	ScriptSig []byte
	Sequence  uint32
}

// TxOut is a transaction output. Addresses are filled by the script pass;
// for cold-staking outputs the owner address is the one credited.
type TxOut struct {
	Value     int64
	PkScript  []byte
	Addresses []string
	Owner     string
	ColdStake bool
}

// SaplingData carries the shielded fields appended to version >= 3
// transactions. Partial is set when probing past the transparent fields
// failed; the shielded fields are then left zero.
type SaplingData struct {
	ValueBalance int64
	SpendCount   int
	OutputCount  int
	BindingSig   [64]byte
	Partial      bool
}

// Transaction is a parsed transaction plus its parse-time classification.
type Transaction struct {
	TxID     chainhash.Hash
	Version  int32
	Inputs   []TxIn
	Outputs  []TxOut
	LockTime uint32
	Sapling  *SaplingData
	Type     TxType
	Raw      []byte
}

// IsCoinbase reports whether the transaction emits a PoW reward.
func (t *Transaction) IsCoinbase() bool { return t.Type == TxCoinbase }

// IsCoinstake reports whether the transaction emits a PoS reward.
func (t *Transaction) IsCoinstake() bool { return t.Type == TxCoinstake }

// RequiresMaturity reports whether outputs of the transaction are subject
// to a confirmation maturity window before they can be spent.
func (t *Transaction) RequiresMaturity() bool {
	return t.Type == TxCoinbase || t.Type == TxCoinstake
}
