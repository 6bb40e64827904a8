package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
)

const (
	maxScriptSize = 1 << 16
	maxTxElements = 1 << 14

	// SaplingTxVersion is the first transaction version carrying shielded
	// data after the locktime.
	SaplingTxVersion = 3

	saplingSpendSize  = 384
	saplingOutputSize = 948
	bindingSigSize    = 64
)

// ParseBlock decodes a full block: 80-byte header, compact-size tx count,
// transactions in source order. The returned block's hash is computed from
// the header bytes.
func ParseBlock(raw []byte) (*model.Block, error) {
	header, hash, err := HeaderFromBytes(raw)
	if err != nil {
		return nil, err
	}

	body := raw[model.HeaderSize:]
	r := bytes.NewReader(body)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, &ParseError{What: "tx count", Where: hash.String(), Err: err}
	}
	if count > maxTxElements {
		return nil, &ParseError{What: "tx count", Where: hash.String(), Err: fmt.Errorf("%d exceeds limit", count)}
	}

	block := &model.Block{
		Header: header,
		Hash:   hash,
		Txs:    make([]*model.Transaction, 0, count),
	}
	for i := uint64(0); i < count; i++ {
		tx, err := parseTransaction(body, r)
		if err != nil {
			return nil, &ParseError{
				What:  fmt.Sprintf("tx %d", i),
				Where: hash.String(),
				Err:   err,
			}
		}
		block.Txs = append(block.Txs, tx)
	}
	return block, nil
}

// ParseTransaction decodes a single transaction from raw bytes.
func ParseTransaction(raw []byte) (*model.Transaction, error) {
	r := bytes.NewReader(raw)
	return parseTransaction(raw, r)
}

// parseTransaction reads one transaction from r, which must be a reader
// over buf. Raw bytes and txid cover exactly the consumed range.
func parseTransaction(buf []byte, r *bytes.Reader) (*model.Transaction, error) {
	start := len(buf) - r.Len()

	var version int32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}

	inCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("input count: %w", err)
	}
	if inCount > maxTxElements {
		return nil, fmt.Errorf("input count %d exceeds limit", inCount)
	}
	inputs := make([]model.TxIn, 0, inCount)
	for i := uint64(0); i < inCount; i++ {
		in, err := parseTxIn(r)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		inputs = append(inputs, in)
	}

	outCount, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("output count: %w", err)
	}
	if outCount > maxTxElements {
		return nil, fmt.Errorf("output count %d exceeds limit", outCount)
	}
	outputs := make([]model.TxOut, 0, outCount)
	for i := uint64(0); i < outCount; i++ {
		out, err := parseTxOut(r)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		outputs = append(outputs, out)
	}

	var lockTime uint32
	if err := binary.Read(r, binary.LittleEndian, &lockTime); err != nil {
		return nil, fmt.Errorf("locktime: %w", err)
	}

	var sapling *model.SaplingData
	if version >= SaplingTxVersion {
		mark := r.Len()
		sapling, err = parseSaplingData(r)
		if err != nil {
			// Retain the transparent fields; rewind past whatever the
			// failed probe consumed.
			rewind := int64(len(buf) - mark)
			if _, seekErr := r.Seek(rewind, io.SeekStart); seekErr != nil {
				return nil, fmt.Errorf("sapling rewind: %w", seekErr)
			}
			sapling = &model.SaplingData{Partial: true}
		}
	}

	end := len(buf) - r.Len()
	txRaw := buf[start:end]

	tx := &model.Transaction{
		TxID:     chainhash.DoubleHashH(txRaw),
		Version:  version,
		Inputs:   inputs,
		Outputs:  outputs,
		LockTime: lockTime,
		Sapling:  sapling,
		Raw:      txRaw,
	}
	tx.Type = classify(tx)
	return tx, nil
}

func parseTxIn(r *bytes.Reader) (model.TxIn, error) {
	var in model.TxIn
	if _, err := io.ReadFull(r, in.PrevOut.Hash[:]); err != nil {
		return in, fmt.Errorf("prevout hash: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &in.PrevOut.Index); err != nil {
		return in, fmt.Errorf("prevout index: %w", err)
	}
	script, err := wire.ReadVarBytes(r, 0, maxScriptSize, "scriptSig")
	if err != nil {
		return in, fmt.Errorf("scriptSig: %w", err)
	}
	in.ScriptSig = script
	if err := binary.Read(r, binary.LittleEndian, &in.Sequence); err != nil {
		return in, fmt.Errorf("sequence: %w", err)
	}
	return in, nil
}

func parseTxOut(r *bytes.Reader) (model.TxOut, error) {
	var out model.TxOut
	if err := binary.Read(r, binary.LittleEndian, &out.Value); err != nil {
		return out, fmt.Errorf("value: %w", err)
	}
	script, err := wire.ReadVarBytes(r, 0, maxScriptSize, "pkScript")
	if err != nil {
		return out, fmt.Errorf("pkScript: %w", err)
	}
	out.PkScript = script
	return out, nil
}

func parseSaplingData(r *bytes.Reader) (*model.SaplingData, error) {
	var sd model.SaplingData
	if err := binary.Read(r, binary.LittleEndian, &sd.ValueBalance); err != nil {
		return nil, fmt.Errorf("value balance: %w", err)
	}

	spends, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("spend count: %w", err)
	}
	if spends > maxTxElements {
		return nil, fmt.Errorf("spend count %d exceeds limit", spends)
	}
	if err := skip(r, int64(spends)*saplingSpendSize); err != nil {
		return nil, fmt.Errorf("spends: %w", err)
	}
	sd.SpendCount = int(spends)

	outputs, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("output count: %w", err)
	}
	if outputs > maxTxElements {
		return nil, fmt.Errorf("output count %d exceeds limit", outputs)
	}
	if err := skip(r, int64(outputs)*saplingOutputSize); err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}
	sd.OutputCount = int(outputs)

	if _, err := io.ReadFull(r, sd.BindingSig[:]); err != nil {
		return nil, fmt.Errorf("binding sig: %w", err)
	}
	return &sd, nil
}

func skip(r *bytes.Reader, n int64) error {
	if int64(r.Len()) < n {
		return io.ErrUnexpectedEOF
	}
	_, err := r.Seek(n, io.SeekCurrent)
	return err
}

// classify computes the parse-time transaction tag. A coinstake is marked
// by its empty first output ahead of at least one more (the kernel input
// is real); a null prevout marks a coinbase.
func classify(tx *model.Transaction) model.TxType {
	if len(tx.Inputs) == 0 {
		return model.TxRegular
	}
	if len(tx.Outputs) >= 2 && tx.Outputs[0].Value == 0 && len(tx.Outputs[0].PkScript) == 0 {
		return model.TxCoinstake
	}
	if tx.Inputs[0].PrevOut.IsNull() {
		return model.TxCoinbase
	}
	return model.TxRegular
}
