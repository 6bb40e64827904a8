package store

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Column family names. The set is fixed; Open validates all of them.
const (
	CFBlocks        = "blocks"
	CFTransactions  = "transactions"
	CFBlockTxs      = "block_txs"
	CFAddrIndex     = "addr_index"
	CFChainMetadata = "chain_metadata"
	CFChainState    = "chain_state"
	CFQuarantine    = "quarantine"
)

// chain_state singleton keys.
var (
	KeySyncHeight     = []byte("sync_height")
	KeyNetworkHeight  = []byte("network_height")
	KeyTipHash        = []byte("tip_hash")
	KeyAddrIndexReady = []byte("addr_index_ready")
	KeyEnrichmentDone = []byte("enrichment_done")
	KeyLastError      = []byte("last_error")
)

// BlockKey keys the blocks CF: the raw block hash.
func BlockKey(hash chainhash.Hash) []byte {
	return hash[:]
}

// TxKey keys the transactions CF: 't' followed by the txid bytes.
func TxKey(txid chainhash.Hash) []byte {
	key := make([]byte, 0, 1+chainhash.HashSize)
	key = append(key, 't')
	return append(key, txid[:]...)
}

// ChainHeightKey keys the forward chain_metadata entry height -> hash.
// Big-endian so iteration follows ascending height.
func ChainHeightKey(height uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, height)
	return key
}

// ChainHashKey keys the reverse chain_metadata entry 'h'||hash -> height.
func ChainHashKey(hash chainhash.Hash) []byte {
	key := make([]byte, 0, 1+chainhash.HashSize)
	key = append(key, 'h')
	return append(key, hash[:]...)
}

// BlockTxsKey keys block_txs: 'B'||height:be||index:be, so a prefix seek
// over a height yields the block's txids in source order.
func BlockTxsKey(height, index uint32) []byte {
	key := make([]byte, 9)
	key[0] = 'B'
	binary.BigEndian.PutUint32(key[1:5], height)
	binary.BigEndian.PutUint32(key[5:9], index)
	return key
}

// BlockTxsPrefix is the prefix covering every block_txs entry of a height.
func BlockTxsPrefix(height uint32) []byte {
	key := make([]byte, 5)
	key[0] = 'B'
	binary.BigEndian.PutUint32(key[1:5], height)
	return key
}

// AddrKey keys addr_index: 'a'||address||0x00||txid||vout:be. The NUL
// separator keeps one address's range from bleeding into longer addresses
// sharing its prefix.
func AddrKey(address string, txid chainhash.Hash, vout uint32) []byte {
	key := make([]byte, 0, 1+len(address)+1+chainhash.HashSize+4)
	key = append(key, 'a')
	key = append(key, address...)
	key = append(key, 0)
	key = append(key, txid[:]...)
	return binary.BigEndian.AppendUint32(key, vout)
}

// AddrPrefix covers every addr_index entry of one address.
func AddrPrefix(address string) []byte {
	key := make([]byte, 0, 1+len(address)+1)
	key = append(key, 'a')
	key = append(key, address...)
	return append(key, 0)
}

// AddrKeyOutpoint recovers (txid, vout) from an addr_index key.
func AddrKeyOutpoint(key []byte) (chainhash.Hash, uint32, error) {
	var txid chainhash.Hash
	if len(key) < 1+1+chainhash.HashSize+4 {
		return txid, 0, fmt.Errorf("addr key too short: %d", len(key))
	}
	tail := key[len(key)-chainhash.HashSize-4:]
	copy(txid[:], tail[:chainhash.HashSize])
	return txid, binary.BigEndian.Uint32(tail[chainhash.HashSize:]), nil
}

// QuarantineKey keys quarantined block records: 'q'||hash.
func QuarantineKey(hash chainhash.Hash) []byte {
	key := make([]byte, 0, 1+chainhash.HashSize)
	key = append(key, 'q')
	return append(key, hash[:]...)
}

// Addr entry flag bits.
const (
	AddrFlagCoinbase  byte = 1 << 0
	AddrFlagCoinstake byte = 1 << 1
	AddrFlagColdStake byte = 1 << 2
)

// EncodeAddrValue packs an addr_index value: amount and maturity flags.
func EncodeAddrValue(value int64, flags byte) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	buf[8] = flags
	return buf
}

// DecodeAddrValue unpacks an addr_index value.
func DecodeAddrValue(buf []byte) (int64, byte, error) {
	if len(buf) != 9 {
		return 0, 0, fmt.Errorf("addr value length %d", len(buf))
	}
	return int64(binary.LittleEndian.Uint64(buf[:8])), buf[8], nil
}

// EncodeTxValue packs a transactions CF value: version, height, raw bytes.
// Height -1 marks a mempool transaction.
func EncodeTxValue(version, height int32, raw []byte) []byte {
	buf := make([]byte, 8, 8+len(raw))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(version))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(height))
	return append(buf, raw...)
}

// DecodeTxValue unpacks a transactions CF value. The raw slice aliases buf.
func DecodeTxValue(buf []byte) (version, height int32, raw []byte, err error) {
	if len(buf) < 8 {
		return 0, 0, nil, fmt.Errorf("tx value length %d", len(buf))
	}
	version = int32(binary.LittleEndian.Uint32(buf[0:4]))
	height = int32(binary.LittleEndian.Uint32(buf[4:8]))
	return version, height, buf[8:], nil
}

// EncodeHeight stores heights in chain_state and chain_metadata values.
func EncodeHeight(height int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(height))
	return buf
}

// DecodeHeight reads a stored height.
func DecodeHeight(buf []byte) (int32, error) {
	if len(buf) != 4 {
		return 0, fmt.Errorf("height value length %d", len(buf))
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}
