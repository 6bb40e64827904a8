package store

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrKey(t *testing.T) {
	t.Parallel()

	var txid chainhash.Hash
	txid[0] = 0xde

	key := AddrKey("DAddr", txid, 7)
	assert.True(t, bytes.HasPrefix(key, AddrPrefix("DAddr")))

	gotTxid, gotVout, err := AddrKeyOutpoint(key)
	require.NoError(t, err)
	assert.Equal(t, txid, gotTxid)
	assert.Equal(t, uint32(7), gotVout)

	// A longer address sharing the prefix must not match the range.
	other := AddrKey("DAddr2", txid, 7)
	assert.False(t, bytes.HasPrefix(other, AddrPrefix("DAddr")))

	_, _, err = AddrKeyOutpoint([]byte{'a', 1, 2})
	assert.Error(t, err)
}

func TestBlockTxsKeyOrdering(t *testing.T) {
	t.Parallel()

	// Big-endian keys must sort by (height, index).
	assert.Negative(t, bytes.Compare(BlockTxsKey(1, 2), BlockTxsKey(1, 3)))
	assert.Negative(t, bytes.Compare(BlockTxsKey(1, 0xffff), BlockTxsKey(2, 0)))
	assert.Negative(t, bytes.Compare(BlockTxsKey(255, 0), BlockTxsKey(256, 0)))
	assert.True(t, bytes.HasPrefix(BlockTxsKey(42, 9), BlockTxsPrefix(42)))
}

func TestValueCodecs(t *testing.T) {
	t.Parallel()

	t.Run("addr value", func(t *testing.T) {
		t.Parallel()
		buf := EncodeAddrValue(1234567, AddrFlagCoinstake|AddrFlagColdStake)
		value, flags, err := DecodeAddrValue(buf)
		require.NoError(t, err)
		assert.Equal(t, int64(1234567), value)
		assert.Equal(t, AddrFlagCoinstake|AddrFlagColdStake, flags)

		_, _, err = DecodeAddrValue(buf[:5])
		assert.Error(t, err)
	})

	t.Run("tx value", func(t *testing.T) {
		t.Parallel()
		raw := []byte{1, 2, 3, 4}
		buf := EncodeTxValue(3, -1, raw)
		version, height, gotRaw, err := DecodeTxValue(buf)
		require.NoError(t, err)
		assert.Equal(t, int32(3), version)
		assert.Equal(t, int32(-1), height)
		assert.Equal(t, raw, gotRaw)

		_, _, _, err = DecodeTxValue(buf[:3])
		assert.Error(t, err)
	})

	t.Run("height", func(t *testing.T) {
		t.Parallel()
		h, err := DecodeHeight(EncodeHeight(-1))
		require.NoError(t, err)
		assert.Equal(t, int32(-1), h)

		h, err = DecodeHeight(EncodeHeight(1_000_000))
		require.NoError(t, err)
		assert.Equal(t, int32(1_000_000), h)
	})
}
