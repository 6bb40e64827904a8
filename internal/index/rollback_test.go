package index

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/blocktest"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store/storetest"
)

// chainFixture builds and applies a three-block chain where block 2 spends
// block 0's coinbase.
func chainFixture(t *testing.T, ctx context.Context, kv *storetest.Mem, w *Writer) (builders []*blocktest.BlockBuilder) {
	t.Helper()

	scriptA := pkScriptFor(0x01)
	scriptB := pkScriptFor(0x02)

	b0 := blocktest.NewBlock(chainhash.Hash{}, 1000).WithCoinbase(250_00000000, scriptA)
	block0 := parseBuilt(t, b0)
	b1 := blocktest.NewBlock(b0.Hash(), 1060).WithCoinbase(250_00000000, scriptA)
	spender := blocktest.NewTx().In(block0.Txs[0].TxID, 0, nil).Out(249_00000000, scriptB)
	b2 := blocktest.NewBlock(b1.Hash(), 1120).
		WithCoinbase(250_00000000, scriptB).
		Tx(spender)

	for h, b := range []*blocktest.BlockBuilder{b0, b1, b2} {
		require.NoError(t, w.ApplyBlock(ctx, uint32(h), parseBuilt(t, b)))
	}
	require.NoError(t, w.Flush(ctx))
	return []*blocktest.BlockBuilder{b0, b1, b2}
}

func dumpAll(kv *storetest.Mem) map[string]map[string][]byte {
	out := map[string]map[string][]byte{}
	for _, cf := range []string{
		store.CFBlocks, store.CFTransactions, store.CFBlockTxs,
		store.CFAddrIndex, store.CFChainMetadata, store.CFChainState,
	} {
		out[cf] = kv.Dump(cf)
	}
	return out
}

func TestApplyReorgReplacesSuffix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := storetest.NewMem()
	w := newTestWriter(t, kv, false)
	builders := chainFixture(t, ctx, kv, w)

	scriptA := pkScriptFor(0x01)
	scriptC := pkScriptFor(0x03)

	// New branch diverging after height 0, one block heavier.
	n1 := blocktest.NewBlock(builders[0].Hash(), 1061).Nonce(7).WithCoinbase(250_00000000, scriptC)
	n2 := blocktest.NewBlock(n1.Hash(), 1121).Nonce(7).WithCoinbase(250_00000000, scriptC)
	n3 := blocktest.NewBlock(n2.Hash(), 1181).Nonce(7).WithCoinbase(250_00000000, scriptC)

	newBlocks := []HeightBlock{
		{Height: 1, Block: parseBuilt(t, n1)},
		{Height: 2, Block: parseBuilt(t, n2)},
		{Height: 3, Block: parseBuilt(t, n3)},
	}
	require.NoError(t, w.ApplyReorg(ctx, 0, newBlocks))

	height, err := w.SyncHeight()
	require.NoError(t, err)
	assert.Equal(t, int32(3), height)

	for h, want := range map[uint32]chainhash.Hash{1: n1.Hash(), 2: n2.Hash(), 3: n3.Hash()} {
		got, ok, err := w.HashAt(h)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	tip, err := kv.Get(store.CFChainState, store.KeyTipHash)
	require.NoError(t, err)
	want := n3.Hash()
	assert.Equal(t, want[:], tip)

	// The old branch's records are gone, including its reverse entries.
	for _, b := range builders[1:] {
		gone, err := kv.Get(store.CFBlocks, store.BlockKey(b.Hash()))
		require.NoError(t, err)
		assert.Nil(t, gone)
		gone, err = kv.Get(store.CFChainMetadata, store.ChainHashKey(b.Hash()))
		require.NoError(t, err)
		assert.Nil(t, gone)
	}

	// Block 0's coinbase was spent by the rolled-back branch only, so its
	// addr entry is restored.
	block0 := parseBuilt(t, builders[0])
	restored, err := kv.Get(store.CFAddrIndex, store.AddrKey(addrFor(t, scriptA), block0.Txs[0].TxID, 0))
	require.NoError(t, err)
	require.NotNil(t, restored)
	value, flags, err := store.DecodeAddrValue(restored)
	require.NoError(t, err)
	assert.Equal(t, int64(250_00000000), value)
	assert.Equal(t, store.AddrFlagCoinbase, flags)
}

func TestReorgRoundTripIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := storetest.NewMem()
	w := newTestWriter(t, kv, false)
	builders := chainFixture(t, ctx, kv, w)

	before := dumpAll(kv)

	// Rolling back heights (0, 2] and re-applying the same blocks must
	// reproduce the identical store.
	sameBlocks := []HeightBlock{
		{Height: 1, Block: parseBuilt(t, builders[1])},
		{Height: 2, Block: parseBuilt(t, builders[2])},
	}
	require.NoError(t, w.ApplyReorg(ctx, 0, sameBlocks))

	assert.Equal(t, before, dumpAll(kv))
}

func TestApplyReorgRejectsBadAncestor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := storetest.NewMem()
	w := newTestWriter(t, kv, false)
	chainFixture(t, ctx, kv, w)

	err := w.ApplyReorg(ctx, 2, nil)
	require.Error(t, err)
	err = w.ApplyReorg(ctx, 5, nil)
	require.Error(t, err)
}
