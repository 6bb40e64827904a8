package mempool

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/blocktest"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/pivxd/rpcclient"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store/storetest"
)

type fakeRPC struct {
	mempool []chainhash.Hash
	raw     map[chainhash.Hash][]byte
}

func (f *fakeRPC) GetRawMempool(context.Context) ([]chainhash.Hash, error) {
	return f.mempool, nil
}

func (f *fakeRPC) GetRawTransaction(_ context.Context, txid chainhash.Hash) ([]byte, error) {
	raw, ok := f.raw[txid]
	if !ok {
		return nil, &rpcclient.RPCError{Code: rpcclient.CodeNotFound, Message: "No such mempool transaction"}
	}
	return raw, nil
}

type capturingPublisher struct {
	events []model.Notification
}

func (p *capturingPublisher) Publish(n model.Notification) {
	p.events = append(p.events, n)
}

func TestTrackerAddAndEvict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := storetest.NewMem()
	pub := &capturingPublisher{}

	tx := blocktest.NewTx().In(chainhash.Hash{9}, 0, nil).Out(5, make([]byte, 25))
	txid := tx.TxID()
	rpc := &fakeRPC{
		mempool: []chainhash.Hash{txid},
		raw:     map[chainhash.Hash][]byte{txid: tx.Bytes()},
	}

	tr := NewTracker(rpc, kv, pub, time.Second, zaptest.NewLogger(t))

	require.NoError(t, tr.poll(ctx))
	require.Len(t, pub.events, 1)
	added, ok := pub.events[0].(model.MempoolChanged)
	require.True(t, ok)
	assert.True(t, added.Added)
	assert.Equal(t, txid, added.TxID)

	// Flush the fetch batch synchronously.
	require.NoError(t, tr.fetchAndStore(ctx, []chainhash.Hash{txid}))

	buf, err := kv.Get(store.CFTransactions, store.TxKey(txid))
	require.NoError(t, err)
	require.NotNil(t, buf)
	_, height, raw, err := store.DecodeTxValue(buf)
	require.NoError(t, err)
	assert.Equal(t, model.HeightMempool, height)
	assert.Equal(t, tx.Bytes(), raw)

	// The tx drops out of the node's mempool unconfirmed: evict.
	rpc.mempool = nil
	require.NoError(t, tr.poll(ctx))
	require.Len(t, pub.events, 2)
	removed := pub.events[1].(model.MempoolChanged)
	assert.False(t, removed.Added)

	buf, err = kv.Get(store.CFTransactions, store.TxKey(txid))
	require.NoError(t, err)
	assert.Nil(t, buf)
}

func TestTrackerKeepsConfirmedRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := storetest.NewMem()
	pub := &capturingPublisher{}

	tx := blocktest.NewTx().In(chainhash.Hash{9}, 0, nil).Out(5, make([]byte, 25))
	txid := tx.TxID()
	rpc := &fakeRPC{mempool: []chainhash.Hash{txid}}

	tr := NewTracker(rpc, kv, pub, time.Second, zaptest.NewLogger(t))
	require.NoError(t, tr.poll(ctx))

	// The writer confirmed it at height 42 meanwhile.
	batch := kv.NewBatch()
	batch.Put(store.CFTransactions, store.TxKey(txid), store.EncodeTxValue(1, 42, tx.Bytes()))
	require.NoError(t, kv.Write(ctx, batch))

	rpc.mempool = nil
	require.NoError(t, tr.poll(ctx))

	buf, err := kv.Get(store.CFTransactions, store.TxKey(txid))
	require.NoError(t, err)
	require.NotNil(t, buf, "confirmed record must survive mempool eviction")
	_, height, _, err := store.DecodeTxValue(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(42), height)
}

func TestTrackerFetchSkipsVanishedTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := storetest.NewMem()
	tr := NewTracker(&fakeRPC{raw: map[chainhash.Hash][]byte{}}, kv, &capturingPublisher{}, time.Second, zaptest.NewLogger(t))

	require.NoError(t, tr.fetchAndStore(ctx, []chainhash.Hash{{0x01}}))
	assert.Zero(t, kv.Len(store.CFTransactions))
}
