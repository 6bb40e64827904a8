package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/blocktest"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/index"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/parser"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store/storetest"
)

// fakeNode serves a synthetic chain over the RPC surface.
type fakeNode struct {
	mu     sync.Mutex
	hashes []chainhash.Hash
	raw    map[chainhash.Hash][]byte
}

func newFakeNode(builders []*blocktest.BlockBuilder) *fakeNode {
	n := &fakeNode{raw: map[chainhash.Hash][]byte{}}
	for _, b := range builders {
		n.hashes = append(n.hashes, b.Hash())
		n.raw[b.Hash()] = b.Bytes()
	}
	return n
}

func (n *fakeNode) GetBlockCount(context.Context) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return int64(len(n.hashes)) - 1, nil
}

func (n *fakeNode) GetBlockHash(_ context.Context, height int64) (chainhash.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if height < 0 || height >= int64(len(n.hashes)) {
		return chainhash.Hash{}, fmt.Errorf("block number out of range")
	}
	return n.hashes[height], nil
}

func (n *fakeNode) GetBlockRaw(_ context.Context, hash chainhash.Hash) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	raw, ok := n.raw[hash]
	if !ok {
		return nil, fmt.Errorf("block not found")
	}
	return raw, nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []model.Notification
}

func (p *capturingPublisher) Publish(n model.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, n)
}

func (p *capturingPublisher) all() []model.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Notification(nil), p.events...)
}

type fakeHealth struct {
	mu     sync.Mutex
	health model.SyncHealth
	cause  error
}

func (h *fakeHealth) SetHealth(health model.SyncHealth, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health = health
	h.cause = cause
}

type nopLiveMetrics struct{}

func (nopLiveMetrics) ObservePoll(error)         {}
func (nopLiveMetrics) ObserveCatchup(int)        {}
func (nopLiveMetrics) ObserveReorg(uint32, bool) {}
func (nopLiveMetrics) SetNetworkHeight(int64)    {}

type nopWriterMetrics struct{}

func (nopWriterMetrics) ObserveApply(error, time.Time)    {}
func (nopWriterMetrics) ObserveRollback(error)            {}
func (nopWriterMetrics) SetSyncHeight(int32)              {}
func (nopWriterMetrics) ObserveInvariantViolation(string) {}

func parseBuilt(t *testing.T, b *blocktest.BlockBuilder) *model.Block {
	t.Helper()
	block, err := parser.ParseBlock(b.Bytes())
	require.NoError(t, err)
	return block
}

// buildChain returns n linked PoW-style builders from the zero hash.
func buildChain(n int, saltByte byte) []*blocktest.BlockBuilder {
	builders := make([]*blocktest.BlockBuilder, n)
	prev := chainhash.Hash{}
	ts := uint32(1_000_000)
	for i := range builders {
		pk := make([]byte, 25)
		pk[0] = 0x76
		pk[2] = 0x14
		pk[3] = byte(i)
		pk[4] = saltByte
		builders[i] = blocktest.NewBlock(prev, ts).Nonce(uint32(saltByte)).WithCoinbase(250, pk)
		prev = builders[i].Hash()
		ts += 60
	}
	return builders
}

func newLiveFixture(t *testing.T, node RPC, kv store.KV, cfg LiveSyncConfig) (*LiveSyncService, *index.Writer, *capturingPublisher, *fakeHealth) {
	t.Helper()
	w, err := index.NewWriter(kv, nopWriterMetrics{}, index.DefaultBatchConfig(), false, zaptest.NewLogger(t))
	require.NoError(t, err)

	pub := &capturingPublisher{}
	health := &fakeHealth{}
	s, err := NewLiveSyncService(node, w, pub, health, nopLiveMetrics{}, cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, w, pub, health
}

func applyBuilders(t *testing.T, w *index.Writer, builders []*blocktest.BlockBuilder, from, to int) {
	t.Helper()
	ctx := context.Background()
	for h := from; h <= to; h++ {
		block := parseBuilt(t, builders[h])
		require.NoError(t, w.ApplyBlock(ctx, uint32(h), block))
	}
	require.NoError(t, w.Flush(ctx))
}

func TestLiveSyncCatchesUpSmallGap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	builders := buildChain(6, 0)
	node := newFakeNode(builders)
	kv := storetest.NewMem()

	s, w, pub, _ := newLiveFixture(t, node, kv, DefaultLiveSyncConfig())
	applyBuilders(t, w, builders, 0, 0)

	require.NoError(t, s.poll(ctx))

	height, err := w.SyncHeight()
	require.NoError(t, err)
	assert.Equal(t, int32(5), height)

	var newBlocks []model.NewBlock
	for _, ev := range pub.all() {
		if nb, ok := ev.(model.NewBlock); ok {
			newBlocks = append(newBlocks, nb)
		}
	}
	require.Len(t, newBlocks, 5)
	for i, nb := range newBlocks {
		assert.Equal(t, uint32(i+1), nb.Height)
		assert.Equal(t, builders[i+1].Hash(), nb.Hash)
	}
}

func TestLiveSyncCatchesUpLargeGapInBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	builders := buildChain(30, 0)
	node := newFakeNode(builders)
	kv := storetest.NewMem()

	cfg := DefaultLiveSyncConfig()
	cfg.SmallCatchup = 5
	cfg.FetchBatch = 10
	cfg.FetchConcurrency = 4

	s, w, _, _ := newLiveFixture(t, node, kv, cfg)
	applyBuilders(t, w, builders, 0, 0)

	require.NoError(t, s.poll(ctx))

	height, err := w.SyncHeight()
	require.NoError(t, err)
	assert.Equal(t, int32(29), height)

	// Commit order was ascending regardless of fetch order.
	for h := uint32(0); h <= 29; h++ {
		got, ok, err := w.HashAt(h)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, builders[h].Hash(), got)
	}
}

func TestLiveSyncRepairsReorgDepthThree(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	oldChain := buildChain(51, 0)
	kv := storetest.NewMem()

	// Node switched to a fork diverging after height 47.
	newChain := make([]*blocktest.BlockBuilder, 51)
	copy(newChain, oldChain[:48])
	prev := oldChain[47].Hash()
	ts := uint32(1_000_000 + 48*60)
	for h := 48; h <= 50; h++ {
		pk := make([]byte, 25)
		pk[0] = 0x76
		pk[2] = 0x14
		pk[3] = byte(h)
		pk[4] = 0xff
		newChain[h] = blocktest.NewBlock(prev, ts).Nonce(99).WithCoinbase(250, pk)
		prev = newChain[h].Hash()
		ts += 60
	}
	node := newFakeNode(newChain)

	s, w, pub, _ := newLiveFixture(t, node, kv, DefaultLiveSyncConfig())
	applyBuilders(t, w, oldChain, 0, 50)

	oldTip := oldChain[50].Hash()
	require.NoError(t, s.poll(ctx))

	// Heights 48..50 replaced by the node's branch.
	for h := 48; h <= 50; h++ {
		got, ok, err := w.HashAt(uint32(h))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, newChain[h].Hash(), got)
	}

	tipBuf, err := kv.Get(store.CFChainState, store.KeyTipHash)
	require.NoError(t, err)
	wantTip := newChain[50].Hash()
	assert.Equal(t, wantTip[:], tipBuf)

	var reorgs []model.ReorgDetected
	for _, ev := range pub.all() {
		if r, ok := ev.(model.ReorgDetected); ok {
			reorgs = append(reorgs, r)
		}
	}
	require.Len(t, reorgs, 1)
	assert.Equal(t, oldTip, reorgs[0].OldTip)
	assert.Equal(t, newChain[50].Hash(), reorgs[0].NewTip)
	assert.Equal(t, uint32(3), reorgs[0].Depth)
}

func TestLiveSyncHaltsOnDeepReorg(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	oldChain := buildChain(10, 0)
	newChain := buildChain(10, 1) // diverges at every height, genesis included
	kv := storetest.NewMem()

	cfg := DefaultLiveSyncConfig()
	cfg.MaxReorgDepth = 3

	node := newFakeNode(newChain)
	s, w, pub, health := newLiveFixture(t, node, kv, cfg)
	applyBuilders(t, w, oldChain, 0, 9)

	before := kv.Dump(store.CFChainMetadata)

	err := s.Run(ctx)
	var deep *DeepReorgError
	require.ErrorAs(t, err, &deep)
	assert.Greater(t, deep.Depth, cfg.MaxReorgDepth)

	// No store mutation, halted health, no notifications.
	assert.Equal(t, before, kv.Dump(store.CFChainMetadata))
	assert.Equal(t, model.HealthHalted, health.health)
	require.Error(t, health.cause)
	assert.Empty(t, pub.all())
}

func TestLiveSyncNoOpWhenCaughtUp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	builders := buildChain(3, 0)
	node := newFakeNode(builders)
	kv := storetest.NewMem()

	s, w, pub, _ := newLiveFixture(t, node, kv, DefaultLiveSyncConfig())
	applyBuilders(t, w, builders, 0, 2)

	require.NoError(t, s.poll(ctx))
	assert.Empty(t, pub.all())
}
