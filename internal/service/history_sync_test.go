package service

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/blockfile"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/blocktest"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/chain"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/index"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/nodeindex"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/resolver"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store/storetest"
)

type pipelineMetrics struct{}

func (pipelineMetrics) ObserveBlock(error, time.Time) {}
func (pipelineMetrics) ObserveQuarantine()            {}
func (pipelineMetrics) ObserveRetry()                 {}

// chainRecords builds node-index records for a builder chain, including
// the genesis hash override used by the resolver.
func chainRecords(builders []*blocktest.BlockBuilder, offsets []uint64) []nodeindex.Record {
	records := make([]nodeindex.Record, len(builders))
	for i, b := range builders {
		records[i] = nodeindex.Record{
			Hash:       b.Hash(),
			PrevBlock:  b.Header().PrevBlock,
			HeightHint: int64(i),
			Bits:       0x1e0ffff0,
			Status:     8,
			File:       0,
			DataPos:    uint32(offsets[i]),
		}
	}
	return records
}

func TestHistorySyncColdStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	// Drive the resolver and pipeline directly with a synthetic genesis;
	// the service wiring against the real genesis constant is covered by
	// the mock-based tests below.
	builders := buildChain(40, 0)
	raws := make([][]byte, len(builders))
	for i, b := range builders {
		raws[i] = b.Bytes()
	}
	offsets := writeBlkFile(t, dir, 0, raws)

	records := chainRecords(builders, offsets)
	result, err := resolver.Resolve(records, builders[0].Hash(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, result.Plan, 40)

	kv := storetest.NewMem()
	w, err := index.NewWriter(kv, nopWriterMetrics{}, index.DefaultBatchConfig(), false, zaptest.NewLogger(t))
	require.NoError(t, err)

	pipeline, err := blockfile.NewPipeline(dir, 4, pipelineMetrics{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = pipeline.Run(ctx, result.Plan,
		func(ctx context.Context, height uint32, block *model.Block) error {
			return w.ApplyBlock(ctx, height, block)
		},
		func(ctx context.Context, entry model.PlanEntry, reason string) error {
			return w.Quarantine(ctx, entry, reason)
		})
	require.NoError(t, err)
	require.NoError(t, w.Flush(ctx))

	height, err := w.SyncHeight()
	require.NoError(t, err)
	assert.Equal(t, int32(39), height)

	// block_txs populated for every height; addr_index reflects the
	// unspent coinbases.
	for h := uint32(0); h <= 39; h++ {
		buf, err := kv.Get(store.CFBlockTxs, store.BlockTxsKey(h, 0))
		require.NoError(t, err)
		assert.NotNil(t, buf, "height %d", h)
	}
	assert.Equal(t, 40, kv.Len(store.CFAddrIndex))
}

func TestHistorySyncAlreadyCommitted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	kv := storetest.NewMem()
	w, err := index.NewWriter(kv, nopWriterMetrics{}, index.DefaultBatchConfig(), false, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Single-record chain rooted at the real genesis constant, already
	// committed: the pipeline must not run at all.
	genesisRecord := nodeindex.Record{
		Hash:    chain.GenesisHash,
		Bits:    0x1e0ffff0,
		Status:  8,
		DataPos: 8,
	}
	batch := kv.NewBatch()
	batch.Put(store.CFChainState, store.KeySyncHeight, store.EncodeHeight(0))
	batch.Put(store.CFChainMetadata, store.ChainHeightKey(0), chain.GenesisHash[:])
	require.NoError(t, kv.Write(ctx, batch))

	source := NewMockIndexSource(ctrl)
	pipeline := NewMockBlockSource(ctrl)
	source.EXPECT().Records().Return([]nodeindex.Record{genesisRecord}, nil)

	svc, err := NewHistorySyncService(source, pipeline, w, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, svc.Run(ctx))
}

func TestHistorySyncPropagatesIndexErrors(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	kv := storetest.NewMem()
	w, err := index.NewWriter(kv, nopWriterMetrics{}, index.DefaultBatchConfig(), false, zaptest.NewLogger(t))
	require.NoError(t, err)

	source := NewMockIndexSource(ctrl)
	pipeline := NewMockBlockSource(ctrl)

	readErr := errors.New("leveldb corrupted")
	source.EXPECT().Records().Return(nil, readErr)

	svc, err := NewHistorySyncService(source, pipeline, w, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.ErrorIs(t, err, readErr)
}

func TestHistorySyncCorruptIndex(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	kv := storetest.NewMem()
	w, err := index.NewWriter(kv, nopWriterMetrics{}, index.DefaultBatchConfig(), false, zaptest.NewLogger(t))
	require.NoError(t, err)

	source := NewMockIndexSource(ctrl)
	pipeline := NewMockBlockSource(ctrl)

	// Records without the genesis hash: CorruptIndex, nothing ingested.
	source.EXPECT().Records().Return(chainRecords(buildChain(3, 0), []uint64{8, 8, 8}), nil)

	svc, err := NewHistorySyncService(source, pipeline, w, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = svc.Run(context.Background())
	var cerr *resolver.CorruptIndexError
	require.ErrorAs(t, err, &cerr)
}

// writeBlkFile mirrors the blockfile test helper for this package.
func writeBlkFile(t *testing.T, dir string, file uint16, blocks [][]byte) []uint64 {
	t.Helper()

	var buf []byte
	offsets := make([]uint64, 0, len(blocks))
	for _, raw := range blocks {
		buf = append(buf, chain.Magic[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(raw)))
		offsets = append(offsets, uint64(len(buf)))
		buf = append(buf, raw...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, blockfile.FileName(file)), buf, 0o644))
	return offsets
}
