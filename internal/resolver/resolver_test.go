package resolver

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/nodeindex"
)

func hashOf(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func record(hash, prev chainhash.Hash, bits uint32, file int32, pos uint32) nodeindex.Record {
	return nodeindex.Record{
		Hash:      hash,
		PrevBlock: prev,
		Bits:      bits,
		Status:    8, // data on disk
		File:      file,
		DataPos:   pos,
	}
}

func TestResolveLinearChain(t *testing.T) {
	t.Parallel()

	genesis := hashOf(0x01)
	b1 := hashOf(0x02)
	b2 := hashOf(0x03)

	records := []nodeindex.Record{
		record(b2, b1, 0x1e0ffff0, 1, 300),
		record(genesis, chainhash.Hash{}, 0x1e0ffff0, 0, 8),
		record(b1, genesis, 0x1e0ffff0, 0, 500),
	}

	got, err := Resolve(records, genesis, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.Len(t, got.Plan, 3)
	for i, want := range []chainhash.Hash{genesis, b1, b2} {
		assert.Equal(t, uint32(i), got.Plan[i].Height)
		assert.Equal(t, want, got.Plan[i].Hash)
	}
	assert.Equal(t, uint16(1), got.Plan[2].File)
	assert.Equal(t, uint64(300), got.Plan[2].Offset)
	assert.Equal(t, b2, got.TipHash)
	assert.Empty(t, got.Orphans)
	assert.Positive(t, got.TipWork.Sign())
}

func TestResolvePrefersHeavierFork(t *testing.T) {
	t.Parallel()

	genesis := hashOf(0x01)
	a1 := hashOf(0x0a)
	b1 := hashOf(0x0b)
	b2 := hashOf(0x0c)

	records := []nodeindex.Record{
		record(genesis, chainhash.Hash{}, 0x1e0ffff0, 0, 8),
		// fork A: one block
		record(a1, genesis, 0x1e0ffff0, 0, 100),
		// fork B: two blocks, more aggregate work
		record(b1, genesis, 0x1e0ffff0, 0, 200),
		record(b2, b1, 0x1e0ffff0, 0, 300),
	}

	got, err := Resolve(records, genesis, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.Len(t, got.Plan, 3)
	assert.Equal(t, b2, got.TipHash)
	require.Len(t, got.Orphans, 1)
	assert.Equal(t, a1, got.Orphans[0].Hash)
}

func TestResolveTieBreaksOnSmallerHash(t *testing.T) {
	t.Parallel()

	genesis := hashOf(0x01)
	big := hashOf(0x0f) // numerically larger in display order
	small := hashOf(0x0e)

	records := []nodeindex.Record{
		record(genesis, chainhash.Hash{}, 0x1e0ffff0, 0, 8),
		record(big, genesis, 0x1e0ffff0, 0, 100),
		record(small, genesis, 0x1e0ffff0, 0, 200),
	}

	got, err := Resolve(records, genesis, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, small, got.TipHash)
}

func TestResolveTruncatesPlanAtMissingData(t *testing.T) {
	t.Parallel()

	genesis := hashOf(0x01)
	b1 := hashOf(0x02)
	b2 := hashOf(0x03)

	noData := record(b1, genesis, 0x1e0ffff0, 0, 0)
	noData.Status = 0

	records := []nodeindex.Record{
		record(genesis, chainhash.Hash{}, 0x1e0ffff0, 0, 8),
		noData,
		record(b2, b1, 0x1e0ffff0, 0, 300),
	}

	got, err := Resolve(records, genesis, zaptest.NewLogger(t))
	require.NoError(t, err)

	// b1 has no data yet, so the plan stops before it even though the
	// chain continues; the live controller fills the rest.
	require.Len(t, got.Plan, 1)
	assert.Equal(t, genesis, got.Plan[0].Hash)
	assert.Equal(t, b2, got.TipHash)
}

func TestResolveFailures(t *testing.T) {
	t.Parallel()

	genesis := hashOf(0x01)

	t.Run("genesis absent", func(t *testing.T) {
		t.Parallel()
		records := []nodeindex.Record{
			record(hashOf(0x02), hashOf(0x09), 0x1e0ffff0, 0, 8),
		}
		_, err := Resolve(records, genesis, zaptest.NewLogger(t))
		var cerr *CorruptIndexError
		require.ErrorAs(t, err, &cerr)
	})

	t.Run("missing parent", func(t *testing.T) {
		t.Parallel()
		records := []nodeindex.Record{
			record(genesis, chainhash.Hash{}, 0x1e0ffff0, 0, 8),
			record(hashOf(0x03), hashOf(0x99), 0x1e0ffff0, 0, 100),
		}
		_, err := Resolve(records, genesis, zaptest.NewLogger(t))
		var cerr *CorruptIndexError
		require.ErrorAs(t, err, &cerr)
		assert.Contains(t, cerr.Reason, "missing parent")
	})

	t.Run("cycle", func(t *testing.T) {
		t.Parallel()
		c1 := hashOf(0x21)
		c2 := hashOf(0x22)
		records := []nodeindex.Record{
			record(genesis, chainhash.Hash{}, 0x1e0ffff0, 0, 8),
			record(c1, c2, 0x1e0ffff0, 0, 100),
			record(c2, c1, 0x1e0ffff0, 0, 200),
		}
		_, err := Resolve(records, genesis, zaptest.NewLogger(t))
		var cerr *CorruptIndexError
		require.ErrorAs(t, err, &cerr)
		assert.Contains(t, cerr.Reason, "cycle")
	})

	t.Run("empty index", func(t *testing.T) {
		t.Parallel()
		_, err := Resolve(nil, genesis, zaptest.NewLogger(t))
		var cerr *CorruptIndexError
		require.ErrorAs(t, err, &cerr)
	})
}
