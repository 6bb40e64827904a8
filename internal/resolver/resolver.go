// Package resolver reconstructs the active chain from the node's block
// index without trusting its "active" flags. Chainwork is aggregated over
// the header DAG and the heaviest tip wins.
package resolver

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/chain"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/nodeindex"
)

// CorruptIndexError reports an inconsistent node header store. Fatal;
// partial work is discarded and the operator must act.
type CorruptIndexError struct {
	Reason string
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt node index: %s", e.Reason)
}

// Result is the output of one resolve run. Plan is dense and ascending by
// height; Orphans lists headers off the active chain, informational only.
type Result struct {
	Plan    []model.PlanEntry
	Orphans []model.OrphanHeader
	TipHash chainhash.Hash
	TipWork *big.Int
}

type headerNode struct {
	rec  nodeindex.Record
	work *big.Int
}

// Resolve aggregates chainwork across the header DAG rooted at genesis and
// emits the canonical plan. The in-memory DAG is transient; nothing is
// retained after the walk.
func Resolve(records []nodeindex.Record, genesis chainhash.Hash, logger *zap.Logger) (*Result, error) {
	if len(records) == 0 {
		return nil, &CorruptIndexError{Reason: "empty index"}
	}

	nodes := make(map[chainhash.Hash]*headerNode, len(records))
	for _, rec := range records {
		nodes[rec.Hash] = &headerNode{rec: rec}
	}

	genesisNode, ok := nodes[genesis]
	if !ok {
		return nil, &CorruptIndexError{Reason: "genesis hash absent"}
	}

	// Every non-genesis header must link to a known parent.
	children := make(map[chainhash.Hash][]chainhash.Hash, len(nodes))
	for hash, node := range nodes {
		if hash == genesis {
			continue
		}
		if _, ok := nodes[node.rec.PrevBlock]; !ok {
			return nil, &CorruptIndexError{
				Reason: fmt.Sprintf("block %s references missing parent %s",
					hash, node.rec.PrevBlock),
			}
		}
		children[node.rec.PrevBlock] = append(children[node.rec.PrevBlock], hash)
	}

	// Chainwork pass: BFS from genesis in topological order.
	genesisNode.work = chain.CalcWork(genesisNode.rec.Bits)
	queue := []chainhash.Hash{genesis}
	visited := 1
	for len(queue) > 0 {
		parentHash := queue[0]
		queue = queue[1:]
		parent := nodes[parentHash]
		for _, childHash := range children[parentHash] {
			child := nodes[childHash]
			child.work = new(big.Int).Add(parent.work, chain.CalcWork(child.rec.Bits))
			queue = append(queue, childHash)
			visited++
		}
	}
	if visited != len(nodes) {
		// All parents exist yet some headers were never reached: the
		// remaining subgraph cannot be rooted at genesis.
		return nil, &CorruptIndexError{
			Reason: fmt.Sprintf("%d headers unreachable from genesis (cycle)", len(nodes)-visited),
		}
	}

	// Tip: maximum chainwork, ties broken by the numerically smaller hash
	// so repeated runs stay stable.
	var (
		tipHash chainhash.Hash
		tip     *headerNode
	)
	for hash, node := range nodes {
		if tip == nil {
			tipHash, tip = hash, node
			continue
		}
		switch node.work.Cmp(tip.work) {
		case 1:
			tipHash, tip = hash, node
		case 0:
			if hashLess(hash, tipHash) {
				tipHash, tip = hash, node
			}
		}
	}

	// Walk back tip -> genesis, then reverse into ascending heights.
	active := make(map[chainhash.Hash]struct{})
	reversed := make([]*headerNode, 0, len(nodes))
	for at := tipHash; ; {
		node := nodes[at]
		reversed = append(reversed, node)
		active[at] = struct{}{}
		if at == genesis {
			break
		}
		at = node.rec.PrevBlock
	}

	result := &Result{TipHash: tipHash, TipWork: tip.work}
	for i := len(reversed) - 1; i >= 0; i-- {
		node := reversed[i]
		height := uint32(len(reversed) - 1 - i)
		if !node.rec.HasData() {
			// The copy predates this block's data; the live controller
			// fills the remainder from RPC.
			logger.Info("plan truncated at block without data",
				zap.Uint32("height", height),
				zap.String("hash", node.rec.Hash.String()))
			break
		}
		result.Plan = append(result.Plan, model.PlanEntry{
			Height: height,
			Hash:   node.rec.Hash,
			File:   uint16(node.rec.File),
			Offset: uint64(node.rec.DataPos),
		})
	}

	for hash, node := range nodes {
		if _, ok := active[hash]; ok {
			continue
		}
		result.Orphans = append(result.Orphans, model.OrphanHeader{
			Hash:       hash,
			PrevBlock:  node.rec.PrevBlock,
			HeightHint: node.rec.HeightHint,
		})
	}

	logger.Info("resolved canonical chain",
		zap.Int("plan", len(result.Plan)),
		zap.Int("orphans", len(result.Orphans)),
		zap.String("tip", tipHash.String()))
	return result, nil
}

// hashLess orders hashes by their numeric (display order) value.
func hashLess(a, b chainhash.Hash) bool {
	for i := chainhash.HashSize - 1; i >= 0; i-- {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
