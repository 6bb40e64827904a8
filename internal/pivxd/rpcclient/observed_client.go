package rpcclient

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// OperationMetrics observes completed RPC operations.
type OperationMetrics interface {
	Observe(operation string, err error, started time.Time)
}

// ObservedClient wraps a Client and records per-operation metrics.
type ObservedClient struct {
	client  *Client
	metrics OperationMetrics
}

// NewObservedClient wraps client.
func NewObservedClient(client *Client, metrics OperationMetrics) *ObservedClient {
	return &ObservedClient{client: client, metrics: metrics}
}

// GetBlockCount returns the node's best block height.
func (o *ObservedClient) GetBlockCount(ctx context.Context) (count int64, err error) {
	started := time.Now()
	defer func() { o.metrics.Observe("get_block_count", err, started) }()
	return o.client.GetBlockCount(ctx)
}

// GetBlockHash returns the canonical hash at a height.
func (o *ObservedClient) GetBlockHash(ctx context.Context, height int64) (hash chainhash.Hash, err error) {
	started := time.Now()
	defer func() { o.metrics.Observe("get_block_hash", err, started) }()
	return o.client.GetBlockHash(ctx, height)
}

// GetBlockRaw fetches a block's serialized bytes.
func (o *ObservedClient) GetBlockRaw(ctx context.Context, blockHash chainhash.Hash) (raw []byte, err error) {
	started := time.Now()
	defer func() { o.metrics.Observe("get_block", err, started) }()
	return o.client.GetBlockRaw(ctx, blockHash)
}

// GetRawTransaction fetches a transaction's serialized bytes.
func (o *ObservedClient) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (raw []byte, err error) {
	started := time.Now()
	defer func() { o.metrics.Observe("get_raw_transaction", err, started) }()
	return o.client.GetRawTransaction(ctx, txid)
}

// GetRawMempool lists the txids currently in the node's mempool.
func (o *ObservedClient) GetRawMempool(ctx context.Context) (ids []chainhash.Hash, err error) {
	started := time.Now()
	defer func() { o.metrics.Observe("get_raw_mempool", err, started) }()
	return o.client.GetRawMempool(ctx)
}
