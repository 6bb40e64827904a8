// Package mempool mirrors the node's mempool into the transactions family
// and publishes change notifications. Admission policy stays with the
// node; the tracker only observes.
package mempool

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/clock"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/parser"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/pivxd/rpcclient"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
	"github.com/goodnatureofminers/pivxinsight-backend/pkg/batcher"
)

// RPC is the node surface the tracker polls.
type RPC interface {
	GetRawMempool(ctx context.Context) ([]chainhash.Hash, error)
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error)
}

// Publisher receives mempool change notifications.
type Publisher interface {
	Publish(n model.Notification)
}

const (
	defaultPollInterval = 5 * time.Second
	fetchBatchSize      = 50
	fetchInterval       = time.Second
	fetchRPS            = 20
)

// Tracker polls the node's mempool and keeps height -1 records current.
type Tracker struct {
	rpc       RPC
	kv        store.KV
	publisher Publisher
	logger    *zap.Logger
	interval  time.Duration

	known map[chainhash.Hash]struct{}
	fetch *batcher.Batcher[chainhash.Hash]
}

// NewTracker builds a Tracker.
func NewTracker(rpc RPC, kv store.KV, publisher Publisher, interval time.Duration, logger *zap.Logger) *Tracker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	t := &Tracker{
		rpc:       rpc,
		kv:        kv,
		publisher: publisher,
		logger:    logger.Named("mempool"),
		interval:  interval,
		known:     map[chainhash.Hash]struct{}{},
	}
	t.fetch = batcher.New[chainhash.Hash](t.logger, t.fetchAndStore, fetchBatchSize, fetchInterval, fetchRPS)
	return t
}

// Run polls until the context is canceled.
func (t *Tracker) Run(ctx context.Context) error {
	t.fetch.Start(ctx)
	defer t.fetch.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.poll(ctx); err != nil {
			t.logger.Warn("mempool poll failed", zap.Error(err))
		}
		if err := clock.SleepWithContext(ctx, t.interval); err != nil {
			return err
		}
	}
}

func (t *Tracker) poll(ctx context.Context) error {
	ids, err := t.rpc.GetRawMempool(ctx)
	if err != nil {
		return err
	}

	current := make(map[chainhash.Hash]struct{}, len(ids))
	for _, id := range ids {
		current[id] = struct{}{}
		if _, ok := t.known[id]; ok {
			continue
		}
		t.known[id] = struct{}{}
		if err := t.fetch.Add(ctx, id); err != nil {
			return err
		}
		t.publisher.Publish(model.MempoolChanged{Added: true, TxID: id})
	}

	for id := range t.known {
		if _, ok := current[id]; ok {
			continue
		}
		delete(t.known, id)
		if err := t.evict(ctx, id); err != nil {
			t.logger.Warn("mempool evict failed", zap.String("txid", id.String()), zap.Error(err))
		}
		t.publisher.Publish(model.MempoolChanged{Added: false, TxID: id})
	}
	return nil
}

// fetchAndStore resolves raw bytes for a batch of unconfirmed txids and
// stages them with the mempool height marker.
func (t *Tracker) fetchAndStore(ctx context.Context, ids []chainhash.Hash) error {
	batch := t.kv.NewBatch()
	defer batch.Close()

	for _, id := range ids {
		raw, err := t.rpc.GetRawTransaction(ctx, id)
		if err != nil {
			if rpcclient.IsNotFound(err) {
				// Already confirmed or evicted between poll and fetch.
				continue
			}
			return err
		}
		tx, err := parser.ParseTransaction(raw)
		if err != nil {
			t.logger.Warn("undecodable mempool tx", zap.String("txid", id.String()), zap.Error(err))
			continue
		}
		batch.Put(store.CFTransactions, store.TxKey(id),
			store.EncodeTxValue(tx.Version, model.HeightMempool, raw))
	}
	if batch.Len() == 0 {
		return nil
	}
	return t.kv.Write(ctx, batch)
}

// evict drops a tx record when it left the mempool without confirming.
// Confirmed txs keep their record: the writer re-keyed it to a height.
func (t *Tracker) evict(ctx context.Context, id chainhash.Hash) error {
	buf, err := t.kv.Get(store.CFTransactions, store.TxKey(id))
	if err != nil || buf == nil {
		return err
	}
	_, height, _, err := store.DecodeTxValue(buf)
	if err != nil {
		return fmt.Errorf("decode stored tx %s: %w", id, err)
	}
	if height != model.HeightMempool {
		return nil
	}
	batch := t.kv.NewBatch()
	defer batch.Close()
	batch.Delete(store.CFTransactions, store.TxKey(id))
	return t.kv.Write(ctx, batch)
}
