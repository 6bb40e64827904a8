package index

import (
	"context"

	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

// Rebuild drops the whole address index and reconstructs it with the
// two-pass scan, regardless of any recorded completion flag. Meant for
// the offline repair tool; the daemon must not be writing concurrently.
func (e *Enricher) Rebuild(ctx context.Context) error {
	syncHeight, err := e.writer.SyncHeight()
	if err != nil {
		return err
	}

	e.logger.Info("clearing address index")
	batch := e.kv.NewBatch()
	batch.Put(store.CFChainState, store.KeyAddrIndexReady, []byte{0})
	err = e.kv.IteratePrefix(store.CFAddrIndex, []byte{'a'}, func(key, _ []byte) bool {
		batch.Delete(store.CFAddrIndex, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		batch.Close()
		return err
	}
	if err := e.kv.Write(ctx, batch); err != nil {
		batch.Close()
		return err
	}
	batch.Close()

	if syncHeight < 0 {
		return e.markDone(ctx)
	}

	spent, err := BuildSpentSet(ctx, e.kv, uint32(syncHeight))
	if err != nil {
		return err
	}
	e.logger.Info("spent set built",
		zap.Int32("height", syncHeight),
		zap.Int("outpoints", len(spent)))

	if err := e.insertUnspent(ctx, uint32(syncHeight), spent); err != nil {
		return err
	}
	return e.markDone(ctx)
}
