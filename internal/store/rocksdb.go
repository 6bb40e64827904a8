// Package store is the embedded-store adapter: RocksDB column families,
// atomic multi-CF batches and consistent snapshots for the query layer.
package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linxGnu/grocksdb"
	"go.uber.org/zap"
)

// cfNames fixes the column family order used when opening the database.
var cfNames = []string{
	"default",
	CFBlocks,
	CFTransactions,
	CFBlockTxs,
	CFAddrIndex,
	CFChainMetadata,
	CFChainState,
	CFQuarantine,
}

// slowFlushWindow is how many consecutive slow commits flip the
// back-pressure signal.
const slowFlushWindow = 3

// Metrics observes store commits.
type Metrics interface {
	ObserveWrite(err error, ops int, bytes int, started time.Time)
}

// DB is the RocksDB-backed KV implementation.
type DB struct {
	db     *grocksdb.DB
	cfs    map[string]*grocksdb.ColumnFamilyHandle
	wo     *grocksdb.WriteOptions
	ro     *grocksdb.ReadOptions
	logger *zap.Logger

	metrics        Metrics
	flushThreshold time.Duration
	slowWrites     atomic.Int32
}

// Open opens (or creates) the store directory with all column families.
func Open(path string, flushThreshold time.Duration, m Metrics, logger *zap.Logger) (*DB, error) {
	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	cfOpts := make([]*grocksdb.Options, len(cfNames))
	for i := range cfOpts {
		cfOpts[i] = grocksdb.NewDefaultOptions()
	}

	db, handles, err := grocksdb.OpenDbColumnFamilies(opts, path, cfNames, cfOpts)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}

	cfs := make(map[string]*grocksdb.ColumnFamilyHandle, len(cfNames))
	for i, name := range cfNames {
		cfs[name] = handles[i]
	}

	return &DB{
		db:             db,
		cfs:            cfs,
		wo:             grocksdb.NewDefaultWriteOptions(),
		ro:             grocksdb.NewDefaultReadOptions(),
		logger:         logger.Named("store"),
		metrics:        m,
		flushThreshold: flushThreshold,
	}, nil
}

// Close releases every handle. The DB must not be used afterwards.
func (d *DB) Close() {
	for _, cf := range d.cfs {
		cf.Destroy()
	}
	d.wo.Destroy()
	d.ro.Destroy()
	d.db.Close()
}

func (d *DB) handle(cf string) *grocksdb.ColumnFamilyHandle {
	h, ok := d.cfs[cf]
	if !ok {
		panic(fmt.Sprintf("unknown column family %q", cf))
	}
	return h
}

// NewBatch starts an empty batch.
func (d *DB) NewBatch() Batch {
	return &writeBatch{db: d, wb: grocksdb.NewWriteBatch()}
}

type writeBatch struct {
	db    *DB
	wb    *grocksdb.WriteBatch
	bytes int
}

func (b *writeBatch) Put(cf string, key, value []byte) {
	b.wb.PutCF(b.db.handle(cf), key, value)
	b.bytes += len(key) + len(value)
}

func (b *writeBatch) Delete(cf string, key []byte) {
	b.wb.DeleteCF(b.db.handle(cf), key)
	b.bytes += len(key)
}

func (b *writeBatch) Len() int  { return int(b.wb.Count()) }
func (b *writeBatch) Size() int { return b.bytes }
func (b *writeBatch) Close()    { b.wb.Destroy() }

// Write commits the batch. Commit latency above the flush threshold for
// slowFlushWindow consecutive writes raises the SlowFlush signal.
func (d *DB) Write(ctx context.Context, batch Batch) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	wb, ok := batch.(*writeBatch)
	if !ok {
		return fmt.Errorf("foreign batch type %T", batch)
	}

	started := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.ObserveWrite(err, wb.Len(), wb.Size(), started)
		}
	}()

	if err = d.db.Write(d.wo, wb.wb); err != nil {
		return fmt.Errorf("store write: %w", err)
	}

	if elapsed := time.Since(started); d.flushThreshold > 0 && elapsed > d.flushThreshold {
		if n := d.slowWrites.Add(1); n == slowFlushWindow {
			d.logger.Warn("sustained slow store flushes",
				zap.Duration("latency", elapsed),
				zap.Duration("threshold", d.flushThreshold))
		}
	} else {
		d.slowWrites.Store(0)
	}
	return nil
}

// SlowFlush reports sustained slow commits.
func (d *DB) SlowFlush() bool {
	return d.slowWrites.Load() >= slowFlushWindow
}

// Get reads one key; absent keys return (nil, nil).
func (d *DB) Get(cf string, key []byte) ([]byte, error) {
	slice, err := d.db.GetCF(d.ro, d.handle(cf), key)
	if err != nil {
		return nil, err
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, nil
	}
	out := make([]byte, len(slice.Data()))
	copy(out, slice.Data())
	return out, nil
}

// IteratePrefix walks keys under prefix in ascending order.
func (d *DB) IteratePrefix(cf string, prefix []byte, fn func(key, value []byte) bool) error {
	return iteratePrefix(d.db, d.ro, d.handle(cf), prefix, fn)
}

// Snapshot takes a consistent multi-CF view.
func (d *DB) Snapshot() (Snapshot, error) {
	snap := d.db.NewSnapshot()
	ro := grocksdb.NewDefaultReadOptions()
	ro.SetSnapshot(snap)
	return &snapshot{db: d, snap: snap, ro: ro}, nil
}

type snapshot struct {
	db   *DB
	snap *grocksdb.Snapshot
	ro   *grocksdb.ReadOptions
}

func (s *snapshot) Get(cf string, key []byte) ([]byte, error) {
	slice, err := s.db.db.GetCF(s.ro, s.db.handle(cf), key)
	if err != nil {
		return nil, err
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, nil
	}
	out := make([]byte, len(slice.Data()))
	copy(out, slice.Data())
	return out, nil
}

func (s *snapshot) IteratePrefix(cf string, prefix []byte, fn func(key, value []byte) bool) error {
	return iteratePrefix(s.db.db, s.ro, s.db.handle(cf), prefix, fn)
}

func (s *snapshot) Release() {
	s.ro.Destroy()
	s.db.db.ReleaseSnapshot(s.snap)
}

func iteratePrefix(db *grocksdb.DB, ro *grocksdb.ReadOptions, cf *grocksdb.ColumnFamilyHandle, prefix []byte, fn func(key, value []byte) bool) error {
	it := db.NewIteratorCF(ro, cf)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Key()
		value := it.Value()
		cont := fn(key.Data(), value.Data())
		key.Free()
		value.Free()
		if !cont {
			break
		}
	}
	return it.Err()
}
