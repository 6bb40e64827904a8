package store

import "context"

// Batch stages writes across column families for one atomic commit.
type Batch interface {
	Put(cf string, key, value []byte)
	Delete(cf string, key []byte)
	// Len is the number of staged operations.
	Len() int
	// Size is the approximate staged payload in bytes.
	Size() int
	Close()
}

// KV is the store surface the indexer core writes and reads through. The
// single Writer task holds the only handle used for mutation; readers use
// Snapshot for consistent multi-CF views.
type KV interface {
	NewBatch() Batch
	// Write commits a batch atomically across families.
	Write(ctx context.Context, batch Batch) error
	// Get returns nil with no error when the key is absent.
	Get(cf string, key []byte) ([]byte, error)
	// IteratePrefix walks keys beginning with prefix in ascending order
	// until fn returns false.
	IteratePrefix(cf string, prefix []byte, fn func(key, value []byte) bool) error
	// Snapshot returns a consistent read-only view across families.
	Snapshot() (Snapshot, error)
	// SlowFlush reports whether recent commits exceeded the flush
	// latency threshold; the writer uses it for back-pressure.
	SlowFlush() bool
}

// Snapshot is a consistent read-only multi-CF view.
type Snapshot interface {
	Get(cf string, key []byte) ([]byte, error)
	IteratePrefix(cf string, prefix []byte, fn func(key, value []byte) bool) error
	Release()
}
