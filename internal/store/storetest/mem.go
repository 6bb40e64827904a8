// Package storetest provides an in-memory store.KV for tests.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

// Mem is a map-backed store.KV. Batches commit atomically under a mutex;
// snapshots copy the whole map, which is fine at test sizes.
type Mem struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte

	// Slow flips the SlowFlush signal for back-pressure tests.
	Slow bool
	// Writes counts committed batches.
	Writes int
}

// NewMem builds an empty in-memory store.
func NewMem() *Mem {
	return &Mem{data: map[string]map[string][]byte{}}
}

type memBatch struct {
	ops []memOp
}

type memOp struct {
	cf     string
	key    string
	value  []byte
	delete bool
}

func (b *memBatch) Put(cf string, key, value []byte) {
	b.ops = append(b.ops, memOp{cf: cf, key: string(key), value: append([]byte(nil), value...)})
}

func (b *memBatch) Delete(cf string, key []byte) {
	b.ops = append(b.ops, memOp{cf: cf, key: string(key), delete: true})
}

func (b *memBatch) Len() int { return len(b.ops) }

func (b *memBatch) Size() int {
	n := 0
	for _, op := range b.ops {
		n += len(op.key) + len(op.value)
	}
	return n
}

func (b *memBatch) Close() {}

// NewBatch starts an empty batch.
func (m *Mem) NewBatch() store.Batch { return &memBatch{} }

// Write applies the batch atomically.
func (m *Mem) Write(ctx context.Context, batch store.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := batch.(*memBatch)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range b.ops {
		cf := m.data[op.cf]
		if cf == nil {
			cf = map[string][]byte{}
			m.data[op.cf] = cf
		}
		if op.delete {
			delete(cf, op.key)
			continue
		}
		cf[op.key] = op.value
	}
	m.Writes++
	return nil
}

// Get reads one key; absent keys return (nil, nil).
func (m *Mem) Get(cf string, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[cf][string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// IteratePrefix walks keys under prefix in ascending byte order.
func (m *Mem) IteratePrefix(cf string, prefix []byte, fn func(key, value []byte) bool) error {
	m.mu.RLock()
	keys := make([]string, 0)
	for k := range m.data[cf] {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	values := make([][]byte, len(keys))
	sort.Strings(keys)
	for i, k := range keys {
		values[i] = append([]byte(nil), m.data[cf][k]...)
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if !fn([]byte(k), values[i]) {
			break
		}
	}
	return nil
}

// Snapshot copies the current contents.
func (m *Mem) Snapshot() (store.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clone := NewMem()
	for cf, kv := range m.data {
		clone.data[cf] = map[string][]byte{}
		for k, v := range kv {
			clone.data[cf][k] = append([]byte(nil), v...)
		}
	}
	return &memSnapshot{mem: clone}, nil
}

// SlowFlush reports the configured back-pressure signal.
func (m *Mem) SlowFlush() bool { return m.Slow }

// Len counts keys in a column family.
func (m *Mem) Len(cf string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[cf])
}

// Dump copies a column family, keyed by the raw key bytes as string.
func (m *Mem) Dump(cf string) map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string][]byte{}
	for k, v := range m.data[cf] {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

type memSnapshot struct {
	mem *Mem
}

func (s *memSnapshot) Get(cf string, key []byte) ([]byte, error) {
	return s.mem.Get(cf, key)
}

func (s *memSnapshot) IteratePrefix(cf string, prefix []byte, fn func(key, value []byte) bool) error {
	return s.mem.IteratePrefix(cf, prefix, fn)
}

func (s *memSnapshot) Release() {}
