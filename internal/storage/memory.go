package storage

import (
	"slices"
	"sync"

	"github.com/google/btree"

	"caracaldb/internal/key"
	"caracaldb/internal/metrics"
)

type memItem struct {
	k       key.Key
	value   []byte
	version uint64
}

func (i *memItem) Less(than btree.Item) bool {
	return i.k.Less(than.(*memItem).k)
}

// MemoryStore keeps data in an ordered B-tree. It is used for tests and for
// replicas configured without a data directory.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	meta   map[string][]byte
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree: btree.New(32),
		meta: make(map[string][]byte),
	}
}

func (s *MemoryStore) Get(k key.Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	metrics.StorageOperationsTotal.WithLabelValues("get").Inc()
	it := s.tree.Get(&memItem{k: k})
	if it == nil {
		return nil, ErrNotFound
	}
	return slices.Clone(it.(*memItem).value), nil
}

func (s *MemoryStore) Put(k key.Key, value []byte, version uint64) error {
	if k.IsInf() {
		return ErrInfKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	metrics.StorageOperationsTotal.WithLabelValues("put").Inc()
	s.tree.ReplaceOrInsert(&memItem{k: k, value: slices.Clone(value), version: version})
	return nil
}

func (s *MemoryStore) GetMeta(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.meta[name]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (s *MemoryStore) NewBatch() Batch {
	return &memBatch{store: s}
}

// NewIterator reads the tree a page at a time under the read lock. Writes
// committed between two pages are visible to the rest of the iteration.
func (s *MemoryStore) NewIterator(start key.Key) (Iterator, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	metrics.StorageOperationsTotal.WithLabelValues("iterate").Inc()
	it := &memIterator{store: s}
	it.fill(start, true)
	return it, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memOp struct {
	kind    uint8
	k       key.Key
	name    string
	value   []byte
	version uint64
}

const (
	memOpPut uint8 = iota
	memOpDelete
	memOpDeleteVersions
	memOpMeta
)

type memBatch struct {
	store  *MemoryStore
	ops    []memOp
	closed bool
}

func (b *memBatch) Put(k key.Key, value []byte, version uint64) error {
	if b.closed {
		return ErrClosed
	}
	if k.IsInf() {
		return ErrInfKey
	}
	b.ops = append(b.ops, memOp{kind: memOpPut, k: k, value: slices.Clone(value), version: version})
	return nil
}

func (b *memBatch) Delete(k key.Key) error {
	if b.closed {
		return ErrClosed
	}
	b.ops = append(b.ops, memOp{kind: memOpDelete, k: k})
	return nil
}

func (b *memBatch) DeleteVersions(k key.Key, upTo uint64) error {
	if b.closed {
		return ErrClosed
	}
	b.ops = append(b.ops, memOp{kind: memOpDeleteVersions, k: k, version: upTo})
	return nil
}

func (b *memBatch) PutMeta(name string, value []byte) error {
	if b.closed {
		return ErrClosed
	}
	b.ops = append(b.ops, memOp{kind: memOpMeta, name: name, value: slices.Clone(value)})
	return nil
}

func (b *memBatch) Len() int {
	return len(b.ops)
}

func (b *memBatch) Commit() error {
	if b.closed {
		return ErrClosed
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for _, op := range b.ops {
		switch op.kind {
		case memOpPut:
			s.tree.ReplaceOrInsert(&memItem{k: op.k, value: op.value, version: op.version})
		case memOpDelete:
			s.tree.Delete(&memItem{k: op.k})
		case memOpDeleteVersions:
			if it := s.tree.Get(&memItem{k: op.k}); it != nil && it.(*memItem).version <= op.version {
				s.tree.Delete(it)
			}
		case memOpMeta:
			s.meta[op.name] = op.value
		}
	}
	metrics.StorageOperationsTotal.WithLabelValues("batch").Inc()
	metrics.StorageBatchSize.Observe(float64(len(b.ops)))
	b.ops = nil
	return nil
}

func (b *memBatch) Close() error {
	b.closed = true
	b.ops = nil
	return nil
}

// memIteratorPage is how many items one page of a memIterator copies.
const memIteratorPage = 64

type memIterator struct {
	store *MemoryStore
	items []memItem
	pos   int
	// last is set once the tree had no more items after the current page.
	last bool
}

// fill replaces the page with the items at or after from, or strictly after
// it when inclusive is false.
func (it *memIterator) fill(from key.Key, inclusive bool) {
	s := it.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	it.items = it.items[:0]
	it.pos = 0
	if s.closed {
		it.last = true
		return
	}
	s.tree.AscendGreaterOrEqual(&memItem{k: from}, func(i btree.Item) bool {
		m := i.(*memItem)
		if !inclusive && !from.Less(m.k) {
			return true
		}
		it.items = append(it.items, *m)
		return len(it.items) < memIteratorPage
	})
	it.last = len(it.items) < memIteratorPage
}

func (it *memIterator) Valid() bool     { return it.pos < len(it.items) }
func (it *memIterator) Key() key.Key    { return it.items[it.pos].k }
func (it *memIterator) Value() []byte   { return slices.Clone(it.items[it.pos].value) }
func (it *memIterator) Version() uint64 { return it.items[it.pos].version }

func (it *memIterator) Next() {
	it.pos++
	if it.pos < len(it.items) || it.last {
		return
	}
	it.fill(it.items[len(it.items)-1].k, false)
}

func (it *memIterator) Close() error {
	it.items = nil
	it.pos = 0
	it.last = true
	return nil
}
