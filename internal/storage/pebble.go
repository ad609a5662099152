package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"caracaldb/internal/key"
	"caracaldb/internal/metrics"
)

const (
	dataPrefix byte = 'd'
	metaPrefix byte = 'm'
)

type PebbleOptions struct {
	// InMemory keeps all files in memory; Dir is ignored.
	InMemory bool
	NoSync   bool
}

// PebbleStore stores versioned data in a pebble LSM. Data keys are prefixed
// with 'd', metadata with 'm'. Values are the 8 byte big-endian version
// followed by the payload.
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

func OpenPebble(dir string, opts PebbleOptions) (*PebbleStore, error) {
	po := &pebble.Options{}
	if opts.InMemory {
		po.FS = vfs.NewMem()
		dir = ""
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("pebble.Open: %w", err)
	}

	writeOpts := pebble.Sync
	if opts.NoSync {
		writeOpts = pebble.NoSync
	}

	slog.Info("pebble store opened", "dir", dir, "in_memory", opts.InMemory, "no_sync", opts.NoSync)
	return &PebbleStore{db: db, writeOpts: writeOpts}, nil
}

func dataKey(k key.Key) []byte {
	raw := k.Bytes()
	out := make([]byte, 1+len(raw))
	out[0] = dataPrefix
	copy(out[1:], raw)
	return out
}

func metaKey(name string) []byte {
	return append([]byte{metaPrefix}, name...)
}

func (s *PebbleStore) Get(k key.Key) ([]byte, error) {
	metrics.StorageOperationsTotal.WithLabelValues("get").Inc()
	_, v, err := s.getVersioned(s.db, dataKey(k))
	return v, err
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func (s *PebbleStore) getVersioned(r pebbleReader, pk []byte) (uint64, []byte, error) {
	raw, closer, err := r.Get(pk)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	return decodeValue(raw)
}

func (s *PebbleStore) Put(k key.Key, value []byte, version uint64) error {
	if k.IsInf() {
		return ErrInfKey
	}
	metrics.StorageOperationsTotal.WithLabelValues("put").Inc()
	if err := s.db.Set(dataKey(k), encodeValue(version, value), s.writeOpts); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetMeta(name string) ([]byte, error) {
	raw, closer, err := s.db.Get(metaKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get meta: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (s *PebbleStore) NewBatch() Batch {
	return &pebbleBatch{store: s, b: s.db.NewIndexedBatch()}
}

func (s *PebbleStore) NewIterator(start key.Key) (Iterator, error) {
	metrics.StorageOperationsTotal.WithLabelValues("iterate").Inc()
	it := s.db.NewIter(&pebble.IterOptions{
		LowerBound: dataKey(start),
		UpperBound: []byte{dataPrefix + 1},
	})
	pi := &pebbleIterator{it: it}
	it.First()
	pi.load()
	return pi, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

type pebbleBatch struct {
	store  *PebbleStore
	b      *pebble.Batch
	closed bool
}

func (b *pebbleBatch) Put(k key.Key, value []byte, version uint64) error {
	if b.closed {
		return ErrClosed
	}
	if k.IsInf() {
		return ErrInfKey
	}
	return b.b.Set(dataKey(k), encodeValue(version, value), nil)
}

func (b *pebbleBatch) Delete(k key.Key) error {
	if b.closed {
		return ErrClosed
	}
	return b.b.Delete(dataKey(k), nil)
}

func (b *pebbleBatch) DeleteVersions(k key.Key, upTo uint64) error {
	if b.closed {
		return ErrClosed
	}
	pk := dataKey(k)
	version, _, err := b.store.getVersioned(b.b, pk)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if version > upTo {
		return nil
	}
	return b.b.Delete(pk, nil)
}

func (b *pebbleBatch) PutMeta(name string, value []byte) error {
	if b.closed {
		return ErrClosed
	}
	return b.b.Set(metaKey(name), value, nil)
}

func (b *pebbleBatch) Len() int {
	return int(b.b.Count())
}

func (b *pebbleBatch) Commit() error {
	if b.closed {
		return ErrClosed
	}
	n := b.b.Count()
	if err := b.b.Commit(b.store.writeOpts); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	metrics.StorageOperationsTotal.WithLabelValues("batch").Inc()
	metrics.StorageBatchSize.Observe(float64(n))
	return nil
}

func (b *pebbleBatch) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.b.Close()
}

type pebbleIterator struct {
	it *pebble.Iterator

	k       key.Key
	value   []byte
	version uint64
	err     error
}

func (p *pebbleIterator) load() {
	if !p.it.Valid() {
		return
	}
	raw := p.it.Key()
	p.k = key.New(raw[1:])
	p.version, p.value, p.err = decodeValue(p.it.Value())
}

func (p *pebbleIterator) Valid() bool     { return p.err == nil && p.it.Valid() }
func (p *pebbleIterator) Key() key.Key    { return p.k }
func (p *pebbleIterator) Value() []byte   { return p.value }
func (p *pebbleIterator) Version() uint64 { return p.version }

func (p *pebbleIterator) Next() {
	p.it.Next()
	p.load()
}

func (p *pebbleIterator) Close() error {
	if p.err != nil {
		_ = p.it.Close()
		return p.err
	}
	return p.it.Close()
}
