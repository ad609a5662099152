// Package storage is the contract the replication core needs from the local
// key-value store, with a pebble-backed and an in-memory implementation.
//
// Every data mutation carries a version, the log position of the decision
// that produced it. Metadata entries live in a separate key space that
// iterators never see.
package storage

import (
	"encoding/binary"
	"errors"

	"caracaldb/internal/key"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store closed")
	ErrInfKey   = errors.New("inf is not a storable key")
)

type Store interface {
	Get(k key.Key) ([]byte, error)
	Put(k key.Key, value []byte, version uint64) error
	GetMeta(name string) ([]byte, error)
	NewBatch() Batch
	// NewIterator returns a cursor positioned at the first key >= start.
	NewIterator(start key.Key) (Iterator, error)
	Close() error
}

// Batch groups mutations that become durable together on Commit. A batch
// must be closed on every path, committed or not.
type Batch interface {
	Put(k key.Key, value []byte, version uint64) error
	Delete(k key.Key) error
	// DeleteVersions removes k if its stored version is at most upTo.
	DeleteVersions(k key.Key, upTo uint64) error
	PutMeta(name string, value []byte) error
	Len() int
	Commit() error
	Close() error
}

// Iterator is a forward cursor over data keys. It must be closed.
type Iterator interface {
	Valid() bool
	Key() key.Key
	Value() []byte
	Version() uint64
	Next()
	Close() error
}

const versionLen = 8

func encodeValue(version uint64, value []byte) []byte {
	out := make([]byte, versionLen+len(value))
	binary.BigEndian.PutUint64(out, version)
	copy(out[versionLen:], value)
	return out
}

func decodeValue(raw []byte) (uint64, []byte, error) {
	if len(raw) < versionLen {
		return 0, nil, errors.New("stored value too short")
	}
	v := make([]byte, len(raw)-versionLen)
	copy(v, raw[versionLen:])
	return binary.BigEndian.Uint64(raw), v, nil
}
