// Package oplog holds the decided operations the execution engine has not yet
// folded into a storage snapshot.
package oplog

import (
	"fmt"

	"caracaldb/internal/key"
	"caracaldb/internal/paxos"
)

// Entry is a decided slot released in order.
type Entry struct {
	Slot  int64
	Value paxos.Value
	// Duplicate marks a client operation that was already decided at an
	// earlier slot. It must not be applied or answered twice.
	Duplicate bool
}

func (e Entry) String() string {
	if e.Duplicate {
		return fmt.Sprintf("%d:%s(dup)", e.Slot, e.Value)
	}
	return fmt.Sprintf("%d:%s", e.Slot, e.Value)
}

// Put is the latest write of a key inside a slot window.
type Put struct {
	Key   key.Key
	Value []byte
	Slot  int64
}

// OperationsLog releases decisions strictly in slot order. Decisions that
// arrive ahead of a gap are held back until the gap closes.
type OperationsLog interface {
	// Insert records the decision for slot and returns the contiguous run of
	// entries it released, which may be empty.
	Insert(slot int64, v paxos.Value) []Entry
	// Next is the first slot not yet released.
	Next() int64
	// Head is the last released slot, Next()-1.
	Head() int64
	// Reset drops everything and expects next as the following slot. seen
	// holds the client requests decided before next, for duplicate
	// detection.
	Reset(next int64, seen []paxos.DecidedID)
	Get(slot int64) (Entry, bool)
	// Diff returns the latest put per key over slots in (after, upTo],
	// sorted by key.
	Diff(after, upTo int64) []Put
	// LatestPut returns the latest put of k over slots in (after, upTo].
	LatestPut(k key.Key, after, upTo int64) (Put, bool)
	// PutsInRange is Diff restricted to keys in r.
	PutsInRange(r key.KeyRange, after, upTo int64) []Put
	// Prune forgets released entries at or below upTo.
	Prune(upTo int64)
	// Len counts retained released entries.
	Len() int
	// Gaps counts decisions held back behind a gap.
	Gaps() int
}
