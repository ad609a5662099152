package paxos

import (
	"cmp"
	"slices"

	"caracaldb/internal/view"
)

// DedupWindow is how many slots a decided client request is remembered for.
// A request decided again within the window is a duplicate.
const DedupWindow int64 = 1 << 14

// DecidedID records that request ID of Origin was decided at Slot.
type DecidedID struct {
	Origin view.Address
	ID     uint64
	Slot   int64
}

type requestKey struct {
	origin view.Address
	id     uint64
}

func keyOf(v Value) (requestKey, bool) {
	if v.Kind != ValueOp {
		return requestKey{}, false
	}
	return requestKey{origin: v.Op.Origin, id: v.Op.ID}, true
}

// IDWindow remembers the client requests decided over a window of slots.
// Whether a decision is a duplicate depends only on the slot distance to the
// first decision, so every replica that applies the same log agrees on it.
// Entries are kept for twice the window, which lets a replica hand its ids
// to a peer that restarts its log a little behind.
type IDWindow struct {
	window int64
	slots  map[requestKey]int64
	// order is sorted by slot. Entries before head have expired.
	order []DecidedID
	head  int
}

func NewIDWindow(window int64) *IDWindow {
	if window <= 0 {
		window = DedupWindow
	}
	return &IDWindow{window: window, slots: make(map[requestKey]int64)}
}

// Observe records v as decided at slot. For a request already decided at an
// earlier slot within the window it returns that slot and true.
func (w *IDWindow) Observe(slot int64, v Value) (int64, bool) {
	k, ok := keyOf(v)
	if !ok {
		return slot, false
	}
	w.expire(slot - 2*w.window)
	if first, ok := w.slots[k]; ok {
		if first == slot {
			return slot, false
		}
		if first < slot && slot-first <= w.window {
			return first, true
		}
	}
	w.slots[k] = slot
	w.order = append(w.order, DecidedID{Origin: k.origin, ID: k.id, Slot: slot})
	return slot, false
}

// Lookup returns the slot v was last decided at, if it is still remembered.
func (w *IDWindow) Lookup(v Value) (int64, bool) {
	k, ok := keyOf(v)
	if !ok {
		return 0, false
	}
	s, ok := w.slots[k]
	return s, ok
}

// Before returns the remembered ids decided before slot, oldest first.
func (w *IDWindow) Before(slot int64) []DecidedID {
	var out []DecidedID
	for _, id := range w.order[w.head:] {
		if id.Slot >= slot {
			break
		}
		out = append(out, id)
	}
	return out
}

// Reset replaces the content with ids, dropping those at or after next.
func (w *IDWindow) Reset(ids []DecidedID, next int64) {
	clear(w.slots)
	w.order = w.order[:0]
	w.head = 0
	for _, id := range ids {
		if id.Slot < next {
			w.order = append(w.order, id)
		}
	}
	slices.SortStableFunc(w.order, func(a, b DecidedID) int { return cmp.Compare(a.Slot, b.Slot) })
	for _, id := range w.order {
		w.slots[requestKey{origin: id.Origin, id: id.ID}] = id.Slot
	}
}

func (w *IDWindow) Len() int { return len(w.slots) }

func (w *IDWindow) expire(below int64) {
	for w.head < len(w.order) && w.order[w.head].Slot < below {
		id := w.order[w.head]
		k := requestKey{origin: id.Origin, id: id.ID}
		if w.slots[k] == id.Slot {
			delete(w.slots, k)
		}
		w.head++
	}
	// compact once the expired prefix is the larger half
	if w.head > 0 && w.head >= len(w.order)-w.head {
		n := copy(w.order, w.order[w.head:])
		w.order = w.order[:n]
		w.head = 0
	}
}
