package oplog

import (
	"log/slog"
	"slices"

	"caracaldb/internal/key"
	"caracaldb/internal/ops"
	"caracaldb/internal/paxos"
)

// InMemoryLog keeps released entries in a slice starting at slot first and
// out-of-order decisions in a gap map.
type InMemoryLog struct {
	first   int64
	entries []Entry
	gap     map[int64]paxos.Value
	ids     *paxos.IDWindow
}

var _ OperationsLog = (*InMemoryLog)(nil)

func NewInMemoryLog(next int64) *InMemoryLog {
	return &InMemoryLog{
		first: next,
		gap:   make(map[int64]paxos.Value),
		ids:   paxos.NewIDWindow(paxos.DedupWindow),
	}
}

func (l *InMemoryLog) Next() int64 { return l.first + int64(len(l.entries)) }
func (l *InMemoryLog) Head() int64 { return l.Next() - 1 }
func (l *InMemoryLog) Len() int    { return len(l.entries) }
func (l *InMemoryLog) Gaps() int   { return len(l.gap) }

func (l *InMemoryLog) Insert(slot int64, v paxos.Value) []Entry {
	next := l.Next()
	switch {
	case slot < next:
		slog.Debug("oplog: dropping already released slot", "slot", slot, "next", next)
		return nil
	case slot > next:
		if _, ok := l.gap[slot]; !ok {
			l.gap[slot] = v
		}
		return nil
	}

	start := len(l.entries)
	l.append(slot, v)
	for {
		s := l.Next()
		gv, ok := l.gap[s]
		if !ok {
			break
		}
		delete(l.gap, s)
		l.append(s, gv)
	}
	return l.entries[start:len(l.entries):len(l.entries)]
}

func (l *InMemoryLog) append(slot int64, v paxos.Value) {
	e := Entry{Slot: slot, Value: v}
	if first, dup := l.ids.Observe(slot, v); dup {
		slog.Debug("oplog: duplicate operation", "op", v.Op, "slot", slot, "first_slot", first)
		e.Duplicate = true
	}
	l.entries = append(l.entries, e)
}

func (l *InMemoryLog) Reset(next int64, seen []paxos.DecidedID) {
	l.first = next
	l.entries = nil
	clear(l.gap)
	l.ids.Reset(seen, next)
}

func (l *InMemoryLog) Get(slot int64) (Entry, bool) {
	i := slot - l.first
	if i < 0 || i >= int64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[i], true
}

// window returns the retained entries with slots in (after, upTo].
func (l *InMemoryLog) window(after, upTo int64) []Entry {
	lo := max(after+1-l.first, 0)
	hi := min(upTo+1-l.first, int64(len(l.entries)))
	if lo >= hi {
		return nil
	}
	return l.entries[lo:hi]
}

func (l *InMemoryLog) puts(after, upTo int64, match func(key.Key) bool) []Put {
	if after+1 < l.first && after < upTo {
		slog.Warn("oplog: diff reaches below pruned entries", "after", after, "first", l.first)
	}
	latest := make(map[string]Put)
	for _, e := range l.window(after, upTo) {
		if e.Duplicate || e.Value.Kind != paxos.ValueOp || e.Value.Op.Kind != ops.KindPut {
			continue
		}
		op := e.Value.Op
		if match != nil && !match(op.Key) {
			continue
		}
		latest[string(op.Key.Bytes())] = Put{Key: op.Key, Value: op.Value, Slot: e.Slot}
	}
	return sortedPuts(latest)
}

func (l *InMemoryLog) Diff(after, upTo int64) []Put {
	return l.puts(after, upTo, nil)
}

func (l *InMemoryLog) PutsInRange(r key.KeyRange, after, upTo int64) []Put {
	return l.puts(after, upTo, r.Contains)
}

func (l *InMemoryLog) LatestPut(k key.Key, after, upTo int64) (Put, bool) {
	w := l.window(after, upTo)
	for i := len(w) - 1; i >= 0; i-- {
		e := w[i]
		if e.Duplicate || e.Value.Kind != paxos.ValueOp || e.Value.Op.Kind != ops.KindPut {
			continue
		}
		if e.Value.Op.Key.Equal(k) {
			return Put{Key: k, Value: e.Value.Op.Value, Slot: e.Slot}, true
		}
	}
	return Put{}, false
}

func (l *InMemoryLog) Prune(upTo int64) {
	if upTo >= l.Next() {
		upTo = l.Head()
	}
	if upTo < l.first {
		return
	}
	n := upTo + 1 - l.first
	l.entries = append([]Entry(nil), l.entries[n:]...)
	l.first = upTo + 1
}

func sortedPuts(m map[string]Put) []Put {
	if len(m) == 0 {
		return nil
	}
	out := make([]Put, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Put) int { return a.Key.Compare(b.Key) })
	return out
}
