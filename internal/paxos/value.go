package paxos

import (
	"cmp"
	"fmt"
	"strings"

	"caracaldb/internal/ops"
	"caracaldb/internal/view"
)

type ValueKind uint8

const (
	ValueNoop ValueKind = iota
	ValueReconfigure
	ValueOp
	ValueSyncedUp
	ValueScan
)

func (k ValueKind) String() string {
	switch k {
	case ValueNoop:
		return "noop"
	case ValueReconfigure:
		return "reconfigure"
	case ValueOp:
		return "op"
	case ValueSyncedUp:
		return "synced_up"
	case ValueScan:
		return "scan"
	default:
		return fmt.Sprintf("value(%d)", uint8(k))
	}
}

// Value is what a slot decides. Which fields are meaningful depends on Kind:
// View and Quorum for Reconfigure, Op for client operations, Origin and Seq
// for the SyncedUp and Scan markers.
type Value struct {
	Kind ValueKind

	View   view.View
	Quorum int

	Op ops.Request

	Origin view.Address
	Seq    uint64
}

func Noop() Value { return Value{Kind: ValueNoop} }

func Reconfigure(v view.View, quorum int) Value {
	return Value{Kind: ValueReconfigure, View: v, Quorum: quorum}
}

func Op(r ops.Request) Value { return Value{Kind: ValueOp, Op: r} }

func SyncedUp(origin view.Address, seq uint64) Value {
	return Value{Kind: ValueSyncedUp, Origin: origin, Seq: seq}
}

func Scan(origin view.Address, seq uint64) Value {
	return Value{Kind: ValueScan, Origin: origin, Seq: seq}
}

// Compare is a total order over values: by kind first, then by the fields
// that kind uses.
func (v Value) Compare(o Value) int {
	if c := cmp.Compare(v.Kind, o.Kind); c != 0 {
		return c
	}
	switch v.Kind {
	case ValueReconfigure:
		if c := v.View.Compare(o.View); c != 0 {
			return c
		}
		return cmp.Compare(v.Quorum, o.Quorum)
	case ValueOp:
		return v.Op.Compare(o.Op)
	case ValueSyncedUp, ValueScan:
		if c := strings.Compare(string(v.Origin), string(o.Origin)); c != 0 {
			return c
		}
		return cmp.Compare(v.Seq, o.Seq)
	}
	return 0
}

func (v Value) Equal(o Value) bool { return v.Compare(o) == 0 }

func (v Value) String() string {
	switch v.Kind {
	case ValueReconfigure:
		return fmt.Sprintf("Reconfigure(%s, q=%d)", v.View, v.Quorum)
	case ValueOp:
		return v.Op.String()
	case ValueSyncedUp:
		return fmt.Sprintf("SyncedUp(%s/%d)", v.Origin, v.Seq)
	case ValueScan:
		return fmt.Sprintf("Scan(%s/%d)", v.Origin, v.Seq)
	default:
		return "Noop"
	}
}

// Instance is one vote: slot ID proposed with Value at Ballot.
type Instance struct {
	ID     int64
	Ballot int32
	Value  Value
}

func (i Instance) String() string {
	return fmt.Sprintf("#%d@%d:%s", i.ID, i.Ballot, i.Value)
}

// Decision is a decided slot.
type Decision struct {
	Slot  int64
	Value Value
}
