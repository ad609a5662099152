package key

import "fmt"

// Bound says whether an endpoint of a KeyRange belongs to the range.
type Bound uint8

const (
	Closed Bound = iota
	Open
)

func (b Bound) Flip() Bound {
	if b == Closed {
		return Open
	}
	return Closed
}

// KeyRange is an interval of keys with independent open or closed bounds on
// each side.
type KeyRange struct {
	BeginBound Bound
	Begin      Key
	End        Key
	EndBound   Bound
}

// All covers every key.
var All = KeyRange{BeginBound: Closed, Begin: Zero, End: Inf, EndBound: Closed}

func NewRange(bb Bound, begin, end Key, eb Bound) KeyRange {
	return KeyRange{BeginBound: bb, Begin: begin, End: end, EndBound: eb}
}

func ClosedOpen(begin, end Key) KeyRange   { return NewRange(Closed, begin, end, Open) }
func ClosedClosed(begin, end Key) KeyRange { return NewRange(Closed, begin, end, Closed) }
func OpenOpen(begin, end Key) KeyRange     { return NewRange(Open, begin, end, Open) }
func OpenClosed(begin, end Key) KeyRange   { return NewRange(Open, begin, end, Closed) }

// Point is the range containing exactly k.
func Point(k Key) KeyRange { return ClosedClosed(k, k) }

// IsEmpty reports whether no key can lie in the range.
func (r KeyRange) IsEmpty() bool {
	c := r.Begin.Compare(r.End)
	if c > 0 {
		return true
	}
	return c == 0 && (r.BeginBound == Open || r.EndBound == Open)
}

func (r KeyRange) Contains(k Key) bool {
	c := k.Compare(r.Begin)
	if c < 0 || (c == 0 && r.BeginBound == Open) {
		return false
	}
	c = k.Compare(r.End)
	if c > 0 || (c == 0 && r.EndBound == Open) {
		return false
	}
	return true
}

// ContainsRange reports whether every key of o lies in r. The empty range is
// contained in every range.
func (r KeyRange) ContainsRange(o KeyRange) bool {
	if o.IsEmpty() {
		return true
	}
	if r.IsEmpty() {
		return false
	}
	return compareBegin(r, o) <= 0 && compareEnd(r, o) >= 0
}

// Overlaps reports whether r and o share at least one key.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return !r.Intersect(o).IsEmpty()
}

// Intersect returns the keys in both r and o. The result may be empty.
func (r KeyRange) Intersect(o KeyRange) KeyRange {
	out := r
	if compareBegin(o, r) > 0 {
		out.Begin, out.BeginBound = o.Begin, o.BeginBound
	}
	if compareEnd(o, r) < 0 {
		out.End, out.EndBound = o.End, o.EndBound
	}
	return out
}

func (r KeyRange) Equal(o KeyRange) bool {
	return r.BeginBound == o.BeginBound && r.EndBound == o.EndBound &&
		r.Begin.Equal(o.Begin) && r.End.Equal(o.End)
}

// Before returns the part of r that lies strictly before the lower bound of o.
func (r KeyRange) Before(o KeyRange) KeyRange {
	return r.Intersect(KeyRange{BeginBound: Closed, Begin: Zero, End: o.Begin, EndBound: o.BeginBound.Flip()})
}

// After returns the part of r that lies strictly after the upper bound of o.
func (r KeyRange) After(o KeyRange) KeyRange {
	return r.Intersect(KeyRange{BeginBound: o.EndBound.Flip(), Begin: o.End, End: Inf, EndBound: Closed})
}

// CompareBegin orders ranges by their lower bound. For equal keys a closed
// bound comes before an open one.
func CompareBegin(a, b KeyRange) int {
	return compareBegin(a, b)
}

func compareBegin(a, b KeyRange) int {
	if c := a.Begin.Compare(b.Begin); c != 0 {
		return c
	}
	switch {
	case a.BeginBound == b.BeginBound:
		return 0
	case a.BeginBound == Closed:
		return -1
	default:
		return 1
	}
}

// compareEnd orders ranges by their upper bound. For equal keys an open bound
// comes before a closed one.
func compareEnd(a, b KeyRange) int {
	if c := a.End.Compare(b.End); c != 0 {
		return c
	}
	switch {
	case a.EndBound == b.EndBound:
		return 0
	case a.EndBound == Open:
		return -1
	default:
		return 1
	}
}

func (r KeyRange) String() string {
	lb, rb := "[", "]"
	if r.BeginBound == Open {
		lb = "("
	}
	if r.EndBound == Open {
		rb = ")"
	}
	return fmt.Sprintf("%s%s, %s%s", lb, r.Begin, r.End, rb)
}
