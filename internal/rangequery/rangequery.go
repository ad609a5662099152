// Package rangequery holds the types of range scans and the collector that
// reassembles a scan answered in several fragments.
package rangequery

import "caracaldb/internal/key"

// Limit bounds a single range read. Zero fields mean unlimited.
type Limit struct {
	Items int
	Bytes int
}

func (l Limit) Unlimited() bool {
	return l.Items <= 0 && l.Bytes <= 0
}

// Tracker counts what a read has produced so far against a Limit.
type Tracker struct {
	limit Limit
	items int
	bytes int
}

func (l Limit) Tracker() *Tracker {
	return &Tracker{limit: l}
}

// Admit records an item of the given size and reports whether it still fits.
// The first item is always admitted so a scan makes progress.
func (t *Tracker) Admit(size int) bool {
	if t.items > 0 {
		if t.limit.Items > 0 && t.items+1 > t.limit.Items {
			return false
		}
		if t.limit.Bytes > 0 && t.bytes+size > t.limit.Bytes {
			return false
		}
	}
	t.items++
	t.bytes += size
	return true
}

// Transform is applied to every value returned by a range read.
type Transform uint8

const (
	TransformNone Transform = iota
	TransformKeysOnly
)

func (t Transform) Apply(v []byte) []byte {
	switch t {
	case TransformKeysOnly:
		return nil
	default:
		return v
	}
}

func (t Transform) String() string {
	switch t {
	case TransformKeysOnly:
		return "keys-only"
	default:
		return "none"
	}
}

type Item struct {
	Key   key.Key
	Value []byte
}

// Response is one fragment of a range read. Range is the part of the
// requested range the fragment covers completely. LimitReached is set when
// the read stopped early because of its Limit.
type Response struct {
	Range        key.KeyRange
	Items        []Item
	LimitReached bool
}
