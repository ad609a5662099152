package rangequery

import (
	"log/slog"
	"slices"

	"caracaldb/internal/key"
)

// SeqCollector reassembles a range read that came back in fragments. It
// tracks the parts of the requested range no fragment has covered yet and
// merges the items of every fragment. Once a fragment reports that it hit its
// limit, everything after that fragment is given up and the covered range
// ends where the fragment ended; the caller issues a follow-up read for the
// rest.
type SeqCollector struct {
	requested key.KeyRange
	pending   []key.KeyRange
	items     map[key.Key][]byte

	limited bool
	cutoff  key.KeyRange

	fragments int
}

func NewSeqCollector(r key.KeyRange) *SeqCollector {
	c := &SeqCollector{
		requested: r,
		items:     make(map[key.Key][]byte),
	}
	if !r.IsEmpty() {
		c.pending = []key.KeyRange{r}
	}
	return c
}

// Add merges one fragment.
func (c *SeqCollector) Add(resp Response) {
	c.fragments++

	covered := resp.Range.Intersect(c.requested)
	if c.limited {
		covered = covered.Intersect(c.cutoff)
	}
	if covered.IsEmpty() {
		slog.Debug("range fragment outside pending ranges",
			"requested", c.requested,
			"fragment", resp.Range,
		)
		return
	}

	c.subtract(covered)

	for _, it := range resp.Items {
		if covered.Contains(it.Key) {
			c.items[it.Key] = it.Value
		}
	}

	if resp.LimitReached {
		c.narrow(covered)
	}
}

// subtract removes covered from the pending ranges. Pending ranges are sorted
// and disjoint, so the ones covered touches form one run starting at the
// floor entry of covered's lower bound.
func (c *SeqCollector) subtract(covered key.KeyRange) {
	if len(c.pending) == 0 {
		return
	}

	start := c.floor(covered)
	if !c.pending[start].Overlaps(covered) {
		start++
	}
	end := start
	for end < len(c.pending) && c.pending[end].Overlaps(covered) {
		end++
	}
	if start == end {
		return
	}

	var rest []key.KeyRange
	if left := c.pending[start].Before(covered); !left.IsEmpty() {
		rest = append(rest, left)
	}
	if right := c.pending[end-1].After(covered); !right.IsEmpty() {
		rest = append(rest, right)
	}
	c.pending = slices.Replace(c.pending, start, end, rest...)
}

// floor returns the index of the last pending range starting at or before
// r, falling back to the first one.
func (c *SeqCollector) floor(r key.KeyRange) int {
	i, _ := slices.BinarySearchFunc(c.pending, r, func(p, t key.KeyRange) int {
		if key.CompareBegin(p, t) <= 0 {
			return -1
		}
		return 1
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

func (c *SeqCollector) narrow(limitedAt key.KeyRange) {
	cutoff := key.NewRange(key.Closed, key.Zero, limitedAt.End, limitedAt.EndBound)
	if c.limited {
		cutoff = cutoff.Intersect(c.cutoff)
	}
	c.limited = true
	c.cutoff = cutoff

	kept := c.pending[:0]
	for _, p := range c.pending {
		if in := p.Intersect(cutoff); !in.IsEmpty() {
			kept = append(kept, in)
		}
	}
	c.pending = kept

	for k := range c.items {
		if !cutoff.Contains(k) {
			delete(c.items, k)
		}
	}
}

// IsDone reports whether every part of the covered range has been answered.
func (c *SeqCollector) IsDone() bool {
	return len(c.pending) == 0
}

// CoveredRange is the requested range, narrowed to end at the fragment that
// hit its limit if one did.
func (c *SeqCollector) CoveredRange() key.KeyRange {
	if !c.limited {
		return c.requested
	}
	return c.requested.Intersect(c.cutoff)
}

func (c *SeqCollector) LimitReached() bool {
	return c.limited
}

// Pending returns the sub-ranges still waiting for a fragment.
func (c *SeqCollector) Pending() []key.KeyRange {
	return slices.Clone(c.pending)
}

func (c *SeqCollector) Fragments() int {
	return c.fragments
}

// Result returns the merged items in key order.
func (c *SeqCollector) Result() []Item {
	out := make([]Item, 0, len(c.items))
	for k, v := range c.items {
		out = append(out, Item{Key: k, Value: v})
	}
	slices.SortFunc(out, func(a, b Item) int { return a.Key.Compare(b.Key) })
	return out
}

// Response folds the collected state into a single response.
func (c *SeqCollector) Response() Response {
	return Response{
		Range:        c.CoveredRange(),
		Items:        c.Result(),
		LimitReached: c.limited,
	}
}
