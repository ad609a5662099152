// Package view models replica group membership.
package view

import (
	"fmt"
	"slices"
	"strings"
)

// Address identifies a replica, usually as host:port.
type Address string

// View is an immutable, sorted set of member addresses tagged with an id.
// A View is superseded by later views and never mutated; Members must not be
// modified by callers.
type View struct {
	ID      int
	Members []Address
}

// New returns a view with the given members sorted and de-duplicated.
func New(id int, members ...Address) View {
	ms := slices.Clone(members)
	slices.Sort(ms)
	ms = slices.Compact(ms)
	return View{ID: id, Members: ms}
}

func (v View) IsZero() bool {
	return len(v.Members) == 0
}

func (v View) Size() int {
	return len(v.Members)
}

// Quorum is the majority quorum of the view.
func (v View) Quorum() int {
	return len(v.Members)/2 + 1
}

func (v View) Contains(a Address) bool {
	_, ok := slices.BinarySearch(v.Members, a)
	return ok
}

// Index returns the position of a in the sorted membership, or -1.
func (v View) Index(a Address) int {
	i, ok := slices.BinarySearch(v.Members, a)
	if !ok {
		return -1
	}
	return i
}

// Equivalent reports whether both views have the same members, ignoring ids.
func (v View) Equivalent(o View) bool {
	return slices.Equal(v.Members, o.Members)
}

func (v View) Equal(o View) bool {
	return v.ID == o.ID && v.Equivalent(o)
}

// Compare orders views by id, then by member count, then member by member.
func (v View) Compare(o View) int {
	if v.ID != o.ID {
		if v.ID < o.ID {
			return -1
		}
		return 1
	}
	if len(v.Members) != len(o.Members) {
		if len(v.Members) < len(o.Members) {
			return -1
		}
		return 1
	}
	for i := range v.Members {
		if c := strings.Compare(string(v.Members[i]), string(o.Members[i])); c != 0 {
			return c
		}
	}
	return 0
}

// Added returns the members of newer that are not members of v.
func (v View) Added(newer View) []Address {
	var out []Address
	for _, m := range newer.Members {
		if !v.Contains(m) {
			out = append(out, m)
		}
	}
	return out
}

// Removed returns the members of v that are not members of newer.
func (v View) Removed(newer View) []Address {
	return newer.Added(v)
}

// Lowest returns the smallest member address.
func (v View) Lowest() (Address, bool) {
	if len(v.Members) == 0 {
		return "", false
	}
	return v.Members[0], true
}

// Predecessor walks the membership ring backwards from a and returns the
// first member accepted by keep.
func (v View) Predecessor(a Address, keep func(Address) bool) (Address, bool) {
	n := len(v.Members)
	if n == 0 {
		return "", false
	}
	i, _ := slices.BinarySearch(v.Members, a)
	for step := 1; step <= n; step++ {
		m := v.Members[((i-step)%n+n)%n]
		if m != a && keep(m) {
			return m, true
		}
	}
	return "", false
}

func (v View) String() string {
	parts := make([]string, len(v.Members))
	for i, m := range v.Members {
		parts[i] = string(m)
	}
	return fmt.Sprintf("View(%d){%s}", v.ID, strings.Join(parts, ","))
}
