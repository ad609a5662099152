// Package omega is the leader oracle. It trusts the lowest member of the
// view it has heard from recently.
package omega

import (
	"log/slog"
	"time"

	"caracaldb/internal/view"
)

type EventKind uint8

const (
	EventTrust EventKind = iota + 1
	EventGroupStatusChange
)

// Event is what the oracle tells the consensus core.
type Event struct {
	Kind   EventKind
	Leader view.Address
	View   view.View
}

// Oracle is an eventually accurate leader detector. A member is suspected
// once nothing was heard from it for the suspect timeout. It is owned by a
// single goroutine.
type Oracle struct {
	self    view.Address
	timeout time.Duration
	now     func() time.Time

	view      view.View
	lastHeard map[view.Address]time.Time
	trusted   view.Address
}

func New(self view.Address, suspectTimeout time.Duration) *Oracle {
	return &Oracle{
		self:      self,
		timeout:   suspectTimeout,
		now:       time.Now,
		lastHeard: make(map[view.Address]time.Time),
	}
}

func (o *Oracle) Trusted() view.Address { return o.trusted }

// ViewChanged adopts v. Every member starts unsuspected.
func (o *Oracle) ViewChanged(v view.View) []Event {
	o.view = v
	now := o.now()
	for a := range o.lastHeard {
		if !v.Contains(a) {
			delete(o.lastHeard, a)
		}
	}
	for _, m := range v.Members {
		o.lastHeard[m] = now
	}
	events := []Event{{Kind: EventGroupStatusChange, View: v}}
	return append(events, o.evaluate()...)
}

// Heard records a sign of life from a.
func (o *Oracle) Heard(a view.Address) {
	if _, ok := o.lastHeard[a]; ok {
		o.lastHeard[a] = o.now()
	}
}

// Tick re-evaluates suspicions.
func (o *Oracle) Tick() []Event {
	return o.evaluate()
}

func (o *Oracle) alive(a view.Address, now time.Time) bool {
	if a == o.self {
		return true
	}
	t, ok := o.lastHeard[a]
	return ok && now.Sub(t) <= o.timeout
}

func (o *Oracle) evaluate() []Event {
	if !o.view.Contains(o.self) {
		return nil
	}
	now := o.now()
	var leader view.Address
	for _, m := range o.view.Members {
		if o.alive(m, now) {
			leader = m
			break
		}
	}
	if leader == o.trusted {
		return nil
	}
	slog.Info("omega: trusting new leader", "node", o.self, "leader", leader, "previous", o.trusted, "view", o.view)
	o.trusted = leader
	return []Event{{Kind: EventTrust, Leader: leader}}
}
