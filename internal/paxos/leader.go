package paxos

import (
	"log/slog"

	"caracaldb/internal/metrics"
	"caracaldb/internal/view"
)

// nextBallot is the smallest ballot owned by this replica that is above
// floor and above every ballot seen so far.
func (p *Paxos) nextBallot(floor int32) int32 {
	top := max(floor, p.b, p.bal, 0)
	rank := int32(max(p.view.Index(p.self), 0))
	n := top - top%ballotStride + rank
	if n <= top {
		n += ballotStride
	}
	return n
}

// collision abandons the current round. A leader starts phase 1 again with
// a ballot above ballot. When optimization is set the call is skipped if our
// ballot is already past the reported one.
func (p *Paxos) collision(ballot int32, optimization bool) {
	if optimization {
		if p.b > ballot {
			return
		}
		metrics.PaxosCollisionsTotal.Inc()
	}

	p.resetLeaderState()
	if !p.leader {
		return
	}

	p.b = p.nextBallot(ballot)
	p.unpreparedTick = 0
	slog.Debug("starting phase 1", "node", p.self, "ballot", p.b, "highest_decided", p.highestDecided)
	p.broadcast(p.b, Prepare{HighestDecided: p.highestDecided})
}

func (p *Paxos) resetLeaderState() {
	p.prepared = false
	clear(p.prepareSet)
	clear(p.val2a)
	for i := range p.pending {
		p.pending[i].slot = -1
	}
}

func (p *Paxos) onPromise(from view.Address, ballot int32, msg Promise) {
	if !p.leader || p.prepared || ballot != p.b {
		return
	}
	if !msg.View.Equal(p.view) {
		slog.Warn("dropping promise from another view",
			"node", p.self,
			"from", from,
			"their_view", msg.View,
			"our_view", p.view,
		)
		metrics.PaxosStaleViewTotal.WithLabelValues("promise").Inc()
		return
	}

	p.prepareSet[from] = msg
	for _, inst := range msg.Votes {
		if inst.ID <= p.highestDecided {
			continue
		}
		if cur, ok := p.val2a[inst.ID]; !ok || inst.Ballot > cur.Ballot {
			p.val2a[inst.ID] = inst
		}
	}

	if len(p.prepareSet) < p.quorum {
		return
	}

	for addr, pr := range p.prepareSet {
		if !pr.View.Equal(p.view) {
			slog.Warn("promise quorum spans views, restarting phase 1", "node", p.self, "from", addr)
			metrics.PaxosStaleViewTotal.WithLabelValues("promise_quorum").Inc()
			p.collision(p.b, false)
			return
		}
	}

	p.startPhase2()
}

// startPhase2 re-drives every slot a previous leader may have decided, fills
// slots nobody voted on with Noop, then appends undecided proposals.
func (p *Paxos) startPhase2() {
	p.prepared = true
	p.unpreparedTick = 0

	maxSlot := p.highestDecided
	for s := range p.val2a {
		maxSlot = max(maxSlot, s)
	}

	recovered := 0
	for s := p.highestDecided + 1; s <= maxSlot; s++ {
		v := Noop()
		if inst, ok := p.val2a[s]; ok {
			v = inst.Value
			recovered++
		}
		p.phase2a(s, v)
	}
	p.nextSlot = maxSlot + 1
	clear(p.val2a)

	fresh := 0
	for i := range p.pending {
		if p.pending[i].slot >= 0 {
			continue
		}
		p.proposeNew(i)
		fresh++
	}

	slog.Info("leader prepared",
		"node", p.self,
		"ballot", p.b,
		"recovered", recovered,
		"noops", int(maxSlot-p.highestDecided)-recovered,
		"new", fresh,
		"next_slot", p.nextSlot,
	)
}

func (p *Paxos) phase2a(slot int64, v Value) {
	if i := p.pendingIndex(v); i >= 0 {
		p.pending[i].slot = slot
	}
	p.broadcast(p.b, Accept{Instance: Instance{ID: slot, Ballot: p.b, Value: v}})
}

func (p *Paxos) proposeNew(i int) {
	slot := p.nextSlot
	p.nextSlot++
	p.phase2a(slot, p.pending[i].value)
}

func (p *Paxos) onNoPromise(from view.Address, ballot int32) {
	if !p.leader {
		return
	}
	slog.Debug("no promise", "node", p.self, "from", from, "their_ballot", ballot, "ballot", p.b)
	p.collision(ballot, true)
}

func (p *Paxos) onRejected(from view.Address, ballot int32, msg Rejected) {
	if !p.leader {
		return
	}
	slog.Debug("accept rejected", "node", p.self, "from", from, "instance", msg.Instance, "their_ballot", ballot)
	p.collision(ballot, true)
}

// Propose submits v for decision. It is forwarded to every member, so any of
// them that leads, now or after a failover, can drive it.
func (p *Paxos) Propose(v Value) {
	if p.view.IsZero() {
		slog.Debug("no view yet, keeping proposal pending", "node", p.self, "value", v)
		p.onForward(p.self, v)
		return
	}
	p.broadcast(p.bal, Forward{Value: v})
}

// onForward queues v for proposal. A value already decided is not proposed
// again; the forwarder is told so it stops re-sending it.
func (p *Paxos) onForward(from view.Address, v Value) {
	if slot, ok := p.decidedAt(v); ok {
		p.removePending(v)
		if from != p.self {
			p.send(from, p.bal, Decided{Value: v, Slot: slot})
		}
		return
	}
	if i := p.pendingIndex(v); i >= 0 {
		if p.IsPrepared() && p.pending[i].slot < 0 {
			p.proposeNew(i)
		}
		return
	}

	p.pending = append(p.pending, pendingValue{value: v, slot: -1})
	metrics.PaxosPendingProposals.Set(float64(len(p.pending)))
	if p.IsPrepared() {
		p.proposeNew(len(p.pending) - 1)
	}
}

func (p *Paxos) forwardPending() {
	if p.trusted == "" || p.trusted == p.self || len(p.pending) == 0 {
		return
	}
	for _, pv := range p.pending {
		p.send(p.trusted, p.bal, Forward{Value: pv.value})
	}
}

func (p *Paxos) pendingIndex(v Value) int {
	for i := range p.pending {
		if p.pending[i].value.Equal(v) {
			return i
		}
	}
	return -1
}

func (p *Paxos) removePending(v Value) {
	if i := p.pendingIndex(v); i >= 0 {
		p.pending = append(p.pending[:i], p.pending[i+1:]...)
		metrics.PaxosPendingProposals.Set(float64(len(p.pending)))
	}
}

func (p *Paxos) onDecided(from view.Address, msg Decided) {
	if p.pendingIndex(msg.Value) < 0 {
		return
	}
	slog.Debug("forwarded value already decided", "node", p.self, "from", from, "slot", msg.Slot, "value", msg.Value)
	p.removePending(msg.Value)
}

// decidedAt finds the slot v was decided at. Client requests are looked up
// by id for the whole dedup window, other values in the retained log.
func (p *Paxos) decidedAt(v Value) (int64, bool) {
	if slot, ok := p.ids.Lookup(v); ok {
		return slot, true
	}
	if v.Kind == ValueNoop || v.Kind == ValueOp {
		return 0, false
	}
	for s, d := range p.decided {
		if d.Equal(v) {
			return s, true
		}
	}
	return 0, false
}
