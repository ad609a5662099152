package paxos

import (
	"log/slog"
	"slices"

	"caracaldb/internal/metrics"
	"caracaldb/internal/view"
)

// slotVotes holds, for one slot, the highest-ballot instance reported so far
// and which acceptors reported it in which view.
type slotVotes struct {
	ballot    int32
	value     Value
	acceptors map[view.Address]view.View
}

// consistentQuorum returns the view in which at least quorum acceptors
// reported the same instance.
func consistentQuorum(acceptors map[view.Address]view.View, quorum int) (view.View, bool) {
	if quorum <= 0 {
		return view.View{}, false
	}
	type group struct {
		v     view.View
		count int
	}
	var groups []group
	for _, v := range acceptors {
		found := false
		for i := range groups {
			if groups[i].v.Equal(v) {
				groups[i].count++
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, group{v: v, count: 1})
		}
	}
	slices.SortFunc(groups, func(a, b group) int { return a.v.Compare(b.v) })
	for _, g := range groups {
		if g.count >= quorum {
			return g.v, true
		}
	}
	return view.View{}, false
}

func (p *Paxos) onAccepted(from view.Address, msg Accepted) {
	inst := msg.Instance
	if inst.ID <= p.highestDecided {
		return
	}
	if !p.view.IsZero() && msg.View.ID < p.view.ID {
		slog.Debug("dropping accepted from an older view", "node", p.self, "from", from, "slot", inst.ID, "their_view", msg.View.ID)
		metrics.PaxosStaleViewTotal.WithLabelValues("accepted").Inc()
		return
	}

	sv := p.learn[inst.ID]
	switch {
	case sv == nil || inst.Ballot > sv.ballot:
		sv = &slotVotes{
			ballot:    inst.Ballot,
			value:     inst.Value,
			acceptors: make(map[view.Address]view.View),
		}
		p.learn[inst.ID] = sv
	case inst.Ballot < sv.ballot:
		return
	}
	sv.acceptors[from] = msg.View

	if inst.ID > p.highestDecided+1 && from != p.self {
		p.hint = from
	}

	p.decide()
}

// decide commits slots while the next one has a consistent quorum in the
// current view.
func (p *Paxos) decide() {
	for {
		s := p.highestDecided + 1
		sv, ok := p.learn[s]
		if !ok {
			return
		}
		qv, ok := consistentQuorum(sv.acceptors, p.quorum)
		if !ok {
			return
		}
		if !qv.Equal(p.view) {
			slog.Warn("quorum for slot formed in another view, not deciding",
				"node", p.self,
				"slot", s,
				"quorum_view", qv,
				"our_view", p.view,
			)
			metrics.PaxosStaleViewTotal.WithLabelValues("decision").Inc()
			return
		}
		if !p.commit(s, sv.value) {
			return
		}
	}
}

func (p *Paxos) commit(slot int64, v Value) bool {
	if err := p.store.SaveDecision(Decision{Slot: slot, Value: v}); err != nil {
		slog.Error("persist decision failed", "node", p.self, "slot", slot, "error", err)
		return false
	}

	p.highestDecided = slot
	p.decided[slot] = v
	p.ids.Observe(slot, v)
	delete(p.learn, slot)
	p.removePending(v)
	p.stalledTicks = 0
	if p.IsPrepared() && p.nextSlot <= slot {
		p.nextSlot = slot + 1
	}

	metrics.PaxosDecisionsTotal.WithLabelValues(v.Kind.String()).Inc()
	p.updateMetrics()
	slog.Debug("decided", "node", p.self, "slot", slot, "value", v)

	if v.Kind == ValueReconfigure {
		p.installView(slot, v)
	}
	p.sink.Decide(slot, v)
	return true
}

func (p *Paxos) installView(slot int64, v Value) {
	nv := v.View
	if !p.view.IsZero() && nv.ID <= p.view.ID {
		slog.Warn("ignoring stale reconfiguration", "node", p.self, "slot", slot, "view", nv, "current", p.view)
		return
	}

	old := p.view
	p.setView(nv, v.Quorum)
	if err := p.store.SaveView(nv, v.Quorum); err != nil {
		slog.Error("persist view failed", "node", p.self, "view", nv, "error", err)
	}
	slog.Info("view installed", "node", p.self, "slot", slot, "view", nv, "quorum", v.Quorum, "previous", old)

	if nv.Contains(p.self) {
		var log []Decision
		for _, a := range old.Added(nv) {
			if a == p.self {
				continue
			}
			if log == nil {
				log = p.decidedLog(slot)
			}
			slog.Info("sending install", "node", p.self, "to", a, "entries", len(log))
			p.send(a, p.bal, Install{View: nv, Quorum: v.Quorum, Log: log, HighestDecided: slot, Seen: p.ids.Before(log[0].Slot)})
		}
	}

	p.leader = p.leader && nv.Contains(p.self)
	metrics.PaxosIsLeader.Set(boolGauge(p.leader))
	p.resetLeaderState()
	p.notifyView()
	if p.leader {
		p.collision(p.b, false)
	}
}

func (p *Paxos) decidedLog(upTo int64) []Decision {
	return p.decidedRange(p.prunedUpTo+1, upTo)
}

// decidedRange returns the retained decisions from start to end, stopping at
// the first slot that is not retained.
func (p *Paxos) decidedRange(start, end int64) []Decision {
	if end < start {
		return nil
	}
	out := make([]Decision, 0, end-start+1)
	for s := start; s <= end; s++ {
		v, ok := p.decided[s]
		if !ok {
			break
		}
		out = append(out, Decision{Slot: s, Value: v})
	}
	return out
}

func contiguousFrom(next int64, log []Decision) bool {
	for i, d := range log {
		if d.Slot != next+int64(i) {
			return false
		}
	}
	return true
}

func (p *Paxos) onInstall(from view.Address, ballot int32, msg Install) {
	if !msg.View.Contains(p.self) {
		slog.Warn("install for a view we are not part of", "node", p.self, "from", from, "view", msg.View)
		return
	}
	if !p.view.IsZero() && msg.View.ID <= p.view.ID {
		slog.Debug("ignoring duplicate install", "node", p.self, "from", from, "view", msg.View.ID)
		return
	}
	if len(msg.Log) == 0 || msg.Log[len(msg.Log)-1].Slot != msg.HighestDecided || !contiguousFrom(msg.Log[0].Slot, msg.Log) {
		slog.Warn("malformed install", "node", p.self, "from", from, "entries", len(msg.Log), "highest_decided", msg.HighestDecided)
		return
	}

	p.adoptBallot(ballot)
	p.setView(msg.View, msg.Quorum)

	slog.Info("installing",
		"node", p.self,
		"from", from,
		"view", msg.View,
		"first", msg.Log[0].Slot,
		"highest_decided", msg.HighestDecided,
	)

	p.jump(msg.Log[0].Slot, msg.Log, msg.Seen, view.View{})
	p.notifyView()
	p.decide()
}

// jump restarts the decided log at next, dropping whatever this replica held
// before it, and applies log, which starts at next. seen holds the client
// requests decided before next. Pending proposals among them are dropped.
func (p *Paxos) jump(next int64, log []Decision, seen []DecidedID, restartView view.View) {
	last := next - 1 + int64(len(log))
	clear(p.decided)
	for s := range p.learn {
		if s <= last {
			delete(p.learn, s)
		}
	}
	for s := range p.votes {
		if s < next {
			delete(p.votes, s)
		}
	}
	p.prunedUpTo = next - 1
	p.highestDecided = next - 1
	p.ids.Reset(seen, next)
	p.pending = slices.DeleteFunc(p.pending, func(pv pendingValue) bool {
		_, ok := p.ids.Lookup(pv.value)
		return ok
	})

	p.sink.Restart(next, restartView, p.ids.Before(next))
	for _, d := range log {
		p.decided[d.Slot] = d.Value
		p.highestDecided = d.Slot
		p.ids.Observe(d.Slot, d.Value)
		p.removePending(d.Value)
		metrics.PaxosDecisionsTotal.WithLabelValues(d.Value.Kind.String()).Inc()
		p.sink.Decide(d.Slot, d.Value)
	}
	if p.IsPrepared() && p.nextSlot <= p.highestDecided {
		p.nextSlot = p.highestDecided + 1
	}

	if err := p.store.Checkpoint(p.state()); err != nil {
		slog.Error("persist log restart failed", "node", p.self, "next", next, "error", err)
	}
	p.walPrunedUpTo = p.prunedUpTo
	metrics.PaxosPrunedUpTo.Set(float64(p.prunedUpTo))
	p.updateMetrics()
}

func (p *Paxos) onLogRequest(from view.Address, msg LogRequest) {
	if msg.From <= p.prunedUpTo {
		p.sendTruncated(from, msg.From)
		return
	}
	end := min(msg.From+int64(p.cfg.CatchUpBatch)-1, p.highestDecided)
	entries := p.decidedRange(msg.From, end)
	if len(entries) == 0 {
		return
	}
	p.send(from, p.bal, LogResponse{Entries: entries})
}

// sendTruncated answers a request for slots this replica already pruned.
// The requester restarts its log at our prune point, and the sink ships it a
// snapshot covering everything before.
func (p *Paxos) sendTruncated(to view.Address, requested int64) {
	if !p.view.Contains(to) {
		slog.Warn("log request below prune point from a non-member", "node", p.self, "from", to, "requested", requested)
		return
	}
	next := p.prunedUpTo + 1
	entries := p.decidedRange(next, min(next+int64(p.cfg.CatchUpBatch)-1, p.highestDecided))
	slog.Info("log request below prune point, restarting peer from snapshot",
		"node", p.self,
		"peer", to,
		"requested", requested,
		"pruned_up_to", p.prunedUpTo,
		"entries", len(entries),
	)
	p.send(to, p.bal, LogTruncated{View: p.view, Quorum: p.quorum, Next: next, Log: entries, Seen: p.ids.Before(next)})
	p.sink.Lagging(to)
}

func (p *Paxos) onLogResponse(from view.Address, msg LogResponse) {
	applied := 0
	for _, d := range msg.Entries {
		if d.Slot <= p.highestDecided {
			continue
		}
		if d.Slot != p.highestDecided+1 {
			slog.Debug("log response does not continue our log", "node", p.self, "from", from, "slot", d.Slot, "expected", p.highestDecided+1)
			break
		}
		if !p.commit(d.Slot, d.Value) {
			break
		}
		applied++
	}
	if applied > 0 {
		slog.Debug("caught up from peer", "node", p.self, "from", from, "entries", applied, "highest_decided", p.highestDecided)
	}
	p.decide()
}

func (p *Paxos) onLogTruncated(from view.Address, msg LogTruncated) {
	if msg.Next <= p.highestDecided+1 {
		// nothing of ours was pruned away, the entries simply continue our log
		p.onLogResponse(from, LogResponse{Entries: msg.Log})
		return
	}
	if !msg.View.Contains(p.self) || (!p.view.IsZero() && msg.View.ID < p.view.ID) {
		slog.Warn("ignoring truncated log", "node", p.self, "from", from, "view", msg.View, "our_view", p.view)
		return
	}
	if !contiguousFrom(msg.Next, msg.Log) {
		slog.Warn("truncated log has a gap", "node", p.self, "from", from, "next", msg.Next)
		return
	}

	newView := p.view.IsZero() || msg.View.ID > p.view.ID
	if newView {
		p.setView(msg.View, msg.Quorum)
		p.resetLeaderState()
	}
	slog.Info("restarting log at a peer's prune point",
		"node", p.self,
		"from", from,
		"skipped_from", p.highestDecided+1,
		"next", msg.Next,
		"entries", len(msg.Log),
	)
	metrics.PaxosLogRestartsTotal.Inc()

	p.jump(msg.Next, msg.Log, msg.Seen, p.view)
	if newView {
		p.notifyView()
		if p.leader {
			p.collision(p.b, false)
		}
	}
	p.decide()
}

// maybeCatchUp asks a peer for decided slots when we hold votes beyond the
// next slot but could not decide it for a few ticks.
func (p *Paxos) maybeCatchUp() {
	ahead := false
	for s := range p.learn {
		if s > p.highestDecided+1 {
			ahead = true
			break
		}
	}
	if !ahead {
		p.stalledTicks = 0
		return
	}

	p.stalledTicks++
	if p.stalledTicks < p.cfg.StallTicks {
		return
	}
	p.stalledTicks = 0

	target := p.hint
	if target == "" || target == p.self || !p.view.Contains(target) {
		target = ""
		for _, m := range p.view.Members {
			if m != p.self {
				target = m
				break
			}
		}
	}
	if target == "" {
		return
	}
	slog.Debug("requesting decided log", "node", p.self, "to", target, "from", p.highestDecided+1)
	p.send(target, p.bal, LogRequest{From: p.highestDecided + 1})
}
