// Package paxos implements the Multi-Paxos core of a replica group: every
// replica is an acceptor and a learner, and the replica the leader oracle
// trusts also runs the leader role. Decided values leave the core strictly in
// slot order through a Sink.
//
// A Paxos value is not safe for concurrent use. The replica runtime drives it
// from a single goroutine.
package paxos

import (
	"log/slog"
	"slices"

	"caracaldb/internal/metrics"
	"caracaldb/internal/view"
)

// ballotStride spaces the ballots of different proposers. A proposer only
// uses ballots b with b % ballotStride == its rank in the view, so two
// proposers of one view never share a ballot.
const ballotStride = 1 << 10

// DefaultRetain is the retention window used when Config.Retain is unset.
const DefaultRetain = 1024

type Config struct {
	Self view.Address
	// CatchUpBatch bounds the entries sent in one LogResponse.
	CatchUpBatch int
	// Retain keeps this many decided slots below the prune point for
	// LogRequests from lagging peers. Peers further behind restart from a
	// snapshot. It must stay well below DedupWindow.
	Retain int64
	// StallTicks is how many ticks the next slot may stay undecidable, or
	// phase 1 may stay incomplete, before the core acts.
	StallTicks int
	// ForwardTicks is the period for re-sending undecided proposals to the
	// trusted leader.
	ForwardTicks int
}

func (c Config) withDefaults() Config {
	if c.CatchUpBatch <= 0 {
		c.CatchUpBatch = 256
	}
	if c.Retain <= 0 {
		c.Retain = DefaultRetain
	}
	if c.StallTicks <= 0 {
		c.StallTicks = 3
	}
	if c.ForwardTicks <= 0 {
		c.ForwardTicks = 10
	}
	return c
}

type pendingValue struct {
	value Value
	// slot is where the current ballot proposed the value, or -1.
	slot int64
}

type Paxos struct {
	cfg   Config
	self  view.Address
	out   Outbox
	sink  Sink
	store Storage
	views ViewListener

	view   view.View
	quorum int

	// acceptor
	bal   int32
	votes map[int64]Instance

	// leader
	trusted    view.Address
	leader     bool
	b          int32
	prepared   bool
	prepareSet map[view.Address]Promise
	val2a      map[int64]Instance
	nextSlot   int64
	pending    []pendingValue

	// learner
	highestDecided int64
	decided        map[int64]Value
	prunedUpTo     int64
	walPrunedUpTo  int64
	learn          map[int64]*slotVotes
	ids            *IDWindow
	hint           view.Address

	ticks          int
	stalledTicks   int
	unpreparedTick int
	idleTicks      int
	lastProgress   int64
}

func New(cfg Config, out Outbox, sink Sink, store Storage) *Paxos {
	cfg = cfg.withDefaults()
	if store == nil {
		store = NopStorage{}
	}
	return &Paxos{
		cfg:            cfg,
		self:           cfg.Self,
		out:            out,
		sink:           sink,
		store:          store,
		votes:          make(map[int64]Instance),
		prepareSet:     make(map[view.Address]Promise),
		val2a:          make(map[int64]Instance),
		highestDecided: -1,
		decided:        make(map[int64]Value),
		prunedUpTo:     -1,
		walPrunedUpTo:  -1,
		learn:          make(map[int64]*slotVotes),
		ids:            NewIDWindow(DedupWindow),
	}
}

// SetViewListener registers l for view changes. It is called before the
// replica starts.
func (p *Paxos) SetViewListener(l ViewListener) {
	p.views = l
}

// Bootstrap installs the founding view of a new group without deciding it.
func (p *Paxos) Bootstrap(v view.View, quorum int) {
	p.setView(v, quorum)
	if err := p.store.SaveView(v, quorum); err != nil {
		slog.Error("persist bootstrap view failed", "node", p.self, "error", err)
	}
	slog.Info("paxos bootstrapped", "node", p.self, "view", v, "quorum", quorum)
	p.notifyView()
}

// Recover restores the durable state. Decided slots are not handed to the
// sink, see Redeliver.
func (p *Paxos) Recover() error {
	st, err := p.store.Load()
	if err != nil {
		return err
	}
	p.bal = st.Ballot
	p.b = st.Ballot
	if st.Votes != nil {
		p.votes = st.Votes
	}
	p.prunedUpTo = st.PrunedUpTo
	p.walPrunedUpTo = st.PrunedUpTo
	p.highestDecided = st.PrunedUpTo
	p.ids.Reset(st.Seen, st.PrunedUpTo+1)
	for _, d := range st.Decided {
		if d.Slot != p.highestDecided+1 {
			slog.Warn("gap in recovered decided log", "node", p.self, "slot", d.Slot, "expected", p.highestDecided+1)
			break
		}
		p.decided[d.Slot] = d.Value
		p.highestDecided = d.Slot
		p.ids.Observe(d.Slot, d.Value)
	}
	if !st.View.IsZero() {
		p.setView(st.View, st.Quorum)
		p.notifyView()
	}
	p.updateMetrics()
	slog.Info("paxos recovered",
		"node", p.self,
		"ballot", p.bal,
		"votes", len(p.votes),
		"highest_decided", p.highestDecided,
		"pruned_up_to", p.prunedUpTo,
		"view", p.view,
	)
	return nil
}

// Redeliver hands every retained decided slot from `from` on to the sink.
func (p *Paxos) Redeliver(from int64) {
	if from <= p.prunedUpTo {
		slog.Warn("redeliver below prune point", "node", p.self, "from", from, "pruned_up_to", p.prunedUpTo)
		from = p.prunedUpTo + 1
	}
	for s := from; s <= p.highestDecided; s++ {
		v, ok := p.decided[s]
		if !ok {
			break
		}
		p.sink.Decide(s, v)
	}
}

func (p *Paxos) setView(v view.View, quorum int) {
	p.view = v
	p.quorum = quorum
	metrics.PaxosViewID.Set(float64(v.ID))
	metrics.PaxosViewSize.Set(float64(v.Size()))
}

func (p *Paxos) notifyView() {
	if p.views != nil {
		p.views.ViewChanged(p.view)
	}
}

func (p *Paxos) View() view.View       { return p.view }
func (p *Paxos) Quorum() int           { return p.quorum }
func (p *Paxos) IsLeader() bool        { return p.leader }
func (p *Paxos) IsPrepared() bool      { return p.leader && p.prepared }
func (p *Paxos) Ballot() int32         { return p.bal }
func (p *Paxos) HighestDecided() int64 { return p.highestDecided }
func (p *Paxos) PrunedUpTo() int64     { return p.prunedUpTo }
func (p *Paxos) Trusted() view.Address { return p.trusted }
func (p *Paxos) PendingCount() int     { return len(p.pending) }

// DecidedIDs returns the remembered client requests decided so far, oldest
// first.
func (p *Paxos) DecidedIDs() []DecidedID {
	return p.ids.Before(p.highestDecided + 1)
}

// DecidedValue returns the retained decision for slot.
func (p *Paxos) DecidedValue(slot int64) (Value, bool) {
	v, ok := p.decided[slot]
	return v, ok
}

// Handle processes one incoming message.
func (p *Paxos) Handle(m Message) {
	metrics.PaxosMessagesTotal.WithLabelValues("received", m.Body.Kind().String()).Inc()
	slog.Debug("paxos received", "node", p.self, "msg", m)

	switch body := m.Body.(type) {
	case Prepare:
		p.onPrepare(m.Source, m.Ballot, body)
	case Promise:
		p.onPromise(m.Source, m.Ballot, body)
	case NoPromise:
		p.onNoPromise(m.Source, m.Ballot)
	case Accept:
		p.onAccept(m.Source, m.Ballot, body)
	case Accepted:
		p.onAccepted(m.Source, body)
	case Rejected:
		p.onRejected(m.Source, m.Ballot, body)
	case Forward:
		p.onForward(m.Source, body.Value)
	case Decided:
		p.onDecided(m.Source, body)
	case Install:
		p.onInstall(m.Source, m.Ballot, body)
	case LogRequest:
		p.onLogRequest(m.Source, body)
	case LogResponse:
		p.onLogResponse(m.Source, body)
	case LogTruncated:
		p.onLogTruncated(m.Source, body)
	default:
		slog.Warn("dropping unknown paxos message", "node", p.self, "type", m.Body.Kind(), "from", m.Source)
	}
}

// Trust reacts to the leader oracle naming leader as the trusted leader.
func (p *Paxos) Trust(leader view.Address) {
	p.trusted = leader
	was := p.leader
	p.leader = leader == p.self && p.view.Contains(p.self)
	metrics.PaxosIsLeader.Set(boolGauge(p.leader))

	switch {
	case p.leader && !was:
		slog.Info("became leader", "node", p.self, "view", p.view)
		p.collision(p.bal, false)
	case !p.leader && was:
		slog.Info("lost leadership", "node", p.self, "trusted", leader)
		p.resetLeaderState()
		p.forwardPending()
	case !p.leader:
		p.forwardPending()
	}
}

// GroupStatusChange makes a leader re-establish its ballot, since members it
// counted on may be gone.
func (p *Paxos) GroupStatusChange() {
	if p.leader && !p.prepared {
		p.collision(p.b, false)
	}
}

// Tick drives the timer based parts: phase 1 retries, catch-up requests
// and re-forwarding undecided proposals to the leader.
func (p *Paxos) Tick() {
	p.ticks++

	if p.leader && !p.prepared {
		p.unpreparedTick++
		if p.unpreparedTick >= p.cfg.StallTicks {
			slog.Debug("phase 1 stalled, retrying with a higher ballot", "node", p.self, "ballot", p.b)
			p.collision(p.b, false)
		}
	}

	p.maybeRedrive()
	p.maybeCatchUp()

	if !p.leader && p.ticks%p.cfg.ForwardTicks == 0 {
		p.forwardPending()
	}
}

// maybeRedrive restarts phase 1 when a prepared leader holds proposals but
// no slot got decided for a while, which recovers from lost Accepts.
func (p *Paxos) maybeRedrive() {
	if !p.IsPrepared() || len(p.pending) == 0 || p.highestDecided != p.lastProgress {
		p.idleTicks = 0
		p.lastProgress = p.highestDecided
		return
	}
	p.idleTicks++
	if p.idleTicks < 2*p.cfg.StallTicks {
		return
	}
	p.idleTicks = 0
	slog.Debug("no progress with pending proposals, re-preparing", "node", p.self, "pending", len(p.pending))
	p.collision(p.b, false)
}

// Prune drops decided slots up to upTo, minus the retention window, and
// votes for slots that are no longer retained.
func (p *Paxos) Prune(upTo int64) {
	if upTo > p.highestDecided {
		upTo = p.highestDecided
	}
	target := upTo - p.cfg.Retain
	if target <= p.prunedUpTo {
		return
	}
	for s := p.prunedUpTo + 1; s <= target; s++ {
		delete(p.decided, s)
	}
	for s := range p.votes {
		if s <= target {
			delete(p.votes, s)
		}
	}
	p.prunedUpTo = target
	metrics.PaxosPrunedUpTo.Set(float64(target))

	// rewrite the wal only once a full retention window was dropped
	if target-p.walPrunedUpTo < max(p.cfg.Retain, 1) {
		return
	}
	if err := p.store.Checkpoint(p.state()); err != nil {
		slog.Error("paxos checkpoint failed", "node", p.self, "error", err)
		return
	}
	p.walPrunedUpTo = target
	slog.Debug("paxos log pruned", "node", p.self, "up_to", target)
}

func (p *Paxos) state() State {
	st := State{
		Ballot:     p.bal,
		Votes:      make(map[int64]Instance, len(p.votes)),
		View:       p.view,
		Quorum:     p.quorum,
		PrunedUpTo: p.prunedUpTo,
		Seen:       p.ids.Before(p.prunedUpTo + 1),
	}
	for s, inst := range p.votes {
		st.Votes[s] = inst
	}
	for s := p.prunedUpTo + 1; s <= p.highestDecided; s++ {
		if v, ok := p.decided[s]; ok {
			st.Decided = append(st.Decided, Decision{Slot: s, Value: v})
		}
	}
	return st
}

func (p *Paxos) send(dest view.Address, ballot int32, body Body) {
	metrics.PaxosMessagesTotal.WithLabelValues("sent", body.Kind().String()).Inc()
	p.out.Send(Message{Source: p.self, Dest: dest, Ballot: ballot, Body: body})
}

func (p *Paxos) broadcast(ballot int32, body Body) {
	for _, m := range p.view.Members {
		p.send(m, ballot, body)
	}
}

func (p *Paxos) updateMetrics() {
	metrics.PaxosBallot.Set(float64(p.bal))
	metrics.PaxosHighestDecided.Set(float64(p.highestDecided))
	metrics.PaxosPendingProposals.Set(float64(len(p.pending)))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func sortedSlots[T any](m map[int64]T) []int64 {
	slots := make([]int64, 0, len(m))
	for s := range m {
		slots = append(slots, s)
	}
	slices.Sort(slots)
	return slots
}
