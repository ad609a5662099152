// Package engine is the replicated state machine. It consumes decided slots
// in order, executes client operations against storage according to its
// state, and moves data to members that join the view.
package engine

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"caracaldb/internal/codec"
	"caracaldb/internal/key"
	"caracaldb/internal/metrics"
	"caracaldb/internal/oplog"
	"caracaldb/internal/ops"
	"caracaldb/internal/paxos"
	"caracaldb/internal/storage"
	"caracaldb/internal/view"
)

type Config struct {
	Self view.Address
	// Range is the key range this replica group serves. The zero value is
	// the whole key space.
	Range key.KeyRange
}

// Engine is not safe for concurrent use. The replica loop owns it.
type Engine struct {
	self  view.Address
	rng   key.KeyRange
	store storage.Store
	log   oplog.OperationsLog
	ser   codec.Serializer

	consensus Consensus
	replier   Replier
	transfers Transfers

	state    State
	view     view.View
	prevView view.View

	// position is the last slot processed, lastSnapshot the last slot whose
	// puts are all in storage. They are equal while ACTIVE.
	position     int64
	lastSnapshot int64
	persisted    int64

	// outbound transfers in flight, and joiners waiting for this replica to
	// become ACTIVE before their transfer can start.
	pending  map[view.Address]struct{}
	deferred []view.Address

	transferDone bool
	syncSeq      uint64
}

var _ paxos.Sink = (*Engine)(nil)

func New(cfg Config, store storage.Store, consensus Consensus, replier Replier, transfers Transfers, ser codec.Serializer) *Engine {
	rng := cfg.Range
	if rng == (key.KeyRange{}) {
		rng = key.All
	}
	return &Engine{
		self:         cfg.Self,
		rng:          rng,
		store:        store,
		log:          oplog.NewInMemoryLog(0),
		ser:          ser,
		consensus:    consensus,
		replier:      replier,
		transfers:    transfers,
		state:        Passive,
		position:     -1,
		lastSnapshot: -1,
		persisted:    -1,
		pending:      make(map[view.Address]struct{}),
	}
}

func (e *Engine) State() State          { return e.state }
func (e *Engine) View() view.View       { return e.view }
func (e *Engine) Position() int64       { return e.position }
func (e *Engine) LastSnapshot() int64   { return e.lastSnapshot }
func (e *Engine) Range() key.KeyRange   { return e.rng }
func (e *Engine) PendingTransfers() int { return len(e.pending) }

// Accepts reports whether a client operation of kind k can be submitted.
// A PASSIVE replica would never answer it.
func (e *Engine) Accepts(k ops.Kind) bool {
	if e.state == Passive {
		return false
	}
	_, ok := actions[e.state][k]
	return ok
}

// Bootstrap starts a founding member of the first view directly in ACTIVE.
func (e *Engine) Bootstrap(v view.View) error {
	e.view = v
	if v.Contains(e.self) {
		e.setState(Active)
	}
	slog.Info("engine bootstrapped", "node", e.self, "view", v, "state", e.state)
	return e.persistMeta(nil)
}

// Recover restores the persisted engine state and returns the first slot
// the consensus core has to redeliver. seen are the client requests the core
// remembers as decided; those before the redelivery point seed duplicate
// detection.
func (e *Engine) Recover(seen []paxos.DecidedID) (int64, error) {
	m, err := e.loadMeta()
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	e.state = m.State
	e.view, e.prevView = m.View, m.PrevView
	e.lastSnapshot = m.LastSnapshot
	e.transferDone = m.TransferDone
	e.syncSeq = m.SyncSeq
	e.deferred = m.Deferred

	// Buffered operations since the snapshot live only in the consensus log.
	from := e.lastSnapshot + 1
	if e.state == Passive {
		from = m.Position + 1
	}
	e.position = from - 1
	e.persisted = e.position
	e.log.Reset(from, seen)

	for _, dest := range m.Pending {
		e.startTransfer(dest, e.lastSnapshot)
	}
	if e.state == CatchingUp && !e.transferDone {
		slog.Warn("engine restarted in the middle of a catch-up; the transfer source must still be sending",
			"node", e.self, "snapshot", e.lastSnapshot)
	}
	e.setState(e.state)
	slog.Info("engine recovered",
		"node", e.self,
		"state", e.state,
		"view", e.view,
		"snapshot", e.lastSnapshot,
		"redeliver_from", from,
	)
	return from, nil
}

// Decide implements paxos.Sink.
func (e *Engine) Decide(slot int64, v paxos.Value) {
	released := e.log.Insert(slot, v)
	for _, en := range released {
		e.apply(en)
	}
	if len(released) == 0 {
		metrics.EngineBufferedEntries.Set(float64(e.log.Len()))
		return
	}
	if e.persisted < e.position {
		if err := e.persistMeta(nil); err != nil {
			slog.Error("persist engine position failed", "node", e.self, "position", e.position, "error", err)
		}
	}
	e.prune()
	metrics.EngineAppliedPosition.Set(float64(e.position))
	metrics.EngineBufferedEntries.Set(float64(e.log.Len()))
}

// Restart implements paxos.Sink. The log jumped to next, so whatever this
// replica buffered is stale. With a view that keeps this replica a member,
// it waits in CATCHING_UP for a snapshot of the skipped slots; otherwise it
// is PASSIVE until the log brings it a view.
func (e *Engine) Restart(next int64, v view.View, seen []paxos.DecidedID) {
	slog.Info("engine restarting log", "node", e.self, "next", next, "state", e.state, "view", v)
	e.log.Reset(next, seen)
	e.position = next - 1
	if !v.IsZero() && (e.view.IsZero() || v.ID > e.view.ID) {
		e.prevView, e.view = e.view, v
	}

	switch {
	case v.IsZero() || !e.view.Contains(e.self):
		if e.state != Passive {
			e.lastSnapshot = next - 1
			e.suspendTransfers()
			e.setState(Passive)
		}
	case e.state == CatchingUp && e.transferDone && e.lastSnapshot >= next-1:
		// The snapshot already covers the skipped slots, but its SyncedUp
		// may have been among them.
		e.consensus.Propose(paxos.SyncedUp(e.self, e.syncSeq))
	default:
		e.lastSnapshot = next - 1
		e.transferDone = false
		e.suspendTransfers()
		e.setState(CatchingUp)
	}
	e.persist()
}

// Lagging implements paxos.Sink. member needs a snapshot because the slots
// it misses were pruned here.
func (e *Engine) Lagging(member view.Address) {
	if member == e.self || !e.view.Contains(member) {
		return
	}
	if _, ok := e.pending[member]; ok || slices.Contains(e.deferred, member) {
		return
	}
	switch e.state {
	case Active, Buffering:
		// the store holds exactly the snapshot at lastSnapshot in both
		e.startTransfer(member, e.lastSnapshot)
		e.setState(Buffering)
	case CatchingUp:
		e.deferred = append(e.deferred, member)
	default:
		return
	}
	e.persist()
}

// suspendTransfers turns outbound transfers into deferred ones. They restart
// from the next snapshot once this replica is ACTIVE again.
func (e *Engine) suspendTransfers() {
	for _, dest := range slices.Sorted(maps.Keys(e.pending)) {
		if !slices.Contains(e.deferred, dest) {
			e.deferred = append(e.deferred, dest)
		}
	}
	clear(e.pending)
}

func (e *Engine) apply(en oplog.Entry) {
	e.position = en.Slot
	if e.state == Active {
		e.lastSnapshot = en.Slot
	}
	if en.Duplicate {
		metrics.EngineOperationsTotal.WithLabelValues(en.Value.Op.Kind.String(), "duplicate").Inc()
		return
	}

	switch en.Value.Kind {
	case paxos.ValueNoop:
	case paxos.ValueReconfigure:
		e.reconfigure(en.Slot, en.Value.View)
	case paxos.ValueOp:
		e.execute(en.Slot, en.Value.Op)
	case paxos.ValueSyncedUp:
		e.syncedUp(en.Slot, en.Value)
	case paxos.ValueScan:
		e.scan()
	default:
		slog.Warn("unknown decided value", "node", e.self, "slot", en.Slot, "value", en.Value)
	}
}

func (e *Engine) prune() {
	upTo := min(e.lastSnapshot, e.persisted)
	if upTo < 0 {
		return
	}
	e.log.Prune(upTo)
	e.consensus.Prune(upTo)
}

func (e *Engine) setState(s State) {
	if s != e.state {
		slog.Info("engine state change", "node", e.self, "from", e.state, "to", s, "position", e.position)
	}
	e.state = s
	metrics.EngineState.Set(float64(s))
	metrics.EngineSnapshotPosition.Set(float64(e.lastSnapshot))
}

func (e *Engine) scan() {
	if e.state != Active {
		return
	}
	store, rng := e.store, e.rng
	go func() {
		start := time.Now()
		keys, size, err := storage.Stats(store, rng)
		if err != nil {
			slog.Warn("range scan failed", "range", rng, "error", err)
			return
		}
		metrics.RangeKeys.Set(float64(keys))
		metrics.RangeBytes.Set(float64(size))
		slog.Debug("range scan finished", "range", rng, "keys", keys, "bytes", size, "took", time.Since(start))
	}()
}
