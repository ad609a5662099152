package engine

import (
	"fmt"
	"log/slog"
	"time"

	"caracaldb/internal/metrics"
	"caracaldb/internal/paxos"
	"caracaldb/internal/rangequery"
	"caracaldb/internal/view"
)

// Chunk is one piece of a snapshot transfer. Items were read from the source
// store as of slot Version. The last chunk has Done set.
type Chunk struct {
	Seq     uint64
	Version int64
	Items   []rangequery.Item
	Done    bool
}

func (e *Engine) reconfigure(slot int64, nv view.View) {
	if !e.view.IsZero() && nv.ID <= e.view.ID {
		slog.Warn("ignoring stale reconfiguration", "node", e.self, "slot", slot, "current", e.view, "proposed", nv)
		return
	}
	old := e.view
	e.prevView, e.view = old, nv
	slog.Info("engine reconfigured", "node", e.self, "slot", slot, "from", old, "to", nv, "state", e.state)

	for dest := range e.pending {
		if !nv.Contains(dest) {
			slog.Info("dropping transfer to removed member", "node", e.self, "dest", dest)
			delete(e.pending, dest)
		}
	}

	if !nv.Contains(e.self) {
		if e.state != Passive {
			e.flush(slot)
			e.setState(Passive)
		}
		e.persist()
		return
	}

	switch e.state {
	case Passive:
		e.lastSnapshot = slot
		if nv.ID == 0 {
			e.setState(Active)
		} else {
			e.transferDone = false
			e.setState(CatchingUp)
		}

	case Active:
		for _, dest := range e.responsibleFor(old, nv) {
			e.startTransfer(dest, slot)
		}
		if len(e.pending) > 0 {
			e.setState(Buffering)
		}

	case Buffering, CatchingUp:
		// The store is not at a single version this replica could ship, so
		// new joiners wait until it is ACTIVE again.
		e.deferred = append(e.deferred, e.responsibleFor(old, nv)...)
	}
	e.persist()
}

// responsibleFor lists the members added by nv whose data this replica
// ships: those whose nearest preceding member from the old view is self.
func (e *Engine) responsibleFor(old, nv view.View) []view.Address {
	var out []view.Address
	for _, a := range old.Added(nv) {
		src, ok := nv.Predecessor(a, old.Contains)
		if ok && src == e.self {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) startTransfer(dest view.Address, version int64) {
	if !e.view.Contains(dest) {
		return
	}
	e.pending[dest] = struct{}{}
	metrics.EngineTransfersTotal.WithLabelValues("out", "started").Inc()
	slog.Info("starting snapshot transfer", "node", e.self, "dest", dest, "range", e.rng, "version", version)
	e.transfers.StartTransfer(dest, e.rng, version)
}

// TransferFinished records the outcome of an outbound transfer. Once every
// transfer is done a BUFFERING replica applies what it buffered and becomes
// ACTIVE.
func (e *Engine) TransferFinished(dest view.Address, err error) {
	if _, ok := e.pending[dest]; !ok {
		return
	}
	if err != nil {
		metrics.EngineTransfersTotal.WithLabelValues("out", "failed").Inc()
		slog.Warn("snapshot transfer failed, retrying", "node", e.self, "dest", dest, "error", err)
		e.transfers.StartTransfer(dest, e.rng, e.lastSnapshot)
		return
	}
	delete(e.pending, dest)
	metrics.EngineTransfersTotal.WithLabelValues("out", "done").Inc()
	slog.Info("snapshot transfer finished", "node", e.self, "dest", dest, "remaining", len(e.pending))

	if len(e.pending) == 0 && e.state == Buffering {
		e.flush(e.position)
		e.setState(Active)
		e.startDeferred()
	}
	e.persist()
	e.prune()
}

func (e *Engine) startDeferred() {
	deferred := e.deferred
	e.deferred = nil
	for _, dest := range deferred {
		e.startTransfer(dest, e.lastSnapshot)
	}
	if len(e.pending) > 0 {
		e.setState(Buffering)
	}
}

// ApplyChunk writes a chunk of an inbound transfer. When the last chunk
// arrives the engine proposes SyncedUp and waits for its decision. A replica
// that is already in sync accepts and ignores chunks, so a source that
// started late can finish.
func (e *Engine) ApplyChunk(from view.Address, c Chunk) error {
	switch {
	case e.state == Active || e.state == Buffering:
		slog.Debug("ignoring chunk, already in sync", "node", e.self, "from", from, "seq", c.Seq)
		return nil
	case e.state != CatchingUp:
		return fmt.Errorf("%w: state %s", ErrNotCatchingUp, e.state)
	case e.transferDone:
		return nil
	case c.Version < e.lastSnapshot:
		return fmt.Errorf("%w: version %d, log restarts after %d", ErrStaleChunk, c.Version, e.lastSnapshot)
	}

	b := e.store.NewBatch()
	defer b.Close()
	for _, it := range c.Items {
		if !e.rng.Contains(it.Key) {
			continue
		}
		if err := b.Put(it.Key, it.Value, uint64(c.Version)); err != nil {
			return fmt.Errorf("chunk %d: %w", c.Seq, err)
		}
	}
	if c.Done {
		e.transferDone = true
		e.lastSnapshot = max(e.lastSnapshot, c.Version)
		e.syncSeq++
	}
	if err := e.persistMeta(b); err != nil {
		if c.Done {
			e.transferDone = false
			e.syncSeq--
		}
		return fmt.Errorf("chunk %d: %w", c.Seq, err)
	}
	metrics.EngineTransferItems.WithLabelValues("in").Add(float64(len(c.Items)))

	if c.Done {
		metrics.EngineTransfersTotal.WithLabelValues("in", "done").Inc()
		slog.Info("inbound snapshot complete", "node", e.self, "from", from, "version", c.Version)
		e.consensus.Propose(paxos.SyncedUp(e.self, e.syncSeq))
	}
	return nil
}

func (e *Engine) syncedUp(slot int64, v paxos.Value) {
	if v.Origin != e.self || e.state != CatchingUp || !e.transferDone {
		return
	}
	e.flush(slot)
	e.setState(Active)
	e.startDeferred()
	e.persist()
}

// flush applies every put buffered after the last snapshot up to head as one
// batch and moves the snapshot to head.
func (e *Engine) flush(head int64) {
	if head <= e.lastSnapshot {
		return
	}
	start := time.Now()
	puts := e.log.Diff(e.lastSnapshot, head)

	b := e.store.NewBatch()
	defer b.Close()
	for _, p := range puts {
		if err := b.Put(p.Key, p.Value, uint64(head)); err != nil {
			slog.Error("snapshot put failed", "node", e.self, "key", p.Key, "error", err)
			return
		}
	}
	prev := e.lastSnapshot
	e.lastSnapshot = head
	if err := e.persistMeta(b); err != nil {
		e.lastSnapshot = prev
		slog.Error("snapshot commit failed", "node", e.self, "head", head, "error", err)
		return
	}

	metrics.EngineSnapshotsTotal.Inc()
	metrics.EngineSnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.EngineSnapshotPosition.Set(float64(head))
	slog.Info("snapshot applied", "node", e.self, "from", prev, "to", head, "puts", len(puts))
}

func (e *Engine) persist() {
	if err := e.persistMeta(nil); err != nil {
		slog.Error("persist engine state failed", "node", e.self, "state", e.state, "error", err)
	}
}
