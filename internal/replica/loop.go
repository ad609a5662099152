package replica

import (
	"log/slog"
	"time"

	"caracaldb/internal/metrics"
	"caracaldb/internal/omega"
	"caracaldb/internal/paxos"
	"caracaldb/internal/wire"
)

func (r *Replica) runMainLoop() {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	r.drain()
	for {
		select {
		case <-r.stopCh:
			slog.Debug("replica loop stopping", "node", r.self)
			return

		case <-ticker.C:
			r.tick()

		case data := <-r.tr.Receive():
			r.receive(data)

		case fn := <-r.tasks:
			fn()
		}
		r.drain()
	}
}

// drain handles the work queued while the core or the engine was busy,
// until no more is produced.
func (r *Replica) drain() {
	for {
		switch {
		case len(r.signals) > 0:
			ev := r.signals[0]
			r.signals = r.signals[1:]
			r.signal(ev)

		case len(r.local) > 0:
			m := r.local[0]
			r.local = r.local[1:]
			r.px.Handle(m)

		case len(r.proposals) > 0:
			v := r.proposals[0]
			r.proposals = r.proposals[1:]
			r.px.Propose(v)

		case r.pruneTo > r.px.PrunedUpTo():
			upTo := r.pruneTo
			r.pruneTo = -1
			r.px.Prune(upTo)

		default:
			return
		}
	}
}

func (r *Replica) signal(ev omega.Event) {
	switch ev.Kind {
	case omega.EventTrust:
		r.px.Trust(ev.Leader)
	case omega.EventGroupStatusChange:
		r.px.GroupStatusChange()
	}
}

func (r *Replica) tick() {
	r.px.Tick()
	r.signals = append(r.signals, r.oracle.Tick()...)

	v := r.px.View()
	for _, m := range v.Members {
		if m != r.self {
			r.sendPacket(m, wire.HeartbeatPacket(r.self))
		}
	}

	if r.cfg.ScanInterval > 0 && r.px.IsPrepared() && time.Since(r.lastScan) >= r.cfg.ScanInterval {
		r.lastScan = time.Now()
		r.scanSeq++
		r.px.Propose(paxos.Scan(r.self, r.scanSeq))
	}
}

func (r *Replica) receive(data []byte) {
	p, err := r.codec.Decode(data)
	if err != nil {
		metrics.TransportDroppedTotal.WithLabelValues("decode_error").Inc()
		slog.Warn("dropping undecodable packet", "node", r.self, "error", err)
		return
	}
	r.oracle.Heard(p.Source)

	switch p.Type {
	case wire.TypePaxos:
		if p.Paxos.Dest != r.self {
			slog.Debug("dropping misaddressed paxos message", "node", r.self, "msg", p.Paxos)
			return
		}
		r.px.Handle(p.Paxos)

	case wire.TypeResponse:
		if p.Response.Origin == r.self {
			r.requests.complete(p.Response)
		}

	case wire.TypeChunk:
		ack := wire.ChunkAck{Seq: p.Chunk.Seq}
		if err := r.eng.ApplyChunk(p.Source, p.Chunk); err != nil {
			slog.Debug("rejecting transfer chunk", "node", r.self, "from", p.Source, "seq", p.Chunk.Seq, "error", err)
			ack.Err = err.Error()
		}
		r.sendPacket(p.Source, wire.AckPacket(r.self, ack))

	case wire.TypeChunkAck:
		r.acks.complete(p.Source, p.Ack)

	case wire.TypeHeartbeat:
		// only feeds the oracle
	}
}
