package replica

import (
	"caracaldb/internal/engine"
	"caracaldb/internal/key"
	"caracaldb/internal/ops"
	"caracaldb/internal/paxos"
	"caracaldb/internal/view"
	"caracaldb/internal/wire"
)

// The adapters below are only called on the loop goroutine.

type outbox struct{ r *Replica }

var _ paxos.Outbox = outbox{}

func (o outbox) Send(m paxos.Message) {
	if m.Dest == o.r.self {
		o.r.local = append(o.r.local, m)
		return
	}
	o.r.sendPacket(m.Dest, wire.PaxosPacket(m))
}

type consensusPort struct{ r *Replica }

var _ engine.Consensus = consensusPort{}

func (c consensusPort) Propose(v paxos.Value) {
	c.r.proposals = append(c.r.proposals, v)
}

func (c consensusPort) Prune(upTo int64) {
	c.r.pruneTo = max(c.r.pruneTo, upTo)
}

type replierPort struct{ r *Replica }

var _ engine.Replier = replierPort{}

func (p replierPort) Reply(resp ops.Response) {
	if resp.Origin == p.r.self {
		p.r.requests.complete(resp)
		return
	}
	p.r.sendPacket(resp.Origin, wire.ResponsePacket(p.r.self, resp))
}

type transferPort struct{ r *Replica }

var _ engine.Transfers = transferPort{}

func (t transferPort) StartTransfer(dest view.Address, rng key.KeyRange, version int64) {
	t.r.transferWg.Add(1)
	go func() {
		defer t.r.transferWg.Done()
		t.r.runTransfer(dest, rng, version)
	}()
}
