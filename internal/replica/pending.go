package replica

import (
	"github.com/puzpuzpuz/xsync/v3"

	"caracaldb/internal/ops"
	"caracaldb/internal/view"
	"caracaldb/internal/wire"
)

// pendingRequests holds the response channel of every client request this
// replica originated and is still waiting on. Every replica of the group
// answers a request; the first answer wins.
type pendingRequests struct {
	m *xsync.MapOf[uint64, chan ops.Response]
}

func newPendingRequests() pendingRequests {
	return pendingRequests{m: xsync.NewMapOf[uint64, chan ops.Response]()}
}

func (p pendingRequests) register(id uint64) chan ops.Response {
	ch := make(chan ops.Response, 1)
	p.m.Store(id, ch)
	return ch
}

func (p pendingRequests) forget(id uint64) {
	p.m.Delete(id)
}

func (p pendingRequests) complete(resp ops.Response) bool {
	ch, ok := p.m.LoadAndDelete(resp.ID)
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

func (p pendingRequests) size() int {
	return p.m.Size()
}

type ackKey struct {
	dest view.Address
	seq  uint64
}

// pendingAcks routes chunk acks from the loop to the transfer goroutine
// waiting for them.
type pendingAcks struct {
	m *xsync.MapOf[ackKey, chan wire.ChunkAck]
}

func newPendingAcks() pendingAcks {
	return pendingAcks{m: xsync.NewMapOf[ackKey, chan wire.ChunkAck]()}
}

func (p pendingAcks) register(dest view.Address, seq uint64) chan wire.ChunkAck {
	ch := make(chan wire.ChunkAck, 1)
	p.m.Store(ackKey{dest: dest, seq: seq}, ch)
	return ch
}

func (p pendingAcks) forget(dest view.Address, seq uint64) {
	p.m.Delete(ackKey{dest: dest, seq: seq})
}

func (p pendingAcks) complete(from view.Address, a wire.ChunkAck) {
	ch, ok := p.m.Load(ackKey{dest: from, seq: a.Seq})
	if !ok {
		return
	}
	select {
	case ch <- a:
	default:
	}
}
