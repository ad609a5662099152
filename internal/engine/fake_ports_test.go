package engine

import (
	"caracaldb/internal/key"
	"caracaldb/internal/ops"
	"caracaldb/internal/paxos"
	"caracaldb/internal/view"
)

type fakeConsensus struct {
	proposed []paxos.Value
	prunedTo int64
}

func (c *fakeConsensus) Propose(v paxos.Value) { c.proposed = append(c.proposed, v) }
func (c *fakeConsensus) Prune(upTo int64)      { c.prunedTo = upTo }

type fakeReplier struct {
	responses []ops.Response
}

func (r *fakeReplier) Reply(resp ops.Response) { r.responses = append(r.responses, resp) }

func (r *fakeReplier) take() []ops.Response {
	out := r.responses
	r.responses = nil
	return out
}

type transferCall struct {
	dest    view.Address
	rng     key.KeyRange
	version int64
}

type fakeTransfers struct {
	calls []transferCall
}

func (t *fakeTransfers) StartTransfer(dest view.Address, r key.KeyRange, version int64) {
	t.calls = append(t.calls, transferCall{dest: dest, rng: r, version: version})
}
