package paxos

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caracaldb/internal/key"
	"caracaldb/internal/ops"
	"caracaldb/internal/view"
)

func put(origin view.Address, id uint64, k, v string) Value {
	return Op(ops.NewPut(id, origin, key.FromString(k), []byte(v)))
}

func TestConsistentQuorum(t *testing.T) {
	v1 := view.New(1, "a", "b", "c")
	v2 := view.New(2, "a", "b", "c", "d")

	_, ok := consistentQuorum(map[view.Address]view.View{"a": v1}, 2)
	if ok {
		t.Fatalf("one acceptor is not a quorum of 2")
	}

	got, ok := consistentQuorum(map[view.Address]view.View{"a": v1, "b": v1}, 2)
	if !ok || !got.Equal(v1) {
		t.Fatalf("expected quorum in v1, got %v %v", got, ok)
	}

	_, ok = consistentQuorum(map[view.Address]view.View{"a": v1, "b": v2, "c": v2}, 3)
	if ok {
		t.Fatalf("acceptors split over views must not form a quorum")
	}

	got, ok = consistentQuorum(map[view.Address]view.View{"a": v1, "b": v2, "c": v2, "d": v2}, 3)
	if !ok || !got.Equal(v2) {
		t.Fatalf("expected quorum in v2, got %v %v", got, ok)
	}

	if _, ok := consistentQuorum(map[view.Address]view.View{"a": v1}, 0); ok {
		t.Fatalf("zero quorum must never decide")
	}
}

func TestNextBallot_UniquePerProposer(t *testing.T) {
	v := view.New(0, "a", "b", "c")
	seen := map[int32]view.Address{}
	for _, self := range v.Members {
		p := New(Config{Self: self}, &recordingOutbox{}, &recordingSink{}, nil)
		p.Bootstrap(v, 2)
		b := int32(0)
		for i := 0; i < 5; i++ {
			b = p.nextBallot(b)
			if owner, dup := seen[b]; dup {
				t.Fatalf("ballot %d used by %s and %s", b, owner, self)
			}
			seen[b] = self
		}
	}

	p := New(Config{Self: "b"}, &recordingOutbox{}, &recordingSink{}, nil)
	p.Bootstrap(v, 2)
	p.bal = 5000
	if b := p.nextBallot(10); b <= 5000 || b%ballotStride != 1 {
		t.Fatalf("unexpected ballot %d", b)
	}
}

func TestAcceptor_PrepareRules(t *testing.T) {
	out := &recordingOutbox{}
	p := New(Config{Self: "a"}, out, &recordingSink{}, nil)
	v := view.New(0, "a", "b", "c")
	p.Bootstrap(v, 2)

	p.Handle(Message{Source: "x", Dest: "a", Ballot: 7, Body: Prepare{HighestDecided: -1}})
	require.Empty(t, out.take(), "non-member prepare must be ignored")

	p.votes[0] = Instance{ID: 0, Ballot: 3, Value: Noop()}
	p.votes[4] = Instance{ID: 4, Ballot: 3, Value: put("a", 1, "k", "v")}

	p.Handle(Message{Source: "b", Dest: "a", Ballot: 7, Body: Prepare{HighestDecided: 1}})
	sent := out.take()
	require.Len(t, sent, 1)
	promise, ok := sent[0].Body.(Promise)
	require.True(t, ok, "expected promise, got %T", sent[0].Body)
	assert.Equal(t, int32(7), sent[0].Ballot)
	assert.Equal(t, view.Address("b"), sent[0].Dest)
	require.Len(t, promise.Votes, 1, "votes at or below the leader's decided slot are not reported")
	assert.Equal(t, int64(4), promise.Votes[0].ID)
	assert.True(t, promise.View.Equal(v))

	for _, b := range []int32{7, 6} {
		p.Handle(Message{Source: "c", Dest: "a", Ballot: b, Body: Prepare{}})
		sent = out.take()
		require.Len(t, sent, 1)
		_, ok = sent[0].Body.(NoPromise)
		assert.True(t, ok, "ballot %d must not be promised", b)
		assert.Equal(t, int32(7), sent[0].Ballot)
	}
}

func TestAcceptor_AcceptRules(t *testing.T) {
	out := &recordingOutbox{}
	p := New(Config{Self: "a"}, out, &recordingSink{}, nil)
	v := view.New(0, "a", "b", "c")
	p.Bootstrap(v, 2)
	p.bal = 10

	inst := Instance{ID: 0, Ballot: 9, Value: put("b", 1, "k", "v")}
	p.Handle(Message{Source: "b", Dest: "a", Ballot: 9, Body: Accept{Instance: inst}})
	sent := out.take()
	require.Len(t, sent, 1)
	_, ok := sent[0].Body.(Rejected)
	assert.True(t, ok)
	assert.Equal(t, int32(10), sent[0].Ballot)
	assert.Empty(t, p.votes)

	inst.Ballot = 10
	p.Handle(Message{Source: "b", Dest: "a", Ballot: 10, Body: Accept{Instance: inst}})
	sent = out.take()
	require.Len(t, sent, 3, "accepted goes to the whole view")
	for _, m := range sent {
		acc, ok := m.Body.(Accepted)
		require.True(t, ok)
		assert.Equal(t, inst, acc.Instance)
		assert.True(t, acc.View.Equal(v))
	}
	assert.Equal(t, inst, p.votes[0])

	p.Handle(Message{Source: "z", Dest: "a", Ballot: 50, Body: Accept{Instance: inst}})
	assert.Empty(t, out.take(), "non-member accept must be ignored")
	assert.Equal(t, int32(10), p.Ballot())
}

func TestLearner_StaleViewQuorumDoesNotDecide(t *testing.T) {
	sink := &recordingSink{}
	p := New(Config{Self: "a"}, &recordingOutbox{}, sink, nil)
	v1 := view.New(1, "a", "b", "c")
	p.Bootstrap(v1, 2)

	other := view.New(1, "a", "b", "d")
	inst := Instance{ID: 0, Ballot: 1, Value: put("a", 1, "k", "v")}
	p.Handle(Message{Source: "b", Dest: "a", Body: Accepted{Instance: inst, View: other}})
	p.Handle(Message{Source: "d", Dest: "a", Body: Accepted{Instance: inst, View: other}})
	assert.Empty(t, sink.decisions, "quorum in a different view must not decide")

	old := view.New(0, "a", "b", "c")
	p.Handle(Message{Source: "c", Dest: "a", Body: Accepted{Instance: inst, View: old}})
	assert.Empty(t, sink.decisions)

	p.Handle(Message{Source: "a", Dest: "a", Body: Accepted{Instance: inst, View: v1}})
	p.Handle(Message{Source: "c", Dest: "a", Body: Accepted{Instance: inst, View: v1}})
	require.Len(t, sink.decisions, 1)
	assert.Equal(t, int64(0), sink.decisions[0].Slot)
}

func TestLearner_HigherBallotReplacesVotes(t *testing.T) {
	sink := &recordingSink{}
	p := New(Config{Self: "a"}, &recordingOutbox{}, sink, nil)
	v := view.New(0, "a", "b", "c")
	p.Bootstrap(v, 2)

	low := Instance{ID: 0, Ballot: 1, Value: put("a", 1, "k", "old")}
	high := Instance{ID: 0, Ballot: 2, Value: put("a", 2, "k", "new")}

	p.Handle(Message{Source: "a", Body: Accepted{Instance: low, View: v}})
	p.Handle(Message{Source: "b", Body: Accepted{Instance: high, View: v}})
	p.Handle(Message{Source: "c", Body: Accepted{Instance: low, View: v}})
	assert.Empty(t, sink.decisions, "lower ballot votes do not count once a higher one is seen")

	p.Handle(Message{Source: "c", Body: Accepted{Instance: high, View: v}})
	require.Len(t, sink.decisions, 1)
	assert.True(t, sink.decisions[0].Value.Equal(high.Value))
}

func TestLearner_DecidesInSlotOrder(t *testing.T) {
	sink := &recordingSink{}
	p := New(Config{Self: "a"}, &recordingOutbox{}, sink, nil)
	v := view.New(0, "a", "b", "c")
	p.Bootstrap(v, 2)

	accept := func(slot int64, from view.Address) {
		inst := Instance{ID: slot, Ballot: 1, Value: put("a", uint64(slot), "k", fmt.Sprint(slot))}
		p.Handle(Message{Source: from, Body: Accepted{Instance: inst, View: v}})
	}
	accept(2, "a")
	accept(2, "b")
	accept(1, "a")
	accept(1, "b")
	assert.Empty(t, sink.decisions, "slot 0 is still open")

	accept(0, "c")
	accept(0, "b")
	require.Len(t, sink.decisions, 3)
	for i, d := range sink.decisions {
		assert.Equal(t, int64(i), d.Slot)
	}
}

// A single replica decides a put at slot 0.
func TestSingleReplica_DecidesFirstSlot(t *testing.T) {
	c := newCluster(t, "a")
	c.trust("a")
	c.run(100)

	a := c.nodes["a"]
	require.True(t, a.p.IsPrepared())

	v := put("a", 1, "x", "1")
	a.p.Propose(v)
	c.run(100)

	require.Len(t, a.sink.decisions, 1)
	assert.Equal(t, int64(0), a.sink.decisions[0].Slot)
	assert.True(t, a.sink.decisions[0].Value.Equal(v))
	assert.Equal(t, 0, a.p.PendingCount())
}

// A new leader re-drives what the failed leader got accepted and fills the
// slot nobody voted on with Noop before proposing new values.
func TestLeaderFailover_RecoversVotesAndFillsGaps(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	c.trust("a")
	c.run(1000)

	a := c.nodes["a"]
	require.True(t, a.p.IsPrepared())
	ballotA := a.p.b

	// a gets slot 1 accepted by c only, then crashes before anything else
	x := put("a", 7, "x", "from-a")
	c.down["a"] = true
	c.nodes["c"].p.Handle(Message{
		Source: "a", Dest: "c", Ballot: ballotA,
		Body: Accept{Instance: Instance{ID: 1, Ballot: ballotA, Value: x}},
	})
	c.run(1000)
	assert.Empty(t, c.nodes["b"].sink.decisions)

	for _, addr := range []view.Address{"b", "c"} {
		c.nodes[addr].p.Trust("b")
	}
	c.run(1000)

	b := c.nodes["b"]
	require.True(t, b.p.IsPrepared())
	assert.Greater(t, b.p.b, ballotA)

	for _, addr := range []view.Address{"b", "c"} {
		d := c.nodes[addr].sink.decisions
		require.Len(t, d, 2, "node %s", addr)
		assert.Equal(t, ValueNoop, d[0].Value.Kind, "gap at slot 0 is closed with noop")
		assert.True(t, d[1].Value.Equal(x), "slot 1 keeps the value a got accepted")
	}

	y := put("b", 1, "y", "from-b")
	b.p.Propose(y)
	c.run(1000)
	d := b.sink.decisions
	require.Len(t, d, 3)
	assert.Equal(t, int64(2), d[2].Slot)
	assert.True(t, d[2].Value.Equal(y))
}

func TestForward_ReachesLeaderFromFollower(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	c.trust("a")
	c.run(1000)

	v := put("c", 1, "k", "v")
	c.nodes["c"].p.Propose(v)
	c.run(1000)

	for addr, n := range c.nodes {
		require.Len(t, n.sink.decisions, 1, "node %s", addr)
		assert.True(t, n.sink.decisions[0].Value.Equal(v))
		assert.Equal(t, 0, n.p.PendingCount(), "node %s still holds the proposal", addr)
	}
}

func TestAgreement_UnderLossDuplicationAndReordering(t *testing.T) {
	members := []view.Address{"a", "b", "c", "d", "e"}
	c := newCluster(t, members...)
	c.dropRate = 0.1
	c.dupRate = 0.1
	c.reorder = true

	c.trust("a")
	var proposed []Value
	for i := 0; i < 30; i++ {
		origin := members[i%len(members)]
		v := put(origin, uint64(i), fmt.Sprintf("k%d", i), "v")
		proposed = append(proposed, v)
		c.nodes[origin].p.Propose(v)
		c.run(50)
		c.tick()
		if i == 15 {
			// contending leaders for a while, then b wins
			c.nodes["b"].p.Trust("b")
			c.settle(3)
			c.trust("b")
		}
	}
	c.dropRate = 0
	c.dupRate = 0
	c.settle(60)

	decidedAt := map[int64]Value{}
	for addr, n := range c.nodes {
		for i, d := range n.sink.decisions {
			require.Equal(t, int64(i), d.Slot, "node %s skipped a slot", addr)
			if prev, ok := decidedAt[d.Slot]; ok {
				require.True(t, prev.Equal(d.Value), "slot %d decided as %s and %s", d.Slot, prev, d.Value)
			} else {
				decidedAt[d.Slot] = d.Value
			}
		}
	}

	leader := c.nodes["b"].sink.decisions
	for _, v := range proposed {
		found := false
		for _, d := range leader {
			if d.Value.Equal(v) {
				found = true
				break
			}
		}
		assert.True(t, found, "%s never decided", v)
	}
}

func TestReconfigure_InstallsAddedMember(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	d := c.addNode("d", NopStorage{})
	c.trust("a")
	c.run(1000)

	c.nodes["a"].p.Propose(put("a", 1, "before", "1"))
	c.run(1000)

	nv := view.New(1, "a", "b", "c", "d")
	c.nodes["a"].p.Propose(Reconfigure(nv, nv.Quorum()))
	c.run(1000)

	for _, addr := range []view.Address{"a", "b", "c", "d"} {
		n := c.nodes[addr]
		assert.True(t, n.p.View().Equal(nv), "node %s view %s", addr, n.p.View())
		assert.Equal(t, 3, n.p.Quorum())
	}
	require.Equal(t, []int64{0}, d.sink.restarts)
	require.Len(t, d.sink.decisions, 2, "install carries the decided log up to the reconfiguration")
	assert.Equal(t, ValueReconfigure, d.sink.decisions[1].Value.Kind)
	require.NotEmpty(t, d.views.views)
	assert.True(t, d.views.views[len(d.views.views)-1].Equal(nv))

	// the leader re-prepared in the new view and the joiner now votes
	c.trust("a")
	c.run(1000)
	after := put("d", 1, "after", "2")
	d.p.Propose(after)
	c.run(1000)
	for addr, n := range c.nodes {
		last := n.sink.decisions[len(n.sink.decisions)-1]
		assert.True(t, last.Value.Equal(after), "node %s", addr)
	}
}

func TestReconfigure_StaleViewIgnored(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	c.trust("a")
	c.run(1000)

	v1 := view.New(1, "a", "b", "c")
	c.nodes["a"].p.Propose(Reconfigure(v1, 2))
	c.run(1000)

	stale := view.New(1, "a", "b")
	c.nodes["a"].p.Propose(Reconfigure(stale, 2))
	c.run(1000)

	for addr, n := range c.nodes {
		assert.True(t, n.p.View().Equal(v1), "node %s installed a stale view", addr)
		assert.Len(t, n.sink.decisions, 2, "stale reconfigurations are still decided")
	}
}

func TestCatchUp_LaggingLearnerRequestsLog(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	c.trust("a")
	c.run(1000)

	c.down["c"] = true
	for i := 0; i < 6; i++ {
		c.nodes["a"].p.Propose(put("a", uint64(i), fmt.Sprintf("k%d", i), "v"))
		c.run(1000)
	}
	delete(c.down, "c")
	c.nodes["a"].p.Propose(put("a", 99, "late", "v"))
	c.settle(10)

	want := c.nodes["a"].sink.decisions
	got := c.nodes["c"].sink.decisions
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Value.Equal(got[i].Value), "slot %d", i)
	}
}

func TestPrune_KeepsRetentionWindow(t *testing.T) {
	out := &recordingOutbox{}
	sink := &recordingSink{}
	p := New(Config{Self: "a", Retain: 2}, out, sink, nil)
	p.Bootstrap(view.New(0, "a"), 1)
	for i := int64(0); i < 6; i++ {
		inst := Instance{ID: i, Ballot: 1, Value: put("a", uint64(i), "k", "v")}
		p.votes[i] = inst
		p.Handle(Message{Source: "a", Body: Accepted{Instance: inst, View: p.View()}})
	}
	require.Equal(t, int64(5), p.HighestDecided())

	p.Prune(4)
	assert.Equal(t, int64(2), p.PrunedUpTo())
	_, ok := p.DecidedValue(2)
	assert.False(t, ok)
	_, ok = p.DecidedValue(3)
	assert.True(t, ok)
	assert.NotContains(t, p.votes, int64(1))
	assert.Contains(t, p.votes, int64(3))

	p.Prune(100)
	assert.Equal(t, int64(3), p.PrunedUpTo(), "never prunes past the decided log")
}

func TestCatchUp_LaggingLearnerRestartsAfterPeersPruned(t *testing.T) {
	c := newClusterWithConfig(t, Config{CatchUpBatch: 4, StallTicks: 2, ForwardTicks: 3, Retain: 1}, "a", "b", "c")
	c.drop = func(m Message) bool { return m.Dest == "c" && m.Body.Kind() == KindAccepted }
	c.trust("a")
	c.run(1000)

	for i := 0; i < 4; i++ {
		c.nodes["a"].p.Propose(put("a", uint64(i), fmt.Sprintf("k%d", i), "v"))
		c.run(1000)
	}
	require.Equal(t, int64(-1), c.nodes["c"].p.HighestDecided())
	for _, addr := range []view.Address{"a", "b"} {
		n := c.nodes[addr]
		n.p.Prune(n.p.HighestDecided())
		require.Equal(t, int64(2), n.p.PrunedUpTo(), "node %s", addr)
	}

	c.drop = nil
	c.nodes["a"].p.Propose(put("a", 99, "late", "v"))
	c.settle(10)

	a, lagging := c.nodes["a"], c.nodes["c"]
	assert.Equal(t, a.p.HighestDecided(), lagging.p.HighestDecided())
	require.Equal(t, []int64{3}, lagging.sink.restarts)
	assert.Equal(t, int64(2), lagging.p.PrunedUpTo())
	require.Len(t, lagging.sink.seen, 1)
	assert.Len(t, lagging.sink.seen[0], 3, "ids decided before the restart point are handed over")

	got := lagging.sink.decisions
	require.Len(t, got, 2)
	for _, d := range got {
		want, ok := a.p.DecidedValue(d.Slot)
		require.True(t, ok)
		assert.True(t, want.Equal(d.Value), "slot %d", d.Slot)
	}

	var told []view.Address
	told = append(told, a.sink.lagging...)
	told = append(told, c.nodes["b"].sink.lagging...)
	assert.Contains(t, told, view.Address("c"))

	// a request the restarted replica already knows by id is not proposed again
	lagging.p.Propose(put("a", 1, "k1", "v"))
	c.settle(4)
	assert.Equal(t, a.p.HighestDecided(), lagging.p.HighestDecided())
}

func TestForward_AlreadyDecidedAfterPruneIsNotDecidedAgain(t *testing.T) {
	c := newClusterWithConfig(t, Config{CatchUpBatch: 4, StallTicks: 2, ForwardTicks: 3, Retain: 1}, "a", "b", "c")
	// c never learns its own proposal was decided and keeps forwarding it
	c.drop = func(m Message) bool {
		return m.Dest == "c" && (m.Body.Kind() == KindAccepted || m.Body.Kind() == KindDecided)
	}
	c.trust("a")
	c.run(1000)

	x := put("c", 1, "x", "1")
	c.nodes["c"].p.Propose(x)
	c.settle(4)

	for i := 0; i < 5; i++ {
		c.nodes["a"].p.Propose(put("a", uint64(i), fmt.Sprintf("k%d", i), "v"))
		c.settle(4)
		for _, addr := range []view.Address{"a", "b"} {
			n := c.nodes[addr]
			n.p.Prune(n.p.HighestDecided())
		}
	}
	require.Equal(t, 1, c.nodes["c"].p.PendingCount())
	c.drop = func(m Message) bool { return m.Dest == "c" && m.Body.Kind() == KindAccepted }
	c.settle(4)

	a := c.nodes["a"]
	require.Greater(t, a.p.PrunedUpTo(), int64(0), "the slot of x was pruned")
	count := 0
	for _, d := range a.sink.decisions {
		if d.Value.Equal(x) {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, c.nodes["c"].p.PendingCount(), "the leader told the forwarder its value was decided")
}

func TestLogTruncated_ContinuesOrRestartsLog(t *testing.T) {
	out := &recordingOutbox{}
	sink := &recordingSink{}
	p := New(Config{Self: "b"}, out, sink, nil)
	v := view.New(0, "a", "b", "c")
	p.Bootstrap(v, 2)

	first := []Decision{{Slot: 0, Value: put("a", 1, "k", "1")}, {Slot: 1, Value: put("a", 2, "k", "2")}}
	p.Handle(Message{Source: "a", Dest: "b", Body: LogTruncated{View: v, Quorum: 2, Next: 0, Log: first}})
	assert.Equal(t, int64(1), p.HighestDecided())
	assert.Empty(t, sink.restarts, "a truncated log that continues ours is applied in place")

	gap := []Decision{{Slot: 5, Value: put("a", 3, "k", "3")}, {Slot: 7, Value: put("a", 4, "k", "4")}}
	p.Handle(Message{Source: "a", Dest: "b", Body: LogTruncated{View: v, Quorum: 2, Next: 5, Log: gap}})
	assert.Equal(t, int64(1), p.HighestDecided(), "entries with a gap are rejected")

	seen := []DecidedID{{Origin: "a", ID: 1, Slot: 0}, {Origin: "a", ID: 2, Slot: 1}, {Origin: "c", ID: 9, Slot: 4}}
	later := []Decision{{Slot: 5, Value: put("a", 3, "k", "3")}}
	p.Handle(Message{Source: "a", Dest: "b", Body: LogTruncated{View: v, Quorum: 2, Next: 5, Log: later, Seen: seen}})
	assert.Equal(t, int64(5), p.HighestDecided())
	assert.Equal(t, int64(4), p.PrunedUpTo())
	require.Equal(t, []int64{5}, sink.restarts)
	assert.Equal(t, seen, sink.seen[0])
	_, ok := p.DecidedValue(1)
	assert.False(t, ok, "the old log is dropped")

	other := view.New(0, "a", "c")
	p.Handle(Message{Source: "a", Dest: "b", Body: LogTruncated{View: other, Quorum: 2, Next: 20}})
	assert.Equal(t, int64(5), p.HighestDecided(), "a view without us is ignored")
}
