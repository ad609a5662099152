package paxos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caracaldb/internal/codec"
	"caracaldb/internal/view"
)

func openTestWAL(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := OpenWAL(dir, true, codec.NewGob())
	require.NoError(t, err)
	return w
}

func TestWAL_ReplaysRecords(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	v := view.New(3, "a", "b", "c")
	require.NoError(t, w.SaveView(v, 2))
	require.NoError(t, w.SaveBallot(1025))
	require.NoError(t, w.SaveBallot(2049))
	require.NoError(t, w.SaveVote(Instance{ID: 0, Ballot: 1025, Value: put("a", 1, "k", "v1")}))
	require.NoError(t, w.SaveVote(Instance{ID: 0, Ballot: 2049, Value: put("a", 2, "k", "v2")}))
	require.NoError(t, w.SaveDecision(Decision{Slot: 0, Value: put("a", 2, "k", "v2")}))
	require.NoError(t, w.SaveDecision(Decision{Slot: 1, Value: Noop()}))
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir)
	defer w.Close()
	st, err := w.Load()
	require.NoError(t, err)

	assert.Equal(t, int32(2049), st.Ballot)
	assert.True(t, st.View.Equal(v))
	assert.Equal(t, 2, st.Quorum)
	assert.Equal(t, int64(-1), st.PrunedUpTo)
	require.Len(t, st.Votes, 1)
	assert.Equal(t, int32(2049), st.Votes[0].Ballot)
	require.Len(t, st.Decided, 2)
	assert.Equal(t, int64(0), st.Decided[0].Slot)
	assert.Equal(t, ValueNoop, st.Decided[1].Value.Kind)
}

func TestWAL_CheckpointTruncates(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	for i := int64(0); i < 5; i++ {
		require.NoError(t, w.SaveDecision(Decision{Slot: i, Value: put("a", uint64(i), "k", "v")}))
	}
	require.NoError(t, w.Checkpoint(State{
		Ballot:     7,
		Votes:      map[int64]Instance{4: {ID: 4, Ballot: 7, Value: Noop()}},
		Decided:    []Decision{{Slot: 4, Value: put("a", 4, "k", "v")}},
		View:       view.New(1, "a"),
		Quorum:     1,
		PrunedUpTo: 3,
		Seen:       []DecidedID{{Origin: "a", ID: 2, Slot: 2}, {Origin: "a", ID: 3, Slot: 3}},
	}))
	require.NoError(t, w.SaveDecision(Decision{Slot: 5, Value: Noop()}))

	first, err := w.log.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), first, "records before the checkpoint are gone")
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir)
	defer w.Close()
	st, err := w.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.PrunedUpTo)
	assert.Equal(t, int32(7), st.Ballot)
	assert.Len(t, st.Seen, 2, "decided ids below the prune point survive the checkpoint")
	require.Len(t, st.Decided, 2)
	assert.Equal(t, int64(4), st.Decided[0].Slot)
	assert.Equal(t, int64(5), st.Decided[1].Slot)
}

func TestWAL_ClosedRejectsWrites(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.SaveBallot(1), ErrStorageClosed)
	assert.NoError(t, w.Close())
}

func TestPaxos_RecoverAndRedeliver(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	sink := &recordingSink{}
	out := &recordingOutbox{}
	p := New(Config{Self: "a"}, out, sink, w)
	p.Bootstrap(view.New(0, "a"), 1)
	p.Trust("a")
	for len(out.sent) > 0 {
		for _, m := range out.take() {
			p.Handle(m)
		}
	}
	for i := 0; i < 3; i++ {
		p.Propose(put("a", uint64(i), "k", "v"))
		for len(out.sent) > 0 {
			for _, m := range out.take() {
				p.Handle(m)
			}
		}
	}
	require.Len(t, sink.decisions, 3)
	ballot := p.Ballot()
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir)
	defer w.Close()
	sink2 := &recordingSink{}
	p2 := New(Config{Self: "a"}, &recordingOutbox{}, sink2, w)
	require.NoError(t, p2.Recover())

	assert.Equal(t, int64(2), p2.HighestDecided())
	assert.Equal(t, ballot, p2.Ballot())
	assert.True(t, p2.View().Equal(view.New(0, "a")))
	assert.Empty(t, sink2.decisions, "recover does not deliver by itself")

	p2.Redeliver(1)
	require.Len(t, sink2.decisions, 2)
	assert.Equal(t, int64(1), sink2.decisions[0].Slot)
	assert.True(t, sink2.decisions[1].Value.Equal(sink.decisions[2].Value))
}

func TestPaxos_RecoverKeepsIDsOfPrunedDecisions(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	out := &recordingOutbox{}
	p := New(Config{Self: "a", Retain: 1}, out, &recordingSink{}, w)
	p.Bootstrap(view.New(0, "a"), 1)
	p.Trust("a")
	deliver := func() {
		for len(out.sent) > 0 {
			for _, m := range out.take() {
				p.Handle(m)
			}
		}
	}
	deliver()
	for i := 0; i < 3; i++ {
		p.Propose(put("a", uint64(i), "k", "v"))
		deliver()
	}
	p.Prune(2)
	require.Equal(t, int64(1), p.PrunedUpTo())
	require.NoError(t, w.Close())

	w = openTestWAL(t, dir)
	defer w.Close()
	out2 := &recordingOutbox{}
	p2 := New(Config{Self: "a", Retain: 1}, out2, &recordingSink{}, w)
	require.NoError(t, p2.Recover())
	require.Len(t, p2.DecidedIDs(), 3)

	// the forward of a pruned request is answered, not proposed again
	p2.Trust("a")
	p2.Handle(Message{Source: "b", Dest: "a", Body: Forward{Value: put("a", 0, "k", "v")}})
	assert.Equal(t, 0, p2.PendingCount())
	var decided []Decided
	for _, m := range out2.take() {
		if d, ok := m.Body.(Decided); ok {
			decided = append(decided, d)
		}
	}
	require.Len(t, decided, 1)
	assert.Equal(t, int64(0), decided[0].Slot)
}
