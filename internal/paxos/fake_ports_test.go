package paxos

import (
	"math/rand"
	"testing"

	"caracaldb/internal/view"
)

type recordingOutbox struct {
	sent []Message
}

func (o *recordingOutbox) Send(m Message) { o.sent = append(o.sent, m) }

func (o *recordingOutbox) take() []Message {
	out := o.sent
	o.sent = nil
	return out
}

type recordingSink struct {
	decisions []Decision
	restarts  []int64
	seen      [][]DecidedID
	lagging   []view.Address
}

func (s *recordingSink) Decide(slot int64, v Value) {
	s.decisions = append(s.decisions, Decision{Slot: slot, Value: v})
}

func (s *recordingSink) Restart(next int64, _ view.View, seen []DecidedID) {
	s.restarts = append(s.restarts, next)
	s.seen = append(s.seen, seen)
}

func (s *recordingSink) Lagging(member view.Address) { s.lagging = append(s.lagging, member) }

type recordingViews struct {
	views []view.View
}

func (r *recordingViews) ViewChanged(v view.View) { r.views = append(r.views, v) }

type testNode struct {
	p     *Paxos
	sink  *recordingSink
	views *recordingViews
}

// cluster routes messages between in-process replicas. Delivery can drop,
// duplicate and reorder messages.
type cluster struct {
	t     *testing.T
	nodes map[view.Address]*testNode
	queue []Message
	rng   *rand.Rand
	down  map[view.Address]bool

	cfg Config

	dropRate float64
	dupRate  float64
	reorder  bool
	// drop discards matching messages before delivery.
	drop func(Message) bool
}

type clusterOutbox struct {
	c *cluster
}

func (o clusterOutbox) Send(m Message) { o.c.queue = append(o.c.queue, m) }

func newCluster(t *testing.T, members ...view.Address) *cluster {
	t.Helper()
	return newClusterWithConfig(t, Config{CatchUpBatch: 4, StallTicks: 2, ForwardTicks: 3}, members...)
}

func newClusterWithConfig(t *testing.T, cfg Config, members ...view.Address) *cluster {
	t.Helper()
	c := &cluster{
		t:     t,
		cfg:   cfg,
		nodes: make(map[view.Address]*testNode),
		rng:   rand.New(rand.NewSource(1)),
		down:  make(map[view.Address]bool),
	}
	v := view.New(0, members...)
	for _, m := range members {
		n := c.addNode(m, NopStorage{})
		n.p.Bootstrap(v, v.Quorum())
	}
	return c
}

func (c *cluster) addNode(addr view.Address, store Storage) *testNode {
	n := &testNode{sink: &recordingSink{}, views: &recordingViews{}}
	cfg := c.cfg
	cfg.Self = addr
	n.p = New(cfg, clusterOutbox{c: c}, n.sink, store)
	n.p.SetViewListener(n.views)
	c.nodes[addr] = n
	return n
}

func (c *cluster) trust(leader view.Address) {
	for addr, n := range c.nodes {
		if !c.down[addr] {
			n.p.Trust(leader)
		}
	}
}

// run delivers queued messages until the queue is empty or maxSteps
// deliveries happened.
func (c *cluster) run(maxSteps int) {
	for step := 0; step < maxSteps && len(c.queue) > 0; step++ {
		i := 0
		if c.reorder {
			i = c.rng.Intn(len(c.queue))
		}
		m := c.queue[i]
		c.queue = append(c.queue[:i], c.queue[i+1:]...)

		if c.drop != nil && c.drop(m) {
			continue
		}
		if c.dropRate > 0 && m.Source != m.Dest && c.rng.Float64() < c.dropRate {
			continue
		}
		if c.dupRate > 0 && c.rng.Float64() < c.dupRate {
			c.queue = append(c.queue, m)
		}
		if c.down[m.Dest] || c.down[m.Source] {
			continue
		}
		if n, ok := c.nodes[m.Dest]; ok {
			n.p.Handle(m)
		}
	}
}

func (c *cluster) tick() {
	for addr, n := range c.nodes {
		if !c.down[addr] {
			n.p.Tick()
		}
	}
}

// settle alternates ticks and deliveries.
func (c *cluster) settle(rounds int) {
	for i := 0; i < rounds; i++ {
		c.run(10000)
		c.tick()
	}
	c.run(10000)
}
