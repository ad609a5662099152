package transport

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"time"

	"caracaldb/internal/metrics"
	"caracaldb/internal/view"
)

// Network connects in-process transports. It can drop, duplicate and delay
// packets, and cut members off to simulate crashes and partitions.
type Network struct {
	mu    sync.Mutex
	rng   *rand.Rand
	nodes map[view.Address]*MemTransport
	cut   map[view.Address]bool

	dropRate  float64
	dupRate   float64
	delayRate float64
	maxDelay  time.Duration
}

func NewNetwork(seed int64) *Network {
	return &Network{
		rng:   rand.New(rand.NewSource(seed)),
		nodes: make(map[view.Address]*MemTransport),
		cut:   make(map[view.Address]bool),
	}
}

// SetFaults configures loss and duplication probabilities, and the
// probability that a packet is held back up to maxDelay, which reorders it.
func (n *Network) SetFaults(drop, dup, delay float64, maxDelay time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate, n.dupRate, n.delayRate, n.maxDelay = drop, dup, delay, maxDelay
}

// Disconnect drops every packet to or from a.
func (n *Network) Disconnect(a view.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[a] = true
}

func (n *Network) Reconnect(a view.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, a)
}

func (n *Network) Join(addr view.Address, inboxSize int) *MemTransport {
	if inboxSize <= 0 {
		inboxSize = 4096
	}
	t := &MemTransport{net: n, addr: addr, inbox: make(chan []byte, inboxSize)}
	n.mu.Lock()
	n.nodes[addr] = t
	n.mu.Unlock()
	return t
}

type delivery struct {
	to    *MemTransport
	data  []byte
	delay time.Duration
}

func (n *Network) route(src, dest view.Address, data []byte) []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()

	to, ok := n.nodes[dest]
	if !ok || n.cut[src] || n.cut[dest] {
		metrics.TransportDroppedTotal.WithLabelValues("unreachable").Inc()
		return nil
	}
	if src != dest && n.rng.Float64() < n.dropRate {
		metrics.TransportDroppedTotal.WithLabelValues("injected").Inc()
		return nil
	}

	copies := 1
	if n.rng.Float64() < n.dupRate {
		copies = 2
	}
	out := make([]delivery, 0, copies)
	for range copies {
		d := delivery{to: to, data: slices.Clone(data)}
		if n.maxDelay > 0 && n.rng.Float64() < n.delayRate {
			d.delay = time.Duration(n.rng.Int63n(int64(n.maxDelay)))
		}
		out = append(out, d)
	}
	return out
}

// MemTransport is one member of a Network.
type MemTransport struct {
	net   *Network
	addr  view.Address
	inbox chan []byte

	mu     sync.Mutex
	closed bool
}

func (t *MemTransport) Receive() <-chan []byte {
	return t.inbox
}

func (t *MemTransport) Send(_ context.Context, dest view.Address, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, d := range t.net.route(t.addr, dest, data) {
		if d.delay > 0 {
			time.AfterFunc(d.delay, func() { d.to.deliver(d.data) })
			continue
		}
		d.to.deliver(d.data)
	}
	return nil
}

func (t *MemTransport) deliver(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.inbox <- data:
	default:
		metrics.TransportDroppedTotal.WithLabelValues("inbox_full").Inc()
	}
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
