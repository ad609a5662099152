package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"caracaldb/internal/metrics"
	"caracaldb/internal/view"
)

type GRPCConfig struct {
	Network              string
	Address              view.Address
	Timeout              time.Duration
	MaxConcurrentStreams uint32
	SendQueueSize        int
	InboxSize            int
}

// GRPCTransport serves Deliver for inbound packets and keeps one client
// connection and send queue per peer. Packets to itself skip the network.
type GRPCTransport struct {
	cfg    GRPCConfig
	inbox  chan []byte
	done   chan struct{}
	lis    net.Listener
	server *grpc.Server

	mu     sync.Mutex
	peers  map[view.Address]*peer
	closed bool
	wg     sync.WaitGroup
}

type peer struct {
	addr  view.Address
	conn  *grpc.ClientConn
	queue chan []byte
}

func NewGRPC(cfg GRPCConfig) (*GRPCTransport, error) {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 1024
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 4096
	}

	lis, err := net.Listen(cfg.Network, string(cfg.Address))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Address, err)
	}

	t := &GRPCTransport{
		cfg:   cfg,
		inbox: make(chan []byte, cfg.InboxSize),
		done:  make(chan struct{}),
		lis:   lis,
		peers: make(map[view.Address]*peer),
	}
	t.server = startServer(lis, cfg.Timeout, cfg.MaxConcurrentStreams, &deliverServer{inbox: t.inbox, done: t.done})
	return t, nil
}

// Addr is the address the server actually listens on.
func (t *GRPCTransport) Addr() string {
	return t.lis.Addr().String()
}

func (t *GRPCTransport) Receive() <-chan []byte {
	return t.inbox
}

func (t *GRPCTransport) Send(ctx context.Context, dest view.Address, data []byte) error {
	if dest == t.cfg.Address {
		select {
		case t.inbox <- data:
			return nil
		case <-t.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return t.enqueue(dest, data)
}

// enqueue hands data to the send queue of dest. It holds mu so Close cannot
// close the queue in between.
func (t *GRPCTransport) enqueue(dest view.Address, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	p, ok := t.peers[dest]
	if !ok {
		conn, err := dialPeer(string(dest))
		if err != nil {
			return fmt.Errorf("failed to dial peer %s: %w", dest, err)
		}
		p = &peer{addr: dest, conn: conn, queue: make(chan []byte, t.cfg.SendQueueSize)}
		t.peers[dest] = p
		t.wg.Add(1)
		go t.sendLoop(p)
	}

	select {
	case p.queue <- data:
	default:
		metrics.TransportDroppedTotal.WithLabelValues("queue_full").Inc()
		slog.Debug("send queue full, dropping packet", "dest", dest)
	}
	return nil
}

func (t *GRPCTransport) sendLoop(p *peer) {
	defer t.wg.Done()
	for data := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
		err := p.conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(data), new(emptypb.Empty))
		cancel()
		if err != nil {
			metrics.TransportDroppedTotal.WithLabelValues("send_error").Inc()
			slog.Debug("failed to deliver packet", "dest", p.addr, "error", err)
		}
	}
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	peers := t.peers
	t.peers = nil
	for _, p := range peers {
		close(p.queue)
	}
	t.mu.Unlock()
	t.wg.Wait()

	var firstErr error
	for _, p := range peers {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.server.GracefulStop()
	slog.Info("transport closed", "addr", t.cfg.Address)
	return firstErr
}

func dialPeer(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))
}
