// Package replica runs one member of a replica group: the consensus core, the
// execution engine and the leader oracle, all driven from a single loop
// goroutine, plus the client API and the snapshot transfers to new members.
package replica

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"caracaldb/internal/codec"
	"caracaldb/internal/configuration"
	"caracaldb/internal/engine"
	"caracaldb/internal/key"
	"caracaldb/internal/omega"
	"caracaldb/internal/paxos"
	"caracaldb/internal/storage"
	"caracaldb/internal/transport"
	"caracaldb/internal/view"
	"caracaldb/internal/wire"
)

type Config struct {
	Self  view.Address
	Range key.KeyRange

	TickInterval time.Duration
	// SuspectTimeout is how long a silent member stays trusted.
	SuspectTimeout time.Duration
	// ScanInterval is the period of range size scans. Zero disables them.
	ScanInterval  time.Duration
	ClientTimeout time.Duration
	TaskQueueSize int

	TransferChunkSize  int
	TransferAckTimeout time.Duration
	// TransferRetries bounds the resends of one chunk before the transfer is
	// reported failed and restarted by the engine.
	TransferRetries int

	Paxos paxos.Config
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.SuspectTimeout <= 0 {
		c.SuspectTimeout = 10 * c.TickInterval
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = 5 * time.Second
	}
	if c.TaskQueueSize <= 0 {
		c.TaskQueueSize = 1024
	}
	if c.TransferChunkSize <= 0 {
		c.TransferChunkSize = 512
	}
	if c.TransferAckTimeout <= 0 {
		c.TransferAckTimeout = 10 * c.TickInterval
	}
	if c.TransferRetries <= 0 {
		c.TransferRetries = 20
	}
	c.Paxos.Self = c.Self
	return c
}

func NewConfigFromProperties(p *configuration.Properties) Config {
	return Config{
		Self:              view.Address(p.Node.Address),
		TickInterval:      p.Paxos.TickInterval,
		ScanInterval:      p.Engine.ScanInterval,
		ClientTimeout:     p.App.ClientTimeout,
		TaskQueueSize:     p.Paxos.InboxSize,
		TransferChunkSize: p.Engine.TransferChunkSize,
		Paxos: paxos.Config{
			CatchUpBatch: p.Paxos.CatchUpBatch,
			Retain:       p.Paxos.Retain,
		},
	}
}

// Replica wires the consensus core to the engine and the network.
type Replica struct {
	cfg   Config
	self  view.Address
	tr    transport.Transport
	codec *wire.Codec
	store storage.Store

	px     *paxos.Paxos
	eng    *engine.Engine
	oracle *omega.Oracle

	// Owned by the loop goroutine. Work produced while the core or the
	// engine is inside a call is queued here and drained afterwards, so
	// neither is ever re-entered.
	local       []paxos.Message
	proposals   []paxos.Value
	signals     []omega.Event
	pruneTo     int64
	viewWaiters []viewWaiter
	scanSeq     uint64
	lastScan    time.Time

	tasks    chan func()
	requests pendingRequests
	acks     pendingAcks
	ids      atomic.Uint64

	started    atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}
	stopCtx    context.Context
	stopCancel context.CancelFunc
	stoppedWg  sync.WaitGroup
	transferWg sync.WaitGroup
}

type viewWaiter struct {
	id int
	ch chan struct{}
}

// New builds a replica over an open store and consensus log. Nothing runs
// until Start.
func New(cfg Config, tr transport.Transport, store storage.Store, wal paxos.Storage, ser codec.Serializer) *Replica {
	cfg = cfg.withDefaults()
	stopCtx, stopCancel := context.WithCancel(context.Background())

	r := &Replica{
		cfg:        cfg,
		self:       cfg.Self,
		tr:         tr,
		codec:      wire.NewCodec(ser),
		store:      store,
		oracle:     omega.New(cfg.Self, cfg.SuspectTimeout),
		pruneTo:    -1,
		tasks:      make(chan func(), cfg.TaskQueueSize),
		requests:   newPendingRequests(),
		acks:       newPendingAcks(),
		stopCh:     make(chan struct{}),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
	}
	// Request ids must not repeat across restarts, or decided operations of
	// an earlier incarnation would mark new ones as duplicates.
	r.ids.Store(uint64(time.Now().UnixNano()))

	r.eng = engine.New(engine.Config{Self: cfg.Self, Range: cfg.Range}, store, consensusPort{r}, replierPort{r}, transferPort{r}, ser)
	r.px = paxos.New(cfg.Paxos, outbox{r}, r.eng, wal)
	r.px.SetViewListener(r)

	slog.Info("replica created",
		"node", cfg.Self,
		"range", r.eng.Range(),
		"tickInterval", cfg.TickInterval,
		"suspectTimeout", cfg.SuspectTimeout,
	)
	return r
}

func (r *Replica) Self() view.Address { return r.self }

// Start recovers persisted state and starts the loop. A replica with no
// persisted view that is a member of founders bootstraps the group with it;
// any other replica without a view waits passively for an Install.
func (r *Replica) Start(founders view.View) error {
	slog.Info("starting replica", "node", r.self)

	// Recovery may restart transfers, whose outcome is queued for the loop.
	r.started.Store(true)
	if err := r.recover(founders); err != nil {
		r.Stop()
		return err
	}

	r.stoppedWg.Add(1)
	go func() {
		defer r.stoppedWg.Done()
		r.runMainLoop()
	}()

	slog.Info("replica started", "node", r.self, "view", r.px.View(), "state", r.eng.State())
	return nil
}

func (r *Replica) recover(founders view.View) error {
	if err := r.px.Recover(); err != nil {
		return err
	}
	from, err := r.eng.Recover(r.px.DecidedIDs())
	if err != nil {
		return err
	}

	if r.px.View().IsZero() && founders.Contains(r.self) {
		slog.Info("bootstrapping group", "node", r.self, "view", founders)
		r.px.Bootstrap(founders, founders.Quorum())
		return r.eng.Bootstrap(founders)
	}
	r.px.Redeliver(from)
	return nil
}

// Stop ends the loop and every transfer. Pending client requests see
// ErrStopped. The transport and the stores stay open; the caller owns them.
func (r *Replica) Stop() {
	r.stopOnce.Do(func() {
		slog.Info("stopping replica", "node", r.self)
		r.stopCancel()
		close(r.stopCh)
		r.stoppedWg.Wait()
		r.transferWg.Wait()
		slog.Info("replica stopped", "node", r.self)
	})
}

// ViewChanged implements paxos.ViewListener.
func (r *Replica) ViewChanged(v view.View) {
	r.signals = append(r.signals, r.oracle.ViewChanged(v)...)

	waiters := r.viewWaiters[:0]
	for _, w := range r.viewWaiters {
		if v.ID >= w.id {
			close(w.ch)
			continue
		}
		waiters = append(waiters, w)
	}
	r.viewWaiters = waiters
}

// Status is a point in time summary of the replica, read on the loop.
type Status struct {
	Self           view.Address
	View           view.View
	Leader         bool
	Trusted        view.Address
	HighestDecided int64
	State          engine.State
	Position       int64
	LastSnapshot   int64
	Transfers      int
	InFlight       int
}

func (r *Replica) Status(ctx context.Context) (Status, error) {
	ch := make(chan Status, 1)
	err := r.submit(ctx, func() {
		ch <- Status{
			Self:           r.self,
			View:           r.px.View(),
			Leader:         r.px.IsLeader(),
			Trusted:        r.px.Trusted(),
			HighestDecided: r.px.HighestDecided(),
			State:          r.eng.State(),
			Position:       r.eng.Position(),
			LastSnapshot:   r.eng.LastSnapshot(),
			Transfers:      r.eng.PendingTransfers(),
			InFlight:       r.requests.size(),
		}
	})
	if err != nil {
		return Status{}, err
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-r.stopCh:
		return Status{}, ErrStopped
	}
}

// Healthy reports an error once the loop is gone.
func (r *Replica) Healthy() error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	select {
	case <-r.stopCh:
		return ErrStopped
	default:
		return nil
	}
}

// submit runs fn on the loop goroutine.
func (r *Replica) submit(ctx context.Context, fn func()) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	select {
	case r.tasks <- fn:
		return nil
	case <-r.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replica) sendPacket(dest view.Address, p wire.Packet) {
	data, err := r.codec.Encode(p)
	if err != nil {
		slog.Error("failed to encode packet", "node", r.self, "type", p.Type, "dest", dest, "error", err)
		return
	}
	if err := r.tr.Send(r.stopCtx, dest, data); err != nil {
		slog.Debug("failed to send packet", "node", r.self, "type", p.Type, "dest", dest, "error", err)
	}
}
