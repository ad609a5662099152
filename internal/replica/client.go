package replica

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"caracaldb/internal/key"
	"caracaldb/internal/metrics"
	"caracaldb/internal/ops"
	"caracaldb/internal/paxos"
	"caracaldb/internal/rangequery"
	"caracaldb/internal/view"
)

func (r *Replica) Get(ctx context.Context, k key.Key) (ops.Response, error) {
	return r.do(ctx, ops.NewGet(r.ids.Add(1), r.self, k))
}

func (r *Replica) Put(ctx context.Context, k key.Key, value []byte) (ops.Response, error) {
	return r.do(ctx, ops.NewPut(r.ids.Add(1), r.self, k, value))
}

// RangeQuery reads rng. A response that hit limit covers only a prefix of
// rng, which its Result.Range tells.
func (r *Replica) RangeQuery(ctx context.Context, rng key.KeyRange, limit rangequery.Limit, t rangequery.Transform) (ops.Response, error) {
	return r.do(ctx, ops.NewRangeQuery(r.ids.Add(1), r.self, rng, limit, t))
}

// do orders req through consensus and waits for the first answer from any
// replica. An expired context yields CLIENT_TIMEOUT, not an error; errors
// are reserved for a replica that cannot take requests at all.
func (r *Replica) do(ctx context.Context, req ops.Request) (ops.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ClientTimeout)
		defer cancel()
	}

	start := time.Now()
	metrics.ClientInFlight.Inc()
	defer metrics.ClientInFlight.Dec()

	ch := r.requests.register(req.ID)
	defer r.requests.forget(req.ID)

	err := r.submit(ctx, func() {
		if !r.eng.Accepts(req.Kind) {
			r.requests.complete(req.Reply(ops.UnsupportedOp))
			return
		}
		r.px.Propose(paxos.Op(req))
	})

	var resp ops.Response
	switch {
	case err == nil:
		select {
		case resp = <-ch:
		case <-ctx.Done():
			resp = req.Reply(ops.ClientTimeout)
		case <-r.stopCh:
			return ops.Response{}, ErrStopped
		}
	case ctx.Err() != nil:
		resp = req.Reply(ops.ClientTimeout)
	default:
		return ops.Response{}, err
	}

	metrics.ClientRequestsTotal.WithLabelValues(req.Kind.String(), resp.Code.String()).Inc()
	metrics.ClientRequestDuration.WithLabelValues(req.Kind.String()).Observe(time.Since(start).Seconds())
	if resp.Code != ops.Success {
		slog.Debug("client request failed", "node", r.self, "request", req, "code", resp.Code)
	}
	return resp, nil
}

// Reconfigure proposes members as the next view and waits until this
// replica has installed it or a later one.
func (r *Replica) Reconfigure(ctx context.Context, members ...view.Address) (view.View, error) {
	type result struct {
		v   view.View
		err error
		ch  chan struct{}
	}
	res := make(chan result, 1)

	err := r.submit(ctx, func() {
		cur := r.px.View()
		if cur.IsZero() {
			res <- result{err: ErrNoView}
			return
		}
		nv := view.New(cur.ID+1, members...)
		if nv.IsZero() || cur.Equivalent(nv) {
			res <- result{v: cur, err: fmt.Errorf("%w: %s to %v", ErrStaleView, cur, members)}
			return
		}
		w := viewWaiter{id: nv.ID, ch: make(chan struct{})}
		r.viewWaiters = append(r.viewWaiters, w)
		slog.Info("proposing reconfiguration", "node", r.self, "from", cur, "to", nv)
		r.px.Propose(paxos.Reconfigure(nv, nv.Quorum()))
		res <- result{v: nv, ch: w.ch}
	})
	if err != nil {
		return view.View{}, err
	}

	var out result
	select {
	case out = <-res:
	case <-r.stopCh:
		return view.View{}, ErrStopped
	}
	if out.err != nil {
		return out.v, out.err
	}
	select {
	case <-out.ch:
		return out.v, nil
	case <-ctx.Done():
		return out.v, ctx.Err()
	case <-r.stopCh:
		return out.v, ErrStopped
	}
}

// ReadAll pages through rng with reads bounded by limit until the whole range
// is covered. The items of every page are reassembled with a SeqCollector.
func (r *Replica) ReadAll(ctx context.Context, rng key.KeyRange, limit rangequery.Limit, t rangequery.Transform) ([]rangequery.Item, ops.ResponseCode, error) {
	var items []rangequery.Item
	remaining := rng
	for !remaining.IsEmpty() {
		resp, err := r.RangeQuery(ctx, remaining, limit, t)
		if err != nil {
			return nil, 0, err
		}
		if resp.Code != ops.Success {
			return nil, resp.Code, nil
		}
		if resp.Result == nil {
			return nil, resp.Code, fmt.Errorf("range response %d carries no result", resp.ID)
		}

		c := rangequery.NewSeqCollector(remaining)
		c.Add(*resp.Result)
		items = append(items, c.Result()...)
		if !c.LimitReached() {
			break
		}
		remaining = remaining.After(c.CoveredRange())
	}
	return items, ops.Success, nil
}
