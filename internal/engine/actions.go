package engine

import (
	"errors"
	"log/slog"
	"time"

	"caracaldb/internal/metrics"
	"caracaldb/internal/ops"
	"caracaldb/internal/storage"
)

// action executes a decided client operation in one engine state. It returns
// the response and whether it should be sent, plus the outcome label used
// for metrics.
type action func(e *Engine, slot int64, r ops.Request) (resp ops.Response, reply bool, outcome string)

// actions is the legality matrix of client operations per state. A missing
// entry is answered with UNSUPPORTED_OP.
var actions = map[State]map[ops.Kind]action{
	Passive: {
		ops.KindGet:        ignore,
		ops.KindPut:        ignore,
		ops.KindRangeQuery: ignore,
	},
	Buffering: {
		ops.KindGet:        replayGet,
		ops.KindPut:        deferPut,
		ops.KindRangeQuery: replayRange,
	},
	CatchingUp: {
		ops.KindGet:        drop,
		ops.KindPut:        deferPut,
		ops.KindRangeQuery: drop,
	},
	Active: {
		ops.KindGet:        directGet,
		ops.KindPut:        directPut,
		ops.KindRangeQuery: directRange,
	},
}

func (e *Engine) execute(slot int64, r ops.Request) {
	start := time.Now()
	act, ok := actions[e.state][r.Kind]
	if !ok {
		slog.Warn("unsupported operation", "node", e.self, "slot", slot, "state", e.state, "op", r)
		metrics.EngineOperationsTotal.WithLabelValues(r.Kind.String(), "unsupported").Inc()
		e.replier.Reply(r.Reply(ops.UnsupportedOp))
		return
	}

	resp, reply, outcome := act(e, slot, r)
	metrics.EngineOperationsTotal.WithLabelValues(r.Kind.String(), outcome).Inc()
	metrics.EngineOperationDuration.WithLabelValues(r.Kind.String()).Observe(time.Since(start).Seconds())
	slog.Debug("operation executed", "node", e.self, "slot", slot, "state", e.state, "op", r, "outcome", outcome)
	if reply {
		e.replier.Reply(resp)
	}
}

func ignore(*Engine, int64, ops.Request) (ops.Response, bool, string) {
	return ops.Response{}, false, "ignored"
}

// drop is for reads a replica with incomplete storage must not answer. The
// other replicas answer them.
func drop(*Engine, int64, ops.Request) (ops.Response, bool, string) {
	return ops.Response{}, false, "dropped"
}

// deferPut acknowledges a put that is applied with the next snapshot. The
// decided log already holds it.
func deferPut(_ *Engine, _ int64, r ops.Request) (ops.Response, bool, string) {
	return r.Reply(ops.Success), true, "deferred"
}

func directGet(e *Engine, _ int64, r ops.Request) (ops.Response, bool, string) {
	v, err := e.store.Get(r.Key)
	return getResponse(e, r, v, err, "applied")
}

func replayGet(e *Engine, slot int64, r ops.Request) (ops.Response, bool, string) {
	if p, ok := e.log.LatestPut(r.Key, e.lastSnapshot, slot); ok {
		resp := r.Reply(ops.Success)
		resp.Value, resp.Found = p.Value, true
		return resp, true, "replayed"
	}
	v, err := e.store.Get(r.Key)
	return getResponse(e, r, v, err, "replayed")
}

func getResponse(e *Engine, r ops.Request, v []byte, err error, outcome string) (ops.Response, bool, string) {
	resp := r.Reply(ops.Success)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		slog.Error("storage get failed", "node", e.self, "op", r, "error", err)
		return ops.Response{}, false, "error"
	default:
		resp.Value, resp.Found = v, true
	}
	return resp, true, outcome
}

func directPut(e *Engine, slot int64, r ops.Request) (ops.Response, bool, string) {
	b := e.store.NewBatch()
	defer b.Close()

	if err := b.Put(r.Key, r.Value, uint64(slot)); err != nil {
		slog.Error("storage put failed", "node", e.self, "op", r, "error", err)
		return ops.Response{}, false, "error"
	}
	if err := e.persistMeta(b); err != nil {
		slog.Error("storage put failed", "node", e.self, "op", r, "error", err)
		return ops.Response{}, false, "error"
	}
	return r.Reply(ops.Success), true, "applied"
}

func directRange(e *Engine, _ int64, r ops.Request) (ops.Response, bool, string) {
	res, err := storage.ReadRange(e.store, r.Range.Intersect(e.rng), r.Limit, r.Transform)
	if err != nil {
		slog.Error("storage range read failed", "node", e.self, "op", r, "error", err)
		return ops.Response{}, false, "error"
	}
	resp := r.Reply(ops.Success)
	resp.Result = &res
	return resp, true, "applied"
}

func replayRange(e *Engine, slot int64, r ops.Request) (ops.Response, bool, string) {
	rng := r.Range.Intersect(e.rng)
	overlay := e.log.PutsInRange(rng, e.lastSnapshot, slot)
	res, err := readRangeOverlay(e.store, rng, overlay, r.Limit, r.Transform)
	if err != nil {
		slog.Error("storage range read failed", "node", e.self, "op", r, "error", err)
		return ops.Response{}, false, "error"
	}
	resp := r.Reply(ops.Success)
	resp.Result = &res
	return resp, true, "replayed"
}
