package replica

import (
	"fmt"
	"log/slog"
	"time"

	"caracaldb/internal/engine"
	"caracaldb/internal/key"
	"caracaldb/internal/metrics"
	"caracaldb/internal/rangequery"
	"caracaldb/internal/storage"
	"caracaldb/internal/view"
	"caracaldb/internal/wire"
)

// runTransfer ships the store content of rng to dest chunk by chunk and
// reports the outcome to the engine on the loop. While the engine buffers,
// nothing but its own metadata is written, so the store is the snapshot at
// version for the whole transfer.
func (r *Replica) runTransfer(dest view.Address, rng key.KeyRange, version int64) {
	start := time.Now()
	err := r.transfer(dest, rng, version)
	if r.stopCtx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("snapshot transfer aborted", "node", r.self, "dest", dest, "error", err)
		// Give the receiver time before the engine starts over.
		select {
		case <-time.After(r.cfg.TransferAckTimeout):
		case <-r.stopCtx.Done():
			return
		}
	} else {
		slog.Info("snapshot transfer sent", "node", r.self, "dest", dest, "version", version, "took", time.Since(start))
	}

	if serr := r.submit(r.stopCtx, func() { r.eng.TransferFinished(dest, err) }); serr != nil {
		slog.Debug("transfer outcome not delivered", "node", r.self, "dest", dest, "error", serr)
	}
}

func (r *Replica) transfer(dest view.Address, rng key.KeyRange, version int64) error {
	limit := rangequery.Limit{Items: r.cfg.TransferChunkSize}
	remaining := rng
	var seq uint64
	for {
		resp, err := storage.ReadRange(r.store, remaining, limit, rangequery.TransformNone)
		if err != nil {
			return fmt.Errorf("read %s: %w", remaining, err)
		}
		seq++
		c := engine.Chunk{Seq: seq, Version: version, Items: resp.Items, Done: !resp.LimitReached}
		if err := r.sendChunk(dest, c); err != nil {
			return err
		}
		metrics.EngineTransferItems.WithLabelValues("out").Add(float64(len(c.Items)))
		if c.Done {
			return nil
		}
		remaining = remaining.After(resp.Range)
	}
}

// sendChunk sends c until dest acknowledges it. A rejected chunk, usually
// because dest has not installed the view that adds it yet, is resent after
// the ack timeout like a lost one.
func (r *Replica) sendChunk(dest view.Address, c engine.Chunk) error {
	ch := r.acks.register(dest, c.Seq)
	defer r.acks.forget(dest, c.Seq)

	var lastErr string
	for attempt := 1; attempt <= r.cfg.TransferRetries; attempt++ {
		r.sendPacket(dest, wire.ChunkPacket(r.self, c))

		timer := time.NewTimer(r.cfg.TransferAckTimeout)
		select {
		case ack := <-ch:
			timer.Stop()
			if ack.Err == "" {
				return nil
			}
			lastErr = ack.Err
			slog.Debug("transfer chunk rejected", "node", r.self, "dest", dest, "seq", c.Seq, "attempt", attempt, "error", ack.Err)
			select {
			case <-time.After(r.cfg.TransferAckTimeout):
			case <-r.stopCtx.Done():
				return r.stopCtx.Err()
			}
		case <-timer.C:
			lastErr = "ack timeout"
		case <-r.stopCtx.Done():
			timer.Stop()
			return r.stopCtx.Err()
		}
	}
	return fmt.Errorf("%w: chunk %d to %s after %d attempts: %s", ErrTransferRejected, c.Seq, dest, r.cfg.TransferRetries, lastErr)
}
