package engine

import (
	"fmt"
	"maps"
	"slices"

	"caracaldb/internal/storage"
	"caracaldb/internal/view"
)

const metaName = "engine"

type meta struct {
	State        State
	Position     int64
	LastSnapshot int64
	View         view.View
	PrevView     view.View
	Pending      []view.Address
	Deferred     []view.Address
	TransferDone bool
	SyncSeq      uint64
}

// persistMeta writes the engine state into b, or into a batch of its own
// when b is nil, and commits it.
func (e *Engine) persistMeta(b storage.Batch) error {
	m := meta{
		State:        e.state,
		Position:     e.position,
		LastSnapshot: e.lastSnapshot,
		View:         e.view,
		PrevView:     e.prevView,
		Pending:      slices.Sorted(maps.Keys(e.pending)),
		Deferred:     e.deferred,
		TransferDone: e.transferDone,
		SyncSeq:      e.syncSeq,
	}
	data, err := e.ser.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal engine meta: %w", err)
	}

	if b == nil {
		b = e.store.NewBatch()
		defer b.Close()
	}
	if err := b.PutMeta(metaName, data); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return err
	}
	e.persisted = e.position
	return nil
}

func (e *Engine) loadMeta() (meta, error) {
	var m meta
	data, err := e.store.GetMeta(metaName)
	if err != nil {
		return m, err
	}
	if err := e.ser.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrCorruptMeta, err)
	}
	return m, nil
}
