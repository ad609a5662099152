package paxos

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/wal"

	"caracaldb/internal/codec"
	"caracaldb/internal/metrics"
	"caracaldb/internal/view"
)

const (
	RecordTypeBallot     byte = 1
	RecordTypeVote       byte = 2
	RecordTypeDecision   byte = 3
	RecordTypeView       byte = 4
	RecordTypeCheckpoint byte = 5
)

type ballotRecord struct {
	Ballot int32
}

type viewRecord struct {
	View   view.View
	Quorum int
}

// WAL persists the acceptor state and decided log in a tidwall/wal log. Each
// record is a type byte, a uvarint length and the serialized payload. A
// checkpoint record holds the full state and lets everything before it be
// truncated.
type WAL struct {
	mu      sync.Mutex
	log     *wal.Log
	ser     codec.Serializer
	nextIdx uint64
	closed  bool
}

func OpenWAL(dir string, noSync bool, ser codec.Serializer) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	opts := *wal.DefaultOptions
	opts.NoSync = noSync
	log, err := wal.Open(dir, &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open: %w", err)
	}

	last, err := log.LastIndex()
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("wal.LastIndex: %w", err)
	}

	slog.Info("paxos wal opened", "dir", dir, "no_sync", noSync, "last_index", last)
	return &WAL{log: log, ser: ser, nextIdx: last + 1}, nil
}

func (w *WAL) SaveBallot(b int32) error {
	return w.append(RecordTypeBallot, ballotRecord{Ballot: b})
}

func (w *WAL) SaveVote(inst Instance) error {
	return w.append(RecordTypeVote, inst)
}

func (w *WAL) SaveDecision(d Decision) error {
	return w.append(RecordTypeDecision, d)
}

func (w *WAL) SaveView(v view.View, quorum int) error {
	return w.append(RecordTypeView, viewRecord{View: v, Quorum: quorum})
}

func (w *WAL) Checkpoint(st State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := w.nextIdx
	if err := w.appendLocked(RecordTypeCheckpoint, st); err != nil {
		return err
	}
	if idx > 1 {
		if err := w.log.TruncateFront(idx); err != nil {
			return fmt.Errorf("wal.TruncateFront(%d): %w", idx, err)
		}
	}
	return nil
}

func (w *WAL) append(recType byte, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(recType, payload)
}

func (w *WAL) appendLocked(recType byte, payload any) error {
	if w.closed {
		return ErrStorageClosed
	}
	data, err := w.ser.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	start := time.Now()
	if err := w.log.Write(w.nextIdx, marshalRecord(recType, data)); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", w.nextIdx, err)
	}
	metrics.WALWriteDuration.Observe(time.Since(start).Seconds())
	metrics.WALWritesTotal.Inc()
	w.nextIdx++
	return nil
}

func (w *WAL) Load() (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := State{Votes: make(map[int64]Instance), PrunedUpTo: -1}
	decided := make(map[int64]Value)

	if w.nextIdx == 1 {
		return st, nil
	}
	first, err := w.log.FirstIndex()
	if err != nil {
		return st, fmt.Errorf("wal.FirstIndex: %w", err)
	}

	for idx := first; idx < w.nextIdx; idx++ {
		data, err := w.log.Read(idx)
		if err != nil {
			return st, fmt.Errorf("wal.Read(%d): %w", idx, err)
		}
		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return st, fmt.Errorf("record %d: %w", idx, err)
		}

		switch recType {
		case RecordTypeBallot:
			var r ballotRecord
			if err := w.ser.Unmarshal(payload, &r); err != nil {
				return st, fmt.Errorf("ballot record %d: %w", idx, err)
			}
			st.Ballot = max(st.Ballot, r.Ballot)

		case RecordTypeVote:
			var inst Instance
			if err := w.ser.Unmarshal(payload, &inst); err != nil {
				return st, fmt.Errorf("vote record %d: %w", idx, err)
			}
			if cur, ok := st.Votes[inst.ID]; !ok || inst.Ballot >= cur.Ballot {
				st.Votes[inst.ID] = inst
			}

		case RecordTypeDecision:
			var d Decision
			if err := w.ser.Unmarshal(payload, &d); err != nil {
				return st, fmt.Errorf("decision record %d: %w", idx, err)
			}
			decided[d.Slot] = d.Value

		case RecordTypeView:
			var r viewRecord
			if err := w.ser.Unmarshal(payload, &r); err != nil {
				return st, fmt.Errorf("view record %d: %w", idx, err)
			}
			st.View, st.Quorum = r.View, r.Quorum

		case RecordTypeCheckpoint:
			var cp State
			if err := w.ser.Unmarshal(payload, &cp); err != nil {
				return st, fmt.Errorf("checkpoint record %d: %w", idx, err)
			}
			st = cp
			if st.Votes == nil {
				st.Votes = make(map[int64]Instance)
			}
			clear(decided)
			for _, d := range cp.Decided {
				decided[d.Slot] = d.Value
			}

		default:
			return st, fmt.Errorf("%w: unknown type %d at %d", ErrCorruptRecord, recType, idx)
		}
	}

	st.Decided = st.Decided[:0]
	for s, v := range decided {
		if s > st.PrunedUpTo {
			st.Decided = append(st.Decided, Decision{Slot: s, Value: v})
		}
	}
	slices.SortFunc(st.Decided, func(a, b Decision) int {
		switch {
		case a.Slot < b.Slot:
			return -1
		case a.Slot > b.Slot:
			return 1
		}
		return 0
	})
	return st, nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.log.Close()
}

func marshalRecord(recType byte, payload []byte) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(payload))
	buf[0] = recType
	n := binary.PutUvarint(buf[1:], uint64(len(payload)))
	copy(buf[1+n:], payload)
	return buf[:1+n+len(payload)]
}

func unmarshalRecord(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	recType := data[0]
	length, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	start := 1 + n
	end := start + int(length)
	if end > len(data) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return recType, data[start:end], nil
}

// NopStorage keeps nothing. It is used by tests and by replicas that run
// without a data directory.
type NopStorage struct{}

func (NopStorage) SaveBallot(int32) error        { return nil }
func (NopStorage) SaveVote(Instance) error       { return nil }
func (NopStorage) SaveDecision(Decision) error   { return nil }
func (NopStorage) SaveView(view.View, int) error { return nil }
func (NopStorage) Checkpoint(State) error        { return nil }
func (NopStorage) Load() (State, error)          { return State{PrunedUpTo: -1}, nil }
func (NopStorage) Close() error                  { return nil }
