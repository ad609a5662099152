package paxos

import "caracaldb/internal/view"

// Outbox delivers a message to m.Dest, which may be the sender itself.
// Delivery is best effort.
type Outbox interface {
	Send(m Message)
}

// Sink receives decided values strictly in slot order.
type Sink interface {
	Decide(slot int64, v Value)
	// Restart tells the sink the next decision it sees will be for slot
	// next. seen holds the client requests decided before next. v is the
	// view in force when the skipped slots are only available as a snapshot
	// from a peer, and zero after an Install, whose log carries the view
	// change itself.
	Restart(next int64, v view.View, seen []DecidedID)
	// Lagging tells the sink that member asked for slots already pruned here
	// and can only catch up from a snapshot.
	Lagging(member view.Address)
}

// ViewListener is told about every installed view.
type ViewListener interface {
	ViewChanged(v view.View)
}

// State is what Storage persists for a replica.
type State struct {
	Ballot     int32
	Votes      map[int64]Instance
	Decided    []Decision
	View       view.View
	Quorum     int
	PrunedUpTo int64
	// Seen holds the client requests decided at or before PrunedUpTo that
	// are still inside the dedup window.
	Seen []DecidedID
}

// Storage makes the acceptor state and the decided log durable. Every Save
// returns once the record is on disk.
type Storage interface {
	SaveBallot(b int32) error
	SaveVote(inst Instance) error
	SaveDecision(d Decision) error
	SaveView(v view.View, quorum int) error
	// Checkpoint replaces everything stored with st.
	Checkpoint(st State) error
	Load() (State, error)
	Close() error
}
