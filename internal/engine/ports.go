package engine

import (
	"caracaldb/internal/key"
	"caracaldb/internal/ops"
	"caracaldb/internal/paxos"
	"caracaldb/internal/view"
)

// Consensus is the part of the replication core the engine drives.
type Consensus interface {
	Propose(v paxos.Value)
	// Prune tells the core every slot at or below upTo is durable in storage.
	Prune(upTo int64)
}

// Replier delivers a response to the replica the request originated from.
type Replier interface {
	Reply(resp ops.Response)
}

// Transfers ships a snapshot of r, as stored at version, to dest. The
// replica reports the outcome through Engine.TransferFinished.
type Transfers interface {
	StartTransfer(dest view.Address, r key.KeyRange, version int64)
}
