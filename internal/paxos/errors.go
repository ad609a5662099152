package paxos

import "errors"

var (
	ErrCorruptRecord = errors.New("corrupt wal record")

	ErrStorageClosed = errors.New("paxos storage closed")
)
