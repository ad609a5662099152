package engine

import "errors"

var (
	ErrNotCatchingUp = errors.New("engine is not catching up")
	ErrCorruptMeta   = errors.New("corrupt engine metadata")
	ErrStaleChunk    = errors.New("chunk is older than the log")
)
