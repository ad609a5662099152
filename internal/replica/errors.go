package replica

import "errors"

var (
	ErrStopped = errors.New("replica stopped")

	ErrNotStarted = errors.New("replica not started")

	ErrNoView = errors.New("replica has no view yet")

	ErrStaleView = errors.New("view is not newer than the installed one")

	ErrTransferRejected = errors.New("transfer chunk rejected")
)
