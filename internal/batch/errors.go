package batch

import "errors"

var (
	// ErrBatcherClosed is returned by Add after Clear has torn the batcher
	// down.
	ErrBatcherClosed = errors.New("batcher is closed")
)
