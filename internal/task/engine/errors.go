package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped    = errors.New("engine: stopped")
	ErrStopping   = errors.New("engine: stopping")
	ErrQueueFull  = errors.New("engine: queue full")
	ErrDuplicate  = errors.New("engine: task with the same key is queued or running")
	ErrStaleQueue = errors.New("engine: task waited too long in queue")
)
