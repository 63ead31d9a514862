package engine

import (
	"context"
	"time"
)

// Config controls the execution pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a task when Task.Timeout is 0. 0 means no bound.
	DefaultTimeout time.Duration

	// MaxQueueDelay abandons tasks that waited longer than this in the queue.
	// 0 disables the check.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is a unit of work run by the pool.
type Task struct {
	ID   string
	Name string
	// Key rejects a second task with the same key while one is queued or
	// running. Empty disables the check.
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	// Abandon is called instead of Run when an accepted task will never run
	// (pool stopped, stale in queue). It must not block for long.
	Abandon func(reason error)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a diagnostic view of the pool.
type Snapshot struct {
	Running  bool          `json:"running"`
	Draining bool          `json:"draining"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Dropped  uint64        `json:"dropped"`
	History  []HistoryItem `json:"history,omitempty"`
}

type drainKey struct{}

// Draining returns a channel closed when the pool starts shutting down.
// Tasks should stop starting new work once it is closed and finish what is
// in flight. Outside the pool it returns nil, which never fires.
func Draining(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(drainKey{}).(chan struct{})
	return ch
}
