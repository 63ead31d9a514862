// Package eventbus is an in-process, non-blocking fanout of lifecycle
// signals (task and execution events) to optional consumers such as the
// operator notifier.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	TaskStarted  Type = "task.started"
	TaskFinished Type = "task.finished"
	TaskFailed   Type = "task.failed"
	TaskDropped  Type = "task.dropped"

	ExecutionStarted   Type = "execution.started"
	ExecutionFinished  Type = "execution.finished"
	ExecutionAbandoned Type = "execution.abandoned"

	PollTick Type = "poll.tick"
)

// Event carries a small payload. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns events of the given types, or all events when none
	// are given.
	Subscribe(buffer int, types ...Type) (ch <-chan Event, unsubscribe func())
	// Dropped counts events lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[Type]struct{}
}

func (s *sub) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Holding the write lock excludes concurrent Publish, so closing
			// cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
