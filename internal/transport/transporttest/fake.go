// Package transporttest provides a scriptable transport.Sender for tests.
package transporttest

import (
	"context"
	"sync"
	"sync/atomic"

	"pewcast/internal/transport"
)

// Sender replays scripted results per chat. Once a chat's script is
// exhausted every further send succeeds.
type Sender struct {
	mu      sync.Mutex
	scripts map[int64][]error
	calls   map[int64]int
	sent    []Sent
	nextID  atomic.Int64

	inflight    atomic.Int64
	maxInflight atomic.Int64

	// Hook runs before each send while no lock is held.
	Hook func(ctx context.Context, chatID int64)
}

// Sent records a successful delivery.
type Sent struct {
	ChatID  int64
	Content transport.Content
}

func New() *Sender {
	return &Sender{scripts: map[int64][]error{}, calls: map[int64]int{}}
}

// Script queues results for chatID; a nil entry means success.
func (s *Sender) Script(chatID int64, results ...error) *Sender {
	s.mu.Lock()
	s.scripts[chatID] = append(s.scripts[chatID], results...)
	s.mu.Unlock()
	return s
}

// Fail makes every send to chatID return err.
func (s *Sender) Fail(chatID int64, err error) *Sender {
	return s.Script(chatID, repeat(err, 64)...)
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func (s *Sender) Send(ctx context.Context, chatID int64, c transport.Content) (transport.MessageRef, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.maxInflight.Load()
		if n <= m || s.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.Hook != nil {
		s.Hook(ctx, chatID)
	}
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[chatID]++
	if q := s.scripts[chatID]; len(q) > 0 {
		err := q[0]
		s.scripts[chatID] = q[1:]
		if err != nil {
			return transport.MessageRef{}, err
		}
	}
	s.sent = append(s.sent, Sent{ChatID: chatID, Content: c})
	return transport.MessageRef{ChatID: chatID, MessageIDs: []int{int(s.nextID.Add(1))}}, nil
}

// Calls returns the number of send attempts made to chatID.
func (s *Sender) Calls(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[chatID]
}

// TotalCalls sums attempts over all chats.
func (s *Sender) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *Sender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// MaxInflight is the highest number of concurrent Send calls observed.
func (s *Sender) MaxInflight() int { return int(s.maxInflight.Load()) }

var _ transport.Sender = (*Sender)(nil)
