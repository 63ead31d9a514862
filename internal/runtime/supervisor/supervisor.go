// Package supervisor runs named goroutines under one cancellable context.
// Panics are recovered and reported as errors, and GoRestart keeps a
// goroutine alive across failures with backoff.
package supervisor

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	logx "pewcast/pkg/logx"
)

// A run lasting this long is considered healthy and resets the backoff.
const stableRun = 30 * time.Second

type Supervisor struct {
	ctx         context.Context
	cancel      context.CancelFunc
	log         logx.Logger
	cancelOnErr bool

	wg      sync.WaitGroup
	running atomic.Int64
	spawned atomic.Uint64
	idle    chan struct{}
	idleSet sync.Once

	mu       sync.Mutex
	firstErr error
	routines map[string]*RoutineStats
}

type SupervisorOption func(*Supervisor)

// RoutineStats accumulates every run of the goroutines sharing a name.
type RoutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Active     int64          `json:"active"`
	Started    uint64         `json:"started"`
	FirstError string         `json:"first_error,omitempty"`
	Routines   []RoutineStats `json:"routines"`
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first recorded error cancel every goroutine.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{idle: make(chan struct{}), routines: map[string]*RoutineStats{}}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, opt := range opts {
		opt(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error recorded, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Snapshot() Snapshot {
	out := Snapshot{Active: s.running.Load(), Started: s.spawned.Load()}
	s.mu.Lock()
	if s.firstErr != nil {
		out.FirstError = s.firstErr.Error()
	}
	out.Routines = make([]RoutineStats, 0, len(s.routines))
	for _, r := range s.routines {
		out.Routines = append(out.Routines, *r)
	}
	s.mu.Unlock()
	sort.Slice(out.Routines, func(i, j int) bool { return out.Routines[i].Name < out.Routines[j].Name })
	return out
}

func (s *Supervisor) stats(name string, update func(*RoutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[name]
	if !ok {
		r = &RoutineStats{Name: name}
		s.routines[name] = r
	}
	update(r)
}

// record keeps err if it is the first one and cancels when configured to.
func (s *Supervisor) record(err error, cancel bool) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if cancel && s.cancelOnErr {
		s.cancel()
	}
}

// attempt runs fn once for name, turning a panic into an error.
func (s *Supervisor) attempt(name string, fn func(ctx context.Context) error) (err error) {
	s.stats(name, func(r *RoutineStats) { r.Active++; r.LastStartAt = time.Now() })
	defer s.stats(name, func(r *RoutineStats) { r.Active-- })
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		s.stats(name, func(r *RoutineStats) { r.Panics++ })
		s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		err = errors.Newf("panic: %v", p)
	}()
	return fn(s.ctx)
}

func (s *Supervisor) spawn(body func()) {
	s.spawned.Add(1)
	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		body()
	}()
}

func failed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Go runs fn once. Its error or panic, unless it is a cancellation, becomes
// the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		if err := s.attempt(name, fn); failed(err) {
			err = errors.Wrap(err, name)
			s.stats(name, func(r *RoutineStats) { r.LastErr = err.Error() })
			s.record(err, true)
		}
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceiling time.Duration
	limit          int
	fatalWhenDone  bool
	reportFirst    bool
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.floor = min
		}
		if max > 0 {
			p.ceiling = max
		}
	}
}

// WithMaxRestarts stops restarting after n attempts. Zero is unlimited.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithFatalOnFinalError records the last error (and cancels under
// WithCancelOnError) when the restart limit is hit.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.fatalWhenDone = enabled }
}

// WithPublishFirstError records the first failure as the supervisor error
// while restarts continue.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.reportFirst = enabled }
}

// GoRestart keeps fn running. An error or panic restarts it after a
// jittered, doubling delay; a nil or cancellation return ends it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceiling: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	p.ceiling = max(p.ceiling, p.floor)

	s.spawn(func() {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		delay := p.floor
		for n := 0; s.ctx.Err() == nil; n++ {
			if n > 0 {
				s.stats(name, func(r *RoutineStats) { r.Restarts++ })
			}
			began := time.Now()
			err := s.attempt(name, fn)
			if s.ctx.Err() != nil || !failed(err) {
				return
			}
			err = errors.Wrap(err, name)
			s.stats(name, func(r *RoutineStats) { r.LastErr = err.Error() })
			if p.reportFirst {
				s.record(err, false)
			}
			if p.limit > 0 && n >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n), logx.Err(err))
				if p.fatalWhenDone {
					s.record(err, true)
				}
				return
			}
			if time.Since(began) >= stableRun {
				delay = p.floor
			}
			wait := delay + time.Duration(rng.Int63n(int64(delay)/5+1))
			delay = min(2*delay, p.ceiling)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("in", wait), logx.Err(err))
			if !sleepCtx(s.ctx, wait) {
				return
			}
		}
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done, and then
// reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.idleSet.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.idle:
		return s.Err()
	}
}
