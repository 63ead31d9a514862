// Package engine is a bounded worker pool for job executions.
//
// Stop is two-phased: the pool first drains (no queued task starts, running
// tasks see Draining closed and finish what is in flight) and only cancels
// task contexts once the caller's grace period runs out.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/eventbus"
	rtsup "pewcast/internal/runtime/supervisor"
	logx "pewcast/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q          chan queuedTask
	sup        *rtsup.Supervisor
	stopCh     chan struct{}
	drainCh    chan struct{}
	taskCtx    context.Context
	hardCancel context.CancelFunc
	stopping   bool

	keysMu sync.Mutex
	keys   map[string]struct{}

	inFlight atomic.Int32
	dropped  atomic.Uint64
	idSeq    atomic.Uint64
	lastWarn atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log.With(logx.String("comp", "engine")),
		bus:  bus,
		keys: make(map[string]struct{}),
	}
}

// Apply updates timeouts and history size. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.q != nil
	s.mu.Unlock()
	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("engine pool size change applies on restart",
			logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	}
}

// Start launches the workers. It is a no-op if the pool is running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q != nil {
		return
	}
	cfg := s.cfg

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.drainCh = make(chan struct{})
	s.stopping = false

	// Task contexts outlive ctx: shutdown is driven by Stop, not by the
	// caller's cancellation, so in-flight sends get their grace period.
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.taskCtx = context.WithValue(tctx, drainKey{}, s.drainCh)
	s.hardCancel = cancel

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	stopCh, queue := s.stopCh, s.q
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop drains the pool. Running tasks get until ctx is done; after that
// their contexts are cancelled. Queued tasks that never started are
// abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.q == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	close(s.drainCh)
	sup, queue, cancel := s.sup, s.q, s.hardCancel
	s.mu.Unlock()

	start := time.Now()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("engine grace period elapsed; cancelling in-flight tasks",
			logx.Int("in_flight", int(s.inFlight.Load())))
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sup.Wait(wctx)
		wcancel()
	}
	cancel()
	sup.Cancel()

	abandoned := 0
	for {
		select {
		case qt := <-queue:
			s.abandon(qt, ErrStopped)
			abandoned++
			continue
		default:
		}
		break
	}

	s.mu.Lock()
	s.q, s.sup, s.stopCh, s.drainCh, s.taskCtx, s.hardCancel = nil, nil, nil, nil, nil, nil
	s.stopping = false
	s.mu.Unlock()
	s.log.Info("engine stopped", logx.Duration("took", time.Since(start)), logx.Int("abandoned", abandoned))
}

// Enqueue adds t without blocking. On error the task was not accepted and
// Abandon is not called.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("engine: task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("engine: task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	q, stopping := s.q, s.stopping
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	if !s.acquireKey(t.Key) {
		return errors.Wrapf(ErrDuplicate, "key %s", t.Key)
	}
	select {
	case q <- queuedTask{task: t, enqueuedAt: now}:
		return nil
	default:
		s.releaseKey(t.Key)
		s.onDropped(now, t, "queue_full", len(q), cap(q))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, stopping := s.cfg, s.q, s.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Running:  q != nil,
		Draining: stopping,
		Workers:  cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		Dropped:  s.dropped.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) acquireKey(key string) bool {
	if key == "" {
		return true
	}
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	if _, busy := s.keys[key]; busy {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *Service) releaseKey(key string) {
	if key == "" {
		return
	}
	s.keysMu.Lock()
	delete(s.keys, key)
	s.keysMu.Unlock()
}

func (s *Service) abandon(qt queuedTask, reason error) {
	defer s.releaseKey(qt.task.Key)
	s.onDropped(time.Now(), qt.task, reason.Error(), 0, 0)
	if qt.task.Abandon != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("abandon hook panicked", logx.String("task", qt.task.Name), logx.Any("panic", r))
				}
			}()
			qt.task.Abandon(reason)
		}()
	}
}

func (s *Service) onDropped(now time.Time, t Task, reason string, qlen, qcap int) {
	s.dropped.Add(1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: reason}})
	}
	prev := s.lastWarn.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastWarn.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task dropped", logx.String("task", t.Name), logx.String("reason", reason),
			logx.Int("queue_len", qlen), logx.Int("queue_cap", qcap), logx.Uint64("dropped", s.dropped.Load()))
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
