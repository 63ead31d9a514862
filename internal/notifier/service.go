package notifier

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"pewcast/internal/eventbus"
	rtsup "pewcast/internal/runtime/supervisor"
	"pewcast/internal/task/scheduler"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

const dedupCapacity = 256

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Service turns execution events into operator messages.
//
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger
	sender  TextSender
	bus     eventbus.Bus
	now     func() time.Time

	queue chan string
	sup   *rtsup.Supervisor
	unsub func()

	// seen holds digests of recently queued texts; nil when dedup is off.
	seenMu sync.Mutex
	seen   *expirable.LRU[uint64, struct{}]
	window time.Duration

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender TextSender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "notifier")),
		now:    time.Now,
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	s.mu.Unlock()

	s.seenMu.Lock()
	if cfg.DedupWindow != s.window {
		s.window, s.seen = cfg.DedupWindow, nil
		if cfg.DedupWindow > 0 {
			s.seen = expirable.NewLRU[uint64, struct{}](dedupCapacity, nil, cfg.DedupWindow)
		}
	}
	s.seenMu.Unlock()
}

// Enabled reports whether reports have somewhere to go.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.cfg.ChatID != 0
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Start subscribes to execution events. It is a no-op when reports are
// disabled or no ops chat is configured.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	if !s.cfg.Enabled || s.cfg.ChatID == 0 || s.sender == nil || s.bus == nil {
		s.log.Debug("operator reports disabled")
		return
	}
	queue := make(chan string, s.cfg.QueueSize)
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize, eventbus.ExecutionFinished, eventbus.ExecutionAbandoned)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.queue, s.sup, s.unsub = queue, sup, unsub

	sup.GoRestart("notifier.events", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case e, ok := <-events:
				if !ok {
					return nil
				}
				rep, ok := e.Data.(scheduler.Report)
				if !ok {
					continue
				}
				if err := s.Report(rep); err != nil && !errors.Is(err, ErrDisabled) {
					s.log.Debug("report not queued", logx.Err(err))
				}
			}
		}
	}, rtsup.WithPublishFirstError(true))

	sup.GoRestart("notifier.sender", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case text := <-queue:
				s.sendWithRetry(c, text)
			}
		}
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("operator reports enabled", logx.Int64("chat_id", s.cfg.ChatID), logx.Bool("only_failures", s.cfg.OnlyFailures))
}

// Stop unsubscribes and gives queued reports until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	queue, sup, unsub := s.queue, s.sup, s.unsub
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()

	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			s.log.Warn("dropping queued reports", logx.Int("queued", len(queue)))
			sup.Cancel()
			_ = sup.Wait(context.Background())
			return
		case <-t.C:
		}
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Report queues a summary of rep, subject to OnlyFailures.
func (s *Service) Report(rep scheduler.Report) error {
	cfg, _ := s.snapshot()
	if !wanted(cfg, rep) {
		return nil
	}
	return s.Notify(formatReport(rep, s.now()))
}

// Notify queues text for the ops chat. Identical text within DedupWindow is
// dropped silently.
func (s *Service) Notify(text string) error {
	cfg, _ := s.snapshot()
	if !cfg.Enabled {
		return ErrDisabled
	}
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if s.repeated(text) {
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, err error) {
	it := HistoryItem{At: s.now(), Text: text}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	cfg, lim := s.snapshot()
	to := transport.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}

	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.sender.SendText(callCtx, to, text, opt)
		cancel()
		if err == nil {
			s.appendHistory(text, nil)
			return
		}
		lastErr = err
		if transport.IsPermanent(err) {
			break
		}
		s.log.Debug("report send failed", logx.Err(err), logx.Int("attempt", attempt))
		if attempt > cfg.RetryMax {
			break
		}
		delay := retryDelay(cfg, attempt)
		if ra, ok := transport.RetryAfterOf(err); ok && ra > delay {
			delay = ra
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	s.appendHistory(text, lastErr)
	s.log.Warn("report dropped", logx.Err(lastErr))
}

// repeated reports whether text was queued within the dedup window, and
// remembers it otherwise.
func (s *Service) repeated(text string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seen == nil {
		return false
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	if s.seen.Contains(h.Sum64()) {
		return true
	}
	s.seen.Add(h.Sum64(), struct{}{})
	return false
}

// retryDelay doubles RetryBase per attempt up to RetryMaxDelay and spreads
// the result by ±30%.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryMaxDelay
	if shift := attempt - 1; shift < 20 && cfg.RetryBase<<shift < d {
		d = cfg.RetryBase << shift
	}
	spread := time.Duration(rand.Int63n(int64(d)*6/10 + 1))
	return min(d*7/10+spread, cfg.RetryMaxDelay)
}
