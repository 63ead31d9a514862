package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	logx "pewcast/pkg/logx"
)

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		log:        log.With(logx.String("comp", "scheduler")),
		store:      deps.Store,
		resolver:   deps.Resolver,
		dispatcher: deps.Dispatcher,
		pool:       deps.Pool,
		bus:        deps.Bus,
		now:        now,
		healthy:    deps.Healthy,
		fatal:      deps.Fatal,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration. A new poll interval or housekeeping spec
// is re-registered on the running cron.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if prev.PollInterval != cfg.PollInterval {
		s.c.Remove(s.pollEntry)
		if err := s.addPollLocked(); err != nil {
			s.log.Error("failed to reschedule poll", logx.Err(err))
		} else {
			s.log.Info("poll interval changed", logx.Duration("from", prev.PollInterval), logx.Duration("to", cfg.PollInterval))
		}
	}
	if prev.Housekeeping != cfg.Housekeeping {
		s.c.Remove(s.gcEntry)
		if err := s.addHousekeepingLocked(); err != nil {
			s.log.Error("failed to reschedule housekeeping", logx.Err(err))
		}
	}
}

// Start registers the poll and housekeeping triggers and polls once right
// away. ctx bounds store calls made by the triggers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.runCtx = ctx
	if err := s.addPollLocked(); err != nil {
		s.c = nil
		return err
	}
	if err := s.addHousekeepingLocked(); err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	// The first tick of @every fires one interval after Start.
	go s.c.Entry(s.pollEntry).WrappedJob.Run()
	s.log.Info("scheduler started", logx.Duration("poll_interval", s.cfg.PollInterval), logx.Int("batch", s.cfg.BatchSize))
	return nil
}

func (s *Service) addPollLocked() error {
	id, err := s.c.AddFunc("@every "+s.cfg.PollInterval.String(), func() {
		_, _ = s.Poll(s.runCtx)
	})
	if err != nil {
		return errors.Wrap(err, "register poll trigger")
	}
	s.pollEntry = id
	return nil
}

func (s *Service) addHousekeepingLocked() error {
	id, err := s.c.AddFunc(s.cfg.Housekeeping, func() {
		_, _ = s.Housekeep(s.runCtx)
	})
	if err != nil {
		return errors.Wrapf(err, "register housekeeping %q", s.cfg.Housekeeping)
	}
	s.gcEntry = id
	return nil
}

// Stop halts the triggers and waits for a running poll to return. Claimed
// executions belong to the pool, which drains separately.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c, poll, gc, cfg := s.c, s.pollEntry, s.gcEntry, s.cfg
	s.mu.Unlock()

	s.smu.Lock()
	snap := Snapshot{
		Running:       c != nil,
		PollInterval:  cfg.PollInterval.String(),
		LastPollAt:    s.lastPollAt,
		LastPollError: s.lastPollErr,
		StoreFailures: s.storeFailures,
	}
	s.smu.Unlock()
	snap.Claimed, snap.Executed, snap.Replays = s.claimed.Load(), s.executed.Load(), s.replays.Load()
	if c != nil {
		snap.NextPoll = c.Entry(poll).Next
		snap.NextPrune = c.Entry(gc).Next
	}
	return snap
}

// cronLogger routes cron's own logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
