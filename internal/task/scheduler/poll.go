package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"pewcast/internal/eventbus"
	"pewcast/internal/job"
	"pewcast/internal/storage"
	"pewcast/internal/task/engine"
	logx "pewcast/pkg/logx"
)

const releaseTimeout = 5 * time.Second

// Poll claims due jobs and submits them to the pool. It returns how many
// executions were submitted.
func (s *Service) Poll(ctx context.Context) (int, error) {
	cfg := s.config()
	if !cfg.Enabled {
		return 0, nil
	}
	now := s.now()
	due, err := s.store.FetchDue(ctx, now, cfg.BatchSize)
	s.notePoll(now, err, cfg)
	if err != nil {
		return 0, err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.PollTick, Time: now, Data: len(due)})
	}

	submitted := 0
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		if s.claimDue(ctx, due[i], cfg, now) {
			submitted++
		}
	}
	return submitted, nil
}

func (s *Service) claimDue(ctx context.Context, candidate job.Job, cfg Config, now time.Time) bool {
	log := s.log.With(logx.String("job", candidate.ID))
	holder := uuid.NewString()
	if err := s.store.Claim(ctx, candidate.ID, holder, cfg.Lease); err != nil {
		if errors.Is(err, storage.ErrClaimContention) || errors.Is(err, storage.ErrNotFound) {
			log.Debug("due job skipped", logx.Err(err))
			return false
		}
		log.Warn("claim failed", logx.Err(err))
		return false
	}

	// The fetched row may predate another holder's completed execution.
	j, err := s.store.GetJob(ctx, candidate.ID)
	if err != nil {
		log.Warn("re-read after claim failed", logx.Err(err))
		s.release(candidate.ID, holder)
		return false
	}
	if !j.Enabled || j.NextRunAt == nil || j.NextRunAt.After(now) {
		log.Debug("job no longer due after claim")
		s.release(j.ID, holder)
		return false
	}
	s.claimed.Add(1)

	r := &run{job: j, holder: holder, execID: job.ExecutionID(j.ID, *j.NextRunAt)}
	return s.submit(r) == nil
}

// submit hands r to the pool. The claim is released when the pool rejects
// the task or abandons it before it runs.
func (s *Service) submit(r *run) error {
	err := s.pool.Enqueue(engine.Task{
		Name: "job:" + r.job.ID,
		Key:  r.job.ID,
		Run: func(ctx context.Context) error {
			rep, err := s.execute(ctx, r)
			if r.done != nil {
				r.done <- runResult{report: rep, err: err}
			}
			return err
		},
		Abandon: func(reason error) {
			s.release(r.job.ID, r.holder)
			if r.done != nil {
				r.done <- runResult{err: errors.Wrap(reason, "execution abandoned")}
			}
		},
	})
	if err != nil {
		log := s.log.With(logx.String("job", r.job.ID))
		if errors.Is(err, engine.ErrDuplicate) {
			log.Debug("execution already queued or running")
		} else {
			log.Warn("failed to enqueue execution", logx.Err(err))
		}
		s.release(r.job.ID, r.holder)
		return err
	}
	return nil
}

// release frees a claim without touching the job state. It runs detached
// from the caller's context so shutdown does not strand claims.
func (s *Service) release(jobID, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.store.Release(ctx, jobID, holder); err != nil {
		s.log.Warn("release claim failed", logx.String("job", jobID), logx.Err(err))
	}
}

func (s *Service) notePoll(at time.Time, err error, cfg Config) {
	s.smu.Lock()
	s.lastPollAt = at
	if err == nil {
		s.storeFailures = 0
		s.lastPollErr = ""
		s.smu.Unlock()
		if s.healthy != nil {
			s.healthy()
		}
		return
	}
	s.storeFailures++
	failures := s.storeFailures
	s.lastPollErr = err.Error()
	s.smu.Unlock()

	s.log.Error("poll failed", logx.Err(err), logx.Int("consecutive", failures))
	if cfg.MaxStoreFailures > 0 && failures >= cfg.MaxStoreFailures && s.fatal != nil {
		s.fatalOnce.Do(func() {
			s.fatal(errors.Wrapf(err, "store unavailable for %d consecutive polls", failures))
		})
	}
}
