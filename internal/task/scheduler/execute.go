package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/dispatch"
	"pewcast/internal/eventbus"
	"pewcast/internal/job"
	"pewcast/internal/lifecycle"
	"pewcast/internal/storage"
	"pewcast/internal/task/engine"
	logx "pewcast/pkg/logx"
)

const persistTimeout = 5 * time.Second

// execute runs one claimed execution to completion and always leaves the
// claim released.
func (s *Service) execute(ctx context.Context, r *run) (Report, error) {
	cfg := s.config()
	startedAt := s.now()
	log := s.log.With(logx.String("job", r.job.ID), logx.String("exec", r.execID))
	rep := Report{
		JobID:       r.job.ID,
		Title:       r.job.Title,
		ExecutionID: r.execID,
		Manual:      r.manual,
		StartedAt:   startedAt,
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go s.renewLoop(renewCtx, log, r, cfg.Lease)

	if err := s.store.StartExecution(ctx, job.Execution{
		ID: r.execID, JobID: r.job.ID, Manual: r.manual, StartedAt: startedAt,
	}); err != nil {
		log.Warn("failed to record execution start", logx.Err(err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionStarted, Time: startedAt, Data: rep})
	}

	targets, err := s.resolver.Resolve(ctx, &r.job)
	if err != nil {
		stopRenew()
		s.release(r.job.ID, r.holder)
		return rep, errors.Wrap(err, "resolve targets")
	}

	out := s.dispatcher.Execute(ctx, dispatch.Request{
		Job:         &r.job,
		ExecutionID: r.execID,
		Targets:     targets,
		Drain:       engine.Draining(ctx),
	})
	stopRenew()
	rep.Outcome, rep.Status = out, out.Status
	rep.Duration = time.Since(startedAt)

	if !out.Complete() {
		// Leave the job state untouched; the same execution id replays.
		s.release(r.job.ID, r.holder)
		s.replays.Add(1)
		log.Warn("execution incomplete; will replay",
			logx.Int("abandoned", out.Abandoned), logx.Int("unrecorded", out.Unrecorded))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionAbandoned, Data: rep})
		}
		return rep, nil
	}

	tr := lifecycle.Reconcile(&r.job, lifecycle.Input{
		Outcome:   out.Status,
		At:        startedAt,
		Manual:    r.manual,
		LastError: out.FirstError,
	})
	rep.Status, rep.NextRunAt = tr.Status, tr.NextRunAt

	// Persisting must survive shutdown: every delivery is already recorded.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	perr := s.store.PersistResult(pctx, r.job.ID, r.holder, storage.Result{
		Status:      tr.Status,
		LastOutcome: tr.LastOutcome,
		Enabled:     tr.Enabled,
		NextRunAt:   tr.NextRunAt,
		LastRunAt:   tr.LastRunAt,
		LastError:   tr.LastError,
	})
	if err := s.store.Release(pctx, r.job.ID, r.holder); err != nil {
		log.Warn("release claim failed", logx.Err(err))
	}
	if perr != nil {
		// The ledger makes the replay a no-op for delivered targets.
		log.Error("failed to persist execution result", logx.Err(perr))
		return rep, errors.Wrap(perr, "persist result")
	}
	rep.Persisted = true
	s.executed.Add(1)

	finished := s.now()
	if err := s.store.FinishExecution(pctx, job.Execution{
		ID: r.execID, JobID: r.job.ID, Manual: r.manual, StartedAt: startedAt,
		FinishedAt: &finished, Outcome: out.Status,
		Targets: out.Targets, Sent: out.Sent, Failed: out.Failed, Skipped: out.Skipped(),
	}); err != nil {
		log.Warn("failed to record execution finish", logx.Err(err))
	}

	log.Info("execution finished",
		logx.String("outcome", string(out.Status)),
		logx.String("status", string(tr.Status)),
		logx.Int("targets", out.Targets),
		logx.Int("sent", out.Sent),
		logx.Int("failed", out.Failed),
		logx.Int("replayed", out.Replayed),
		logx.Duration("dur", rep.Duration),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ExecutionFinished, Time: finished, Data: rep})
	}
	return rep, nil
}

// renewLoop extends the claim every lease/3 until ctx is done.
func (s *Service) renewLoop(ctx context.Context, log logx.Logger, r *run, lease time.Duration) {
	t := time.NewTicker(max(lease/3, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := s.store.Renew(ctx, r.job.ID, r.holder, lease); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, storage.ErrClaimContention) || errors.Is(err, storage.ErrNotFound) {
				log.Warn("claim lost while dispatching", logx.Err(err))
				return
			}
			log.Warn("claim renewal failed", logx.Err(err))
		}
	}
}
