package scheduler

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"pewcast/internal/job"
	"pewcast/internal/lifecycle"
	"pewcast/internal/storage"
	"pewcast/internal/task/engine"
	logx "pewcast/pkg/logx"
)

// ErrNotResumable is returned when enabling a job that has nothing left to
// run (a once job that already ran, or a recurring job past its end).
var ErrNotResumable = errors.New("scheduler: job has no future occurrence")

// CreateJob validates j, assigns an id and its first next_run_at, and
// stores it.
func (s *Service) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	cfg := s.config()
	if strings.TrimSpace(j.Timezone) == "" {
		j.Timezone = cfg.DefaultTimezone
	}
	if err := j.Normalize(); err != nil {
		return job.Job{}, err
	}
	now := s.now().UTC()
	j.ID = uuid.NewString()
	j.ClaimHolder, j.ClaimUntil = "", nil
	j.LastRunAt, j.LastOutcome, j.LastError = nil, "", ""
	lifecycle.Initial(&j, now).Apply(&j)
	j.CreatedAt, j.UpdatedAt = now, now
	if err := s.store.CreateJob(ctx, &j); err != nil {
		return job.Job{}, err
	}
	s.log.Info("job created",
		logx.String("job", j.ID),
		logx.String("type", string(j.Type)),
		logx.String("status", string(j.Status)),
		logx.Any("next_run_at", j.NextRunAt),
	)
	return j, nil
}

// RunNow claims jobID and executes it immediately, regardless of
// next_run_at or enabled, and waits for the result. A job claimed
// elsewhere fails with storage.ErrClaimContention.
func (s *Service) RunNow(ctx context.Context, jobID string) (Report, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return Report{}, err
	}
	cfg := s.config()
	holder := uuid.NewString()
	if err := s.store.Claim(ctx, jobID, holder, cfg.Lease); err != nil {
		return Report{}, err
	}
	// Re-read under the claim.
	if j, err = s.store.GetJob(ctx, jobID); err != nil {
		s.release(jobID, holder)
		return Report{}, err
	}
	s.claimed.Add(1)

	r := &run{
		job:    j,
		holder: holder,
		execID: j.ID + "@manual-" + uuid.NewString(),
		manual: true,
		done:   make(chan runResult, 1),
	}
	if err := s.submit(r); err != nil {
		if errors.Is(err, engine.ErrDuplicate) {
			return Report{}, errors.Wrapf(storage.ErrClaimContention, "job %s is already executing", jobID)
		}
		return Report{}, err
	}
	select {
	case res := <-r.done:
		return res.report, res.err
	case <-ctx.Done():
		// The execution continues in the pool.
		return Report{JobID: j.ID, ExecutionID: r.execID, Manual: true}, ctx.Err()
	}
}

// SetEnabled pauses or resumes a job. Resuming a recurring job whose
// next_run_at is missing or past recomputes it from now; a pending future
// occurrence is kept.
func (s *Service) SetEnabled(ctx context.Context, jobID string, enabled bool) (job.Job, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	next := lifecycle.Resume(&j, s.now())
	if enabled && next == nil && (j.NextRunAt == nil || j.Status == job.StatusEnded) {
		return job.Job{}, errors.WithHint(errors.Wrapf(ErrNotResumable, "job %s", jobID),
			"clone it as a new once job to send it again")
	}
	if !enabled {
		next = nil
	}
	if err := s.store.SetEnabled(ctx, jobID, enabled, next); err != nil {
		return job.Job{}, err
	}
	s.log.Info("job enabled changed", logx.String("job", jobID), logx.Bool("enabled", enabled), logx.Any("next_run_at", next))
	return s.store.GetJob(ctx, jobID)
}

// CloneAsOnce creates a new enabled once job with the content and targeting
// of jobID, due at runAt. runAt is RFC 3339 or a naive local datetime read
// in tz (default: the source job's zone).
func (s *Service) CloneAsOnce(ctx context.Context, jobID, runAt, tz string) (job.Job, error) {
	src, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = src.Timezone
	}
	if tz == "" {
		tz = s.config().DefaultTimezone
	}
	at, err := job.ParseLocalTime(runAt, tz)
	if err != nil {
		return job.Job{}, err
	}
	clone := job.Job{
		Title:          src.Title,
		Body:           src.Body,
		ImageURLs:      append([]string(nil), src.ImageURLs...),
		ParseMode:      src.ParseMode,
		DisablePreview: src.DisablePreview,
		TargetsMode:    src.TargetsMode,
		TargetIDs:      append([]int64(nil), src.TargetIDs...),
		Type:           job.ScheduleOnce,
		RunAt:          &at,
		Timezone:       tz,
		Enabled:        true,
	}
	return s.CreateJob(ctx, clone)
}
