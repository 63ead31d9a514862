package app

import (
	"context"

	"pewcast/internal/job"
	"pewcast/internal/storage"
	"pewcast/internal/task/scheduler"
)

// opsBackend joins the scheduler's operations with store reads for the
// operator commands.
type opsBackend struct {
	sched *scheduler.Service
	store storage.Store
}

func (o opsBackend) Snapshot() scheduler.Snapshot { return o.sched.Snapshot() }

func (o opsBackend) RunNow(ctx context.Context, id string) (scheduler.Report, error) {
	return o.sched.RunNow(ctx, id)
}

func (o opsBackend) SetEnabled(ctx context.Context, id string, enabled bool) (job.Job, error) {
	return o.sched.SetEnabled(ctx, id, enabled)
}

func (o opsBackend) CloneAsOnce(ctx context.Context, id, runAt, tz string) (job.Job, error) {
	return o.sched.CloneAsOnce(ctx, id, runAt, tz)
}

func (o opsBackend) GetJob(ctx context.Context, id string) (job.Job, error) {
	return o.store.GetJob(ctx, id)
}

func (o opsBackend) ListJobs(ctx context.Context, limit int) ([]job.Job, error) {
	return o.store.ListJobs(ctx, limit)
}

func (o opsBackend) ListExecutions(ctx context.Context, id string, limit int) ([]job.Execution, error) {
	return o.store.ListExecutions(ctx, id, limit)
}

func (o opsBackend) ListTargets(ctx context.Context, activeOnly bool) ([]job.Target, error) {
	return o.store.ListTargets(ctx, activeOnly)
}
