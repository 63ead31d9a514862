package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/job"
)

type deliveryKey struct {
	jobID, execID string
	target        int64
}

// Memory is a map-backed Store. It mirrors the sqlite semantics and is
// safe for concurrent use.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	jobs       map[string]job.Job
	preClaim   map[string]job.Status
	deliveries map[deliveryKey]job.Delivery
	executions map[string]job.Execution
	targets    map[int64]job.Target
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:        now,
		jobs:       make(map[string]job.Job),
		preClaim:   make(map[string]job.Status),
		deliveries: make(map[deliveryKey]job.Delivery),
		executions: make(map[string]job.Execution),
		targets:    make(map[int64]job.Target),
	}
}

func cloneJob(j job.Job) job.Job {
	j.ImageURLs = slices.Clone(j.ImageURLs)
	j.TargetIDs = slices.Clone(j.TargetIDs)
	for _, p := range []**time.Time{&j.RunAt, &j.EndAt, &j.NextRunAt, &j.LastRunAt, &j.ClaimUntil} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return j
}

func (m *Memory) claimFree(j job.Job, now time.Time) bool {
	return j.ClaimHolder == "" || j.ClaimUntil == nil || j.ClaimUntil.Before(now)
}

func (m *Memory) FetchDue(_ context.Context, now time.Time, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 25
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []job.Job
	for _, j := range m.jobs {
		if !j.Enabled || j.NextRunAt == nil || j.NextRunAt.After(now) {
			continue
		}
		if !j.IsOnce() && j.EndAt != nil && j.NextRunAt.After(*j.EndAt) {
			continue
		}
		if !m.claimFree(j, now) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].NextRunAt.Equal(*out[b].NextRunAt) {
			return out[a].NextRunAt.Before(*out[b].NextRunAt)
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Claim(_ context.Context, jobID, holder string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	now := m.now()
	if !m.claimFree(j, now) && j.ClaimHolder != holder {
		return errors.Wrapf(ErrClaimContention, "job %s", jobID)
	}
	if _, kept := m.preClaim[jobID]; !kept || j.Status != job.StatusRunning {
		m.preClaim[jobID] = j.Status
	}
	until := now.Add(lease)
	j.ClaimHolder, j.ClaimUntil = holder, &until
	j.Status = job.StatusRunning
	j.UpdatedAt = now
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) Renew(_ context.Context, jobID, holder string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if j.ClaimHolder != holder {
		return errors.Wrapf(ErrClaimContention, "job %s", jobID)
	}
	until := m.now().Add(lease)
	j.ClaimUntil = &until
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) Release(_ context.Context, jobID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.ClaimHolder != holder {
		return nil
	}
	j.ClaimHolder, j.ClaimUntil = "", nil
	if j.Status == job.StatusRunning {
		j.Status = job.StatusScheduled
		if prev, ok := m.preClaim[jobID]; ok {
			j.Status = prev
		}
	}
	delete(m.preClaim, jobID)
	j.UpdatedAt = m.now()
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) PersistResult(_ context.Context, jobID, holder string, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if j.ClaimHolder != holder {
		return errors.Wrapf(ErrClaimContention, "job %s", jobID)
	}
	delete(m.preClaim, jobID)
	j.Status = r.Status
	j.LastOutcome = r.LastOutcome
	j.Enabled = r.Enabled
	j.NextRunAt = r.NextRunAt
	j.LastRunAt = r.LastRunAt
	j.LastError = r.LastError
	j.UpdatedAt = m.now()
	m.jobs[jobID] = cloneJob(j)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return job.Job{}, errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return errors.Newf("create job %s: already exists", j.ID)
	}
	now := m.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	c := cloneJob(*j)
	c.ClaimHolder, c.ClaimUntil = "", nil
	m.jobs[j.ID] = c
	return nil
}

func (m *Memory) SetEnabled(_ context.Context, jobID string, enabled bool, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	j.Enabled = enabled
	if next != nil {
		t := *next
		j.NextRunAt = &t
		j.Status = job.StatusScheduled
	}
	j.UpdatedAt = m.now()
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) LookupDelivery(_ context.Context, jobID, executionID string, targetID int64) (job.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[deliveryKey{jobID, executionID, targetID}]
	return d, ok, nil
}

func (m *Memory) RecordDelivery(_ context.Context, d job.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := deliveryKey{d.JobID, d.ExecutionID, d.TargetID}
	if _, ok := m.deliveries[k]; ok {
		return errors.Wrapf(ErrDuplicate, "%s/%s/%d", d.JobID, d.ExecutionID, d.TargetID)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now()
	}
	d.MessageIDs = slices.Clone(d.MessageIDs)
	m.deliveries[k] = d
	return nil
}

func (m *Memory) ListDeliveries(_ context.Context, jobID string, limit int) ([]job.Delivery, error) {
	if limit <= 0 {
		limit = 200
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Delivery
	for k, d := range m.deliveries {
		if k.jobID == jobID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].TargetID < out[b].TargetID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) StartExecution(_ context.Context, e job.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.StartedAt.IsZero() {
		e.StartedAt = m.now()
	}
	e.FinishedAt, e.Outcome = nil, ""
	m.executions[e.ID] = e
	return nil
}

func (m *Memory) FinishExecution(_ context.Context, e job.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.executions[e.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "execution %s", e.ID)
	}
	if e.FinishedAt == nil {
		t := m.now()
		e.FinishedAt = &t
	}
	cur.FinishedAt = e.FinishedAt
	cur.Outcome = e.Outcome
	cur.Targets, cur.Sent, cur.Failed, cur.Skipped = e.Targets, e.Sent, e.Failed, e.Skipped
	m.executions[e.ID] = cur
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, jobID string, limit int) ([]job.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Execution
	for _, e := range m.executions {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertTarget(_ context.Context, t job.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.LastSeenAt.IsZero() {
		t.LastSeenAt = m.now()
	}
	if cur, ok := m.targets[t.ChatID]; ok {
		if t.Title == "" {
			t.Title = cur.Title
		}
		if t.Type == "" {
			t.Type = cur.Type
		}
	}
	m.targets[t.ChatID] = t
	return nil
}

func (m *Memory) SetTargetActive(_ context.Context, chatID int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[chatID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "target %d", chatID)
	}
	t.Active = active
	m.targets[chatID] = t
	return nil
}

func (m *Memory) ListTargets(_ context.Context, activeOnly bool) ([]job.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Target
	for _, t := range m.targets {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ChatID < out[b].ChatID })
	return out, nil
}

func (m *Memory) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, d := range m.deliveries {
		if d.CreatedAt.Before(before) {
			delete(m.deliveries, k)
			n++
		}
	}
	for id, e := range m.executions {
		if e.FinishedAt != nil && e.FinishedAt.Before(before) {
			delete(m.executions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

var _ Store = (*Memory)(nil)
var _ Store = (*sqliteStore)(nil)
