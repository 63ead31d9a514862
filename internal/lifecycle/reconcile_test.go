package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/job"
)

func ptr(t time.Time) *time.Time { return &t }

func TestReconcileOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		outcome job.Status
		want    job.Status
	}{
		{job.StatusSent, job.StatusDone},
		{job.StatusError, job.StatusError},
		{job.StatusNoTargets, job.StatusNoTargets},
	}
	for _, tt := range tests {
		j := &job.Job{Type: job.ScheduleOnce, Enabled: true, RunAt: ptr(now.Add(-time.Hour)), NextRunAt: ptr(now.Add(-time.Hour))}
		tr := Reconcile(j, Input{Outcome: tt.outcome, At: now})
		assert.Equal(t, tt.want, tr.Status, "outcome %s", tt.outcome)
		assert.False(t, tr.Enabled)
		assert.Nil(t, tr.NextRunAt)
		require.NotNil(t, tr.LastRunAt)
		assert.True(t, now.Equal(*tr.LastRunAt))
	}
}

func TestReconcileRecurringEndsPastEndAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	j := &job.Job{
		Type: job.ScheduleRecurring, Cron: "*/15 * * * *", Timezone: "UTC",
		Enabled: true, EndAt: ptr(now.Add(10 * time.Minute)),
	}
	init := Initial(j, now)
	require.NotNil(t, init.NextRunAt)
	assert.True(t, now.Equal(*init.NextRunAt), "10:00 is itself an occurrence")
	init.Apply(j)

	tr := Reconcile(j, Input{Outcome: job.StatusSent, At: now})
	assert.Equal(t, job.StatusEnded, tr.Status)
	assert.False(t, tr.Enabled)
	assert.Nil(t, tr.NextRunAt)
	assert.Equal(t, job.StatusSent, tr.LastOutcome)
}

func TestReconcileRecurringIsMonotonic(t *testing.T) {
	t.Parallel()
	j := &job.Job{Type: job.ScheduleRecurring, Cron: "0 9 * * 1-5", Timezone: "America/Los_Angeles", Enabled: true}
	now := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	Initial(j, now).Apply(j)

	prev := *j.NextRunAt
	for i := 0; i < 30; i++ {
		tr := Reconcile(j, Input{Outcome: job.StatusSent, At: *j.NextRunAt})
		require.Equal(t, job.StatusScheduled, tr.Status)
		require.NotNil(t, tr.NextRunAt)
		require.True(t, tr.NextRunAt.After(prev), "step %d: %v !> %v", i, tr.NextRunAt, prev)
		assert.Equal(t, 9, tr.NextRunAt.In(mustLA(t)).Hour())
		prev = *tr.NextRunAt
		tr.Apply(j)
	}
}

func TestReconcileSkipsMissedFirings(t *testing.T) {
	t.Parallel()
	due := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	j := &job.Job{Type: job.ScheduleRecurring, Cron: "*/15 * * * *", Timezone: "UTC", Enabled: true, NextRunAt: ptr(due)}

	late := due.Add(3*time.Hour + 5*time.Minute)
	tr := Reconcile(j, Input{Outcome: job.StatusSent, At: late})
	require.NotNil(t, tr.NextRunAt)
	assert.True(t, time.Date(2024, 3, 1, 13, 15, 0, 0, time.UTC).Equal(*tr.NextRunAt))
}

func TestReconcileManualKeepsPendingOccurrence(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
	pending := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	j := &job.Job{Type: job.ScheduleRecurring, Cron: "*/15 * * * *", Timezone: "UTC", Enabled: false, NextRunAt: ptr(pending)}

	tr := Reconcile(j, Input{Outcome: job.StatusError, At: now, Manual: true, LastError: "boom"})
	assert.Equal(t, job.StatusScheduled, tr.Status)
	assert.False(t, tr.Enabled, "run-now does not resume a paused job")
	require.NotNil(t, tr.NextRunAt)
	assert.True(t, pending.Equal(*tr.NextRunAt))
	assert.Equal(t, job.StatusError, tr.LastOutcome)
	assert.Equal(t, "boom", tr.LastError)
}

func TestInitialUnsatisfiableEnds(t *testing.T) {
	t.Parallel()
	j := &job.Job{Type: job.ScheduleRecurring, Cron: "0 0 31 2 *", Timezone: "UTC", Enabled: true}
	tr := Initial(j, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, job.StatusEnded, tr.Status)
	assert.False(t, tr.Enabled)
	assert.Empty(t, tr.LastError)
}

func TestResume(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
	j := &job.Job{Type: job.ScheduleRecurring, Cron: "*/15 * * * *", Timezone: "UTC", NextRunAt: ptr(now.Add(-time.Hour))}
	next := Resume(j, now)
	require.NotNil(t, next)
	assert.True(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC).Equal(*next))

	j.NextRunAt = ptr(now.Add(time.Hour))
	assert.Nil(t, Resume(j, now), "future next_run_at is kept")

	once := &job.Job{Type: job.ScheduleOnce, RunAt: ptr(now)}
	assert.Nil(t, Resume(once, now))
}

func mustLA(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	return loc
}
