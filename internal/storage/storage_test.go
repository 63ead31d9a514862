package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/job"
	logx "pewcast/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type opener func(t *testing.T, now func() time.Time) Store

func drivers() map[string]opener {
	return map[string]opener{
		"memory": func(_ *testing.T, now func() time.Time) Store { return NewMemory(now) },
		"sqlite": func(t *testing.T, now func() time.Time) Store {
			st, err := Open(Config{
				Driver: "sqlite",
				Path:   filepath.Join(t.TempDir(), "pewcast.db"),
				Now:    now,
			}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func dueJob(id string, next time.Time) *job.Job {
	return &job.Job{
		ID: id, Title: "t", TargetsMode: job.TargetsAll,
		Type: job.ScheduleRecurring, Cron: "*/15 * * * *", Timezone: "UTC",
		Enabled: true, Status: job.StatusScheduled, NextRunAt: &next,
	}
}

func TestStoreClaimLifecycle(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
			st := open(t, clk.Now)

			require.NoError(t, st.CreateJob(ctx, dueJob("a", clk.Now().Add(-time.Minute))))
			require.NoError(t, st.CreateJob(ctx, dueJob("b", clk.Now().Add(time.Hour))))

			due, err := st.FetchDue(ctx, clk.Now(), 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "a", due[0].ID)

			require.NoError(t, st.Claim(ctx, "a", "h1", time.Minute))
			err = st.Claim(ctx, "a", "h2", time.Minute)
			assert.True(t, errors.Is(err, ErrClaimContention), "got %v", err)

			due, err = st.FetchDue(ctx, clk.Now(), 10)
			require.NoError(t, err)
			assert.Empty(t, due, "claimed job must not be fetched")

			// Lease expiry lets another holder take over.
			clk.Add(2 * time.Minute)
			require.NoError(t, st.Claim(ctx, "a", "h2", time.Minute))
			assert.True(t, errors.Is(st.Renew(ctx, "a", "h1", time.Minute), ErrClaimContention))
			assert.True(t, errors.Is(st.PersistResult(ctx, "a", "h1", Result{Status: job.StatusDone}), ErrClaimContention))

			next := clk.Now().Add(15 * time.Minute)
			last := clk.Now()
			require.NoError(t, st.PersistResult(ctx, "a", "h2", Result{
				Status: job.StatusScheduled, LastOutcome: job.StatusSent, Enabled: true,
				NextRunAt: &next, LastRunAt: &last,
			}))
			require.NoError(t, st.Release(ctx, "a", "h2"))

			got, err := st.GetJob(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, job.StatusScheduled, got.Status)
			assert.Equal(t, job.StatusSent, got.LastOutcome)
			assert.Empty(t, got.ClaimHolder)
			require.NotNil(t, got.NextRunAt)
			assert.True(t, next.Equal(*got.NextRunAt))

			assert.True(t, errors.Is(st.Claim(ctx, "missing", "h", time.Minute), ErrNotFound))
		})
	}
}

func TestStoreFetchDueRespectsEndAndEnabled(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			st := open(t, func() time.Time { return now })

			ended := dueJob("ended", now.Add(-time.Minute))
			end := now.Add(-2 * time.Minute)
			ended.EndAt = &end
			require.NoError(t, st.CreateJob(ctx, ended))

			off := dueJob("off", now.Add(-time.Minute))
			off.Enabled = false
			require.NoError(t, st.CreateJob(ctx, off))

			due, err := st.FetchDue(ctx, now, 10)
			require.NoError(t, err)
			assert.Empty(t, due)

			next := now.Add(-time.Second)
			require.NoError(t, st.SetEnabled(ctx, "off", true, &next))
			due, err = st.FetchDue(ctx, now, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "off", due[0].ID)
		})
	}
}

func TestStoreLedgerUniqueness(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t, time.Now)

			d := job.Delivery{JobID: "j", ExecutionID: "j@1", TargetID: -100, Status: job.DeliverySent, Attempts: 1, MessageIDs: []int{7, 8}}
			require.NoError(t, st.RecordDelivery(ctx, d))
			err := st.RecordDelivery(ctx, d)
			assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

			d2 := d
			d2.ExecutionID = "j@2"
			require.NoError(t, st.RecordDelivery(ctx, d2))

			got, ok, err := st.LookupDelivery(ctx, "j", "j@1", -100)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []int{7, 8}, got.MessageIDs)

			_, ok, err = st.LookupDelivery(ctx, "j", "j@3", -100)
			require.NoError(t, err)
			assert.False(t, ok)

			list, err := st.ListDeliveries(ctx, "j", 0)
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}

func TestStoreTargetsAndExecutions(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clk := &clock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
			st := open(t, clk.Now)

			require.NoError(t, st.UpsertTarget(ctx, job.Target{ChatID: -1, Title: "one", Type: "group", Active: true}))
			require.NoError(t, st.UpsertTarget(ctx, job.Target{ChatID: -2, Title: "two", Type: "supergroup", Active: true}))
			require.NoError(t, st.SetTargetActive(ctx, -2, false))
			require.NoError(t, st.UpsertTarget(ctx, job.Target{ChatID: -1, Active: true}))

			active, err := st.ListTargets(ctx, true)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "one", active[0].Title, "empty title keeps the known one")

			all, err := st.ListTargets(ctx, false)
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.True(t, errors.Is(st.SetTargetActive(ctx, -9, true), ErrNotFound))

			e := job.Execution{ID: "j@1", JobID: "j", Targets: 2}
			require.NoError(t, st.StartExecution(ctx, e))
			require.NoError(t, st.StartExecution(ctx, e))
			e.Outcome, e.Sent, e.Failed = job.StatusSent, 1, 1
			require.NoError(t, st.FinishExecution(ctx, e))
			require.NoError(t, st.RecordDelivery(ctx, job.Delivery{JobID: "j", ExecutionID: "j@1", TargetID: -1, Status: job.DeliverySent}))

			execs, err := st.ListExecutions(ctx, "j", 0)
			require.NoError(t, err)
			require.Len(t, execs, 1)
			assert.Equal(t, job.StatusSent, execs[0].Outcome)
			assert.Equal(t, 1, execs[0].Failed)

			clk.Add(48 * time.Hour)
			n, err := st.Prune(ctx, clk.Now().Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}
}

func TestSQLClaimContentionChecksExistence(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := newSQLStore(db, func() time.Time { return now }, logx.Nop())

	mock.ExpectExec("UPDATE jobs SET claim_holder").
		WithArgs("h", now.Add(time.Minute).UnixMilli(), now.UnixMilli(), "j", now.UnixMilli(), "h").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM jobs").WithArgs("j").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err = st.Claim(context.Background(), "j", "h", time.Minute)
	assert.True(t, errors.Is(err, ErrClaimContention), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRecordDeliveryConflict(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLStore(db, time.Now, logx.Nop())
	mock.ExpectExec("INSERT INTO deliveries").WillReturnResult(sqlmock.NewResult(0, 0))

	err = st.RecordDelivery(context.Background(), job.Delivery{JobID: "j", ExecutionID: "e", TargetID: 1, Status: job.DeliverySent})
	assert.True(t, errors.Is(err, ErrDuplicate))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{}, logx.Nop())
	assert.True(t, errors.Is(err, ErrDisabled))
}

func TestStoreReleaseRestoresPriorStatus(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
			st := open(t, clk.Now)

			run := clk.Now().Add(-time.Hour)
			j := dueJob("once", run)
			j.Type, j.Cron, j.RunAt = job.ScheduleOnce, "", &run
			require.NoError(t, st.CreateJob(ctx, j))

			// Finish the job, then claim it again the way a stale poll would.
			require.NoError(t, st.Claim(ctx, "once", "h1", time.Minute))
			require.NoError(t, st.PersistResult(ctx, "once", "h1", Result{
				Status: job.StatusDone, LastOutcome: job.StatusDone, LastRunAt: &run,
			}))
			require.NoError(t, st.Release(ctx, "once", "h1"))

			require.NoError(t, st.Claim(ctx, "once", "h2", time.Minute))
			got, err := st.GetJob(ctx, "once")
			require.NoError(t, err)
			assert.Equal(t, job.StatusRunning, got.Status)
			require.NoError(t, st.Release(ctx, "once", "h2"))

			got, err = st.GetJob(ctx, "once")
			require.NoError(t, err)
			assert.Equal(t, job.StatusDone, got.Status)
			assert.False(t, got.Enabled)

			// A lease takeover keeps the status from before the first claim.
			require.NoError(t, st.CreateJob(ctx, dueJob("rec", run)))
			require.NoError(t, st.Claim(ctx, "rec", "h1", time.Minute))
			clk.Add(2 * time.Minute)
			require.NoError(t, st.Claim(ctx, "rec", "h2", time.Minute))
			require.NoError(t, st.Release(ctx, "rec", "h2"))
			got, err = st.GetJob(ctx, "rec")
			require.NoError(t, err)
			assert.Equal(t, job.StatusScheduled, got.Status)
		})
	}
}
