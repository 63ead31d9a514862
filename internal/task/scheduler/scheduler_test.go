package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/dispatch"
	"pewcast/internal/eventbus"
	"pewcast/internal/job"
	"pewcast/internal/storage"
	"pewcast/internal/targets"
	"pewcast/internal/task/engine"
	"pewcast/internal/transport"
	"pewcast/internal/transport/transporttest"
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

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// inlinePool runs tasks synchronously on the caller's goroutine.
type inlinePool struct{}

func (inlinePool) Enqueue(t engine.Task) error {
	_ = t.Run(context.Background())
	return nil
}

type harness struct {
	svc    *Service
	store  *storage.Memory
	sender *transporttest.Sender
	clock  *clock
	bus    eventbus.Bus
}

func newHarness(t *testing.T, at time.Time, mutate ...func(*Config, *Deps)) *harness {
	t.Helper()
	clk := &clock{t: at}
	store := storage.NewMemory(clk.Now)
	sender := transporttest.New()
	bus := eventbus.New()
	cfg := Config{Enabled: true, BatchSize: 10, Lease: time.Minute, DefaultTimezone: "UTC"}
	deps := Deps{
		Store:      store,
		Resolver:   targets.NewResolver(store),
		Dispatcher: dispatch.New(sender, store, dispatch.Config{Concurrency: 2}, logx.Nop()),
		Pool:       inlinePool{},
		Bus:        bus,
		Log:        logx.Nop(),
		Now:        clk.Now,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	return &harness{svc: New(cfg, deps), store: store, sender: sender, clock: clk, bus: bus}
}

func (h *harness) create(t *testing.T, j job.Job) job.Job {
	t.Helper()
	created, err := h.svc.CreateJob(context.Background(), j)
	require.NoError(t, err)
	return created
}

func (h *harness) get(t *testing.T, id string) job.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func ptr(t time.Time) *time.Time { return &t }

func onceJob(runAt time.Time, ids ...int64) job.Job {
	return job.Job{
		Title: "hello", Body: "world",
		TargetsMode: job.TargetsExplicit, TargetIDs: ids,
		Type: job.ScheduleOnce, RunAt: &runAt, Enabled: true,
	}
}

func TestPastOnceJobDispatchedExactlyOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	j := h.create(t, onceJob(now.Add(-time.Hour), 1, 2))

	n, err := h.svc.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.sender.Calls(1))
	assert.Equal(t, 1, h.sender.Calls(2))

	got := h.get(t, j.ID)
	assert.Equal(t, job.StatusDone, got.Status)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)
	assert.Empty(t, got.ClaimHolder)

	h.clock.Set(now.Add(time.Minute))
	n, err = h.svc.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, h.sender.TotalCalls())

	execs, err := h.store.ListExecutions(context.Background(), j.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, job.ExecutionID(j.ID, now.Add(-time.Hour)), execs[0].ID)
	assert.Equal(t, 2, execs[0].Sent)
}

func TestRecurringJobEndsAfterTickPastEndAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	j := h.create(t, job.Job{
		Title: "tick", TargetsMode: job.TargetsExplicit, TargetIDs: []int64{5},
		Type: job.ScheduleRecurring, Cron: "*/15 * * * *", Timezone: "UTC",
		EndAt: ptr(now.Add(10 * time.Minute)), Enabled: true,
	})
	require.NotNil(t, j.NextRunAt)

	n, err := h.svc.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := h.get(t, j.ID)
	assert.Equal(t, job.StatusEnded, got.Status)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)
	assert.Equal(t, job.StatusSent, got.LastOutcome)
}

func TestPollSkipsClaimedJobs(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	j := h.create(t, onceJob(now.Add(-time.Minute), 1))
	require.NoError(t, h.store.Claim(context.Background(), j.ID, "other-process", time.Minute))

	n, err := h.svc.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.sender.TotalCalls())

	// The foreign lease expires and the job becomes eligible again.
	h.clock.Set(now.Add(2 * time.Minute))
	n, err = h.svc.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, job.StatusDone, h.get(t, j.ID).Status)
}

type scriptedDispatcher struct {
	mu       sync.Mutex
	execIDs  []string
	outcomes []dispatch.Outcome
}

func (d *scriptedDispatcher) Execute(_ context.Context, req dispatch.Request) dispatch.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execIDs = append(d.execIDs, req.ExecutionID)
	out := d.outcomes[0]
	if len(d.outcomes) > 1 {
		d.outcomes = d.outcomes[1:]
	}
	return out
}

func TestIncompleteExecutionReplaysUnderSameID(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	disp := &scriptedDispatcher{outcomes: []dispatch.Outcome{
		{Status: job.StatusSent, Targets: 2, Sent: 1, Abandoned: 1},
		{Status: job.StatusSent, Targets: 2, Sent: 1, Replayed: 1},
	}}
	h := newHarness(t, now, func(_ *Config, d *Deps) { d.Dispatcher = disp })
	abandoned, unsub := h.bus.Subscribe(4, eventbus.ExecutionAbandoned)
	defer unsub()
	j := h.create(t, onceJob(now.Add(-time.Minute), 1, 2))

	_, err := h.svc.Poll(context.Background())
	require.NoError(t, err)
	mid := h.get(t, j.ID)
	assert.True(t, mid.Enabled, "job state is untouched")
	assert.Equal(t, job.StatusScheduled, mid.Status)
	assert.Empty(t, mid.ClaimHolder)
	assert.Len(t, abandoned, 1)

	_, err = h.svc.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, disp.execIDs, 2)
	assert.Equal(t, disp.execIDs[0], disp.execIDs[1])
	assert.Equal(t, job.StatusDone, h.get(t, j.ID).Status)
}

func TestRunNowKeepsPendingOccurrence(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
	h := newHarness(t, now)
	j := h.create(t, job.Job{
		Title: "daily", TargetsMode: job.TargetsExplicit, TargetIDs: []int64{9},
		Type: job.ScheduleRecurring, Cron: "0 9 * * *", Timezone: "UTC", Enabled: true,
	})
	_, err := h.svc.SetEnabled(context.Background(), j.ID, false)
	require.NoError(t, err)

	rep, err := h.svc.RunNow(context.Background(), j.ID)
	require.NoError(t, err)
	assert.True(t, rep.Manual)
	assert.True(t, rep.Persisted)
	assert.True(t, strings.HasPrefix(rep.ExecutionID, j.ID+"@manual-"))
	assert.Equal(t, job.StatusSent, rep.Outcome.Status)
	assert.Equal(t, 1, h.sender.Calls(9))

	got := h.get(t, j.ID)
	assert.False(t, got.Enabled, "run-now does not resume a paused job")
	require.NotNil(t, got.NextRunAt)
	assert.True(t, j.NextRunAt.Equal(*got.NextRunAt))
	require.NotNil(t, got.LastRunAt)
	assert.True(t, now.Equal(*got.LastRunAt))
}

func TestRunNowClaimContention(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	j := h.create(t, onceJob(now.Add(time.Hour), 1))
	require.NoError(t, h.store.Claim(context.Background(), j.ID, "poller", time.Minute))

	_, err := h.svc.RunNow(context.Background(), j.ID)
	assert.True(t, errors.Is(err, storage.ErrClaimContention))
	assert.Zero(t, h.sender.TotalCalls())

	_, err = h.svc.RunNow(context.Background(), "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSetEnabled(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
	h := newHarness(t, now)
	ctx := context.Background()

	rec := h.create(t, job.Job{
		Title: "q", TargetsMode: job.TargetsAll,
		Type: job.ScheduleRecurring, Cron: "*/15 * * * *", Timezone: "UTC", Enabled: true,
	})
	_, err := h.svc.SetEnabled(ctx, rec.ID, false)
	require.NoError(t, err)

	h.clock.Set(now.Add(2 * time.Hour))
	resumed, err := h.svc.SetEnabled(ctx, rec.ID, true)
	require.NoError(t, err)
	assert.True(t, resumed.Enabled)
	require.NotNil(t, resumed.NextRunAt)
	assert.True(t, time.Date(2024, 3, 1, 12, 15, 0, 0, time.UTC).Equal(*resumed.NextRunAt))

	once := h.create(t, onceJob(now.Add(-time.Minute), 1))
	_, err = h.svc.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, job.StatusDone, h.get(t, once.ID).Status)
	_, err = h.svc.SetEnabled(ctx, once.ID, true)
	assert.True(t, errors.Is(err, ErrNotResumable))
}

func TestCloneAsOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	src := h.create(t, job.Job{
		Title: "<b>x</b>", Body: "body", ImageURLs: []string{"https://example.com/a.png"},
		ParseMode: job.ParseHTML, TargetsMode: job.TargetsExplicit, TargetIDs: []int64{3, 1},
		Type: job.ScheduleRecurring, Cron: "0 9 * * *", Timezone: "Asia/Jakarta", Enabled: true,
	})

	clone, err := h.svc.CloneAsOnce(context.Background(), src.ID, "2024-03-02T08:30", "")
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, clone.ID)
	assert.Equal(t, job.ScheduleOnce, clone.Type)
	assert.Equal(t, "Asia/Jakarta", clone.Timezone)
	assert.Equal(t, []int64{1, 3}, clone.TargetIDs)
	assert.Equal(t, src.ImageURLs, clone.ImageURLs)
	require.NotNil(t, clone.NextRunAt)
	assert.True(t, time.Date(2024, 3, 2, 1, 30, 0, 0, time.UTC).Equal(*clone.NextRunAt))

	_, err = h.svc.CloneAsOnce(context.Background(), src.ID, "tomorrow", "UTC")
	assert.True(t, job.IsValidation(err))
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	_, err := h.svc.CreateJob(context.Background(), job.Job{
		Title: "x", TargetsMode: job.TargetsAll, Type: job.ScheduleRecurring, Cron: "61 * * * *",
	})
	assert.True(t, job.IsValidation(err))

	unsat, err := h.svc.CreateJob(context.Background(), job.Job{
		Title: "x", TargetsMode: job.TargetsAll, Type: job.ScheduleRecurring, Cron: "0 0 31 2 *", Enabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusEnded, unsat.Status)
	assert.False(t, unsat.Enabled)
}

type failingStore struct {
	storage.Store
	err error
}

func (f failingStore) FetchDue(context.Context, time.Time, int) ([]job.Job, error) {
	return nil, f.err
}

func TestStoreFailuresBecomeFatal(t *testing.T) {
	t.Parallel()
	var fatal atomic.Int32
	var healthy atomic.Int32
	h := newHarness(t, time.Now(), func(c *Config, d *Deps) {
		c.MaxStoreFailures = 2
		d.Store = failingStore{Store: d.Store, err: errors.New("disk I/O error")}
		d.Fatal = func(error) { fatal.Add(1) }
		d.Healthy = func() { healthy.Add(1) }
	})
	for i := 0; i < 3; i++ {
		_, err := h.svc.Poll(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, int32(1), fatal.Load())
	assert.Zero(t, healthy.Load())
	assert.Equal(t, 3, h.svc.Snapshot().StoreFailures)
}

func TestHousekeepPrunesOldHistory(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now, func(c *Config, _ *Deps) { c.Retention = 24 * time.Hour })
	h.create(t, onceJob(now.Add(-time.Minute), 1))
	_, err := h.svc.Poll(context.Background())
	require.NoError(t, err)

	h.clock.Set(now.Add(48 * time.Hour))
	n, err := h.svc.Housekeep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "one delivery and one execution")
}

func TestPollThroughEnginePool(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	pool := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	h := newHarness(t, now, func(_ *Config, d *Deps) { d.Pool = pool })
	finished, unsub := h.bus.Subscribe(4, eventbus.ExecutionFinished)
	defer unsub()
	j := h.create(t, onceJob(now.Add(-time.Second), 7))

	n, err := h.svc.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case e := <-finished:
		rep := e.Data.(Report)
		assert.Equal(t, j.ID, rep.JobID)
		assert.Equal(t, job.StatusDone, rep.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}
	assert.Equal(t, 1, h.sender.Calls(7))
}

func TestPermanentFailureRecordsError(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.sender.Fail(1, transport.Permanent(errors.New("have no rights to send")))
	j := h.create(t, onceJob(now.Add(-time.Minute), 1))

	_, err := h.svc.Poll(context.Background())
	require.NoError(t, err)
	got := h.get(t, j.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.LastError, "no rights")
	assert.Equal(t, 1, h.sender.Calls(1))
}

type rejectingPool struct{ err error }

func (p rejectingPool) Enqueue(engine.Task) error { return p.err }

type abandoningPool struct{}

func (abandoningPool) Enqueue(t engine.Task) error {
	t.Abandon(engine.ErrStopped)
	return nil
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, *job.Job) ([]int64, error) {
	return nil, errors.New("targets unavailable")
}

// finishedOnce runs a past once job to done on a normal harness and
// returns the row as it looked before the run.
func finishedOnce(t *testing.T, h *harness, now time.Time) job.Job {
	t.Helper()
	j := h.create(t, onceJob(now.Add(-time.Hour), 1))
	stale := h.get(t, j.ID)
	_, err := h.svc.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, job.StatusDone, h.get(t, j.ID).Status)
	return stale
}

func TestStaleCandidateKeepsTerminalStatus(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	stale := finishedOnce(t, h, now)

	assert.False(t, h.svc.claimDue(context.Background(), stale, h.svc.config(), now))
	got := h.get(t, stale.ID)
	assert.Equal(t, job.StatusDone, got.Status)
	assert.False(t, got.Enabled)
	assert.Empty(t, got.ClaimHolder)
	assert.Equal(t, 1, h.sender.TotalCalls())
}

func TestFailedManualRunKeepsStatus(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		mutate func(*Config, *Deps)
	}{
		{"pool rejects", func(_ *Config, d *Deps) { d.Pool = rejectingPool{err: engine.ErrQueueFull} }},
		{"pool abandons", func(_ *Config, d *Deps) { d.Pool = abandoningPool{} }},
		{"resolve fails", func(_ *Config, d *Deps) { d.Resolver = failingResolver{} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, now)
			j := finishedOnce(t, h, now)

			// Swap the dependency after the job has finished normally.
			broken := newHarness(t, now, func(c *Config, d *Deps) {
				d.Store, d.Dispatcher = h.store, dispatch.New(h.sender, h.store, dispatch.Config{Concurrency: 1}, logx.Nop())
				d.Resolver = targets.NewResolver(h.store)
				tt.mutate(c, d)
			})
			_, err := broken.svc.RunNow(context.Background(), j.ID)
			require.Error(t, err)

			got := h.get(t, j.ID)
			assert.Equal(t, job.StatusDone, got.Status)
			assert.False(t, got.Enabled)
			assert.Empty(t, got.ClaimHolder)
		})
	}
}
