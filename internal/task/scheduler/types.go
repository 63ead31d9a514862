// Package scheduler runs the poll loop that turns due jobs into executions,
// plus the manual operations (run now, pause/resume, clone) and daily
// housekeeping.
//
// A poll claims each due job, hands it to the engine pool, and the execution
// resolves targets, dispatches, reconciles the job state machine and
// persists the result before releasing the claim. An execution cut short by
// shutdown releases its claim without persisting, so the next poll replays
// it under the same execution id.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pewcast/internal/dispatch"
	"pewcast/internal/eventbus"
	"pewcast/internal/job"
	"pewcast/internal/storage"
	"pewcast/internal/task/engine"
	logx "pewcast/pkg/logx"
)

// Config controls polling, claims and housekeeping.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration

	DefaultTimezone string

	// MaxStoreFailures consecutive failed polls are fatal. 0 disables.
	MaxStoreFailures int

	// Retention bounds delivery and execution history. 0 disables pruning.
	Retention time.Duration
	// Housekeeping is the cron spec of the prune run.
	Housekeeping string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Minute
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = job.DefaultTimezone
	}
	if c.Housekeeping == "" {
		c.Housekeeping = "@daily"
	}
	return c
}

// Resolver maps a job to its destinations.
type Resolver interface {
	Resolve(ctx context.Context, j *job.Job) ([]int64, error)
}

// Dispatcher delivers one execution.
type Dispatcher interface {
	Execute(ctx context.Context, req dispatch.Request) dispatch.Outcome
}

// Pool runs executions with bounded concurrency.
type Pool interface {
	Enqueue(t engine.Task) error
}

// Deps are the collaborators of the scheduler.
type Deps struct {
	Store      storage.Store
	Resolver   Resolver
	Dispatcher Dispatcher
	Pool       Pool
	Bus        eventbus.Bus
	Log        logx.Logger

	// Now overrides the clock.
	Now func() time.Time
	// Healthy is called after every successful poll (service watchdog).
	Healthy func()
	// Fatal is called once MaxStoreFailures consecutive polls failed.
	Fatal func(err error)
}

// Report is published as an ExecutionFinished event and returned by RunNow.
type Report struct {
	JobID       string           `json:"job_id"`
	Title       string           `json:"title"`
	ExecutionID string           `json:"execution_id"`
	Manual      bool             `json:"manual"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
	Status      job.Status       `json:"status"`
	Outcome     dispatch.Outcome `json:"outcome"`
	NextRunAt   *time.Time       `json:"next_run_at,omitempty"`
	// Persisted is false when the execution was cut short and will replay.
	Persisted bool `json:"persisted"`
}

// Snapshot is a diagnostic view of the poll loop.
type Snapshot struct {
	Running       bool      `json:"running"`
	PollInterval  string    `json:"poll_interval"`
	LastPollAt    time.Time `json:"last_poll_at"`
	LastPollError string    `json:"last_poll_error,omitempty"`
	StoreFailures int       `json:"store_failures"`
	Claimed       uint64    `json:"claimed"`
	Executed      uint64    `json:"executed"`
	Replays       uint64    `json:"replays"`
	NextPoll      time.Time `json:"next_poll"`
	NextPrune     time.Time `json:"next_prune"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store      storage.Store
	resolver   Resolver
	dispatcher Dispatcher
	pool       Pool
	bus        eventbus.Bus
	now        func() time.Time
	healthy    func()
	fatal      func(err error)

	c         *cron.Cron
	pollEntry cron.EntryID
	gcEntry   cron.EntryID
	runCtx    context.Context

	smu           sync.Mutex
	lastPollAt    time.Time
	lastPollErr   string
	storeFailures int
	fatalOnce     sync.Once

	claimed  atomic.Uint64
	executed atomic.Uint64
	replays  atomic.Uint64
}

// run is one claimed execution.
type run struct {
	job    job.Job
	holder string
	execID string
	manual bool
	// done receives the report of a manual run.
	done chan runResult
}

type runResult struct {
	report Report
	err    error
}
