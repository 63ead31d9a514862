package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/job"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	// ErrClaimContention means another holder owns an unexpired claim, or
	// the caller's claim was taken over after its lease expired.
	ErrClaimContention = errors.New("storage: job claimed by another holder")
	// ErrDuplicate means a delivery for (job, execution, target) exists.
	ErrDuplicate = errors.New("storage: delivery already recorded")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": process-local maps (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Now overrides the clock used for claims and timestamps.
	Now func() time.Time
}

// Result is the state written back after an execution.
type Result struct {
	Status      job.Status
	LastOutcome job.Status
	Enabled     bool
	NextRunAt   *time.Time
	LastRunAt   *time.Time
	LastError   string
}

// JobStore is the persistence surface the scheduler needs for jobs.
type JobStore interface {
	// FetchDue returns enabled, unclaimed jobs with next_run_at <= now (and
	// <= end_at for recurring jobs), oldest first.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]job.Job, error)
	// Claim atomically takes the execution claim. It fails with
	// ErrClaimContention while another holder's lease is unexpired.
	Claim(ctx context.Context, jobID, holder string, lease time.Duration) error
	Renew(ctx context.Context, jobID, holder string, lease time.Duration) error
	Release(ctx context.Context, jobID, holder string) error
	// PersistResult writes r only while holder still owns the claim.
	PersistResult(ctx context.Context, jobID, holder string, r Result) error

	GetJob(ctx context.Context, jobID string) (job.Job, error)
	ListJobs(ctx context.Context, limit int) ([]job.Job, error)
	CreateJob(ctx context.Context, j *job.Job) error
	// SetEnabled toggles enabled. A non-nil next replaces next_run_at and
	// resets status to scheduled.
	SetEnabled(ctx context.Context, jobID string, enabled bool, next *time.Time) error
}

// Ledger records one terminal delivery per (job, execution, target).
type Ledger interface {
	LookupDelivery(ctx context.Context, jobID, executionID string, targetID int64) (job.Delivery, bool, error)
	// RecordDelivery returns ErrDuplicate if the triple already exists.
	RecordDelivery(ctx context.Context, d job.Delivery) error
	ListDeliveries(ctx context.Context, jobID string, limit int) ([]job.Delivery, error)
}

// ExecutionLog keeps per-execution summaries.
type ExecutionLog interface {
	// StartExecution is idempotent for a replayed execution id.
	StartExecution(ctx context.Context, e job.Execution) error
	FinishExecution(ctx context.Context, e job.Execution) error
	ListExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error)
}

// TargetStore persists the target registry.
type TargetStore interface {
	UpsertTarget(ctx context.Context, t job.Target) error
	SetTargetActive(ctx context.Context, chatID int64, active bool) error
	ListTargets(ctx context.Context, activeOnly bool) ([]job.Target, error)
}

// Store is the full persistence API.
type Store interface {
	JobStore
	Ledger
	ExecutionLog
	TargetStore

	// Prune deletes deliveries and finished executions created before t.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
