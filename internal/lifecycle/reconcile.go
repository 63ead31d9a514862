// Package lifecycle applies the job state machine after an execution.
//
//	scheduled -> running -> (once)      done | error | no_targets, disabled
//	                     -> (recurring) scheduled with the next occurrence,
//	                                    or ended once past end_at
//
// Everything here is pure; callers persist the returned Transition.
package lifecycle

import (
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/job"
	"pewcast/internal/recurrence"
)

// Transition is the job state to persist.
type Transition struct {
	Status      job.Status
	LastOutcome job.Status
	Enabled     bool
	NextRunAt   *time.Time
	LastRunAt   *time.Time
	LastError   string
}

// Input describes a finished execution.
type Input struct {
	// Outcome is the aggregated dispatch status: sent, error or no_targets.
	Outcome job.Status
	// At is when the execution started.
	At time.Time
	// Manual marks a run-now execution.
	Manual    bool
	LastError string
}

// Reconcile computes the state after j ran.
func Reconcile(j *job.Job, in Input) Transition {
	at := in.At.UTC()
	tr := Transition{
		LastOutcome: in.Outcome,
		LastRunAt:   &at,
		LastError:   in.LastError,
	}

	if j.IsOnce() {
		switch in.Outcome {
		case job.StatusSent:
			tr.Status = job.StatusDone
		case job.StatusNoTargets:
			tr.Status = job.StatusNoTargets
		default:
			tr.Status = job.StatusError
		}
		tr.LastOutcome = tr.Status
		return tr
	}

	tr.Enabled = j.Enabled
	// A manual run leaves a pending future occurrence in place.
	if in.Manual && j.NextRunAt != nil && j.NextRunAt.After(at) && !pastEnd(j, *j.NextRunAt) {
		next := *j.NextRunAt
		tr.Status, tr.NextRunAt = job.StatusScheduled, &next
		return tr
	}

	// Searching from max(next_run_at, now) keeps successive values strictly
	// increasing and skips firings missed while the process was down.
	from := at
	if j.NextRunAt != nil && j.NextRunAt.After(from) {
		from = *j.NextRunAt
	}
	next, err := recurrence.Next(j.Cron, j.Timezone, from)
	if err != nil || pastEnd(j, next) {
		tr.Status, tr.Enabled, tr.NextRunAt = job.StatusEnded, false, nil
		if err != nil && !isUnsatisfiable(err) && tr.LastError == "" {
			tr.LastError = err.Error()
		}
		return tr
	}
	tr.Status, tr.NextRunAt = job.StatusScheduled, &next
	return tr
}

// Initial computes next_run_at for a newly created job. Past run_at values
// of once jobs are kept as-is and are due on the first poll.
func Initial(j *job.Job, now time.Time) Transition {
	tr := Transition{Status: job.StatusScheduled, Enabled: j.Enabled}
	if j.IsOnce() {
		if j.RunAt != nil {
			t := j.RunAt.UTC()
			tr.NextRunAt = &t
		}
		return tr
	}
	// Earliest occurrence at or after now.
	next, err := recurrence.Next(j.Cron, j.Timezone, now.Add(-time.Nanosecond))
	if err != nil || pastEnd(j, next) {
		tr.Status, tr.Enabled = job.StatusEnded, false
		if err != nil && !isUnsatisfiable(err) {
			tr.LastError = err.Error()
		}
		return tr
	}
	tr.NextRunAt = &next
	return tr
}

// Resume returns the next_run_at to store when a job is re-enabled, or nil
// to keep the stored value. Only recurring jobs with a missing or past
// next_run_at are recomputed.
func Resume(j *job.Job, now time.Time) *time.Time {
	if j.IsOnce() || j.Status == job.StatusEnded && j.EndAt != nil && !j.EndAt.After(now) {
		return nil
	}
	if j.NextRunAt != nil && !j.NextRunAt.Before(now) {
		return nil
	}
	tr := Initial(j, now)
	return tr.NextRunAt
}

// Apply copies tr onto j.
func (tr Transition) Apply(j *job.Job) {
	j.Status = tr.Status
	j.LastOutcome = tr.LastOutcome
	j.Enabled = tr.Enabled
	j.NextRunAt = tr.NextRunAt
	if tr.LastRunAt != nil {
		j.LastRunAt = tr.LastRunAt
	}
	j.LastError = tr.LastError
}

func pastEnd(j *job.Job, t time.Time) bool {
	return j.EndAt != nil && t.After(*j.EndAt)
}

func isUnsatisfiable(err error) bool {
	var ue *recurrence.UnsatisfiableScheduleError
	return errors.As(err, &ue)
}
