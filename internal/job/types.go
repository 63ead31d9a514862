package job

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusSent      Status = "sent"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusNoTargets Status = "no_targets"
	StatusEnded     Status = "ended"
)

var statuses = map[Status]struct{}{
	StatusScheduled: {}, StatusRunning: {}, StatusSent: {}, StatusDone: {},
	StatusError: {}, StatusNoTargets: {}, StatusEnded: {},
}

func (s Status) Valid() bool { _, ok := statuses[s]; return ok }

// ParseStatus rejects strings outside the closed set.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

type ScheduleType string

const (
	ScheduleOnce      ScheduleType = "once"
	ScheduleRecurring ScheduleType = "recurring"
)

type TargetsMode string

const (
	TargetsAll      TargetsMode = "all"
	TargetsExplicit TargetsMode = "explicit"
)

type ParseMode string

const (
	ParsePlain    ParseMode = ""
	ParseHTML     ParseMode = "HTML"
	ParseMarkdown ParseMode = "Markdown"
)

// DefaultTimezone applies when a recurring job omits its zone.
const DefaultTimezone = "America/Los_Angeles"

// MaxImages is the largest album the transport accepts.
const MaxImages = 10

// Job is a schedulable unit of work.
type Job struct {
	ID string `json:"id"`

	Title          string    `json:"title"`
	Body           string    `json:"body"`
	ImageURLs      []string  `json:"image_urls,omitempty"`
	ParseMode      ParseMode `json:"parse_mode"`
	DisablePreview bool      `json:"disable_preview"`

	TargetsMode TargetsMode `json:"targets_mode"`
	TargetIDs   []int64     `json:"target_ids,omitempty"`

	Type     ScheduleType `json:"schedule_type"`
	RunAt    *time.Time   `json:"run_at,omitempty"`
	Cron     string       `json:"cron,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
	EndAt    *time.Time   `json:"end_at,omitempty"`

	Enabled bool   `json:"enabled"`
	Status  Status `json:"status"`
	// LastOutcome is the per-tick result of the most recent execution of a
	// recurring job; Status returns to scheduled after each tick.
	LastOutcome Status     `json:"last_outcome,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	ClaimHolder string     `json:"-"`
	ClaimUntil  *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *Job) IsOnce() bool { return j.Type == ScheduleOnce }

// DeliveryStatus is the terminal per-target outcome of one execution.
type DeliveryStatus string

const (
	DeliverySent            DeliveryStatus = "sent"
	DeliveryFailedTransient DeliveryStatus = "failed_transient"
	DeliveryFailedPermanent DeliveryStatus = "failed_permanent"
)

// Delivery is one outcome per (JobID, ExecutionID, TargetID).
type Delivery struct {
	JobID       string         `json:"job_id"`
	ExecutionID string         `json:"execution_id"`
	TargetID    int64          `json:"target_id"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	MessageIDs  []int          `json:"message_ids,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Execution summarizes one firing of a job.
type Execution struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	Manual     bool       `json:"manual"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    Status     `json:"outcome,omitempty"`
	Targets    int        `json:"targets"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
}

// Target is a destination known to the registry.
type Target struct {
	ChatID     int64     `json:"chat_id"`
	Title      string    `json:"title"`
	Type       string    `json:"type"`
	Active     bool      `json:"active"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ExecutionID derives the id of a scheduled firing. A replay of the same
// firing after a crash produces the same id.
func ExecutionID(jobID string, scheduledAt time.Time) string {
	return fmt.Sprintf("%s@%d", jobID, scheduledAt.Unix())
}
