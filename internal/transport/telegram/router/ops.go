package router

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	humanize "github.com/dustin/go-humanize"

	"pewcast/internal/job"
	"pewcast/internal/task/scheduler"
)

const maxListed = 30

// Ops is what the operator commands drive.
type Ops interface {
	Snapshot() scheduler.Snapshot
	RunNow(ctx context.Context, jobID string) (scheduler.Report, error)
	SetEnabled(ctx context.Context, jobID string, enabled bool) (job.Job, error)
	CloneAsOnce(ctx context.Context, jobID, runAt, tz string) (job.Job, error)

	GetJob(ctx context.Context, jobID string) (job.Job, error)
	ListJobs(ctx context.Context, limit int) ([]job.Job, error)
	ListExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error)
	ListTargets(ctx context.Context, activeOnly bool) ([]job.Target, error)
}

var errUsage = errors.New("missing argument, see /help")

// OpsCommands builds the owner-only operator command set.
func OpsCommands(ops Ops, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	needID := func(req *Request) (string, error) {
		id := strings.TrimSpace(req.Arg(0))
		if id == "" {
			return "", errUsage
		}
		return id, nil
	}
	return []Command{
		{
			Name:        "status",
			Description: "scheduler status",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				req.Reply(ctx, formatStatus(ops.Snapshot(), now()))
				return nil
			},
		},
		{
			Name:        "jobs",
			Description: "list jobs",
			Usage:       "/jobs [limit]",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				limit := maxListed
				if n, err := strconv.Atoi(req.Arg(0)); err == nil && n > 0 {
					limit = min(n, 100)
				}
				jobs, err := ops.ListJobs(ctx, limit)
				if err != nil {
					return err
				}
				req.Reply(ctx, formatJobs(jobs, now()))
				return nil
			},
		},
		{
			Name:        "job",
			Description: "show a job and its recent executions",
			Usage:       "/job <id>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				id, err := needID(req)
				if err != nil {
					return err
				}
				j, err := ops.GetJob(ctx, id)
				if err != nil {
					return err
				}
				execs, err := ops.ListExecutions(ctx, id, 5)
				if err != nil {
					return err
				}
				req.Reply(ctx, formatJob(j, execs, now()))
				return nil
			},
		},
		{
			Name:        "run",
			Aliases:     []string{"runnow"},
			Description: "run a job now",
			Usage:       "/run <id>",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Minute,
			Handle: func(ctx context.Context, req *Request) error {
				id, err := needID(req)
				if err != nil {
					return err
				}
				rep, err := ops.RunNow(ctx, id)
				if err != nil {
					return err
				}
				o := rep.Outcome
				req.Reply(ctx, fmt.Sprintf("▶️ <code>%s</code> %s · sent %d/%d · failed %d · took %s",
					html.EscapeString(rep.JobID), rep.Status, o.Sent, o.Targets, o.Failed, rep.Duration.Round(time.Millisecond)))
				return nil
			},
		},
		{
			Name:        "pause",
			Description: "disable a job",
			Usage:       "/pause <id>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				id, err := needID(req)
				if err != nil {
					return err
				}
				if _, err := ops.SetEnabled(ctx, id, false); err != nil {
					return err
				}
				req.Reply(ctx, "⏸ paused <code>"+html.EscapeString(id)+"</code>")
				return nil
			},
		},
		{
			Name:        "resume",
			Description: "enable a job",
			Usage:       "/resume <id>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				id, err := needID(req)
				if err != nil {
					return err
				}
				j, err := ops.SetEnabled(ctx, id, true)
				if err != nil {
					return err
				}
				req.Reply(ctx, "▶️ resumed <code>"+html.EscapeString(id)+"</code>, next "+relTime(j.NextRunAt, now()))
				return nil
			},
		},
		{
			Name:        "clone",
			Description: "copy a job as a new once job",
			Usage:       `/clone <id> "2006-01-02 15:04" [--tz Zone]`,
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				id, err := needID(req)
				if err != nil {
					return err
				}
				if req.Arg(1) == "" {
					return errUsage
				}
				j, err := ops.CloneAsOnce(ctx, id, req.Arg(1), req.Flags["tz"])
				if err != nil {
					return err
				}
				req.Reply(ctx, "🆕 <code>"+html.EscapeString(j.ID)+"</code> due "+relTime(j.NextRunAt, now()))
				return nil
			},
		},
		{
			Name:        "targets",
			Description: "list active targets",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				ts, err := ops.ListTargets(ctx, true)
				if err != nil {
					return err
				}
				req.Reply(ctx, formatTargets(ts, now()))
				return nil
			},
		},
	}
}

func relTime(t *time.Time, now time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

func formatStatus(s scheduler.Snapshot, now time.Time) string {
	lines := []string{"🩺 <b>Scheduler</b>"}
	state := "stopped"
	if s.Running {
		state = "running, every " + s.PollInterval
	}
	lines = append(lines, state)
	if !s.LastPollAt.IsZero() {
		lines = append(lines, "last poll "+humanize.RelTime(s.LastPollAt, now, "ago", "from now"))
	}
	if s.LastPollError != "" {
		lines = append(lines, fmt.Sprintf("⚠️ %d failed poll(s): <i>%s</i>", s.StoreFailures, html.EscapeString(s.LastPollError)))
	}
	lines = append(lines, fmt.Sprintf("claimed %s · executed %s · replays %s",
		humanize.Comma(int64(s.Claimed)), humanize.Comma(int64(s.Executed)), humanize.Comma(int64(s.Replays))))
	return strings.Join(lines, "\n")
}

func formatJobs(jobs []job.Job, now time.Time) string {
	if len(jobs) == 0 {
		return "no jobs"
	}
	lines := []string{fmt.Sprintf("🗂 <b>%d job(s)</b>", len(jobs))}
	for _, j := range jobs {
		icon := "▶️"
		if !j.Enabled {
			icon = "⏸"
		}
		title := j.Title
		if title == "" {
			title = "(untitled)"
		}
		lines = append(lines, fmt.Sprintf("%s <code>%s</code> %s · %s · next %s",
			icon, html.EscapeString(j.ID), html.EscapeString(truncate(title, 40)), j.Status, relTime(j.NextRunAt, now)))
	}
	return strings.Join(lines, "\n")
}

func formatJob(j job.Job, execs []job.Execution, now time.Time) string {
	sched := "once, " + relTime(j.RunAt, now)
	if j.Type == job.ScheduleRecurring {
		sched = fmt.Sprintf("<code>%s</code> (%s)", html.EscapeString(j.Cron), html.EscapeString(j.Timezone))
	}
	lines := []string{
		"📄 <b>" + html.EscapeString(j.Title) + "</b>",
		"id <code>" + html.EscapeString(j.ID) + "</code>",
		"schedule " + sched,
		fmt.Sprintf("status %s · enabled %t", j.Status, j.Enabled),
		"next " + relTime(j.NextRunAt, now) + " · last " + relTime(j.LastRunAt, now),
	}
	if j.LastError != "" {
		lines = append(lines, "error <i>"+html.EscapeString(truncate(j.LastError, 200))+"</i>")
	}
	if len(execs) > 0 {
		lines = append(lines, "", "<b>Recent</b>")
		for _, e := range execs {
			kind := ""
			if e.Manual {
				kind = " (manual)"
			}
			lines = append(lines, fmt.Sprintf("• %s%s %s · sent %d/%d",
				humanize.RelTime(e.StartedAt, now, "ago", "from now"), kind, e.Outcome, e.Sent, e.Targets))
		}
	}
	return strings.Join(lines, "\n")
}

func formatTargets(ts []job.Target, now time.Time) string {
	if len(ts) == 0 {
		return "no active targets"
	}
	lines := []string{fmt.Sprintf("🎯 <b>%d active target(s)</b>", len(ts))}
	for i, t := range ts {
		if i == maxListed {
			lines = append(lines, fmt.Sprintf("+%d more", len(ts)-maxListed))
			break
		}
		lines = append(lines, fmt.Sprintf("• <code>%d</code> %s · seen %s",
			t.ChatID, html.EscapeString(truncate(t.Title, 40)), humanize.RelTime(t.LastSeenAt, now, "ago", "from now")))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
