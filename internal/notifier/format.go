package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"

	"pewcast/internal/job"
	"pewcast/internal/task/scheduler"
)

const maxListedFailures = 10

// wanted reports whether rep passes the OnlyFailures filter.
func wanted(cfg Config, rep scheduler.Report) bool {
	if !cfg.OnlyFailures {
		return true
	}
	o := rep.Outcome
	return !rep.Persisted || o.Failed > 0 || o.Status != job.StatusSent
}

// formatReport renders rep as Telegram HTML.
func formatReport(rep scheduler.Report, now time.Time) string {
	o := rep.Outcome
	var b strings.Builder

	icon := "✅"
	switch {
	case !rep.Persisted:
		icon = "⏸"
	case o.Status == job.StatusNoTargets:
		icon = "∅"
	case o.Status != job.StatusSent:
		icon = "❌"
	case o.Failed > 0:
		icon = "⚠️"
	}
	title := rep.Title
	if strings.TrimSpace(title) == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(&b, "%s <b>%s</b>\n", icon, html.EscapeString(title))

	kind := "scheduled"
	if rep.Manual {
		kind = "manual"
	}
	fmt.Fprintf(&b, "job <code>%s</code> · %s · %s\n", html.EscapeString(rep.JobID), kind, string(rep.Status))

	if !rep.Persisted {
		fmt.Fprintf(&b, "interrupted: %d not started, %d unrecorded; will replay\n", o.Abandoned, o.Unrecorded)
	}
	fmt.Fprintf(&b, "sent %s/%s", humanize.Comma(int64(o.Sent)), humanize.Comma(int64(o.Targets)))
	if o.Failed > 0 {
		fmt.Fprintf(&b, " · failed %s", humanize.Comma(int64(o.Failed)))
	}
	if o.Replayed > 0 {
		fmt.Fprintf(&b, " · already delivered %s", humanize.Comma(int64(o.Replayed)))
	}
	b.WriteByte('\n')

	if len(o.Failures) > 0 {
		ids := make([]string, 0, maxListedFailures)
		for i, id := range o.Failures {
			if i == maxListedFailures {
				ids = append(ids, fmt.Sprintf("+%d more", len(o.Failures)-maxListedFailures))
				break
			}
			ids = append(ids, fmt.Sprintf("%d", id))
		}
		fmt.Fprintf(&b, "failed targets: %s\n", strings.Join(ids, ", "))
	}
	if o.FirstError != "" {
		fmt.Fprintf(&b, "error: <i>%s</i>\n", html.EscapeString(truncate(o.FirstError, 300)))
	}
	if rep.NextRunAt != nil {
		fmt.Fprintf(&b, "next run %s\n", humanize.RelTime(*rep.NextRunAt, now, "ago", "from now"))
	}
	fmt.Fprintf(&b, "took %s", rep.Duration.Round(time.Millisecond))
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
