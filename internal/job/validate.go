package job

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"pewcast/internal/recurrence"
)

// ValidationError rejects a job at creation time. It never reaches the engine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Normalize fills defaults and validates j in place.
func (j *Job) Normalize() error {
	j.Title = strings.TrimSpace(j.Title)
	j.Body = strings.TrimSpace(j.Body)

	urls := j.ImageURLs[:0:0]
	for _, raw := range j.ImageURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("image_urls", "%q is not an absolute http(s) URL", raw)
		}
		urls = append(urls, raw)
	}
	if len(urls) > MaxImages {
		return errors.WithHint(invalid("image_urls", "%d images given", len(urls)),
			fmt.Sprintf("at most %d images fit in one album", MaxImages))
	}
	j.ImageURLs = urls
	if j.Title == "" && j.Body == "" && len(j.ImageURLs) == 0 {
		return invalid("content", "title, body and images are all empty")
	}

	switch strings.ToLower(strings.TrimSpace(string(j.ParseMode))) {
	case "", "none", "plain":
		j.ParseMode = ParsePlain
	case "html":
		j.ParseMode = ParseHTML
	case "markdown":
		j.ParseMode = ParseMarkdown
	default:
		return invalid("parse_mode", "unsupported %q", j.ParseMode)
	}

	switch j.TargetsMode {
	case TargetsAll:
		j.TargetIDs = nil
	case TargetsExplicit:
		ids := slices.Clone(j.TargetIDs)
		slices.Sort(ids)
		ids = slices.Compact(ids)
		if len(ids) == 0 {
			return invalid("target_ids", "explicit targeting needs at least one target")
		}
		if slices.Contains(ids, 0) {
			return invalid("target_ids", "0 is not a chat id")
		}
		j.TargetIDs = ids
	default:
		return invalid("targets_mode", "must be %q or %q", TargetsAll, TargetsExplicit)
	}

	switch j.Type {
	case ScheduleOnce:
		if j.RunAt == nil || j.RunAt.IsZero() {
			return invalid("run_at", "required for once jobs")
		}
		j.Cron = ""
		j.EndAt = nil
		if strings.TrimSpace(j.Timezone) == "" {
			j.Timezone = DefaultTimezone
		}
		if _, err := recurrence.LoadLocation(j.Timezone); err != nil {
			return invalid("timezone", "unknown zone %q", j.Timezone)
		}
	case ScheduleRecurring:
		s, err := recurrence.Parse(j.Cron)
		if err != nil {
			return errors.WithHint(invalid("cron", "%v", err),
				"use five fields: minute hour day-of-month month day-of-week")
		}
		j.Cron = s.String()
		if strings.TrimSpace(j.Timezone) == "" {
			j.Timezone = DefaultTimezone
		}
		if _, err := recurrence.LoadLocation(j.Timezone); err != nil {
			return invalid("timezone", "unknown zone %q", j.Timezone)
		}
		j.RunAt = nil
	default:
		return invalid("schedule_type", "must be %q or %q", ScheduleOnce, ScheduleRecurring)
	}

	if j.Status == "" {
		j.Status = StatusScheduled
	} else if !j.Status.Valid() {
		return invalid("status", "unknown %q", j.Status)
	}
	return nil
}

// ParseLocalTime reads an instant from API input. RFC 3339 values carry
// their own offset; naive values ("2006-01-02T15:04[:05]") are read in tz.
func ParseLocalTime(v, tz string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	loc, err := recurrence.LoadLocation(tz)
	if err != nil {
		return time.Time{}, invalid("timezone", "unknown zone %q", tz)
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, invalid("time", "cannot parse %q", v)
}
