package recurrence

import (
	"fmt"
	"time"
)

// HorizonDays bounds the forward search. Four years always contains a
// February 29th, so any satisfiable day-of-month/month pair is found.
const HorizonDays = 4 * 366

// UnsatisfiableScheduleError is returned when no instant within the horizon
// matches the expression.
type UnsatisfiableScheduleError struct {
	Expr  string
	After time.Time
	Zone  string
}

func (e *UnsatisfiableScheduleError) Error() string {
	return fmt.Sprintf("recurrence: %q has no occurrence in %s within %d days after %s",
		e.Expr, e.Zone, HorizonDays, e.After.UTC().Format(time.RFC3339))
}

// Next returns the first instant strictly after `after` whose wall clock in
// loc matches every field.
//
// Candidates are whole minutes. The zone offset is resolved for each candidate
// separately, so DST changes between `after` and the result are honored.
// Wall-clock minutes skipped by a forward transition never match.
func (s *Schedule) Next(after time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start := after.Truncate(time.Minute).Add(time.Minute)

	y, m, d := start.In(loc).Date()
	// Walk calendar days on a zone-free clock; the zone is applied per minute.
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	for i := 0; i <= HorizonDays; i++ {
		cy, cm, cd := day.Date()
		if s.fields[fieldMonth].has(int(cm)) &&
			s.fields[fieldDom].has(cd) &&
			s.fields[fieldDow].has(int(day.Weekday())) {
			if t, ok := s.firstInDay(cy, cm, cd, start, loc); ok {
				return t, nil
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, &UnsatisfiableScheduleError{Expr: s.expr, After: after, Zone: loc.String()}
}

func (s *Schedule) firstInDay(y int, m time.Month, d int, notBefore time.Time, loc *time.Location) (time.Time, bool) {
	for h := 0; h < 24; h++ {
		if !s.fields[fieldHour].has(h) {
			continue
		}
		for mi := 0; mi < 60; mi++ {
			if !s.fields[fieldMinute].has(mi) {
				continue
			}
			t := time.Date(y, m, d, h, mi, 0, 0, loc)
			if t.Before(notBefore) {
				continue
			}
			// time.Date normalizes non-existent local times; reject them.
			lt := t.In(loc)
			if lt.Day() != d || lt.Hour() != h || lt.Minute() != mi {
				continue
			}
			return t, true
		}
	}
	return time.Time{}, false
}

// Matches reports whether t, read as a wall clock in loc, satisfies every
// field. Seconds are ignored.
func (s *Schedule) Matches(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return s.fields[fieldMinute].has(lt.Minute()) &&
		s.fields[fieldHour].has(lt.Hour()) &&
		s.fields[fieldDom].has(lt.Day()) &&
		s.fields[fieldMonth].has(int(lt.Month())) &&
		s.fields[fieldDow].has(int(lt.Weekday()))
}

// Next parses expr, resolves tz and returns the next occurrence after `after`.
func Next(expr, tz string, after time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(after, loc)
}

// NextN returns up to n successive occurrences after `after`.
func (s *Schedule) NextN(after time.Time, loc *time.Location, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	cur := after
	for len(out) < n {
		t, err := s.Next(cur, loc)
		if err != nil {
			return out, err
		}
		out = append(out, t)
		cur = t
	}
	return out, nil
}
