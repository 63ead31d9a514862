package recurrence

import (
	"fmt"
	"strconv"
	"strings"
)

// Field indexes, in expression order.
const (
	fieldMinute = iota
	fieldHour
	fieldDom
	fieldMonth
	fieldDow
)

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [5]bounds{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 6},
}

// set is a bitmask of allowed values for one field.
type set uint64

func (s set) has(v int) bool { return v >= 0 && v < 64 && s&(1<<uint(v)) != 0 }

func (s *set) add(v int) { *s |= 1 << uint(v) }

// Schedule is a parsed 5-field recurrence expression.
//
// Day-of-month and day-of-week are combined with AND. A wildcard sets every
// bit, so an unrestricted field never narrows the other.
type Schedule struct {
	expr   string
	fields [5]set
}

// String returns the normalized source expression.
func (s *Schedule) String() string { return s.expr }

// ParseError reports a malformed expression.
type ParseError struct {
	Expr   string
	Field  string
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("recurrence: invalid expression %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("recurrence: invalid %s %q in %q: %s", e.Field, e.Token, e.Expr, e.Reason)
}

// Parse parses a 5-field expression: minute hour day-of-month month day-of-week.
//
// Each field is "*", a literal, "*/N", or a comma list of literals. Ranges
// ("a-b", "a-b/N") are accepted inside lists. Day-of-week uses 0=Sunday and
// also accepts 7 as Sunday.
func Parse(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	norm := strings.Join(parts, " ")
	if len(parts) != 5 {
		return nil, &ParseError{Expr: norm, Reason: fmt.Sprintf("expected 5 fields, got %d", len(parts))}
	}
	s := &Schedule{expr: norm}
	for i, raw := range parts {
		bits, err := parseField(raw, i)
		if err != nil {
			err.Expr = norm
			return nil, err
		}
		s.fields[i] = bits
	}
	return s, nil
}

func parseField(raw string, idx int) (set, *ParseError) {
	b := fieldBounds[idx]
	fail := func(tok, reason string) *ParseError {
		return &ParseError{Field: b.name, Token: tok, Reason: reason}
	}

	var out set
	for _, item := range strings.Split(raw, ",") {
		if item == "" {
			return 0, fail(raw, "empty list item")
		}

		lo, hi, step := b.min, b.max, 1
		rangePart := item
		if i := strings.IndexByte(item, '/'); i >= 0 {
			n, err := strconv.Atoi(item[i+1:])
			if err != nil || n <= 0 {
				return 0, fail(item, "step must be a positive integer")
			}
			step = n
			rangePart = item[:i]
			if rangePart != "*" && !strings.Contains(rangePart, "-") {
				return 0, fail(item, "step requires * or a range")
			}
		}

		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			a, z, ok := strings.Cut(rangePart, "-")
			if !ok {
				return 0, fail(item, "malformed range")
			}
			var err error
			if lo, err = literal(a, b, idx); err != nil {
				return 0, fail(item, err.Error())
			}
			if hi, err = literal(z, b, idx); err != nil {
				return 0, fail(item, err.Error())
			}
			if lo > hi {
				return 0, fail(item, "range start exceeds range end")
			}
		default:
			v, err := literal(rangePart, b, idx)
			if err != nil {
				return 0, fail(item, err.Error())
			}
			lo, hi = v, v
		}

		for v := lo; v <= hi; v += step {
			if idx == fieldDow && v == 7 {
				out.add(0)
				continue
			}
			out.add(v)
		}
	}
	return out, nil
}

func literal(tok string, b bounds, idx int) (int, error) {
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("not a number")
	}
	max := b.max
	if idx == fieldDow {
		max = 7
	}
	if v < b.min || v > max {
		return 0, fmt.Errorf("out of range %d-%d", b.min, max)
	}
	return v, nil
}
