package recurrence

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNextBasic(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	tests := []struct {
		name  string
		expr  string
		after time.Time
		want  time.Time
	}{
		{
			name:  "every fifteen minutes",
			expr:  "*/15 * * * *",
			after: time.Date(2024, 5, 1, 10, 7, 0, 0, utc),
			want:  time.Date(2024, 5, 1, 10, 15, 0, 0, utc),
		},
		{
			name:  "exact match is not returned",
			expr:  "*/15 * * * *",
			after: time.Date(2024, 5, 1, 10, 15, 0, 0, utc),
			want:  time.Date(2024, 5, 1, 10, 30, 0, 0, utc),
		},
		{
			name:  "seconds past a match",
			expr:  "*/15 * * * *",
			after: time.Date(2024, 5, 1, 10, 15, 30, 0, utc),
			want:  time.Date(2024, 5, 1, 10, 30, 0, 0, utc),
		},
		{
			name:  "comma list",
			expr:  "0 8,20 * * *",
			after: time.Date(2024, 5, 1, 9, 0, 0, 0, utc),
			want:  time.Date(2024, 5, 1, 20, 0, 0, 0, utc),
		},
		{
			name:  "day of month and weekday are combined with AND",
			expr:  "0 0 13 * 5",
			after: time.Date(2024, 1, 1, 0, 0, 0, 0, utc),
			want:  time.Date(2024, 9, 13, 0, 0, 0, 0, utc),
		},
		{
			name:  "sunday as seven",
			expr:  "0 12 * * 7",
			after: time.Date(2024, 5, 1, 0, 0, 0, 0, utc), // Wednesday
			want:  time.Date(2024, 5, 5, 12, 0, 0, 0, utc),
		},
		{
			name:  "leap day",
			expr:  "0 0 29 2 *",
			after: time.Date(2024, 3, 1, 0, 0, 0, 0, utc),
			want:  time.Date(2028, 2, 29, 0, 0, 0, 0, utc),
		},
		{
			name:  "year rollover",
			expr:  "0 0 1 1 *",
			after: time.Date(2024, 12, 31, 23, 59, 0, 0, utc),
			want:  time.Date(2025, 1, 1, 0, 0, 0, 0, utc),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Next(tt.expr, "UTC", tt.after)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "Next(%q) = %s, want %s", tt.expr, got, tt.want)
		})
	}
}

func TestNextSpringForwardFiresOnceAtLocalNine(t *testing.T) {
	t.Parallel()
	la := mustLoc(t, "America/Los_Angeles")
	s, err := Parse("0 9 * * *")
	require.NoError(t, err)

	// DST starts 2024-03-10 02:00 local.
	after := time.Date(2024, 3, 9, 9, 0, 0, 0, la)
	first, err := s.Next(after, la)
	require.NoError(t, err)

	local := first.In(la)
	assert.Equal(t, 10, local.Day())
	assert.Equal(t, 9, local.Hour())
	assert.Equal(t, 0, local.Minute())
	assert.True(t, time.Date(2024, 3, 10, 16, 0, 0, 0, time.UTC).Equal(first), "09:00 PDT is 16:00 UTC, got %s", first.UTC())

	second, err := s.Next(first, la)
	require.NoError(t, err)
	assert.Equal(t, 11, second.In(la).Day(), "must not fire twice on the transition day")
	assert.Equal(t, 9, second.In(la).Hour())
	assert.Equal(t, 23*time.Hour, first.Sub(time.Date(2024, 3, 9, 9, 0, 0, 0, la)), "transition day is 23h long")
}

func TestNextSkipsNonexistentLocalMinute(t *testing.T) {
	t.Parallel()
	la := mustLoc(t, "America/Los_Angeles")
	got, err := Next("30 2 * * *", "America/Los_Angeles", time.Date(2024, 3, 9, 3, 0, 0, 0, la))
	require.NoError(t, err)
	local := got.In(la)
	assert.Equal(t, 11, local.Day())
	assert.Equal(t, 2, local.Hour())
	assert.Equal(t, 30, local.Minute())
}

func TestNextFallBackFiresOnce(t *testing.T) {
	t.Parallel()
	la := mustLoc(t, "America/Los_Angeles")
	s, err := Parse("30 1 * * *")
	require.NoError(t, err)

	first, err := s.Next(time.Date(2024, 11, 2, 12, 0, 0, 0, la), la)
	require.NoError(t, err)
	assert.Equal(t, 3, first.In(la).Day())

	second, err := s.Next(first, la)
	require.NoError(t, err)
	assert.Equal(t, 4, second.In(la).Day())
}

func TestNextSameExpressionDifferentOffsets(t *testing.T) {
	t.Parallel()
	// Same wall clock, different UTC instants across the DST boundary.
	winter, err := Next("0 9 * * *", "Europe/Berlin", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	summer, err := Next("0 9 * * *", "Europe/Berlin", time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 8, winter.UTC().Hour())
	assert.Equal(t, 7, summer.UTC().Hour())
}

func TestNextUnsatisfiable(t *testing.T) {
	t.Parallel()
	_, err := Next("0 0 31 2 *", "UTC", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	var ue *UnsatisfiableScheduleError
	require.True(t, errors.As(err, &ue), "got %T", err)
	assert.Equal(t, "0 0 31 2 *", ue.Expr)
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"0 0 0 * *",
		"0 0 * 13 *",
		"0 0 * * 8",
		"*/0 * * * *",
		"a * * * *",
		"5/2 * * * *",
		"1,,2 * * * *",
		"5-1 * * * *",
	} {
		_, err := Parse(expr)
		var pe *ParseError
		assert.True(t, errors.As(err, &pe), "Parse(%q) err = %v", expr, err)
	}
}

func TestNextIsStrictlyLaterAndMatches(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"*/15 * * * *",
		"0 9 * * *",
		"0 9 * * 1",
		"5,35 */2 * * *",
		"0 0 1 * *",
		"30 18 * 6 0",
		"0 12 15 * *",
	}
	tzs := []string{"UTC", "America/Los_Angeles", "Europe/London", "Asia/Kolkata", "Australia/Lord_Howe"}
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, expr := range exprs {
		s, err := Parse(expr)
		require.NoError(t, err)
		for _, zone := range tzs {
			loc := mustLoc(t, zone)
			for i := 0; i < 40; i++ {
				after := base.Add(time.Duration(rng.Int63n(int64(3 * 365 * 24 * time.Hour))))
				got, err := s.Next(after, loc)
				require.NoError(t, err)
				require.True(t, got.After(after), "%s in %s: %s not after %s", expr, zone, got, after)
				require.True(t, s.Matches(got, loc), "%s in %s: %s does not match", expr, zone, got.In(loc))
				require.Zero(t, got.Second())
			}
		}
	}
}

func TestLoadLocationCaches(t *testing.T) {
	t.Parallel()
	a := mustLoc(t, "Asia/Tokyo")
	b := mustLoc(t, "Asia/Tokyo")
	assert.Same(t, a, b)

	_, err := LoadLocation("Mars/Olympus")
	assert.Error(t, err)
}
