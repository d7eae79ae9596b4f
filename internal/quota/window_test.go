package quota

import (
	"testing"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestBoundsRolling(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := Anchor{Mode: gateway.ResetRolling, Loc: time.UTC}

	start, end := a.Bounds(now, Window5h)
	if got := end.Sub(start); got != 5*time.Hour {
		t.Fatalf("5h window length = %v, want 5h", got)
	}
	start, end = a.Bounds(now, WindowDaily)
	if got := end.Sub(start); got != 24*time.Hour {
		t.Fatalf("rolling daily length = %v, want 24h", got)
	}
	if !end.Equal(now) {
		t.Fatalf("rolling window end = %v, want now", end)
	}
}

func TestBoundsFixedDaily(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Shanghai")
	a := Anchor{Mode: gateway.ResetFixed, ResetTime: "09:00", Loc: loc}

	// 08:59 local: the window opened yesterday 09:00.
	now := time.Date(2026, 3, 10, 8, 59, 0, 0, loc)
	start, end := a.Bounds(now, WindowDaily)
	if want := time.Date(2026, 3, 9, 9, 0, 0, 0, loc); !start.Equal(want) {
		t.Fatalf("start = %v, want %v", start, want)
	}
	if want := time.Date(2026, 3, 10, 9, 0, 0, 0, loc); !end.Equal(want) {
		t.Fatalf("end = %v, want %v", end, want)
	}

	// 09:00 local: a new window opens exactly at the anchor.
	now = time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	start, _ = a.Bounds(now, WindowDaily)
	if want := time.Date(2026, 3, 10, 9, 0, 0, 0, loc); !start.Equal(want) {
		t.Fatalf("start at anchor = %v, want %v", start, want)
	}
}

func TestBoundsFixedDailySpringForward(t *testing.T) {
	t.Parallel()
	// US spring-forward 2026: March 8, 02:00 -> 03:00 in America/New_York.
	loc := mustLoc(t, "America/New_York")
	a := Anchor{Mode: gateway.ResetFixed, ResetTime: "00:00", Loc: loc}

	now := time.Date(2026, 3, 8, 12, 0, 0, 0, loc)
	start, end := a.Bounds(now, WindowDaily)
	if want := time.Date(2026, 3, 8, 0, 0, 0, 0, loc); !start.Equal(want) {
		t.Fatalf("start = %v, want %v", start, want)
	}
	if want := time.Date(2026, 3, 9, 0, 0, 0, 0, loc); !end.Equal(want) {
		t.Fatalf("end = %v, want %v", end, want)
	}
	// The transition day is 23 real hours long; still exactly one window.
	if got := end.Sub(start); got != 23*time.Hour {
		t.Fatalf("transition day length = %v, want 23h", got)
	}
}

func TestBoundsWeeklyMonday(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Shanghai")
	a := Anchor{Loc: loc}

	// 2026-03-11 is a Wednesday; the week started Monday 2026-03-09.
	now := time.Date(2026, 3, 11, 15, 0, 0, 0, loc)
	start, end := a.Bounds(now, WindowWeekly)
	if want := time.Date(2026, 3, 9, 0, 0, 0, 0, loc); !start.Equal(want) {
		t.Fatalf("week start = %v, want %v", start, want)
	}
	if want := time.Date(2026, 3, 16, 0, 0, 0, 0, loc); !end.Equal(want) {
		t.Fatalf("week end = %v, want %v", end, want)
	}

	// A Monday belongs to its own week.
	monday := time.Date(2026, 3, 9, 0, 0, 1, 0, loc)
	start, _ = a.Bounds(monday, WindowWeekly)
	if want := time.Date(2026, 3, 9, 0, 0, 0, 0, loc); !start.Equal(want) {
		t.Fatalf("monday week start = %v, want %v", start, want)
	}
}

func TestBoundsMonthly(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Shanghai")
	a := Anchor{Loc: loc}

	now := time.Date(2026, 12, 31, 23, 59, 0, 0, loc)
	start, end := a.Bounds(now, WindowMonthly)
	if want := time.Date(2026, 12, 1, 0, 0, 0, 0, loc); !start.Equal(want) {
		t.Fatalf("month start = %v, want %v", start, want)
	}
	if want := time.Date(2027, 1, 1, 0, 0, 0, 0, loc); !end.Equal(want) {
		t.Fatalf("month end = %v, want %v", end, want)
	}
}

func TestBoundsTotalUnbounded(t *testing.T) {
	t.Parallel()
	start, end := Anchor{}.Bounds(time.Now(), WindowTotal)
	if !start.IsZero() || !end.IsZero() {
		t.Fatalf("total window = [%v, %v), want zero times", start, end)
	}
	if ttl := (Anchor{}).TTL(time.Now(), WindowTotal); ttl != 0 {
		t.Fatalf("total ttl = %v, want 0", ttl)
	}
}

func TestTTLFixedDailyShrinks(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Shanghai")
	a := Anchor{Mode: gateway.ResetFixed, ResetTime: "09:00", Loc: loc}
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, loc)
	if got := a.TTL(now, WindowDaily); got != time.Hour {
		t.Fatalf("ttl one hour before reset = %v, want 1h", got)
	}
}

func TestParseResetTime(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in     string
		hh, mm int
	}{
		{"09:30", 9, 30},
		{"00:00", 0, 0},
		{"23:59", 23, 59},
		{"", 0, 0},
		{"25:00", 0, 0},
		{"garbage", 0, 0},
	}
	for _, tc := range cases {
		hh, mm := parseResetTime(tc.in)
		if hh != tc.hh || mm != tc.mm {
			t.Fatalf("parseResetTime(%q) = %d:%d, want %d:%d", tc.in, hh, mm, tc.hh, tc.mm)
		}
	}
}
