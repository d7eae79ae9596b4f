// Package quota enforces spend windows, request-rate and concurrency caps
// for keys and users, and maintains the live cost counters those checks
// read. Counters live in the distributed KV; window boundaries are
// evaluated in the configured timezone's local calendar.
package quota

import (
	"fmt"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

// Window names one quota accounting window.
type Window string

const (
	Window5h      Window = "5h"
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
	WindowTotal   Window = "total"
)

// Windows lists all accounting windows in check order.
var Windows = []Window{Window5h, WindowDaily, WindowWeekly, WindowMonthly, WindowTotal}

// Limit extracts the USD limit for a window from a quota set. Zero means
// unlimited.
func Limit(q gateway.Quotas, w Window) float64 {
	switch w {
	case Window5h:
		return q.Limit5hUsd
	case WindowDaily:
		return q.LimitDailyUsd
	case WindowWeekly:
		return q.LimitWeeklyUsd
	case WindowMonthly:
		return q.LimitMonthlyUsd
	case WindowTotal:
		return q.LimitTotalUsd
	}
	return 0
}

// Anchor fixes how calendar windows are aligned for one user.
type Anchor struct {
	Mode      gateway.DailyResetMode // daily window only
	ResetTime string                 // "HH:MM", fixed mode only
	Loc       *time.Location
}

// Bounds returns the [start, end) of the window containing now. The total
// window returns zero times. Boundaries are computed with time.Date in the
// anchor's location, so a daylight-saving transition still yields exactly
// one boundary per calendar day.
func (a Anchor) Bounds(now time.Time, w Window) (start, end time.Time) {
	loc := a.Loc
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	switch w {
	case Window5h:
		return now.Add(-5 * time.Hour), now
	case WindowDaily:
		if a.Mode != gateway.ResetFixed {
			return now.Add(-24 * time.Hour), now
		}
		hh, mm := parseResetTime(a.ResetTime)
		anchor := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
		if anchor.After(now) {
			anchor = time.Date(local.Year(), local.Month(), local.Day()-1, hh, mm, 0, 0, loc)
		}
		return anchor, time.Date(anchor.Year(), anchor.Month(), anchor.Day()+1, hh, mm, 0, 0, loc)
	case WindowWeekly:
		// ISO week: Monday 00:00 local.
		back := (int(local.Weekday()) + 6) % 7
		start = time.Date(local.Year(), local.Month(), local.Day()-back, 0, 0, 0, 0, loc)
		return start, time.Date(start.Year(), start.Month(), start.Day()+7, 0, 0, 0, 0, loc)
	case WindowMonthly:
		start = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return start, time.Date(start.Year(), start.Month()+1, 1, 0, 0, 0, 0, loc)
	}
	return time.Time{}, time.Time{} // total: unbounded
}

// TTL returns the KV expiry to attach to the window's counter at now.
// Rolling windows use the window length; calendar windows expire at the
// next boundary; total never expires.
func (a Anchor) TTL(now time.Time, w Window) time.Duration {
	switch w {
	case Window5h:
		return 5 * time.Hour
	case WindowDaily:
		if a.Mode != gateway.ResetFixed {
			return 24 * time.Hour
		}
	case WindowTotal:
		return 0
	}
	_, end := a.Bounds(now, w)
	return end.Sub(now)
}

// parseResetTime parses "HH:MM", defaulting to midnight on any malformed
// input rather than failing a request.
func parseResetTime(s string) (hh, mm int) {
	if s == "" {
		return 0, 0
	}
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, 0
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0
	}
	return hh, mm
}
