// Package schedule evaluates a calendar backup schedule against a clock
// to decide whether a cycle is due. Scheduled times are compared as
// zero-padded "HH:MM" strings, so that lexical comparison matches
// clock order.
package schedule

import (
	"strconv"
	"time"

	"github.com/stormcloud/backup/pkg/types"
)

// Source identifies which part of the schedule fired.
type Source string

const (
	SourceNone    Source = ""
	SourceWeekly  Source = "weekly"
	SourceMonthly Source = "monthly"
)

// Evaluate decides whether schedule fires between lastCheckTime and
// now. inProgress short-circuits to (false, none) unconditionally —
// the orchestrator never accumulates missed triggers while a cycle is
// running; it simply re-evaluates next tick.
func Evaluate(sched types.BackupSchedule, lastCheckTime, now time.Time, inProgress bool) (bool, Source) {
	if inProgress {
		return false, SourceNone
	}

	currentTime := now.Format("15:04")
	dayChanged := !sameDate(lastCheckTime, now)

	lastCheckStr := lastCheckTime.Format("15:04")
	if dayChanged {
		// Day rollover: treat the prior check as having happened at the
		// start of the new day, so every time-of-day today up to now
		// (00:00 included) is still eligible.
		lastCheckStr = ""
	}

	// A time is due when it lies after the last check and at or before
	// now. A gap between ticks, such as a forward clock jump, collapses
	// every time it skipped into this one fire; a backward jump leaves
	// nothing in range, so nothing fires twice.
	due := func(times []string) bool {
		for _, t := range times {
			if lastCheckStr < t && t <= currentTime {
				return true
			}
		}
		return false
	}

	weekday := now.Weekday().String()
	if due(sched.Weekly[weekday]) {
		return true, SourceWeekly
	}

	dayOfMonth := strconv.Itoa(now.Day())
	if due(sched.Monthly[dayOfMonth]) {
		return true, SourceMonthly
	}

	if isLastDayOfMonth(now) && due(sched.Monthly["Last day"]) {
		return true, SourceMonthly
	}

	return false, SourceNone
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func isLastDayOfMonth(t time.Time) bool {
	firstOfNextMonth := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfNextMonth.AddDate(0, 0, -1)
	return t.Day() == lastDay.Day()
}
