package schedule

import (
	"testing"
	"time"

	"github.com/stormcloud/backup/pkg/types"
	"github.com/stretchr/testify/require"
)

func sched() types.BackupSchedule {
	return types.BackupSchedule{
		Weekly: map[string][]string{
			"Monday": {"09:00"},
		},
		Monthly: map[string][]string{
			"1":        {"03:00"},
			"Last day": {"23:30"},
		},
	}
}

// 2026-07-27 is a Monday.
func monday(h, m int) time.Time {
	return time.Date(2026, time.July, 27, h, m, 0, 0, time.UTC)
}

func TestWeeklyFiresExactlyAtScheduledMinute(t *testing.T) {
	due, src := Evaluate(sched(), monday(8, 59), monday(9, 0), false)
	require.True(t, due)
	require.Equal(t, SourceWeekly, src)
}

func TestWeeklyDoesNotRefireSameMinute(t *testing.T) {
	// last check already at or past 09:00 on the same day: no refire.
	due, _ := Evaluate(sched(), monday(9, 0), monday(9, 0), false)
	require.False(t, due)
}

func TestWeeklyDoesNotFireOnWrongWeekday(t *testing.T) {
	tuesday := monday(9, 0).AddDate(0, 0, 1)
	due, _ := Evaluate(sched(), tuesday.Add(-time.Minute), tuesday, false)
	require.False(t, due)
}

func TestInProgressAlwaysSuppressesFiring(t *testing.T) {
	due, src := Evaluate(sched(), monday(8, 59), monday(9, 0), true)
	require.False(t, due)
	require.Equal(t, SourceNone, src)
}

func TestDayRolloverTreatsLastCheckAsMidnight(t *testing.T) {
	// last_check_time is from the previous day, long before 09:00 —
	// rollover should still permit today's 09:00 to fire.
	prevDay := monday(9, 0).AddDate(0, 0, -1)
	lastCheck := time.Date(prevDay.Year(), prevDay.Month(), prevDay.Day(), 22, 0, 0, 0, time.UTC)
	due, src := Evaluate(sched(), lastCheck, monday(9, 0), false)
	require.True(t, due)
	require.Equal(t, SourceWeekly, src)
}

func TestClockJumpPastScheduledTimeStillFires(t *testing.T) {
	// last check happened at 08:00, but the next check is an hour
	// later at 09:05 — the exact 09:00 minute was skipped, but 09:00
	// lies between the two checks, so it still fires.
	due, src := Evaluate(sched(), monday(8, 0), monday(8, 0).Add(65*time.Minute), false)
	require.True(t, due)
	require.Equal(t, SourceWeekly, src)
}

func TestMonthlyDayOfMonthFires(t *testing.T) {
	first := time.Date(2026, time.July, 1, 3, 0, 0, 0, time.UTC)
	due, src := Evaluate(sched(), first.Add(-time.Minute), first, false)
	require.True(t, due)
	require.Equal(t, SourceMonthly, src)
}

func TestMonthlyLastDayFires(t *testing.T) {
	lastDay := time.Date(2026, time.July, 31, 23, 30, 0, 0, time.UTC)
	due, src := Evaluate(sched(), lastDay.Add(-time.Minute), lastDay, false)
	require.True(t, due)
	require.Equal(t, SourceMonthly, src)
}

func TestMonthlyLastDayDoesNotFireOnNonLastDay(t *testing.T) {
	notLastDay := time.Date(2026, time.July, 30, 23, 30, 0, 0, time.UTC)
	due, _ := Evaluate(sched(), notLastDay.Add(-time.Minute), notLastDay, false)
	require.False(t, due)
}
