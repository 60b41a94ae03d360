package gosubs

import (
	"fmt"
	"time"
)

// NextDueDate advances due by one interval.
//
// The result is computed from the due date itself, never from the confirmation time, so a late
// confirmation does not shift the schedule. Month-based intervals return to anchorDay
// (due's own day when anchorDay is zero) and clamp to the last day of short months:
//   - Jan 31 -> Feb 29 (leap year) -> Mar 31 -> Apr 30
//   - Jan 15 -> Feb 15
func NextDueDate(due time.Time, interval Interval, anchorDay int) (time.Time, error) {
	if anchorDay <= 0 {
		anchorDay = due.Day()
	}
	switch interval {
	case IntervalDaily:
		return due.AddDate(0, 0, 1), nil
	case IntervalWeekly:
		return due.AddDate(0, 0, 7), nil
	case IntervalBiweekly:
		return due.AddDate(0, 0, 14), nil
	case IntervalMonthly:
		return addMonthsSafeWithDay(due, 1, anchorDay), nil
	case IntervalQuarterly:
		return addMonthsSafeWithDay(due, 3, anchorDay), nil
	case IntervalSemiannual:
		return addMonthsSafeWithDay(due, 6, anchorDay), nil
	case IntervalYearly:
		return addMonthsSafeWithDay(due, 12, anchorDay), nil
	case IntervalNone, "":
		return due, fmt.Errorf("one-time item has no next due date")
	default:
		return due, fmt.Errorf("unknown interval %q", interval)
	}
}

// addMonthsSafeWithDay adds months while preserving the target day-of-month when possible.
// If the target day doesn't exist in the result month (e.g., Feb 31), it uses the last day of that month.
func addMonthsSafeWithDay(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	targetDate := time.Date(year, month+time.Month(months), 1,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())

	// day=0 of month+1 is the last day of month
	lastDay := time.Date(targetDate.Year(), targetDate.Month()+1, 0, 0, 0, 0, 0, targetDate.Location()).Day()

	actualDay := targetDay
	if actualDay > lastDay {
		actualDay = lastDay
	}

	return time.Date(targetDate.Year(), targetDate.Month(), actualDay,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}

// IsPastDue reports whether item is active and its due date is before today's date.
func IsPastDue(item *RecurringItem, now time.Time) bool {
	if item == nil || item.Status != ItemActive {
		return false
	}
	return startOfDayUTC(item.DueDate).Before(startOfDayUTC(now))
}
