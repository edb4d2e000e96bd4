// Package week holds the calendar math the engine depends on: start-of-week
// under the app's 1=Monday..7=Sunday convention, the 3AM attribution rule,
// and the deterministic record identifier both devices derive for the same
// calendar week.
package week

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// cutoffHour is the 3AM rule: sessions logged before this hour count toward
// the previous calendar day.
const cutoffHour = 3

// CalendarDate strips the time-of-day component, keeping t's location.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// StartOf returns the start of the week containing t. weekStartDay uses the
// app convention 1=Monday..7=Sunday; values outside that range fall back to
// Monday.
func StartOf(t time.Time, weekStartDay int) time.Time {
	if weekStartDay < 1 || weekStartDay > 7 {
		weekStartDay = 1
	}
	// App convention to time.Weekday: 1=Mon..6=Sat map directly, 7=Sun is 0.
	target := weekStartDay % 7
	daysBack := (int(t.Weekday()) - target + 7) % 7
	return CalendarDate(t.AddDate(0, 0, -daysBack))
}

// EffectiveDate applies the 3AM rule: a session logged between midnight and
// 03:00 is attributed to the previous calendar day.
func EffectiveDate(loggedAt time.Time) time.Time {
	if loggedAt.Hour() < cutoffHour {
		return CalendarDate(loggedAt.AddDate(0, 0, -1))
	}
	return CalendarDate(loggedAt)
}

// DaysRemaining counts the days left in the week, inclusive of today.
// Returns 7 on the first day of the week and 1 on the last.
func DaysRemaining(t time.Time, weekStartDay int) int {
	start := StartOf(t, weekStartDay)
	elapsed := int(CalendarDate(t).Sub(start).Hours() / 24)
	if remaining := 7 - elapsed; remaining > 1 {
		return remaining
	}
	return 1
}

// GoalID derives the identifier both devices compute for the same pair and
// week start. Racing creators collide on this ID at the store instead of
// minting duplicate weeks.
func GoalID(pairID uuid.UUID, weekStart time.Time) uuid.UUID {
	seed := fmt.Sprintf("weeklygoal:%s:%s", pairID, weekStart.Format("2006-01-02"))
	sum := sha256.Sum256([]byte(seed))
	id, _ := uuid.FromBytes(sum[:16])
	return id
}

// SameDay reports whether a and b fall on the same calendar date.
func SameDay(a, b time.Time) bool {
	return CalendarDate(a).Equal(CalendarDate(b))
}
