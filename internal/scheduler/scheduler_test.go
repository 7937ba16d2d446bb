package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jcleary/sigscan/internal/logging"
	"github.com/jcleary/sigscan/internal/store"
)

func testEvaluator() *Evaluator {
	return New(nil, nil, DefaultOptions(), logging.Nop())
}

// at builds a UTC instant on a fixed Wednesday.
func at(hour, min int) time.Time {
	return time.Date(2026, time.August, 26, hour, min, 30, 0, time.UTC)
}

func utcSchedule(timeOfDay string) store.ScheduledScan {
	return store.ScheduledScan{
		ID:        "s1",
		TimeOfDay: timeOfDay,
		Timezone:  "UTC",
		Accounts:  []string{"alice"},
		RangeDays: 1,
	}
}

func TestDueWindow(t *testing.T) {
	e := testEvaluator()
	sc := utcSchedule("09:30")

	assert.False(t, e.Due(sc, at(9, 29)), "not due before the scheduled minute")
	assert.True(t, e.Due(sc, at(9, 30)), "due at the scheduled minute")
	assert.True(t, e.Due(sc, at(9, 32)), "due within the tolerance window")
	assert.False(t, e.Due(sc, at(9, 33)), "not due past the tolerance window")
	assert.False(t, e.Due(sc, at(8, 30)), "not due an hour early")
}

func TestDueHonorsTimezone(t *testing.T) {
	e := testEvaluator()
	sc := utcSchedule("09:30")
	sc.Timezone = "America/New_York"

	// 09:30 in New York is 13:30 UTC during DST.
	assert.False(t, e.Due(sc, at(9, 30)))
	assert.True(t, e.Due(sc, at(13, 30)))
}

func TestDueInvalidTimezone(t *testing.T) {
	e := testEvaluator()
	sc := utcSchedule("09:30")
	sc.Timezone = "Mars/Olympus_Mons"

	assert.False(t, e.Due(sc, at(9, 30)))
}

func TestDueInvalidTimeOfDay(t *testing.T) {
	e := testEvaluator()
	sc := utcSchedule("9:3pm")

	assert.False(t, e.Due(sc, at(9, 30)))
}

func TestDueWeekdayFilter(t *testing.T) {
	e := testEvaluator()
	sc := utcSchedule("09:30")
	sc.Days = []time.Weekday{time.Monday, time.Friday}

	// The fixed test instant is a Wednesday.
	assert.False(t, e.Due(sc, at(9, 30)))

	sc.Days = []time.Weekday{time.Wednesday}
	assert.True(t, e.Due(sc, at(9, 30)))

	sc.Days = nil
	assert.True(t, e.Due(sc, at(9, 30)), "empty filter means every day")
}

func TestDueSuppressedByRecentRun(t *testing.T) {
	e := testEvaluator()
	sc := utcSchedule("09:30")

	sc.LastRunAt = at(9, 30).Add(-30 * time.Minute)
	assert.False(t, e.Due(sc, at(9, 30)), "ran half an hour ago")

	sc.LastRunAt = at(9, 30).Add(-2 * time.Hour)
	assert.True(t, e.Due(sc, at(9, 30)), "old runs do not suppress")
}
