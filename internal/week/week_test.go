package week_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"pairsync/internal/week"
)

func TestEffectiveDate(t *testing.T) {
	t.Run("2:30am counts for the previous day", func(t *testing.T) {
		logged := time.Date(2026, 3, 4, 2, 30, 0, 0, time.UTC) // Wednesday
		assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), week.EffectiveDate(logged))
	})
	t.Run("3:01am counts for the same day", func(t *testing.T) {
		logged := time.Date(2026, 3, 4, 3, 1, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), week.EffectiveDate(logged))
	})
	t.Run("exactly 3:00am counts for the same day", func(t *testing.T) {
		logged := time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), week.EffectiveDate(logged))
	})
	t.Run("midnight crosses back over a month boundary", func(t *testing.T) {
		logged := time.Date(2026, 3, 1, 0, 15, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), week.EffectiveDate(logged))
	})
}

func TestStartOf(t *testing.T) {
	// 2026-03-04 is a Wednesday.
	wednesday := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

	t.Run("monday start", func(t *testing.T) {
		got := week.StartOf(wednesday, 1)
		assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), got)
		assert.Equal(t, time.Monday, got.Weekday())
	})
	t.Run("sunday start", func(t *testing.T) {
		got := week.StartOf(wednesday, 7)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)
		assert.Equal(t, time.Sunday, got.Weekday())
	})
	t.Run("start day equal to today returns today", func(t *testing.T) {
		got := week.StartOf(wednesday, 3)
		assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), got)
	})
	t.Run("out of range day falls back to monday", func(t *testing.T) {
		assert.Equal(t, week.StartOf(wednesday, 1), week.StartOf(wednesday, 0))
		assert.Equal(t, week.StartOf(wednesday, 1), week.StartOf(wednesday, 9))
	})
}

func TestDaysRemaining(t *testing.T) {
	monday := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 7, week.DaysRemaining(monday, 1))
	assert.Equal(t, 1, week.DaysRemaining(monday.AddDate(0, 0, 6), 1))
	assert.Equal(t, 4, week.DaysRemaining(monday.AddDate(0, 0, 3), 1))
}

func TestGoalID(t *testing.T) {
	pairID := uuid.New()
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	t.Run("deterministic for the same pair and week", func(t *testing.T) {
		assert.Equal(t, week.GoalID(pairID, start), week.GoalID(pairID, start))
	})
	t.Run("time of day does not matter", func(t *testing.T) {
		noon := time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)
		assert.Equal(t, week.GoalID(pairID, start), week.GoalID(pairID, noon))
	})
	t.Run("different weeks differ", func(t *testing.T) {
		assert.NotEqual(t, week.GoalID(pairID, start), week.GoalID(pairID, start.AddDate(0, 0, 7)))
	})
	t.Run("different pairs differ", func(t *testing.T) {
		assert.NotEqual(t, week.GoalID(pairID, start), week.GoalID(uuid.New(), start))
	})
}

func TestSameDay(t *testing.T) {
	a := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	b := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)
	assert.True(t, week.SameDay(a, b))
	assert.False(t, week.SameDay(a, b.AddDate(0, 0, 1)))
}
