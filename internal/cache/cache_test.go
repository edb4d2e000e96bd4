package cache_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairsync/internal/cache"
	"pairsync/internal/models"
	"pairsync/internal/week"
)

func newStore() *cache.Store {
	return cache.New(zerolog.Nop())
}

func seedPair(s *cache.Store) (models.Pair, models.UserProfile, models.UserProfile) {
	pair := models.Pair{
		ID:           uuid.New(),
		UserAID:      uuid.New(),
		UserBID:      uuid.New(),
		WeekStartDay: 1,
	}
	me := models.UserProfile{ID: pair.UserAID, PairID: pair.ID, DisplayName: "Me", WeeklyGoal: 4}
	partner := models.UserProfile{ID: pair.UserBID, PairID: pair.ID, DisplayName: "Partner", WeeklyGoal: 3}
	s.Update(func(st *cache.State) {
		st.Pair = pair
		st.CurrentUser = me
		st.Partner = partner
	})
	return pair, me, partner
}

func result(r models.WeekResult) *models.WeekResult {
	return &r
}

func TestWorkoutDaysCountsUniqueDates(t *testing.T) {
	s := newStore()
	pair, me, _ := seedPair(s)

	goal := models.WeeklyGoal{
		ID:        uuid.New(),
		PairID:    pair.ID,
		WeekStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		GoalUserA: 4,
		GoalUserB: 3,
	}
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	s.Update(func(st *cache.State) {
		st.UpsertGoal(goal)
		// Two sessions on Monday, one on Tuesday.
		st.UpsertWorkout(models.Workout{ID: uuid.New(), UserID: me.ID, WeeklyGoalID: goal.ID, WorkoutDate: day})
		st.UpsertWorkout(models.Workout{ID: uuid.New(), UserID: me.ID, WeeklyGoalID: goal.ID, WorkoutDate: day.Add(8 * time.Hour)})
		st.UpsertWorkout(models.Workout{ID: uuid.New(), UserID: me.ID, WeeklyGoalID: goal.ID, WorkoutDate: day.AddDate(0, 0, 1)})
	})

	assert.Equal(t, 2, s.WorkoutDays(me.ID, goal))
}

func TestUpsertGoalResultIsWriteOnce(t *testing.T) {
	s := newStore()
	pair, _, _ := seedPair(s)

	goal := models.WeeklyGoal{
		ID:        uuid.New(),
		PairID:    pair.ID,
		WeekStart: time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC),
		Result:    result(models.ResultAOwes),
	}
	s.Update(func(st *cache.State) { st.UpsertGoal(goal) })

	// A later merge without a result must not clear the settled one.
	stale := goal
	stale.Result = nil
	stale.WagerText = "loser buys coffee"
	s.Update(func(st *cache.State) { st.UpsertGoal(stale) })

	got, ok := findGoal(s, goal.ID)
	require.True(t, ok)
	require.NotNil(t, got.Result)
	assert.Equal(t, models.ResultAOwes, *got.Result)
	assert.Equal(t, "loser buys coffee", got.WagerText)

	// And a different incoming result does not overwrite it either.
	flipped := goal
	flipped.Result = result(models.ResultBothHit)
	s.Update(func(st *cache.State) { st.UpsertGoal(flipped) })

	got, _ = findGoal(s, goal.ID)
	assert.Equal(t, models.ResultAOwes, *got.Result)
}

func findGoal(s *cache.Store, id uuid.UUID) (models.WeeklyGoal, bool) {
	for _, g := range s.WeeklyGoals() {
		if g.ID == id {
			return g, true
		}
	}
	return models.WeeklyGoal{}, false
}

func TestUpsertWorkoutPreservesLocalPhotoBytes(t *testing.T) {
	s := newStore()
	_, me, _ := seedPair(s)

	w := models.Workout{ID: uuid.New(), UserID: me.ID, PhotoData: []byte("jpeg"), WorkoutDate: time.Now()}
	s.Update(func(st *cache.State) { st.UpsertWorkout(w) })

	// The synced copy carries only the asset reference, never the bytes.
	synced := w
	synced.PhotoData = nil
	synced.PhotoAsset = "asset:xyz"
	s.Update(func(st *cache.State) { st.UpsertWorkout(synced) })

	got, ok := s.WorkoutByID(w.ID)
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg"), got.PhotoData)
	assert.Equal(t, "asset:xyz", got.PhotoAsset)
}

func TestCurrentWeekPlaceholder(t *testing.T) {
	s := newStore()
	pair, _, _ := seedPair(s)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	t.Run("no open goal yields a deterministic placeholder", func(t *testing.T) {
		got := s.CurrentWeek(now)
		weekStart := week.StartOf(now, pair.WeekStartDay)
		assert.Equal(t, week.GoalID(pair.ID, weekStart), got.ID)
		assert.Equal(t, weekStart, got.WeekStart)
		assert.Nil(t, got.Result)
		assert.Equal(t, 4, got.GoalUserA)
		assert.Equal(t, 3, got.GoalUserB)
		// The placeholder is transient, not stored.
		assert.Empty(t, s.WeeklyGoals())
	})

	t.Run("an open goal wins over the placeholder", func(t *testing.T) {
		open := models.WeeklyGoal{
			ID:        uuid.New(),
			PairID:    pair.ID,
			WeekStart: week.StartOf(now, pair.WeekStartDay),
			GoalUserA: 5,
			GoalUserB: 5,
		}
		s.Update(func(st *cache.State) { st.UpsertGoal(open) })
		assert.Equal(t, open.ID, s.CurrentWeek(now).ID)
	})

	t.Run("two open weeks resolve to the newest", func(t *testing.T) {
		// The previous week stays open until the owner settles it, yet it
		// must never shadow the week that already rolled in.
		expired := models.WeeklyGoal{
			ID:        uuid.New(),
			PairID:    pair.ID,
			WeekStart: week.StartOf(now, pair.WeekStartDay).AddDate(0, 0, -7),
		}
		s.Update(func(st *cache.State) {
			st.Goals = append([]models.WeeklyGoal{expired}, st.Goals...)
		})
		current := s.CurrentWeek(now)
		assert.NotEqual(t, expired.ID, current.ID)
		assert.Equal(t, week.StartOf(now, pair.WeekStartDay), current.WeekStart)
	})
}

func TestHasLoggedTodayAppliesCutoff(t *testing.T) {
	s := newStore()
	_, me, _ := seedPair(s)

	tuesday := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	s.Update(func(st *cache.State) {
		st.UpsertWorkout(models.Workout{ID: uuid.New(), UserID: me.ID, WorkoutDate: tuesday})
	})

	// At 2:30am Wednesday the effective date is still Tuesday.
	assert.True(t, s.HasLoggedToday(me.ID, time.Date(2026, 3, 4, 2, 30, 0, 0, time.UTC)))
	// At 9am Wednesday it is not.
	assert.False(t, s.HasLoggedToday(me.ID, time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)))
}

func TestStreaks(t *testing.T) {
	s := newStore()
	pair, _, _ := seedPair(s)

	// Newest to oldest: bothHit, bothHit, aOwes, bothHit.
	results := []models.WeekResult{
		models.ResultBothHit,
		models.ResultBothHit,
		models.ResultAOwes,
		models.ResultBothHit,
	}
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	s.Update(func(st *cache.State) {
		for i, r := range results {
			st.UpsertGoal(models.WeeklyGoal{
				ID:        uuid.New(),
				PairID:    pair.ID,
				WeekStart: start.AddDate(0, 0, -7*(i+1)),
				Result:    result(r),
			})
		}
		// An open current week must not contribute.
		st.UpsertGoal(models.WeeklyGoal{ID: uuid.New(), PairID: pair.ID, WeekStart: start})
	})

	assert.Equal(t, 2, s.Streak())
	assert.Equal(t, 2, s.BestStreak())
}

func TestPastWeeksNewestFirst(t *testing.T) {
	s := newStore()
	pair, _, _ := seedPair(s)

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	s.Update(func(st *cache.State) {
		for i := 1; i <= 3; i++ {
			st.UpsertGoal(models.WeeklyGoal{
				ID:        uuid.New(),
				PairID:    pair.ID,
				WeekStart: start.AddDate(0, 0, -7*i),
				Result:    result(models.ResultBothMissed),
			})
		}
	})

	past := s.PastWeeks()
	require.Len(t, past, 3)
	assert.True(t, past[0].WeekStart.After(past[1].WeekStart))
	assert.True(t, past[1].WeekStart.After(past[2].WeekStart))
}

func TestSubscribeNotifiesOnCommit(t *testing.T) {
	s := newStore()
	calls := 0
	unsubscribe := s.Subscribe(func() { calls++ })

	s.Update(func(st *cache.State) { st.Flags.Offline = true })
	assert.Equal(t, 1, calls)

	unsubscribe()
	s.Update(func(st *cache.State) { st.Flags.Offline = false })
	assert.Equal(t, 1, calls)
}
