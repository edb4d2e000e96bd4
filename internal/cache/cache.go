// Package cache holds the in-memory domain state that drives the
// presentation layer. It is the single source of truth for reads: every
// accessor is a synchronous snapshot, never a network call. Mutations come
// from the engine only; observers are notified after each commit so the UI
// can re-render reactively.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pairsync/internal/models"
	"pairsync/internal/week"
)

// Flags are the sticky UI-visible states raised by error classification.
type Flags struct {
	Offline     bool
	NeedsAuth   bool
	StorageFull bool
	Loading     bool
	HasGroup    bool
}

// Store is the local cache. All fields are guarded by mu; observer
// callbacks run outside the lock.
type Store struct {
	mu sync.RWMutex

	pair        models.Pair
	currentUser models.UserProfile
	partner     models.UserProfile
	goals       []models.WeeklyGoal
	workouts    []models.Workout
	nudges      []models.Nudge
	flags       Flags

	nextObs   int
	observers map[int]func()

	logger zerolog.Logger
}

// New creates a cache seeded with placeholder identities, the same shape
// the app shows before setup completes.
func New(logger zerolog.Logger) *Store {
	placeholder := uuid.New()
	return &Store{
		pair: models.Pair{
			ID:           placeholder,
			UserAID:      placeholder,
			UserBID:      placeholder,
			WeekStartDay: 1,
		},
		currentUser: models.UserProfile{
			ID:          placeholder,
			PairID:      placeholder,
			DisplayName: "Me",
			WeeklyGoal:  4,
		},
		partner: models.UserProfile{
			ID:          placeholder,
			PairID:      placeholder,
			DisplayName: "Partner",
			WeeklyGoal:  4,
		},
		flags:     Flags{Loading: true},
		observers: make(map[int]func()),
		logger:    logger,
	}
}

// Subscribe registers fn to run after every committed mutation. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notifyLocked() []func() {
	fns := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	return fns
}

// Update runs fn under the write lock and notifies observers afterwards.
// All engine mutations funnel through here so partial updates are never
// visible to readers.
func (s *Store) Update(fn func(*State)) {
	s.mu.Lock()
	st := &State{
		Pair:        s.pair,
		CurrentUser: s.currentUser,
		Partner:     s.partner,
		Goals:       s.goals,
		Workouts:    s.workouts,
		Nudges:      s.nudges,
		Flags:       s.flags,
	}
	fn(st)
	s.pair = st.Pair
	s.currentUser = st.CurrentUser
	s.partner = st.Partner
	s.goals = st.Goals
	s.workouts = st.Workouts
	s.nudges = st.Nudges
	s.flags = st.Flags
	observers := s.notifyLocked()
	s.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// State is the mutable view handed to Update callbacks.
type State struct {
	Pair        models.Pair
	CurrentUser models.UserProfile
	Partner     models.UserProfile
	Goals       []models.WeeklyGoal
	Workouts    []models.Workout
	Nudges      []models.Nudge
	Flags       Flags
}

// UpsertGoal merges one weekly goal by ID. A settled result is write-once:
// an incoming version never clears or changes a result already committed.
func (st *State) UpsertGoal(g models.WeeklyGoal) {
	for i, existing := range st.Goals {
		if existing.ID == g.ID {
			if existing.Result != nil {
				g.Result = existing.Result
			}
			st.Goals[i] = g
			return
		}
	}
	st.Goals = append(st.Goals, g)
}

// RemoveGoal deletes a weekly goal by ID.
func (st *State) RemoveGoal(id uuid.UUID) {
	for i, g := range st.Goals {
		if g.ID == id {
			st.Goals = append(st.Goals[:i], st.Goals[i+1:]...)
			return
		}
	}
}

// UpsertWorkout merges one workout by ID, preserving local photo bytes
// that the remote projection does not carry.
func (st *State) UpsertWorkout(w models.Workout) {
	for i, existing := range st.Workouts {
		if existing.ID == w.ID {
			if len(w.PhotoData) == 0 {
				w.PhotoData = existing.PhotoData
			}
			st.Workouts[i] = w
			return
		}
	}
	st.Workouts = append(st.Workouts, w)
}

// RemoveWorkout deletes a workout by ID.
func (st *State) RemoveWorkout(id uuid.UUID) {
	for i, w := range st.Workouts {
		if w.ID == id {
			st.Workouts = append(st.Workouts[:i], st.Workouts[i+1:]...)
			return
		}
	}
}

// UpsertNudge merges one nudge by ID.
func (st *State) UpsertNudge(n models.Nudge) {
	for i, existing := range st.Nudges {
		if existing.ID == n.ID {
			st.Nudges[i] = n
			return
		}
	}
	st.Nudges = append(st.Nudges, n)
}

// RemoveNudge deletes a nudge by ID.
func (st *State) RemoveNudge(id uuid.UUID) {
	for i, n := range st.Nudges {
		if n.ID == id {
			st.Nudges = append(st.Nudges[:i], st.Nudges[i+1:]...)
			return
		}
	}
}

// GoalByID returns the cached weekly goal with the given ID.
func (st *State) GoalByID(id uuid.UUID) (models.WeeklyGoal, bool) {
	for _, g := range st.Goals {
		if g.ID == id {
			return g, true
		}
	}
	return models.WeeklyGoal{}, false
}

// Pair returns the cached pair.
func (s *Store) Pair() models.Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

// CurrentUser returns the cached profile for this device's user.
func (s *Store) CurrentUser() models.UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUser
}

// Partner returns the cached partner profile, which may still be the
// waiting-for-partner placeholder.
func (s *Store) Partner() models.UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partner
}

// Flags returns the sticky UI flags.
func (s *Store) Flags() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// WeeklyGoals returns a copy of every cached week.
func (s *Store) WeeklyGoals() []models.WeeklyGoal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WeeklyGoal, len(s.goals))
	copy(out, s.goals)
	return out
}

// Nudges returns a copy of every cached nudge.
func (s *Store) Nudges() []models.Nudge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Nudge, len(s.nudges))
	copy(out, s.nudges)
	return out
}

// CurrentWeek returns the newest open weekly goal. During the settlement
// window a non-owner device can hold two open weeks at once, the expired
// one awaiting the owner's settlement and the freshly rolled one, so the
// greatest week start wins. When the cache holds no open week it returns a
// transient placeholder derived from the pair's convention and both users'
// configured goals; the placeholder is never written remotely, it only
// spares read paths a "no current week" case. Its ID matches the
// deterministic identifier the real week will get, so workouts logged
// against it stay attached after the race resolves.
func (s *Store) CurrentWeek(now time.Time) models.WeeklyGoal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest models.WeeklyGoal
	found := false
	for _, g := range s.goals {
		if g.Open() && (!found || g.WeekStart.After(newest.WeekStart)) {
			newest = g
			found = true
		}
	}
	if found {
		return newest
	}
	weekStart := week.StartOf(now, s.pair.WeekStartDay)
	return models.WeeklyGoal{
		ID:        week.GoalID(s.pair.ID, weekStart),
		PairID:    s.pair.ID,
		WeekStart: weekStart,
		GoalUserA: s.goalForSlot(s.pair.UserAID),
		GoalUserB: s.goalForSlot(s.pair.UserBID),
	}
}

func (s *Store) goalForSlot(userID uuid.UUID) int {
	switch userID {
	case s.currentUser.ID:
		return s.currentUser.WeeklyGoal
	case s.partner.ID:
		return s.partner.WeeklyGoal
	}
	return s.currentUser.WeeklyGoal
}

// WorkoutsFor returns the workouts attached to one weekly goal.
func (s *Store) WorkoutsFor(goalID uuid.UUID) []models.Workout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Workout
	for _, w := range s.workouts {
		if w.WeeklyGoalID == goalID {
			out = append(out, w)
		}
	}
	return out
}

// WorkoutByID looks up one cached workout.
func (s *Store) WorkoutByID(id uuid.UUID) (models.Workout, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workouts {
		if w.ID == id {
			return w, true
		}
	}
	return models.Workout{}, false
}

// WorkoutDays counts distinct workout dates for one user in one week.
// Multiple sessions on the same calendar day count once.
func (s *Store) WorkoutDays(userID uuid.UUID, goal models.WeeklyGoal) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	days := make(map[string]struct{})
	for _, w := range s.workouts {
		if w.WeeklyGoalID == goal.ID && w.UserID == userID {
			days[week.CalendarDate(w.WorkoutDate).Format("2006-01-02")] = struct{}{}
		}
	}
	return len(days)
}

// LatestWorkout returns the most recently logged workout for one user in
// the current week.
func (s *Store) LatestWorkout(userID uuid.UUID, now time.Time) (models.Workout, bool) {
	currentID := s.CurrentWeek(now).ID

	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest models.Workout
	found := false
	for _, w := range s.workouts {
		if w.WeeklyGoalID != currentID || w.UserID != userID {
			continue
		}
		if !found || w.LoggedAt.After(latest.LoggedAt) {
			latest = w
			found = true
		}
	}
	return latest, found
}

// HasLoggedToday reports whether the user already logged a workout for
// today's effective date (3AM rule applied to now).
func (s *Store) HasLoggedToday(userID uuid.UUID, now time.Time) bool {
	today := week.EffectiveDate(now)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workouts {
		if w.UserID == userID && week.SameDay(w.WorkoutDate, today) {
			return true
		}
	}
	return false
}

// PastWeeks returns settled weeks, newest first.
func (s *Store) PastWeeks() []models.WeeklyGoal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WeeklyGoal
	for _, g := range s.goals {
		if !g.Open() {
			out = append(out, g)
		}
	}
	sortGoalsDesc(out)
	return out
}

// Streak counts consecutive most-recent settled weeks where both partners
// hit their goals.
func (s *Store) Streak() int {
	streak := 0
	for _, g := range s.PastWeeks() {
		if *g.Result != models.ResultBothHit {
			break
		}
		streak++
	}
	return streak
}

// BestStreak returns the longest both-hit run across all settled weeks.
func (s *Store) BestStreak() int {
	best, run := 0, 0
	for _, g := range s.PastWeeks() {
		if *g.Result == models.ResultBothHit {
			run++
			if run > best {
				best = run
			}
		} else {
			run = 0
		}
	}
	return best
}

func sortGoalsDesc(goals []models.WeeklyGoal) {
	sort.Slice(goals, func(i, j int) bool {
		return goals[i].WeekStart.After(goals[j].WeekStart)
	})
}
