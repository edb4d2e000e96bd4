package services

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pairsync/internal/cache"
	"pairsync/internal/models"
	"pairsync/internal/remote"
	"pairsync/internal/week"
)

// ErrAlreadyLoggedToday is returned when the user tries to log a second
// workout for the same effective date.
var ErrAlreadyLoggedToday = errors.New("workout already logged today")

// photoCacheSize bounds the in-memory photo memo. Entries beyond the
// bound evict oldest-first.
const photoCacheSize = 48

// WorkoutService handles user-initiated mutations: logging workouts,
// editing the wager and profile settings, and sending nudges. Writes are
// optimistic: the cache reflects the mutation immediately and rolls back
// if the remote save fails.
type WorkoutService struct {
	session *Session
	sync    *SyncService
	goals   *GoalService

	photoMu    sync.Mutex
	photos     map[uuid.UUID][]byte
	photoOrder []uuid.UUID
}

// NewWorkoutService creates the mutation service.
func NewWorkoutService(session *Session, syncSvc *SyncService, goals *GoalService) *WorkoutService {
	return &WorkoutService{
		session: session,
		sync:    syncSvc,
		goals:   goals,
		photos:  make(map[uuid.UUID][]byte),
	}
}

// LogWorkout records a workout with a photo and optional caption. The
// workout attributes to the effective date (entries before 3AM count for
// the previous day) and attaches to the current week by its deterministic
// ID, so an entry logged before the week record exists stays attached once
// it does.
func (ws *WorkoutService) LogWorkout(ctx context.Context, photo []byte, caption string) (models.Workout, error) {
	sess := ws.session
	zone, ok := sess.Zone()
	if !ok {
		return models.Workout{}, ErrNoGroup
	}

	now := sess.Now()
	user := sess.Cache.CurrentUser()
	if sess.Cache.HasLoggedToday(user.ID, now) {
		return models.Workout{}, ErrAlreadyLoggedToday
	}

	currentWeek := sess.Cache.CurrentWeek(now)
	workout := models.Workout{
		ID:           uuid.New(),
		UserID:       user.ID,
		PairID:       sess.Cache.Pair().ID,
		WeeklyGoalID: currentWeek.ID,
		PhotoData:    photo,
		Caption:      strings.TrimSpace(caption),
		LoggedAt:     now,
		WorkoutDate:  week.EffectiveDate(now),
	}

	// Optimistic: visible locally before the round trip.
	sess.Cache.Update(func(st *cache.State) { st.UpsertWorkout(workout) })

	rec := workoutToRecord(workout)
	if assets, ok := sess.Store.(remote.AssetStore); ok && len(photo) > 0 {
		ref, err := assets.UploadAsset(ctx, zone, workout.ID.String(), photo)
		if err != nil {
			ws.rollbackWorkout(workout.ID)
			return models.Workout{}, sess.ClassifyError(err)
		}
		workout.PhotoAsset = ref
		rec.Fields["photo_asset"] = ref
	} else if len(photo) > 0 {
		// Backends without asset support carry the photo inline.
		rec.Fields["photo_b64"] = base64.StdEncoding.EncodeToString(photo)
	}

	if _, err := sess.Store.Save(ctx, zone, rec, remote.SaveCreate); err != nil {
		ws.rollbackWorkout(workout.ID)
		return models.Workout{}, sess.ClassifyError(err)
	}

	ws.memoPhoto(workout.ID, photo)
	sess.Cache.Update(func(st *cache.State) { st.UpsertWorkout(workout) })
	sess.Ring.Addf("logged workout %s for %s", workout.ID, workout.WorkoutDate.Format("2006-01-02"))

	// Pull in anything the partner wrote meanwhile; failures here are the
	// sync loop's problem, the workout is already committed.
	go func() {
		if err := ws.sync.PerformDeltaSync(context.Background()); err != nil {
			sess.Logger.Warn().Err(err).Msg("post-workout sync failed")
		}
	}()
	return workout, nil
}

func (ws *WorkoutService) rollbackWorkout(id uuid.UUID) {
	ws.session.Cache.Update(func(st *cache.State) { st.RemoveWorkout(id) })
	ws.session.Ring.Addf("rolled back workout %s after failed save", id)
}

// LoadPhoto returns the photo bytes for a workout, checking in-flight
// local data first, then the bounded memo, then the remote asset.
func (ws *WorkoutService) LoadPhoto(ctx context.Context, workoutID uuid.UUID) ([]byte, error) {
	sess := ws.session

	if w, ok := sess.Cache.WorkoutByID(workoutID); ok && len(w.PhotoData) > 0 {
		return w.PhotoData, nil
	}
	ws.photoMu.Lock()
	if data, ok := ws.photos[workoutID]; ok {
		ws.photoMu.Unlock()
		return data, nil
	}
	ws.photoMu.Unlock()

	zone, ok := sess.Zone()
	if !ok {
		return nil, ErrNoGroup
	}

	if assets, hasAssets := sess.Store.(remote.AssetStore); hasAssets {
		if w, ok := sess.Cache.WorkoutByID(workoutID); ok && w.PhotoAsset != "" {
			data, err := assets.FetchAsset(ctx, zone, w.PhotoAsset)
			if err != nil {
				return nil, sess.ClassifyError(err)
			}
			ws.memoPhoto(workoutID, data)
			return data, nil
		}
	}

	// Inline fallback for backends without asset support.
	rec, err := sess.Store.Get(ctx, zone, workoutID.String())
	if err != nil {
		return nil, sess.ClassifyError(err)
	}
	encoded := rec.String("photo_b64")
	if encoded == "" {
		return nil, remote.ErrRecordNotFound
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	ws.memoPhoto(workoutID, data)
	return data, nil
}

func (ws *WorkoutService) memoPhoto(id uuid.UUID, data []byte) {
	if len(data) == 0 {
		return
	}
	ws.photoMu.Lock()
	defer ws.photoMu.Unlock()
	if _, exists := ws.photos[id]; !exists {
		ws.photoOrder = append(ws.photoOrder, id)
	}
	ws.photos[id] = data
	for len(ws.photoOrder) > photoCacheSize {
		oldest := ws.photoOrder[0]
		ws.photoOrder = ws.photoOrder[1:]
		delete(ws.photos, oldest)
	}
}

// UpdateWager sets the wager text on the current week. Last writer wins
// across devices; the settled result is never touched.
func (ws *WorkoutService) UpdateWager(ctx context.Context, text string) error {
	sess := ws.session
	zone, ok := sess.Zone()
	if !ok {
		return ErrNoGroup
	}
	if err := ws.goals.EnsureCurrentWeekGoal(ctx); err != nil {
		return err
	}

	current := sess.Cache.CurrentWeek(sess.Now())
	text = strings.TrimSpace(text)

	prev := current.WagerText
	current.WagerText = text
	sess.Cache.Update(func(st *cache.State) { st.UpsertGoal(current) })

	err := ws.patchGoal(ctx, zone, current.ID, func(rec *remote.Record) {
		rec.Fields["wager_text"] = text
	})
	if err != nil {
		current.WagerText = prev
		sess.Cache.Update(func(st *cache.State) { st.UpsertGoal(current) })
		return err
	}
	return nil
}

// patchGoal applies fn to the fresh server copy of a weekly goal and saves
// it with optimistic concurrency, retrying once on conflict.
func (ws *WorkoutService) patchGoal(ctx context.Context, zone remote.Zone, id uuid.UUID, fn func(*remote.Record)) error {
	sess := ws.session
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := sess.Store.Get(ctx, zone, id.String())
		if err != nil {
			return sess.ClassifyError(err)
		}
		fn(&rec)
		stored, err := sess.Store.Save(ctx, zone, rec, remote.SaveIfUnchanged)
		if err != nil {
			if _, collided := remote.Conflict(err); collided && attempt == 0 {
				continue
			}
			return sess.ClassifyError(err)
		}
		sess.Cache.Update(func(st *cache.State) { st.UpsertGoal(goalFromRecord(stored)) })
		return nil
	}
	return remote.ErrConflict
}

// UpdateDisplayName changes the user's display name on their member record.
func (ws *WorkoutService) UpdateDisplayName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("display name must not be empty")
	}
	return ws.patchProfile(ctx, func(p *models.UserProfile, rec *remote.Record) {
		p.DisplayName = name
		rec.Fields["display_name"] = name
	})
}

// UpdateWeeklyGoal changes the user's target days per week. The open
// week's slot updates too so the change applies immediately, not just
// from next week.
func (ws *WorkoutService) UpdateWeeklyGoal(ctx context.Context, target int) error {
	if target < 1 || target > 7 {
		return errors.New("weekly goal must be between 1 and 7")
	}
	sess := ws.session
	zone, ok := sess.Zone()
	if !ok {
		return ErrNoGroup
	}

	if err := ws.patchProfile(ctx, func(p *models.UserProfile, rec *remote.Record) {
		p.WeeklyGoal = target
		rec.Fields["weekly_goal"] = target
	}); err != nil {
		return err
	}

	current := sess.Cache.CurrentWeek(sess.Now())
	user := sess.Cache.CurrentUser()
	pair := sess.Cache.Pair()
	slot := "goal_user_b"
	if user.ID == pair.UserAID {
		slot = "goal_user_a"
	}
	err := ws.patchGoal(ctx, zone, current.ID, func(rec *remote.Record) {
		rec.Fields[slot] = target
	})
	if errors.Is(err, remote.ErrRecordNotFound) {
		// No week record yet; the target lands when one is created.
		return nil
	}
	return err
}

func (ws *WorkoutService) patchProfile(ctx context.Context, fn func(*models.UserProfile, *remote.Record)) error {
	sess := ws.session
	zone, ok := sess.Zone()
	if !ok {
		return ErrNoGroup
	}
	user := sess.Cache.CurrentUser()

	for attempt := 0; attempt < 2; attempt++ {
		rec, err := sess.Store.Get(ctx, zone, user.ID.String())
		if err != nil {
			return sess.ClassifyError(err)
		}
		updated := profileFromRecord(rec)
		fn(&updated, &rec)
		if _, err := sess.Store.Save(ctx, zone, rec, remote.SaveIfUnchanged); err != nil {
			if _, collided := remote.Conflict(err); collided && attempt == 0 {
				continue
			}
			return sess.ClassifyError(err)
		}
		sess.Cache.Update(func(st *cache.State) { st.CurrentUser = updated })
		return nil
	}
	return remote.ErrConflict
}

// UpdateWeekStartDay changes which weekday starts the pair's week
// (1=Monday through 7=Sunday). Takes effect from the next created week.
func (ws *WorkoutService) UpdateWeekStartDay(ctx context.Context, day int) error {
	if day < 1 || day > 7 {
		return errors.New("week start day must be between 1 and 7")
	}
	sess := ws.session
	zone, ok := sess.Zone()
	if !ok {
		return ErrNoGroup
	}
	pair := sess.Cache.Pair()

	for attempt := 0; attempt < 2; attempt++ {
		rec, err := sess.Store.Get(ctx, zone, pair.ID.String())
		if err != nil {
			return sess.ClassifyError(err)
		}
		rec.Fields["week_start_day"] = day
		stored, err := sess.Store.Save(ctx, zone, rec, remote.SaveIfUnchanged)
		if err != nil {
			if _, collided := remote.Conflict(err); collided && attempt == 0 {
				continue
			}
			return sess.ClassifyError(err)
		}
		sess.Cache.Update(func(st *cache.State) { st.Pair = pairFromRecord(stored) })
		return nil
	}
	return remote.ErrConflict
}

// SendNudge delivers a short encouragement message to the partner.
func (ws *WorkoutService) SendNudge(ctx context.Context, message string) (models.Nudge, error) {
	sess := ws.session
	zone, ok := sess.Zone()
	if !ok {
		return models.Nudge{}, ErrNoGroup
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return models.Nudge{}, errors.New("nudge message must not be empty")
	}

	nudge := models.Nudge{
		ID:       uuid.New(),
		SenderID: sess.Cache.CurrentUser().ID,
		PairID:   sess.Cache.Pair().ID,
		Message:  message,
		SentAt:   sess.Now(),
	}
	sess.Cache.Update(func(st *cache.State) { st.UpsertNudge(nudge) })

	if _, err := sess.Store.Save(ctx, zone, nudgeToRecord(nudge), remote.SaveCreate); err != nil {
		sess.Cache.Update(func(st *cache.State) { st.RemoveNudge(nudge.ID) })
		return models.Nudge{}, sess.ClassifyError(err)
	}
	sess.Ring.Addf("sent nudge %s", nudge.ID)
	return nudge, nil
}
