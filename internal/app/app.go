// Package app wires the sync engine together and exposes the surface the
// rest of a client program works against. One Engine per signed-in
// account; all methods are safe for concurrent use.
package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pairsync/internal/cache"
	"pairsync/internal/diag"
	"pairsync/internal/localstate"
	"pairsync/internal/models"
	"pairsync/internal/notify"
	"pairsync/internal/remote"
	"pairsync/internal/services"
)

// Engine is the top-level facade over the pairing, sync, goal, and
// mutation services sharing one session.
type Engine struct {
	session  *services.Session
	pairing  *services.PairingService
	sync     *services.SyncService
	goals    *services.GoalService
	workouts *services.WorkoutService

	logger zerolog.Logger
}

// Options configures engine construction. Store is required; the rest
// default to sensible in-process implementations.
type Options struct {
	Store    remote.Store
	Local    *localstate.Store
	Notifier notify.Notifier
	Logger   zerolog.Logger
}

// New builds an engine against the given backend.
func New(opts Options) (*Engine, error) {
	local := opts.Local
	if local == nil {
		var err error
		local, err = localstate.Open(":memory:")
		if err != nil {
			return nil, err
		}
	}

	ring := diag.NewRing(opts.Logger)
	c := cache.New(opts.Logger)
	session := services.NewSession(opts.Store, c, local, ring, opts.Notifier, opts.Logger)

	goals := services.NewGoalService(session)
	syncSvc := services.NewSyncService(session, goals)
	pairing := services.NewPairingService(session, syncSvc)
	workouts := services.NewWorkoutService(session, syncSvc, goals)

	return &Engine{
		session:  session,
		pairing:  pairing,
		sync:     syncSvc,
		goals:    goals,
		workouts: workouts,
		logger:   opts.Logger,
	}, nil
}

// Setup brings the engine into a usable state: account check, zone
// discovery, initial full sync. Call once at startup and again after the
// account status changes.
func (e *Engine) Setup(ctx context.Context) error {
	return e.sync.Setup(ctx)
}

// CreateGroup creates a new pair group and returns the invite code.
func (e *Engine) CreateGroup(ctx context.Context, displayName string, weeklyGoal int) (string, error) {
	return e.pairing.CreateGroup(ctx, displayName, weeklyGoal)
}

// JoinGroup accepts an invite code and joins the partner's group.
func (e *Engine) JoinGroup(ctx context.Context, code, displayName string, weeklyGoal int) error {
	return e.pairing.JoinGroup(ctx, code, displayName, weeklyGoal)
}

// CheckForPartner polls once for the partner having joined.
func (e *Engine) CheckForPartner(ctx context.Context) (bool, error) {
	return e.pairing.CheckForPartner(ctx)
}

// WaitForPartner polls until the partner joins or ctx is cancelled.
func (e *Engine) WaitForPartner(ctx context.Context, interval time.Duration) (bool, error) {
	return e.pairing.WaitForPartner(ctx, interval)
}

// PerformDeltaSync pulls remote changes since the stored token.
func (e *Engine) PerformDeltaSync(ctx context.Context) error {
	return e.sync.PerformDeltaSync(ctx)
}

// FullResync discards incremental state and rebuilds the cache from a
// complete fetch.
func (e *Engine) FullResync(ctx context.Context) error {
	return e.sync.FullResync(ctx)
}

// EnsureCurrentWeekGoal settles expired weeks and creates the current one.
func (e *Engine) EnsureCurrentWeekGoal(ctx context.Context) error {
	return e.goals.EnsureCurrentWeekGoal(ctx)
}

// LogWorkout records a workout with photo and caption.
func (e *Engine) LogWorkout(ctx context.Context, photo []byte, caption string) (models.Workout, error) {
	return e.workouts.LogWorkout(ctx, photo, caption)
}

// LoadPhoto fetches the photo bytes for a workout.
func (e *Engine) LoadPhoto(ctx context.Context, workoutID uuid.UUID) ([]byte, error) {
	return e.workouts.LoadPhoto(ctx, workoutID)
}

// UpdateWager sets the current week's wager text.
func (e *Engine) UpdateWager(ctx context.Context, text string) error {
	return e.workouts.UpdateWager(ctx, text)
}

// UpdateDisplayName changes the user's display name.
func (e *Engine) UpdateDisplayName(ctx context.Context, name string) error {
	return e.workouts.UpdateDisplayName(ctx, name)
}

// UpdateWeeklyGoal changes the user's target days per week.
func (e *Engine) UpdateWeeklyGoal(ctx context.Context, target int) error {
	return e.workouts.UpdateWeeklyGoal(ctx, target)
}

// UpdateWeekStartDay changes which weekday starts the pair's week.
func (e *Engine) UpdateWeekStartDay(ctx context.Context, day int) error {
	return e.workouts.UpdateWeekStartDay(ctx, day)
}

// SendNudge sends an encouragement message to the partner.
func (e *Engine) SendNudge(ctx context.Context, message string) (models.Nudge, error) {
	return e.workouts.SendNudge(ctx, message)
}

// Cache exposes the read-side state store for presentation code.
func (e *Engine) Cache() *cache.Store {
	return e.session.Cache
}

// Diagnostics returns the recent diagnostic log entries.
func (e *Engine) Diagnostics() []string {
	return e.session.Ring.Entries()
}

// IsOwner reports whether this device created the group.
func (e *Engine) IsOwner() bool {
	return e.session.IsOwner()
}

// StartAutoSync listens for remote change notifications and runs a delta
// sync for each, with a periodic fallback tick for backends that cannot
// push. Returns a stop function.
func (e *Engine) StartAutoSync(ctx context.Context, fallback time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)

	var events <-chan string
	if watcher, ok := e.session.Store.(remote.Watcher); ok {
		ch, err := watcher.Watch(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("watch unavailable, relying on fallback ticker")
		} else {
			events = ch
		}
	}

	go func() {
		ticker := time.NewTicker(fallback)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
			case <-ticker.C:
			}
			if err := e.sync.PerformDeltaSync(ctx); err != nil {
				// Sticky failures already raised a banner flag.
				if remote.Sticky(err) {
					e.logger.Debug().Err(err).Msg("auto sync deferred")
				} else {
					e.logger.Warn().Err(err).Msg("auto sync failed")
				}
			}
		}
	}()
	return cancel
}
