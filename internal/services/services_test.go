package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairsync/internal/cache"
	"pairsync/internal/diag"
	"pairsync/internal/localstate"
	"pairsync/internal/models"
	"pairsync/internal/notify"
	"pairsync/internal/remote"
	"pairsync/internal/remote/memstore"
	"pairsync/internal/services"
	"pairsync/internal/week"
)

// baseTime is a Wednesday; with the default Monday week start the current
// week begins 2026-03-02.
var baseTime = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *captureNotifier) Notify(e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *captureNotifier) Events() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Event, len(n.events))
	copy(out, n.events)
	return out
}

func (n *captureNotifier) ByKind(kind notify.Kind) []notify.Event {
	var out []notify.Event
	for _, e := range n.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// device bundles one simulated phone: its store view, engine services,
// and a controllable clock.
type device struct {
	store    *memstore.Device
	cache    *cache.Store
	session  *services.Session
	pairing  *services.PairingService
	sync     *services.SyncService
	goals    *services.GoalService
	workouts *services.WorkoutService
	notifier *captureNotifier
	clock    *fakeClock
}

func newDevice(t *testing.T, cluster *memstore.Cluster, account string) *device {
	t.Helper()

	local, err := localstate.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	store := cluster.Device(account)
	c := cache.New(zerolog.Nop())
	notifier := &captureNotifier{}
	clock := &fakeClock{t: baseTime}

	session := services.NewSession(store, c, local, diag.NewRing(zerolog.Nop()), notifier, zerolog.Nop())
	session.Now = clock.Now

	goals := services.NewGoalService(session)
	syncSvc := services.NewSyncService(session, goals)

	return &device{
		store:    store,
		cache:    c,
		session:  session,
		pairing:  services.NewPairingService(session, syncSvc),
		sync:     syncSvc,
		goals:    goals,
		workouts: services.NewWorkoutService(session, syncSvc, goals),
		notifier: notifier,
		clock:    clock,
	}
}

// pairUp creates a group on alice's device, joins bob through the invite
// code, and syncs both sides.
func pairUp(t *testing.T, ctx context.Context, cluster *memstore.Cluster) (alice, bob *device) {
	t.Helper()

	alice = newDevice(t, cluster, "account-alice")
	bob = newDevice(t, cluster, "account-bob")

	code, err := alice.pairing.CreateGroup(ctx, "Alice", 4)
	require.NoError(t, err)

	require.NoError(t, bob.pairing.JoinGroup(ctx, code, "Bob", 3))

	joined, err := alice.pairing.CheckForPartner(ctx)
	require.NoError(t, err)
	require.True(t, joined)

	require.NoError(t, alice.sync.PerformDeltaSync(ctx))
	require.NoError(t, bob.sync.PerformDeltaSync(ctx))
	return alice, bob
}

// logDay logs one workout on the device's current day and advances the
// clock to the next day.
func logDay(t *testing.T, ctx context.Context, d *device) {
	t.Helper()
	_, err := d.workouts.LogWorkout(ctx, []byte("jpeg"), "")
	require.NoError(t, err)
	d.clock.Advance(24 * time.Hour)
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice := newDevice(t, cluster, "account-alice")

	code, err := alice.pairing.CreateGroup(ctx, "Alice", 4)
	require.NoError(t, err)

	t.Run("invite code shape", func(t *testing.T) {
		require.Len(t, code, 6)
		for _, r := range code {
			assert.Contains(t, "ABCDEFGHJKMNPQRSTUVWXYZ23456789", string(r))
		}
	})

	t.Run("cache reflects the solo group", func(t *testing.T) {
		assert.False(t, alice.cache.Flags().HasGroup)
		assert.False(t, alice.cache.Flags().Loading)
		assert.Equal(t, "Alice", alice.cache.CurrentUser().DisplayName)
		assert.Equal(t, code, alice.cache.Pair().InviteCode)
		assert.Equal(t, "Waiting for partner", alice.cache.Partner().DisplayName)
	})

	t.Run("creator owns the zone", func(t *testing.T) {
		assert.True(t, alice.session.IsOwner())
	})

	t.Run("initial weekly goal exists with the deterministic id", func(t *testing.T) {
		goals := alice.cache.WeeklyGoals()
		require.Len(t, goals, 1)
		weekStart := week.StartOf(baseTime, 1)
		assert.Equal(t, week.GoalID(alice.cache.Pair().ID, weekStart), goals[0].ID)
		assert.Equal(t, 4, goals[0].GoalUserA)
		assert.Equal(t, 4, goals[0].GoalUserB)
	})

	t.Run("empty display name is rejected", func(t *testing.T) {
		other := newDevice(t, cluster, "account-other")
		_, err := other.pairing.CreateGroup(ctx, "   ", 4)
		assert.ErrorIs(t, err, services.ErrGroupCreationFailed)
	})
}

func TestJoinGroup(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, bob := pairUp(t, ctx, cluster)

	t.Run("both sides see each other", func(t *testing.T) {
		assert.True(t, alice.cache.Flags().HasGroup)
		assert.True(t, bob.cache.Flags().HasGroup)
		assert.Equal(t, "Bob", alice.cache.Partner().DisplayName)
		assert.Equal(t, "Alice", bob.cache.Partner().DisplayName)
	})

	t.Run("joiner fills the second pair slot", func(t *testing.T) {
		pair := alice.cache.Pair()
		assert.True(t, pair.HasPartner())
		assert.Equal(t, bob.cache.CurrentUser().ID, pair.UserBID)
		assert.Equal(t, alice.cache.CurrentUser().ID, pair.UserAID)
	})

	t.Run("joiner is not the owner", func(t *testing.T) {
		assert.False(t, bob.session.IsOwner())
		assert.True(t, alice.session.IsOwner())
	})

	t.Run("joiner goal propagates into the open week", func(t *testing.T) {
		now := bob.clock.Now()
		current := alice.cache.CurrentWeek(now)
		assert.Equal(t, 4, current.GoalUserA)
		assert.Equal(t, 3, current.GoalUserB)
	})

	t.Run("accepted code cannot be reused", func(t *testing.T) {
		carol := newDevice(t, cluster, "account-carol")
		err := carol.pairing.JoinGroup(ctx, alice.cache.Pair().InviteCode, "Carol", 2)
		assert.ErrorIs(t, err, services.ErrInviteCodeNotFound)
	})
}

func TestJoinGroupBadCodes(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice := newDevice(t, cluster, "account-alice")

	code, err := alice.pairing.CreateGroup(ctx, "Alice", 4)
	require.NoError(t, err)

	t.Run("unknown code", func(t *testing.T) {
		bob := newDevice(t, cluster, "account-bob")
		err := bob.pairing.JoinGroup(ctx, "ZZZZZZ", "Bob", 3)
		assert.ErrorIs(t, err, services.ErrInviteCodeNotFound)
	})

	t.Run("lowercase input is normalized", func(t *testing.T) {
		bob := newDevice(t, cluster, "account-bob")
		require.NoError(t, bob.pairing.JoinGroup(ctx, " "+toLower(code)+" ", "Bob", 3))
	})

	t.Run("expired code", func(t *testing.T) {
		dana := newDevice(t, cluster, "account-dana")
		code2, err := dana.pairing.CreateGroup(ctx, "Dana", 4)
		require.NoError(t, err)

		late := newDevice(t, cluster, "account-late")
		late.clock.Set(baseTime.Add(49 * time.Hour))
		err = late.pairing.JoinGroup(ctx, code2, "Late", 3)
		assert.ErrorIs(t, err, services.ErrInviteCodeExpired)
	})
}

func toLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + 32
		}
	}
	return string(out)
}

func TestWeekCreationRaceConvergesOnOneRecord(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, bob := pairUp(t, ctx, cluster)

	nextWeek := baseTime.AddDate(0, 0, 7)
	alice.clock.Set(nextWeek)
	bob.clock.Set(nextWeek)

	// Neither device syncs before rolling over, so both attempt creation.
	require.NoError(t, alice.goals.EnsureCurrentWeekGoal(ctx))
	require.NoError(t, bob.goals.EnsureCurrentWeekGoal(ctx))

	zone, ok := alice.session.Zone()
	require.True(t, ok)
	recs, err := alice.store.Query(ctx, zone, remote.Query{Type: "WeeklyGoal"})
	require.NoError(t, err)
	assert.Len(t, recs, 2, "initial week plus exactly one new week")

	wantID := week.GoalID(alice.cache.Pair().ID, week.StartOf(nextWeek, 1))
	assert.Equal(t, wantID, alice.cache.CurrentWeek(nextWeek).ID)
	assert.Equal(t, wantID, bob.cache.CurrentWeek(nextWeek).ID)
}

func TestSettleTruthTable(t *testing.T) {
	cases := []struct {
		name                       string
		daysA, goalA, daysB, goalB int
		want                       models.WeekResult
	}{
		{"both hit", 4, 4, 3, 3, models.ResultBothHit},
		{"a owes", 2, 4, 3, 3, models.ResultAOwes},
		{"b owes", 4, 4, 2, 4, models.ResultBOwes},
		{"both missed", 1, 4, 0, 3, models.ResultBothMissed},
		{"overshoot still counts", 6, 4, 7, 3, models.ResultBothHit},
		{"zero goals always hit", 0, 0, 0, 0, models.ResultBothHit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, services.Settle(tc.daysA, tc.goalA, tc.daysB, tc.goalB))
		})
	}
}

func TestSettlementIsOwnerOnlyAndWriteOnce(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, bob := pairUp(t, ctx, cluster)

	// Alice (goal 4) logs 4 distinct days; Bob (goal 3) logs 1.
	for i := 0; i < 4; i++ {
		logDay(t, ctx, alice)
	}
	logDay(t, ctx, bob)

	weekStart := week.StartOf(baseTime, 1)
	goalID := week.GoalID(alice.cache.Pair().ID, weekStart)
	nextWeek := baseTime.AddDate(0, 0, 7)

	t.Run("non-owner rolls over without settling", func(t *testing.T) {
		bob.clock.Set(nextWeek)
		require.NoError(t, bob.sync.PerformDeltaSync(ctx))

		zone, _ := bob.session.Zone()
		rec, err := bob.store.Get(ctx, zone, goalID.String())
		require.NoError(t, err)
		assert.Empty(t, rec.String("result"), "non-owner must not write a result")

		// The new week exists regardless.
		newID := week.GoalID(bob.cache.Pair().ID, week.StartOf(nextWeek, 1))
		_, err = bob.store.Get(ctx, zone, newID.String())
		assert.NoError(t, err)
	})

	t.Run("owner settles exactly once", func(t *testing.T) {
		alice.clock.Set(nextWeek)
		require.NoError(t, alice.sync.PerformDeltaSync(ctx))

		zone, _ := alice.session.Zone()
		rec, err := alice.store.Get(ctx, zone, goalID.String())
		require.NoError(t, err)
		assert.Equal(t, string(models.ResultBOwes), rec.String("result"))

		results := alice.notifier.ByKind(notify.KindWeekResult)
		require.Len(t, results, 1)

		// A repeated pass adopts, never re-settles or re-notifies.
		require.NoError(t, alice.goals.EnsureCurrentWeekGoal(ctx))
		assert.Len(t, alice.notifier.ByKind(notify.KindWeekResult), 1)
	})

	t.Run("non-owner adopts the settled result", func(t *testing.T) {
		require.NoError(t, bob.sync.PerformDeltaSync(ctx))
		past := bob.cache.PastWeeks()
		require.NotEmpty(t, past)
		require.NotNil(t, past[0].Result)
		assert.Equal(t, models.ResultBOwes, *past[0].Result)
	})
}

func TestCurrentWeekDuringSettlementWindow(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	_, bob := pairUp(t, ctx, cluster)

	nextWeek := baseTime.AddDate(0, 0, 7)
	bob.clock.Set(nextWeek)
	require.NoError(t, bob.goals.EnsureCurrentWeekGoal(ctx))

	// The expired week stays open until the owner settles it, so the
	// non-owner now holds two open weeks at once.
	open := 0
	for _, g := range bob.cache.WeeklyGoals() {
		if g.Open() {
			open++
		}
	}
	require.Equal(t, 2, open)

	newStart := week.StartOf(nextWeek, 1)
	newID := week.GoalID(bob.cache.Pair().ID, newStart)

	t.Run("current week is the newly rolled one", func(t *testing.T) {
		current := bob.cache.CurrentWeek(nextWeek)
		assert.Equal(t, newID, current.ID)
		assert.True(t, week.SameDay(newStart, current.WeekStart))
	})

	t.Run("new workouts attach to the new week", func(t *testing.T) {
		w, err := bob.workouts.LogWorkout(ctx, []byte("jpeg"), "")
		require.NoError(t, err)
		assert.Equal(t, newID, w.WeeklyGoalID)
	})
}

func TestWagerCarriesForwardOnRollover(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, bob := pairUp(t, ctx, cluster)

	require.NoError(t, alice.workouts.UpdateWager(ctx, "loser does the dishes"))

	nextWeek := baseTime.AddDate(0, 0, 7)
	alice.clock.Set(nextWeek)
	require.NoError(t, alice.goals.EnsureCurrentWeekGoal(ctx))

	current := alice.cache.CurrentWeek(nextWeek)
	assert.Equal(t, "loser does the dishes", current.WagerText)
	assert.Nil(t, current.Result)

	bob.clock.Set(nextWeek)
	require.NoError(t, bob.sync.PerformDeltaSync(ctx))
	assert.Equal(t, "loser does the dishes", bob.cache.CurrentWeek(nextWeek).WagerText)
}

func TestLogWorkout(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, bob := pairUp(t, ctx, cluster)

	t.Run("attaches to the current week under the 3AM rule", func(t *testing.T) {
		// 2:30am Thursday counts for Wednesday.
		alice.clock.Set(time.Date(2026, 3, 5, 2, 30, 0, 0, time.UTC))
		w, err := alice.workouts.LogWorkout(ctx, []byte("jpeg"), "late session")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), w.WorkoutDate)
		assert.Equal(t, alice.cache.CurrentWeek(alice.clock.Now()).ID, w.WeeklyGoalID)
	})

	t.Run("second log on the same effective day is rejected", func(t *testing.T) {
		_, err := alice.workouts.LogWorkout(ctx, []byte("jpeg"), "")
		assert.ErrorIs(t, err, services.ErrAlreadyLoggedToday)
	})

	t.Run("partner sees it after a delta sync", func(t *testing.T) {
		require.NoError(t, bob.sync.PerformDeltaSync(ctx))
		goal := bob.cache.CurrentWeek(bob.clock.Now())
		partner := bob.cache.Partner()
		assert.Equal(t, 1, bob.cache.WorkoutDays(partner.ID, goal))
	})

	t.Run("partner workout produces a notification", func(t *testing.T) {
		events := bob.notifier.ByKind(notify.KindPartnerWorkout)
		require.Len(t, events, 1)
		assert.Equal(t, "late session", events[0].Message)
	})
}

func TestLogWorkoutRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, _ := pairUp(t, ctx, cluster)

	alice.store.OnOp = func(op string) error {
		if op == "Save" {
			return remote.ErrNetworkUnavailable
		}
		return nil
	}

	_, err := alice.workouts.LogWorkout(ctx, []byte("jpeg"), "")
	require.ErrorIs(t, err, remote.ErrNetworkUnavailable)

	t.Run("optimistic entry is rolled back", func(t *testing.T) {
		me := alice.cache.CurrentUser()
		goal := alice.cache.CurrentWeek(alice.clock.Now())
		assert.Equal(t, 0, alice.cache.WorkoutDays(me.ID, goal))
		assert.False(t, alice.cache.HasLoggedToday(me.ID, alice.clock.Now()))
	})

	t.Run("network failure raises the offline flag", func(t *testing.T) {
		assert.True(t, alice.cache.Flags().Offline)
	})

	t.Run("retry succeeds once the store recovers", func(t *testing.T) {
		alice.store.OnOp = nil
		_, err := alice.workouts.LogWorkout(ctx, []byte("jpeg"), "")
		assert.NoError(t, err)
	})
}

func TestLoadPhoto(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, bob := pairUp(t, ctx, cluster)

	w, err := alice.workouts.LogWorkout(ctx, []byte("the-photo"), "")
	require.NoError(t, err)

	t.Run("logger serves local bytes", func(t *testing.T) {
		data, err := alice.workouts.LoadPhoto(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("the-photo"), data)
	})

	t.Run("partner fetches the uploaded asset", func(t *testing.T) {
		require.NoError(t, bob.sync.PerformDeltaSync(ctx))
		data, err := bob.workouts.LoadPhoto(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("the-photo"), data)
	})
}

func TestDeltaSyncFallsBackOnExpiredToken(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, bob := pairUp(t, ctx, cluster)

	_, err := bob.workouts.LogWorkout(ctx, []byte("jpeg"), "before expiry")
	require.NoError(t, err)

	zone, _ := alice.session.Zone()
	cluster.InvalidateTokens(zone.Name)

	// The expired token degrades to a full resync, not an error.
	require.NoError(t, alice.sync.PerformDeltaSync(ctx))

	goal := alice.cache.CurrentWeek(alice.clock.Now())
	partner := alice.cache.Partner()
	assert.Equal(t, 1, alice.cache.WorkoutDays(partner.ID, goal))

	// And the token is re-armed: the next incremental pass works.
	require.NoError(t, alice.sync.PerformDeltaSync(ctx))
}

func TestSendNudge(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, bob := pairUp(t, ctx, cluster)

	_, err := bob.workouts.SendNudge(ctx, "get moving!")
	require.NoError(t, err)

	require.NoError(t, alice.sync.PerformDeltaSync(ctx))

	nudges := alice.cache.Nudges()
	require.Len(t, nudges, 1)
	assert.Equal(t, "get moving!", nudges[0].Message)

	events := alice.notifier.ByKind(notify.KindNudge)
	require.Len(t, events, 1)
	assert.Equal(t, "get moving!", events[0].Message)

	t.Run("empty message is rejected", func(t *testing.T) {
		_, err := bob.workouts.SendNudge(ctx, "   ")
		assert.Error(t, err)
	})
}

func TestProfileMutations(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	alice, bob := pairUp(t, ctx, cluster)

	t.Run("display name", func(t *testing.T) {
		require.NoError(t, alice.workouts.UpdateDisplayName(ctx, "Alicia"))
		assert.Equal(t, "Alicia", alice.cache.CurrentUser().DisplayName)

		require.NoError(t, bob.sync.PerformDeltaSync(ctx))
		assert.Equal(t, "Alicia", bob.cache.Partner().DisplayName)
	})

	t.Run("weekly goal updates the open week slot", func(t *testing.T) {
		require.NoError(t, bob.workouts.UpdateWeeklyGoal(ctx, 5))
		assert.Equal(t, 5, bob.cache.CurrentUser().WeeklyGoal)

		require.NoError(t, alice.sync.PerformDeltaSync(ctx))
		current := alice.cache.CurrentWeek(alice.clock.Now())
		assert.Equal(t, 5, current.GoalUserB)
		assert.Equal(t, 4, current.GoalUserA, "the other slot is untouched")
	})

	t.Run("week start day", func(t *testing.T) {
		require.NoError(t, alice.workouts.UpdateWeekStartDay(ctx, 7))
		assert.Equal(t, 7, alice.cache.Pair().WeekStartDay)

		require.NoError(t, bob.sync.PerformDeltaSync(ctx))
		assert.Equal(t, 7, bob.cache.Pair().WeekStartDay)
	})

	t.Run("out of range values are rejected", func(t *testing.T) {
		assert.Error(t, alice.workouts.UpdateWeeklyGoal(ctx, 0))
		assert.Error(t, alice.workouts.UpdateWeeklyGoal(ctx, 8))
		assert.Error(t, alice.workouts.UpdateWeekStartDay(ctx, 0))
		assert.Error(t, alice.workouts.UpdateDisplayName(ctx, "  "))
	})
}

func TestSetupGating(t *testing.T) {
	ctx := context.Background()

	t.Run("needs auth", func(t *testing.T) {
		cluster := memstore.NewCluster(0)
		d := newDevice(t, cluster, "account-x")
		d.store.SetStatus(remote.AccountNeedsAuth)

		require.NoError(t, d.sync.Setup(ctx))
		flags := d.cache.Flags()
		assert.True(t, flags.NeedsAuth)
		assert.False(t, flags.HasGroup)
		assert.False(t, flags.Loading)
	})

	t.Run("temporarily unavailable", func(t *testing.T) {
		cluster := memstore.NewCluster(0)
		d := newDevice(t, cluster, "account-x")
		d.store.SetStatus(remote.AccountUnavailable)

		require.NoError(t, d.sync.Setup(ctx))
		flags := d.cache.Flags()
		assert.True(t, flags.Offline)
		assert.False(t, flags.HasGroup)
	})

	t.Run("available without a group", func(t *testing.T) {
		cluster := memstore.NewCluster(0)
		d := newDevice(t, cluster, "account-x")

		require.NoError(t, d.sync.Setup(ctx))
		assert.False(t, d.cache.Flags().HasGroup)
	})

	t.Run("setup rediscovers an existing group", func(t *testing.T) {
		cluster := memstore.NewCluster(0)
		alice, _ := pairUp(t, ctx, cluster)

		// A fresh engine on the same account, as after an app restart.
		restarted := newDevice(t, cluster, "account-alice")
		require.NoError(t, restarted.sync.Setup(ctx))

		assert.True(t, restarted.cache.Flags().HasGroup)
		assert.Equal(t, alice.cache.Pair().ID, restarted.cache.Pair().ID)
		assert.Equal(t, "Alice", restarted.cache.CurrentUser().DisplayName)
		assert.True(t, restarted.session.IsOwner())
	})
}

func TestStableMemberID(t *testing.T) {
	a, ok := services.StableMemberID("account-alice")
	require.True(t, ok)
	b, ok := services.StableMemberID("account-alice")
	require.True(t, ok)
	assert.Equal(t, a, b, "identity is stable across devices")

	c, ok := services.StableMemberID("account-bob")
	require.True(t, ok)
	assert.NotEqual(t, a, c)

	_, ok = services.StableMemberID("")
	assert.False(t, ok)
}
