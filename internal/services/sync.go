package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pairsync/internal/cache"
	"pairsync/internal/models"
	"pairsync/internal/notify"
	"pairsync/internal/remote"
)

// SyncService reconciles the local cache with the remote zone: setup and
// zone discovery, the incremental change-feed loop, and the full-resync
// fallback when the change token has been invalidated.
type SyncService struct {
	session *Session
	goals   *GoalService

	// syncMu serializes sync passes so merges never interleave.
	syncMu sync.Mutex
}

// NewSyncService creates a sync service.
func NewSyncService(session *Session, goals *GoalService) *SyncService {
	return &SyncService{session: session, goals: goals}
}

// Setup gates on account availability, discovers the group zone, and runs
// the initial full fetch. A missing zone is not an error: the device simply
// has no group yet.
func (s *SyncService) Setup(ctx context.Context) error {
	sess := s.session
	sess.Ring.Addf("setup started")
	sess.Cache.Update(func(st *cache.State) {
		st.Flags.Loading = true
		st.Flags.Offline = false
		st.Flags.StorageFull = false
	})
	defer sess.Cache.Update(func(st *cache.State) { st.Flags.Loading = false })

	status, err := sess.Store.AccountStatus(ctx)
	if err != nil {
		return sess.ClassifyError(err)
	}
	switch status {
	case remote.AccountAvailable:
	case remote.AccountNeedsAuth:
		sess.Ring.Addf("setup exited: needs authentication")
		sess.Cache.Update(func(st *cache.State) {
			st.Flags.NeedsAuth = true
			st.Flags.HasGroup = false
		})
		return nil
	default:
		sess.Ring.Addf("setup exited: account temporarily unavailable")
		sess.Cache.Update(func(st *cache.State) {
			st.Flags.Offline = true
			st.Flags.HasGroup = false
		})
		return nil
	}

	accountName, err := sess.Store.AccountIdentity(ctx)
	if err != nil {
		return sess.ClassifyError(err)
	}
	if id, ok := StableMemberID(accountName); ok {
		sess.SetMemberID(id)
	}

	zone, found, err := s.discoverZone(ctx)
	if err != nil {
		return sess.ClassifyError(err)
	}
	if !found {
		sess.Ring.Addf("setup: no group zone found")
		sess.Cache.Update(func(st *cache.State) { st.Flags.HasGroup = false })
		return nil
	}
	sess.SetZone(zone)
	sess.Ring.Addf("setup discovered zone %s in %s scope", zone.Name, zone.Scope)
	s.configureSubscriptions(zone)

	if err := s.FullResync(ctx); err != nil {
		return err
	}
	if sess.Cache.Flags().HasGroup {
		if err := sess.Local.ClearPendingInviteCode(); err != nil {
			sess.Logger.Warn().Err(err).Msg("failed to clear pending invite code")
		}
	}
	if err := s.goals.EnsureCurrentWeekGoal(ctx); err != nil {
		sess.Logger.Warn().Err(err).Msg("weekly goal evaluation failed during setup")
	}
	sess.MarkSyncDone()
	sess.Ring.Addf("setup completed")
	return nil
}

// configureSubscriptions records the one-time change subscription setup
// for the zone. Stores without live watch support skip it.
func (s *SyncService) configureSubscriptions(zone remote.Zone) {
	sess := s.session
	if _, ok := sess.Store.(remote.Watcher); !ok {
		return
	}
	done, err := sess.Local.SubscriptionsConfigured(zone.Name)
	if err != nil || done {
		return
	}
	if err := sess.Local.MarkSubscriptionsConfigured(zone.Name); err != nil {
		sess.Logger.Warn().Err(err).Msg("failed to persist subscription state")
		return
	}
	sess.Ring.Addf("configured change subscriptions for zone %s", zone.Name)
}

// discoverZone looks for the group zone, private scope first (owner
// devices), then shared (joiner devices).
func (s *SyncService) discoverZone(ctx context.Context) (remote.Zone, bool, error) {
	for _, scope := range []remote.Scope{remote.ScopePrivate, remote.ScopeShared} {
		zones, err := s.session.Store.ListZones(ctx, scope)
		if err != nil {
			return remote.Zone{}, false, err
		}
		for _, z := range zones {
			if strings.HasPrefix(z.Name, zonePrefix) {
				return z, true, nil
			}
		}
	}
	return remote.Zone{}, false, nil
}

// PerformDeltaSync consumes the change feed from the persisted token,
// merging each page into the cache and advancing the token only after the
// page committed. An invalidated token silently degrades to a full resync.
// Re-delivery of an already-consumed change is harmless: merges are
// keyed by ID.
func (s *SyncService) PerformDeltaSync(ctx context.Context) error {
	sess := s.session
	zone, ok := sess.Zone()
	if !ok {
		return nil
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	token, err := sess.Local.ChangeToken(zone.Name)
	if err != nil {
		return err
	}

	for {
		set, err := sess.Store.Changes(ctx, zone, token)
		if errors.Is(err, remote.ErrTokenExpired) {
			sess.Ring.Addf("change token expired; falling back to full resync")
			if err := sess.Local.ClearChangeToken(zone.Name); err != nil {
				return err
			}
			return s.fullResyncLocked(ctx)
		}
		if err != nil {
			// Token untouched: the next attempt retries from the same point.
			return sess.ClassifyError(err)
		}

		s.merge(set)
		token = set.Token
		if err := sess.Local.SetChangeToken(zone.Name, token); err != nil {
			return err
		}
		if !set.More {
			break
		}
	}

	if err := s.goals.EnsureCurrentWeekGoal(ctx); err != nil {
		sess.Logger.Warn().Err(err).Msg("weekly goal evaluation failed after sync")
	}
	sess.MarkSyncDone()
	return nil
}

// FullResync refetches the group, members, weekly goals, workouts, and
// nudges, rebuilds the cache from them, and re-arms the change token from
// the head of the feed.
func (s *SyncService) FullResync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.fullResyncLocked(ctx)
}

func (s *SyncService) fullResyncLocked(ctx context.Context) error {
	sess := s.session
	zone, ok := sess.Zone()
	if !ok {
		return ErrNoGroup
	}

	groupName, ok := groupRecordName(zone.Name)
	if !ok {
		return remote.ErrZoneNotFound
	}
	groupRec, err := sess.Store.Get(ctx, zone, groupName)
	if err != nil {
		return sess.ClassifyError(err)
	}
	members, err := sess.Store.Query(ctx, zone, remote.Query{Type: typeMember, Limit: 10})
	if err != nil {
		return sess.ClassifyError(err)
	}
	goalRecs, err := sess.Store.Query(ctx, zone, remote.Query{
		Type: typeWeeklyGoal, SortBy: "week_start", SortDesc: true, Limit: 100,
	})
	if err != nil {
		return sess.ClassifyError(err)
	}
	workoutRecs, err := sess.Store.Query(ctx, zone, remote.Query{
		Type: typeWorkout, SortBy: "logged_at", SortDesc: true, Limit: 500,
	})
	if err != nil {
		return sess.ClassifyError(err)
	}
	nudgeRecs, err := sess.Store.Query(ctx, zone, remote.Query{Type: typeNudge, Limit: 200})
	if err != nil {
		return sess.ClassifyError(err)
	}

	// Fast-forward the incremental feed; the snapshot also covers writes
	// that landed between the queries above and this call.
	snapshot, err := sess.Store.Changes(ctx, zone, "")
	if err != nil {
		return sess.ClassifyError(err)
	}

	memberID := sess.MemberID()
	sess.Cache.Update(func(st *cache.State) {
		// In-flight local photo bytes survive the rebuild; the remote
		// projection never carries them.
		photos := make(map[uuid.UUID][]byte)
		for _, w := range st.Workouts {
			if len(w.PhotoData) > 0 {
				photos[w.ID] = w.PhotoData
			}
		}
		results := make(map[uuid.UUID]*models.WeekResult)
		for _, g := range st.Goals {
			if g.Result != nil {
				results[g.ID] = g.Result
			}
		}

		st.Pair = pairFromRecord(groupRec)
		st.Goals = nil
		st.Workouts = nil
		st.Nudges = nil
		for _, rec := range goalRecs {
			g := goalFromRecord(rec)
			if g.Result == nil {
				g.Result = results[g.ID]
			}
			st.Goals = append(st.Goals, g)
		}
		for _, rec := range workoutRecs {
			w := workoutFromRecord(rec)
			w.PhotoData = photos[w.ID]
			st.Workouts = append(st.Workouts, w)
		}
		for _, rec := range nudgeRecs {
			st.Nudges = append(st.Nudges, nudgeFromRecord(rec))
		}

		s.assignMembers(st, members, memberID)
		st.Flags.HasGroup = len(members) >= 2
	})

	s.merge(snapshot)
	if err := sess.Local.SetChangeToken(zone.Name, snapshot.Token); err != nil {
		return err
	}
	sess.Ring.Addf("full resync done: members=%d goals=%d workouts=%d",
		len(members), len(goalRecs), len(workoutRecs))
	return nil
}

// assignMembers maps member records onto the current-user and partner
// slots. Until a second member exists, the partner stays a
// waiting-for-partner placeholder mirroring the current user.
func (s *SyncService) assignMembers(st *cache.State, members []remote.Record, memberID uuid.UUID) {
	var me, other *models.UserProfile
	for _, rec := range members {
		profile := profileFromRecord(rec)
		if profile.ID == memberID {
			p := profile
			me = &p
		} else if other == nil {
			p := profile
			other = &p
		}
	}
	if me == nil {
		me = other
		other = nil
	}
	if me != nil {
		st.CurrentUser = *me
	}
	if other != nil {
		st.Partner = *other
	} else {
		st.Partner = models.UserProfile{
			ID:          st.CurrentUser.ID,
			PairID:      st.CurrentUser.PairID,
			DisplayName: "Waiting for partner",
			WeeklyGoal:  st.CurrentUser.WeeklyGoal,
			Timezone:    st.CurrentUser.Timezone,
		}
	}
}

// merge applies one change-feed page to the cache. Each entity type merges
// independently by ID; no cross-type ordering is assumed. Partner
// membership discovered mid-merge replaces the placeholder profile and
// flips the ready state.
func (s *SyncService) merge(set remote.ChangeSet) {
	sess := s.session
	memberID := sess.MemberID()
	var events []notify.Event

	sess.Cache.Update(func(st *cache.State) {
		for _, rec := range set.Changed {
			switch rec.Type {
			case typeGroup:
				pair := pairFromRecord(rec)
				st.Pair = pair
			case typeMember:
				profile := profileFromRecord(rec)
				if profile.ID == memberID || (memberID == uuid.UUID{} && profile.ID == st.CurrentUser.ID) {
					st.CurrentUser = profile
				} else {
					st.Partner = profile
					st.Flags.HasGroup = true
				}
			case typeWeeklyGoal:
				st.UpsertGoal(goalFromRecord(rec))
			case typeWorkout:
				w := workoutFromRecord(rec)
				if _, known := findWorkout(st.Workouts, w.ID); !known && w.UserID != memberID && sess.FirstSyncDone() {
					events = append(events, notify.Event{
						Kind:    notify.KindPartnerWorkout,
						PairID:  w.PairID,
						FromID:  w.UserID,
						Title:   "Partner workout",
						Message: w.Caption,
					})
				}
				st.UpsertWorkout(w)
			case typeNudge:
				n := nudgeFromRecord(rec)
				if _, known := findNudge(st.Nudges, n.ID); !known && n.SenderID != memberID && sess.FirstSyncDone() {
					events = append(events, notify.Event{
						Kind:    notify.KindNudge,
						PairID:  n.PairID,
						FromID:  n.SenderID,
						Title:   "Nudge",
						Message: n.Message,
					})
				}
				st.UpsertNudge(n)
			}
		}
		for _, del := range set.Deleted {
			id, err := uuid.Parse(del.ID)
			if err != nil {
				continue
			}
			switch del.Type {
			case typeWeeklyGoal:
				st.RemoveGoal(id)
			case typeWorkout:
				st.RemoveWorkout(id)
			case typeNudge:
				st.RemoveNudge(id)
			}
		}
	})

	for _, event := range events {
		sess.Notifier.Notify(event)
	}
}

func findWorkout(workouts []models.Workout, id uuid.UUID) (models.Workout, bool) {
	for _, w := range workouts {
		if w.ID == id {
			return w, true
		}
	}
	return models.Workout{}, false
}

func findNudge(nudges []models.Nudge, id uuid.UUID) (models.Nudge, bool) {
	for _, n := range nudges {
		if n.ID == id {
			return n, true
		}
	}
	return models.Nudge{}, false
}
