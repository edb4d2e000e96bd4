package services

import (
	"context"
	"errors"
	"sync/atomic"

	"pairsync/internal/cache"
	"pairsync/internal/models"
	"pairsync/internal/notify"
	"pairsync/internal/remote"
	"pairsync/internal/week"
)

// GoalService owns the weekly goal lifecycle: settling expired weeks and
// creating the current one, race-tolerantly against the partner device.
type GoalService struct {
	session *Session

	// ensuring is the single-flight guard: concurrent callers observe a
	// no-op instead of duplicate work.
	ensuring atomic.Bool
}

// NewGoalService creates a goal lifecycle service.
func NewGoalService(session *Session) *GoalService {
	return &GoalService{session: session}
}

// EnsureCurrentWeekGoal settles any open week that has expired and makes
// sure a goal exists for the current week. Safe to call concurrently with
// itself (subsequent calls no-op while one is running) and with the same
// operation on the partner's device (the deterministic week ID turns the
// cross-device race into a write collision the loser yields to).
func (g *GoalService) EnsureCurrentWeekGoal(ctx context.Context) error {
	if !g.ensuring.CompareAndSwap(false, true) {
		return nil
	}
	defer g.ensuring.Store(false)

	sess := g.session
	zone, ok := sess.Zone()
	if !ok {
		return nil
	}

	pair := sess.Cache.Pair()
	now := sess.Now()
	currentStart := week.StartOf(now, pair.WeekStartDay)

	// Step 1: settle expired open weeks before rolling over.
	var lastWager string
	for _, goal := range sess.Cache.WeeklyGoals() {
		if goal.Open() && goal.WeekStart.Before(currentStart) {
			lastWager = goal.WagerText
			if err := g.settle(ctx, zone, goal); err != nil {
				return err
			}
		}
	}

	// Step 2+3: nothing to do if the current week already exists.
	for _, goal := range sess.Cache.WeeklyGoals() {
		if week.SameDay(goal.WeekStart, currentStart) {
			return nil
		}
	}

	// Step 4: carry each user's configured goal into their slot, and the
	// previous week's wager as a convenience default.
	user := sess.Cache.CurrentUser()
	partner := sess.Cache.Partner()
	goalA, goalB := user.WeeklyGoal, partner.WeeklyGoal
	if user.ID != pair.UserAID {
		goalA, goalB = partner.WeeklyGoal, user.WeeklyGoal
	}
	if lastWager == "" {
		if prev := latestClosedWager(sess.Cache.WeeklyGoals()); prev != "" {
			lastWager = prev
		}
	}
	speculative := models.WeeklyGoal{
		ID:        week.GoalID(pair.ID, currentStart),
		PairID:    pair.ID,
		WeekStart: currentStart,
		GoalUserA: goalA,
		GoalUserB: goalB,
		WagerText: lastWager,
	}

	stored, err := sess.Store.Save(ctx, zone, goalToRecord(speculative), remote.SaveCreate)
	if err != nil {
		server, collided := remote.Conflict(err)
		if !collided {
			return sess.ClassifyError(err)
		}
		// Step 6: the partner won the creation race; adopt their version
		// and discard the speculative one.
		sess.Ring.Addf("week %s already created remotely; adopting", currentStart.Format("2006-01-02"))
		stored = server
	} else {
		sess.Ring.Addf("created weekly goal for %s", currentStart.Format("2006-01-02"))
	}

	adopted := goalFromRecord(stored)
	sess.Cache.Update(func(st *cache.State) { st.UpsertGoal(adopted) })
	return nil
}

// settle computes and records the result of an expired week exactly once.
// Only the namespace owner writes results, so the two devices never race
// on one; non-owners still adopt a result the owner already committed.
func (g *GoalService) settle(ctx context.Context, zone remote.Zone, goal models.WeeklyGoal) error {
	sess := g.session

	rec, err := sess.Store.Get(ctx, zone, goal.ID.String())
	if err != nil {
		if errors.Is(err, remote.ErrRecordNotFound) {
			return nil
		}
		return sess.ClassifyError(err)
	}
	if existing := models.WeekResult(rec.String("result")); existing.Valid() {
		g.adoptResult(goalFromRecord(rec))
		return nil
	}
	if !sess.IsOwner() {
		return nil
	}

	pair := sess.Cache.Pair()
	remoteGoal := goalFromRecord(rec)
	daysA := sess.Cache.WorkoutDays(pair.UserAID, remoteGoal)
	daysB := sess.Cache.WorkoutDays(pair.UserBID, remoteGoal)
	result := Settle(daysA, remoteGoal.GoalUserA, daysB, remoteGoal.GoalUserB)

	rec.Fields["result"] = string(result)
	stored, err := sess.Store.Save(ctx, zone, rec, remote.SaveIfUnchanged)
	if err != nil {
		server, collided := remote.Conflict(err)
		if !collided {
			return sess.ClassifyError(err)
		}
		// A concurrent write landed first; whatever it decided wins.
		stored = server
	}

	settled := goalFromRecord(stored)
	g.adoptResult(settled)
	sess.Ring.Addf("settled week %s: A=%d/%d B=%d/%d -> %s",
		settled.WeekStart.Format("2006-01-02"), daysA, remoteGoal.GoalUserA, daysB, remoteGoal.GoalUserB, result)

	if settled.Result != nil && sess.FirstSyncDone() {
		sess.Notifier.Notify(notify.Event{
			Kind:    notify.KindWeekResult,
			PairID:  settled.PairID,
			Title:   "Week settled",
			Message: resultMessage(*settled.Result),
		})
	}
	return nil
}

func (g *GoalService) adoptResult(goal models.WeeklyGoal) {
	g.session.Cache.Update(func(st *cache.State) { st.UpsertGoal(goal) })
}

// Settle maps the two hit/miss outcomes onto a week result. The table is
// total: every (daysA, goalA, daysB, goalB) combination lands in exactly
// one case.
func Settle(daysA, goalA, daysB, goalB int) models.WeekResult {
	hitA := daysA >= goalA
	hitB := daysB >= goalB
	switch {
	case hitA && hitB:
		return models.ResultBothHit
	case !hitA && hitB:
		return models.ResultAOwes
	case hitA && !hitB:
		return models.ResultBOwes
	default:
		return models.ResultBothMissed
	}
}

func latestClosedWager(goals []models.WeeklyGoal) string {
	var latest models.WeeklyGoal
	found := false
	for _, g := range goals {
		if g.WagerText == "" {
			continue
		}
		if !found || g.WeekStart.After(latest.WeekStart) {
			latest = g
			found = true
		}
	}
	return latest.WagerText
}

func resultMessage(result models.WeekResult) string {
	switch result {
	case models.ResultBothHit:
		return "Both of you hit your goals. Streak continues!"
	case models.ResultAOwes, models.ResultBOwes:
		return "One of you missed. The wager is due."
	default:
		return "Both of you missed this week."
	}
}
