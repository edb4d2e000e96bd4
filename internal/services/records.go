package services

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"pairsync/internal/models"
	"pairsync/internal/remote"
)

// Record type names in the remote store.
const (
	typeGroup      = "Group"
	typeMember     = "Member"
	typeWeeklyGoal = "WeeklyGoal"
	typeWorkout    = "Workout"
	typeNudge      = "Nudge"
	typeInviteCode = "InviteCode"
)

// Invite code lifecycle states in the public namespace.
const (
	inviteStatusPending  = "pending"
	inviteStatusActive   = "active"
	inviteStatusAccepted = "accepted"
)

// groupRecordName extracts the group record ID from its zone name. The
// zone is named after the group so the root record is addressable without
// a query.
func groupRecordName(zoneName string) (string, bool) {
	if !strings.HasPrefix(zoneName, zonePrefix) {
		return "", false
	}
	return strings.TrimPrefix(zoneName, zonePrefix), true
}

func pairToRecord(p models.Pair) remote.Record {
	rec := remote.Record{
		ID:   p.ID.String(),
		Type: typeGroup,
		Fields: map[string]any{
			"user_a_id":      p.UserAID.String(),
			"user_b_id":      slotString(p.UserBID),
			"week_start_day": p.WeekStartDay,
			"invite_code":    p.InviteCode,
			"max_members":    2,
		},
	}
	rec.SetTime("created_at", p.CreatedAt)
	return rec
}

func pairFromRecord(rec remote.Record) models.Pair {
	id, _ := uuid.Parse(rec.ID)
	userA, _ := uuid.Parse(rec.String("user_a_id"))
	userB, err := uuid.Parse(rec.String("user_b_id"))
	if err != nil {
		userB = userA
	}
	day := rec.Int("week_start_day")
	if day < 1 || day > 7 {
		day = 1
	}
	return models.Pair{
		ID:           id,
		UserAID:      userA,
		UserBID:      userB,
		WeekStartDay: day,
		InviteCode:   rec.String("invite_code"),
		CreatedAt:    rec.Time("created_at"),
	}
}

func profileToRecord(p models.UserProfile, role string, accountName string, joinedAt time.Time) remote.Record {
	rec := remote.Record{
		ID:   p.ID.String(),
		Type: typeMember,
		Fields: map[string]any{
			"group_ref":    p.PairID.String(),
			"display_name": p.DisplayName,
			"weekly_goal":  p.WeeklyGoal,
			"timezone":     p.Timezone,
			"role":         role,
			"account_name": accountName,
		},
	}
	rec.SetTime("joined_at", joinedAt)
	return rec
}

func profileFromRecord(rec remote.Record) models.UserProfile {
	id, _ := uuid.Parse(rec.ID)
	pairID, _ := uuid.Parse(rec.String("group_ref"))
	goal := rec.Int("weekly_goal")
	if goal < 1 || goal > 7 {
		goal = 4
	}
	name := rec.String("display_name")
	if name == "" {
		name = "Unknown"
	}
	return models.UserProfile{
		ID:          id,
		PairID:      pairID,
		DisplayName: name,
		WeeklyGoal:  goal,
		Timezone:    rec.String("timezone"),
	}
}

func goalToRecord(g models.WeeklyGoal) remote.Record {
	rec := remote.Record{
		ID:   g.ID.String(),
		Type: typeWeeklyGoal,
		Fields: map[string]any{
			"group_ref":   g.PairID.String(),
			"goal_user_a": g.GoalUserA,
			"goal_user_b": g.GoalUserB,
			"wager_text":  g.WagerText,
		},
	}
	rec.SetTime("week_start", g.WeekStart)
	if g.Result != nil {
		rec.Fields["result"] = string(*g.Result)
	}
	return rec
}

func goalFromRecord(rec remote.Record) models.WeeklyGoal {
	id, _ := uuid.Parse(rec.ID)
	pairID, _ := uuid.Parse(rec.String("group_ref"))
	goal := models.WeeklyGoal{
		ID:        id,
		PairID:    pairID,
		WeekStart: rec.Time("week_start"),
		GoalUserA: rec.Int("goal_user_a"),
		GoalUserB: rec.Int("goal_user_b"),
		WagerText: rec.String("wager_text"),
	}
	if result := models.WeekResult(rec.String("result")); result.Valid() {
		goal.Result = &result
	}
	return goal
}

func workoutToRecord(w models.Workout) remote.Record {
	rec := remote.Record{
		ID:   w.ID.String(),
		Type: typeWorkout,
		Fields: map[string]any{
			"member_ref":      w.UserID.String(),
			"group_ref":       w.PairID.String(),
			"weekly_goal_ref": w.WeeklyGoalID.String(),
			"caption":         w.Caption,
			"photo_asset":     w.PhotoAsset,
		},
	}
	rec.SetTime("logged_at", w.LoggedAt)
	rec.SetTime("workout_date", w.WorkoutDate)
	return rec
}

func workoutFromRecord(rec remote.Record) models.Workout {
	id, _ := uuid.Parse(rec.ID)
	userID, _ := uuid.Parse(rec.String("member_ref"))
	pairID, _ := uuid.Parse(rec.String("group_ref"))
	goalID, _ := uuid.Parse(rec.String("weekly_goal_ref"))
	return models.Workout{
		ID:           id,
		UserID:       userID,
		PairID:       pairID,
		WeeklyGoalID: goalID,
		PhotoAsset:   rec.String("photo_asset"),
		Caption:      rec.String("caption"),
		LoggedAt:     rec.Time("logged_at"),
		WorkoutDate:  rec.Time("workout_date"),
	}
}

func nudgeToRecord(n models.Nudge) remote.Record {
	rec := remote.Record{
		ID:   n.ID.String(),
		Type: typeNudge,
		Fields: map[string]any{
			"sender_ref": n.SenderID.String(),
			"group_ref":  n.PairID.String(),
			"message":    n.Message,
		},
	}
	rec.SetTime("sent_at", n.SentAt)
	return rec
}

func nudgeFromRecord(rec remote.Record) models.Nudge {
	id, _ := uuid.Parse(rec.ID)
	senderID, _ := uuid.Parse(rec.String("sender_ref"))
	pairID, _ := uuid.Parse(rec.String("group_ref"))
	return models.Nudge{
		ID:       id,
		SenderID: senderID,
		PairID:   pairID,
		Message:  rec.String("message"),
		SentAt:   rec.Time("sent_at"),
	}
}

// slotString renders a user slot, keeping the unset marker as "".
func slotString(id uuid.UUID) string {
	if id == models.ZeroID {
		return ""
	}
	return id.String()
}
