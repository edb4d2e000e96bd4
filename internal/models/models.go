package models

import (
	"time"

	"github.com/google/uuid"
)

// ZeroID marks an unset user slot, e.g. userBId before a partner joins.
var ZeroID = uuid.UUID{}

// WeekResult is the settled outcome of a weekly goal.
type WeekResult string

const (
	ResultBothHit    WeekResult = "both_hit"
	ResultAOwes      WeekResult = "a_owes"
	ResultBOwes      WeekResult = "b_owes"
	ResultBothMissed WeekResult = "both_missed"
)

// Valid reports whether r is one of the four settled outcomes.
func (r WeekResult) Valid() bool {
	switch r {
	case ResultBothHit, ResultAOwes, ResultBOwes, ResultBothMissed:
		return true
	}
	return false
}

// Pair represents a two-member group. UserAID is whoever created the pair;
// UserBID stays ZeroID until a partner joins.
type Pair struct {
	ID           uuid.UUID `json:"id"`
	UserAID      uuid.UUID `json:"user_a_id"`
	UserBID      uuid.UUID `json:"user_b_id"`
	WeekStartDay int       `json:"week_start_day"` // 1=Monday .. 7=Sunday
	InviteCode   string    `json:"invite_code"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasPartner reports whether a second member has joined the pair.
func (p Pair) HasPartner() bool {
	return p.UserBID != ZeroID && p.UserBID != p.UserAID
}

// UserProfile represents one member of a pair.
type UserProfile struct {
	ID          uuid.UUID `json:"id"`
	PairID      uuid.UUID `json:"pair_id"`
	DisplayName string    `json:"display_name"`
	WeeklyGoal  int       `json:"weekly_goal"` // 1..7 days per week
	Timezone    string    `json:"timezone"`
}

// WeeklyGoal represents one calendar week of the pair's wager. Result is nil
// while the week is open and is written exactly once when the week closes.
type WeeklyGoal struct {
	ID        uuid.UUID   `json:"id"`
	PairID    uuid.UUID   `json:"pair_id"`
	WeekStart time.Time   `json:"week_start"`
	GoalUserA int         `json:"goal_user_a"`
	GoalUserB int         `json:"goal_user_b"`
	WagerText string      `json:"wager_text"`
	Result    *WeekResult `json:"result,omitempty"`
}

// Open reports whether the week has not been settled yet.
func (g WeeklyGoal) Open() bool {
	return g.Result == nil
}

// Workout represents a single logged session. WorkoutDate is the effective
// calendar day (3AM rule applied); LoggedAt keeps the true capture time.
type Workout struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	PairID       uuid.UUID `json:"pair_id"`
	WeeklyGoalID uuid.UUID `json:"weekly_goal_id"`
	PhotoData    []byte    `json:"-"`
	PhotoAsset   string    `json:"photo_asset,omitempty"` // remote asset reference
	Caption      string    `json:"caption,omitempty"`
	LoggedAt     time.Time `json:"logged_at"`
	WorkoutDate  time.Time `json:"workout_date"`
}

// Nudge represents an append-only poke between partners.
type Nudge struct {
	ID       uuid.UUID `json:"id"`
	SenderID uuid.UUID `json:"sender_id"`
	PairID   uuid.UUID `json:"pair_id"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
}
