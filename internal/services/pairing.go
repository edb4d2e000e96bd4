package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"pairsync/internal/cache"
	"pairsync/internal/models"
	"pairsync/internal/remote"
	"pairsync/internal/week"
)

const (
	inviteCodeLength = 6
	// Visually ambiguous symbols (0/O, 1/I/L) are excluded so codes
	// survive being read aloud or typed from a photo.
	inviteCodeChars    = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	inviteCodeAttempts = 20
	inviteCodeTTL      = 48 * time.Hour
)

// PublicZone addresses the account-independent invite-code namespace.
var publicZone = remote.Zone{Name: "_public", Scope: remote.ScopePublic}

// PairingService bootstraps the shared namespace: group creation, the
// invite-code handshake, and partner-join detection.
type PairingService struct {
	session *Session
	sync    *SyncService
}

// NewPairingService creates a pairing service.
func NewPairingService(session *Session, syncService *SyncService) *PairingService {
	return &PairingService{session: session, sync: syncService}
}

// CreateGroup allocates the shared zone, persists the group and owner
// records, publishes an invite code with a 48-hour expiry, and creates the
// initial weekly goal. Returns the invite code to show the user.
//
// There is no compensating rollback: a failure partway may leave a zone or
// a reserved code behind. The code expires on its own and an empty zone is
// ignored by discovery, so the residue is harmless.
func (p *PairingService) CreateGroup(ctx context.Context, displayName string, weeklyGoal int) (string, error) {
	s := p.session
	name := strings.TrimSpace(displayName)
	if name == "" {
		return "", ErrGroupCreationFailed
	}
	s.Ring.Addf("createGroup start: name=%s goal=%d", name, weeklyGoal)

	accountName, err := s.Store.AccountIdentity(ctx)
	if err != nil {
		return "", s.ClassifyError(err)
	}
	memberID, ok := StableMemberID(accountName)
	if !ok {
		memberID = uuid.New()
	}
	s.SetMemberID(memberID)

	code, err := p.reserveInviteCode(ctx)
	if err != nil {
		return "", err
	}
	s.Ring.Addf("createGroup reserved invite code %s", code)

	groupID := uuid.New()
	now := s.Now()
	zone, err := s.Store.CreateZone(ctx, zonePrefix+groupID.String())
	if err != nil {
		s.ClassifyError(err)
		return "", fmt.Errorf("%w: %v", ErrGroupCreationFailed, err)
	}
	s.Ring.Addf("createGroup created zone %s", zone.Name)

	pair := models.Pair{
		ID:           groupID,
		UserAID:      memberID,
		UserBID:      models.ZeroID,
		WeekStartDay: 1,
		InviteCode:   code,
		CreatedAt:    now,
	}
	owner := models.UserProfile{
		ID:          memberID,
		PairID:      groupID,
		DisplayName: name,
		WeeklyGoal:  weeklyGoal,
		Timezone:    now.Location().String(),
	}

	if _, err := s.Store.Save(ctx, zone, pairToRecord(pair), remote.SaveOverwrite); err != nil {
		s.ClassifyError(err)
		return "", fmt.Errorf("%w: %v", ErrGroupCreationFailed, err)
	}
	if _, err := s.Store.Save(ctx, zone, profileToRecord(owner, "owner", accountName, now), remote.SaveOverwrite); err != nil {
		s.ClassifyError(err)
		return "", fmt.Errorf("%w: %v", ErrGroupCreationFailed, err)
	}

	shareURL, err := s.Store.CreateShare(ctx, zone, "Workout Pair")
	if err != nil {
		s.ClassifyError(err)
		return "", fmt.Errorf("%w: %v", ErrGroupCreationFailed, err)
	}
	s.Ring.Addf("createGroup published share grant")

	if err := p.activateInviteCode(ctx, code, shareURL, name); err != nil {
		return "", err
	}
	s.Ring.Addf("createGroup activated invite code")

	weekStart := week.StartOf(now, pair.WeekStartDay)
	initial := models.WeeklyGoal{
		ID:        week.GoalID(groupID, weekStart),
		PairID:    groupID,
		WeekStart: weekStart,
		GoalUserA: weeklyGoal,
		GoalUserB: weeklyGoal,
	}
	if _, err := s.Store.Save(ctx, zone, goalToRecord(initial), remote.SaveCreate); err != nil && !errors.Is(err, remote.ErrConflict) {
		s.ClassifyError(err)
		return "", fmt.Errorf("%w: %v", ErrGroupCreationFailed, err)
	}
	s.Ring.Addf("createGroup created initial weekly goal for %s", weekStart.Format("2006-01-02"))

	s.SetZone(zone)
	s.Cache.Update(func(st *cache.State) {
		st.Pair = pair
		st.CurrentUser = owner
		st.Partner = models.UserProfile{
			ID:          memberID,
			PairID:      groupID,
			DisplayName: "Waiting for partner",
			WeeklyGoal:  weeklyGoal,
		}
		st.Goals = []models.WeeklyGoal{initial}
		st.Workouts = nil
		st.Nudges = nil
		st.Flags.HasGroup = false
		st.Flags.Loading = false
	})

	if err := s.Local.SetPendingInviteCode(code); err != nil {
		s.Logger.Warn().Err(err).Msg("failed to persist pending invite code")
	}
	s.Ring.Addf("createGroup done; waiting for partner")
	return code, nil
}

// reserveInviteCode claims a globally unique code in the public namespace
// via optimistic insert, retrying on collision.
func (p *PairingService) reserveInviteCode(ctx context.Context) (string, error) {
	s := p.session
	for i := 0; i < inviteCodeAttempts; i++ {
		code := generateInviteCode()
		rec := remote.Record{
			ID:   code,
			Type: typeInviteCode,
			Fields: map[string]any{
				"code":   code,
				"status": inviteStatusPending,
			},
		}
		rec.SetTime("expires_at", s.Now().Add(inviteCodeTTL))

		_, err := s.Store.Save(ctx, publicZone, rec, remote.SaveCreate)
		if err == nil {
			return code, nil
		}
		if errors.Is(err, remote.ErrConflict) {
			s.Ring.Addf("invite code collision for %s, retrying", code)
			continue
		}
		s.ClassifyError(err)
		return "", fmt.Errorf("%w: %v", ErrGroupCreationFailed, err)
	}
	s.Ring.Addf("invite code reservation exhausted %d attempts", inviteCodeAttempts)
	return "", ErrGroupCreationFailed
}

func (p *PairingService) activateInviteCode(ctx context.Context, code, shareURL, creatorName string) error {
	s := p.session
	rec, err := s.Store.Get(ctx, publicZone, code)
	if err != nil {
		s.ClassifyError(err)
		return fmt.Errorf("%w: %v", ErrGroupCreationFailed, err)
	}
	rec.Fields["status"] = inviteStatusActive
	rec.Fields["share_url"] = shareURL
	rec.Fields["creator_name"] = creatorName
	if _, err := s.Store.Save(ctx, publicZone, rec, remote.SaveOverwrite); err != nil {
		s.ClassifyError(err)
		return fmt.Errorf("%w: %v", ErrGroupCreationFailed, err)
	}
	return nil
}

func generateInviteCode() string {
	code := make([]byte, inviteCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(inviteCodeChars))))
		code[i] = inviteCodeChars[n.Int64()]
	}
	return string(code)
}

// JoinGroup redeems an invite code: accepts the sharing grant, upserts this
// device's member record, claims the free user slot, and propagates the
// joiner's goal into the open week.
func (p *PairingService) JoinGroup(ctx context.Context, code, displayName string, weeklyGoal int) error {
	s := p.session
	normalized := strings.ToUpper(strings.TrimSpace(code))
	name := strings.TrimSpace(displayName)
	if normalized == "" || name == "" {
		return ErrInviteCodeNotFound
	}
	s.Ring.Addf("joinGroup start: code=%s name=%s goal=%d", normalized, name, weeklyGoal)

	inviteRec, err := p.fetchActiveInviteCode(ctx, normalized)
	if err != nil {
		return err
	}

	shareURL := inviteRec.String("share_url")
	if shareURL == "" {
		return ErrShareAcceptFailed
	}
	meta, err := s.Store.ResolveShare(ctx, shareURL)
	if err != nil {
		s.ClassifyError(err)
		if errors.Is(err, remote.ErrShareNotFound) {
			return ErrShareAcceptFailed
		}
		return err
	}
	if err := s.Store.AcceptShare(ctx, meta); err != nil {
		s.ClassifyError(err)
		return fmt.Errorf("%w: %v", ErrShareAcceptFailed, err)
	}
	s.Ring.Addf("joinGroup accepted share for zone %s", meta.ZoneName)

	zone, err := p.discoverZone(ctx, meta.ZoneName)
	if err != nil {
		return err
	}
	s.SetZone(zone)

	groupName, ok := groupRecordName(zone.Name)
	if !ok {
		return ErrShareAcceptFailed
	}
	groupRec, err := s.Store.Get(ctx, zone, groupName)
	if err != nil {
		s.ClassifyError(err)
		return fmt.Errorf("%w: %v", ErrShareAcceptFailed, err)
	}

	accountName, err := s.Store.AccountIdentity(ctx)
	if err != nil {
		return s.ClassifyError(err)
	}
	memberID, err := p.upsertMember(ctx, zone, groupRec, accountName, name, weeklyGoal)
	if err != nil {
		return err
	}
	s.Ring.Addf("joinGroup upserted member %s", memberID)

	if err := p.claimPartnerSlot(ctx, zone, groupRec.ID, memberID); err != nil {
		return err
	}
	if err := p.propagateJoinerGoal(ctx, zone, groupRec.ID, memberID, weeklyGoal); err != nil {
		return err
	}

	inviteRec.Fields["status"] = inviteStatusAccepted
	inviteRec.SetTime("accepted_at", s.Now())
	if _, err := s.Store.Save(ctx, publicZone, inviteRec, remote.SaveOverwrite); err != nil {
		s.ClassifyError(err)
		return err
	}
	s.Ring.Addf("joinGroup marked invite code accepted")

	if err := p.sync.FullResync(ctx); err != nil {
		return err
	}
	s.Ring.Addf("joinGroup done")
	return nil
}

func (p *PairingService) fetchActiveInviteCode(ctx context.Context, code string) (remote.Record, error) {
	s := p.session
	rec, err := s.Store.Get(ctx, publicZone, code)
	if err != nil {
		if errors.Is(err, remote.ErrRecordNotFound) {
			return remote.Record{}, ErrInviteCodeNotFound
		}
		return remote.Record{}, s.ClassifyError(err)
	}
	// Accepted and still-pending codes both read as not found: the caller
	// only learns about codes that can actually be redeemed.
	if !strings.EqualFold(rec.String("status"), inviteStatusActive) {
		return remote.Record{}, ErrInviteCodeNotFound
	}
	expiresAt := rec.Time("expires_at")
	if expiresAt.IsZero() {
		return remote.Record{}, ErrInviteCodeNotFound
	}
	if !expiresAt.After(s.Now()) {
		return remote.Record{}, ErrInviteCodeExpired
	}
	return rec, nil
}

// discoverZone finds the group zone after a share accept, preferring the
// shared scope and falling back to private (re-join on the owner device).
func (p *PairingService) discoverZone(ctx context.Context, preferredName string) (remote.Zone, error) {
	s := p.session
	for _, scope := range []remote.Scope{remote.ScopeShared, remote.ScopePrivate} {
		zones, err := s.Store.ListZones(ctx, scope)
		if err != nil {
			return remote.Zone{}, s.ClassifyError(err)
		}
		for _, z := range zones {
			if z.Name == preferredName {
				return z, nil
			}
		}
		for _, z := range zones {
			if strings.HasPrefix(z.Name, zonePrefix) {
				return z, nil
			}
		}
	}
	return remote.Zone{}, ErrShareAcceptFailed
}

// upsertMember creates or updates this device's member record in place,
// keyed by the stable identity, so a re-join after a crash does not mint a
// duplicate.
func (p *PairingService) upsertMember(ctx context.Context, zone remote.Zone, groupRec remote.Record, accountName, displayName string, weeklyGoal int) (uuid.UUID, error) {
	s := p.session
	memberID, ok := StableMemberID(accountName)
	if !ok {
		memberID = uuid.New()
	}
	s.SetMemberID(memberID)
	now := s.Now()

	rec, err := s.Store.Get(ctx, zone, memberID.String())
	switch {
	case err == nil:
		rec.Fields["display_name"] = displayName
		rec.Fields["weekly_goal"] = weeklyGoal
		rec.Fields["timezone"] = now.Location().String()
		rec.Fields["account_name"] = accountName
		if rec.Time("joined_at").IsZero() {
			rec.SetTime("joined_at", now)
		}
		if _, err := s.Store.Save(ctx, zone, rec, remote.SaveOverwrite); err != nil {
			s.ClassifyError(err)
			return uuid.UUID{}, fmt.Errorf("%w: %v", ErrShareAcceptFailed, err)
		}
		return memberID, nil
	case errors.Is(err, remote.ErrRecordNotFound):
		pairID, _ := uuid.Parse(groupRec.ID)
		profile := models.UserProfile{
			ID:          memberID,
			PairID:      pairID,
			DisplayName: displayName,
			WeeklyGoal:  weeklyGoal,
			Timezone:    now.Location().String(),
		}
		if _, err := s.Store.Save(ctx, zone, profileToRecord(profile, "member", accountName, now), remote.SaveOverwrite); err != nil {
			s.ClassifyError(err)
			return uuid.UUID{}, fmt.Errorf("%w: %v", ErrShareAcceptFailed, err)
		}
		return memberID, nil
	default:
		s.ClassifyError(err)
		return uuid.UUID{}, fmt.Errorf("%w: %v", ErrShareAcceptFailed, err)
	}
}

// claimPartnerSlot sets user_b_id unless a different partner already holds
// the slot.
func (p *PairingService) claimPartnerSlot(ctx context.Context, zone remote.Zone, groupID string, memberID uuid.UUID) error {
	s := p.session
	rec, err := s.Store.Get(ctx, zone, groupID)
	if err != nil {
		s.ClassifyError(err)
		return fmt.Errorf("%w: %v", ErrShareAcceptFailed, err)
	}
	owner := rec.String("user_a_id")
	existing := rec.String("user_b_id")
	if existing != "" && existing != owner && existing != memberID.String() {
		// A legitimate partner already joined; never overwrite them.
		return nil
	}
	rec.Fields["user_b_id"] = memberID.String()
	if _, err := s.Store.Save(ctx, zone, rec, remote.SaveIfUnchanged); err != nil {
		if server, ok := remote.Conflict(err); ok {
			// Concurrent group update; re-check against the winner.
			if b := server.String("user_b_id"); b != "" && b != owner && b != memberID.String() {
				return nil
			}
			server.Fields["user_b_id"] = memberID.String()
			if _, err := s.Store.Save(ctx, zone, server, remote.SaveIfUnchanged); err == nil {
				return nil
			}
		}
		s.ClassifyError(err)
		return fmt.Errorf("%w: %v", ErrShareAcceptFailed, err)
	}
	return nil
}

// propagateJoinerGoal writes the joiner's configured goal into the slot
// they occupy on the currently open week.
func (p *PairingService) propagateJoinerGoal(ctx context.Context, zone remote.Zone, groupID string, memberID uuid.UUID, weeklyGoal int) error {
	s := p.session
	goals, err := s.Store.Query(ctx, zone, remote.Query{
		Type:     typeWeeklyGoal,
		SortBy:   "week_start",
		SortDesc: true,
		Limit:    1,
	})
	if err != nil {
		return s.ClassifyError(err)
	}
	if len(goals) == 0 {
		return nil
	}

	groupRec, err := s.Store.Get(ctx, zone, groupID)
	if err != nil {
		return s.ClassifyError(err)
	}
	field := "goal_user_b"
	if groupRec.String("user_a_id") == memberID.String() {
		field = "goal_user_a"
	}
	goalRec := goals[0]
	goalRec.Fields[field] = weeklyGoal
	if _, err := s.Store.Save(ctx, zone, goalRec, remote.SaveOverwrite); err != nil {
		return s.ClassifyError(err)
	}
	return nil
}

// CheckForPartner polls the member count in the shared zone. Once a second
// member is present it runs a full refresh, flips the group ready state,
// and clears the pending invite code.
func (p *PairingService) CheckForPartner(ctx context.Context) (bool, error) {
	s := p.session
	zone, ok := s.Zone()
	if !ok {
		return false, ErrNoGroup
	}

	members, err := s.Store.Query(ctx, zone, remote.Query{Type: typeMember, Limit: 10})
	if err != nil {
		s.ClassifyError(err)
		return false, err
	}
	if len(members) < 2 {
		s.Ring.Addf("checkForPartner still waiting; members=%d", len(members))
		return false, nil
	}

	if err := p.sync.FullResync(ctx); err != nil {
		return false, err
	}
	if err := s.Local.ClearPendingInviteCode(); err != nil {
		s.Logger.Warn().Err(err).Msg("failed to clear pending invite code")
	}
	s.Ring.Addf("checkForPartner partner found; members=%d", len(members))
	return true, nil
}

// WaitForPartner polls CheckForPartner at the given interval until the
// partner joins or ctx is cancelled. Cancellation is cooperative: the
// in-flight poll finishes before the loop exits.
func (p *PairingService) WaitForPartner(ctx context.Context, interval time.Duration) (bool, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		found, err := p.CheckForPartner(ctx)
		if err != nil && errors.Is(err, ErrNoGroup) {
			return false, err
		}
		if found {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
