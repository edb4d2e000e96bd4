// Package services implements the sync engine: pairing, delta sync, the
// weekly goal lifecycle, and optimistic mutations. Each service owns one
// concern; they share a Session holding the store handle, the local cache,
// durable device state, and the discovered zone.
package services

import (
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pairsync/internal/cache"
	"pairsync/internal/diag"
	"pairsync/internal/localstate"
	"pairsync/internal/notify"
	"pairsync/internal/remote"
)

// zonePrefix names the zones this engine creates and discovers.
const zonePrefix = "PairGroup_"

// Engine-level failures surfaced to the presentation layer. Store-level
// failures reuse the remote taxonomy.
var (
	ErrInviteCodeNotFound  = errors.New("invite code not found")
	ErrInviteCodeExpired   = errors.New("invite code expired")
	ErrShareAcceptFailed   = errors.New("share accept failed")
	ErrGroupCreationFailed = errors.New("group creation failed")
	ErrNoGroup             = errors.New("no group configured")
)

// Session is the state shared by every service for one device.
type Session struct {
	Store    remote.Store
	Cache    *cache.Store
	Local    *localstate.Store
	Ring     *diag.Ring
	Notifier notify.Notifier
	Now      func() time.Time
	Logger   zerolog.Logger

	mu            sync.Mutex
	zone          remote.Zone
	hasZone       bool
	memberID      uuid.UUID
	firstSyncDone bool
}

// NewSession wires the shared state. A nil notifier is replaced with a
// discard sink and a nil clock with time.Now.
func NewSession(store remote.Store, c *cache.Store, local *localstate.Store, ring *diag.Ring, notifier notify.Notifier, logger zerolog.Logger) *Session {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Session{
		Store:    store,
		Cache:    c,
		Local:    local,
		Ring:     ring,
		Notifier: notifier,
		Now:      time.Now,
		Logger:   logger,
	}
}

// Zone returns the active group zone, if one has been discovered.
func (s *Session) Zone() (remote.Zone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zone, s.hasZone
}

// SetZone records the active group zone.
func (s *Session) SetZone(zone remote.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zone = zone
	s.hasZone = true
}

// ClearZone forgets the active zone (e.g. after account sign-out).
func (s *Session) ClearZone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zone = remote.Zone{}
	s.hasZone = false
}

// MemberID returns this device's stable member identity, once known.
func (s *Session) MemberID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberID
}

// SetMemberID records this device's stable member identity.
func (s *Session) SetMemberID(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberID = id
}

// IsOwner reports whether this device created the group. The zone being
// mounted in the private scope is the proxy for ownership; settlement
// writes are restricted to the owner so the two devices never race on a
// result.
func (s *Session) IsOwner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasZone && s.zone.Scope == remote.ScopePrivate
}

// FirstSyncDone reports whether an initial sync has completed since launch.
// Settlement notifications for historical weeks are suppressed until then.
func (s *Session) FirstSyncDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstSyncDone
}

// MarkSyncDone records that an initial sync completed.
func (s *Session) MarkSyncDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstSyncDone = true
}

// ClassifyError maps a store failure onto the sticky UI flags per the
// error-handling policy: offline and storage-full set banners, an auth
// failure forces re-authentication. The error is returned unchanged for
// the caller to surface.
func (s *Session) ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	s.Ring.Addf("store error: %v", err)
	switch {
	case errors.Is(err, remote.ErrNetworkUnavailable):
		s.Cache.Update(func(st *cache.State) { st.Flags.Offline = true })
	case errors.Is(err, remote.ErrQuotaExceeded):
		s.Cache.Update(func(st *cache.State) { st.Flags.StorageFull = true })
	case errors.Is(err, remote.ErrNotAuthenticated):
		s.Cache.Update(func(st *cache.State) { st.Flags.NeedsAuth = true })
	}
	return err
}

// StableMemberID derives the device's member identity from its account
// name. Re-running setup on the same account reuses the same identity
// instead of minting a duplicate member record.
func StableMemberID(accountName string) (uuid.UUID, bool) {
	if accountName == "" {
		return uuid.UUID{}, false
	}
	sum := sha256.Sum256([]byte(accountName))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
