// Package remote defines the contract the sync engine requires from a
// remote record store: zone discovery, record CRUD, a tokenized change
// feed, and sharing primitives. Backends live in the subpackages; the
// engine only ever sees this interface and the error taxonomy.
package remote

import (
	"context"
	"time"
)

// Scope selects which partition of the store a zone lives in.
type Scope string

const (
	// ScopePrivate holds zones created by this account.
	ScopePrivate Scope = "private"
	// ScopeShared holds zones another account shared with this one.
	ScopeShared Scope = "shared"
	// ScopePublic is the account-independent namespace used for invite codes.
	ScopePublic Scope = "public"
)

// AccountStatus reports whether the device can reach its remote account.
type AccountStatus string

const (
	AccountAvailable   AccountStatus = "available"
	AccountUnavailable AccountStatus = "unavailable"
	AccountNeedsAuth   AccountStatus = "needs_auth"
)

// SavePolicy controls how Save treats an existing record with the same ID.
type SavePolicy string

const (
	// SaveCreate fails with ErrConflict if the record already exists.
	// This is the collision path for deterministically derived IDs.
	SaveCreate SavePolicy = "create"
	// SaveIfUnchanged fails with ErrConflict unless the caller's ChangeTag
	// matches the stored one (optimistic concurrency).
	SaveIfUnchanged SavePolicy = "if_unchanged"
	// SaveOverwrite replaces the stored record unconditionally.
	SaveOverwrite SavePolicy = "overwrite"
)

// Record is an untyped remote document. Fields values are the JSON scalar
// set (string, float64, bool) plus nil.
type Record struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Fields     map[string]any `json:"fields"`
	ChangeTag  string         `json:"change_tag,omitempty"`
	ModifiedAt time.Time      `json:"modified_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate Fields freely.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

// String returns the string field named key, or "" when absent.
func (r Record) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Int returns the integer value of the field named key, or 0 when absent.
// JSON decoding yields float64, so both numeric forms are accepted.
func (r Record) Int(key string) int {
	switch v := r.Fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Time returns the RFC 3339 time stored in the field named key.
func (r Record) Time(key string) time.Time {
	s, ok := r.Fields[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetTime stores t in RFC 3339 form under key.
func (r Record) SetTime(key string, t time.Time) {
	r.Fields[key] = t.Format(time.RFC3339Nano)
}

// Zone is an isolated partition of the store scoped to one pair.
type Zone struct {
	Name  string `json:"name"`
	Scope Scope  `json:"scope"`
	Owner string `json:"owner,omitempty"`
}

// ShareMetadata resolves a sharing grant URL to the zone it exposes.
type ShareMetadata struct {
	URL        string `json:"url"`
	ZoneName   string `json:"zone"`
	RootRecord string `json:"root_record"`
}

// DeletedRecord is a tombstone in the change feed.
type DeletedRecord struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ChangeSet is one page of the change feed for a zone.
type ChangeSet struct {
	Changed []Record        `json:"changed"`
	Deleted []DeletedRecord `json:"deleted"`
	Token   string          `json:"token"`
	More    bool            `json:"more"`
}

// Query filters a typed record scan. Sort orders by the named field,
// descending when SortDesc is set. Limit <= 0 means no limit.
type Query struct {
	Type     string `json:"type"`
	SortBy   string `json:"sort_by,omitempty"`
	SortDesc bool   `json:"sort_desc,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Store is the capability surface of the remote record database. All
// methods honor ctx cancellation and return taxonomy errors (errors.go).
type Store interface {
	// AccountStatus reports reachability of the device's remote account.
	AccountStatus(ctx context.Context) (AccountStatus, error)
	// AccountIdentity returns the stable opaque name of the signed-in
	// account, used to derive the device's member identity.
	AccountIdentity(ctx context.Context) (string, error)

	// ListZones enumerates zones visible in the given scope.
	ListZones(ctx context.Context, scope Scope) ([]Zone, error)
	// CreateZone allocates a zone in the private scope.
	CreateZone(ctx context.Context, name string) (Zone, error)

	// CreateShare publishes a sharing grant for a private zone and returns
	// its URL.
	CreateShare(ctx context.Context, zone Zone, title string) (string, error)
	// ResolveShare maps a sharing grant URL to its metadata.
	ResolveShare(ctx context.Context, url string) (ShareMetadata, error)
	// AcceptShare binds this account to the shared zone behind the grant.
	AcceptShare(ctx context.Context, meta ShareMetadata) error

	// Get fetches one record by ID.
	Get(ctx context.Context, zone Zone, id string) (Record, error)
	// Save writes one record under the given policy and returns the stored
	// version (with its new change tag).
	Save(ctx context.Context, zone Zone, rec Record, policy SavePolicy) (Record, error)
	// Delete removes one record by ID.
	Delete(ctx context.Context, zone Zone, id string) error
	// Query scans records of one type.
	Query(ctx context.Context, zone Zone, q Query) ([]Record, error)

	// Changes fetches one page of the change feed. An empty sinceToken
	// yields a snapshot of current state plus a token at the head of the
	// feed. Returns ErrTokenExpired when sinceToken is no longer valid;
	// the consumer must then discard its token and refetch in full.
	Changes(ctx context.Context, zone Zone, sinceToken string) (ChangeSet, error)
}

// AssetStore is implemented by backends that hold large binary content
// outside record fields. Upload returns an opaque asset reference to store
// on the owning record; Fetch resolves it back to bytes.
type AssetStore interface {
	UploadAsset(ctx context.Context, zone Zone, id string, data []byte) (string, error)
	FetchAsset(ctx context.Context, zone Zone, ref string) ([]byte, error)
}

// Watcher is implemented by backends that can push change notifications.
// The channel receives the name of a zone whose contents changed; it is
// closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan string, error)
}
