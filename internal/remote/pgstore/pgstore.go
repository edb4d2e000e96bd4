// Package pgstore persists the record store in PostgreSQL. One Store
// serves every device account; Device returns the per-account view the
// server mounts behind its protocol handlers.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"pairsync/internal/remote"
)

// DB is the pgx surface the store needs. Satisfied by *pgxpool.Pool and
// by pgxmock pools in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the backing tables. Applied once at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS zones (
	name        TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	scope       TEXT NOT NULL,
	share_url   TEXT NOT NULL DEFAULT '',
	root_record TEXT NOT NULL DEFAULT '',
	seq         BIGINT NOT NULL DEFAULT 0,
	compacted   BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS zone_members (
	zone_name  TEXT NOT NULL REFERENCES zones(name) ON DELETE CASCADE,
	account_id TEXT NOT NULL,
	PRIMARY KEY (zone_name, account_id)
);

CREATE TABLE IF NOT EXISTS records (
	zone_name   TEXT NOT NULL REFERENCES zones(name) ON DELETE CASCADE,
	id          TEXT NOT NULL,
	type        TEXT NOT NULL,
	fields      JSONB NOT NULL,
	change_tag  BIGINT NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (zone_name, id)
);

CREATE TABLE IF NOT EXISTS change_log (
	zone_name   TEXT NOT NULL REFERENCES zones(name) ON DELETE CASCADE,
	seq         BIGINT NOT NULL,
	record_id   TEXT NOT NULL,
	record_type TEXT NOT NULL,
	deleted     BOOLEAN NOT NULL,
	PRIMARY KEY (zone_name, seq)
);

CREATE TABLE IF NOT EXISTS assets (
	zone_name TEXT NOT NULL REFERENCES zones(name) ON DELETE CASCADE,
	id        TEXT NOT NULL,
	data      BYTEA NOT NULL,
	PRIMARY KEY (zone_name, id)
);
`

const publicZoneName = "_public"

// Store is the shared PostgreSQL-backed record store.
type Store struct {
	db       DB
	pageSize int
	logger   zerolog.Logger
}

// New creates a store over an established connection pool.
func New(db DB, logger zerolog.Logger) *Store {
	return &Store{db: db, pageSize: 200, logger: logger}
}

// Init applies the schema and seeds the public zone.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO zones (name, owner, scope) VALUES ($1, '', 'public') ON CONFLICT (name) DO NOTHING`,
		publicZoneName)
	if err != nil {
		return fmt.Errorf("failed to seed public zone: %w", err)
	}
	return nil
}

// Device returns the store view for one device account.
func (s *Store) Device(accountID string) remote.Store {
	return &Device{store: s, accountID: accountID}
}

// Device is one account's view over the shared store.
type Device struct {
	store     *Store
	accountID string
}

// AccountStatus always reports available; reachability problems surface
// as query errors instead.
func (d *Device) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	return remote.AccountAvailable, nil
}

// AccountIdentity returns the device's account name.
func (d *Device) AccountIdentity(ctx context.Context) (string, error) {
	if d.accountID == "" {
		return "", remote.ErrNotAuthenticated
	}
	return d.accountID, nil
}

// visible reports whether the account can touch the zone, and under which
// scope.
func (d *Device) visible(ctx context.Context, name string) (remote.Scope, error) {
	var owner, scope string
	err := d.store.db.QueryRow(ctx,
		`SELECT owner, scope FROM zones WHERE name = $1`, name).Scan(&owner, &scope)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", remote.ErrZoneNotFound
		}
		return "", &remote.ServerError{Detail: err.Error()}
	}
	if scope == "public" {
		return remote.ScopePublic, nil
	}
	if owner == d.accountID {
		return remote.ScopePrivate, nil
	}

	var member int
	err = d.store.db.QueryRow(ctx,
		`SELECT 1 FROM zone_members WHERE zone_name = $1 AND account_id = $2`,
		name, d.accountID).Scan(&member)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", remote.ErrZoneNotFound
		}
		return "", &remote.ServerError{Detail: err.Error()}
	}
	return remote.ScopeShared, nil
}

// ListZones enumerates zones visible to the account in one scope.
func (d *Device) ListZones(ctx context.Context, scope remote.Scope) ([]remote.Zone, error) {
	var rows pgx.Rows
	var err error
	switch scope {
	case remote.ScopePrivate:
		rows, err = d.store.db.Query(ctx,
			`SELECT name, owner FROM zones WHERE owner = $1 AND scope = 'private' ORDER BY name`,
			d.accountID)
	case remote.ScopeShared:
		rows, err = d.store.db.Query(ctx,
			`SELECT z.name, z.owner FROM zones z
			 JOIN zone_members m ON m.zone_name = z.name
			 WHERE m.account_id = $1 AND z.owner <> $1 ORDER BY z.name`,
			d.accountID)
	case remote.ScopePublic:
		rows, err = d.store.db.Query(ctx,
			`SELECT name, owner FROM zones WHERE scope = 'public' ORDER BY name`)
	default:
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	if err != nil {
		return nil, &remote.ServerError{Detail: err.Error()}
	}
	defer rows.Close()

	var zones []remote.Zone
	for rows.Next() {
		var z remote.Zone
		if err := rows.Scan(&z.Name, &z.Owner); err != nil {
			return nil, &remote.ServerError{Detail: err.Error()}
		}
		z.Scope = scope
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// CreateZone allocates a private zone owned by the account.
func (d *Device) CreateZone(ctx context.Context, name string) (remote.Zone, error) {
	tag, err := d.store.db.Exec(ctx,
		`INSERT INTO zones (name, owner, scope) VALUES ($1, $2, 'private')
		 ON CONFLICT (name) DO NOTHING`,
		name, d.accountID)
	if err != nil {
		return remote.Zone{}, &remote.ServerError{Detail: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return remote.Zone{}, fmt.Errorf("zone %s: %w", name, remote.ErrConflict)
	}
	return remote.Zone{Name: name, Scope: remote.ScopePrivate, Owner: d.accountID}, nil
}

// CreateShare publishes a sharing grant for a private zone.
func (d *Device) CreateShare(ctx context.Context, zone remote.Zone, title string) (string, error) {
	url := "share://" + zone.Name
	tag, err := d.store.db.Exec(ctx,
		`UPDATE zones SET share_url = $1 WHERE name = $2 AND owner = $3`,
		url, zone.Name, d.accountID)
	if err != nil {
		return "", &remote.ServerError{Detail: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return "", remote.ErrZoneNotFound
	}
	return url, nil
}

// ResolveShare maps a grant URL back to its zone.
func (d *Device) ResolveShare(ctx context.Context, url string) (remote.ShareMetadata, error) {
	var meta remote.ShareMetadata
	err := d.store.db.QueryRow(ctx,
		`SELECT share_url, name, root_record FROM zones WHERE share_url = $1`, url).
		Scan(&meta.URL, &meta.ZoneName, &meta.RootRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.ShareMetadata{}, remote.ErrShareNotFound
		}
		return remote.ShareMetadata{}, &remote.ServerError{Detail: err.Error()}
	}
	return meta, nil
}

// AcceptShare grants the account shared-scope access to the zone.
func (d *Device) AcceptShare(ctx context.Context, meta remote.ShareMetadata) error {
	var name string
	err := d.store.db.QueryRow(ctx,
		`SELECT name FROM zones WHERE share_url = $1`, meta.URL).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.ErrShareNotFound
		}
		return &remote.ServerError{Detail: err.Error()}
	}
	_, err = d.store.db.Exec(ctx,
		`INSERT INTO zone_members (zone_name, account_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		name, d.accountID)
	if err != nil {
		return &remote.ServerError{Detail: err.Error()}
	}
	return nil
}

// Get fetches one record by ID.
func (d *Device) Get(ctx context.Context, zone remote.Zone, id string) (remote.Record, error) {
	if _, err := d.visible(ctx, zone.Name); err != nil {
		return remote.Record{}, err
	}
	return d.fetch(ctx, zone.Name, id)
}

func (d *Device) fetch(ctx context.Context, zoneName, id string) (remote.Record, error) {
	var rec remote.Record
	var fields []byte
	err := d.store.db.QueryRow(ctx,
		`SELECT id, type, fields, change_tag, modified_at FROM records
		 WHERE zone_name = $1 AND id = $2`,
		zoneName, id).Scan(&rec.ID, &rec.Type, &fields, &tagScanner{&rec.ChangeTag}, &rec.ModifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.Record{}, remote.ErrRecordNotFound
		}
		return remote.Record{}, &remote.ServerError{Detail: err.Error()}
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return remote.Record{}, &remote.ServerError{Detail: err.Error()}
	}
	return rec, nil
}

// Save writes one record under the given policy and logs the change. Each
// policy is enforced by its write statement's conflict arm, so two
// concurrent saves of the same deterministic ID resolve inside the
// database; a row the statement refused to touch comes back as a conflict
// carrying the stored record.
func (d *Device) Save(ctx context.Context, zone remote.Zone, rec remote.Record, policy remote.SavePolicy) (remote.Record, error) {
	if _, err := d.visible(ctx, zone.Name); err != nil {
		return remote.Record{}, err
	}

	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return remote.Record{}, &remote.ServerError{Detail: err.Error()}
	}
	seq, err := d.nextSeq(ctx, zone.Name)
	if err != nil {
		return remote.Record{}, err
	}
	now := time.Now().UTC()

	var tag pgconn.CommandTag
	switch policy {
	case remote.SaveCreate:
		tag, err = d.store.db.Exec(ctx,
			`INSERT INTO records (zone_name, id, type, fields, change_tag, modified_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (zone_name, id) DO NOTHING`,
			zone.Name, rec.ID, rec.Type, fields, seq, now)
	case remote.SaveIfUnchanged:
		tag, err = d.store.db.Exec(ctx,
			`INSERT INTO records (zone_name, id, type, fields, change_tag, modified_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (zone_name, id) DO UPDATE
			 SET type = $3, fields = $4, change_tag = $5, modified_at = $6
			 WHERE records.change_tag = $7`,
			zone.Name, rec.ID, rec.Type, fields, seq, now, expectedTag(rec.ChangeTag))
	case remote.SaveOverwrite:
		tag, err = d.store.db.Exec(ctx,
			`INSERT INTO records (zone_name, id, type, fields, change_tag, modified_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (zone_name, id) DO UPDATE
			 SET type = $3, fields = $4, change_tag = $5, modified_at = $6`,
			zone.Name, rec.ID, rec.Type, fields, seq, now)
	default:
		return remote.Record{}, fmt.Errorf("unknown save policy %q", policy)
	}
	if err != nil {
		return remote.Record{}, &remote.ServerError{Detail: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		existing, err := d.fetch(ctx, zone.Name, rec.ID)
		if err != nil {
			return remote.Record{}, err
		}
		return remote.Record{}, &remote.ConflictError{Server: existing}
	}
	if err := d.logChange(ctx, zone.Name, seq, rec.ID, rec.Type, false); err != nil {
		return remote.Record{}, err
	}

	rec.ChangeTag = strconv.FormatInt(seq, 10)
	rec.ModifiedAt = now
	return rec, nil
}

// expectedTag parses the caller's change tag for the conditional update
// arm. An empty or unparseable tag never matches a stored row, so the
// write is refused whenever the record already exists.
func expectedTag(tag string) int64 {
	n, err := strconv.ParseInt(tag, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Delete removes one record and writes a tombstone.
func (d *Device) Delete(ctx context.Context, zone remote.Zone, id string) error {
	if _, err := d.visible(ctx, zone.Name); err != nil {
		return err
	}

	var recType string
	err := d.store.db.QueryRow(ctx,
		`SELECT type FROM records WHERE zone_name = $1 AND id = $2`,
		zone.Name, id).Scan(&recType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.ErrRecordNotFound
		}
		return &remote.ServerError{Detail: err.Error()}
	}

	seq, err := d.nextSeq(ctx, zone.Name)
	if err != nil {
		return err
	}
	if _, err := d.store.db.Exec(ctx,
		`DELETE FROM records WHERE zone_name = $1 AND id = $2`, zone.Name, id); err != nil {
		return &remote.ServerError{Detail: err.Error()}
	}
	return d.logChange(ctx, zone.Name, seq, id, recType, true)
}

// Query scans records of one type with optional field ordering.
func (d *Device) Query(ctx context.Context, zone remote.Zone, q remote.Query) ([]remote.Record, error) {
	if _, err := d.visible(ctx, zone.Name); err != nil {
		return nil, err
	}

	sql := `SELECT id, type, fields, change_tag, modified_at FROM records
		WHERE zone_name = $1 AND type = $2`
	if q.SortBy != "" {
		if !bareIdentifier(q.SortBy) {
			return nil, fmt.Errorf("invalid sort field %q", q.SortBy)
		}
		direction := "ASC"
		if q.SortDesc {
			direction = "DESC"
		}
		sql += fmt.Sprintf(" ORDER BY fields->>'%s' %s, id ASC", q.SortBy, direction)
	} else {
		sql += " ORDER BY id ASC"
	}
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := d.store.db.Query(ctx, sql, zone.Name, q.Type)
	if err != nil {
		return nil, &remote.ServerError{Detail: err.Error()}
	}
	defer rows.Close()

	var records []remote.Record
	for rows.Next() {
		var rec remote.Record
		var fields []byte
		if err := rows.Scan(&rec.ID, &rec.Type, &fields, &tagScanner{&rec.ChangeTag}, &rec.ModifiedAt); err != nil {
			return nil, &remote.ServerError{Detail: err.Error()}
		}
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, &remote.ServerError{Detail: err.Error()}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Changes returns one page of the change feed. An empty token yields a
// snapshot of current records with the token at the head of the feed.
func (d *Device) Changes(ctx context.Context, zone remote.Zone, sinceToken string) (remote.ChangeSet, error) {
	if _, err := d.visible(ctx, zone.Name); err != nil {
		return remote.ChangeSet{}, err
	}

	var head, compacted int64
	err := d.store.db.QueryRow(ctx,
		`SELECT seq, compacted FROM zones WHERE name = $1`, zone.Name).Scan(&head, &compacted)
	if err != nil {
		return remote.ChangeSet{}, &remote.ServerError{Detail: err.Error()}
	}

	if sinceToken == "" {
		records, err := d.snapshot(ctx, zone.Name)
		if err != nil {
			return remote.ChangeSet{}, err
		}
		return remote.ChangeSet{Changed: records, Token: strconv.FormatInt(head, 10)}, nil
	}

	since, err := strconv.ParseInt(sinceToken, 10, 64)
	if err != nil || since < compacted {
		return remote.ChangeSet{}, remote.ErrTokenExpired
	}

	rows, err := d.store.db.Query(ctx,
		`SELECT seq, record_id, record_type, deleted FROM change_log
		 WHERE zone_name = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		zone.Name, since, d.store.pageSize+1)
	if err != nil {
		return remote.ChangeSet{}, &remote.ServerError{Detail: err.Error()}
	}
	defer rows.Close()

	type entry struct {
		seq     int64
		id      string
		typ     string
		deleted bool
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.seq, &e.id, &e.typ, &e.deleted); err != nil {
			return remote.ChangeSet{}, &remote.ServerError{Detail: err.Error()}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return remote.ChangeSet{}, &remote.ServerError{Detail: err.Error()}
	}

	set := remote.ChangeSet{Token: sinceToken}
	if len(entries) > d.store.pageSize {
		entries = entries[:d.store.pageSize]
		set.More = true
	}
	for _, e := range entries {
		set.Token = strconv.FormatInt(e.seq, 10)
		if e.deleted {
			set.Deleted = append(set.Deleted, remote.DeletedRecord{ID: e.id, Type: e.typ})
			continue
		}
		rec, err := d.fetch(ctx, zone.Name, e.id)
		if err != nil {
			if errors.Is(err, remote.ErrRecordNotFound) {
				// Deleted later in the feed; the tombstone covers it.
				continue
			}
			return remote.ChangeSet{}, err
		}
		set.Changed = append(set.Changed, rec)
	}
	return set, nil
}

func (d *Device) snapshot(ctx context.Context, zoneName string) ([]remote.Record, error) {
	rows, err := d.store.db.Query(ctx,
		`SELECT id, type, fields, change_tag, modified_at FROM records
		 WHERE zone_name = $1 ORDER BY id`, zoneName)
	if err != nil {
		return nil, &remote.ServerError{Detail: err.Error()}
	}
	defer rows.Close()

	var records []remote.Record
	for rows.Next() {
		var rec remote.Record
		var fields []byte
		if err := rows.Scan(&rec.ID, &rec.Type, &fields, &tagScanner{&rec.ChangeTag}, &rec.ModifiedAt); err != nil {
			return nil, &remote.ServerError{Detail: err.Error()}
		}
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, &remote.ServerError{Detail: err.Error()}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UploadAsset stores asset bytes in the database.
func (d *Device) UploadAsset(ctx context.Context, zone remote.Zone, id string, data []byte) (string, error) {
	if _, err := d.visible(ctx, zone.Name); err != nil {
		return "", err
	}
	_, err := d.store.db.Exec(ctx,
		`INSERT INTO assets (zone_name, id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (zone_name, id) DO UPDATE SET data = $3`,
		zone.Name, id, data)
	if err != nil {
		return "", &remote.ServerError{Detail: err.Error()}
	}
	return "asset:" + id, nil
}

// FetchAsset resolves an asset reference back to bytes.
func (d *Device) FetchAsset(ctx context.Context, zone remote.Zone, ref string) ([]byte, error) {
	if _, err := d.visible(ctx, zone.Name); err != nil {
		return nil, err
	}
	id := ref
	if len(ref) > 6 && ref[:6] == "asset:" {
		id = ref[6:]
	}
	var data []byte
	err := d.store.db.QueryRow(ctx,
		`SELECT data FROM assets WHERE zone_name = $1 AND id = $2`,
		zone.Name, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, remote.ErrRecordNotFound
		}
		return nil, &remote.ServerError{Detail: err.Error()}
	}
	return data, nil
}

// bareIdentifier reports whether a client-supplied sort key is safe to
// splice into an ORDER BY clause. Field names are snake_case JSON keys.
func bareIdentifier(field string) bool {
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return field != ""
}

// nextSeq advances and returns the zone's change counter.
func (d *Device) nextSeq(ctx context.Context, zoneName string) (int64, error) {
	var seq int64
	err := d.store.db.QueryRow(ctx,
		`UPDATE zones SET seq = seq + 1 WHERE name = $1 RETURNING seq`, zoneName).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, remote.ErrZoneNotFound
		}
		return 0, &remote.ServerError{Detail: err.Error()}
	}
	return seq, nil
}

func (d *Device) logChange(ctx context.Context, zoneName string, seq int64, id, typ string, deleted bool) error {
	_, err := d.store.db.Exec(ctx,
		`INSERT INTO change_log (zone_name, seq, record_id, record_type, deleted)
		 VALUES ($1, $2, $3, $4, $5)`,
		zoneName, seq, id, typ, deleted)
	if err != nil {
		return &remote.ServerError{Detail: err.Error()}
	}
	return nil
}

// Compact drops change log entries at or below seq for a zone, expiring
// any tokens that point before the new horizon.
func (s *Store) Compact(ctx context.Context, zoneName string, seq int64) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM change_log WHERE zone_name = $1 AND seq <= $2`, zoneName, seq); err != nil {
		return &remote.ServerError{Detail: err.Error()}
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE zones SET compacted = $2 WHERE name = $1`, zoneName, seq); err != nil {
		return &remote.ServerError{Detail: err.Error()}
	}
	return nil
}

// tagScanner reads a BIGINT change tag into its string form.
type tagScanner struct {
	dst *string
}

func (t *tagScanner) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*t.dst = strconv.FormatInt(v, 10)
	case string:
		*t.dst = v
	case nil:
		*t.dst = ""
	default:
		return fmt.Errorf("unsupported change tag type %T", src)
	}
	return nil
}
