// Package memstore is the in-memory record store backend. A Cluster plays
// the role of the hosted database; each simulated device gets its own view
// via Cluster.Device, with private/shared scoping resolved per account.
// Tests and the offline demo run entirely against this package.
package memstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"pairsync/internal/remote"
)

const publicZoneName = "_public"

// PublicZone addresses the account-independent namespace.
var PublicZone = remote.Zone{Name: publicZoneName, Scope: remote.ScopePublic}

type changeEntry struct {
	seq     int64
	id      string
	typ     string
	deleted bool
}

type zoneData struct {
	name     string
	owner    string
	records  map[string]remote.Record
	log      []changeEntry
	seq      int64
	// compacted is the oldest seq the change feed can still resume from;
	// tokens below it are expired.
	compacted int64
	shareURL  string
	rootID    string
	accepted  map[string]bool
	assets    map[string][]byte
}

// Cluster is the shared backend state behind every Device view.
type Cluster struct {
	mu       sync.Mutex
	zones    map[string]*zoneData
	shareSeq int
	pageSize int
	watchers []chan string
}

// NewCluster creates an empty cluster with the given change-feed page size.
func NewCluster(pageSize int) *Cluster {
	if pageSize <= 0 {
		pageSize = 50
	}
	c := &Cluster{
		zones:    make(map[string]*zoneData),
		pageSize: pageSize,
	}
	c.zones[publicZoneName] = newZone(publicZoneName, "")
	return c
}

func newZone(name, owner string) *zoneData {
	return &zoneData{
		name:     name,
		owner:    owner,
		records:  make(map[string]remote.Record),
		accepted: make(map[string]bool),
	}
}

// InvalidateTokens expires every outstanding change token for the zone, as
// a store-side compaction would. The next incremental fetch gets
// ErrTokenExpired and must fall back to a full resync.
func (c *Cluster) InvalidateTokens(zoneName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if z, ok := c.zones[zoneName]; ok {
		z.compacted = z.seq
		z.log = nil
	}
}

func (c *Cluster) broadcast(zoneName string) {
	for _, ch := range c.watchers {
		select {
		case ch <- zoneName:
		default:
		}
	}
}

// Device returns this account's view of the cluster.
func (c *Cluster) Device(accountID string) *Device {
	return &Device{
		cluster: c,
		account: accountID,
		status:  remote.AccountAvailable,
	}
}

// Device is one account's handle on the cluster. It implements
// remote.Store and remote.Watcher.
type Device struct {
	cluster *Cluster
	account string
	status  remote.AccountStatus

	// OnOp, when set, runs before every store operation and can inject a
	// failure. The op names mirror the Store method names.
	OnOp func(op string) error
}

var (
	_ remote.Store      = (*Device)(nil)
	_ remote.Watcher    = (*Device)(nil)
	_ remote.AssetStore = (*Device)(nil)
)

// SetStatus overrides the account status reported to the engine.
func (d *Device) SetStatus(status remote.AccountStatus) {
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()
	d.status = status
}

func (d *Device) fail(op string) error {
	if d.OnOp != nil {
		return d.OnOp(op)
	}
	return nil
}

// AccountStatus implements remote.Store.
func (d *Device) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	if err := d.fail("AccountStatus"); err != nil {
		return remote.AccountUnavailable, err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()
	return d.status, nil
}

// AccountIdentity implements remote.Store.
func (d *Device) AccountIdentity(ctx context.Context) (string, error) {
	if err := d.fail("AccountIdentity"); err != nil {
		return "", err
	}
	return d.account, nil
}

// ListZones implements remote.Store.
func (d *Device) ListZones(ctx context.Context, scope remote.Scope) ([]remote.Zone, error) {
	if err := d.fail("ListZones"); err != nil {
		return nil, err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	var zones []remote.Zone
	for _, z := range d.cluster.zones {
		if z.name == publicZoneName {
			continue
		}
		switch scope {
		case remote.ScopePrivate:
			if z.owner == d.account {
				zones = append(zones, remote.Zone{Name: z.name, Scope: scope, Owner: z.owner})
			}
		case remote.ScopeShared:
			if z.accepted[d.account] {
				zones = append(zones, remote.Zone{Name: z.name, Scope: scope, Owner: z.owner})
			}
		}
	}
	return zones, nil
}

// CreateZone implements remote.Store.
func (d *Device) CreateZone(ctx context.Context, name string) (remote.Zone, error) {
	if err := d.fail("CreateZone"); err != nil {
		return remote.Zone{}, err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	if _, exists := d.cluster.zones[name]; exists {
		return remote.Zone{}, fmt.Errorf("zone %s: %w", name, remote.ErrConflict)
	}
	d.cluster.zones[name] = newZone(name, d.account)
	return remote.Zone{Name: name, Scope: remote.ScopePrivate, Owner: d.account}, nil
}

// CreateShare implements remote.Store.
func (d *Device) CreateShare(ctx context.Context, zone remote.Zone, title string) (string, error) {
	if err := d.fail("CreateShare"); err != nil {
		return "", err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	z, ok := d.cluster.zones[zone.Name]
	if !ok {
		return "", fmt.Errorf("zone %s: %w", zone.Name, remote.ErrZoneNotFound)
	}
	if z.shareURL == "" {
		d.cluster.shareSeq++
		z.shareURL = fmt.Sprintf("memstore://share/%d/%s", d.cluster.shareSeq, strings.ToLower(title))
	}
	return z.shareURL, nil
}

// ResolveShare implements remote.Store.
func (d *Device) ResolveShare(ctx context.Context, url string) (remote.ShareMetadata, error) {
	if err := d.fail("ResolveShare"); err != nil {
		return remote.ShareMetadata{}, err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	for _, z := range d.cluster.zones {
		if z.shareURL != "" && z.shareURL == url {
			return remote.ShareMetadata{URL: url, ZoneName: z.name, RootRecord: z.rootID}, nil
		}
	}
	return remote.ShareMetadata{}, fmt.Errorf("share %s: %w", url, remote.ErrShareNotFound)
}

// AcceptShare implements remote.Store.
func (d *Device) AcceptShare(ctx context.Context, meta remote.ShareMetadata) error {
	if err := d.fail("AcceptShare"); err != nil {
		return err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	z, ok := d.cluster.zones[meta.ZoneName]
	if !ok {
		return fmt.Errorf("zone %s: %w", meta.ZoneName, remote.ErrShareNotFound)
	}
	z.accepted[d.account] = true
	return nil
}

func (d *Device) zone(name string) (*zoneData, error) {
	z, ok := d.cluster.zones[name]
	if !ok {
		return nil, fmt.Errorf("zone %s: %w", name, remote.ErrZoneNotFound)
	}
	return z, nil
}

// Get implements remote.Store.
func (d *Device) Get(ctx context.Context, zone remote.Zone, id string) (remote.Record, error) {
	if err := d.fail("Get"); err != nil {
		return remote.Record{}, err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	z, err := d.zone(zone.Name)
	if err != nil {
		return remote.Record{}, err
	}
	rec, ok := z.records[id]
	if !ok {
		return remote.Record{}, fmt.Errorf("record %s: %w", id, remote.ErrRecordNotFound)
	}
	return rec.Clone(), nil
}

// Save implements remote.Store.
func (d *Device) Save(ctx context.Context, zone remote.Zone, rec remote.Record, policy remote.SavePolicy) (remote.Record, error) {
	if err := d.fail("Save"); err != nil {
		return remote.Record{}, err
	}
	d.cluster.mu.Lock()

	z, err := d.zone(zone.Name)
	if err != nil {
		d.cluster.mu.Unlock()
		return remote.Record{}, err
	}

	existing, exists := z.records[rec.ID]
	switch policy {
	case remote.SaveCreate:
		if exists {
			d.cluster.mu.Unlock()
			return remote.Record{}, &remote.ConflictError{Server: existing.Clone()}
		}
	case remote.SaveIfUnchanged:
		if exists && existing.ChangeTag != rec.ChangeTag {
			d.cluster.mu.Unlock()
			return remote.Record{}, &remote.ConflictError{Server: existing.Clone()}
		}
	}

	z.seq++
	stored := rec.Clone()
	stored.ChangeTag = strconv.FormatInt(z.seq, 10)
	stored.ModifiedAt = time.Now().UTC()
	z.records[rec.ID] = stored
	z.log = append(z.log, changeEntry{seq: z.seq, id: rec.ID, typ: rec.Type})
	d.cluster.broadcast(z.name)
	d.cluster.mu.Unlock()

	return stored.Clone(), nil
}

// Delete implements remote.Store.
func (d *Device) Delete(ctx context.Context, zone remote.Zone, id string) error {
	if err := d.fail("Delete"); err != nil {
		return err
	}
	d.cluster.mu.Lock()

	z, err := d.zone(zone.Name)
	if err != nil {
		d.cluster.mu.Unlock()
		return err
	}
	rec, ok := z.records[id]
	if !ok {
		d.cluster.mu.Unlock()
		return fmt.Errorf("record %s: %w", id, remote.ErrRecordNotFound)
	}
	delete(z.records, id)
	z.seq++
	z.log = append(z.log, changeEntry{seq: z.seq, id: id, typ: rec.Type, deleted: true})
	d.cluster.broadcast(z.name)
	d.cluster.mu.Unlock()
	return nil
}

// Query implements remote.Store.
func (d *Device) Query(ctx context.Context, zone remote.Zone, q remote.Query) ([]remote.Record, error) {
	if err := d.fail("Query"); err != nil {
		return nil, err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	z, err := d.zone(zone.Name)
	if err != nil {
		return nil, err
	}

	var out []remote.Record
	for _, rec := range z.records {
		if q.Type == "" || rec.Type == q.Type {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out, q)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Changes implements remote.Store. Redelivery of an already-consumed change
// is allowed; consumers merge by ID.
func (d *Device) Changes(ctx context.Context, zone remote.Zone, sinceToken string) (remote.ChangeSet, error) {
	if err := d.fail("Changes"); err != nil {
		return remote.ChangeSet{}, err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	z, err := d.zone(zone.Name)
	if err != nil {
		return remote.ChangeSet{}, err
	}

	if sinceToken == "" {
		// Bootstrap: a consumer with no token gets a snapshot of current
		// state plus a token positioned at the head of the feed.
		set := remote.ChangeSet{Token: strconv.FormatInt(z.seq, 10)}
		for _, rec := range z.records {
			set.Changed = append(set.Changed, rec.Clone())
		}
		return set, nil
	}

	since, err := strconv.ParseInt(sinceToken, 10, 64)
	if err != nil || since < z.compacted {
		return remote.ChangeSet{}, fmt.Errorf("token %q: %w", sinceToken, remote.ErrTokenExpired)
	}

	set := remote.ChangeSet{Token: sinceToken}
	last := since
	for _, entry := range z.log {
		if entry.seq <= since {
			continue
		}
		if len(set.Changed)+len(set.Deleted) >= d.cluster.pageSize {
			set.More = true
			break
		}
		if entry.deleted {
			set.Deleted = append(set.Deleted, remote.DeletedRecord{ID: entry.id, Type: entry.typ})
		} else if rec, ok := z.records[entry.id]; ok {
			set.Changed = append(set.Changed, rec.Clone())
		}
		last = entry.seq
	}
	set.Token = strconv.FormatInt(last, 10)
	return set, nil
}

// UploadAsset implements remote.AssetStore.
func (d *Device) UploadAsset(ctx context.Context, zone remote.Zone, id string, data []byte) (string, error) {
	if err := d.fail("UploadAsset"); err != nil {
		return "", err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	z, err := d.zone(zone.Name)
	if err != nil {
		return "", err
	}
	if z.assets == nil {
		z.assets = make(map[string][]byte)
	}
	ref := "asset:" + id
	z.assets[ref] = append([]byte(nil), data...)
	return ref, nil
}

// FetchAsset implements remote.AssetStore.
func (d *Device) FetchAsset(ctx context.Context, zone remote.Zone, ref string) ([]byte, error) {
	if err := d.fail("FetchAsset"); err != nil {
		return nil, err
	}
	d.cluster.mu.Lock()
	defer d.cluster.mu.Unlock()

	z, err := d.zone(zone.Name)
	if err != nil {
		return nil, err
	}
	data, ok := z.assets[ref]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", ref, remote.ErrRecordNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Watch implements remote.Watcher. Every committed write anywhere in the
// cluster produces a zone-name notification.
func (d *Device) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	d.cluster.mu.Lock()
	d.cluster.watchers = append(d.cluster.watchers, ch)
	d.cluster.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.cluster.mu.Lock()
		for i, w := range d.cluster.watchers {
			if w == ch {
				d.cluster.watchers = append(d.cluster.watchers[:i], d.cluster.watchers[i+1:]...)
				break
			}
		}
		d.cluster.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
