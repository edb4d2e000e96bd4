package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairsync/internal/remote"
	"pairsync/internal/remote/memstore"
)

func record(id, typ string, fields map[string]any) remote.Record {
	if fields == nil {
		fields = map[string]any{}
	}
	return remote.Record{ID: id, Type: typ, Fields: fields}
}

func TestSavePolicies(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	device := cluster.Device("acct-a")

	zone, err := device.CreateZone(ctx, "TestZone")
	require.NoError(t, err)

	t.Run("create succeeds once and conflicts after", func(t *testing.T) {
		first, err := device.Save(ctx, zone, record("r1", "Thing", map[string]any{"v": "one"}), remote.SaveCreate)
		require.NoError(t, err)
		assert.NotEmpty(t, first.ChangeTag)

		_, err = device.Save(ctx, zone, record("r1", "Thing", map[string]any{"v": "two"}), remote.SaveCreate)
		server, ok := remote.Conflict(err)
		require.True(t, ok)
		assert.Equal(t, "one", server.String("v"))
	})

	t.Run("if_unchanged requires the current tag", func(t *testing.T) {
		current, err := device.Get(ctx, zone, "r1")
		require.NoError(t, err)

		stale := current.Clone()
		stale.ChangeTag = "0"
		_, err = device.Save(ctx, zone, stale, remote.SaveIfUnchanged)
		_, ok := remote.Conflict(err)
		assert.True(t, ok)

		fresh := current.Clone()
		fresh.Fields["v"] = "three"
		updated, err := device.Save(ctx, zone, fresh, remote.SaveIfUnchanged)
		require.NoError(t, err)
		assert.NotEqual(t, current.ChangeTag, updated.ChangeTag)
	})

	t.Run("overwrite always wins", func(t *testing.T) {
		_, err := device.Save(ctx, zone, record("r1", "Thing", map[string]any{"v": "four"}), remote.SaveOverwrite)
		require.NoError(t, err)
		got, err := device.Get(ctx, zone, "r1")
		require.NoError(t, err)
		assert.Equal(t, "four", got.String("v"))
	})
}

func TestChangeFeed(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(2)
	device := cluster.Device("acct-a")

	zone, err := device.CreateZone(ctx, "FeedZone")
	require.NoError(t, err)

	t.Run("empty token returns a snapshot at the head", func(t *testing.T) {
		_, err := device.Save(ctx, zone, record("a", "Thing", nil), remote.SaveCreate)
		require.NoError(t, err)

		set, err := device.Changes(ctx, zone, "")
		require.NoError(t, err)
		assert.Len(t, set.Changed, 1)
		assert.False(t, set.More)
		assert.NotEmpty(t, set.Token)

		// The head token sees nothing new.
		next, err := device.Changes(ctx, zone, set.Token)
		require.NoError(t, err)
		assert.Empty(t, next.Changed)
		assert.Empty(t, next.Deleted)
	})

	t.Run("pages with More until drained", func(t *testing.T) {
		base, err := device.Changes(ctx, zone, "")
		require.NoError(t, err)

		for _, id := range []string{"b", "c", "d"} {
			_, err := device.Save(ctx, zone, record(id, "Thing", nil), remote.SaveCreate)
			require.NoError(t, err)
		}

		page1, err := device.Changes(ctx, zone, base.Token)
		require.NoError(t, err)
		assert.Len(t, page1.Changed, 2)
		assert.True(t, page1.More)

		page2, err := device.Changes(ctx, zone, page1.Token)
		require.NoError(t, err)
		assert.Len(t, page2.Changed, 1)
		assert.False(t, page2.More)
	})

	t.Run("deletes arrive as tombstones", func(t *testing.T) {
		head, err := device.Changes(ctx, zone, "")
		require.NoError(t, err)

		require.NoError(t, device.Delete(ctx, zone, "a"))

		set, err := device.Changes(ctx, zone, head.Token)
		require.NoError(t, err)
		require.Len(t, set.Deleted, 1)
		assert.Equal(t, "a", set.Deleted[0].ID)
	})

	t.Run("invalidated tokens expire", func(t *testing.T) {
		head, err := device.Changes(ctx, zone, "")
		require.NoError(t, err)

		_, err = device.Save(ctx, zone, record("e", "Thing", nil), remote.SaveCreate)
		require.NoError(t, err)
		cluster.InvalidateTokens(zone.Name)

		_, err = device.Changes(ctx, zone, head.Token)
		assert.ErrorIs(t, err, remote.ErrTokenExpired)

		// The empty-token bootstrap still works after compaction.
		set, err := device.Changes(ctx, zone, "")
		require.NoError(t, err)
		assert.NotEmpty(t, set.Changed)
	})
}

func TestSharingBetweenAccounts(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	owner := cluster.Device("acct-owner")
	joiner := cluster.Device("acct-joiner")

	zone, err := owner.CreateZone(ctx, "SharedZone")
	require.NoError(t, err)
	_, err = owner.Save(ctx, zone, record("root", "Group", nil), remote.SaveCreate)
	require.NoError(t, err)

	url, err := owner.CreateShare(ctx, zone, "Workout Pair")
	require.NoError(t, err)

	t.Run("invisible before accepting", func(t *testing.T) {
		zones, err := joiner.ListZones(ctx, remote.ScopeShared)
		require.NoError(t, err)
		assert.Empty(t, zones)
	})

	t.Run("visible in shared scope after accepting", func(t *testing.T) {
		meta, err := joiner.ResolveShare(ctx, url)
		require.NoError(t, err)
		require.NoError(t, joiner.AcceptShare(ctx, meta))

		zones, err := joiner.ListZones(ctx, remote.ScopeShared)
		require.NoError(t, err)
		require.Len(t, zones, 1)
		assert.Equal(t, "SharedZone", zones[0].Name)
		assert.Equal(t, "acct-owner", zones[0].Owner)

		// And never in the joiner's private scope.
		private, err := joiner.ListZones(ctx, remote.ScopePrivate)
		require.NoError(t, err)
		assert.Empty(t, private)
	})

	t.Run("unknown share URL resolves to not found", func(t *testing.T) {
		_, err := joiner.ResolveShare(ctx, "memstore://share/999/nope")
		assert.ErrorIs(t, err, remote.ErrShareNotFound)
	})
}

func TestAssets(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	device := cluster.Device("acct-a")

	zone, err := device.CreateZone(ctx, "AssetZone")
	require.NoError(t, err)

	ref, err := device.UploadAsset(ctx, zone, "w1", []byte("jpeg-bytes"))
	require.NoError(t, err)

	data, err := device.FetchAsset(ctx, zone, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)

	_, err = device.FetchAsset(ctx, zone, "asset:missing")
	assert.ErrorIs(t, err, remote.ErrRecordNotFound)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	cluster := memstore.NewCluster(0)
	device := cluster.Device("acct-a")

	zone, err := device.CreateZone(ctx, "FaultZone")
	require.NoError(t, err)

	device.OnOp = func(op string) error {
		if op == "Save" {
			return remote.ErrNetworkUnavailable
		}
		return nil
	}
	_, err = device.Save(ctx, zone, record("x", "Thing", nil), remote.SaveCreate)
	assert.ErrorIs(t, err, remote.ErrNetworkUnavailable)

	device.OnOp = nil
	_, err = device.Save(ctx, zone, record("x", "Thing", nil), remote.SaveCreate)
	assert.NoError(t, err)
}

func TestWatchBroadcastsWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cluster := memstore.NewCluster(0)
	writer := cluster.Device("acct-a")
	watcher := cluster.Device("acct-b")

	zone, err := writer.CreateZone(ctx, "WatchZone")
	require.NoError(t, err)

	events, err := watcher.Watch(ctx)
	require.NoError(t, err)

	_, err = writer.Save(ctx, zone, record("r", "Thing", nil), remote.SaveCreate)
	require.NoError(t, err)

	assert.Equal(t, "WatchZone", <-events)
}
