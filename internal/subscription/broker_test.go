package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/backend/membackend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/identitymap"
	"github.com/hetu-io/hetu/internal/tableref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemDef() *component.Definition {
	return &component.Definition{
		Namespace: "game",
		Name:      "Item",
		Properties: []component.Property{
			{Name: "owner", Type: component.TypeInt64, Index: true},
			{Name: "name", Type: component.TypeString, Length: 32, Unique: true, Index: true},
		},
		Permission: component.PermEverybody,
	}
}

func testDefs() map[string]*component.Definition {
	d := itemDef()
	return map[string]*component.Definition{d.FullName(): d}
}

func itemSpec() backend.ComponentSpec {
	return backend.ComponentSpec{
		Name: "game.Item",
		Indexes: []backend.IndexSpec{
			{Name: "owner", Unique: false},
			{Name: "name", Unique: true},
		},
	}
}

func insertItem(t *testing.T, store *membackend.Store, id int64, owner int64, name string) {
	t.Helper()
	err := store.Commit(context.Background(), backend.CommitGroup{
		Ref:   testRef(),
		Specs: map[string]backend.ComponentSpec{"game.Item": itemSpec()},
		DirtySets: map[string]identitymap.DirtySet{
			"game.Item": {Inserts: []identitymap.DirtyEntry{
				{ID: id, Fields: map[string]interface{}{"id": id, "owner": owner, "name": name}},
			}},
		},
	})
	require.NoError(t, err)
}

func updateItemOwner(t *testing.T, store *membackend.Store, id, version, newOwner int64) {
	t.Helper()
	err := store.Commit(context.Background(), backend.CommitGroup{
		Ref:   testRef(),
		Specs: map[string]backend.ComponentSpec{"game.Item": itemSpec()},
		DirtySets: map[string]identitymap.DirtySet{
			"game.Item": {Updates: []identitymap.DirtyEntry{
				{ID: id, Version: version, Fields: map[string]interface{}{"owner": newOwner}},
			}},
		},
	})
	require.NoError(t, err)
}

func testRef() tableref.Ref { return tableref.New("game.Item", "default", 0) }

func TestSubscribeGetReturnsRowAndDeduplicatesFingerprint(t *testing.T) {
	store := membackend.New()
	insertItem(t, store, 1, 10, "sword")

	b := New(store, "default", 0, testDefs())
	subID, row, err := b.SubscribeGet(context.Background(), "game.Item", component.CallerContext{}, "id", int64(1), "admin")
	require.NoError(t, err)
	require.NotEmpty(t, subID)
	assert.Equal(t, "sword", row["name"])

	subID2, row2, err := b.SubscribeGet(context.Background(), "game.Item", component.CallerContext{}, "id", int64(1), "admin")
	require.NoError(t, err)
	assert.Equal(t, subID, subID2)
	assert.Equal(t, "sword", row2["name"])

	assert.Len(t, b.subs, 1)
}

func TestSubscribeGetMissingRowReturnsEmpty(t *testing.T) {
	store := membackend.New()
	b := New(store, "default", 0, testDefs())

	subID, row, err := b.SubscribeGet(context.Background(), "game.Item", component.CallerContext{}, "id", int64(99), "admin")
	require.NoError(t, err)
	assert.Empty(t, subID)
	assert.Nil(t, row)
}

func TestSubscribeRangeRegistersIndexSubscriptionAndRowChannels(t *testing.T) {
	store := membackend.New()
	insertItem(t, store, 1, 10, "sword")
	insertItem(t, store, 2, 10, "shield")

	b := New(store, "default", 0, testDefs())
	subID, rows, err := b.SubscribeRange(context.Background(), "game.Item", component.CallerContext{}, "owner", int64(10), int64(10), 100, false, false, "admin")
	require.NoError(t, err)
	require.NotEmpty(t, subID)
	assert.Len(t, rows, 2)

	b.mu.Lock()
	sub := b.subs[subID].(*indexSubscription)
	chanCount := len(b.channelSubs)
	b.mu.Unlock()
	assert.Len(t, sub.last, 2)
	// one index channel + two row channels tracked
	assert.Equal(t, 3, chanCount)
}

func TestSubscribeRangeEmptyWithoutForceReturnsNothing(t *testing.T) {
	store := membackend.New()
	b := New(store, "default", 0, testDefs())

	subID, rows, err := b.SubscribeRange(context.Background(), "game.Item", component.CallerContext{}, "owner", int64(10), int64(10), 100, false, false, "admin")
	require.NoError(t, err)
	assert.Empty(t, subID)
	assert.Nil(t, rows)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	store := membackend.New()
	insertItem(t, store, 1, 10, "sword")

	b := New(store, "default", 0, testDefs())
	subID, _, err := b.SubscribeGet(context.Background(), "game.Item", component.CallerContext{}, "id", int64(1), "admin")
	require.NoError(t, err)

	b.Unsubscribe(subID)
	assert.Len(t, b.subs, 0)

	// redundant unsubscribe is a no-op, not an error
	b.Unsubscribe(subID)
	assert.Len(t, b.subs, 0)
}

func TestRowSubscriptionGetUpdatedReportsCurrentRowThenUpdate(t *testing.T) {
	store := membackend.New()
	insertItem(t, store, 1, 10, "sword")

	def := itemDef()
	ref := tablerefFor(def)
	sub := &rowSubscription{def: def, ref: ref, ctx: component.CallerContext{}, channel: "row", id: 1}
	fetcher := clientFetcher{client: store}
	c := newCache(fetcher)

	deltas, _, _, err := sub.getUpdated(context.Background(), "row", c)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "sword", deltas[0].Row["name"])

	updateItemOwner(t, store, 1, 1, 20)
	c2 := newCache(fetcher)
	deltas, _, _, err = sub.getUpdated(context.Background(), "row", c2)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, int64(20), deltas[0].Row["owner"])
}

func TestIndexSubscriptionRefreshRangeTracksInsertsAndDeletes(t *testing.T) {
	store := membackend.New()
	insertItem(t, store, 1, 10, "sword")

	def := itemDef()
	ref := tablerefFor(def)
	fetcher := clientFetcher{client: store}
	sub := &indexSubscription{
		def:          def,
		ref:          ref,
		ctx:          component.CallerContext{},
		fetcher:      fetcher,
		indexName:    "owner",
		left:         int64(10),
		right:        int64(10),
		limit:        100,
		desc:         false,
		rowChannel:   func(id int64) string { return "row" },
		indexChannel: "index",
		last:         map[int64]struct{}{1: {}},
	}

	insertItem(t, store, 2, 10, "shield")
	c := newCache(fetcher)
	deltas, newCh, removedCh, err := sub.refreshRange(context.Background(), c)
	require.NoError(t, err)
	assert.Empty(t, removedCh)
	assert.Len(t, newCh, 1)
	require.Len(t, deltas, 1)
	assert.Equal(t, int64(2), deltas[0].ID)
	assert.Len(t, sub.last, 2)

	updateItemOwner(t, store, 1, 1, 99)
	c2 := newCache(fetcher)
	deltas, newCh, removedCh, err = sub.refreshRange(context.Background(), c2)
	require.NoError(t, err)
	assert.Empty(t, newCh)
	require.Len(t, removedCh, 1)
	require.Len(t, deltas, 1)
	assert.Equal(t, int64(1), deltas[0].ID)
	assert.Nil(t, deltas[0].Row)
	assert.Len(t, sub.last, 1)
}

func TestBrokerPullAndGetUpdatesDeliverEndToEnd(t *testing.T) {
	store := membackend.New()
	insertItem(t, store, 1, 10, "sword")

	b := New(store, "default", 0, testDefs())
	subID, _, err := b.SubscribeGet(context.Background(), "game.Item", component.CallerContext{}, "id", int64(1), "admin")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = b.Pull(ctx) }()

	updates := make(chan Update, 4)
	go func() {
		_ = b.GetUpdates(ctx, func(u Update) { updates <- u })
	}()

	// give the pull loop a moment to establish its live subscription
	// before the mutating commit fires the row channel.
	time.Sleep(50 * time.Millisecond)
	updateItemOwner(t, store, 1, 1, 42)

	select {
	case u := <-updates:
		assert.Equal(t, subID, u.SubID)
		require.Len(t, u.Deltas, 1)
		assert.Equal(t, int64(42), u.Deltas[0].Row["owner"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription update")
	}
}

func tablerefFor(def *component.Definition) tableref.Ref {
	return tableref.New(def.FullName(), "default", 0)
}
