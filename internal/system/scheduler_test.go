package system

import (
	"context"
	"testing"
	"time"

	"github.com/hetu-io/hetu/internal/backend/membackend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/logger"
	"github.com/hetu-io/hetu/internal/metrics"
	"github.com/hetu-io/hetu/internal/session"
	"github.com/hetu-io/hetu/internal/tableref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func walletDef() *component.Definition {
	def, err := component.Seal(component.Definition{
		Namespace: "game",
		Name:      "Wallet",
		Properties: []component.Property{
			{Name: "balance", Type: component.TypeInt64},
		},
		Permission: component.PermEverybody,
	})
	if err != nil {
		panic(err)
	}
	return def
}

func walletComponentDefs() map[string]*component.Definition {
	d := walletDef()
	return map[string]*component.Definition{d.FullName(): d}
}

func depositFn(ctx *Context, args []interface{}) error {
	id := args[0].(int64)
	amount := args[1].(int64)

	repo := ctx.Repos["game.Wallet"]
	row, found, err := repo.Get(ctx.GoCtx, id)
	if err != nil {
		return err
	}
	if !found {
		return repo.Insert(ctx.GoCtx, map[string]interface{}{"id": id, "balance": amount})
	}
	balance := row["balance"].(int64)
	return repo.Update(ctx.GoCtx, id, map[string]interface{}{"balance": balance + amount})
}

func depositDef() *Definition {
	return &Definition{
		Namespace:  "game",
		Name:       "Deposit",
		Components: []string{"game.Wallet"},
		MaxRetry:   3,
		ArgCount:   2,
		Permission: component.PermEverybody,
		Fn:         depositFn,
	}
}

func newTestScheduler(t *testing.T, asyncLimit int) (*Scheduler, *membackend.Store) {
	t.Helper()
	store := membackend.New()
	defs := map[string]*Definition{"game.Deposit": depositDef()}
	sched, err := New(store, "default", defs, walletComponentDefs(), metrics.NewForTest(), logger.NewDefault("test"), SlowLogConfig{}, asyncLimit)
	require.NoError(t, err)
	return sched, store
}

func readWalletBalance(t *testing.T, store *membackend.Store, clusterID int64, id int64) (int64, bool) {
	t.Helper()
	ref := tableref.New("game.Wallet", "default", clusterID)
	sess := session.New(store, ref, walletComponentDefs())
	repo, err := sess.Repository("game.Wallet")
	require.NoError(t, err)
	row, found, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	if !found {
		return 0, false
	}
	return row["balance"].(int64), true
}

func TestSchedulerCallInsertsThenUpdatesAcrossCalls(t *testing.T) {
	sched, store := newTestScheduler(t, 0)

	require.NoError(t, sched.Call(context.Background(), "game.Deposit", []interface{}{int64(1), int64(100)}, 7, "conn-1", ""))
	balance, found := readWalletBalance(t, store, sched.clusters.ComponentCluster["game.Wallet"], 1)
	require.True(t, found)
	assert.Equal(t, int64(100), balance)

	require.NoError(t, sched.Call(context.Background(), "game.Deposit", []interface{}{int64(1), int64(50)}, 7, "conn-1", ""))
	balance, found = readWalletBalance(t, store, sched.clusters.ComponentCluster["game.Wallet"], 1)
	require.True(t, found)
	assert.Equal(t, int64(150), balance)
}

func TestSchedulerCallWithUuidReplayIsNoop(t *testing.T) {
	sched, store := newTestScheduler(t, 0)

	require.NoError(t, sched.Call(context.Background(), "game.Deposit", []interface{}{int64(1), int64(100)}, 7, "conn-1", "dedupe-1"))
	require.NoError(t, sched.Call(context.Background(), "game.Deposit", []interface{}{int64(1), int64(100)}, 7, "conn-1", "dedupe-1"))

	balance, found := readWalletBalance(t, store, sched.clusters.ComponentCluster["game.Wallet"], 1)
	require.True(t, found)
	assert.Equal(t, int64(100), balance, "replayed call must not apply its side effect twice")
}

func TestSchedulerCallRejectsWrongArgCount(t *testing.T) {
	sched, _ := newTestScheduler(t, 0)
	err := sched.Call(context.Background(), "game.Deposit", []interface{}{int64(1)}, 0, "", "")
	require.Error(t, err)
}

func TestSchedulerCallRejectsUnknownSystem(t *testing.T) {
	sched, _ := newTestScheduler(t, 0)
	err := sched.Call(context.Background(), "game.NoSuchSystem", nil, 0, "", "")
	require.Error(t, err)
}

func TestSchedulerCallAsyncRespectsConcurrencyLimit(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)

	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := &Definition{
		Namespace: "game", Name: "Block",
		Components: []string{"game.Wallet"},
		MaxRetry:   1, ArgCount: 0,
		Fn: func(ctx *Context, _ []interface{}) error {
			close(entered)
			<-release
			return nil
		},
	}
	sched.defs["game.Block"] = blocking
	clusters, err := BuildClusters(sched.defs, func(string) string { return "" })
	require.NoError(t, err)
	sched.clusters = clusters

	started := sched.CallAsync(context.Background(), "game.Block", nil, 0, "", "", nil)
	require.True(t, started)
	<-entered

	second := sched.CallAsync(context.Background(), "game.Block", nil, 0, "", "", nil)
	assert.False(t, second, "second call must be rejected while the slot is held")

	close(release)
	time.Sleep(20 * time.Millisecond)
}

func TestSchedulerDeleteLockRemovesReplayRow(t *testing.T) {
	sched, _ := newTestScheduler(t, 0)

	require.NoError(t, sched.Call(context.Background(), "game.Deposit", []interface{}{int64(1), int64(100)}, 7, "conn-1", "dedupe-1"))
	require.NoError(t, sched.DeleteLock(context.Background(), "game.Deposit", "dedupe-1"))

	// With the lock row gone, replaying the same uuid applies the deposit
	// again instead of being treated as a no-op.
	require.NoError(t, sched.Call(context.Background(), "game.Deposit", []interface{}{int64(1), int64(100)}, 7, "conn-1", "dedupe-1"))
}

func TestSchedulerSweepStaleLocksKeepsFreshRows(t *testing.T) {
	sched, _ := newTestScheduler(t, 0)

	require.NoError(t, sched.Call(context.Background(), "game.Deposit", []interface{}{int64(1), int64(100)}, 7, "conn-1", "fresh-uuid"))
	require.NoError(t, sched.SweepStaleLocks(context.Background(), 7*24*time.Hour))

	// The just-written lock is fresh, so a second call with the same uuid
	// must still be treated as a replay no-op.
	require.NoError(t, sched.Call(context.Background(), "game.Deposit", []interface{}{int64(1), int64(999)}, 7, "conn-1", "fresh-uuid"))
	balance, found := readWalletBalance(t, sched.client.(*membackend.Store), sched.clusters.ComponentCluster["game.Wallet"], 1)
	require.True(t, found)
	assert.Equal(t, int64(100), balance, "fresh lock must survive the sweep, so the replay must not re-apply")
}

func TestSchedulerCallAsyncRecoversPanicAndReleasesSlot(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)

	panicking := &Definition{
		Namespace: "game", Name: "Panics",
		Components: []string{"game.Wallet"},
		MaxRetry:   1, ArgCount: 0,
		Fn: func(ctx *Context, _ []interface{}) error {
			panic("boom")
		},
	}
	sched.defs["game.Panics"] = panicking
	clusters, err := BuildClusters(sched.defs, func(string) string { return "" })
	require.NoError(t, err)
	sched.clusters = clusters

	done := make(chan struct{})
	started := sched.CallAsync(context.Background(), "game.Panics", nil, 0, "", "", func(error) { close(done) })
	require.True(t, started)

	select {
	case <-done:
		t.Fatal("onDone must not run after a panic")
	case <-time.After(50 * time.Millisecond):
	}

	// Slot must have been released despite the panic.
	started = sched.CallAsync(context.Background(), "game.Deposit", []interface{}{int64(9), int64(1)}, 0, "", "", nil)
	assert.True(t, started)
}
