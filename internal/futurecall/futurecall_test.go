package futurecall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/backend/membackend"
	"github.com/hetu-io/hetu/internal/logger"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []callRecord

	deletedLocks []string
}

type callRecord struct {
	system string
	args   []interface{}
	owner  int64
	uuid   string
}

func (f *fakeInvoker) Call(_ context.Context, name string, args []interface{}, caller int64, _ string, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callRecord{system: name, args: args, owner: caller, uuid: uuid})
	return nil
}

func (f *fakeInvoker) DeleteLock(_ context.Context, _, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedLocks = append(f.deletedLocks, uuid)
	return nil
}

func (f *fakeInvoker) snapshot() ([]callRecord, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]callRecord, len(f.calls))
	copy(calls, f.calls)
	locks := make([]string, len(f.deletedLocks))
	copy(locks, f.deletedLocks)
	return calls, locks
}

func newTestFuturecallScheduler(t *testing.T, workerCount int) (*Scheduler, *fakeInvoker) {
	t.Helper()
	store := membackend.New()
	inv := &fakeInvoker{}
	sched, err := New(store, "default", 0, workerCount, inv, logger.NewDefault("test"))
	require.NoError(t, err)
	return sched, inv
}

func TestCreateFutureCallRejectsShortTimeout(t *testing.T) {
	sched, _ := newTestFuturecallScheduler(t, 1)
	_, err := sched.CreateFutureCall(context.Background(), 1, 0, "game.Deposit", nil, 2, false, 1)
	require.Error(t, err)
}

func TestCreateFutureCallRejectsRecurringWithoutTimeout(t *testing.T) {
	sched, _ := newTestFuturecallScheduler(t, 1)
	_, err := sched.CreateFutureCall(context.Background(), 1, 0, "game.Deposit", nil, 0, true, 1)
	require.Error(t, err)
}

func TestCreateFutureCallAcceptsZeroTimeoutOneShot(t *testing.T) {
	sched, _ := newTestFuturecallScheduler(t, 1)
	id, err := sched.CreateFutureCall(context.Background(), 1, -1, "game.Deposit", []interface{}{int64(5)}, 0, false, 7)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestWorkerInvokesDueOneShotCallThenCleansUp(t *testing.T) {
	sched, inv := newTestFuturecallScheduler(t, 1)

	_, err := sched.CreateFutureCall(context.Background(), 42, 0, "game.Deposit", []interface{}{int64(100)}, 0, false, 9)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sched.RunWorker(ctx)

	calls, locks := inv.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "game.Deposit", calls[0].system)
	assert.Equal(t, int64(42), calls[0].owner)
	assert.Equal(t, []interface{}{int64(100)}, calls[0].args)
	require.Len(t, locks, 1)
}

func TestWorkerOmitsUuidForRecurringCalls(t *testing.T) {
	sched, inv := newTestFuturecallScheduler(t, 1)

	_, err := sched.CreateFutureCall(context.Background(), 1, 0, "game.Tick", nil, 5, true, 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sched.RunWorker(ctx)

	calls, _ := inv.snapshot()
	require.NotEmpty(t, calls)
	assert.Empty(t, calls[0].uuid, "recurring calls must not be replay-deduped")
}

func TestEncodeDecodeArgsRoundTrips(t *testing.T) {
	args := []interface{}{int64(5), "hello", true, 3.5, nil}
	repr, err := EncodeArgs(args)
	require.NoError(t, err)

	decoded, err := DecodeArgs(repr)
	require.NoError(t, err)
	assert.Equal(t, args, decoded)
}

func TestDecodeArgsRejectsTamperedRepr(t *testing.T) {
	_, err := DecodeArgs(`[{"t":"bogus","v":1}]`)
	require.Error(t, err)
}
