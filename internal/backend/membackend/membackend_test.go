package membackend

import (
	"context"
	"testing"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/identitymap"
	"github.com/hetu-io/hetu/internal/tableref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemRef() tableref.Ref {
	return tableref.New("Item", "default", 0)
}

func itemSpec() backend.ComponentSpec {
	return backend.ComponentSpec{
		Name: "Item",
		Indexes: []backend.IndexSpec{
			{Name: "owner", Unique: false},
			{Name: "name", Unique: true},
		},
	}
}

func TestCommitInsertThenGet(t *testing.T) {
	s := New()
	ref := itemRef()

	err := s.Commit(context.Background(), backend.CommitGroup{
		Ref:   ref,
		Specs: map[string]backend.ComponentSpec{"Item": itemSpec()},
		DirtySets: map[string]identitymap.DirtySet{
			"Item": {Inserts: []identitymap.DirtyEntry{{ID: 1, Fields: map[string]interface{}{"id": int64(1), "name": "sword", "owner": "alice"}}}},
		},
	})
	require.NoError(t, err)

	row, ok, err := s.Get(context.Background(), ref, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sword", row["name"])
	assert.Equal(t, int64(1), row["_version"])
}

func TestCommitUpdateRequiresMatchingVersion(t *testing.T) {
	s := New()
	ref := itemRef()
	seed(t, s, ref, 1, map[string]interface{}{"id": int64(1), "name": "sword", "owner": "alice"})

	err := s.Commit(context.Background(), backend.CommitGroup{
		Ref:   ref,
		Specs: map[string]backend.ComponentSpec{"Item": itemSpec()},
		DirtySets: map[string]identitymap.DirtySet{
			"Item": {Updates: []identitymap.DirtyEntry{{ID: 1, Version: 99, Fields: map[string]interface{}{"owner": "bob"}}}},
		},
	})
	assert.True(t, herrors.Is(err, herrors.KindRace))
}

func TestCommitUpdateSucceedsAndBumpsVersion(t *testing.T) {
	s := New()
	ref := itemRef()
	seed(t, s, ref, 1, map[string]interface{}{"id": int64(1), "name": "sword", "owner": "alice"})

	err := s.Commit(context.Background(), backend.CommitGroup{
		Ref:   ref,
		Specs: map[string]backend.ComponentSpec{"Item": itemSpec()},
		DirtySets: map[string]identitymap.DirtySet{
			"Item": {Updates: []identitymap.DirtyEntry{{ID: 1, Version: 1, Fields: map[string]interface{}{"owner": "bob"}}}},
		},
	})
	require.NoError(t, err)

	row, _, err := s.Get(context.Background(), ref, 1)
	require.NoError(t, err)
	assert.Equal(t, "bob", row["owner"])
	assert.Equal(t, int64(2), row["_version"])
}

func TestCommitRejectsUniqueViolation(t *testing.T) {
	s := New()
	ref := itemRef()
	seed(t, s, ref, 1, map[string]interface{}{"id": int64(1), "name": "sword", "owner": "alice"})

	err := s.Commit(context.Background(), backend.CommitGroup{
		Ref:   ref,
		Specs: map[string]backend.ComponentSpec{"Item": itemSpec()},
		DirtySets: map[string]identitymap.DirtySet{
			"Item": {Inserts: []identitymap.DirtyEntry{{ID: 2, Fields: map[string]interface{}{"id": int64(2), "name": "sword", "owner": "bob"}}}},
		},
	})
	assert.True(t, herrors.Is(err, herrors.KindUniqueViolation))
}

func TestCommitDeleteThenGetMisses(t *testing.T) {
	s := New()
	ref := itemRef()
	seed(t, s, ref, 1, map[string]interface{}{"id": int64(1), "name": "sword", "owner": "alice"})

	err := s.Commit(context.Background(), backend.CommitGroup{
		Ref:   ref,
		Specs: map[string]backend.ComponentSpec{"Item": itemSpec()},
		DirtySets: map[string]identitymap.DirtySet{
			"Item": {Deletes: []identitymap.DirtyEntry{{ID: 1, Version: 1}}},
		},
	})
	require.NoError(t, err)

	_, ok, err := s.Get(context.Background(), ref, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRangeOrdersByIndexThenID(t *testing.T) {
	s := New()
	ref := itemRef()
	seed(t, s, ref, 1, map[string]interface{}{"id": int64(1), "name": "bow", "owner": "alice"})
	seed(t, s, ref, 2, map[string]interface{}{"id": int64(2), "name": "sword", "owner": "alice"})
	seed(t, s, ref, 3, map[string]interface{}{"id": int64(3), "name": "axe", "owner": "alice"})

	rows, err := s.Range(context.Background(), ref, itemSpec(), backend.RangeQuery{Index: "owner", Limit: -1})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "bow", rows[0]["name"])
	assert.Equal(t, "axe", rows[2]["name"])
}

func TestSubscribeReceivesRowNotification(t *testing.T) {
	s := New()
	ref := itemRef()
	sub, err := s.Subscribe(context.Background(), tableref.RowChannel(ref, 1))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Commit(context.Background(), backend.CommitGroup{
		Ref:   ref,
		Specs: map[string]backend.ComponentSpec{"Item": itemSpec()},
		DirtySets: map[string]identitymap.DirtySet{
			"Item": {Inserts: []identitymap.DirtyEntry{{ID: 1, Fields: map[string]interface{}{"id": int64(1), "name": "sword", "owner": "alice"}}}},
		},
	}))

	select {
	case n := <-sub.Channel():
		assert.Equal(t, tableref.RowChannel(ref, 1), n.Channel)
	default:
		t.Fatal("expected a notification")
	}
}

func TestAcquireWorkerThenRenewAndRelease(t *testing.T) {
	s := New()
	lease, err := s.AcquireWorker(context.Background(), 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lease.WorkerID(), 0)
	require.NoError(t, lease.Renew(context.Background()))
	require.NoError(t, lease.Release(context.Background()))
}

func TestDirectSetBypassesVersioning(t *testing.T) {
	s := New()
	ref := itemRef()
	require.NoError(t, s.DirectSet(context.Background(), ref, 9, map[string]interface{}{"hp": int64(100)}))

	row, ok, err := s.Get(context.Background(), ref, 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), row["hp"])
}

func seed(t *testing.T, s *Store, ref tableref.Ref, id int64, fields map[string]interface{}) {
	t.Helper()
	require.NoError(t, s.Commit(context.Background(), backend.CommitGroup{
		Ref:   ref,
		Specs: map[string]backend.ComponentSpec{"Item": itemSpec()},
		DirtySets: map[string]identitymap.DirtySet{
			"Item": {Inserts: []identitymap.DirtyEntry{{ID: id, Fields: fields}}},
		},
	}))
}
