package session

import (
	"context"
	"testing"

	"github.com/hetu-io/hetu/internal/backend/membackend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/retry"
	"github.com/hetu-io/hetu/internal/tableref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemDef() *component.Definition {
	return &component.Definition{
		Namespace: "game",
		Name:      "Item",
		Properties: []component.Property{
			{Name: "owner", Type: component.TypeString, Length: 32},
			{Name: "name", Type: component.TypeString, Length: 32, Unique: true, Index: true},
		},
	}
}

func testDefs() map[string]*component.Definition {
	def := itemDef()
	return map[string]*component.Definition{def.FullName(): def}
}

func testRef() tableref.Ref {
	return tableref.New("", "default", 0)
}

func TestInsertThenGetWithinSameSession(t *testing.T) {
	store := membackend.New()
	sess := New(store, testRef(), testDefs())

	repo, err := sess.Repository("game.Item")
	require.NoError(t, err)

	err = repo.Insert(context.Background(), map[string]interface{}{
		"id": int64(1), "owner": "alice", "name": "sword",
	})
	require.NoError(t, err)

	row, found, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "sword", row["name"])

	require.NoError(t, sess.Commit(context.Background()))

	row, found, err = repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alice", row["owner"])
}

func TestInsertDuplicateUniqueFieldIsRejectedBeforeCommit(t *testing.T) {
	store := membackend.New()
	defs := testDefs()

	sess := New(store, testRef(), defs)
	repo, err := sess.Repository("game.Item")
	require.NoError(t, err)
	require.NoError(t, repo.Insert(context.Background(), map[string]interface{}{
		"id": int64(1), "owner": "alice", "name": "sword",
	}))
	require.NoError(t, sess.Commit(context.Background()))

	sess2 := New(store, testRef(), defs)
	repo2, err := sess2.Repository("game.Item")
	require.NoError(t, err)
	err = repo2.Insert(context.Background(), map[string]interface{}{
		"id": int64(2), "owner": "bob", "name": "sword",
	})
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.KindUniqueViolation))
}

func TestUpdateRequiresPriorGet(t *testing.T) {
	store := membackend.New()
	defs := testDefs()
	sess := New(store, testRef(), defs)
	repo, err := sess.Repository("game.Item")
	require.NoError(t, err)
	require.NoError(t, repo.Insert(context.Background(), map[string]interface{}{
		"id": int64(1), "owner": "alice", "name": "sword",
	}))
	require.NoError(t, sess.Commit(context.Background()))

	sess2 := New(store, testRef(), defs)
	repo2, err := sess2.Repository("game.Item")
	require.NoError(t, err)

	_, found, err := repo2.Get(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, repo2.Update(context.Background(), 1, map[string]interface{}{"owner": "carol"}))
	require.NoError(t, sess2.Commit(context.Background()))

	row, found, err := repo2.Get(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "carol", row["owner"])
}

func TestDeleteThenGetMisses(t *testing.T) {
	store := membackend.New()
	defs := testDefs()
	sess := New(store, testRef(), defs)
	repo, err := sess.Repository("game.Item")
	require.NoError(t, err)
	require.NoError(t, repo.Insert(context.Background(), map[string]interface{}{
		"id": int64(1), "owner": "alice", "name": "sword",
	}))
	require.NoError(t, sess.Commit(context.Background()))

	sess2 := New(store, testRef(), defs)
	repo2, err := sess2.Repository("game.Item")
	require.NoError(t, err)
	_, found, err := repo2.Get(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, repo2.Delete(context.Background(), 1))
	_, found, err = repo2.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, sess2.Commit(context.Background()))

	sess3 := New(store, testRef(), defs)
	repo3, err := sess3.Repository("game.Item")
	require.NoError(t, err)
	_, found, err = repo3.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpsertInsertsWhenAbsentAndUpdatesWhenPresent(t *testing.T) {
	store := membackend.New()
	defs := testDefs()

	upsertOnce := func() error {
		sess := New(store, testRef(), defs)
		repo, err := sess.Repository("game.Item")
		if err != nil {
			return err
		}
		if err := repo.Upsert(context.Background(), "name", "shield", 42, func(row map[string]interface{}, existed bool) (map[string]interface{}, error) {
			if !existed {
				row["owner"] = "alice"
			} else {
				row["owner"] = "bob"
			}
			return row, nil
		}); err != nil {
			return err
		}
		return sess.Commit(context.Background())
	}

	require.NoError(t, upsertOnce())
	sess := New(store, testRef(), defs)
	repo, err := sess.Repository("game.Item")
	require.NoError(t, err)
	row, found, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", row["owner"])

	require.NoError(t, upsertOnce())
	sess2 := New(store, testRef(), defs)
	repo2, err := sess2.Repository("game.Item")
	require.NoError(t, err)
	row, found, err = repo2.Get(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bob", row["owner"])
}

func TestTransactRetriesOnRaceThenSucceeds(t *testing.T) {
	store := membackend.New()
	defs := testDefs()

	sess := New(store, testRef(), defs)
	repo, err := sess.Repository("game.Item")
	require.NoError(t, err)
	require.NoError(t, repo.Insert(context.Background(), map[string]interface{}{
		"id": int64(1), "owner": "alice", "name": "sword",
	}))
	require.NoError(t, sess.Commit(context.Background()))

	attempts := 0
	err = Transact(context.Background(), store, testRef(), defs, retry.Config{MaxAttempts: 3}, func(s *Session) error {
		attempts++
		repo, err := s.Repository("game.Item")
		if err != nil {
			return err
		}
		_, _, err = repo.Get(context.Background(), 1)
		if err != nil {
			return err
		}
		if attempts < 2 {
			return herrors.Race("injected for test", nil)
		}
		return repo.Update(context.Background(), 1, map[string]interface{}{"owner": "dave"})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	sess2 := New(store, testRef(), defs)
	repo2, err := sess2.Repository("game.Item")
	require.NoError(t, err)
	row, found, err := repo2.Get(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "dave", row["owner"])
}
