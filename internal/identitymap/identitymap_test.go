package identitymap

import (
	"testing"

	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheCleanThenGet(t *testing.T) {
	m := New()
	m.CacheClean("Item", 1, map[string]interface{}{"id": int64(1), "_version": int64(1), "name": "sword"})

	row, ok := m.Get("Item", 1)
	require.True(t, ok)
	assert.Equal(t, "sword", row["name"])
}

func TestMarkInsertThenExtract(t *testing.T) {
	m := New()
	require.NoError(t, m.MarkInsert("Item", 7, map[string]interface{}{"id": int64(7), "_version": int64(0), "name": "bow"}))

	set := m.Extract("Item")
	require.Len(t, set.Inserts, 1)
	assert.Equal(t, int64(7), set.Inserts[0].ID)
	assert.Equal(t, "bow", set.Inserts[0].Fields["name"])
}

func TestMarkUpdateRequiresCleanCopy(t *testing.T) {
	m := New()
	err := m.MarkUpdate("Item", 1, map[string]interface{}{"qty": 2})
	assert.True(t, herrors.Is(err, herrors.KindLookup))
}

func TestMarkUpdateDiffsOnlyChangedFields(t *testing.T) {
	m := New()
	m.CacheClean("Item", 1, map[string]interface{}{"id": int64(1), "_version": int64(3), "name": "sword", "qty": 1})
	require.NoError(t, m.MarkUpdate("Item", 1, map[string]interface{}{"qty": 2}))

	set := m.Extract("Item")
	require.Len(t, set.Updates, 1)
	assert.Equal(t, int64(3), set.Updates[0].Version)
	assert.Equal(t, map[string]interface{}{"qty": 2}, set.Updates[0].Fields)
}

func TestMarkDeleteOnCleanRow(t *testing.T) {
	m := New()
	m.CacheClean("Item", 1, map[string]interface{}{"id": int64(1), "_version": int64(2)})
	require.NoError(t, m.MarkDelete("Item", 1))

	row, ok := m.Get("Item", 1)
	assert.True(t, ok)
	assert.Nil(t, row)

	set := m.Extract("Item")
	require.Len(t, set.Deletes, 1)
	assert.Equal(t, int64(2), set.Deletes[0].Version)
}

func TestMarkDeleteOnInsertDropsEntry(t *testing.T) {
	m := New()
	require.NoError(t, m.MarkInsert("Item", 7, map[string]interface{}{"id": int64(7)}))
	require.NoError(t, m.MarkDelete("Item", 7))

	set := m.Extract("Item")
	assert.Empty(t, set.Inserts)
	assert.Empty(t, set.Deletes)
}

func TestMarkUpdateOnDeletedRowErrors(t *testing.T) {
	m := New()
	m.CacheClean("Item", 1, map[string]interface{}{"id": int64(1), "_version": int64(1)})
	require.NoError(t, m.MarkDelete("Item", 1))

	err := m.MarkUpdate("Item", 1, map[string]interface{}{"qty": 5})
	assert.True(t, herrors.Is(err, herrors.KindValidation))
}

func TestMarkInsertRejectsDuplicateID(t *testing.T) {
	m := New()
	require.NoError(t, m.MarkInsert("Item", 7, map[string]interface{}{"id": int64(7)}))
	err := m.MarkInsert("Item", 7, map[string]interface{}{"id": int64(7)})
	assert.Error(t, err)
}

func TestComponentsListsOnlyDirtyTables(t *testing.T) {
	m := New()
	m.CacheClean("Item", 1, map[string]interface{}{"id": int64(1)})
	assert.Empty(t, m.Components())

	require.NoError(t, m.MarkUpdate("Item", 1, map[string]interface{}{"qty": 1}))
	assert.Equal(t, []string{"Item"}, m.Components())
}
