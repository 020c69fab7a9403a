package rowcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type itemRow struct {
	ID      int64  `hetu:"id"`
	Version int64  `hetu:"_version"`
	Name    string `hetu:"name"`
	Qty     int32  `hetu:"qty"`
}

func TestStructToDictDictToStructRoundTrip(t *testing.T) {
	row := itemRow{ID: 7, Version: 1, Name: "sword", Qty: 3}

	dict, err := StructToDict(&row)
	require.NoError(t, err)
	assert.Equal(t, int64(7), dict["id"])
	assert.Equal(t, "sword", dict["name"])

	var out itemRow
	require.NoError(t, DictToStruct(dict, &out))
	assert.Equal(t, row, out)
}

func TestStructToDictRejectsNonStruct(t *testing.T) {
	n := 5
	_, err := StructToDict(&n)
	assert.Error(t, err)
}

func TestDictToStructIgnoresUnknownKeys(t *testing.T) {
	var out itemRow
	err := DictToStruct(map[string]interface{}{"name": "bow", "unknown": "x"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "bow", out.Name)
}

func TestDictToStructConvertsCompatibleNumericTypes(t *testing.T) {
	var out itemRow
	err := DictToStruct(map[string]interface{}{"qty": int(5)}, &out)
	require.NoError(t, err)
	assert.Equal(t, int32(5), out.Qty)
}
