package redisbackend

import (
	"testing"

	"github.com/hetu-io/hetu/internal/tableref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyBuildersAreStableAndDistinct(t *testing.T) {
	ref := tableref.New("Item", "default", 3)
	assert.Equal(t, "row:default:Item:3:7", rowKey(ref, 7))
	assert.Equal(t, "idx:default:Item:3:owner", indexKey(ref, "owner"))
	assert.Equal(t, "meta:digest:default:Item:3", digestKey(ref))
	assert.NotEqual(t, rowKey(ref, 7), rowKey(ref, 8))
}

func TestEncodeDecodeFieldRoundTrip(t *testing.T) {
	enc, err := encodeField(int64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), decodeField(enc))

	enc, err = encodeField("sword")
	require.NoError(t, err)
	assert.Equal(t, "sword", decodeField(enc))
}

func TestScoreForNumericTypes(t *testing.T) {
	assert.Equal(t, float64(5), scoreFor(int64(5)))
	assert.Equal(t, float64(5.5), scoreFor(5.5))
	assert.Equal(t, float64(0), scoreFor("unscored-string-index"))
}

func TestEncodeRowPreservesKeys(t *testing.T) {
	enc, err := encodeRow(map[string]interface{}{"name": "sword", "qty": int64(3)})
	require.NoError(t, err)
	assert.Len(t, enc, 2)
	assert.Equal(t, "sword", decodeField(enc["name"].(string)))
}
