package herrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAndAs(t *testing.T) {
	cause := errors.New("version mismatch")
	err := Race("commit conflict", cause)

	assert.True(t, Is(err, KindRace))
	assert.False(t, Is(err, KindLookup))

	he := As(err)
	require.NotNil(t, he)
	assert.Equal(t, KindRace, he.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestWrappedChain(t *testing.T) {
	inner := Lookup("Item", 7)
	outer := fmt.Errorf("repository get: %w", inner)

	assert.True(t, Is(outer, KindLookup))
	he := As(outer)
	require.NotNil(t, he)
	assert.Equal(t, int64(7), he.Details["id"])
}

func TestWithDetails(t *testing.T) {
	err := UniqueViolation("Item", "name", "sword")
	assert.Equal(t, "Item", err.Details["component"])
	assert.Equal(t, "name", err.Details["field"])
	assert.Equal(t, "sword", err.Details["value"])
}

func TestNotAHetuError(t *testing.T) {
	plain := errors.New("boom")
	assert.False(t, Is(plain, KindRace))
	assert.Nil(t, As(plain))
}
