package tableref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSameGroup(t *testing.T) {
	a := New("game.Item", "prod", 3)
	b := New("game.Connection", "prod", 3)
	c := New("game.Item", "prod", 4)
	d := New("game.Item", "stage", 3)

	assert.True(t, a.SameGroup(b))
	assert.False(t, a.SameGroup(c))
	assert.False(t, a.SameGroup(d))
}

func TestChannelNames(t *testing.T) {
	ref := New("game.Item", "prod", 3)
	assert.Equal(t, "row(prod:game.Item:3,7)", RowChannel(ref, 7))
	assert.Equal(t, "index(prod:game.Item:3,name)", IndexChannel(ref, "name"))
}
