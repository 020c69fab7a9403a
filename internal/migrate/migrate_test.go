package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreWellFormed(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	var sawUp, sawDown bool
	for _, e := range entries {
		switch {
		case len(e.Name()) > 7 && e.Name()[len(e.Name())-7:] == ".up.sql":
			sawUp = true
		case len(e.Name()) > 9 && e.Name()[len(e.Name())-9:] == ".down.sql":
			sawDown = true
		}
	}
	assert.True(t, sawUp, "expected at least one .up.sql migration")
	assert.True(t, sawDown, "expected at least one .down.sql migration")
}

func TestApplyRejectsUnparseableDSN(t *testing.T) {
	err := Apply("not-a-valid-dsn")
	assert.Error(t, err)
}
