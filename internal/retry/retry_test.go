package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Run(context.Background(), DefaultConfig(), func() {}, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesOnRaceThenSucceeds(t *testing.T) {
	attempts := 0
	resets := 0
	err := Run(context.Background(), DefaultConfig(), func() { resets++ }, func() error {
		attempts++
		if attempts < 3 {
			return herrors.Race("version mismatch", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, resets)
}

func TestRunPropagatesNonRaceError(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := Run(context.Background(), DefaultConfig(), func() {}, func() error {
		calls++
		return sentinel
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestRunExhaustsRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 3}
	calls := 0
	err := Run(context.Background(), cfg, func() {}, func() error {
		calls++
		return herrors.Race("still stale", nil)
	})
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.KindRetriesExceeded))
	assert.Equal(t, 3, calls)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Run(ctx, Config{MaxAttempts: 5, InitialDelay: 0, MaxDelay: 0}, func() {}, func() error {
		calls++
		return herrors.Race("stale", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
