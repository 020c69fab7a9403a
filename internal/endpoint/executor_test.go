package endpoint

import (
	"context"
	"testing"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/backend/membackend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/floodcheck"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/logger"
	"github.com/hetu-io/hetu/internal/metrics"
)

var testJWTSecret = []byte("test-secret")

func signTestToken(t *testing.T, userID int64, adminGroup string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		UserID:     userID,
		AdminGroup: adminGroup,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(expiresIn).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testJWTSecret)
	require.NoError(t, err)
	return signed
}

func newTestExecutor(t *testing.T, idleTimeout time.Duration, anonCap int) *Executor {
	t.Helper()
	store := membackend.New()
	endpoints := map[string]*Definition{
		"game.Ping": {
			Namespace: "game", Name: "Ping",
			ArgCount: 0, Permission: component.PermEverybody,
			Handler: func(ctx *Context, args []interface{}) (*Response, error) {
				return Ok("pong"), nil
			},
		},
		"game.AdminOnly": {
			Namespace: "game", Name: "AdminOnly",
			ArgCount: 0, Permission: component.PermAdmin,
			Handler: func(ctx *Context, args []interface{}) (*Response, error) {
				return Ok("secret"), nil
			},
		},
		"game.Refuse": {
			Namespace: "game", Name: "Refuse",
			ArgCount: 0, Permission: component.PermEverybody,
			Handler: func(ctx *Context, args []interface{}) (*Response, error) {
				return nil, herrors.AsClientFacing(herrors.Validation("nope"))
			},
		},
		"game.Boom": {
			Namespace: "game", Name: "Boom",
			ArgCount: 0, Permission: component.PermEverybody,
			Handler: func(ctx *Context, args []interface{}) (*Response, error) {
				return nil, herrors.New(herrors.KindInternal, "unexpected failure")
			},
		},
	}

	exec, err := New(store, Config{
		Instance:          "default",
		ClusterID:         1,
		FloodDefault:      floodcheck.DefaultConfig(),
		IdleTimeout:       idleTimeout,
		AnonymousCapPerIP: anonCap,
		JWTSecret:         testJWTSecret,
		AdminGroupPrefix:  "admin:",
	}, endpoints, logger.NewDefault("test"), metrics.NewForTest())
	require.NoError(t, err)
	return exec
}

func TestInitializeThenDispatchOk(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctx, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)

	reply, disconnect, err := exec.Dispatch(context.Background(), ctx, "game", "Ping", nil)
	require.NoError(t, err)
	assert.False(t, disconnect)
	assert.Equal(t, "pong", reply)
}

func TestDispatchUnknownEndpointDisconnects(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctx, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)

	_, disconnect, err := exec.Dispatch(context.Background(), ctx, "game", "NoSuchThing", nil)
	require.Error(t, err)
	assert.True(t, disconnect)
}

func TestDispatchWrongArgCountDisconnects(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctx, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)

	_, disconnect, err := exec.Dispatch(context.Background(), ctx, "game", "Ping", []interface{}{1})
	require.Error(t, err)
	assert.True(t, disconnect)
}

func TestDispatchPermissionDeniedDisconnects(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctx, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)

	_, disconnect, err := exec.Dispatch(context.Background(), ctx, "game", "AdminOnly", nil)
	require.Error(t, err)
	assert.True(t, disconnect)
}

func TestDispatchClientFacingHandlerErrorDoesNotDisconnect(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctx, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)

	reply, disconnect, err := exec.Dispatch(context.Background(), ctx, "game", "Refuse", nil)
	require.NoError(t, err)
	assert.False(t, disconnect)
	frame, ok := reply.(errorFrame)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION", frame.Error)
}

func TestDispatchNonClientFacingHandlerErrorDisconnects(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctx, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)

	_, disconnect, err := exec.Dispatch(context.Background(), ctx, "game", "Boom", nil)
	require.Error(t, err)
	assert.True(t, disconnect)
}

func TestElevateGrantsAdminPermission(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctx, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)

	token := signTestToken(t, 42, "admin:ops", time.Hour)
	require.NoError(t, exec.Elevate(context.Background(), ctx, token, false))
	assert.Equal(t, int64(42), ctx.Caller)

	_, disconnect, err := exec.Dispatch(context.Background(), ctx, "game", "AdminOnly", nil)
	require.NoError(t, err)
	assert.False(t, disconnect)
}

func TestElevateRefusesAlreadyElevatedConnection(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctx, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)

	token := signTestToken(t, 42, "", time.Hour)
	require.NoError(t, exec.Elevate(context.Background(), ctx, token, false))

	err = exec.Elevate(context.Background(), ctx, token, false)
	require.Error(t, err)
}

func TestElevateRefusesSecondConnectionWithoutKick(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctxA, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)
	ctxB, err := exec.Initialize(context.Background(), "203.0.113.6:1234", "ios", "dev-2")
	require.NoError(t, err)

	token := signTestToken(t, 7, "", time.Hour)
	require.NoError(t, exec.Elevate(context.Background(), ctxA, token, false))

	err = exec.Elevate(context.Background(), ctxB, token, false)
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.KindUserAlreadyLoggedIn))
}

func TestElevateWithKickEvictsPriorConnection(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctxA, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)
	ctxB, err := exec.Initialize(context.Background(), "203.0.113.6:1234", "ios", "dev-2")
	require.NoError(t, err)

	token := signTestToken(t, 7, "", time.Hour)
	require.NoError(t, exec.Elevate(context.Background(), ctxA, token, false))
	require.NoError(t, exec.Elevate(context.Background(), ctxB, token, true))

	_, disconnect, err := exec.Dispatch(context.Background(), ctxA, "game", "Ping", nil)
	require.Error(t, err, "ctxA must have been kicked")
	assert.True(t, disconnect)
}

func TestAnonymousConnectionCapPerAddress(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 1)

	_, err := exec.Initialize(context.Background(), "203.0.113.5", "ios", "dev-1")
	require.NoError(t, err)

	_, err = exec.Initialize(context.Background(), "203.0.113.5", "ios", "dev-2")
	require.Error(t, err)
}

func TestAnonymousConnectionCapBypassedForLoopback(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 1)

	_, err := exec.Initialize(context.Background(), "127.0.0.1", "ios", "dev-1")
	require.NoError(t, err)
	_, err = exec.Initialize(context.Background(), "127.0.0.1", "ios", "dev-2")
	require.NoError(t, err)
}

func TestTerminateIsIdempotent(t *testing.T) {
	exec := newTestExecutor(t, time.Hour, 0)
	ctx, err := exec.Initialize(context.Background(), "203.0.113.5:1234", "ios", "dev-1")
	require.NoError(t, err)

	require.NoError(t, exec.Terminate(context.Background(), ctx))
	require.NoError(t, exec.Terminate(context.Background(), ctx))
}
