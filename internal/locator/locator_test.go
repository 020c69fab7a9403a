package locator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/backend/membackend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/tableref"
)

func TestResolveReturnsRegisteredValue(t *testing.T) {
	l := New()
	store := membackend.New()
	Register(l, "backend.client", backend.Client(store))

	got, err := Resolve[backend.Client](l, "backend.client")
	require.NoError(t, err)
	assert.Same(t, store, got)
}

func TestResolveErrorsOnMissingProvider(t *testing.T) {
	l := New()
	_, err := Resolve[backend.Client](l, "backend.client")
	assert.Error(t, err)
}

func TestResolveErrorsOnWrongType(t *testing.T) {
	l := New()
	Register(l, "name", "a string, not a backend.Client")
	_, err := Resolve[backend.Client](l, "name")
	assert.Error(t, err)
}

func TestMustResolvePanicsOnMissingProvider(t *testing.T) {
	l := New()
	assert.Panics(t, func() {
		MustResolve[backend.Client](l, "missing")
	})
}

func testDefinition(t *testing.T) *component.Definition {
	t.Helper()
	sealed, err := component.Seal(component.Definition{
		Namespace: "game",
		Name:      "Player",
		Properties: []component.Property{
			{Name: "name", Type: component.TypeString, Length: 32},
		},
		Permission: component.PermOwner,
	})
	require.NoError(t, err)
	return sealed
}

func TestEnsureComponentSchemaCreatesTableWhenMissing(t *testing.T) {
	store := membackend.New()
	l := New()
	Register(l, "backend.maintenance", backend.Maintenance(store))

	def := testDefinition(t)
	ref := tableref.New(def.FullName(), "default", 0)

	require.NoError(t, EnsureComponentSchema(context.Background(), l, ref, def, false))

	exists, err := store.TableExists(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, exists)

	stored, found, err := store.StoredDigest(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, def.Digest, stored)
}

func TestEnsureComponentSchemaNoopWhenDigestMatches(t *testing.T) {
	store := membackend.New()
	l := New()
	Register(l, "backend.maintenance", backend.Maintenance(store))

	def := testDefinition(t)
	ref := tableref.New(def.FullName(), "default", 0)
	require.NoError(t, EnsureComponentSchema(context.Background(), l, ref, def, false))

	require.NoError(t, EnsureComponentSchema(context.Background(), l, ref, def, false))
}

func TestEnsureComponentSchemaRefusesDriftWithoutMigration(t *testing.T) {
	store := membackend.New()
	l := New()
	Register(l, "backend.maintenance", backend.Maintenance(store))

	def := testDefinition(t)
	ref := tableref.New(def.FullName(), "default", 0)
	require.NoError(t, store.CreateTable(context.Background(), ref, backend.ComponentSpec{Name: def.FullName()}))
	require.NoError(t, store.SetStoredDigest(context.Background(), ref, "stale-digest"))

	err := EnsureComponentSchema(context.Background(), l, ref, def, false)
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.KindSchemaDrift))
}

func TestEnsureComponentSchemaMigratesWhenAllowed(t *testing.T) {
	store := membackend.New()
	l := New()
	Register(l, "backend.maintenance", backend.Maintenance(store))

	def := testDefinition(t)
	ref := tableref.New(def.FullName(), "default", 0)
	require.NoError(t, store.CreateTable(context.Background(), ref, backend.ComponentSpec{Name: def.FullName()}))
	require.NoError(t, store.SetStoredDigest(context.Background(), ref, "stale-digest"))

	require.NoError(t, EnsureComponentSchema(context.Background(), l, ref, def, true))

	stored, found, err := store.StoredDigest(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, def.Digest, stored)
}
