package locator

import (
	"context"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/tableref"
)

// toComponentSpec mirrors the adapter internal/subscription's clientFetcher
// keeps privately; repeated here rather than exported from subscription
// since Maintenance and the broker are unrelated consumers of
// component.Definition.
func toComponentSpec(def *component.Definition) backend.ComponentSpec {
	spec := backend.ComponentSpec{Name: def.FullName()}
	for _, p := range def.IndexProperties() {
		spec.Indexes = append(spec.Indexes, backend.IndexSpec{Name: p.Name, Unique: p.Unique})
	}
	return spec
}

// EnsureComponentSchema is the startup-time consumer the cyclic-dependency
// design note describes: it needs both a component's sealed Definition
// and the backend's Maintenance facet, resolved through l rather than
// either package importing the other. Per spec.md §7's SCHEMA-DRIFT
// policy: a missing table is created fresh; an existing table whose
// stored digest differs from the component's current Digest refuses
// startup unless allowMigration is set, in which case it additively
// migrates (new fields only) and stamps the new digest.
func EnsureComponentSchema(ctx context.Context, l *Locator, ref tableref.Ref, def *component.Definition, allowMigration bool) error {
	maint := MustResolve[backend.Maintenance](l, "backend.maintenance")

	exists, err := maint.TableExists(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		if err := maint.CreateTable(ctx, ref, toComponentSpec(def)); err != nil {
			return err
		}
		return maint.SetStoredDigest(ctx, ref, def.Digest)
	}

	stored, found, err := maint.StoredDigest(ctx, ref)
	if err != nil {
		return err
	}
	if !found || stored == def.Digest {
		return nil
	}
	if !allowMigration {
		return herrors.SchemaDrift(def.FullName(), stored, def.Digest)
	}

	newFields := make([]string, 0, len(def.Properties))
	for _, p := range def.Properties {
		newFields = append(newFields, p.Name)
	}
	if err := maint.MigrateAdditive(ctx, ref, newFields); err != nil {
		return err
	}
	return maint.SetStoredDigest(ctx, ref, def.Digest)
}
