package main

import (
	"context"
	"fmt"

	"github.com/hetu-io/hetu/internal/locator"
	"github.com/hetu-io/hetu/internal/tableref"
)

// ensureAllSchemas runs the startup schema-ensure pass (spec.md §7) over
// every component this node addresses: create the table if absent, no-op
// if the stored digest already matches, migrate additively when
// allowMigration is set, or refuse with SCHEMA_DRIFT otherwise.
func (n *node) ensureAllSchemas(ctx context.Context, allowMigration bool) error {
	for name, def := range n.merged {
		ref := tableref.New(name, n.cfg.Server.Instance, n.clusterOf(name))
		if err := locator.EnsureComponentSchema(ctx, n.loc, ref, def, allowMigration); err != nil {
			return fmt.Errorf("schema: %s: %w", name, err)
		}
	}
	return nil
}
