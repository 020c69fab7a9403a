package session

import (
	"context"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/retry"
	"github.com/hetu-io/hetu/internal/tableref"
)

// Transact runs body against a fresh Session pinned to ref, committing on a
// clean return and retrying the whole body under cfg whenever the commit
// surfaces a RACE (spec.md §4.3). body must treat the *Session it is given
// as invalidated after a RACE-triggered retry: Transact calls Discard and
// re-invokes body with the same Session value, whose IdentityMap is now
// empty.
func Transact(ctx context.Context, client backend.Client, ref tableref.Ref, defs map[string]*component.Definition, cfg retry.Config, body func(*Session) error) error {
	sess := New(client, ref, defs)

	return retry.Run(ctx, cfg, sess.Discard, func() error {
		if err := body(sess); err != nil {
			return err
		}
		return sess.Commit(ctx)
	})
}
