package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/retry"
	"github.com/hetu-io/hetu/internal/session"
	"github.com/hetu-io/hetu/internal/tableref"
)

// headLockSlot is the singleton row id every instance's head lock
// contends for; the unique index on "slot" (not this row id) is what
// actually enforces single-holder, mirroring lockRowID's "the id just
// needs to exist" convention elsewhere in the kernel.
const headLockSlot = 0

// acquireHeadLock inserts the one-row-per-instance head lock, identifying
// the holder by instance+process label. A second "--head" process against
// the same instance collides on the slot's unique index and gets
// UNIQUE_VIOLATION back, which the caller reports as head-lock contention
// rather than retrying: contention here means another head is alive, not
// a transient race.
func (n *node) acquireHeadLock(ctx context.Context, holder string) error {
	ref := tableref.New(n.headLockDef.FullName(), n.cfg.Server.Instance, n.clusterOf(n.headLockDef.FullName()))
	defs := map[string]*component.Definition{n.headLockDef.FullName(): n.headLockDef}

	err := session.Transact(ctx, n.client, ref, defs, retry.Config{MaxAttempts: 1}, func(sess *session.Session) error {
		repo, err := sess.Repository(n.headLockDef.FullName())
		if err != nil {
			return err
		}
		return repo.Insert(ctx, map[string]interface{}{
			"id": int64(1), "slot": int64(headLockSlot),
			"holder": holder, "acquired": time.Now().Unix(),
		})
	})
	if err != nil {
		if herrors.Is(err, herrors.KindUniqueViolation) {
			return fmt.Errorf("head lock already held by another process: %w", err)
		}
		return fmt.Errorf("head lock: %w", err)
	}
	return nil
}

// releaseHeadLock removes the head lock row so a future head process can
// acquire it without waiting on this one's row to be swept.
func (n *node) releaseHeadLock(ctx context.Context) error {
	ref := tableref.New(n.headLockDef.FullName(), n.cfg.Server.Instance, n.clusterOf(n.headLockDef.FullName()))
	defs := map[string]*component.Definition{n.headLockDef.FullName(): n.headLockDef}

	return session.Transact(ctx, n.client, ref, defs, retry.DefaultConfig(), func(sess *session.Session) error {
		repo, err := sess.Repository(n.headLockDef.FullName())
		if err != nil {
			return err
		}
		_, found, err := repo.Get(ctx, 1)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return repo.Delete(ctx, 1)
	})
}
