package futurecall

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hetu-io/hetu/internal/retry"
	"github.com/hetu-io/hetu/internal/session"
)

// RunWorker runs one poller loop until ctx is cancelled: pick a duplicate
// table at random, range-pop the due head, sleep until it fires, claim
// and invoke it. Grounded on services/automation/marble's anchored-task
// next-execution tracking and panic-recovery goroutine idiom, adapted
// from per-chain-task polling to the due-queue range-pop spec.md §4.7
// describes. Intended to be spawned once per worker goroutine by the
// caller (cmd/hetud), each recovering independently.
func (s *Scheduler) RunWorker(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.WithField("panic", r).Error("panic recovered in future-call worker")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		table := tableName(rand.Intn(s.workerCount) + 1)
		row, found, err := s.peekDue(ctx, table)
		if err != nil {
			if s.log != nil {
				s.log.WithFields(map[string]interface{}{"table": table, "error": err.Error()}).Warn("future-call poll failed")
			}
			sleepOrDone(ctx, time.Second)
			continue
		}
		if !found {
			sleepOrDone(ctx, time.Second)
			continue
		}

		if d := time.Until(time.Unix(rowInt64(row, "scheduled"), 0)); d > 0 {
			sleepOrDone(ctx, d)
		}

		s.claimAndInvoke(ctx, table, rowInt64(row, "id"))
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// peekDue range-queries the due window [0, now+1s] for one candidate row,
// without claiming it — the claim happens transactionally in
// claimAndInvoke so a racing worker's double-pop is resolved there.
func (s *Scheduler) peekDue(ctx context.Context, table string) (map[string]interface{}, bool, error) {
	sess := session.New(s.client, s.ref(table), s.defs)
	repo, err := sess.Repository(table)
	if err != nil {
		return nil, false, err
	}
	rows, err := repo.Range(ctx, "scheduled", int64(0), time.Now().Unix()+1, 1, false)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// claimAndInvoke re-reads the row inside a transaction (double-checking a
// racing worker hasn't already claimed or deleted it), advances or
// deletes it per spec.md §4.7 step 4, then invokes the target system.
func (s *Scheduler) claimAndInvoke(ctx context.Context, table string, id int64) {
	var claimed map[string]interface{}
	err := session.Transact(ctx, s.client, s.ref(table), s.defs, retry.DefaultConfig(), func(sess *session.Session) error {
		repo, err := sess.Repository(table)
		if err != nil {
			return err
		}
		current, found, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !found || rowInt64(current, "scheduled") > time.Now().Unix() {
			return nil
		}
		claimed = current

		timeout := rowInt64(current, "timeout")
		if timeout == 0 {
			return repo.Delete(ctx, id)
		}
		return repo.Update(ctx, id, map[string]interface{}{
			"scheduled": nextScheduled(current, timeout),
			"last_run":  time.Now().Unix(),
		})
	})
	if err != nil {
		if s.log != nil {
			s.log.WithFields(map[string]interface{}{"table": table, "id": id, "error": err.Error()}).Warn("future-call claim failed")
		}
		return
	}
	if claimed == nil {
		// A racing worker already claimed or removed this row.
		return
	}

	s.invoke(ctx, table, claimed)
}

// nextScheduled computes the row's next due time: a recurring call's
// interval is interpreted as a "@every {timeout}s" cron spec via
// robfig/cron/v3, any other case (the non-recurring crash-recovery
// safety net) is a flat now+timeout offset.
func nextScheduled(row map[string]interface{}, timeout int64) int64 {
	now := time.Now()
	if recurring, _ := row["recurring"].(bool); recurring {
		if next, ok := cronNextEvery(timeout, now); ok {
			return next.Unix()
		}
	}
	return now.Unix() + timeout
}

func cronNextEvery(timeoutSeconds int64, now time.Time) (time.Time, bool) {
	parser := cron.NewParser(cron.Descriptor)
	schedule, err := parser.Parse(fmt.Sprintf("@every %ds", timeoutSeconds))
	if err != nil {
		return time.Time{}, false
	}
	return schedule.Next(now), true
}

// invoke decodes the stored arguments and runs the system via the
// invoker. Recurring calls omit the uuid (each firing is an intentional
// fresh call, not deduped, per spec.md §4.7 step 5); non-recurring calls
// have their SystemLock row, and their call row if it still exists,
// cleaned up only after a successful invocation (a timeout-0 call row was
// already deleted when claimAndInvoke claimed it).
func (s *Scheduler) invoke(ctx context.Context, table string, row map[string]interface{}) {
	systemName, _ := row["system"].(string)
	storedUUID, _ := row["uuid"].(string)
	owner := rowInt64(row, "owner")
	recurring, _ := row["recurring"].(bool)
	argsRepr, _ := row["args_repr"].(string)

	args, err := DecodeArgs(argsRepr)
	if err != nil {
		if s.log != nil {
			s.log.WithFields(map[string]interface{}{"system": systemName, "error": err.Error()}).Error("future-call args_repr decode failed")
		}
		return
	}

	callUUID := storedUUID
	if recurring {
		callUUID = ""
	}

	if err := s.invoker.Call(ctx, systemName, args, owner, "", callUUID); err != nil {
		if s.log != nil {
			s.log.WithFields(map[string]interface{}{"system": systemName, "uuid": storedUUID, "error": err.Error()}).Warn("future-call invocation failed")
		}
		return
	}

	if recurring {
		return
	}

	id := rowInt64(row, "id")
	if err := s.deleteRow(ctx, table, id); err != nil && s.log != nil {
		s.log.WithFields(map[string]interface{}{"table": table, "id": id, "error": err.Error()}).Warn("future-call row cleanup failed")
	}
	if storedUUID != "" {
		if err := s.invoker.DeleteLock(ctx, systemName, storedUUID); err != nil && s.log != nil {
			s.log.WithFields(map[string]interface{}{"system": systemName, "error": err.Error()}).Warn("future-call lock cleanup failed")
		}
	}
}

func (s *Scheduler) deleteRow(ctx context.Context, table string, id int64) error {
	return session.Transact(ctx, s.client, s.ref(table), s.defs, retry.DefaultConfig(), func(sess *session.Session) error {
		repo, err := sess.Repository(table)
		if err != nil {
			return err
		}
		_, found, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return repo.Delete(ctx, id)
	})
}

func rowInt64(row map[string]interface{}, field string) int64 {
	switch v := row[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
