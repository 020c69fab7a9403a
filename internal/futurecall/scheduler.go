package futurecall

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/logger"
	"github.com/hetu-io/hetu/internal/retry"
	"github.com/hetu-io/hetu/internal/session"
	"github.com/hetu-io/hetu/internal/system"
	"github.com/hetu-io/hetu/internal/tableref"
)

const minTimeoutSeconds = 5

// Invoker is the subset of *system.Scheduler the worker needs: calling a
// system body by uuid, and cleaning up its SystemLock row afterward.
type Invoker interface {
	Call(goCtx context.Context, name string, args []interface{}, caller int64, connectionID string, uuid string) error
	DeleteLock(goCtx context.Context, name, uuid string) error
}

var _ Invoker = (*system.Scheduler)(nil)

// Scheduler durably records delayed/recurring system invocations (the
// FutureCalls duplicate tables, spec.md §3) and drives the per-worker
// poller (spec.md §4.7) that triggers them against an Invoker.
type Scheduler struct {
	client      backend.Client
	instance    string
	clusterID   int64
	workerCount int

	defs map[string]*component.Definition

	invoker Invoker
	log     *logger.Logger
}

// New builds a Scheduler over workerCount duplicate FutureCalls tables,
// all pinned to clusterID (future calls are a standalone component family,
// not tied to any one system's own cluster).
func New(client backend.Client, instance string, clusterID int64, workerCount int, invoker Invoker, log *logger.Logger) (*Scheduler, error) {
	defs, err := Definitions(workerCount)
	if err != nil {
		return nil, err
	}
	if workerCount < 1 {
		workerCount = 1
	}
	return &Scheduler{
		client:      client,
		instance:    instance,
		clusterID:   clusterID,
		workerCount: workerCount,
		defs:        defs,
		invoker:     invoker,
		log:         log,
	}, nil
}

func (s *Scheduler) ref(table string) tableref.Ref {
	return tableref.New(table, s.instance, s.clusterID)
}

// ComponentDefinitions returns every duplicate FutureCalls table
// definition this Scheduler polls, for the startup schema-ensure pass.
func (s *Scheduler) ComponentDefinitions() map[string]*component.Definition {
	return s.defs
}

// CreateFutureCall validates and durably records one delayed/recurring
// invocation, per spec.md §4.7: scheduled = at if at > 0, else now +
// |at|; timeout must be >= 5 or exactly 0; recurring requires timeout >
// 0. The row lands in a duplicate table chosen by nextID's low bits, so
// creation load spreads the same way poll load does.
func (s *Scheduler) CreateFutureCall(goCtx context.Context, owner int64, at int64, systemName string, args []interface{}, timeout int64, recurring bool, id int64) (string, error) {
	if timeout != 0 && timeout < minTimeoutSeconds {
		return "", herrors.Validation(fmt.Sprintf("futurecall: timeout must be >= %d or exactly 0", minTimeoutSeconds))
	}
	if recurring && timeout <= 0 {
		return "", herrors.Validation("futurecall: a recurring call requires timeout > 0")
	}

	argsRepr, err := EncodeArgs(args)
	if err != nil {
		return "", err
	}

	now := time.Now()
	var scheduled int64
	if at > 0 {
		scheduled = at
	} else {
		scheduled = now.Unix() + absInt64(at)
	}

	callUUID := uuid.NewString()
	table := tableName(int(id)%s.workerCount + 1)

	err = session.Transact(goCtx, s.client, s.ref(table), s.defs, retry.DefaultConfig(), func(sess *session.Session) error {
		repo, err := sess.Repository(table)
		if err != nil {
			return err
		}
		return repo.Insert(goCtx, map[string]interface{}{
			"id": id, "owner": owner, "uuid": callUUID, "system": systemName,
			"args_repr": argsRepr, "recurring": recurring,
			"created": now.Unix(), "last_run": int64(0),
			"scheduled": scheduled, "timeout": timeout,
		})
	})
	if err != nil {
		return "", err
	}
	return callUUID, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
