package system

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/logger"
	"github.com/hetu-io/hetu/internal/metrics"
	"github.com/hetu-io/hetu/internal/retry"
	"github.com/hetu-io/hetu/internal/session"
	"github.com/hetu-io/hetu/internal/tableref"
)

// Context is what a system body runs against: the caller identity the
// call arrived with, a fresh Repository per component the cluster's
// transitive closure resolved, and a handle back into the scheduler for
// invoking a declared base system, per spec.md §4.4 step 3a.
type Context struct {
	GoCtx        context.Context
	Caller       int64
	ConnectionID string
	Timestamp    time.Time
	Repos        map[string]*session.Repository

	call func(name string, args []interface{}) error
}

// Call invokes a declared base system's body against this same Context,
// sharing the same session and repositories (the base system's own
// components are already part of this cluster).
func (c *Context) Call(name string, args []interface{}) error {
	return c.call(name, args)
}

// SlowLogConfig thresholds spec.md §4.4 step 4's slow-call aggregation: a
// warning entry is emitted when either is exceeded.
type SlowLogConfig struct {
	Duration time.Duration
	Retries  int
}

// Scheduler executes registered systems: per spec.md §4.4, cluster
// resolution, the retry driver, uuid replay-dedup and slow-log
// aggregation. Bounded-concurrency fire-and-forget dispatch (CallAsync) is
// grounded on services/automation/marble's buffered-channel semaphore and
// panic-recovery idiom around spawned goroutines, adapted here from
// per-task chain invocation to per-system session execution.
type Scheduler struct {
	client   backend.Client
	instance string

	defs          map[string]*Definition
	componentDefs map[string]*component.Definition
	clusters      *Clusters

	baseRetry retry.Config
	slowLog   SlowLogConfig

	metrics *metrics.Metrics
	log     *logger.Logger

	asyncSem chan struct{}
}

// New builds a Scheduler: seals each system's SystemLock component,
// resolves cluster assignment over defs, and merges the lock definitions
// into componentDefs so Session.Repository can address them. asyncLimit <=
// 0 leaves CallAsync unbounded, mirroring the teacher's nil-semaphore
// "always available" fallback.
func New(client backend.Client, instance string, defs map[string]*Definition, componentDefs map[string]*component.Definition, m *metrics.Metrics, log *logger.Logger, slowLog SlowLogConfig, asyncLimit int) (*Scheduler, error) {
	merged := make(map[string]*component.Definition, len(componentDefs)+len(defs))
	for k, v := range componentDefs {
		merged[k] = v
	}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		lockDef, err := d.lockDefinition()
		if err != nil {
			return nil, fmt.Errorf("system %s: build lock table: %w", d.FullName(), err)
		}
		merged[lockDef.FullName()] = lockDef
	}

	backendOf := func(name string) string {
		if cd, ok := merged[name]; ok {
			return cd.Backend
		}
		return ""
	}
	clusters, err := BuildClusters(defs, backendOf)
	if err != nil {
		return nil, err
	}

	var sem chan struct{}
	if asyncLimit > 0 {
		sem = make(chan struct{}, asyncLimit)
	}

	return &Scheduler{
		client:        client,
		instance:      instance,
		defs:          defs,
		componentDefs: merged,
		clusters:      clusters,
		baseRetry:     retry.DefaultConfig(),
		slowLog:       slowLog,
		metrics:       m,
		log:           log,
		asyncSem:      sem,
	}, nil
}

// ComponentDefinitions returns every component this Scheduler addresses:
// each system's own declared components plus the per-system SystemLock
// tables it sealed at construction. Used by cmd/hetud's startup
// schema-ensure pass, which needs the full component set across every
// subsystem rather than just the ones a single system declares.
func (s *Scheduler) ComponentDefinitions() map[string]*component.Definition {
	return s.componentDefs
}

// Clusters returns the cluster assignment computed at construction, for
// registry.Bootstrap.
func (s *Scheduler) Clusters() *Clusters {
	return s.clusters
}

// Call executes one system invocation synchronously, per spec.md §4.4
// steps 1-4.
func (s *Scheduler) Call(goCtx context.Context, name string, args []interface{}, caller int64, connectionID string, uuid string) error {
	def, ok := s.defs[name]
	if !ok {
		return herrors.Validation("system: unknown system " + name)
	}
	if !def.acceptsArgCount(len(args)) {
		min := def.ArgCount - def.DefaultArgs
		return herrors.Validation(fmt.Sprintf("system %s: expects between %d and %d arguments, got %d", name, min, def.ArgCount, len(args)))
	}

	firstComponent, err := s.firstComponent(def)
	if err != nil {
		return err
	}
	clusterID, ok := s.clusters.ComponentCluster[firstComponent]
	if !ok {
		return herrors.Validation(fmt.Sprintf("system %s: component %s not assigned a cluster", name, firstComponent))
	}
	ref := tableref.New(firstComponent, s.instance, clusterID)

	cfg := s.baseRetry
	cfg.MaxAttempts = def.MaxRetry

	start := time.Now()
	bodyRuns := 0
	timestamp := time.Now()

	err = session.Transact(goCtx, s.client, ref, s.componentDefs, cfg, func(sess *session.Session) error {
		bodyRuns++
		return s.runOnce(goCtx, def, sess, args, caller, connectionID, uuid, timestamp)
	})

	elapsed := time.Since(start)
	retries := bodyRuns - 1
	if retries < 0 {
		retries = 0
	}

	if s.metrics != nil {
		s.metrics.SystemDuration.WithLabelValues(def.Namespace, def.Name).Observe(elapsed.Seconds())
		if retries > 0 {
			s.metrics.SystemRetries.WithLabelValues(def.Namespace, def.Name).Add(float64(retries))
		}
	}

	if s.log != nil && s.slowExceeded(elapsed, retries) {
		s.log.WithFields(map[string]interface{}{
			"system":  def.FullName(),
			"elapsed": elapsed.String(),
			"retries": retries,
			"caller":  caller,
			"conn":    connectionID,
		}).Warn("slow system call")
	}

	return err
}

func (s *Scheduler) slowExceeded(elapsed time.Duration, retries int) bool {
	if s.slowLog.Duration > 0 && elapsed > s.slowLog.Duration {
		return true
	}
	if s.slowLog.Retries > 0 && retries >= s.slowLog.Retries {
		return true
	}
	return false
}

// runOnce is one retry-driver attempt: build the context, probe and
// (on success) record the uuid lock, run the body.
func (s *Scheduler) runOnce(goCtx context.Context, def *Definition, sess *session.Session, args []interface{}, caller int64, connectionID, uuid string, timestamp time.Time) error {
	resolved := s.clusters.SystemComponents[def.FullName()]
	repos := make(map[string]*session.Repository, len(resolved))
	for name := range resolved {
		repo, err := sess.Repository(name)
		if err != nil {
			return err
		}
		repos[name] = repo
	}

	allowedBase := make(map[string]struct{}, len(def.BaseSystems))
	for _, b := range def.BaseSystems {
		allowedBase[b] = struct{}{}
	}

	ctx := &Context{
		GoCtx:        goCtx,
		Caller:       caller,
		ConnectionID: connectionID,
		Timestamp:    timestamp,
		Repos:        repos,
	}
	ctx.call = func(name string, callArgs []interface{}) error {
		if _, ok := allowedBase[name]; !ok {
			return herrors.Validation(fmt.Sprintf("system %s: %s is not a declared base system", def.FullName(), name))
		}
		base, ok := s.defs[name]
		if !ok {
			return herrors.Validation("system: unknown base system " + name)
		}
		return base.Fn(ctx, callArgs)
	}

	lockRepo := repos[def.lockComponentName()]

	if uuid != "" {
		_, found, err := lockRepo.GetByIndex(goCtx, "uuid", uuid)
		if err != nil {
			return err
		}
		if found {
			// Replay of an already-committed call: exit success with no
			// effect, per spec.md §4.4 step 3b.
			return nil
		}
	}

	if err := def.Fn(ctx, args); err != nil {
		return err
	}

	if uuid != "" {
		err := lockRepo.Upsert(goCtx, "uuid", uuid, lockRowID(uuid), func(row map[string]interface{}, existed bool) (map[string]interface{}, error) {
			row["uuid"] = uuid
			row["caller"] = caller
			row["ts"] = timestamp.UnixMilli()
			return row, nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Scheduler) firstComponent(def *Definition) (string, error) {
	if len(def.Components) > 0 {
		return def.Components[0], nil
	}
	resolved := s.clusters.SystemComponents[def.FullName()]
	names := make([]string, 0, len(resolved))
	for c := range resolved {
		if c == def.lockComponentName() {
			continue
		}
		names = append(names, c)
	}
	if len(names) == 0 {
		return "", herrors.Validation(fmt.Sprintf("system %s: no component to anchor the session on", def.FullName()))
	}
	sort.Strings(names)
	return names[0], nil
}

// lockRowID derives a row id for a SystemLock insert from its uuid; the
// uuid column (not this id) is what the unique index enforces, so a hash
// collision only wastes an id, it never breaks dedup correctness.
func lockRowID(uuid string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(uuid))
	v := int64(h.Sum64())
	if v < 0 {
		v = -v
	}
	return v
}

// tryAcquireAsyncSlot and releaseAsyncSlot implement the bounded-
// concurrency gate CallAsync spawns under, mirroring
// services/automation/marble/concurrency.go's buffered-channel semaphore:
// a nil semaphore (asyncLimit <= 0 at construction) always grants a slot.
func (s *Scheduler) tryAcquireAsyncSlot() bool {
	if s.asyncSem == nil {
		return true
	}
	select {
	case s.asyncSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) releaseAsyncSlot() {
	if s.asyncSem == nil {
		return
	}
	<-s.asyncSem
}

// DeleteLock removes a system's SystemLock row by uuid, if present. Used by
// the future-call worker after a non-recurring call succeeds (spec.md §4.7
// step 6). Startup maintenance uses SweepStaleLocks instead.
func (s *Scheduler) DeleteLock(goCtx context.Context, name, uuid string) error {
	def, ok := s.defs[name]
	if !ok {
		return herrors.Validation("system: unknown system " + name)
	}
	lockName := def.lockComponentName()
	clusterID, ok := s.clusters.ComponentCluster[lockName]
	if !ok {
		return herrors.Validation(fmt.Sprintf("system %s: lock component not assigned a cluster", name))
	}
	ref := tableref.New(lockName, s.instance, clusterID)

	return session.Transact(goCtx, s.client, ref, s.componentDefs, s.baseRetry, func(sess *session.Session) error {
		repo, err := sess.Repository(lockName)
		if err != nil {
			return err
		}
		row, found, err := repo.GetByIndex(goCtx, "uuid", uuid)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		id, _ := rowIDFromLock(row)
		return repo.Delete(goCtx, id)
	})
}

// SweepStaleLocks deletes every SystemLock row across every registered
// system older than olderThan, the startup maintenance routine spec.md §4.7
// describes for ungraceful-shutdown leftovers (7 days by convention).
func (s *Scheduler) SweepStaleLocks(goCtx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	for name, def := range s.defs {
		lockName := def.lockComponentName()
		clusterID, ok := s.clusters.ComponentCluster[lockName]
		if !ok {
			continue
		}
		ref := tableref.New(lockName, s.instance, clusterID)

		err := session.Transact(goCtx, s.client, ref, s.componentDefs, s.baseRetry, func(sess *session.Session) error {
			repo, err := sess.Repository(lockName)
			if err != nil {
				return err
			}
			stale, err := repo.Range(goCtx, "ts", int64(0), cutoff, -1, false)
			if err != nil {
				return err
			}
			for _, row := range stale {
				id, ok := rowIDFromLock(row)
				if !ok {
					continue
				}
				if err := repo.Delete(goCtx, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("system %s: sweep stale locks: %w", name, err)
		}
	}
	return nil
}

func rowIDFromLock(row map[string]interface{}) (int64, bool) {
	switch v := row["id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// CallAsync spawns Call in a bounded background goroutine, recovering any
// panic so a misbehaving system body cannot take down the process
// (spawnAnchoredTask's panic-recovery idiom). Returns false without
// spawning when the concurrency limit is already saturated; onDone, if
// non-nil, receives the eventual result.
func (s *Scheduler) CallAsync(goCtx context.Context, name string, args []interface{}, caller int64, connectionID string, uuid string, onDone func(error)) bool {
	if !s.tryAcquireAsyncSlot() {
		if s.log != nil {
			s.log.WithField("system", name).Warn("system call dropped: async concurrency limit reached")
		}
		return false
	}

	go func() {
		defer s.releaseAsyncSlot()
		defer func() {
			if r := recover(); r != nil && s.log != nil {
				s.log.WithFields(map[string]interface{}{
					"system": name,
					"panic":  r,
				}).Error("panic recovered in system call goroutine")
			}
		}()

		err := s.Call(goCtx, name, args, caller, connectionID, uuid)
		if onDone != nil {
			onDone(err)
		}
	}()
	return true
}
