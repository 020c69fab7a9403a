package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/backend/pgbackend"
	"github.com/hetu-io/hetu/internal/backend/redisbackend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/config"
	"github.com/hetu-io/hetu/internal/endpoint"
	"github.com/hetu-io/hetu/internal/floodcheck"
	"github.com/hetu-io/hetu/internal/futurecall"
	"github.com/hetu-io/hetu/internal/locator"
	"github.com/hetu-io/hetu/internal/logger"
	"github.com/hetu-io/hetu/internal/metrics"
	"github.com/hetu-io/hetu/internal/snowflake"
	"github.com/hetu-io/hetu/internal/system"
)

// baseClusterID is the fixed cluster id the kernel's own components
// (Connection, the future-call duplicate tables, the head lock) live in,
// independent of the cluster assignment BuildClusters computes over
// application-declared systems.
const baseClusterID int64 = 0

// node bundles one running server's assembled components, built once by
// buildNode and released by node.Close.
type node struct {
	cfg *config.Config
	log *logger.Logger

	client  backend.Client
	promReg *prometheus.Registry
	metrics *metrics.Metrics

	gen       *snowflake.Generator
	executor  *endpoint.Executor
	scheduler *system.Scheduler
	future    *futurecall.Scheduler
	loc       *locator.Locator

	// leaseLost closes if the Snowflake keep-alive goroutine exits
	// because a lease renewal failed rather than because genCtx was
	// cancelled — cmdStart watches it to tear the server down instead
	// of continuing to serve with a worker id it may no longer hold.
	leaseLost chan struct{}

	headLockDef *component.Definition

	// merged is every component this node addresses, across the
	// Connection component, the future-call duplicate tables, every
	// registered system's own components and SystemLock tables, and the
	// head lock — the set the startup schema-ensure pass walks.
	merged map[string]*component.Definition

	generatorCtx    context.Context
	generatorCancel context.CancelFunc
}

func processOrdinal(cfg *config.Config) int {
	// A single node binds one Snowflake worker lease per process; workers
	// config controls future-call poller concurrency, not lease count.
	return int(time.Now().UnixNano() % 1024)
}

func newBackendClient(ctx context.Context, cfg config.BackendConfig) (backend.Client, error) {
	switch cfg.Driver {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisDSN)
		if err != nil {
			return nil, fmt.Errorf("backend: parse redis dsn: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("backend: redis ping: %w", err)
		}
		return redisbackend.New(rdb), nil
	case "postgres":
		store, err := pgbackend.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("backend: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("backend: unknown driver %q", cfg.Driver)
	}
}

// floodConfigFromRateLimit rebuilds a floodcheck.Config's (budget, window)
// envelopes from the flat requests-per-second/burst pair config.yaml
// exposes, preserving both the steady-state rate and the burst capacity a
// plain "N per second" config can't carry on its own.
func floodConfigFromRateLimit(cfg config.RateLimitConfig) floodcheck.Config {
	envelope := func(rps float64, burst int) floodcheck.Envelope {
		if rps <= 0 {
			rps = 1
		}
		if burst <= 0 {
			burst = 1
		}
		window := time.Duration(float64(burst) / rps * float64(time.Second))
		if window <= 0 {
			window = time.Second
		}
		return floodcheck.Envelope{Budget: burst, Window: window}
	}
	return floodcheck.Config{
		ClientLimits: []floodcheck.Envelope{envelope(cfg.ClientRequestsPerSecond, cfg.ClientBurst)},
		ServerLimits: []floodcheck.Envelope{envelope(cfg.ServerRequestsPerSecond, cfg.ServerBurst)},
	}
}

// buildNode assembles the whole kernel: backend, metrics, the Snowflake
// generator and its keep-alive goroutine, the system/endpoint/future-call
// layers, and the service locator schema maintenance resolves
// backend.Maintenance through. It does not run the schema-ensure pass or
// start the future-call pollers; callers (cmdStart, cmdMaintain) drive
// those explicitly.
func buildNode(ctx context.Context, cfg *config.Config) (*node, error) {
	log := logger.New(cfg.Logging)
	client, err := newBackendClient(ctx, cfg.Backend)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	gen, err := snowflake.New(ctx, client, processOrdinal(cfg))
	if err != nil {
		return nil, fmt.Errorf("snowflake: %w", err)
	}
	genCtx, genCancel := context.WithCancel(ctx)
	leaseLost := make(chan struct{})
	go func() {
		gen.KeepAlive(genCtx)
		if gen.LeaseLost() {
			close(leaseLost)
		}
	}()

	headLockDef, err := headLockComponent()
	if err != nil {
		genCancel()
		return nil, err
	}

	sysDefs := applicationSystems()
	scheduler, err := system.New(client, cfg.Server.Instance, sysDefs, applicationComponentDefs(), m, log, system.SlowLogConfig{Duration: 2 * time.Second, Retries: 3}, 0)
	if err != nil {
		genCancel()
		return nil, fmt.Errorf("system scheduler: %w", err)
	}

	future, err := futurecall.New(client, cfg.Server.Instance, baseClusterID, cfg.Server.Workers, scheduler, log)
	if err != nil {
		genCancel()
		return nil, fmt.Errorf("future-call scheduler: %w", err)
	}

	executorCfg := endpoint.Config{
		Instance:          cfg.Server.Instance,
		ClusterID:         baseClusterID,
		FloodDefault:      floodConfigFromRateLimit(cfg.RateLimit),
		IdleTimeout:       cfg.Server.IdleTimeout,
		AnonymousCapPerIP: 5,
		JWTSecret:         []byte(cfg.Auth.JWTSecret),
		AdminGroupPrefix:  cfg.Auth.AdminGroupPrefix,
		NextID:            gen.NextID,
	}
	executor, err := endpoint.New(client, executorCfg, applicationEndpoints(), log, m)
	if err != nil {
		genCancel()
		return nil, fmt.Errorf("endpoint executor: %w", err)
	}

	merged := map[string]*component.Definition{headLockDef.FullName(): headLockDef}
	for name, def := range executor.ComponentDefinitions() {
		merged[name] = def
	}
	for name, def := range future.ComponentDefinitions() {
		merged[name] = def
	}
	for name, def := range scheduler.ComponentDefinitions() {
		merged[name] = def
	}

	loc := locator.New()
	locator.Register(loc, "backend.maintenance", backend.Maintenance(client))

	return &node{
		cfg:             cfg,
		log:             log,
		client:          client,
		promReg:         promReg,
		metrics:         m,
		gen:             gen,
		executor:        executor,
		scheduler:       scheduler,
		future:          future,
		loc:             loc,
		headLockDef:     headLockDef,
		merged:          merged,
		generatorCtx:    genCtx,
		generatorCancel: genCancel,
		leaseLost:       leaseLost,
	}, nil
}

// clusterOf returns the cluster id merged's component name lives in: a
// system-declared component uses BuildClusters' assignment, everything
// else (Connection, future-call tables, the head lock) uses baseClusterID.
func (n *node) clusterOf(name string) int64 {
	if id, ok := n.scheduler.Clusters().ComponentCluster[name]; ok {
		return id
	}
	return baseClusterID
}

// Close releases the node's held resources: the Snowflake worker lease,
// the keep-alive goroutine, and the backend connection.
func (n *node) Close(ctx context.Context) error {
	n.generatorCancel()
	if err := n.gen.Release(ctx); err != nil && n.log != nil {
		n.log.WithField("error", err.Error()).Warn("snowflake: release lease failed")
	}
	return n.client.Close()
}
