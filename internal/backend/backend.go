// Package backend defines the storage-engine abstraction every Component
// lives behind: point get, range scan on a secondary index, atomic commit
// of a dirty set, change-notification pub/sub, and table maintenance.
package backend

import (
	"context"
	"time"

	"github.com/hetu-io/hetu/internal/identitymap"
	"github.com/hetu-io/hetu/internal/tableref"
)

// IndexSpec describes one property a commit must uphold uniqueness/index
// bookkeeping for.
type IndexSpec struct {
	Name   string
	Unique bool
}

// ComponentSpec is the minimal schema facet a backend needs per component
// to perform a commit or range query: its index set, independent of the
// full component.Definition (kept in internal/component) to avoid a
// backend -> component import cycle.
type ComponentSpec struct {
	Name    string
	Indexes []IndexSpec
}

// RangeQuery describes a bounded scan over one secondary index, mirroring
// spec.md §4.1's range contract.
type RangeQuery struct {
	Index string
	Left  interface{}
	Right interface{}
	// LeftOpen/RightOpen mark an endpoint as exclusive; used for string
	// indexes where the caller writes "(x" or "[x" to choose openness.
	LeftOpen  bool
	RightOpen bool
	Limit     int // < 0 means unbounded
	Desc      bool
}

// CommitGroup is everything one atomic commit touches: one or more
// components' dirty sets, all pinned to the same table reference group
// (instance + cluster id).
type CommitGroup struct {
	Ref       tableref.Ref
	Specs     map[string]ComponentSpec // component name -> schema facet
	DirtySets map[string]identitymap.DirtySet
}

// Notification is one change-notification message delivered over a
// backend's pub/sub channel.
type Notification struct {
	Channel string
	At      time.Time
}

// Notifier abstracts the backend's change-notification stream (Redis
// Pub/Sub or Postgres LISTEN/NOTIFY).
type Notifier interface {
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// Subscription is a live handle on one or more notification channels.
type Subscription interface {
	Channel() <-chan Notification
	Close() error
}

// WorkerLease is a leased worker id plus its renewal/release operations,
// backing the Snowflake id generator's worker_keeper facet.
type WorkerLease interface {
	WorkerID() int
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// WorkerKeeper issues unique worker ids in [0, 1023], leased with a TTL.
type WorkerKeeper interface {
	AcquireWorker(ctx context.Context, processOrdinal int) (WorkerLease, error)
	LastSeenClock(ctx context.Context, workerID int) (int64, error)
	UpdateLastSeenClock(ctx context.Context, workerID int, millis int64) error
}

// Maintenance is the schema lifecycle facet: table existence/meta checks,
// creation, migration, cluster relocation, index rebuild, volatile flush.
type Maintenance interface {
	TableExists(ctx context.Context, ref tableref.Ref) (bool, error)
	CreateTable(ctx context.Context, ref tableref.Ref, spec ComponentSpec) error
	StoredDigest(ctx context.Context, ref tableref.Ref) (string, bool, error)
	SetStoredDigest(ctx context.Context, ref tableref.Ref, digest string) error
	MigrateAdditive(ctx context.Context, ref tableref.Ref, newFields []string) error
	MoveCluster(ctx context.Context, component, instance string, oldCluster, newCluster int64) error
	RebuildIndex(ctx context.Context, ref tableref.Ref, indexName string) error
	FlushVolatile(ctx context.Context, ref tableref.Ref) error
}

// Client is the full storage-engine abstraction spec.md §4.1 requires.
type Client interface {
	Get(ctx context.Context, ref tableref.Ref, id int64) (map[string]interface{}, bool, error)
	Range(ctx context.Context, ref tableref.Ref, spec ComponentSpec, query RangeQuery) ([]map[string]interface{}, error)
	Commit(ctx context.Context, group CommitGroup) error
	DirectSet(ctx context.Context, ref tableref.Ref, id int64, fields map[string]interface{}) error
	IsSynced(ctx context.Context) (bool, error)

	Notifier
	WorkerKeeper
	Maintenance

	Close() error
}
