// Package membackend is an in-memory backend.Client, the primary test
// double for the kernel's invariants (spec.md §8), grounded on the
// teacher's mutex-guarded map-of-maps Store idiom
// (pkg/storage/memory/memory.go) adapted from per-domain-entity maps to one
// generic row/index map keyed by table reference.
package membackend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hetu-io/hetu/internal/backend"
	comp "github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/tableref"
)

type row struct {
	fields  map[string]interface{}
	version int64
}

func cloneFields(f map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

type tableState struct {
	rows map[int64]*row
}

type leaseState struct {
	workerID   int
	ordinal    int
	expiresAt  time.Time
	lastSeenMS int64
}

// Store is the in-memory backend.Client implementation.
type Store struct {
	mu       sync.Mutex
	tables   map[string]*tableState
	digests  map[string]string
	subs     map[string][]chan backend.Notification
	leases   map[int]*leaseState
	leaseTTL time.Duration
	synced   bool
}

var _ backend.Client = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		tables:   make(map[string]*tableState),
		digests:  make(map[string]string),
		subs:     make(map[string][]chan backend.Notification),
		leases:   make(map[int]*leaseState),
		leaseTTL: 60 * time.Second,
		synced:   true,
	}
}

func (s *Store) table(key string) *tableState {
	t, ok := s.tables[key]
	if !ok {
		t = &tableState{rows: make(map[int64]*row)}
		s.tables[key] = t
	}
	return t
}

// Get implements backend.Client.
func (s *Store) Get(_ context.Context, ref tableref.Ref, id int64) (map[string]interface{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(ref.String())
	r, ok := t.rows[id]
	if !ok {
		return nil, false, nil
	}
	return cloneFields(r.fields), true, nil
}

// Range implements backend.Client. Ordering ties break by ascending id, per
// spec.md §4.1.
func (s *Store) Range(_ context.Context, ref tableref.Ref, spec backend.ComponentSpec, query backend.RangeQuery) ([]map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(ref.String())
	ids := make([]int64, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}

	type candidate struct {
		id  int64
		val interface{}
	}
	var candidates []candidate
	for _, id := range ids {
		r := t.rows[id]
		v, ok := r.fields[query.Index]
		if !ok {
			continue
		}
		if !inBounds(v, query) {
			continue
		}
		candidates = append(candidates, candidate{id: id, val: v})
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		cmp := compareValues(ci.val, cj.val)
		if cmp == 0 {
			return ci.id < cj.id
		}
		if query.Desc {
			return cmp > 0
		}
		return cmp < 0
	})

	if query.Limit >= 0 && len(candidates) > query.Limit {
		candidates = candidates[:query.Limit]
	}

	out := make([]map[string]interface{}, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, cloneFields(t.rows[c.id].fields))
	}
	return out, nil
}

func inBounds(v interface{}, q backend.RangeQuery) bool {
	if q.Left != nil {
		cmp := compareValues(v, q.Left)
		if cmp < 0 || (cmp == 0 && q.LeftOpen) {
			return false
		}
	}
	if q.Right != nil {
		cmp := compareValues(v, q.Right)
		if cmp > 0 || (cmp == 0 && q.RightOpen) {
			return false
		}
	}
	return true
}

func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Commit implements backend.Client's atomic per-cluster commit, enforcing
// spec.md §4.1's version-check, unique-check and delete/update/insert
// ordering invariants.
func (s *Store) Commit(_ context.Context, group backend.CommitGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touchedChannels := make(map[string]struct{})

	for component, dirty := range group.DirtySets {
		ref := tableref.New(component, group.Ref.Instance, group.Ref.ClusterID)
		t := s.table(ref.String())
		spec := group.Specs[component]

		for _, d := range dirty.Updates {
			r, ok := t.rows[d.ID]
			if !ok || r.version != d.Version {
				return herrors.Race("version mismatch on update", nil).WithDetails("component", component).WithDetails("id", d.ID)
			}
		}
		for _, d := range dirty.Deletes {
			r, ok := t.rows[d.ID]
			if !ok || r.version != d.Version {
				return herrors.Race("version mismatch on delete", nil).WithDetails("component", component).WithDetails("id", d.ID)
			}
		}

		deleted := make(map[int64]struct{}, len(dirty.Deletes))
		for _, d := range dirty.Deletes {
			deleted[d.ID] = struct{}{}
		}

		for _, spec2 := range spec.Indexes {
			if !spec2.Unique {
				continue
			}
			taken := make(map[interface{}]int64)
			for id, r := range t.rows {
				if _, gone := deleted[id]; gone {
					continue
				}
				if v, ok := r.fields[spec2.Name]; ok {
					taken[comp.ComparableKey(v)] = id
				}
			}
			check := func(id int64, v interface{}) error {
				key := comp.ComparableKey(v)
				if owner, ok := taken[key]; ok && owner != id {
					return herrors.UniqueViolation(component, spec2.Name, v)
				}
				taken[key] = id
				return nil
			}
			for _, d := range dirty.Updates {
				v, ok := d.Fields[spec2.Name]
				if !ok {
					continue
				}
				if err := check(d.ID, v); err != nil {
					return err
				}
			}
			for _, d := range dirty.Inserts {
				v, ok := d.Fields[spec2.Name]
				if !ok {
					continue
				}
				if err := check(d.ID, v); err != nil {
					return err
				}
			}
		}
	}

	for component, dirty := range group.DirtySets {
		ref := tableref.New(component, group.Ref.Instance, group.Ref.ClusterID)
		t := s.table(ref.String())

		for _, d := range dirty.Deletes {
			old := t.rows[d.ID]
			delete(t.rows, d.ID)
			touchedChannels[tableref.RowChannel(ref, d.ID)] = struct{}{}
			if old != nil {
				s.markIndexChannelsDirty(touchedChannels, ref, group.Specs[component], old.fields)
			}
		}
		for _, d := range dirty.Updates {
			r := t.rows[d.ID]
			for k, v := range d.Fields {
				r.fields[k] = v
			}
			r.version++
			r.fields["_version"] = r.version
			touchedChannels[tableref.RowChannel(ref, d.ID)] = struct{}{}
			s.markIndexChannelsDirty(touchedChannels, ref, group.Specs[component], d.Fields)
		}
		for _, d := range dirty.Inserts {
			fields := cloneFields(d.Fields)
			fields["_version"] = int64(1)
			t.rows[d.ID] = &row{fields: fields, version: 1}
			touchedChannels[tableref.RowChannel(ref, d.ID)] = struct{}{}
			s.markIndexChannelsDirty(touchedChannels, ref, group.Specs[component], fields)
		}
	}

	for ch := range touchedChannels {
		s.publishLocked(ch)
	}
	return nil
}

func (s *Store) markIndexChannelsDirty(channels map[string]struct{}, ref tableref.Ref, spec backend.ComponentSpec, fields map[string]interface{}) {
	for _, idx := range spec.Indexes {
		if _, ok := fields[idx.Name]; ok {
			channels[tableref.IndexChannel(ref, idx.Name)] = struct{}{}
		}
	}
}

// Close implements backend.Client; the in-memory store has no resources to
// release.
func (s *Store) Close() error { return nil }

// IsSynced always reports true for the in-memory single-node backend.
func (s *Store) IsSynced(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced, nil
}

// DirectSet bypasses the transaction layer for volatile components.
func (s *Store) DirectSet(_ context.Context, ref tableref.Ref, id int64, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(ref.String())
	r, ok := t.rows[id]
	if !ok {
		r = &row{fields: map[string]interface{}{"id": id}, version: 0}
		t.rows[id] = r
	}
	for k, v := range fields {
		r.fields[k] = v
	}
	return nil
}

// Subscribe implements backend.Notifier with in-process Go channels.
func (s *Store) Subscribe(_ context.Context, channels ...string) (backend.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan backend.Notification, 64)
	for _, name := range channels {
		s.subs[name] = append(s.subs[name], ch)
	}
	return &subscription{store: s, channels: channels, ch: ch}, nil
}

func (s *Store) publishLocked(channel string) {
	for _, ch := range s.subs[channel] {
		select {
		case ch <- backend.Notification{Channel: channel, At: time.Now()}:
		default:
		}
	}
}

type subscription struct {
	store    *Store
	channels []string
	ch       chan backend.Notification
}

func (sub *subscription) Channel() <-chan backend.Notification { return sub.ch }

func (sub *subscription) Close() error {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	for _, name := range sub.channels {
		list := sub.store.subs[name]
		for i, ch := range list {
			if ch == sub.ch {
				sub.store.subs[name] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	close(sub.ch)
	return nil
}

// AcquireWorker grants a worker id lease in [0, 1023].
func (s *Store) AcquireWorker(_ context.Context, ordinal int) (backend.WorkerLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id := 0; id < 1024; id++ {
		l, taken := s.leases[id]
		if taken && l.expiresAt.After(now) {
			continue
		}
		s.leases[id] = &leaseState{workerID: id, ordinal: ordinal, expiresAt: now.Add(s.leaseTTL)}
		return &lease{store: s, id: id}, nil
	}
	return nil, herrors.WorkerLeaseLost(fmt.Errorf("no worker id available in [0, 1023]"))
}

// LastSeenClock returns the worker's persisted last-seen wall-clock ms.
func (s *Store) LastSeenClock(_ context.Context, workerID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[workerID]
	if !ok {
		return 0, nil
	}
	return l.lastSeenMS, nil
}

// UpdateLastSeenClock persists the worker's last-seen wall-clock ms.
func (s *Store) UpdateLastSeenClock(_ context.Context, workerID int, millis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[workerID]
	if !ok {
		return fmt.Errorf("membackend: worker %d has no lease", workerID)
	}
	l.lastSeenMS = millis
	return nil
}

type lease struct {
	store *Store
	id    int
}

func (l *lease) WorkerID() int { return l.id }

func (l *lease) Renew(_ context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	s, ok := l.store.leases[l.id]
	if !ok {
		return herrors.WorkerLeaseLost(fmt.Errorf("lease %d expired", l.id))
	}
	s.expiresAt = time.Now().Add(l.store.leaseTTL)
	return nil
}

func (l *lease) Release(_ context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	delete(l.store.leases, l.id)
	return nil
}

// TableExists reports whether ref has a table entry or a stored digest.
// Table entries are created by CreateTable and lazily by any read or write
// that touches ref.
func (s *Store) TableExists(_ context.Context, ref tableref.Ref) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[ref.String()]
	if ok {
		return true, nil
	}
	_, ok = s.digests[ref.String()]
	return ok, nil
}

// CreateTable is a no-op for the in-memory store beyond recording that the
// table now exists (tables are otherwise created lazily on first access,
// read or write).
func (s *Store) CreateTable(_ context.Context, ref tableref.Ref, _ backend.ComponentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(ref.String())
	return nil
}

// StoredDigest returns the last digest SetStoredDigest recorded for ref.
func (s *Store) StoredDigest(_ context.Context, ref tableref.Ref) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.digests[ref.String()]
	return d, ok, nil
}

// SetStoredDigest records ref's current schema digest.
func (s *Store) SetStoredDigest(_ context.Context, ref tableref.Ref, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests[ref.String()] = digest
	return nil
}

// MigrateAdditive is a no-op: the in-memory store has no fixed column set.
func (s *Store) MigrateAdditive(_ context.Context, _ tableref.Ref, _ []string) error {
	return nil
}

// MoveCluster relocates every row from the old cluster id's table to the
// new one.
func (s *Store) MoveCluster(_ context.Context, component, instance string, oldCluster, newCluster int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldRef := tableref.New(component, instance, oldCluster)
	newRef := tableref.New(component, instance, newCluster)
	old, ok := s.tables[oldRef.String()]
	if !ok {
		return nil
	}
	dst := s.table(newRef.String())
	for id, r := range old.rows {
		dst.rows[id] = r
	}
	delete(s.tables, oldRef.String())
	return nil
}

// RebuildIndex is a no-op: the in-memory backend computes index order
// on-the-fly from row data, so no rebuild is needed.
func (s *Store) RebuildIndex(_ context.Context, _ tableref.Ref, _ string) error {
	return nil
}

// FlushVolatile discards a volatile component's table contents, called on
// head-node startup.
func (s *Store) FlushVolatile(_ context.Context, ref tableref.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, ref.String())
	return nil
}
