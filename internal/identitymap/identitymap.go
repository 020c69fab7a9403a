// Package identitymap implements the per-session write buffer: for each
// table reference, the cached clean copy of queried rows, the current
// in-memory mutation of each row, and a per-row state in
// {CLEAN, INSERT, UPDATE, DELETE}, per spec.md §3.
package identitymap

import (
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
)

// State is a row's lifecycle state within one IdentityMap.
type State int

const (
	Clean State = iota
	Insert
	Update
	Delete
)

func (s State) String() string {
	switch s {
	case Clean:
		return "CLEAN"
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// entry is one row's tracked state within a table's bucket.
type entry struct {
	state   State
	clean   map[string]interface{} // nil for INSERT
	current map[string]interface{}
}

func cloneRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Map is one session's IdentityMap, partitioned by component full name.
type Map struct {
	tables map[string]map[int64]*entry
}

// New returns an empty IdentityMap.
func New() *Map {
	return &Map{tables: make(map[string]map[int64]*entry)}
}

func (m *Map) bucket(component string) map[int64]*entry {
	b, ok := m.tables[component]
	if !ok {
		b = make(map[int64]*entry)
		m.tables[component] = b
	}
	return b
}

// CacheClean records a row freshly read from the backend as CLEAN, unless a
// row with that id already exists in the map (in which case the existing
// entry — possibly dirty — is preserved; invariant (i): a row id appears at
// most once per table).
func (m *Map) CacheClean(component string, id int64, row map[string]interface{}) {
	b := m.bucket(component)
	if _, exists := b[id]; exists {
		return
	}
	b[id] = &entry{state: Clean, clean: cloneRow(row), current: cloneRow(row)}
}

// Get returns the current view of a row (nil if absent or DELETE-tagged),
// and whether any entry exists at all.
func (m *Map) Get(component string, id int64) (map[string]interface{}, bool) {
	b := m.tables[component]
	e, ok := b[id]
	if !ok {
		return nil, false
	}
	if e.state == Delete {
		return nil, true
	}
	return cloneRow(e.current), true
}

// MarkInsert stages a new row for insertion. row must carry `_version == 0`
// per spec.md §3 invariant (ii); callers are expected to have already
// validated that before calling MarkInsert.
func (m *Map) MarkInsert(component string, id int64, row map[string]interface{}) error {
	b := m.bucket(component)
	if _, exists := b[id]; exists {
		return herrors.Validation("identitymap: row id already present in map").WithDetails("component", component).WithDetails("id", id)
	}
	b[id] = &entry{state: Insert, clean: nil, current: cloneRow(row)}
	return nil
}

// MarkUpdate stages field changes on a row that must already have a clean
// copy present (invariant iii). Updating a DELETE-tagged row is an error
// (invariant iv).
func (m *Map) MarkUpdate(component string, id int64, changed map[string]interface{}) error {
	b := m.tables[component]
	e, ok := b[id]
	if !ok {
		return herrors.Lookup(component, id)
	}
	if e.state == Delete {
		return herrors.Validation("identitymap: cannot update a row marked for deletion").WithDetails("component", component).WithDetails("id", id)
	}
	if e.state == Clean {
		e.state = Update
	}
	for k, v := range changed {
		e.current[k] = v
	}
	return nil
}

// MarkDelete stages a row for deletion; requires a clean copy present
// (invariant iii) — an INSERT row being deleted before commit is simply
// dropped from the map instead, since it was never persisted.
func (m *Map) MarkDelete(component string, id int64) error {
	b := m.tables[component]
	e, ok := b[id]
	if !ok {
		return herrors.Lookup(component, id)
	}
	if e.state == Insert {
		delete(b, id)
		return nil
	}
	e.state = Delete
	return nil
}

// DirtyEntry is one row destined for the backend commit, in the shape the
// backend client's commit operation expects.
type DirtyEntry struct {
	ID      int64
	Version int64 // clean _version for UPDATE/DELETE; ignored for INSERT
	Fields  map[string]interface{}
}

// DirtySet is the per-table extraction spec.md §3 invariant (v) describes:
// inserts carry the full row, updates carry only changed fields plus id and
// _version, deletes carry id and _version.
type DirtySet struct {
	Inserts []DirtyEntry
	Updates []DirtyEntry
	Deletes []DirtyEntry
}

// Extract computes the DirtySet for one component's bucket. Does not mutate
// the map; callers discard the whole Map on successful commit.
func (m *Map) Extract(component string) DirtySet {
	var out DirtySet
	for id, e := range m.tables[component] {
		switch e.state {
		case Insert:
			out.Inserts = append(out.Inserts, DirtyEntry{ID: id, Fields: cloneRow(e.current)})
		case Update:
			changed := diffFields(e.clean, e.current)
			if len(changed) == 0 {
				continue
			}
			version, _ := asInt64(e.clean["_version"])
			out.Updates = append(out.Updates, DirtyEntry{ID: id, Version: version, Fields: changed})
		case Delete:
			version, _ := asInt64(e.clean["_version"])
			out.Deletes = append(out.Deletes, DirtyEntry{ID: id, Version: version})
		}
	}
	return out
}

// Components returns every component bucket with at least one dirty entry,
// used by the commit protocol to know which tables need to participate in
// one cluster's atomic commit.
func (m *Map) Components() []string {
	var names []string
	for name, bucket := range m.tables {
		for _, e := range bucket {
			if e.state != Clean {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

// Snapshot returns the current view of every non-DELETE-tagged row tracked
// for component, keyed by id. Used for local unique-field pre-checks before
// a repository operation that would otherwise only be caught remotely.
func (m *Map) Snapshot(component string) map[int64]map[string]interface{} {
	out := make(map[int64]map[string]interface{})
	for id, e := range m.tables[component] {
		if e.state == Delete {
			continue
		}
		out[id] = cloneRow(e.current)
	}
	return out
}

func diffFields(clean, current map[string]interface{}) map[string]interface{} {
	changed := make(map[string]interface{})
	for k, v := range current {
		if k == "id" || k == "_version" {
			continue
		}
		if old, ok := clean[k]; !ok || !component.ValuesEqual(old, v) {
			changed[k] = v
		}
	}
	return changed
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
