package session

import (
	"context"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/tableref"
)

// Repository operates on one component's rows within a Session.
type Repository struct {
	sess *Session
	def  *component.Definition
	ref  tableref.Ref
}

func rowID(row map[string]interface{}) (int64, bool) {
	switch v := row["id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func rowVersion(row map[string]interface{}) int64 {
	switch v := row["_version"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func diffExcludingMeta(before, after map[string]interface{}) map[string]interface{} {
	changed := make(map[string]interface{})
	for k, v := range after {
		if k == "id" || k == "_version" {
			continue
		}
		if old, ok := before[k]; !ok || !component.ValuesEqual(old, v) {
			changed[k] = v
		}
	}
	return changed
}

// Get consults the IdentityMap first; on a miss it fetches the latest
// committed row from the backend and caches it as CLEAN. Returns
// found=false if the row is absent remotely, or if it is DELETE-tagged
// locally (per the IdentityMap's own Get semantics).
func (r *Repository) Get(ctx context.Context, id int64) (map[string]interface{}, bool, error) {
	if row, ok := r.sess.idmap.Get(r.def.FullName(), id); ok {
		return row, row != nil, nil
	}

	row, found, err := r.sess.client.Get(ctx, r.ref, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	r.sess.idmap.CacheClean(r.def.FullName(), id, row)
	return row, true, nil
}

// GetByIndex looks up a single row by any indexed field, always querying
// the backend for the matching id (index contents are not cached), then
// resolving that id through Get so the result reflects any local staged
// mutation.
func (r *Repository) GetByIndex(ctx context.Context, indexName string, value interface{}) (map[string]interface{}, bool, error) {
	rows, err := r.sess.client.Range(ctx, r.ref, componentSpec(r.def), backend.RangeQuery{
		Index: indexName,
		Left:  value,
		Right: value,
		Limit: 1,
	})
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	id, ok := rowID(rows[0])
	if !ok {
		return nil, false, herrors.Validation("session: row missing integer id field")
	}
	return r.Get(ctx, id)
}

// Range always re-queries the backend for the matching id list — cached
// id-sets would be unsound under concurrent writers — then resolves each
// id through Get so the caller sees any local staged mutation.
func (r *Repository) Range(ctx context.Context, indexName string, left, right interface{}, limit int, desc bool) ([]map[string]interface{}, error) {
	rows, err := r.sess.client.Range(ctx, r.ref, componentSpec(r.def), backend.RangeQuery{
		Index: indexName,
		Left:  left,
		Right: right,
		Limit: limit,
		Desc:  desc,
	})
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		id, ok := rowID(row)
		if !ok {
			return nil, herrors.Validation("session: row missing integer id field")
		}
		resolved, found, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, resolved)
		}
	}
	return out, nil
}

// checkUniqueAvailable pre-checks one unique field's value against both the
// session's locally staged rows and the backend, excluding selfID. This is
// best-effort: the authoritative check happens inside Session.Commit.
func (r *Repository) checkUniqueAvailable(ctx context.Context, field string, value interface{}, selfID int64) error {
	for id, row := range r.sess.idmap.Snapshot(r.def.FullName()) {
		if id == selfID {
			continue
		}
		if v, ok := row[field]; ok && component.ValuesEqual(v, value) {
			return herrors.UniqueViolation(r.def.FullName(), field, value)
		}
	}

	existing, found, err := r.GetByIndex(ctx, field, value)
	if err != nil {
		return err
	}
	if found {
		if eid, ok := rowID(existing); ok && eid != selfID {
			return herrors.UniqueViolation(r.def.FullName(), field, value)
		}
	}
	return nil
}

// Insert stages a new row. row must carry an integer "id" and either omit
// "_version" or carry "_version" == 0. Unique fields are pre-checked
// locally and remotely; a conflict is a caller-visible UniqueViolation, not
// a race — the race path exists only for collisions the pre-check misses,
// surfaced later at commit.
func (r *Repository) Insert(ctx context.Context, row map[string]interface{}) error {
	id, ok := rowID(row)
	if !ok {
		return herrors.Validation("session: insert row missing integer id field")
	}
	if v, present := row["_version"]; present && rowVersion(map[string]interface{}{"_version": v}) != 0 {
		return herrors.Validation("session: insert row must carry _version == 0")
	}

	fields := make(map[string]interface{}, len(row))
	for k, v := range row {
		if k == "_version" {
			continue
		}
		fields[k] = v
	}

	for _, p := range r.def.UniqueProperties() {
		v, present := fields[p.Name]
		if !present {
			continue
		}
		if err := r.checkUniqueAvailable(ctx, p.Name, v, id); err != nil {
			return err
		}
	}

	return r.sess.idmap.MarkInsert(r.def.FullName(), id, fields)
}

// Update requires a clean copy already cached (via Get) for id, diffs in
// the changed fields, pre-checks any changed unique field, and marks the
// row UPDATE.
func (r *Repository) Update(ctx context.Context, id int64, changed map[string]interface{}) error {
	for _, p := range r.def.UniqueProperties() {
		v, present := changed[p.Name]
		if !present {
			continue
		}
		if err := r.checkUniqueAvailable(ctx, p.Name, v, id); err != nil {
			return err
		}
	}
	return r.sess.idmap.MarkUpdate(r.def.FullName(), id, changed)
}

// Delete requires a clean copy already cached (via Get) for id and marks
// the row DELETE.
func (r *Repository) Delete(_ context.Context, id int64) error {
	return r.sess.idmap.MarkDelete(r.def.FullName(), id)
}

// Upsert fetches the row currently holding value in indexName (or
// constructs a fresh one seeded with id=newID and indexName=value when none
// exists), lets mutate transform it, and on return either no-ops (if
// mutate made no change), updates (if the row existed), or inserts (if it
// didn't). newID is only used when no existing row is found.
func (r *Repository) Upsert(ctx context.Context, indexName string, value interface{}, newID int64, mutate func(row map[string]interface{}, existed bool) (map[string]interface{}, error)) error {
	existing, found, err := r.GetByIndex(ctx, indexName, value)
	if err != nil {
		return err
	}

	var base map[string]interface{}
	if found {
		base = cloneMap(existing)
	} else {
		base = map[string]interface{}{"id": newID, indexName: value}
	}

	mutated, err := mutate(cloneMap(base), found)
	if err != nil {
		return err
	}

	if found {
		changed := diffExcludingMeta(base, mutated)
		if len(changed) == 0 {
			return nil
		}
		id, _ := rowID(base)
		return r.Update(ctx, id, changed)
	}

	if _, ok := mutated["id"]; !ok {
		mutated["id"] = newID
	}
	if _, ok := mutated[indexName]; !ok {
		mutated[indexName] = value
	}
	return r.Insert(ctx, mutated)
}
