// Package session implements the scoped unit of work pinned to one
// (instance, cluster): a Session carries an IdentityMap and a set of
// Repository handles, committed atomically through the backend client or
// discarded wholesale, per spec.md §4.2.
package session

import (
	"context"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/identitymap"
	"github.com/hetu-io/hetu/internal/tableref"
)

// Session is a scoped unit of work: entered, used to issue repository
// operations, and exited by Commit or Discard. A Session must not be
// reused concurrently from more than one goroutine.
type Session struct {
	client backend.Client
	ref    tableref.Ref
	defs   map[string]*component.Definition
	idmap  *identitymap.Map
}

// New begins a Session pinned to ref, resolving component names against
// defs.
func New(client backend.Client, ref tableref.Ref, defs map[string]*component.Definition) *Session {
	return &Session{client: client, ref: ref, defs: defs, idmap: identitymap.New()}
}

// Discard drops the Session's IdentityMap, abandoning every staged
// mutation without touching the backend.
func (s *Session) Discard() {
	s.idmap = identitymap.New()
}

// Repository returns a handle for operating on one component's rows within
// this Session. The handle addresses that component's own table — sharing
// the Session's instance and cluster id but not its Ref.Component, which is
// otherwise unused (spec.md §3: the commit group is keyed by instance and
// cluster id, not by any one component within it).
func (s *Session) Repository(name string) (*Repository, error) {
	def, ok := s.defs[name]
	if !ok {
		return nil, herrors.Validation("session: unknown component " + name)
	}
	ref := tableref.New(def.FullName(), s.ref.Instance, s.ref.ClusterID)
	return &Repository{sess: s, def: def, ref: ref}, nil
}

func componentSpec(def *component.Definition) backend.ComponentSpec {
	spec := backend.ComponentSpec{Name: def.FullName()}
	for _, p := range def.IndexProperties() {
		spec.Indexes = append(spec.Indexes, backend.IndexSpec{Name: p.Name, Unique: p.Unique})
	}
	return spec
}

// Commit atomically persists every dirty component bucket through the
// backend client. A UNIQUE_VIOLATION surfaced at commit time is reported as
// RACE (spec.md §4.1 item 2): the session's local pre-checks can miss a
// row inserted concurrently between the pre-check and the commit, and that
// race is the retry driver's to resolve, not the caller's.
func (s *Session) Commit(ctx context.Context) error {
	names := s.idmap.Components()
	if len(names) == 0 {
		return nil
	}

	specs := make(map[string]backend.ComponentSpec, len(names))
	dirty := make(map[string]identitymap.DirtySet, len(names))
	for _, name := range names {
		def, ok := s.defs[name]
		if !ok {
			return herrors.Validation("session: unknown component " + name)
		}
		specs[name] = componentSpec(def)
		dirty[name] = s.idmap.Extract(name)
	}

	err := s.client.Commit(ctx, backend.CommitGroup{Ref: s.ref, Specs: specs, DirtySets: dirty})
	if err != nil {
		if herrors.Is(err, herrors.KindUniqueViolation) {
			return herrors.Race("unique violation detected at commit", err)
		}
		return err
	}

	s.idmap = identitymap.New()
	return nil
}
