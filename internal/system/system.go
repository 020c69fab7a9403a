// Package system implements the System Scheduler: declared async
// procedures that transact over a fixed set of components, cluster
// assignment by transitive closure, and uuid-based exactly-once replay
// dedup, per spec.md §4.4.
package system

import (
	"fmt"
	"sort"

	"github.com/hetu-io/hetu/internal/component"
)

// Func is the user-supplied body of one system: arbitrary repository
// operations against ctx.Repos, optionally invoking a declared base system
// through ctx.Call.
type Func func(ctx *Context, args []interface{}) error

// Definition is one registered system: spec.md §4.4's namespace, declared
// transacted components, non-transactional set, inherited base systems,
// permission level and max_retry.
type Definition struct {
	Namespace string
	Name      string

	// Components this system's body transacts over (Get/Insert/Update/
	// Delete through ctx.Repos). Full component names ("namespace.Name").
	Components []string

	// NonTransactional names components this system only ever reaches
	// through backend.Client.DirectSet, never through the session — they
	// do not join this system's cluster.
	NonTransactional []string

	// BaseSystems are full names ("namespace.Name") of other systems this
	// one may invoke as sub-procedures via ctx.Call. A base system's own
	// declared Components join this system's cluster too.
	BaseSystems []string

	Permission component.Permission
	MaxRetry   int

	// ArgCount and DefaultArgs describe the accepted argument count range
	// [ArgCount-DefaultArgs, ArgCount], per spec.md §4.4 step 1.
	ArgCount    int
	DefaultArgs int

	Fn Func
}

// FullName is the namespace-qualified identity used as the registry key.
func (d *Definition) FullName() string {
	return d.Namespace + "." + d.Name
}

// lockComponentName is this system's dedicated SystemLock duplicate table
// name, one per system (spec.md §4.4 step 3b).
func (d *Definition) lockComponentName() string {
	return d.Namespace + "." + d.Name + "SystemLock"
}

// lockDefinition builds the synthetic component.Definition backing this
// system's replay-dedup table: one unique uuid column plus the caller and
// timestamp that performed the call.
func (d *Definition) lockDefinition() (*component.Definition, error) {
	return component.Seal(component.Definition{
		Namespace: d.Namespace,
		Name:      d.Name + "SystemLock",
		Properties: []component.Property{
			{Name: "uuid", Type: component.TypeString, Length: 36, Unique: true, Index: true},
			{Name: "caller", Type: component.TypeInt64},
			{Name: "ts", Type: component.TypeInt64, Index: true},
		},
		Permission: component.PermAdmin,
	})
}

// acceptsArgCount reports whether n falls within [ArgCount-DefaultArgs,
// ArgCount], spec.md §4.4 step 1's accepted range.
func (d *Definition) acceptsArgCount(n int) bool {
	min := d.ArgCount - d.DefaultArgs
	if min < 0 {
		min = 0
	}
	return n >= min && n <= d.ArgCount
}

// validate enforces definition-time invariants: a body, a positive retry
// count, DefaultArgs not exceeding ArgCount, and no OWNER permission.
func (d *Definition) validate() error {
	if d.Namespace == "" || d.Name == "" {
		return fmt.Errorf("system: namespace and name are required")
	}
	if d.Fn == nil {
		return fmt.Errorf("system %s: no body function", d.FullName())
	}
	if d.MaxRetry <= 0 {
		return fmt.Errorf("system %s: max_retry must be positive", d.FullName())
	}
	if d.DefaultArgs < 0 || d.DefaultArgs > d.ArgCount {
		return fmt.Errorf("system %s: invalid default arg count", d.FullName())
	}
	if d.Permission == component.PermOwner {
		return fmt.Errorf("system %s: OWNER is a row-level permission, not valid at system level", d.FullName())
	}
	return nil
}

// unionFind is a plain disjoint-set structure over component full names,
// used to compute the cluster transitive closure spec.md §4.4 describes.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) add(name string) {
	if _, ok := u.parent[name]; !ok {
		u.parent[name] = name
	}
}

func (u *unionFind) find(name string) string {
	root := name
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[name] != root {
		next := u.parent[name]
		u.parent[name] = root
		name = next
	}
	return root
}

func (u *unionFind) union(a, b string) {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Deterministic tie-break so the resulting root name (used only
	// internally, never observed) doesn't depend on map iteration order.
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// Clusters holds the result of BuildClusters: every transacted component's
// assigned cluster id, and each system's resolved component set (its own
// plus every base system's, transitively). It does not record a backend
// name; BuildClusters only checks that each system stays on one backend.
type Clusters struct {
	ComponentCluster map[string]int64 // component full name -> cluster id
	SystemComponents map[string]map[string]struct{}
}

// BuildClusters computes the transitive closure over (system, components ∪
// base-system components) for every registered system: all components one
// system can reach through its own declarations or its inherited base
// systems land in the same cluster. Refuses systems naming an unknown base
// system or whose resolved component set spans more than one backend.
//
// Cluster ids are assigned in the order of spec.md §3's deterministic
// ordering: largest cluster first, ties broken by the lexicographically
// first member name.
func BuildClusters(defs map[string]*Definition, backendOf func(component string) string) (*Clusters, error) {
	uf := newUnionFind()
	systemComponents := make(map[string]map[string]struct{}, len(defs))

	for _, d := range defs {
		resolved, err := resolveComponents(d, defs, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		systemComponents[d.FullName()] = resolved

		var ordered []string
		for c := range resolved {
			ordered = append(ordered, c)
			uf.add(c)
		}
		sort.Strings(ordered)
		for i := 1; i < len(ordered); i++ {
			uf.union(ordered[0], ordered[i])
		}
	}

	groups := make(map[string][]string)
	for _, d := range defs {
		for c := range systemComponents[d.FullName()] {
			root := uf.find(c)
			groups[root] = append(groups[root], c)
		}
	}

	type group struct {
		members []string
	}
	var ordered []group
	seen := make(map[string]bool)
	for root, members := range groups {
		if seen[root] {
			continue
		}
		seen[root] = true
		uniq := dedupSorted(members)
		ordered = append(ordered, group{members: uniq})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].members) != len(ordered[j].members) {
			return len(ordered[i].members) > len(ordered[j].members)
		}
		return ordered[i].members[0] < ordered[j].members[0]
	})

	componentCluster := make(map[string]int64)
	for idx, g := range ordered {
		for _, c := range g.members {
			componentCluster[c] = int64(idx)
		}
	}

	if err := verifySingleBackend(defs, systemComponents, componentCluster, backendOf); err != nil {
		return nil, err
	}

	return &Clusters{ComponentCluster: componentCluster, SystemComponents: systemComponents}, nil
}

// resolveComponents returns d's own declared components plus every base
// system's (recursively), detecting cycles and unknown base systems.
func resolveComponents(d *Definition, defs map[string]*Definition, visiting map[string]bool) (map[string]struct{}, error) {
	if visiting[d.FullName()] {
		return nil, fmt.Errorf("system %s: base-system cycle detected", d.FullName())
	}
	visiting[d.FullName()] = true
	defer delete(visiting, d.FullName())

	out := map[string]struct{}{d.lockComponentName(): {}}
	for _, c := range d.Components {
		out[c] = struct{}{}
	}

	for _, baseName := range d.BaseSystems {
		base, ok := defs[baseName]
		if !ok {
			return nil, fmt.Errorf("system %s: unknown base system %q", d.FullName(), baseName)
		}
		baseComponents, err := resolveComponents(base, defs, visiting)
		if err != nil {
			return nil, err
		}
		for c := range baseComponents {
			out[c] = struct{}{}
		}
	}
	return out, nil
}

func verifySingleBackend(defs map[string]*Definition, systemComponents map[string]map[string]struct{}, clusters map[string]int64, backendOf func(string) string) error {
	for _, d := range defs {
		backends := make(map[string]struct{})
		for c := range systemComponents[d.FullName()] {
			if b := backendOf(c); b != "" {
				backends[b] = struct{}{}
			}
		}
		if len(backends) > 1 {
			return fmt.Errorf("system %s: declared components span multiple backends", d.FullName())
		}
	}
	return nil
}

func dedupSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
