// Package registry is the one process-level singleton spec.md §9 calls
// for: every piece of global state this kernel needs (the component
// registry, the system cluster map, the endpoint registry, and the
// server's pipeline security policy) lives in one sync.Once-guarded
// struct, written once at startup and read-only afterward — rather than
// scattered package-level vars. Grounded on
// infrastructure/runtime/identity.go's sync.Once-cached singleton idiom,
// generalized from one bool to one bootstrap struct.
package registry

import (
	"fmt"
	"sync"

	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/endpoint"
	"github.com/hetu-io/hetu/internal/pipeline"
	"github.com/hetu-io/hetu/internal/system"
)

// Registry is the read-only snapshot produced by Bootstrap.
type Registry struct {
	ComponentDefines map[string]*component.Definition
	SystemClusters   *system.Clusters
	EndpointDefines  map[string]*endpoint.Definition
	MessagePipeline  pipeline.SecurityConfig
}

var (
	once     sync.Once
	instance *Registry
)

// Bootstrap writes the process-wide Registry exactly once. A second call
// (from any goroutine) is a programming error: it panics rather than
// silently keeping the first snapshot, since a component/endpoint set
// registered twice almost always means startup double-ran, not that the
// second set should be ignored.
func Bootstrap(components map[string]*component.Definition, clusters *system.Clusters, endpoints map[string]*endpoint.Definition, security pipeline.SecurityConfig) *Registry {
	called := false
	once.Do(func() {
		called = true
		instance = &Registry{
			ComponentDefines: components,
			SystemClusters:   clusters,
			EndpointDefines:  endpoints,
			MessagePipeline:  security,
		}
	})
	if !called {
		panic("registry: Bootstrap called more than once")
	}
	return instance
}

// Get returns the bootstrapped Registry. Panics if Bootstrap has not run
// yet — every caller of Get is assumed to run after startup has
// completed component/system/endpoint registration.
func Get() *Registry {
	if instance == nil {
		panic("registry: Get called before Bootstrap")
	}
	return instance
}

// Component looks up a registered component definition by its full name
// ("namespace.Name").
func (r *Registry) Component(fullName string) (*component.Definition, error) {
	def, ok := r.ComponentDefines[fullName]
	if !ok {
		return nil, fmt.Errorf("registry: unknown component %q", fullName)
	}
	return def, nil
}

// ClusterOf returns the cluster id a component was assigned during
// BuildClusters.
func (r *Registry) ClusterOf(componentFullName string) (int64, bool) {
	id, ok := r.SystemClusters.ComponentCluster[componentFullName]
	return id, ok
}

// Endpoint looks up a registered endpoint definition by its full name.
func (r *Registry) Endpoint(fullName string) (*endpoint.Definition, error) {
	def, ok := r.EndpointDefines[fullName]
	if !ok {
		return nil, fmt.Errorf("registry: unknown endpoint %q", fullName)
	}
	return def, nil
}

// resetForTest clears the singleton so package tests can Bootstrap more
// than once in one test binary. Unexported: production code must never
// call this, mirroring identity.go's ResetStrictIdentityModeCache being
// reserved for tests only.
func resetForTest() {
	once = sync.Once{}
	instance = nil
}
