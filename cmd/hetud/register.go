package main

import (
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/endpoint"
	"github.com/hetu-io/hetu/internal/system"
)

// kernelNamespace is the namespace hetud's own bookkeeping components
// (presently just the head lock) are registered under, kept separate
// from whatever application namespace a deployment registers.
const kernelNamespace = "hetu"

// headLockComponent is a singleton row per instance: the "--head" worker
// holds the only writable lease, expressed as a unique index on a
// constant field so a second head process's insert collides with
// UNIQUE_VIOLATION rather than racing on application data.
func headLockComponent() (*component.Definition, error) {
	return component.Seal(component.Definition{
		Namespace: kernelNamespace,
		Name:      "HeadLock",
		Properties: []component.Property{
			{Name: "slot", Type: component.TypeInt64, Unique: true},
			{Name: "holder", Type: component.TypeString, Length: 128},
			{Name: "acquired", Type: component.TypeInt64},
		},
		Permission: component.PermAdmin,
	})
}

// applicationSystems and applicationEndpoints are this deployment's
// registered system/endpoint definitions. hetud ships as a kernel binary
// with no bundled game logic of its own; a deployment that embeds actual
// namespaces wires them in here before building. Left empty, the server
// still runs a complete kernel (connection lifecycle, schema maintenance,
// future calls, subscriptions) with zero application-level surface.
func applicationSystems() map[string]*system.Definition {
	return map[string]*system.Definition{}
}

func applicationEndpoints() map[string]*endpoint.Definition {
	return map[string]*endpoint.Definition{}
}

// applicationComponentDefs are the component definitions a deployment's
// systems/endpoints transact over, keyed by full name. system.New needs
// these up front (a Definition only names its components by string; the
// scheduler cannot seal them itself), and cmdBuild reads the same map to
// generate client stubs.
func applicationComponentDefs() map[string]*component.Definition {
	return map[string]*component.Definition{}
}
