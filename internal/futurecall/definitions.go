// Package futurecall implements the Future Call Scheduler: a durable
// delayed/recurring invocation store plus a per-worker poller that
// triggers due future calls through the system scheduler, per
// spec.md §4.7.
package futurecall

import (
	"fmt"

	"github.com/hetu-io/hetu/internal/component"
)

const baseComponentName = "sys.FutureCalls"

// tableName is the duplicate table name for worker index i (1-based);
// index 1 is the bare name, matching the teacher's own duplicate-suffix
// convention (component copies split across clusters/workers carry no
// suffix on the first copy).
func tableName(i int) string {
	if i <= 1 {
		return baseComponentName
	}
	return fmt.Sprintf("%s%d", baseComponentName, i)
}

// definition builds one duplicate FutureCalls component: owner/uuid/
// system/args_repr/recurring/created/last_run/scheduled/timeout, per
// spec.md §3's "Future call row" data-model note. uuid is unique so the
// scheduler and the replay-dedup layer agree on exactly-once identity;
// scheduled is indexed so a worker's due-queue range-pop is a plain index
// scan.
func definition(i int) (*component.Definition, error) {
	parts := splitFullName(tableName(i))
	return component.Seal(component.Definition{
		Namespace: parts.namespace,
		Name:      parts.name,
		Properties: []component.Property{
			{Name: "owner", Type: component.TypeInt64, Index: true},
			{Name: "uuid", Type: component.TypeString, Length: 36, Unique: true, Index: true},
			{Name: "system", Type: component.TypeString, Length: 128},
			{Name: "args_repr", Type: component.TypeString, Length: 4096},
			{Name: "recurring", Type: component.TypeBool},
			{Name: "created", Type: component.TypeInt64},
			{Name: "last_run", Type: component.TypeInt64},
			{Name: "scheduled", Type: component.TypeInt64, Index: true},
			{Name: "timeout", Type: component.TypeInt64},
		},
		Permission: component.PermAdmin,
	})
}

type fullName struct{ namespace, name string }

func splitFullName(full string) fullName {
	for i := 0; i < len(full); i++ {
		if full[i] == '.' {
			return fullName{namespace: full[:i], name: full[i+1:]}
		}
	}
	return fullName{namespace: "sys", name: full}
}

// Definitions builds the full set of workerCount duplicate FutureCalls
// tables, keyed by full component name, ready to merge into a registry's
// component-definition map.
func Definitions(workerCount int) (map[string]*component.Definition, error) {
	if workerCount < 1 {
		workerCount = 1
	}
	out := make(map[string]*component.Definition, workerCount)
	for i := 1; i <= workerCount; i++ {
		def, err := definition(i)
		if err != nil {
			return nil, fmt.Errorf("futurecall: build duplicate %d: %w", i, err)
		}
		out[def.FullName()] = def
	}
	return out, nil
}
