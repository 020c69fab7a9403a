package endpoint

import (
	"github.com/hetu-io/hetu/internal/component"
)

// connectionComponentName is the namespace-qualified Connection component
// spec.md §3 describes: one row per live connection, deleted on terminate.
const connectionComponentName = "sys.Connection"

// connectionDefinition builds the Connection component: owner/address/
// device/device_id/admin/created/last_active, per spec.md §3's "Connection
// row" data-model note. owner is indexed (not unique) — at most one live
// connection per authenticated owner is an executor-enforced invariant
// (elevate's clear-then-set sequence), not a storage constraint, since
// many anonymous connections share owner == 0.
func connectionDefinition() (*component.Definition, error) {
	return component.Seal(component.Definition{
		Namespace: "sys",
		Name:      "Connection",
		Properties: []component.Property{
			{Name: "owner", Type: component.TypeInt64, Index: true},
			{Name: "address", Type: component.TypeString, Length: 64, Index: true},
			{Name: "device", Type: component.TypeString, Length: 64},
			{Name: "device_id", Type: component.TypeString, Length: 64},
			{Name: "admin", Type: component.TypeString, Length: 64},
			{Name: "created", Type: component.TypeInt64},
			{Name: "last_active", Type: component.TypeInt64},
		},
		Permission: component.PermAdmin,
	})
}

func connectionOwner(row map[string]interface{}) int64 {
	switch v := row["owner"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func connectionLastActive(row map[string]interface{}) int64 {
	switch v := row["last_active"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
