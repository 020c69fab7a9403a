package component

import "fmt"

// CallerContext carries the caller attributes an RLS rule or a permission
// check reads: the authenticated caller id (0 when anonymous) and the
// caller's admin group, if any.
type CallerContext struct {
	Caller     int64
	AdminGroup string
	Fields     map[string]interface{} // extra caller-side fields an RLS rule may compare against
}

// EvaluateRLS reports whether row (given as a field-name -> value map)
// satisfies the component's RLS rule against ctx. Called with a nil rule
// always passes (non-RLS components have no row predicate).
func EvaluateRLS(rule *RLSRule, row map[string]interface{}, ctx CallerContext) (bool, error) {
	if rule == nil {
		return true, nil
	}

	rowVal, ok := row[rule.RowField]
	if !ok {
		return false, fmt.Errorf("rls: row missing field %q", rule.RowField)
	}

	callerVal, err := callerFieldValue(rule.CallerField, ctx)
	if err != nil {
		return false, err
	}

	return compare(rule.Comparator, rowVal, callerVal)
}

func callerFieldValue(field string, ctx CallerContext) (interface{}, error) {
	if field == "caller" {
		return ctx.Caller, nil
	}
	if v, ok := ctx.Fields[field]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("rls: caller context missing field %q", field)
}

func compare(cmp Comparator, rowVal, callerVal interface{}) (bool, error) {
	rowNum, rowIsNum := asFloat(rowVal)
	callerNum, callerIsNum := asFloat(callerVal)

	if rowIsNum && callerIsNum {
		switch cmp {
		case CmpEqual:
			return rowNum == callerNum, nil
		case CmpNotEqual:
			return rowNum != callerNum, nil
		case CmpGreaterEqual:
			return rowNum >= callerNum, nil
		case CmpLessEqual:
			return rowNum <= callerNum, nil
		}
		return false, fmt.Errorf("rls: unknown comparator %q", cmp)
	}

	switch cmp {
	case CmpEqual:
		return rowVal == callerVal, nil
	case CmpNotEqual:
		return rowVal != callerVal, nil
	default:
		return false, fmt.Errorf("rls: comparator %q requires numeric operands", cmp)
	}
}

func asFloat(v interface{}) (float64, bool) {
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

// CheckTablePermission enforces the component-level permission gate ahead
// of any RLS row filtering: EVERYBODY always passes; USER requires an
// authenticated caller; ADMIN requires the admin-group prefix; OWNER and
// RLS are row-level concepts resolved later against each row.
func CheckTablePermission(perm Permission, ctx CallerContext, adminGroupPrefix string) bool {
	switch perm {
	case PermEverybody, PermOwner, PermRLS:
		return true
	case PermUser:
		return ctx.Caller > 0
	case PermAdmin:
		return len(ctx.AdminGroup) >= len(adminGroupPrefix) && ctx.AdminGroup[:len(adminGroupPrefix)] == adminGroupPrefix
	default:
		return false
	}
}

// CheckRowPermission enforces OWNER/RLS row-level visibility once a
// candidate row is in hand. EVERYBODY/USER/ADMIN never reach here with a
// per-row rejection; CheckTablePermission already gated them.
func CheckRowPermission(d *Definition, row map[string]interface{}, ctx CallerContext) (bool, error) {
	switch d.Permission {
	case PermOwner:
		owner, ok := row["owner"]
		if !ok {
			return false, fmt.Errorf("rls: component %s has OWNER permission but no owner field", d.FullName())
		}
		ownerNum, _ := asFloat(owner)
		return int64(ownerNum) == ctx.Caller, nil
	case PermRLS:
		return EvaluateRLS(d.RLS, row, ctx)
	default:
		return true, nil
	}
}
