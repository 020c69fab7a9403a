// Package component implements the Component registry: typed row schemas,
// their permission and row-level-security rules, and the canonical digest
// used to detect schema drift at startup.
package component

import (
	"fmt"
	"sort"
)

// PrimitiveType enumerates the fixed primitive types a Property may hold.
type PrimitiveType string

const (
	TypeInt8    PrimitiveType = "int8"
	TypeInt16   PrimitiveType = "int16"
	TypeInt32   PrimitiveType = "int32"
	TypeInt64   PrimitiveType = "int64"
	TypeUint8   PrimitiveType = "uint8"
	TypeUint16  PrimitiveType = "uint16"
	TypeUint32  PrimitiveType = "uint32"
	TypeUint64  PrimitiveType = "uint64"
	TypeFloat32 PrimitiveType = "float32"
	TypeFloat64 PrimitiveType = "float64"
	TypeBool    PrimitiveType = "bool"
	TypeString  PrimitiveType = "string" // fixed max-length UTF-8
	TypeBytes   PrimitiveType = "bytes"  // fixed max-length
)

// Permission is the component-level access rule.
type Permission string

const (
	PermEverybody Permission = "EVERYBODY"
	PermUser      Permission = "USER"
	PermOwner     Permission = "OWNER"
	PermRLS       Permission = "RLS"
	PermAdmin     Permission = "ADMIN"
)

// Comparator is the relational operator an RLS rule applies between a row
// field and a caller-context field.
type Comparator string

const (
	CmpEqual        Comparator = "eq"
	CmpNotEqual     Comparator = "ne"
	CmpGreaterEqual Comparator = "ge"
	CmpLessEqual    Comparator = "le"
)

// RLSRule describes a row-visibility predicate: compare RowField on the
// candidate row against CallerField on the caller's context using
// Comparator.
type RLSRule struct {
	Comparator  Comparator
	RowField    string
	CallerField string
}

// Property is one field of a Component's schema, alphabetically
// canonicalized among siblings at registration time.
type Property struct {
	Name    string
	Type    PrimitiveType
	Length  int // max length for String/Bytes; ignored otherwise
	Default interface{}
	Unique  bool
	Index   bool
}

// Definition is the immutable, registered shape of one Component: its
// namespace-qualified name, its properties, its permission rule, and the
// storage characteristics (volatile, backend name) spec.md §3 assigns it.
type Definition struct {
	Namespace  string
	Name       string
	Properties []Property
	Permission Permission
	RLS        *RLSRule // non-nil iff Permission == PermRLS
	Volatile   bool
	Backend    string

	// CanonicalJSON and Digest are computed once at registration by Seal.
	CanonicalJSON string
	Digest        string
}

// FullName is the (namespace, name) identity used as the registry key and
// the storage table qualifier.
func (d *Definition) FullName() string {
	return d.Namespace + "." + d.Name
}

// PropertyByName returns the named property, or ok=false.
func (d *Definition) PropertyByName(name string) (Property, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// UniqueProperties returns the properties flagged unique, in canonical
// order.
func (d *Definition) UniqueProperties() []Property {
	var out []Property
	for _, p := range d.Properties {
		if p.Unique {
			out = append(out, p)
		}
	}
	return out
}

// IndexProperties returns every indexed property (unique implies index),
// in canonical order.
func (d *Definition) IndexProperties() []Property {
	var out []Property
	for _, p := range d.Properties {
		if p.Index || p.Unique {
			out = append(out, p)
		}
	}
	return out
}

// sortProperties canonicalizes property order alphabetically by name, the
// ordering spec.md §3 requires before the digest is computed.
func sortProperties(props []Property) []Property {
	sorted := make([]Property, len(props))
	copy(sorted, props)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted
}

// Validate enforces the definition-time invariants from spec.md §3: RLS
// components carry a rule, reserved keywords are rejected, and property
// names are unique within the component. Validate does not itself mark
// unique properties as indexed; Seal sets Index on every unique property.
func (d *Definition) Validate() error {
	if d.Namespace == "" {
		return fmt.Errorf("component: namespace is required")
	}
	if d.Name == "" {
		return fmt.Errorf("component: name is required")
	}
	if IsReservedKeyword(d.Name) {
		return fmt.Errorf("component: %q is a reserved keyword in a client SDK language", d.Name)
	}
	if d.Permission == PermRLS && d.RLS == nil {
		return fmt.Errorf("component %s: RLS permission requires an RLSRule", d.FullName())
	}
	if d.Permission != PermRLS && d.RLS != nil {
		return fmt.Errorf("component %s: RLSRule set without RLS permission", d.FullName())
	}

	seen := make(map[string]struct{}, len(d.Properties))
	for _, p := range d.Properties {
		if p.Name == "" {
			return fmt.Errorf("component %s: property name must not be empty", d.FullName())
		}
		if p.Name == "id" || p.Name == "_version" {
			return fmt.Errorf("component %s: %q is a reserved field name", d.FullName(), p.Name)
		}
		if IsReservedKeyword(p.Name) {
			return fmt.Errorf("component %s: property %q is a reserved keyword in a client SDK language", d.FullName(), p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("component %s: duplicate property %q", d.FullName(), p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Unique && !p.Index {
			p.Index = true
		}
		if (p.Type == TypeString || p.Type == TypeBytes) && p.Length <= 0 {
			return fmt.Errorf("component %s: property %q of type %s requires a positive Length", d.FullName(), p.Name, p.Type)
		}
	}
	return nil
}

// Seal canonicalizes property order, computes the canonical JSON
// representation and its MD5 digest, and returns the finished Definition.
// Called once by the registry at registration time; the result is
// immutable thereafter.
func Seal(d Definition) (*Definition, error) {
	d.Properties = sortProperties(d.Properties)
	for i := range d.Properties {
		if d.Properties[i].Unique {
			d.Properties[i].Index = true
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	canonical, digest := canonicalDigest(&d)
	d.CanonicalJSON = canonical
	d.Digest = digest
	return &d, nil
}
