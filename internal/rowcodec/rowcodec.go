// Package rowcodec converts between a component's native Go struct
// representation and the dict/map form used for subscription payloads and
// raw storage. spec.md §9 names a build-time per-component generator as the
// idiomatic target and a runtime reflection table as an acceptable
// fallback for a kernel-scope deliverable; this package is that fallback.
package rowcodec

import (
	"fmt"
	"reflect"
)

// hetuTag is the struct tag key naming a field's Component property.
const hetuTag = "hetu"

// StructToDict converts a row struct into its field-name -> value map
// representation. Fields are matched by `hetu:"name"` tag, falling back to
// the Go field name. Unexported fields are skipped.
func StructToDict(row interface{}) (map[string]interface{}, error) {
	v := reflect.ValueOf(row)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, fmt.Errorf("rowcodec: nil pointer")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("rowcodec: expected struct, got %s", v.Kind())
	}

	t := v.Type()
	out := make(map[string]interface{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		name := fieldName(field)
		out[name] = v.Field(i).Interface()
	}
	return out, nil
}

// DictToStruct populates dst (a pointer to a row struct) from a field-name
// -> value map, the inverse of StructToDict. Extra map keys not present on
// the struct are ignored; missing keys leave the zero value in place.
func DictToStruct(dict map[string]interface{}, dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("rowcodec: dst must be a non-nil pointer")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("rowcodec: dst must point to a struct, got %s", v.Kind())
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name := fieldName(field)
		raw, ok := dict[name]
		if !ok {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return fmt.Errorf("rowcodec: field %q: %w", name, err)
		}
	}
	return nil
}

func fieldName(field reflect.StructField) string {
	if tag, ok := field.Tag.Lookup(hetuTag); ok && tag != "" {
		return tag
	}
	return field.Name
}

func setField(dst reflect.Value, raw interface{}) error {
	if raw == nil {
		return nil
	}
	if !dst.CanSet() {
		return fmt.Errorf("field is not settable")
	}

	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(dst.Type()) {
		dst.Set(rv)
		return nil
	}
	if rv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(rv.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %s to %s", rv.Type(), dst.Type())
}
