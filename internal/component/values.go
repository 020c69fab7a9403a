package component

import "bytes"

// ValuesEqual compares two field values for equality without panicking on
// uncomparable dynamic types. []byte (the Bytes primitive's Go
// representation) is never comparable with ==, so it is special-cased;
// everything else falls back to the ordinary comparison.
func ValuesEqual(a, b interface{}) bool {
	ab, aIsBytes := a.([]byte)
	bb, bIsBytes := b.([]byte)
	if aIsBytes || bIsBytes {
		if !aIsBytes || !bIsBytes {
			return false
		}
		return bytes.Equal(ab, bb)
	}
	return a == b
}

// ComparableKey returns a value safe to use as a map key for field value
// v. []byte is not hashable, so it is rewritten to its string conversion;
// every other primitive value is already a valid map key and is returned
// unchanged.
func ComparableKey(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
