package futurecall

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"

	"github.com/hetu-io/hetu/internal/herrors"
)

// taggedValue is one argument's round-trippable textual form: an explicit
// type tag plus its raw JSON value, so decode doesn't have to guess
// int64-vs-float64 the way a bare JSON number would force it to.
type taggedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v"`
}

// EncodeArgs renders args as the args_repr column: a JSON array of tagged
// values. Supported element types: int64, float64, string, bool, nil.
func EncodeArgs(args []interface{}) (string, error) {
	tagged := make([]taggedValue, len(args))
	for i, a := range args {
		tv, err := tagValue(a)
		if err != nil {
			return "", fmt.Errorf("futurecall: argument %d: %w", i, err)
		}
		tagged[i] = tv
	}
	out, err := json.Marshal(tagged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func tagValue(v interface{}) (taggedValue, error) {
	switch x := v.(type) {
	case nil:
		return taggedValue{T: "null", V: json.RawMessage("null")}, nil
	case int64:
		raw, _ := json.Marshal(x)
		return taggedValue{T: "i64", V: raw}, nil
	case int:
		raw, _ := json.Marshal(int64(x))
		return taggedValue{T: "i64", V: raw}, nil
	case float64:
		raw, _ := json.Marshal(x)
		return taggedValue{T: "f64", V: raw}, nil
	case string:
		raw, _ := json.Marshal(x)
		return taggedValue{T: "str", V: raw}, nil
	case bool:
		raw, _ := json.Marshal(x)
		return taggedValue{T: "bool", V: raw}, nil
	default:
		return taggedValue{}, fmt.Errorf("unsupported argument type %T", v)
	}
}

// DecodeArgs parses repr back into its native argument slice using gjson
// for permissive array/field extraction (tolerating trailing/reordered
// JSON object keys within each tagged element), then validates the
// round trip by re-encoding the decoded result and comparing its
// generic JSON tree to repr's — the Go-native stand-in for the source's
// eval(repr(args)) == args check (spec.md §9 Design Notes).
func DecodeArgs(repr string) ([]interface{}, error) {
	parsed := gjson.Parse(repr)
	if !parsed.IsArray() {
		return nil, herrors.Validation("futurecall: args_repr is not a JSON array")
	}

	var out []interface{}
	var decodeErr error
	parsed.ForEach(func(_, item gjson.Result) bool {
		v, err := untagValue(item)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, v)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}

	reencoded, err := EncodeArgs(out)
	if err != nil {
		return nil, fmt.Errorf("futurecall: round-trip re-encode: %w", err)
	}
	if !sameJSONTree(repr, reencoded) {
		return nil, herrors.Validation("futurecall: args_repr failed round-trip validation")
	}
	return out, nil
}

func untagValue(item gjson.Result) (interface{}, error) {
	tag := item.Get("t").String()
	val := item.Get("v")
	switch tag {
	case "null":
		return nil, nil
	case "i64":
		return val.Int(), nil
	case "f64":
		return val.Float(), nil
	case "str":
		return val.String(), nil
	case "bool":
		return val.Bool(), nil
	default:
		return nil, herrors.Validation(fmt.Sprintf("futurecall: unknown arg tag %q", tag))
	}
}

func sameJSONTree(a, b string) bool {
	var va, vb interface{}
	if err := json.Unmarshal([]byte(a), &va); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(b), &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
