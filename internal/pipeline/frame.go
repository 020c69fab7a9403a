package pipeline

import (
	"fmt"

	"github.com/hetu-io/hetu/internal/herrors"
)

// Tag identifies the leading element of a decoded frame array, per
// spec.md §6's external interface table.
type Tag string

const (
	TagRPC   Tag = "rpc"
	TagSub   Tag = "sub"
	TagUnsub Tag = "unsub"
	TagMotd  Tag = "motd"
	TagRsp   Tag = "rsp"
	TagUpdt  Tag = "updt"
)

// RPCFrame is a decoded `["rpc", endpoint, args...]` client frame.
type RPCFrame struct {
	Endpoint string
	Args     []interface{}
}

// SubFrame is a decoded `["sub", component, "get"|"range", args...]`
// client frame.
type SubFrame struct {
	Component string
	Op        string
	Args      []interface{}
}

// UnsubFrame is a decoded `["unsub", sub_id]` client frame.
type UnsubFrame struct {
	SubID string
}

// ClientFrame is the union of frame shapes a client may send. Exactly one
// of RPC/Sub/Unsub/Motd is non-nil.
type ClientFrame struct {
	RPC   *RPCFrame
	Sub   *SubFrame
	Unsub *UnsubFrame
	Motd  bool
}

// DecodeClientFrame parses a codec-decoded generic array into a
// ClientFrame, dispatching on its leading tag. Any shape violation is a
// VALIDATION error — client-facing false, so the caller disconnects per
// spec.md §7.
func DecodeClientFrame(raw []interface{}) (*ClientFrame, error) {
	if len(raw) == 0 {
		return nil, herrors.Validation("pipeline: empty frame")
	}
	tag, ok := raw[0].(string)
	if !ok {
		return nil, herrors.Validation("pipeline: frame tag must be a string")
	}

	switch Tag(tag) {
	case TagRPC:
		if len(raw) < 2 {
			return nil, herrors.Validation("pipeline: rpc frame missing endpoint")
		}
		endpoint, ok := raw[1].(string)
		if !ok {
			return nil, herrors.Validation("pipeline: rpc endpoint must be a string")
		}
		return &ClientFrame{RPC: &RPCFrame{Endpoint: endpoint, Args: raw[2:]}}, nil

	case TagSub:
		if len(raw) < 3 {
			return nil, herrors.Validation("pipeline: sub frame missing component/op")
		}
		component, ok := raw[1].(string)
		if !ok {
			return nil, herrors.Validation("pipeline: sub component must be a string")
		}
		op, ok := raw[2].(string)
		if !ok || (op != "get" && op != "range") {
			return nil, herrors.Validation(`pipeline: sub op must be "get" or "range"`)
		}
		return &ClientFrame{Sub: &SubFrame{Component: component, Op: op, Args: raw[3:]}}, nil

	case TagUnsub:
		if len(raw) != 2 {
			return nil, herrors.Validation("pipeline: unsub frame requires exactly one sub_id")
		}
		subID, ok := raw[1].(string)
		if !ok {
			return nil, herrors.Validation("pipeline: unsub sub_id must be a string")
		}
		return &ClientFrame{Unsub: &UnsubFrame{SubID: subID}}, nil

	case TagMotd:
		return &ClientFrame{Motd: true}, nil

	default:
		return nil, herrors.Validation(fmt.Sprintf("pipeline: unknown frame tag %q", tag))
	}
}

// RspFrame builds a `["rsp", value]` or `["rsp", "ok"]` reply.
func RspFrame(value interface{}) []interface{} {
	return []interface{}{string(TagRsp), value}
}

// ErrorRspFrame builds the `["rsp", {error, message}]` client-facing error
// reply an endpoint handler opted into via herrors.AsClientFacing.
func ErrorRspFrame(kind herrors.Kind, message string) []interface{} {
	return []interface{}{string(TagRsp), map[string]interface{}{"error": string(kind), "message": message}}
}

// SubReplyFrame builds the `["sub", sub_id, initial_data]` reply to a
// successful subscribe.
func SubReplyFrame(subID string, initial interface{}) []interface{} {
	return []interface{}{string(TagSub), subID, initial}
}

// UpdtFrame builds the `["updt", sub_id, {id_str: row_dict_or_null, ...}]`
// push frame. rows maps stringified row ids to their latest value (nil
// meaning deleted or fallen out of visibility).
func UpdtFrame(subID string, rows map[string]interface{}) []interface{} {
	return []interface{}{string(TagUpdt), subID, rows}
}

// MotdFrame builds the `["motd", text]` reply to a client's `["motd"]`
// frame — not a push frame in the table above, but shaped the same way
// for codec symmetry.
func MotdFrame(text string) []interface{} {
	return []interface{}{string(TagMotd), text}
}

// DecodeArray is a small helper most callers need: turn a just-decoded
// JSON value into the top-level array DecodeClientFrame expects.
func DecodeArray(v interface{}) ([]interface{}, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, herrors.Validation("pipeline: frame payload is not an array")
	}
	return arr, nil
}
