// Package endpoint implements the Endpoint Executor: per-connection
// Context lifecycle, RPC dispatch against registered endpoints, flood
// control and the elevate() login-promotion protocol, per spec.md §4.6.
package endpoint

import (
	"fmt"

	"github.com/hetu-io/hetu/internal/component"
)

// Response is what an endpoint Handler returns to produce a reply frame;
// any other return value from Dispatch's perspective is swallowed into an
// "ok" sentinel, per spec.md §4.6 step 5.
type Response struct {
	Payload interface{}
}

// Ok wraps payload as a reply frame.
func Ok(payload interface{}) *Response {
	return &Response{Payload: payload}
}

// Handler is one endpoint's body: it may read/mutate state through ctx,
// invoke one or more systems, and optionally produce a reply payload.
type Handler func(ctx *Context, args []interface{}) (*Response, error)

// Definition is one registered endpoint: spec.md §4.6's (namespace, name)
// identity, argument-count bounds, permission gate and handler body.
type Definition struct {
	Namespace string
	Name      string

	ArgCount    int
	DefaultArgs int

	Permission component.Permission
	Handler    Handler
}

// FullName is the (namespace, name) identity used as the registry key.
func (d *Definition) FullName() string {
	return d.Namespace + "." + d.Name
}

func (d *Definition) acceptsArgCount(n int) bool {
	min := d.ArgCount - d.DefaultArgs
	if min < 0 {
		min = 0
	}
	return n >= min && n <= d.ArgCount
}

func (d *Definition) validate() error {
	if d.Namespace == "" || d.Name == "" {
		return fmt.Errorf("endpoint: namespace and name are required")
	}
	if d.Handler == nil {
		return fmt.Errorf("endpoint %s: no handler function", d.FullName())
	}
	if d.DefaultArgs < 0 || d.DefaultArgs > d.ArgCount {
		return fmt.Errorf("endpoint %s: invalid default arg count", d.FullName())
	}
	if d.Permission == component.PermOwner || d.Permission == component.PermRLS {
		return fmt.Errorf("endpoint %s: OWNER/RLS are row-level permissions, not valid at endpoint level", d.FullName())
	}
	return nil
}
