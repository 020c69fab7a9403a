package endpoint

import (
	"time"

	"github.com/hetu-io/hetu/internal/floodcheck"
)

// Context is the per-connection state the Executor owns across its whole
// lifetime: identity, the underlying Connection row id, and the flood
// checker spec.md §4.6 attaches one-per-connection.
type Context struct {
	ConnectionID int64
	Address      string
	Device       string
	DeviceID     string

	// Caller is 0 until elevate() succeeds.
	Caller     int64
	AdminGroup string

	Flood *floodcheck.Checker

	// SubscriptionBudgetMultiplier scales the broker's per-connection
	// subscription-count quota; widened ×50 by Elevate per spec.md §4.6
	// step 4. The broker itself is connection-agnostic, so enforcing this
	// quota is the caller's (endpoint handler's) responsibility.
	SubscriptionBudgetMultiplier int

	lastActiveWriteAt time.Time
}

func newContext(connID int64, address, device, deviceID string, flood *floodcheck.Checker) *Context {
	return &Context{
		ConnectionID:                 connID,
		Address:                      address,
		Device:                       device,
		DeviceID:                     deviceID,
		Flood:                        flood,
		SubscriptionBudgetMultiplier: 1,
	}
}
