// Package snowflake implements the 64-bit Snowflake id generator: sign
// bit | 41-bit ms timestamp since a custom epoch | 10-bit worker id |
// 12-bit sequence, leased through the backend's worker_keeper facet, per
// spec.md §4.8. Hand-rolled on stdlib only: the bit-packing algorithm is
// the spec's own and no ecosystem Snowflake implementation appears
// anywhere in the retrieval pack to ground an import on instead.
package snowflake

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hetu-io/hetu/internal/backend"
)

const (
	// Epoch is the custom epoch (ms since Unix epoch) the 41-bit
	// timestamp field counts from.
	Epoch int64 = 1700000000000

	timestampBits = 41
	workerBits    = 10
	sequenceBits  = 12

	maxSequence = (1 << sequenceBits) - 1
	workerShift = sequenceBits
	timeShift   = sequenceBits + workerBits

	// KeepAliveInterval is how often the generator persists its
	// last-seen clock to worker_keeper, per spec.md §4.8's "every 5s"
	// note.
	KeepAliveInterval = 5 * time.Second
)

// Generator produces monotonic 64-bit ids for one leased worker id.
type Generator struct {
	mu            sync.Mutex
	lease         backend.WorkerLease
	lastTimestamp int64
	sequence      int64

	// leaseLost is set once KeepAlive observes a failed lease renewal.
	// Another process may reacquire this worker id at any point after
	// that, so NextID refuses rather than risk minting a duplicate id.
	leaseLost atomic.Bool

	client backend.Client
	nowMs  func() int64
}

// New acquires a worker lease, initializes last_timestamp to
// max(now, persisted_last_timestamp) to defeat short NTP-backwards jumps
// across restarts, and returns a ready Generator.
func New(ctx context.Context, client backend.Client, processOrdinal int) (*Generator, error) {
	lease, err := client.AcquireWorker(ctx, processOrdinal)
	if err != nil {
		return nil, err
	}

	persisted, err := client.LastSeenClock(ctx, lease.WorkerID())
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	start := now
	if persisted > start {
		start = persisted
	}

	return &Generator{
		lease:         lease,
		lastTimestamp: start,
		client:        client,
		nowMs:         func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// WorkerID returns the leased worker id.
func (g *Generator) WorkerID() int {
	return g.lease.WorkerID()
}

// NextID packs and returns the next id, per spec.md §4.8 steps 1-6:
// clock-regression is pinned to last_timestamp rather than rejected,
// same-millisecond calls increment the sequence (sleeping 1ms past a
// 4095 overflow), and any other millisecond resets it to 0.
func (g *Generator) NextID() int64 {
	if g.leaseLost.Load() {
		panic("snowflake: worker lease lost, refusing to mint further ids")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowMs()
	if now < g.lastTimestamp {
		now = g.lastTimestamp
	}

	if now == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			now = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = now

	return ((now - Epoch) << timeShift) | (int64(g.lease.WorkerID()) << workerShift) | g.sequence
}

func (g *Generator) waitNextMillis(last int64) int64 {
	now := g.nowMs()
	for now <= last {
		time.Sleep(time.Millisecond)
		now = g.nowMs()
	}
	return now
}

// KeepAlive persists the generator's last-seen clock and renews its
// lease every KeepAliveInterval until ctx is cancelled or a renewal
// fails. A failed renewal means another process may reacquire this
// worker id at any time, so KeepAlive marks the generator lease-lost
// and stops — per spec.md §7 WORKER-LEASE-LOST, the process must stop
// minting ids with this worker id rather than keep retrying. Intended
// to run as one long-lived background goroutine per process; callers
// should treat its return (other than via ctx cancellation) as fatal
// and shut the process down.
func (g *Generator) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			last := g.lastTimestamp
			g.mu.Unlock()

			if err := g.lease.Renew(ctx); err != nil {
				g.leaseLost.Store(true)
				return
			}
			_ = g.client.UpdateLastSeenClock(ctx, g.lease.WorkerID(), last)
		}
	}
}

// LeaseLost reports whether KeepAlive has observed a failed lease
// renewal. Callers driving the keep-alive goroutine use this to decide
// whether its return means graceful shutdown (ctx cancelled) or a lost
// lease that should tear the process down.
func (g *Generator) LeaseLost() bool {
	return g.leaseLost.Load()
}

// Release gives up the worker lease. Call on graceful shutdown.
func (g *Generator) Release(ctx context.Context) error {
	return g.lease.Release(ctx)
}
