// Package floodcheck implements the endpoint executor's anti-flood rate
// envelopes: independent per-connection limiters for client-originated and
// server-originated traffic.
package floodcheck

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Envelope is one (budget, window) rate-limit pair, e.g. "200 messages per
// 60 seconds".
type Envelope struct {
	Budget int
	Window time.Duration
}

// Config holds the envelopes applied to a connection's inbound (client) and
// outbound (server) traffic.
type Config struct {
	ClientLimits []Envelope
	ServerLimits []Envelope
}

// DefaultConfig mirrors the flood-checker defaults before elevate()
// multiplies budgets for authenticated callers.
func DefaultConfig() Config {
	return Config{
		ClientLimits: []Envelope{{Budget: 20, Window: time.Second}, {Budget: 600, Window: time.Minute}},
		ServerLimits: []Envelope{{Budget: 200, Window: time.Second}, {Budget: 6000, Window: time.Minute}},
	}
}

// Checker tracks one connection's flood envelopes as a bank of
// golang.org/x/time/rate limiters, one per configured envelope, grounded on
// the teacher's dual per-second/per-minute rate.Limiter pairing.
type Checker struct {
	mu      sync.Mutex
	client  []*rate.Limiter
	server  []*rate.Limiter
	cfg     Config
}

// New builds a Checker from Config.
func New(cfg Config) *Checker {
	c := &Checker{cfg: cfg}
	c.client = buildLimiters(cfg.ClientLimits)
	c.server = buildLimiters(cfg.ServerLimits)
	return c
}

func buildLimiters(envelopes []Envelope) []*rate.Limiter {
	limiters := make([]*rate.Limiter, len(envelopes))
	for i, e := range envelopes {
		perSecond := float64(e.Budget) / e.Window.Seconds()
		limiters[i] = rate.NewLimiter(rate.Limit(perSecond), e.Budget)
	}
	return limiters
}

// AllowClient records one inbound message and reports whether every client
// envelope still has budget. Once any envelope is exceeded the connection
// must be disconnected per spec.md §4.6.
func (c *Checker) AllowClient() bool {
	return allowAll(&c.mu, c.client)
}

// AllowServer records one outbound message against the server envelopes.
func (c *Checker) AllowServer() bool {
	return allowAll(&c.mu, c.server)
}

func allowAll(mu *sync.Mutex, limiters []*rate.Limiter) bool {
	mu.Lock()
	defer mu.Unlock()
	ok := true
	for _, l := range limiters {
		if !l.Allow() {
			ok = false
		}
	}
	return ok
}

// Elevate widens the client message-rate envelopes ×10 for an
// authenticated caller. The Checker does not hold the ×50
// subscription-count budget; endpoint.Executor.Elevate raises that through
// Context.SubscriptionBudgetMultiplier.
func (c *Checker) Elevate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = scaleLimiters(c.cfg.ClientLimits, 10)
}

func scaleLimiters(envelopes []Envelope, factor int) []*rate.Limiter {
	scaled := make([]Envelope, len(envelopes))
	for i, e := range envelopes {
		scaled[i] = Envelope{Budget: e.Budget * factor, Window: e.Window}
	}
	return buildLimiters(scaled)
}
