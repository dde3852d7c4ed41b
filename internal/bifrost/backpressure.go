package bifrost

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AgentBackpressure is an ambient, per-agent connection-level limiter,
// distinct from the ward engine's own policy-driven sliding window: it
// exists purely to keep one noisy agent connection from starving others,
// not to enforce any declared rule.
type AgentBackpressure struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rps      rate.Limit
	burst    int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewAgentBackpressure(rps float64, burst int) *AgentBackpressure {
	return &AgentBackpressure{
		limiters: make(map[string]*entry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether agentID may proceed right now.
func (b *AgentBackpressure) Allow(agentID string) bool {
	b.mu.Lock()
	e, ok := b.limiters[agentID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(b.rps, b.burst)}
		b.limiters[agentID] = e
	}
	e.lastSeen = time.Now()
	b.mu.Unlock()

	return e.limiter.Allow()
}

// GC drops limiter state for agents unseen for longer than maxAge, so a
// long-lived proxy doesn't accumulate one entry per agent forever.
func (b *AgentBackpressure) GC(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(b.limiters, id)
		}
	}
}
