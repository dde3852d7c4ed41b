package bifrost

import (
	"testing"
	"time"
)

func TestAgentBackpressure_AllowsWithinBurst(t *testing.T) {
	b := NewAgentBackpressure(1, 3)

	for i := 0; i < 3; i++ {
		if !b.Allow("agent-1") {
			t.Fatalf("expected call %d to be allowed within burst", i)
		}
	}
	if b.Allow("agent-1") {
		t.Fatal("expected the call past burst to be denied")
	}
}

func TestAgentBackpressure_TracksAgentsIndependently(t *testing.T) {
	b := NewAgentBackpressure(1, 1)

	if !b.Allow("agent-1") {
		t.Fatal("expected first call for agent-1 to be allowed")
	}
	if !b.Allow("agent-2") {
		t.Fatal("expected agent-2's limiter to be independent of agent-1's")
	}
}

func TestAgentBackpressure_GCEvictsStaleEntries(t *testing.T) {
	b := NewAgentBackpressure(1, 1)
	b.Allow("agent-1")

	b.mu.Lock()
	b.limiters["agent-1"].lastSeen = time.Now().Add(-time.Hour)
	b.mu.Unlock()

	b.GC(time.Minute)

	b.mu.Lock()
	_, exists := b.limiters["agent-1"]
	b.mu.Unlock()
	if exists {
		t.Fatal("expected stale entry to be evicted")
	}
}
