package agents

import "testing"

func TestSpawnOffsetAccessor(t *testing.T) {
	sess := &Session{spawnOffset: 42}
	if got := sess.SpawnOffset(); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}
