package agents

import (
	"strings"
	"testing"
	"time"

	"github.com/dawalama/agent-dev-tool/internal/config"
	"github.com/dawalama/agent-dev-tool/internal/events"
)

func testPolicy() config.AgentPolicy {
	return config.AgentPolicy{
		MaxConcurrent:       2,
		StuckTimeoutSeconds: 300,
		OutputCaptureCap:    1 << 16,
	}
}

func echoProvider(message string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:    "echo",
		Command: "/bin/sh",
		Args:    []string{"-c", "echo " + message},
	}
}

func TestSpawnCapturesOutputFromSpawnOffset(t *testing.T) {
	sup := NewSupervisor(t.TempDir(), testPolicy(), events.NewBus(nil), nil)

	session, err := sup.Spawn("agent-1", "demo", echoProvider("hello-world"), t.TempDir(), "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if session.Status != StatusRunning {
		t.Fatalf("expected running status, got %s", session.Status)
	}

	waitForStatus(t, sup, "agent-1", StatusStopped)

	out, err := sup.CaptureOutput("agent-1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !strings.Contains(out, "hello-world") {
		t.Fatalf("expected captured output to contain echoed text, got %q", out)
	}
}

func TestSpawnRejectsOverMaxConcurrent(t *testing.T) {
	policy := testPolicy()
	policy.MaxConcurrent = 1
	sup := NewSupervisor(t.TempDir(), policy, events.NewBus(nil), nil)

	if _, err := sup.Spawn("agent-1", "demo", config.ProviderConfig{Name: "sleep", Command: "/bin/sh", Args: []string{"-c", "sleep 2"}}, t.TempDir(), ""); err != nil {
		t.Fatalf("first spawn: %v", err)
	}

	if _, err := sup.Spawn("agent-2", "demo", echoProvider("x"), t.TempDir(), ""); err == nil {
		t.Fatal("expected second spawn to be rejected at max concurrency")
	}

	sup.Stop("agent-1", "test cleanup")
}

func TestSpawnRejectsSecondSessionForSameProject(t *testing.T) {
	sup := NewSupervisor(t.TempDir(), testPolicy(), events.NewBus(nil), nil)

	if _, err := sup.Spawn("agent-1", "demo", config.ProviderConfig{Name: "sleep", Command: "/bin/sh", Args: []string{"-c", "sleep 2"}}, t.TempDir(), ""); err != nil {
		t.Fatalf("first spawn: %v", err)
	}

	if _, err := sup.Spawn("agent-2", "demo", echoProvider("x"), t.TempDir(), ""); err == nil {
		t.Fatal("expected spawn for a project with a live session to be rejected")
	}

	if _, err := sup.Spawn("agent-3", "other-project", echoProvider("x"), t.TempDir(), ""); err != nil {
		t.Fatalf("expected a different project to spawn freely, got %v", err)
	}

	sup.Stop("agent-1", "test cleanup")
	waitForStatus(t, sup, "agent-3", StatusStopped)
}

func TestAssignReusesLiveSessionElseSpawns(t *testing.T) {
	sup := NewSupervisor(t.TempDir(), testPolicy(), events.NewBus(nil), nil)

	first, err := sup.Assign("demo", config.ProviderConfig{Name: "sleep", Command: "/bin/sh", Args: []string{"-c", "sleep 2"}}, t.TempDir(), "task one")
	if err != nil {
		t.Fatalf("assign (spawn path): %v", err)
	}

	again, err := sup.Assign("demo", echoProvider("x"), t.TempDir(), "task two")
	if err != nil {
		t.Fatalf("assign (reuse path): %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected assign to reuse the live session, got a different one: %s vs %s", again.ID, first.ID)
	}
	if again.CurrentTask != "task two" {
		t.Errorf("expected current task updated on reuse, got %q", again.CurrentTask)
	}

	sup.Stop(first.ID, "test cleanup")
}

func TestRetryRespawnsStoppedSession(t *testing.T) {
	sup := NewSupervisor(t.TempDir(), testPolicy(), events.NewBus(nil), nil)
	sup.Spawn("agent-1", "demo", echoProvider("done"), t.TempDir(), "task")
	waitForStatus(t, sup, "agent-1", StatusStopped)

	sess, err := sup.Retry("demo")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sess.ID == "agent-1" {
		t.Fatal("expected retry to spawn a new session id")
	}
	waitForStatus(t, sup, sess.ID, StatusStopped)
}

func TestStopOnAlreadyStoppedIsNoOp(t *testing.T) {
	sup := NewSupervisor(t.TempDir(), testPolicy(), events.NewBus(nil), nil)
	sup.Spawn("agent-1", "demo", echoProvider("done"), t.TempDir(), "")
	waitForStatus(t, sup, "agent-1", StatusStopped)

	if err := sup.Stop("agent-1", "again"); err != nil {
		t.Fatalf("expected no-op stop to succeed, got %v", err)
	}
}

func TestStopUnknownAgentErrors(t *testing.T) {
	sup := NewSupervisor(t.TempDir(), testPolicy(), events.NewBus(nil), nil)
	if err := sup.Stop("nonexistent", "test"); err == nil {
		t.Fatal("expected error stopping unknown agent")
	}
}

func TestStuckSessionsDetectsSilentAgent(t *testing.T) {
	policy := testPolicy()
	policy.StuckTimeoutSeconds = 0
	sup := NewSupervisor(t.TempDir(), policy, events.NewBus(nil), nil)

	sup.Spawn("agent-1", "demo", config.ProviderConfig{Name: "sleep", Command: "/bin/sh", Args: []string{"-c", "sleep 2"}}, t.TempDir(), "")
	time.Sleep(10 * time.Millisecond)

	stuck := sup.StuckSessions()
	if len(stuck) != 1 || stuck[0].ID != "agent-1" {
		t.Fatalf("expected agent-1 to be flagged stuck, got %+v", stuck)
	}
	sup.Stop("agent-1", "test cleanup")
}

func waitForStatus(t *testing.T, sup *Supervisor, agentID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, ok := sup.Get(agentID)
		if ok && sess.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach status %s", agentID, want)
}
