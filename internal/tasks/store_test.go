package tasks

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(openTestDB(t))
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestSaveThenGetByIDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	task := NewTask("demo", "Write docs", "details", PriorityHigh, 2)
	if err := s.Save(task); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetByID(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != task.Title || got.Priority != task.Priority {
		t.Errorf("unexpected task: %+v", got)
	}
}

func TestClaimNextRespectsPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	low := NewTask("demo", "Low", "", PriorityLow, 0)
	urgent := NewTask("demo", "Urgent", "", PriorityUrgent, 0)
	s.Save(low)
	s.Save(urgent)

	claimed, err := s.ClaimNext("agent-1", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != urgent.ID {
		t.Fatalf("expected urgent task to be claimed first, got %+v", claimed)
	}
	if claimed.Status != StatusInProgress || claimed.AssignedTo != "agent-1" {
		t.Errorf("unexpected claimed task state: %+v", claimed)
	}
}

func TestClaimNextSkipsUnsatisfiedDependencies(t *testing.T) {
	s := newTestStore(t)
	blocker := NewTask("demo", "Blocker", "", PriorityNormal, 0)
	s.Save(blocker)

	dependent := NewTask("demo", "Dependent", "", PriorityUrgent, 0)
	dependent.DependsOn = []string{blocker.ID}
	s.Save(dependent)

	claimed, err := s.ClaimNext("agent-1", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != blocker.ID {
		t.Fatalf("expected blocker to be claimed since dependent is not ready, got %+v", claimed)
	}

	second, err := s.ClaimNext("agent-2", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no claimable task while blocker is still in-progress, got %+v", second)
	}
}

func TestClaimNextReturnsNilWhenQueueEmpty(t *testing.T) {
	s := newTestStore(t)
	claimed, err := s.ClaimNext("agent-1", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nil on empty queue, got %+v", claimed)
	}
}

func TestClaimNextExcludesBusyProjects(t *testing.T) {
	s := newTestStore(t)
	s.Save(NewTask("demo", "First", "", PriorityNormal, 0))

	claimed, err := s.ClaimNext("agent-1", map[string]bool{"demo": true})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no claim for an excluded project, got %+v", claimed)
	}
}

func TestCompleteSubstitutesOutputIntoDependents(t *testing.T) {
	s := newTestStore(t)
	producer := NewTask("demo", "Producer", "", PriorityNormal, 0)
	s.Save(producer)

	consumer := NewTask("demo", "Consumer", "use this: {{output}}", PriorityNormal, 0)
	consumer.UseOutputFrom = &producer.ID
	s.Save(consumer)

	if err := s.Complete(producer.ID, "produced-value"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.GetByID(consumer.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "use this: produced-value" {
		t.Errorf("expected substitution, got %q", got.Description)
	}
}

func TestFailRequeuesUnderRetryBudget(t *testing.T) {
	s := newTestStore(t)
	task := NewTask("demo", "Flaky", "", PriorityNormal, 2)
	s.Save(task)
	claimed, _ := s.ClaimNext("agent-1", nil)

	if err := s.Fail(claimed.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := s.GetByID(claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending after a failure under budget, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", got.RetryCount)
	}
	if got.AssignedTo != "" || got.StartedAt != nil {
		t.Errorf("expected assignment cleared on requeue, got %+v", got)
	}
}

func TestFailBecomesTerminalOnceBudgetExhausted(t *testing.T) {
	s := newTestStore(t)
	task := NewTask("demo", "NoRetries", "", PriorityNormal, 0)
	s.Save(task)
	claimed, _ := s.ClaimNext("agent-1", nil)

	if err := s.Fail(claimed.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := s.GetByID(claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected terminal failed status, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("expected retry_count unchanged at 0, got %d", got.RetryCount)
	}
}

func TestRetryBoundMatchesThreeFailureScenario(t *testing.T) {
	s := newTestStore(t)
	task := NewTask("demo", "Flaky", "", PriorityNormal, 2)
	s.Save(task)

	for i := 0; i < 2; i++ {
		claimed, err := s.ClaimNext("agent-1", nil)
		if err != nil || claimed == nil {
			t.Fatalf("claim %d: %v %+v", i, err, claimed)
		}
		if err := s.Fail(claimed.ID, "exit 1"); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
	}
	claimed, err := s.ClaimNext("agent-1", nil)
	if err != nil || claimed == nil {
		t.Fatalf("final claim: %v %+v", err, claimed)
	}
	if err := s.Fail(claimed.ID, "exit 1"); err != nil {
		t.Fatalf("final fail: %v", err)
	}

	got, err := s.GetByID(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected terminal failed after exhausting budget, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected retry_count to end at max_retries (2), got %d", got.RetryCount)
	}
}

func TestRetryRequeuesTerminalFailedTask(t *testing.T) {
	s := newTestStore(t)
	task := NewTask("demo", "NoRetries", "", PriorityNormal, 0)
	s.Save(task)
	claimed, _ := s.ClaimNext("agent-1", nil)
	s.Fail(claimed.ID, "boom")

	if err := s.Retry(claimed.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, err := s.GetByID(claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending after manual retry, got %s", got.Status)
	}
	if got.AssignedTo != "" || got.StartedAt != nil {
		t.Errorf("expected assignment cleared on manual retry, got %+v", got)
	}
}

func TestRetryRejectsNonTerminalTask(t *testing.T) {
	s := newTestStore(t)
	task := NewTask("demo", "Busy", "", PriorityNormal, 2)
	s.Save(task)
	claimed, _ := s.ClaimNext("agent-1", nil)

	if err := s.Retry(claimed.ID); err == nil {
		t.Fatal("expected retry to be rejected while the task is in-progress, not failed")
	}
}

func TestGetAllFiltersByProject(t *testing.T) {
	s := newTestStore(t)
	s.Save(NewTask("proj-a", "A", "", PriorityNormal, 0))
	s.Save(NewTask("proj-b", "B", "", PriorityNormal, 0))

	got, err := s.GetAll("proj-a")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(got) != 1 || got[0].Project != "proj-a" {
		t.Fatalf("expected one proj-a task, got %+v", got)
	}
}

func TestDeleteRemovesTaskAndDependencies(t *testing.T) {
	s := newTestStore(t)
	task := NewTask("demo", "ToDelete", "", PriorityNormal, 0)
	s.Save(task)

	if err := s.Delete(task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.GetByID(task.ID)
	if err != sql.ErrNoRows {
		t.Fatalf("expected no rows after delete, got task=%+v err=%v", got, err)
	}
}
