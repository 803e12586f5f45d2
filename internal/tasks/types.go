// internal/tasks/types.go
package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the closed enum of spec.md §3/§4.5.
type TaskStatus string

const (
	StatusPending        TaskStatus = "pending"
	StatusInProgress     TaskStatus = "in-progress"
	StatusAwaitingReview TaskStatus = "awaiting-review"
	StatusCompleted      TaskStatus = "completed"
	StatusFailed         TaskStatus = "failed"
	StatusCancelled      TaskStatus = "cancelled"
	StatusBlocked        TaskStatus = "blocked"
)

// TaskPriority is a closed enum rather than the teacher's raw 1-7 integer
// scale, matching spec.md §3's {urgent, high, normal, low}.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// priorityRank orders priorities for queue sort (lower rank claims first).
var priorityRank = map[TaskPriority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityNormal: 2,
	PriorityLow:    3,
}

// Rank returns the sort weight of p, defaulting unknown values to "normal".
func (p TaskPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// Task is a unit of work tracked by the durable task queue (C5). Unlike the
// teacher's review-workflow-shaped Task, it carries the dependency graph
// (DependsOn, UseOutputFrom) and retry bookkeeping spec.md §3/§4.5/§8
// require, since the Python original this system was distilled from has no
// durable task queue at all — this is a direct port of the spec.
type Task struct {
	ID            string            `json:"id"`
	Project       string            `json:"project"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Priority      TaskPriority      `json:"priority"`
	Status        TaskStatus        `json:"status"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	UseOutputFrom *string           `json:"use_output_from,omitempty"`
	AssignedTo    string            `json:"assigned_to,omitempty"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	Output        string            `json:"output,omitempty"`
	Error         string            `json:"error,omitempty"`
	ReviewerID    string            `json:"reviewer_id,omitempty"`
	ReviewedAt    *time.Time        `json:"reviewed_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// validTransitions defines allowed status transitions per spec.md §4.5/§8.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:        {StatusInProgress, StatusBlocked, StatusCancelled},
	StatusInProgress:     {StatusAwaitingReview, StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled},
	StatusAwaitingReview: {StatusPending, StatusInProgress, StatusCompleted, StatusCancelled},
	StatusBlocked:        {StatusPending, StatusCancelled},
	StatusFailed:         {StatusPending, StatusCancelled},
	StatusCompleted:      {},
	StatusCancelled:      {},
}

// NewTask creates a new pending task with an auto-generated short id,
// matching the uuid-truncation convention used elsewhere in this module.
func NewTask(project, title, description string, priority TaskPriority, maxRetries int) *Task {
	now := time.Now()
	return &Task{
		ID:          uuid.New().String()[:8],
		Project:     project,
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		MaxRetries:  maxRetries,
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks that the task has valid field values.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if t.Project == "" {
		return fmt.Errorf("project is required")
	}
	if _, ok := priorityRank[t.Priority]; !ok {
		return fmt.Errorf("unknown priority: %s", t.Priority)
	}
	return nil
}

// TransitionTo attempts to move the task to a new status, enforcing the
// state machine of spec.md §4.5.
func (t *Task) TransitionTo(newStatus TaskStatus) error {
	allowed, ok := validTransitions[t.Status]
	if !ok {
		return fmt.Errorf("unknown current status: %s", t.Status)
	}

	for _, s := range allowed {
		if s == newStatus {
			t.Status = newStatus
			t.UpdatedAt = time.Now()
			return nil
		}
	}

	return fmt.Errorf("invalid transition from %s to %s", t.Status, newStatus)
}

// IsTerminal returns true if the task is in a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// CanRetry reports whether a failed task still has retry budget left.
// RetryCount is only incremented by Store.Fail on a non-terminal failure
// (one that still has budget), so once RetryCount reaches MaxRetries the
// failure that produced it was already terminal — the comparison is
// strict so a task never shows retryable once its budget is spent.
func (t *Task) CanRetry() bool {
	return t.Status == StatusFailed && t.RetryCount < t.MaxRetries
}
