// internal/tasks/store.go
package tasks

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// outputCap bounds how much captured output a single task retains, mirroring
// the agent supervisor's capture cap (C6) so a runaway task cannot bloat the
// database.
const outputCap = 1 << 20

// Store persists tasks to SQLite, keeping the teacher's upsert/scan shape
// from internal/tasks/store.go and adding the dependency graph and atomic
// claim spec.md §4.5/§5/§8 require.
type Store struct {
	db *sql.DB
}

// NewStore creates a new task store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the tasks, task_dependencies and task_history tables.
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			priority TEXT NOT NULL DEFAULT 'normal',
			status TEXT NOT NULL DEFAULT 'pending',
			use_output_from TEXT,
			assigned_to TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT,
			reviewer_id TEXT,
			reviewed_at TIMESTAMP,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL,
			depends_on_id TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on_id)
		)
	`); err != nil {
		return err
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT NOT NULL,
			from_status TEXT,
			to_status TEXT NOT NULL,
			changed_by TEXT,
			reason TEXT,
			changed_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		return err
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority, created_at)`)
	return err
}

// Save creates or updates a task and its dependency rows.
func (s *Store) Save(task *Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveTask(tx, task); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return err
	}
	for _, dep := range task.DependsOn {
		if _, err := tx.Exec(`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, task.ID, dep); err != nil {
			return err
		}
	}

	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func saveTask(tx execer, task *Task) error {
	metadata, _ := json.Marshal(task.Metadata)

	_, err := tx.Exec(`
		INSERT INTO tasks (id, project, title, description, priority, status, use_output_from, assigned_to, retry_count, max_retries, output, error, reviewer_id, reviewed_at, metadata, created_at, updated_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			priority=excluded.priority,
			status=excluded.status,
			use_output_from=excluded.use_output_from,
			assigned_to=excluded.assigned_to,
			retry_count=excluded.retry_count,
			max_retries=excluded.max_retries,
			output=excluded.output,
			error=excluded.error,
			reviewer_id=excluded.reviewer_id,
			reviewed_at=excluded.reviewed_at,
			metadata=excluded.metadata,
			updated_at=excluded.updated_at,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at
	`,
		task.ID, task.Project, task.Title, task.Description, task.Priority,
		task.Status, task.UseOutputFrom, task.AssignedTo, task.RetryCount,
		task.MaxRetries, truncateOutput(task.Output), task.Error,
		task.ReviewerID, task.ReviewedAt, string(metadata),
		task.CreatedAt, task.UpdatedAt, task.StartedAt, task.CompletedAt,
	)
	return err
}

func truncateOutput(output string) string {
	if len(output) <= outputCap {
		return output
	}
	return output[:outputCap] + "\n...[truncated]"
}

const selectColumns = `id, project, title, description, priority, status, use_output_from, assigned_to, retry_count, max_retries, output, error, reviewer_id, reviewed_at, metadata, created_at, updated_at, started_at, completed_at`

// GetByID retrieves a task by ID, including its dependency list.
func (s *Store) GetByID(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	deps, err := s.dependenciesOf(id)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps
	return task, nil
}

// GetByStatus retrieves all tasks with a given status, ordered by priority
// then FIFO creation time (the tie-break rule of spec.md §4.5).
func (s *Store) GetByStatus(status TaskStatus) ([]*Task, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM tasks WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAndAttachDeps(rows)
}

// GetAll retrieves all tasks for a project, or every task if project is "".
func (s *Store) GetAll(project string) ([]*Task, error) {
	var rows *sql.Rows
	var err error
	if project == "" {
		rows, err = s.db.Query(`SELECT ` + selectColumns + ` FROM tasks ORDER BY created_at`)
	} else {
		rows, err = s.db.Query(`SELECT `+selectColumns+` FROM tasks WHERE project = ? ORDER BY created_at`, project)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAndAttachDeps(rows)
}

// Delete removes a task and its dependency rows.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_id = ?`, id, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) dependenciesOf(taskID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// ClaimNext atomically claims the highest-priority, oldest, unblocked
// pending task for assignment. Unlike the teacher's Save-then-check pattern
// this is a single transaction: candidate selection and status update
// happen without releasing the row, so two orchestrator ticks racing for
// the same task cannot both win it (spec.md §5/§8's queue-claim atomicity
// invariant). A row whose dependencies are not all completed is skipped.
// excludeProjects, when non-nil, skips every candidate whose project maps
// to true — the orchestrator's per-tick "project is not busy" gate
// (spec.md §4.10 step 3), so a project already running a session can never
// be claimed into again before its current task finishes.
func (s *Store) ClaimNext(agentID string, excludeProjects map[string]bool) (*Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, project FROM tasks
		WHERE status = ?
		ORDER BY
			CASE priority
				WHEN 'urgent' THEN 0
				WHEN 'high' THEN 1
				WHEN 'normal' THEN 2
				WHEN 'low' THEN 3
				ELSE 2
			END,
			created_at
	`, StatusPending)
	if err != nil {
		return nil, err
	}

	type candidate struct{ id, project string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.project); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()

	for _, c := range candidates {
		if excludeProjects[c.project] {
			continue
		}

		ready, err := dependenciesSatisfied(tx, c.id)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		now := time.Now()
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, assigned_to = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, StatusInProgress, agentID, now, now, c.id, StatusPending)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}

		row := tx.QueryRow(`SELECT `+selectColumns+` FROM tasks WHERE id = ?`, c.id)
		task, err := scanTask(row)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return task, nil
	}

	return nil, nil
}

// ClaimSpecific claims one named task out of normal queue order, still
// enforcing the pending precondition and dependency gate — the manual
// counterpart to ClaimNext behind POST /tasks/{id}/run.
func (s *Store) ClaimSpecific(taskID, agentID string) (*Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ready, err := dependenciesSatisfied(tx, taskID)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("task %s has unsatisfied dependencies", taskID)
	}

	now := time.Now()
	res, err := tx.Exec(`
		UPDATE tasks SET status = ?, assigned_to = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusInProgress, agentID, now, now, taskID, StatusPending)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("task %s is not pending", taskID)
	}

	row := tx.QueryRow(`SELECT `+selectColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

func dependenciesSatisfied(tx *sql.Tx, taskID string) (bool, error) {
	rows, err := tx.Query(`SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return false, err
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, dep := range deps {
		var status TaskStatus
		err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Complete marks a task completed, recording its output, and resolves any
// {{output}} placeholders in tasks that declared use_output_from this one.
// The substitution and the status write happen in one transaction so a
// dependent task can never observe a half-substituted description.
func (s *Store) Complete(taskID, output string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	output = truncateOutput(output)
	if _, err := tx.Exec(`
		UPDATE tasks SET status = ?, output = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, StatusCompleted, output, now, now, taskID); err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT id, description FROM tasks WHERE use_output_from = ?`, taskID)
	if err != nil {
		return err
	}
	type dependent struct{ id, description string }
	var dependents []dependent
	for rows.Next() {
		var d dependent
		if err := rows.Scan(&d.id, &d.description); err != nil {
			rows.Close()
			return err
		}
		dependents = append(dependents, d)
	}
	rows.Close()

	for _, d := range dependents {
		substituted := strings.ReplaceAll(d.description, "{{output}}", output)
		if _, err := tx.Exec(`UPDATE tasks SET description = ?, updated_at = ? WHERE id = ?`, substituted, now, d.id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Fail marks a task failed and atomically decides whether it is retryable:
// if retry_count is still under max_retries, it increments retry_count and
// requeues straight to pending (clearing assigned_to and started_at) in the
// same transaction, so no reader ever observes a committed "failed" row for
// a task that is about to be retried (spec.md §4.5's retry bound, scenario
// S3's status sequence). Once retry_count reaches max_retries the failure
// is terminal and retry_count is left unchanged, so it never exceeds the
// budget (testable property #4).
func (s *Store) Fail(taskID, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var retryCount, maxRetries int
	if err := tx.QueryRow(`SELECT retry_count, max_retries FROM tasks WHERE id = ?`, taskID).Scan(&retryCount, &maxRetries); err != nil {
		return err
	}

	now := time.Now()
	if retryCount < maxRetries {
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, error = ?, retry_count = retry_count + 1,
				assigned_to = '', started_at = NULL, updated_at = ?
			WHERE id = ?
		`, StatusPending, errMsg, now, taskID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, error = ?, updated_at = ?
			WHERE id = ?
		`, StatusFailed, errMsg, now, taskID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Retry manually requeues a terminally-failed task for one more attempt —
// the operator-triggered override behind POST /tasks/{id}/retry. It does
// not touch retry_count: Fail already ran the budget check when the task
// became terminal, so if the extra attempt fails again Fail will see the
// same exhausted retry_count and go straight back to terminal, keeping
// retry_count monotonic and bounded by max_retries.
func (s *Store) Retry(taskID string) error {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, assigned_to = '', started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusPending, now, taskID, StatusFailed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s is not retryable", taskID)
	}
	return nil
}

// Stats is the aggregate queue snapshot behind GET /tasks/stats.
type Stats struct {
	Total      int                  `json:"total"`
	ByStatus   map[TaskStatus]int   `json:"by_status"`
	ByPriority map[TaskPriority]int `json:"by_priority"`
}

// Stats computes queue-wide counts grouped by status and priority,
// spec.md §4.5's stats() operation.
func (s *Store) Stats() (Stats, error) {
	stats := Stats{ByStatus: make(map[TaskStatus]int), ByPriority: make(map[TaskPriority]int)}
	rows, err := s.db.Query(`SELECT status, priority, COUNT(*) FROM tasks GROUP BY status, priority`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var priority TaskPriority
		var n int
		if err := rows.Scan(&status, &priority, &n); err != nil {
			return stats, err
		}
		stats.ByStatus[status] += n
		stats.ByPriority[priority] += n
		stats.Total += n
	}
	return stats, rows.Err()
}

// Review resolves a task out of awaiting-review: approved moves it back to
// pending (optionally substituting an edited description) so ClaimNext can
// pick it up; rejected moves it to cancelled. Spec.md §4.5's
// review(id, approved, reviewer, edited_description?) operation.
func (s *Store) Review(taskID string, approved bool, reviewerID, editedDescription string) error {
	now := time.Now()
	newStatus := StatusCancelled
	if approved {
		newStatus = StatusPending
	}

	query := `UPDATE tasks SET status = ?, reviewer_id = ?, reviewed_at = ?, updated_at = ?`
	args := []interface{}{newStatus, reviewerID, now, now}
	if approved && editedDescription != "" {
		query += `, description = ?`
		args = append(args, editedDescription)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, taskID, StatusAwaitingReview)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s is not awaiting review", taskID)
	}
	return nil
}

// PendingReview returns tasks currently awaiting review, oldest first.
func (s *Store) PendingReview() ([]*Task, error) {
	return s.GetByStatus(StatusAwaitingReview)
}

// RecordHistory saves a status transition.
func (s *Store) RecordHistory(taskID, fromStatus, toStatus, changedBy, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO task_history (task_id, from_status, to_status, changed_by, reason, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, fromStatus, toStatus, changedBy, reason, time.Now())
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var metadata sql.NullString
	var useOutputFrom, assignedTo, errMsg, reviewerID sql.NullString
	var output sql.NullString
	var startedAt, completedAt, reviewedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.Project, &task.Title, &task.Description, &task.Priority,
		&task.Status, &useOutputFrom, &assignedTo, &task.RetryCount, &task.MaxRetries,
		&output, &errMsg, &reviewerID, &reviewedAt, &metadata,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if useOutputFrom.Valid {
		v := useOutputFrom.String
		task.UseOutputFrom = &v
	}
	if assignedTo.Valid {
		task.AssignedTo = assignedTo.String
	}
	if output.Valid {
		task.Output = output.String
	}
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	if reviewerID.Valid {
		task.ReviewerID = reviewerID.String
	}
	if reviewedAt.Valid {
		task.ReviewedAt = &reviewedAt.Time
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			task.Metadata = make(map[string]string)
		}
	} else {
		task.Metadata = make(map[string]string)
	}

	return &task, nil
}

func (s *Store) scanAndAttachDeps(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		deps, err := s.dependenciesOf(t.ID)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps
	}
	return out, nil
}
