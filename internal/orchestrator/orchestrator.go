// Package orchestrator implements the Orchestrator Loop (C10): the tick
// that checks agent health, detects stuck sessions, and assigns queued
// tasks to new agent sessions.
//
// Grounded on Python server/orchestrator.py: tick order is health check,
// then stuck detection, then assignment; an `_agent_tasks` map correlates
// a running agent back to the task it was spawned for; and rather than
// holding a reference back into the agent manager, the orchestrator
// subscribes to the agent manager's "task_complete"-equivalent event. No
// teacher Go file was a direct analog — the closest, internal/captain/
// supervisor.go, is tied to the dashboard escalation domain and was not
// reused here (see DESIGN.md); this loop's skeleton (ticker + tick()
// dispatch) follows the same style as the teacher's hub/cleanup goroutines.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dawalama/agent-dev-tool/internal/agents"
	"github.com/dawalama/agent-dev-tool/internal/config"
	"github.com/dawalama/agent-dev-tool/internal/events"
	"github.com/dawalama/agent-dev-tool/internal/projects"
	"github.com/dawalama/agent-dev-tool/internal/tasks"
)

// Orchestrator drives the queue-to-agent assignment loop.
type Orchestrator struct {
	mu         sync.Mutex
	store      *tasks.Store
	supervisor *agents.Supervisor
	bus        *events.Bus
	projects   *projects.Registry
	policy     config.AgentPolicy
	log        *log.Logger

	agentTasks map[string]string // agent session id -> task id

	running bool
	cancel  context.CancelFunc
}

// New constructs an Orchestrator and subscribes it to the agent
// supervisor's lifecycle events. Call Start to begin ticking.
func New(store *tasks.Store, supervisor *agents.Supervisor, bus *events.Bus, registry *projects.Registry, policy config.AgentPolicy, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		store:      store,
		supervisor: supervisor,
		bus:        bus,
		projects:   registry,
		policy:     policy,
		log:        logger,
		agentTasks: make(map[string]string),
	}
	bus.Subscribe(events.EventAgentStopped, o.onAgentStopped)
	return o
}

// Start runs the tick loop until ctx is cancelled or Stop is called. A
// second call while already running is a no-op, so POST /orchestrator/start
// is safe to call on an orchestrator that is already ticking.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	interval := o.policy.PollInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer func() {
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
		}()
		for {
			select {
			case <-childCtx.Done():
				return
			case <-ticker.C:
				o.tick()
			}
		}
	}()
}

// Stop halts the tick loop, if running — POST /orchestrator/stop. Pending
// task assignment only resumes once Start is called again.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether the tick loop is currently active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// tick runs one health-check → stuck-detection → assignment cycle.
func (o *Orchestrator) tick() {
	o.detectStuck()
	o.assignTasks()
}

// detectStuck stops any agent session that has produced no output within
// the configured stuck timeout and reports it as an escalation, matching
// Python orchestrator.py's health-check phase.
func (o *Orchestrator) detectStuck() {
	for _, sess := range o.supervisor.StuckSessions() {
		o.log.Printf("[ORCHESTRATOR] agent %s stuck, stopping", sess.ID)
		o.supervisor.Stop(sess.ID, "stuck: no output within timeout")
		o.bus.Emit(events.EventEscalation, sess.Project, map[string]interface{}{
			"agent_id": sess.ID,
			"reason":   "stuck",
		})
	}
}

// assignTasks claims pending tasks and spawns an agent session for each,
// up to the configured concurrency limit.
func (o *Orchestrator) assignTasks() {
	busy := o.supervisor.BusyProjects()
	for {
		if o.policy.MaxConcurrent > 0 && o.runningCount() >= o.policy.MaxConcurrent {
			return
		}

		agentID := uuid.New().String()[:8]
		task, err := o.store.ClaimNext(agentID, busy)
		if err != nil {
			o.log.Printf("[ORCHESTRATOR] claim_next error: %v", err)
			return
		}
		if task == nil {
			return
		}

		// Exclude the project immediately, before spawn even runs, so a
		// second pending task for the same project can never be claimed
		// within this tick (spec.md §4.10 step 3).
		busy[task.Project] = true

		provider, ok := o.providerFor(task)
		if !ok {
			o.log.Printf("[ORCHESTRATOR] no provider configured, failing task %s", task.ID)
			o.store.Fail(task.ID, "no agent provider configured")
			continue
		}

		proj, ok := o.projects.Get(task.Project)
		workDir := task.Project
		if ok {
			workDir = proj.Path
		}

		o.mu.Lock()
		o.agentTasks[agentID] = task.ID
		o.mu.Unlock()

		if _, err := o.supervisor.Spawn(agentID, task.Project, provider, workDir, task.Description); err != nil {
			o.log.Printf("[ORCHESTRATOR] spawn failed for task %s: %v", task.ID, err)
			o.mu.Lock()
			delete(o.agentTasks, agentID)
			o.mu.Unlock()
			o.store.Fail(task.ID, fmt.Sprintf("spawn failed: %v", err))
			continue
		}

		o.bus.Emit(events.EventTaskAssigned, task.Project, map[string]interface{}{
			"task_id":  task.ID,
			"agent_id": agentID,
		})
	}
}

// RunTask immediately claims and spawns a specific pending task, bypassing
// the normal priority-ordered queue scan — the manual trigger behind
// POST /tasks/{id}/run.
func (o *Orchestrator) RunTask(taskID string) error {
	agentID := uuid.New().String()[:8]
	task, err := o.store.ClaimSpecific(taskID, agentID)
	if err != nil {
		return err
	}

	provider, ok := o.providerFor(task)
	if !ok {
		o.store.Fail(task.ID, "no agent provider configured")
		return fmt.Errorf("no agent provider configured")
	}

	proj, ok := o.projects.Get(task.Project)
	workDir := task.Project
	if ok {
		workDir = proj.Path
	}

	o.mu.Lock()
	o.agentTasks[agentID] = task.ID
	o.mu.Unlock()

	if _, err := o.supervisor.Spawn(agentID, task.Project, provider, workDir, task.Description); err != nil {
		o.mu.Lock()
		delete(o.agentTasks, agentID)
		o.mu.Unlock()
		o.store.Fail(task.ID, fmt.Sprintf("spawn failed: %v", err))
		return err
	}

	o.bus.Emit(events.EventTaskAssigned, task.Project, map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": agentID,
	})
	return nil
}

func (o *Orchestrator) runningCount() int {
	n := 0
	for _, sess := range o.supervisor.List() {
		if sess.Status == agents.StatusRunning || sess.Status == agents.StatusStarting {
			n++
		}
	}
	return n
}

func (o *Orchestrator) providerFor(task *tasks.Task) (config.ProviderConfig, bool) {
	name := task.Metadata["provider"]
	if name == "" {
		name = o.policy.DefaultProvider
	}
	for _, p := range o.policy.Providers {
		if p.Name == name {
			return p, true
		}
	}
	if len(o.policy.Providers) > 0 {
		return o.policy.Providers[0], true
	}
	return config.ProviderConfig{}, false
}

// onAgentStopped resolves the agent session back to its task and records
// completion or failure, mirroring Python orchestrator.py's subscription
// to the agent manager's task-complete event instead of holding a
// reference back into it.
func (o *Orchestrator) onAgentStopped(e events.Event) {
	agentID, _ := e.Payload["agent_id"].(string)
	if agentID == "" {
		return
	}

	o.mu.Lock()
	taskID, ok := o.agentTasks[agentID]
	if ok {
		delete(o.agentTasks, agentID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	session, ok := o.supervisor.Get(agentID)
	if !ok {
		return
	}

	output, _ := o.supervisor.CaptureOutput(agentID)

	if session.Status == agents.StatusFailed {
		// Fail alone decides requeue-vs-terminal atomically, so no caller
		// ever observes a committed "failed" row for a task about to be
		// retried (spec.md §4.5's retry bound, scenario S3).
		if err := o.store.Fail(taskID, session.ExitError); err != nil {
			o.log.Printf("[ORCHESTRATOR] failed to record task failure: %v", err)
			return
		}
		o.bus.Emit(events.EventTaskFailed, session.Project, map[string]interface{}{"task_id": taskID, "agent_id": agentID})
		return
	}

	if err := o.store.Complete(taskID, output); err != nil {
		o.log.Printf("[ORCHESTRATOR] failed to record task completion: %v", err)
		return
	}
	o.bus.Emit(events.EventTaskCompleted, session.Project, map[string]interface{}{"task_id": taskID, "agent_id": agentID})
}
