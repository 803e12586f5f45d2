package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dawalama/agent-dev-tool/internal/config"
	"github.com/dawalama/agent-dev-tool/internal/events"
	"github.com/dawalama/agent-dev-tool/internal/processes"
	"github.com/dawalama/agent-dev-tool/internal/security"
	"github.com/dawalama/agent-dev-tool/internal/streaming"
	"github.com/dawalama/agent-dev-tool/internal/tasks"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Tasks -----------------------------------------------------------

type createTaskRequest struct {
	Project        string            `json:"project"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Priority       string            `json:"priority"`
	MaxRetries     int               `json:"max_retries"`
	DependsOn      []string          `json:"depends_on"`
	UseOutputFrom  *string           `json:"use_output_from"`
	Metadata       map[string]string `json:"metadata"`
	RequiresReview bool              `json:"requires_review"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task := buildTask(req)
	if err := task.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.Tasks.Save(task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.core.Bus.Emit(events.EventTaskCreated, task.Project, map[string]interface{}{"task_id": task.ID})
	s.audit(r, security.ActionTaskCreate, task.ID, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, task)
}

// buildTask constructs (but does not save) a Task from a create request,
// shared between handleCreateTask and handleChainTasks.
func buildTask(req createTaskRequest) *tasks.Task {
	priority := tasks.TaskPriority(req.Priority)
	if priority == "" {
		priority = tasks.PriorityNormal
	}
	task := tasks.NewTask(req.Project, req.Title, req.Description, priority, req.MaxRetries)
	task.DependsOn = req.DependsOn
	task.UseOutputFrom = req.UseOutputFrom
	if req.Metadata != nil {
		task.Metadata = req.Metadata
	}
	if req.RequiresReview {
		// Set directly rather than via TransitionTo: awaiting-review is a
		// starting state here, not a transition out of pending.
		task.Status = tasks.StatusAwaitingReview
	}
	return task
}

// chainTaskRequest creates a sequence of tasks where each depends on the
// one before it — scenario S2's dependency-chain creation, behind
// POST /tasks/chain.
type chainTaskRequest struct {
	Tasks []createTaskRequest `json:"tasks"`
}

func (s *Server) handleChainTasks(w http.ResponseWriter, r *http.Request) {
	var req chainTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "tasks must be non-empty")
		return
	}

	built := make([]*tasks.Task, 0, len(req.Tasks))
	var prev *tasks.Task
	for _, tr := range req.Tasks {
		t := buildTask(tr)
		if prev != nil && len(t.DependsOn) == 0 {
			t.DependsOn = []string{prev.ID}
		}
		if err := t.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		built = append(built, t)
		prev = t
	}

	for _, t := range built {
		if err := s.core.Tasks.Save(t); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.core.Bus.Emit(events.EventTaskCreated, t.Project, map[string]interface{}{"task_id": t.ID})
	}
	s.audit(r, security.ActionTaskChain, built[0].ID, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, built)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.core.Tasks.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePendingReviewTasks(w http.ResponseWriter, r *http.Request) {
	pending, err := s.core.Tasks.PendingReview()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type reviewTaskRequest struct {
	Approved          bool   `json:"approved"`
	ReviewerID        string `json:"reviewer_id"`
	EditedDescription string `json:"edited_description"`
}

func (s *Server) handleReviewTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req reviewTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reviewer := req.ReviewerID
	if reviewer == "" {
		if tok, ok := tokenFromContext(r.Context()); ok {
			reviewer = tok.ID
		}
	}
	if err := s.core.Tasks.Review(id, req.Approved, reviewer, req.EditedDescription); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	task, err := s.core.Tasks.GetByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, security.ActionTaskReview, id, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.Orchestrator.RunTask(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.audit(r, security.ActionTaskRun, id, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.Tasks.Retry(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.audit(r, security.ActionTaskRetry, id, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleTaskOutput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.core.Tasks.GetByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": task.ID,
		"status":  string(task.Status),
		"output":  s.core.Scrubber.Scrub(task.Output),
		"error":   task.Error,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	statusFilter := r.URL.Query().Get("status")

	var result []*tasks.Task
	var err error
	if statusFilter != "" {
		result, err = s.core.Tasks.GetByStatus(tasks.TaskStatus(statusFilter))
	} else {
		result, err = s.core.Tasks.GetAll(project)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.core.Tasks.GetByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.core.Tasks.GetByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err := task.TransitionTo(tasks.StatusCancelled); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.core.Tasks.Save(task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, security.ActionTaskCancel, id, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, task)
}

// --- Agents -----------------------------------------------------------

type spawnAgentRequest struct {
	ID       string `json:"id"`
	Project  string `json:"project"`
	Provider string `json:"provider"`
	WorkDir  string `json:"work_dir"`
	Prompt   string `json:"prompt"`
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var provider config.ProviderConfig
	found := false
	for _, p := range s.core.Config.Agents.Providers {
		if p.Name == req.Provider {
			provider, found = p, true
			break
		}
	}
	if !found {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider: %s", req.Provider))
		return
	}
	id := req.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", req.Project, time.Now().UnixNano())
	}
	sess, err := s.core.Agents.Spawn(id, req.Project, provider, req.WorkDir, req.Prompt)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.audit(r, security.ActionAgentSpawn, sess.ID, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Agents.List())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.core.Agents.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.Agents.Stop(id, "stopped via api"); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit(r, security.ActionAgentStop, id, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.core.Agents.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	snap, err := streaming.ReadSnapshot(sess.LogPath, sess.SpawnOffset())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	scrubbed := s.core.Scrubber.Scrub(string(snap.Data))
	if snap.ShouldGzip {
		if compressed, err := streaming.Gzip([]byte(scrubbed)); err == nil {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Content-Type", "text/plain")
			w.Write(compressed)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(scrubbed))
}

type assignAgentRequest struct {
	Provider string `json:"provider"`
	WorkDir  string `json:"work_dir"`
	Task     string `json:"task"`
}

func (s *Server) handleAssignAgent(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	var req assignAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	provider, ok := s.resolveProvider(req.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider: %s", req.Provider))
		return
	}
	sess, err := s.core.Agents.Assign(project, provider, req.WorkDir, req.Task)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.audit(r, security.ActionAgentAssign, sess.ID, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRetryAgent(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	sess, err := s.core.Agents.Retry(project)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.audit(r, security.ActionAgentRetry, sess.ID, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) resolveProvider(name string) (config.ProviderConfig, bool) {
	if name == "" {
		name = s.core.Config.Agents.DefaultProvider
	}
	for _, p := range s.core.Config.Agents.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return config.ProviderConfig{}, false
}

// --- Processes -----------------------------------------------------------

type startProcessRequest struct {
	Project string   `json:"project"`
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	WorkDir string   `json:"work_dir"`
	Port    int      `json:"port"`
}

func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	var req startProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := mux.Vars(r)["id"]
	if id == "" {
		id = req.Name
	}
	proc, err := s.core.Processes.Start(id, req.Project, req.Name, req.Command, req.Args, req.WorkDir, req.Port)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, proc)
}

func (s *Server) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	var req startProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := fmt.Sprintf("%s-%d", req.Name, time.Now().UnixNano())
	proc, err := s.core.Processes.Start(id, req.Project, req.Name, req.Command, req.Args, req.WorkDir, req.Port)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, security.ActionProcessCreate, proc.ID, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, proc)
}

func (s *Server) handleProcessLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	proc, ok := s.core.Processes.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}
	snap, err := streaming.ReadSnapshot(proc.LogPath, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	scrubbed := s.core.Scrubber.Scrub(string(snap.Data))
	if snap.ShouldGzip {
		if compressed, err := streaming.Gzip([]byte(scrubbed)); err == nil {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Content-Type", "text/plain")
			w.Write(compressed)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(scrubbed))
}

type createFixTaskRequest struct {
	Priority   string `json:"priority"`
	MaxRetries int    `json:"max_retries"`
}

// handleCreateFixTask turns a failed process's exit error into a pending
// task, the create_fix_task_from_failed operation: an operator looking at
// a crashed dev server shouldn't have to hand-author the task that tells
// an agent to go fix it.
func (s *Server) handleCreateFixTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	proc, ok := s.core.Processes.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}
	if proc.Status != processes.StatusFailed {
		writeError(w, http.StatusConflict, "process has not failed")
		return
	}

	var req createFixTaskRequest
	json.NewDecoder(r.Body).Decode(&req)
	priority := tasks.TaskPriority(req.Priority)
	if priority == "" {
		priority = tasks.PriorityHigh
	}

	title := fmt.Sprintf("Fix crashed process %s", proc.Name)
	description := fmt.Sprintf("Process %q (command: %s %v) crashed with error: %s",
		proc.Name, proc.Command, proc.Args, proc.ExitError)
	task := tasks.NewTask(proc.Project, title, description, priority, req.MaxRetries)
	task.Metadata["source_process_id"] = proc.ID
	if err := task.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.Tasks.Save(task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.core.Bus.Emit(events.EventTaskCreated, task.Project, map[string]interface{}{"task_id": task.ID})
	s.audit(r, security.ActionProcessFixTask, task.ID, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, task)
}

// handleDetectProcesses inspects a known project's directory for a
// recognizable dev-server launch command, wiring processes/discover.go's
// heuristic to the HTTP surface rather than leaving it dead code.
func (s *Server) handleDetectProcesses(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	proj, ok := s.core.Projects.Get(project)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	command, args, port, found := processes.DetectDevCommand(proj.Path)
	if !found {
		writeJSON(w, http.StatusOK, map[string]interface{}{"detected": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detected": true,
		"command":  command,
		"args":     args,
		"port":     port,
	})
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	writeJSON(w, http.StatusOK, s.core.Processes.List(project))
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.Processes.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRestartProcess(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	proc, err := s.core.Processes.Restart(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proc)
}

// --- Ports -----------------------------------------------------------

type allocatePortRequest struct {
	Project   string `json:"project"`
	Owner     string `json:"owner"`
	Service   string `json:"service"`
	Preferred int    `json:"preferred"`
}

func (s *Server) handleAllocatePort(w http.ResponseWriter, r *http.Request) {
	var req allocatePortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.core.Ports.Allocate(req.Project, req.Owner, req.Service, req.Preferred)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.audit(r, security.ActionPortAllocate, fmt.Sprintf("%s/%s", a.Project, a.Service), security.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, a)
}

type setPortRequest struct {
	Project string `json:"project"`
	Owner   string `json:"owner"`
	Service string `json:"service"`
	Port    int    `json:"port"`
}

// handleSetPort explicitly assigns a port to a (project, service) pair —
// set_port, distinct from the scan-for-a-free-port Allocate path.
func (s *Server) handleSetPort(w http.ResponseWriter, r *http.Request) {
	var req setPortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.core.Ports.Set(req.Project, req.Owner, req.Service, req.Port)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.audit(r, security.ActionPortSet, fmt.Sprintf("%s/%s", a.Project, a.Service), security.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleReleasePort(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project, service := vars["project"], vars["service"]
	if err := s.core.Ports.Release(project, service); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit(r, security.ActionPortRelease, fmt.Sprintf("%s/%s", project, service), security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	writeJSON(w, http.StatusOK, s.core.Ports.ListByProject(project))
}

// --- Projects -----------------------------------------------------------

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Projects.List())
}

// --- Tokens -----------------------------------------------------------

type createTokenRequest struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	ExpiresIn int    `json:"expires_in_seconds"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor, _ := tokenFromContext(r.Context())
	var expiresAt *time.Time
	if req.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
		expiresAt = &t
	}
	createdBy := ""
	if actor != nil {
		createdBy = actor.ID
	}
	bearer, tok, err := s.core.Auth.CreateToken(req.Name, security.Role(req.Role), createdBy, expiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, security.ActionTokenCreate, tok.ID, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusCreated, map[string]interface{}{"token": bearer, "id": tok.ID, "role": tok.Role})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	toks, err := s.core.Auth.ListTokens()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toks)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.core.Auth.RevokeToken(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit(r, security.ActionTokenRevoke, id, security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- Audit -----------------------------------------------------------

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.core.Audit.Query(security.AuditFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Status -----------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"agents_running": len(s.core.Agents.List()),
		"ws_clients":     s.hub.ClientCount(),
	})
}

// handleHealth is the public, unauthenticated liveness route — load
// balancers and process supervisors should never need a bearer token just
// to ask if the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents streams the event bus over Server-Sent Events: the history
// buffer first, then every new event as it's published, until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(e events.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
		flusher.Flush()
	}

	for _, e := range s.core.Bus.History() {
		writeEvent(e)
	}

	ch := make(chan events.Event, 64)
	unsubscribe := s.core.Bus.Subscribe("", func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeEvent(e)
		}
	}
}

func (s *Server) handleOrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.core.Orchestrator.Running()})
}

func (s *Server) handleOrchestratorStart(w http.ResponseWriter, r *http.Request) {
	s.core.Orchestrator.Start(s.ctx)
	s.audit(r, security.ActionOrchestratorControl, "start", security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.core.Orchestrator.Running()})
}

func (s *Server) handleOrchestratorStop(w http.ResponseWriter, r *http.Request) {
	s.core.Orchestrator.Stop()
	s.audit(r, security.ActionOrchestratorControl, "stop", security.OutcomeSuccess, "")
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.core.Orchestrator.Running()})
}

// audit records an entry, tagging the actor from the request's resolved
// token when present; failures are only logged, never surfaced to the
// caller, matching the teacher's stance that observability must not break
// the request path.
func (s *Server) audit(r *http.Request, action security.AuditAction, resourceID string, outcome security.AuditOutcome, errMsg string) {
	actorID := "anonymous"
	if tok, ok := tokenFromContext(r.Context()); ok {
		actorID = tok.ID
	}
	entry := security.AuditEntry{
		ActorType:  "token",
		ActorID:    actorID,
		ActorIP:    r.RemoteAddr,
		Action:     action,
		ResourceID: resourceID,
		RequestID:  requestIDFromContext(r.Context()),
		Outcome:    outcome,
		Error:      errMsg,
	}
	if err := s.core.Audit.Log(entry); err != nil {
		s.core.Log.Printf("[AUDIT] failed to record entry: %v", err)
	}
}
