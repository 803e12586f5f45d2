package agents

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/dawalama/agent-dev-tool/internal/config"
	"github.com/dawalama/agent-dev-tool/internal/events"
)

// gracePeriod is how long Stop waits after SIGTERM before escalating to
// SIGKILL, mirroring the Python original's "ask nicely, then insist"
// shutdown sequence.
const gracePeriod = 5 * time.Second

// Supervisor manages the lifecycle of agent CLI processes. Grounded
// structurally on the teacher's ProcessSpawner (mutex-protected running map,
// a spawn mutex serializing concurrent spawns, StopAgentWithReason naming),
// but the launch/kill mechanics are the Python manager.py's
// subprocess.Popen(..., start_new_session=True) + process-group signaling,
// translated to os/exec + syscall.SysProcAttr{Setpgid:true} +
// golang.org/x/sys/unix.Kill(-pgid, sig).
type Supervisor struct {
	mu       sync.RWMutex
	spawnMu  sync.Mutex
	sessions map[string]*Session
	logDir   string
	policy   config.AgentPolicy
	bus      *events.Bus
	log      *log.Logger
}

// NewSupervisor constructs a Supervisor. logDir holds one append-only log
// file per session, named <agentID>.log.
func NewSupervisor(logDir string, policy config.AgentPolicy, bus *events.Bus, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		sessions: make(map[string]*Session),
		logDir:   logDir,
		policy:   policy,
		bus:      bus,
		log:      logger,
	}
}

// Spawn launches a new agent process for project, running provider.Command
// with provider.Args plus the task prompt, in workDir. It enforces
// MaxConcurrent (spec.md §4.6/§5's resource bound) and serializes spawns so
// two concurrent callers cannot both slip past the limit check.
func (s *Supervisor) Spawn(agentID, project string, provider config.ProviderConfig, workDir, prompt string) (*Session, error) {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	if live, busy := s.liveSessionForProject(project); busy {
		return nil, fmt.Errorf("agent already running for project %s (session %s)", project, live.ID)
	}

	if running := s.countRunning(); s.policy.MaxConcurrent > 0 && running >= s.policy.MaxConcurrent {
		return nil, fmt.Errorf("max concurrent agents reached (%d)", s.policy.MaxConcurrent)
	}

	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(s.logDir, agentID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fmt.Fprintf(logFile, "\n=== agent %s spawned at %s (project=%s provider=%s) ===\n",
		agentID, time.Now().Format(time.RFC3339), project, provider.Name)

	offset, err := logFile.Seek(0, io.SeekCurrent)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("determine spawn offset: %w", err)
	}

	args := append([]string{}, provider.Args...)
	args = append(args, prompt)
	cmd := exec.Command(provider.Command, args...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	session := &Session{
		ID:           agentID,
		Project:      project,
		Provider:     provider.Name,
		Command:      provider.Command,
		Args:         args,
		PID:          cmd.Process.Pid,
		LogPath:      logPath,
		spawnOffset:  offset,
		Status:       StatusRunning,
		CurrentTask:  prompt,
		StartedAt:    time.Now(),
		LastOutputAt: time.Now(),
		workDir:      workDir,
		providerArgs: append([]string{}, provider.Args...),
	}

	s.mu.Lock()
	s.sessions[agentID] = session
	s.mu.Unlock()

	s.emit(events.EventAgentSpawned, project, agentID, nil)

	go s.monitor(session, cmd, logFile)

	return session, nil
}

func (s *Supervisor) countRunning() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Status == StatusRunning || sess.Status == StatusStarting {
			n++
		}
	}
	return n
}

// liveSessionForProject returns the live (running or starting) session for
// project, if any — the single-agent-per-project invariant check (spec.md
// §4.6 step 2, testable property #1, scenario S6).
func (s *Supervisor) liveSessionForProject(project string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Project == project && (sess.Status == StatusRunning || sess.Status == StatusStarting) {
			return sess, true
		}
	}
	return nil, false
}

// BusyProjects returns the set of projects with a live session, for the
// orchestrator's per-tick "project is not busy" claim gate.
func (s *Supervisor) BusyProjects() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Status == StatusRunning || sess.Status == StatusStarting {
			out[sess.Project] = true
		}
	}
	return out
}

// Assign implements spec.md §4.6's assign_task: if a live session already
// exists for project, it records the new task on that session in place
// (the v1 implementation has no IPC channel into the running CLI process,
// so the task only takes effect on the agent's next spawn); otherwise it
// spawns a fresh session with task as the initial prompt.
func (s *Supervisor) Assign(project string, provider config.ProviderConfig, workDir, task string) (*Session, error) {
	if sess, ok := s.liveSessionForProject(project); ok {
		s.mu.Lock()
		sess.CurrentTask = task
		s.mu.Unlock()
		return sess, nil
	}
	return s.Spawn(uuid.New().String()[:8], project, provider, workDir, task)
}

// Retry re-spawns a fresh session for project reusing its most recent
// command, allowed once that session has stopped or failed — the
// retry-while-stopped reading of the design notes' open question §9a,
// looser than the strict error-only wording elsewhere in the spec.
func (s *Supervisor) Retry(project string) (*Session, error) {
	s.mu.RLock()
	var last *Session
	for _, sess := range s.sessions {
		if sess.Project != project {
			continue
		}
		if last == nil || sess.StartedAt.After(last.StartedAt) {
			last = sess
		}
	}
	s.mu.RUnlock()

	if last == nil {
		return nil, fmt.Errorf("no agent session recorded for project: %s", project)
	}
	if last.Status != StatusFailed && last.Status != StatusStopped {
		return nil, fmt.Errorf("agent for project %s is not in a retryable state (%s)", project, last.Status)
	}

	provider := config.ProviderConfig{Name: last.Provider, Command: last.Command, Args: last.providerArgs}
	return s.Spawn(uuid.New().String()[:8], project, provider, last.workDir, last.CurrentTask)
}

// monitor blocks on the child process and records its terminal state.
func (s *Supervisor) monitor(session *Session, cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	logFile.Close()

	now := time.Now()

	s.mu.Lock()
	session.StoppedAt = &now
	if err != nil {
		session.Status = StatusFailed
		session.ExitError = err.Error()
	} else if session.Status != StatusStopped {
		session.Status = StatusStopped
	}
	s.mu.Unlock()

	if session.Status == StatusFailed {
		s.emit(events.EventAgentStatus, session.Project, session.ID, map[string]interface{}{"status": string(StatusFailed), "error": session.ExitError})
	}
	s.emit(events.EventAgentStopped, session.Project, session.ID, map[string]interface{}{"status": string(session.Status)})
}

// Stop terminates a running agent's process group, trying SIGTERM first and
// escalating to SIGKILL after gracePeriod, matching the Python original's
// graceful-then-forced shutdown. Stopping an already-stopped agent is a
// no-op, not an error — the operator may legitimately call stop twice.
func (s *Supervisor) Stop(agentID, reason string) error {
	s.mu.Lock()
	session, ok := s.sessions[agentID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such agent session: %s", agentID)
	}

	s.mu.RLock()
	alreadyStopped := session.Status == StatusStopped || session.Status == StatusFailed
	s.mu.RUnlock()
	if alreadyStopped {
		return nil
	}

	s.log.Printf("[AGENTS] stopping %s: %s", agentID, reason)

	s.mu.Lock()
	session.Status = StatusStopped
	s.mu.Unlock()

	pgid := session.PID
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		s.log.Printf("[AGENTS] SIGTERM to pgid %d failed: %v", pgid, err)
	}

	go func() {
		time.Sleep(gracePeriod)
		if s.IsRunning(agentID) {
			s.log.Printf("[AGENTS] %s still alive after grace period, sending SIGKILL", agentID)
			unix.Kill(-pgid, unix.SIGKILL)
		}
	}()

	return nil
}

// IsRunning probes the process group leader with signal 0.
func (s *Supervisor) IsRunning(agentID string) bool {
	s.mu.RLock()
	session, ok := s.sessions[agentID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return unix.Kill(session.PID, 0) == nil
}

// Get returns the session for agentID.
func (s *Supervisor) Get(agentID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[agentID]
	return sess, ok
}

// List returns all tracked sessions.
func (s *Supervisor) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// StuckSessions returns running sessions that haven't produced output in
// longer than the configured stuck timeout, for the orchestrator's health
// check (C10).
func (s *Supervisor) StuckSessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stuck []*Session
	timeout := s.policy.StuckTimeout()
	for _, sess := range s.sessions {
		if sess.Status == StatusRunning && time.Since(sess.LastOutputAt) > timeout {
			stuck = append(stuck, sess)
		}
	}
	return stuck
}

// CaptureOutput reads agentID's log from its spawn-time offset forward,
// capped at the configured output capture size, rather than the Python
// original's backward scan for the last exit marker (the spec's flagged
// open question §9b — implementations should prefer remembering the start
// offset at spawn time, which this does).
func (s *Supervisor) CaptureOutput(agentID string) (string, error) {
	s.mu.RLock()
	session, ok := s.sessions[agentID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no such agent session: %s", agentID)
	}

	f, err := os.Open(session.LogPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Seek(session.SpawnOffset(), io.SeekStart); err != nil {
		return "", err
	}

	capBytes := s.policy.OutputCaptureCap
	if capBytes <= 0 {
		capBytes = 1 << 20
	}

	var sb strings.Builder
	reader := bufio.NewReader(f)
	buf := make([]byte, 32*1024)
	for sb.Len() < capBytes {
		n, err := reader.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	out := sb.String()
	if len(out) > capBytes {
		out = out[:capBytes] + "\n...[truncated]"
	}
	return out, nil
}

// Touch records that output was just observed for agentID, resetting the
// stuck-detection clock.
func (s *Supervisor) Touch(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[agentID]; ok {
		sess.LastOutputAt = time.Now()
	}
}

// StopAll stops every tracked session, for shutdown.
func (s *Supervisor) StopAll(reason string) {
	for _, sess := range s.List() {
		s.Stop(sess.ID, reason)
	}
}

func (s *Supervisor) emit(eventType events.EventType, project, agentID string, extra map[string]interface{}) {
	if s.bus == nil {
		return
	}
	payload := map[string]interface{}{"agent_id": agentID}
	for k, v := range extra {
		payload[k] = v
	}
	s.bus.Emit(eventType, project, payload)
}
