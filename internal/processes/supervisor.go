package processes

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/dawalama/agent-dev-tool/internal/events"
)

const stopGracePeriod = 5 * time.Second

// Supervisor manages auxiliary processes (dev servers, watchers) alongside
// agent sessions. It reuses the same process-group/monitor-goroutine shape
// as internal/agents.Supervisor (C6) for symmetry, with a second state
// machine: StatusIdle before first start, and an explicit
// intentionalStops set so a requested stop is reported as "stopped" while
// an unexpected exit is reported as "failed" — the classification Python
// server/processes.py makes by checking its own "intentional stop" set
// before logging a crash.
type Supervisor struct {
	mu               sync.RWMutex
	processes        map[string]*Process
	intentionalStops map[string]bool
	logDir           string
	bus              *events.Bus
	log              *log.Logger
}

// NewSupervisor constructs a process Supervisor.
func NewSupervisor(logDir string, bus *events.Bus, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		processes:        make(map[string]*Process),
		intentionalStops: make(map[string]bool),
		logDir:           logDir,
		bus:              bus,
		log:              logger,
	}
}

// Start launches a managed process and begins monitoring it.
func (s *Supervisor) Start(id, project, name, command string, args []string, workDir string, port int) (*Process, error) {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(s.logDir, id+".log")
	var priorSize uint64
	if info, err := os.Stat(logPath); err == nil {
		priorSize = uint64(info.Size())
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	fmt.Fprintf(logFile, "\n=== process %s (%s) started at %s, prior log size %s ===\n",
		id, name, time.Now().Format(time.RFC3339), humanize.Bytes(priorSize))

	cmd := exec.Command(command, args...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	proc := &Process{
		ID:        id,
		Project:   project,
		Name:      name,
		Command:   command,
		Args:      args,
		Port:      port,
		PID:       cmd.Process.Pid,
		LogPath:   logPath,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	s.mu.Lock()
	s.processes[id] = proc
	delete(s.intentionalStops, id)
	s.mu.Unlock()

	s.emit(events.EventProcessStarted, project, proc)
	go s.monitor(proc, cmd, logFile)

	return proc, nil
}

func (s *Supervisor) monitor(proc *Process, cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	logFile.Close()

	now := time.Now()
	s.mu.Lock()
	intentional := s.intentionalStops[proc.ID]
	proc.StoppedAt = &now
	if err != nil && !intentional {
		proc.Status = StatusFailed
		proc.ExitError = err.Error()
	} else {
		proc.Status = StatusStopped
	}
	s.mu.Unlock()

	if proc.Status == StatusFailed {
		s.emit(events.EventProcessFailed, proc.Project, proc)
	} else {
		s.emit(events.EventProcessStopped, proc.Project, proc)
	}
}

// Stop terminates id's process group, marking the exit as intentional so
// the monitor goroutine reports "stopped" rather than "failed".
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	proc, ok := s.processes[id]
	if ok {
		s.intentionalStops[id] = true
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such process: %s", id)
	}

	if proc.Status != StatusRunning {
		return nil
	}

	if proc.Port > 0 {
		defer KillPortProcess(proc.Port)
	}

	pgid := proc.PID
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		s.log.Printf("[PROCESSES] SIGTERM to pgid %d failed: %v", pgid, err)
	}

	go func() {
		time.Sleep(stopGracePeriod)
		if unix.Kill(pgid, 0) == nil {
			unix.Kill(-pgid, unix.SIGKILL)
		}
	}()

	return nil
}

// Restart stops id (if running) and starts it again with the same command.
func (s *Supervisor) Restart(id string) (*Process, error) {
	s.mu.RLock()
	proc, ok := s.processes[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no such process: %s", id)
	}

	if proc.Status == StatusRunning {
		if err := s.Stop(id); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(stopGracePeriod + time.Second)
		for time.Now().Before(deadline) {
			s.mu.RLock()
			status := proc.Status
			s.mu.RUnlock()
			if status != StatusRunning {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	workDir := filepath.Dir(proc.LogPath)
	return s.Start(proc.ID, proc.Project, proc.Name, proc.Command, proc.Args, workDir, proc.Port)
}

// Get returns the process for id.
func (s *Supervisor) Get(id string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[id]
	return p, ok
}

// List returns all managed processes for project, or all processes if
// project is "".
func (s *Supervisor) List(project string) []*Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		if project == "" || p.Project == project {
			out = append(out, p)
		}
	}
	return out
}

// StopAll stops every running managed process.
func (s *Supervisor) StopAll() {
	for _, p := range s.List("") {
		s.Stop(p.ID)
	}
}

func (s *Supervisor) emit(eventType events.EventType, project string, proc *Process) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(eventType, project, map[string]interface{}{
		"process_id": proc.ID,
		"name":       proc.Name,
		"port":       proc.Port,
		"status":     string(proc.Status),
	})
}
