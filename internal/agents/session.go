// Package agents implements the Agent Supervisor (C6): spawning, stopping,
// and monitoring AI coding agent CLI processes.
package agents

import (
	"time"
)

// Status is the closed enum of an agent session's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
	StatusStuck    Status = "stuck"
)

// Session is one spawned agent process. It is grounded on the teacher's
// ProcessSpawner's runningAgents bookkeeping, generalized from a
// WezTerm-pane handle to a Unix process group: PID doubles as the process
// group id (Setpgid starts the child as its own group leader), so a stop
// can signal the whole tree at once.
type Session struct {
	ID        string
	Project   string
	Provider  string
	Command   string
	Args      []string
	PID       int
	LogPath   string
	// spawnOffset is the byte offset into LogPath at spawn time. Output
	// capture reads forward from here rather than scanning the log
	// backwards for the last exit marker, per the spec's recommended fix
	// for the Python original's flagged bug.
	spawnOffset  int64
	Status       Status
	CurrentTask  string
	StartedAt    time.Time
	StoppedAt    *time.Time
	ExitError    string
	LastOutputAt time.Time

	// workDir and providerArgs remember the command that launched this
	// session so Supervisor.Retry can respawn it without the caller
	// re-supplying provider configuration.
	workDir      string
	providerArgs []string
}

// SpawnOffset returns the byte offset output capture should start reading
// from for this session.
func (s *Session) SpawnOffset() int64 {
	return s.spawnOffset
}
