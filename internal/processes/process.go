// Package processes implements the auxiliary Process Supervisor (C7): dev
// servers, build watchers, and other long-running non-agent processes a
// project needs alongside its agents.
package processes

import "time"

// Status is the closed enum of a managed process's lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Process is one supervised auxiliary process (spec.md §3 "Managed
// process"), grounded on Python server/processes.py's ProcessState.
type Process struct {
	ID        string
	Project   string
	Name      string
	Command   string
	Args      []string
	Port      int
	PID       int
	LogPath   string
	Status    Status
	StartedAt time.Time
	StoppedAt *time.Time
	ExitError string
}
