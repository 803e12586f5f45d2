// Package instance enforces the single-local-instance invariant (spec.md
// §1: "one core process per machine"): a PID file plus an flock'd lock
// file so a second `adtd server start` reliably detects a already-running
// instance instead of racing it for the listening port.
//
// Grounded on the teacher's internal/instance/manager.go (PID-file
// schema, stale-PID/PID-reuse detection, health-check corroboration);
// the teacher's lock mechanism was a Windows named-mutex handle
// (golang.org/x/sys/windows), which cannot run on this target at all, so
// the lock itself is re-grounded on golang.org/x/sys/unix's flock(2),
// the idiomatic Linux equivalent of the same single-instance guarantee.
package instance

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Manager handles PID-file and lock-file lifecycle for one core process.
type Manager struct {
	pidFilePath  string
	lockFilePath string
	port         int
	lockFD       int
	acquiredLock bool
}

// Info describes a running (or formerly running) instance.
type Info struct {
	PID          int
	Port         int
	StartTime    time.Time
	IsRunning    bool
	IsResponding bool
	BasePath     string
}

// pidFileData is the JSON schema written to the PID file.
type pidFileData struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	BasePath  string    `json:"base_path"`
	Hostname  string    `json:"hostname"`
}

// NewManager builds a Manager for the given PID/lock file paths and port.
func NewManager(pidFilePath, lockFilePath string, port int) *Manager {
	return &Manager{pidFilePath: pidFilePath, lockFilePath: lockFilePath, port: port, lockFD: -1}
}

// CheckExisting looks for a prior instance via the PID file, discarding it
// (and removing the stale file) if the recorded process is no longer
// running or is no longer this binary.
func (m *Manager) CheckExisting() (*Info, error) {
	data, err := m.readPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid file: %w", err)
	}

	if !processAlive(data.PID) {
		m.RemovePIDFile()
		return nil, nil
	}

	responding := healthCheck(data.Port) == nil
	return &Info{
		PID:          data.PID,
		Port:         data.Port,
		StartTime:    data.StartedAt,
		IsRunning:    true,
		IsResponding: responding,
		BasePath:     data.BasePath,
	}, nil
}

// AcquireLock takes an exclusive, non-blocking flock on the lock file,
// returning an error if another process already holds it — the
// authoritative single-instance check; the PID file is advisory
// diagnostics on top of it.
func (m *Manager) AcquireLock() error {
	fd, err := unix.Open(m.lockFilePath, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return fmt.Errorf("another instance is already running: %w", err)
	}
	m.lockFD = fd
	m.acquiredLock = true
	return nil
}

// ReleaseLock drops the flock and closes the file descriptor.
func (m *Manager) ReleaseLock() {
	if !m.acquiredLock {
		return
	}
	unix.Flock(m.lockFD, unix.LOCK_UN)
	unix.Close(m.lockFD)
	m.acquiredLock = false
}

// WritePIDFile records the running instance's PID, port, and base path.
func (m *Manager) WritePIDFile(pid, port int, basePath string) error {
	hostname, _ := os.Hostname()
	data := pidFileData{PID: pid, Port: port, StartedAt: time.Now(), BasePath: basePath, Hostname: hostname}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pid data: %w", err)
	}
	return os.WriteFile(m.pidFilePath, raw, 0o644)
}

func (m *Manager) readPIDFile() (*pidFileData, error) {
	raw, err := os.ReadFile(m.pidFilePath)
	if err != nil {
		return nil, err
	}
	var data pidFileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse pid file: %w", err)
	}
	return &data, nil
}

// RemovePIDFile deletes the PID file, ignoring a not-exist error.
func (m *Manager) RemovePIDFile() error {
	if err := os.Remove(m.pidFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Port returns the configured port.
func (m *Manager) Port() int { return m.port }

func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func healthCheck(port int) error {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/v1/status", port))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return nil
}
