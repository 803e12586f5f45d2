package instance

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "adtd.lock")

	m1 := NewManager(filepath.Join(dir, "adtd.pid"), lockPath, 8420)
	if err := m1.AcquireLock(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer m1.ReleaseLock()

	m2 := NewManager(filepath.Join(dir, "adtd.pid"), lockPath, 8420)
	if err := m2.AcquireLock(); err == nil {
		t.Fatal("expected second acquire to fail while first holds the lock")
	}
}

func TestReleaseLockAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "adtd.lock")

	m1 := NewManager(filepath.Join(dir, "adtd.pid"), lockPath, 8420)
	if err := m1.AcquireLock(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	m1.ReleaseLock()

	m2 := NewManager(filepath.Join(dir, "adtd.pid"), lockPath, 8420)
	if err := m2.AcquireLock(); err != nil {
		t.Fatalf("expected reacquire to succeed after release: %v", err)
	}
	m2.ReleaseLock()
}

func TestCheckExistingReturnsNilWhenNoPIDFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "adtd.pid"), filepath.Join(dir, "adtd.lock"), 8420)
	info, err := m.CheckExisting()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil info, got %+v", info)
	}
}

func TestCheckExistingDiscardsStalePID(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "adtd.pid")
	m := NewManager(pidPath, filepath.Join(dir, "adtd.lock"), 8420)

	// PID 999999 is extremely unlikely to be a live process.
	if err := m.WritePIDFile(999999, 8420, dir); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	info, err := m.CheckExisting()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info != nil {
		t.Fatalf("expected stale PID to be discarded, got %+v", info)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("expected stale PID file to be removed")
	}
}

func TestResolveRefusesWhenResponding(t *testing.T) {
	err := Resolve(&Info{PID: 123, Port: 8420, IsResponding: true})
	if err == nil {
		t.Fatal("expected an error for a responding instance")
	}
}

func TestResolveAllowsWhenNoInstance(t *testing.T) {
	if err := Resolve(nil); err != nil {
		t.Fatalf("expected nil error for no instance, got %v", err)
	}
}
