package ports

import "testing"

func TestAllocatePrefersPreferredPort(t *testing.T) {
	r := NewRegistry(t.TempDir(), 20000, 20010)
	a, err := r.Allocate("demo", "agent-1", "dev", 20005)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a.Port != 20005 {
		t.Fatalf("expected preferred port 20005, got %d", a.Port)
	}
}

func TestAllocateSkipsReservedPorts(t *testing.T) {
	r := NewRegistry(t.TempDir(), 8418, 8422)
	a, err := r.Allocate("demo", "agent-1", "dev", 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a.Port == 8420 {
		t.Fatal("expected 8420 to be skipped as reserved")
	}
}

func TestAllocateThenReleaseFreesPort(t *testing.T) {
	r := NewRegistry(t.TempDir(), 20100, 20110)
	a, err := r.Allocate("demo", "agent-1", "dev", 20100)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := r.Release("demo", "dev"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := r.Get("demo", "dev"); ok {
		t.Fatal("expected port to be gone after release")
	}
}

func TestAllocateDoesNotDoubleAssignSamePort(t *testing.T) {
	r := NewRegistry(t.TempDir(), 20200, 20200)
	first, err := r.Allocate("demo", "agent-1", "dev", 20200)
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	_, err = r.Allocate("other-demo", "agent-2", "dev", 0)
	if err == nil {
		t.Fatal("expected second allocate to fail, range exhausted")
	}
	if first.Port != 20200 {
		t.Fatalf("unexpected port: %d", first.Port)
	}
}

func TestRegistryPersistsAcrossLoad(t *testing.T) {
	home := t.TempDir()
	r := NewRegistry(home, 21000, 21010)
	a, err := r.Allocate("demo", "agent-1", "dev", 21000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	r2 := NewRegistry(home, 21000, 21010)
	if err := r2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := r2.Get(a.Project, a.Service)
	if !ok || got.Project != "demo" {
		t.Fatalf("expected loaded assignment, got %+v ok=%v", got, ok)
	}
}

func TestListByProjectFiltersCorrectly(t *testing.T) {
	r := NewRegistry(t.TempDir(), 22000, 22010)
	r.Allocate("proj-a", "agent-1", "dev", 22000)
	r.Allocate("proj-b", "agent-2", "dev", 22001)

	only := r.ListByProject("proj-a")
	if len(only) != 1 || only[0].Project != "proj-a" {
		t.Fatalf("expected one proj-a assignment, got %+v", only)
	}
}

func TestAllocateKeysByProjectAndService(t *testing.T) {
	r := NewRegistry(t.TempDir(), 23000, 23010)
	web, err := r.Allocate("demo", "agent-1", "web", 0)
	if err != nil {
		t.Fatalf("allocate web: %v", err)
	}
	api, err := r.Allocate("demo", "agent-1", "api", 0)
	if err != nil {
		t.Fatalf("allocate api: %v", err)
	}
	if web.Port == api.Port {
		t.Fatalf("expected distinct ports for distinct services, both got %d", web.Port)
	}
	if _, ok := r.Get("demo", "web"); !ok {
		t.Fatal("expected demo/web assignment to exist")
	}
	if _, ok := r.Get("demo", "api"); !ok {
		t.Fatal("expected demo/api assignment to exist")
	}
}

func TestSetAssignsExplicitPort(t *testing.T) {
	r := NewRegistry(t.TempDir(), 24000, 24010)
	a, err := r.Set("demo", "agent-1", "web", 24005)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if a.Port != 24005 {
		t.Fatalf("expected port 24005, got %d", a.Port)
	}
}

func TestSetRejectsReservedPort(t *testing.T) {
	r := NewRegistry(t.TempDir(), 8000, 9000)
	if _, err := r.Set("demo", "agent-1", "web", 8420); err == nil {
		t.Fatal("expected set on reserved port to fail")
	}
}

func TestSetRejectsPortHeldByAnotherService(t *testing.T) {
	r := NewRegistry(t.TempDir(), 25000, 25010)
	if _, err := r.Set("demo", "agent-1", "web", 25001); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if _, err := r.Set("demo", "agent-1", "api", 25001); err == nil {
		t.Fatal("expected set to reject a port already held by another service")
	}
}
