package channel

import (
	"testing"

	"github.com/dawalama/agent-dev-tool/internal/security"
)

func TestRequiredPermission(t *testing.T) {
	cases := []struct {
		cmd  Command
		want security.Permission
		ok   bool
	}{
		{CommandStatus, security.PermStatusRead, true},
		{CommandSpawn, security.PermAgentsSpawn, true},
		{CommandAdd, security.PermTasksCreate, true},
		{Command("nope"), "", false},
	}
	for _, tc := range cases {
		got, ok := RequiredPermission(tc.cmd)
		if ok != tc.ok {
			t.Fatalf("RequiredPermission(%s) ok=%v, want %v", tc.cmd, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Errorf("RequiredPermission(%s) = %s, want %s", tc.cmd, got, tc.want)
		}
	}
}

func TestRegistryHandleRejectsUnknownUser(t *testing.T) {
	r := NewRegistry([]string{"alice"}, security.RoleOperator)
	r.Register(CommandStatus, func(userID string, args []string) (string, error) {
		return "ok", nil
	})
	if _, err := r.Handle("mallory", CommandStatus, nil); err == nil {
		t.Fatal("expected error for user not on allow-list")
	}
}

func TestRegistryHandleRejectsInsufficientRole(t *testing.T) {
	r := NewRegistry([]string{"alice"}, security.RoleViewer)
	r.Register(CommandSpawn, func(userID string, args []string) (string, error) {
		return "spawned", nil
	})
	if _, err := r.Handle("alice", CommandSpawn, nil); err == nil {
		t.Fatal("expected error: viewer role cannot spawn")
	}
}

func TestRegistryHandleDispatches(t *testing.T) {
	r := NewRegistry([]string{"alice"}, security.RoleOperator)
	var gotUser string
	var gotArgs []string
	r.Register(CommandAdd, func(userID string, args []string) (string, error) {
		gotUser, gotArgs = userID, args
		return "queued", nil
	})
	reply, err := r.Handle("alice", CommandAdd, []string{"myproject", "fix the build"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "queued" {
		t.Errorf("reply = %q, want %q", reply, "queued")
	}
	if gotUser != "alice" {
		t.Errorf("handler got userID = %q, want alice", gotUser)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "myproject" {
		t.Errorf("handler got args = %v", gotArgs)
	}
}

func TestRegistryHandleUnknownCommand(t *testing.T) {
	r := NewRegistry([]string{"alice"}, security.RoleAdmin)
	if _, err := r.Handle("alice", Command("bogus"), nil); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestRegistryHandleNoHandlerRegistered(t *testing.T) {
	r := NewRegistry([]string{"alice"}, security.RoleAdmin)
	if _, err := r.Handle("alice", CommandStop, nil); err == nil {
		t.Fatal("expected error: no handler bound for stop")
	}
}
