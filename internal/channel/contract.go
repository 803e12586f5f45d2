// Package channel defines the contract an in-process Chat Channel Adapter
// (C12) binds against. The adapter itself — parsing a specific bot API's
// updates, rendering replies in that platform's markup — is an external
// collaborator and out of scope here; this package only fixes what the
// core must support for one to exist: a fixed command vocabulary, the
// permission each command requires, and an allow-list gate keyed by chat
// user id. An adapter runs inside the core process and dispatches through
// Registry.Handle rather than re-authenticating over HTTP, per spec.md
// §4.12 — there is no bearer token in a chat message.
package channel

import (
	"fmt"

	"github.com/dawalama/agent-dev-tool/internal/security"
)

// Command is one of the fixed slash-commands spec.md §4.12 names.
type Command string

const (
	CommandStatus   Command = "status"
	CommandAgents   Command = "agents"
	CommandTasks    Command = "tasks"
	CommandProjects Command = "projects"
	CommandSpawn    Command = "spawn"
	CommandStop     Command = "stop"
	CommandAdd      Command = "add"
)

// commandPermissions mirrors the teacher's ENDPOINT_PERMISSIONS idiom
// (originally a path-pattern table in server/middleware.py): each chat
// command maps to the same Permission its HTTP-surface equivalent
// requires, so a chat user's role is checked exactly once against exactly
// one table instead of a parallel chat-specific ACL drifting from the
// HTTP one.
var commandPermissions = map[Command]security.Permission{
	CommandStatus:   security.PermStatusRead,
	CommandAgents:   security.PermAgentsRead,
	CommandTasks:    security.PermTasksRead,
	CommandProjects: security.PermProjectsRead,
	CommandSpawn:    security.PermAgentsSpawn,
	CommandStop:     security.PermAgentsStop,
	CommandAdd:      security.PermTasksCreate,
}

// RequiredPermission returns the Permission a command needs, and false for
// anything outside the fixed vocabulary.
func RequiredPermission(c Command) (security.Permission, bool) {
	p, ok := commandPermissions[c]
	return p, ok
}

// Handler executes one parsed command for one chat user, returning the
// reply text. args is whatever the adapter split off after the command
// name (e.g. "/spawn myproject cli" -> args = ["myproject", "cli"]).
type Handler func(userID string, args []string) (string, error)

// Registry binds commands to handlers and enforces the allow-list and
// permission gate before a Handler ever runs. An adapter constructs one
// Registry at startup, registers its Handler per Command, then calls
// Handle for every inbound chat message.
type Registry struct {
	allowedUsers map[string]bool
	role         security.Role
	handlers     map[Command]Handler
}

// NewRegistry builds a Registry gated by allowedUserIDs (spec.md §4.12's
// chat allow-list) and the Role every allowed user is treated as holding —
// chat users are not individually tokened, so one role governs all of
// them, matching config.ChatChannel's flat allow-list shape.
func NewRegistry(allowedUserIDs []string, role security.Role) *Registry {
	allowed := make(map[string]bool, len(allowedUserIDs))
	for _, id := range allowedUserIDs {
		allowed[id] = true
	}
	return &Registry{
		allowedUsers: allowed,
		role:         role,
		handlers:     make(map[Command]Handler),
	}
}

// Register binds a Handler to a Command, overwriting any prior binding.
func (r *Registry) Register(c Command, h Handler) {
	r.handlers[c] = h
}

// Handle authenticates userID against the allow-list, checks the command's
// required permission against the Registry's fixed role, and dispatches to
// the bound Handler. An unknown command, a disallowed user, or an
// insufficient permission all return an error rather than running the
// handler — mirroring AuthMiddleware/RequirePermission's HTTP-side
// reject-before-handler order.
func (r *Registry) Handle(userID string, c Command, args []string) (string, error) {
	if !r.allowedUsers[userID] {
		return "", fmt.Errorf("user %s is not on the allow-list", userID)
	}
	perm, ok := RequiredPermission(c)
	if !ok {
		return "", fmt.Errorf("unknown command: %s", c)
	}
	if !security.HasPermission(r.role, perm) {
		return "", fmt.Errorf("role %s lacks permission %s", r.role, perm)
	}
	h, ok := r.handlers[c]
	if !ok {
		return "", fmt.Errorf("no handler registered for command: %s", c)
	}
	return h(userID, args)
}
