// Package server implements the HTTP/WebSocket gateway (C11): the REST
// surface and WebSocket event/command channel that fronts every other
// subsystem, plus the auth, rate-limit, and security-header middleware
// chain that guards it.
//
// Grounded on the teacher's internal/server/server.go (mux.Router setup,
// graceful-shutdown sequencing) and hub.go (the register/unregister/
// broadcast goroutine shape); generalized to dispatch against
// internal/core.Core instead of the teacher's dashboard-state store.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dawalama/agent-dev-tool/internal/core"
	"github.com/dawalama/agent-dev-tool/internal/events"
	"github.com/dawalama/agent-dev-tool/internal/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP/WS gateway bound to one Core.
type Server struct {
	core       *core.Core
	router     *mux.Router
	hub        *Hub
	httpServer *http.Server
	limiters   *rateLimiterSet
	startedAt  time.Time
	ctx        context.Context
}

// New builds the router and middleware chain but does not start listening
// — call Start for that. The per-second bucket catches bursts; the
// per-minute bucket catches a client pacing itself just under the
// per-second limit to evade it over a sustained window.
func New(c *core.Core) *Server {
	s := &Server{
		core:      c,
		router:    mux.NewRouter(),
		hub:       NewHub(),
		limiters:  newRateLimiterSet(10, 20, 120, 180),
		startedAt: time.Now(),
		ctx:       context.Background(),
	}
	s.routes()
	s.subscribeBus()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(SecurityHeadersMiddleware)
	r.Use(RequestIDMiddleware)

	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	// Rate limiting runs before auth so an unauthenticated flood of
	// requests (including against the auth check itself) is throttled
	// rather than spending a validation cycle on every attempt first.
	api.Use(RateLimitMiddleware(s.limiters, s.core.Audit))
	api.Use(AuthMiddleware(s.core.Auth))

	get := func(path string, perm security.Permission, fn http.HandlerFunc) {
		api.Handle(path, RequirePermission(perm, s.core.Audit)(fn)).Methods(http.MethodGet)
	}
	post := func(path string, perm security.Permission, fn http.HandlerFunc) {
		api.Handle(path, RequirePermission(perm, s.core.Audit)(fn)).Methods(http.MethodPost)
	}
	del := func(path string, perm security.Permission, fn http.HandlerFunc) {
		api.Handle(path, RequirePermission(perm, s.core.Audit)(fn)).Methods(http.MethodDelete)
	}

	get("/status", security.PermStatusRead, s.handleStatus)
	get("/events", security.PermStatusRead, s.handleEvents)

	post("/tasks", security.PermTasksCreate, s.handleCreateTask)
	post("/tasks/chain", security.PermTasksCreate, s.handleChainTasks)
	get("/tasks/stats", security.PermTasksRead, s.handleTaskStats)
	get("/tasks/pending-review", security.PermTasksReview, s.handlePendingReviewTasks)
	get("/tasks", security.PermTasksRead, s.handleListTasks)
	get("/tasks/{id}", security.PermTasksRead, s.handleGetTask)
	get("/tasks/{id}/output", security.PermTasksRead, s.handleTaskOutput)
	post("/tasks/{id}/cancel", security.PermTasksCancel, s.handleCancelTask)
	post("/tasks/{id}/run", security.PermTasksCreate, s.handleRunTask)
	post("/tasks/{id}/retry", security.PermTasksRetry, s.handleRetryTask)
	post("/tasks/{id}/review", security.PermTasksReview, s.handleReviewTask)

	post("/agents/spawn", security.PermAgentsSpawn, s.handleSpawnAgent)
	get("/agents", security.PermAgentsRead, s.handleListAgents)
	get("/agents/{id}", security.PermAgentsRead, s.handleGetAgent)
	post("/agents/{id}/stop", security.PermAgentsStop, s.handleStopAgent)
	get("/agents/{id}/logs", security.PermLogsRead, s.handleAgentLogs)
	post("/agents/{project}/assign", security.PermAgentsSpawn, s.handleAssignAgent)
	post("/agents/{project}/retry", security.PermAgentsSpawn, s.handleRetryAgent)

	post("/processes", security.PermProcessesWrite, s.handleCreateProcess)
	post("/processes/{id}", security.PermProcessesWrite, s.handleStartProcess)
	get("/processes", security.PermProcessesRead, s.handleListProcesses)
	get("/processes/{id}/logs", security.PermLogsRead, s.handleProcessLogs)
	post("/processes/{id}/stop", security.PermProcessesWrite, s.handleStopProcess)
	post("/processes/{id}/restart", security.PermProcessesWrite, s.handleRestartProcess)
	post("/processes/{id}/create-fix-task", security.PermTasksCreate, s.handleCreateFixTask)

	post("/projects/{project}/detect-processes", security.PermProcessesRead, s.handleDetectProcesses)

	post("/ports", security.PermPortsManage, s.handleAllocatePort)
	post("/ports/set", security.PermPortsManage, s.handleSetPort)
	del("/ports/{project}/{service}", security.PermPortsManage, s.handleReleasePort)
	get("/ports", security.PermPortsManage, s.handleListPorts)

	get("/projects", security.PermProjectsRead, s.handleListProjects)

	post("/tokens", security.PermTokensManage, s.handleCreateToken)
	get("/tokens", security.PermTokensManage, s.handleListTokens)
	del("/tokens/{id}", security.PermTokensManage, s.handleRevokeToken)

	get("/audit", security.PermAuditRead, s.handleAuditLog)

	get("/orchestrator/status", security.PermStatusRead, s.handleOrchestratorStatus)
	post("/orchestrator/start", security.PermOrchestratorManage, s.handleOrchestratorStart)
	post("/orchestrator/stop", security.PermOrchestratorManage, s.handleOrchestratorStop)
}

// subscribeBus wires every bus event to the WebSocket hub so connected
// clients see agent/task/process state changes in real time.
func (s *Server) subscribeBus() {
	s.core.Bus.Subscribe("", func(e events.Event) {
		s.hub.BroadcastEvent(e)
	})
}

// handleWebSocket upgrades the connection, authenticates via the initial
// "token" query parameter (browsers can't set Authorization headers on the
// WS handshake), and wires up the read/write pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	bearer := r.URL.Query().Get("token")
	tok, err := s.core.Auth.Validate(bearer)
	if err != nil {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:     s.hub,
		conn:    conn,
		send:    make(chan []byte, WebSocketBufferSize),
		project: r.URL.Query().Get("project"),
		role:    string(tok.Role),
	}
	s.hub.Register(client)

	go client.writePump()
	go client.readPump(s.dispatchCommand)
}

// wsCommand is an inbound WebSocket command frame (spec.md §5.2).
type wsCommand struct {
	Action string `json:"action"`
}

// dispatchCommand handles the small set of commands meaningful over the
// WS channel itself; anything heavier (creating a task, spawning an
// agent) goes through the REST surface instead.
func (s *Server) dispatchCommand(role string, raw []byte) (interface{}, error) {
	var cmd wsCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("invalid command frame")
	}
	switch cmd.Action {
	case "ping":
		return map[string]string{"action": "pong"}, nil
	case "recent_events":
		return s.core.Bus.History(), nil
	default:
		return nil, fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// Start begins serving HTTP/WS traffic and blocks until the context is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.core.Config.Server.Host, s.core.Config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.core.Orchestrator.Start(ctx)
	s.core.Bus.Emit(events.EventServerStarted, "", map[string]interface{}{"addr": addr})

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.core.Config.Server.TLSCert != "" {
			err = s.httpServer.ListenAndServeTLS(s.core.Config.Server.TLSCert, s.core.Config.Server.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.core.Bus.Emit(events.EventServerStopping, "", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
