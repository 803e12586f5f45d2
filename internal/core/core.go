// Package core wires every subsystem (task store, agent supervisor,
// process supervisor, port registry, output streamer, orchestrator, and
// the security plane) into one composition root the HTTP/WS gateway and
// the adtctl CLI both drive. Grounded on the teacher's cmd/cliaimonitor/
// main.go wiring sequence, generalized from its flat main() into a
// reusable struct so both the server and CLI entrypoints can share it.
package core

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/dawalama/agent-dev-tool/internal/agents"
	"github.com/dawalama/agent-dev-tool/internal/config"
	"github.com/dawalama/agent-dev-tool/internal/events"
	"github.com/dawalama/agent-dev-tool/internal/notifications"
	"github.com/dawalama/agent-dev-tool/internal/orchestrator"
	"github.com/dawalama/agent-dev-tool/internal/ports"
	"github.com/dawalama/agent-dev-tool/internal/processes"
	"github.com/dawalama/agent-dev-tool/internal/projects"
	"github.com/dawalama/agent-dev-tool/internal/security"
	"github.com/dawalama/agent-dev-tool/internal/streaming"
	"github.com/dawalama/agent-dev-tool/internal/tasks"
)

// Core holds every long-lived subsystem. Its fields are all exported so
// the gateway and CLI can reach into them directly rather than through a
// growing facade of pass-through methods.
type Core struct {
	Config *config.Config
	Home   string
	Log    *log.Logger

	DB *sql.DB

	Vault    *security.Vault
	Auth     *security.AuthManager
	Audit    *security.AuditLogger
	Scrubber *security.Scrubber

	Bus       *events.Bus
	Tasks     *tasks.Store
	Agents    *agents.Supervisor
	Processes *processes.Supervisor
	Ports     *ports.Registry
	Streamer  *streaming.Streamer
	Projects  *projects.Registry
	Orchestrator *orchestrator.Orchestrator
	Notify       *notifications.Router
}

// New loads config.yml from home, opens core.db, and constructs every
// subsystem in dependency order: vault → scrubber → db → auth/audit →
// event bus → task store → agent/process supervisors → port registry →
// streamer → projects → orchestrator.
func New(home string) (*Core, error) {
	home = expandHome(home)
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("create home %s: %w", home, err)
	}

	cfg, err := config.Load(filepath.Join(home, "config.yml"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Home = home

	logger := log.New(os.Stdout, "", log.LstdFlags)

	vault := security.NewVault(home)
	if err := vault.Load(); err != nil {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	config.ResolveAll(cfg, vault.Resolve)

	scrubber := security.NewScrubber()
	scrubber.LoadFromVault(vault)

	db, err := sql.Open("sqlite", filepath.Join(home, "core.db"))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	auth := security.NewAuthManager(db)
	if err := auth.Init(); err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}

	audit := security.NewAuditLogger(db, home)
	if err := audit.Init(); err != nil {
		return nil, fmt.Errorf("init audit: %w", err)
	}

	bus := events.NewBus(logger)

	taskStore := tasks.NewStore(db)
	if err := taskStore.Init(); err != nil {
		return nil, fmt.Errorf("init task store: %w", err)
	}

	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	agentSup := agents.NewSupervisor(filepath.Join(logDir, "agents"), cfg.Agents, bus, logger)
	procSup := processes.NewSupervisor(filepath.Join(logDir, "processes"), bus, logger)
	portReg := ports.NewRegistry(home, 20000, 21000)
	if err := portReg.Load(); err != nil {
		return nil, fmt.Errorf("load port registry: %w", err)
	}
	streamer := streaming.NewStreamer(bus)

	projReg, err := projects.Load(filepath.Join(home, "projects.yml"))
	if err != nil {
		projReg = projects.NewRegistry()
	}

	orch := orchestrator.New(taskStore, agentSup, bus, projReg, cfg.Agents, logger)

	notifyRouter := notifications.BuildRouter(cfg.Channels)
	notifications.SubscribeBus(bus, notifyRouter)

	return &Core{
		Config:       cfg,
		Home:         home,
		Log:          logger,
		DB:           db,
		Vault:        vault,
		Auth:         auth,
		Audit:        audit,
		Scrubber:     scrubber,
		Bus:          bus,
		Tasks:        taskStore,
		Agents:       agentSup,
		Processes:    procSup,
		Ports:        portReg,
		Streamer:     streamer,
		Projects:     projReg,
		Orchestrator: orch,
		Notify:       notifyRouter,
	}, nil
}

// Close releases the database handle and stops every running agent and
// process session, used by a graceful shutdown sequence.
func (c *Core) Close() error {
	c.Agents.StopAll("server shutting down")
	c.Processes.StopAll()
	return c.DB.Close()
}

func expandHome(home string) string {
	if home == "~" || len(home) >= 2 && home[:2] == "~/" {
		if dir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(dir, home[1:])
		}
	}
	return home
}
