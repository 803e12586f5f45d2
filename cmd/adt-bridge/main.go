// Command adt-bridge republishes a core's Event Bus onto an embedded NATS
// server, so a second local process (a chat channel adapter, a dashboard
// dev-proxy) can observe agent/task/process/escalation events without
// linking against the core's Go packages.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dawalama/agent-dev-tool/internal/core"
	adtnats "github.com/dawalama/agent-dev-tool/internal/nats"
)

func main() {
	home := flag.String("home", "~/.adt", "adt home directory (same one adtd runs against)")
	port := flag.Int("port", 4222, "NATS port to listen on")
	wsPort := flag.Int("ws-port", 0, "NATS WebSocket port (0 disables it)")
	flag.Parse()

	homeDir := expandHome(*home)
	logger := log.New(os.Stderr, "[BRIDGE] ", log.LstdFlags)

	c, err := core.New(homeDir)
	if err != nil {
		logger.Fatalf("failed to open core at %s: %v", homeDir, err)
	}
	defer c.Close()

	srv, err := adtnats.NewEmbeddedServer(adtnats.EmbeddedServerConfig{
		Port:          *port,
		WebSocketPort: *wsPort,
	})
	if err != nil {
		logger.Fatalf("failed to create embedded NATS server: %v", err)
	}
	if err := srv.Start(); err != nil {
		logger.Fatalf("failed to start embedded NATS server: %v", err)
	}
	defer srv.Shutdown()

	client, err := adtnats.NewClient(srv.URL())
	if err != nil {
		logger.Fatalf("failed to connect bridge client: %v", err)
	}
	defer client.Close()

	bridge := adtnats.NewBridge(client, logger)
	bridge.Subscribe(c.Bus)

	logger.Printf("bridging %s events onto %s (subjects: <event-type>)", homeDir, srv.URL())

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	logger.Println("shutting down")
}

func expandHome(home string) string {
	if home == "~" || (len(home) >= 2 && home[:2] == "~/") {
		if dir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(dir, home[1:])
		}
	}
	return home
}
