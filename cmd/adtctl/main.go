// Command adtctl is the operator's CLI surface onto a running adtd: token
// management, agent control, the task queue, and config/vault inspection.
// Every subcommand except "server start" talks to the core exclusively
// over its HTTP API — adtctl never opens the home directory's database
// directly, so it works the same whether it runs on the same host as adtd
// or against a forwarded port.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dawalama/agent-dev-tool/internal/config"
	"github.com/dawalama/agent-dev-tool/internal/core"
	"github.com/dawalama/agent-dev-tool/internal/instance"
	"github.com/dawalama/agent-dev-tool/internal/security"
	"github.com/dawalama/agent-dev-tool/internal/server"
)

func main() {
	homeFlag := flag.String("home", "~/.adt", "adt home directory (used for config/vault access and for \"server\" lifecycle commands)")
	addrFlag := flag.String("addr", "", "base URL of the running adtd (default: read from config.yml)")
	tokenFlag := flag.String("token", os.Getenv("ADT_TOKEN"), "bearer token (default: $ADT_TOKEN)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	home := expandHome(*homeFlag)
	group, rest := args[0], args[1:]

	if group == "server" {
		runServer(home, rest)
		return
	}
	if group == "config" {
		runConfig(home, rest)
		return
	}

	cl := newAPIClient(home, *addrFlag, *tokenFlag)
	switch group {
	case "token":
		runToken(cl, rest)
	case "agent":
		runAgent(cl, rest)
	case "queue":
		runQueue(cl, rest)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: adtctl [-home DIR] [-addr URL] [-token TOKEN] <group> <action> [args...]

server   start | status | stop
config   init | show | path | set-secret <key> <value> | get-secret <key> | list-secrets | delete-secret <key>
token    create <name> <role> | list | revoke <id>
agent    spawn <project> <provider> <workdir> <prompt> | stop <id> | logs <id> | list
queue    add <project> <title> <description> | list [project] | cancel <id> | stats

Every group but "server" and "config" talks to adtd over HTTP; set -token or $ADT_TOKEN.`)
}

func expandHome(home string) string {
	if home == "~" || (len(home) >= 2 && home[:2] == "~/") {
		if dir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(dir, home[1:])
		}
	}
	return home
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// --- HTTP client -----------------------------------------------------

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(home, addr, token string) *apiClient {
	if addr == "" {
		cfg, err := config.Load(filepath.Join(home, "config.yml"))
		if err == nil {
			addr = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		} else {
			addr = "http://127.0.0.1:8420"
		}
	}
	return &apiClient{baseURL: addr, token: token, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- server ---
//
// "start" boots the core in-process (it IS the daemon); "status"/"stop"
// inspect and signal an already-running adtd by reading the same
// adtd.pid/adtd.lock files adtd itself uses, since neither of those
// operations can be served over HTTP once the process is gone or hung.
func runServer(home string, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "start":
		startServer(home)
		return
	case "status", "stop":
		// handled below
	default:
		usage()
		os.Exit(1)
	}

	pidPath := filepath.Join(home, "adtd.pid")
	lockPath := filepath.Join(home, "adtd.lock")
	mgr := instance.NewManager(pidPath, lockPath, 0)

	info, err := mgr.CheckExisting()
	if err != nil {
		fatal(err)
	}
	if info == nil {
		fmt.Println("no adt instance is currently running")
		return
	}

	switch args[0] {
	case "status":
		fmt.Printf("PID:        %d\n", info.PID)
		fmt.Printf("Port:       %d\n", info.Port)
		fmt.Printf("Started:    %s\n", info.StartTime.Format(time.RFC3339))
		fmt.Printf("Responding: %v\n", info.IsResponding)

	case "stop":
		proc, err := os.FindProcess(info.PID)
		if err != nil {
			fatal(err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			fatal(err)
		}
		fmt.Printf("sent SIGTERM to pid %d; use \"adtctl server status\" to confirm shutdown\n", info.PID)
	}
}

func startServer(home string) {
	c, err := core.New(home)
	if err != nil {
		fatal(err)
	}
	defer c.Close()

	pidPath := filepath.Join(home, "adtd.pid")
	lockPath := filepath.Join(home, "adtd.lock")
	mgr := instance.NewManager(pidPath, lockPath, c.Config.Server.Port)

	existing, err := mgr.CheckExisting()
	if err != nil {
		fatal(err)
	}
	if err := instance.Resolve(existing); err != nil {
		fatal(err)
	}
	if err := mgr.AcquireLock(); err != nil {
		fatal(err)
	}
	defer mgr.ReleaseLock()

	if err := mgr.WritePIDFile(os.Getpid(), c.Config.Server.Port, home); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write PID file: %v\n", err)
	}
	defer mgr.RemovePIDFile()

	fmt.Printf("adt home=%s addr=%s:%d\n", home, c.Config.Server.Host, c.Config.Server.Port)
	srv := server.New(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start(ctx) }()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		fmt.Printf("\nshutting down (%s)...\n", sig)
		cancel()
		if err := <-serverErr; err != nil {
			fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		}
	}
}

// --- config ---
//
// config is the one other group that never goes over HTTP: it is how an
// operator lays down config.yml and vault secrets in the first place,
// before there is a server to talk to.
func runConfig(home string, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	configPath := filepath.Join(home, "config.yml")

	switch args[0] {
	case "init":
		if err := os.MkdirAll(home, 0o700); err != nil {
			fatal(err)
		}
		if err := config.Save(configPath, config.Default()); err != nil {
			fatal(err)
		}
		fmt.Printf("wrote %s\n", configPath)

	case "path":
		fmt.Println(configPath)

	case "show":
		cfg, err := config.Load(configPath)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("home: %s\n", cfg.Home)
		fmt.Printf("server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("agents.default_provider: %s\n", cfg.Agents.DefaultProvider)
		fmt.Printf("agents.max_concurrent: %d\n", cfg.Agents.MaxConcurrent)

	case "set-secret":
		if len(args) != 3 {
			fatal(fmt.Errorf("usage: adtctl config set-secret <key> <value>"))
		}
		v := security.NewVault(home)
		if err := v.Load(); err != nil {
			fatal(err)
		}
		if err := v.Set(args[1], args[2]); err != nil {
			fatal(err)
		}
		fmt.Printf("secret %q saved\n", args[1])

	case "get-secret":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: adtctl config get-secret <key>"))
		}
		v := security.NewVault(home)
		if err := v.Load(); err != nil {
			fatal(err)
		}
		val, ok := v.Get(args[1])
		if !ok {
			fatal(fmt.Errorf("no such secret: %s", args[1]))
		}
		fmt.Println(val)

	case "list-secrets":
		v := security.NewVault(home)
		if err := v.Load(); err != nil {
			fatal(err)
		}
		for _, k := range v.ListKeys() {
			fmt.Println(k)
		}

	case "delete-secret":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: adtctl config delete-secret <key>"))
		}
		v := security.NewVault(home)
		if err := v.Load(); err != nil {
			fatal(err)
		}
		if err := v.Delete(args[1]); err != nil {
			fatal(err)
		}
		fmt.Printf("secret %q deleted\n", args[1])

	default:
		usage()
		os.Exit(1)
	}
}

// --- token ---

func runToken(cl *apiClient, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		if len(args) != 3 {
			fatal(fmt.Errorf("usage: adtctl token create <name> <role>"))
		}
		req := map[string]interface{}{"name": args[1], "role": args[2]}
		var resp struct {
			Token string `json:"token"`
			ID    string `json:"id"`
			Role  string `json:"role"`
		}
		if err := cl.do(http.MethodPost, "/tokens", req, &resp); err != nil {
			fatal(err)
		}
		fmt.Printf("token id: %s\n", resp.ID)
		fmt.Printf("bearer:   %s\n", resp.Token)
		fmt.Println("(store the bearer now — it is not recoverable once lost)")

	case "list":
		var toks []security.Token
		if err := cl.do(http.MethodGet, "/tokens", nil, &toks); err != nil {
			fatal(err)
		}
		for _, t := range toks {
			status := "active"
			if t.Revoked {
				status = "revoked"
			}
			fmt.Printf("%s  %-20s %-10s %s\n", t.ID, t.Name, t.Role, status)
		}

	case "revoke":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: adtctl token revoke <id>"))
		}
		if err := cl.do(http.MethodDelete, "/tokens/"+args[1], nil, nil); err != nil {
			fatal(err)
		}
		fmt.Printf("token %s revoked\n", args[1])

	default:
		usage()
		os.Exit(1)
	}
}

// --- agent ---

func runAgent(cl *apiClient, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "spawn":
		if len(args) != 5 {
			fatal(fmt.Errorf("usage: adtctl agent spawn <project> <provider> <workdir> <prompt>"))
		}
		req := map[string]string{
			"project":  args[1],
			"provider": args[2],
			"work_dir": args[3],
			"prompt":   args[4],
		}
		var sess struct {
			ID  string `json:"id"`
			PID int    `json:"pid"`
		}
		if err := cl.do(http.MethodPost, "/agents/spawn", req, &sess); err != nil {
			fatal(err)
		}
		fmt.Printf("spawned agent %s (pid %d)\n", sess.ID, sess.PID)

	case "stop":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: adtctl agent stop <id>"))
		}
		if err := cl.do(http.MethodPost, "/agents/"+args[1]+"/stop", nil, nil); err != nil {
			fatal(err)
		}
		fmt.Printf("stopping agent %s\n", args[1])

	case "logs":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: adtctl agent logs <id>"))
		}
		req, err := http.NewRequest(http.MethodGet, cl.baseURL+"/api/v1/agents/"+args[1]+"/logs", nil)
		if err != nil {
			fatal(err)
		}
		if cl.token != "" {
			req.Header.Set("Authorization", "Bearer "+cl.token)
		}
		resp, err := cl.http.Do(req)
		if err != nil {
			fatal(err)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)

	case "list":
		var sessions []struct {
			ID        string    `json:"id"`
			Project   string    `json:"project"`
			Status    string    `json:"status"`
			StartedAt time.Time `json:"started_at"`
		}
		if err := cl.do(http.MethodGet, "/agents", nil, &sessions); err != nil {
			fatal(err)
		}
		for _, s := range sessions {
			fmt.Printf("%-24s %-10s %-10s %s\n", s.ID, s.Project, s.Status, s.StartedAt.Format(time.RFC3339))
		}

	default:
		usage()
		os.Exit(1)
	}
}

// --- queue ---

func runQueue(cl *apiClient, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "add":
		if len(args) != 4 {
			fatal(fmt.Errorf("usage: adtctl queue add <project> <title> <description>"))
		}
		req := map[string]string{"project": args[1], "title": args[2], "description": args[3]}
		var task struct {
			ID string `json:"id"`
		}
		if err := cl.do(http.MethodPost, "/tasks", req, &task); err != nil {
			fatal(err)
		}
		fmt.Printf("queued task %s\n", task.ID)

	case "list":
		path := "/tasks"
		if len(args) > 1 {
			path += "?project=" + args[1]
		}
		var all []struct {
			ID      string `json:"id"`
			Project string `json:"project"`
			Status  string `json:"status"`
			Title   string `json:"title"`
		}
		if err := cl.do(http.MethodGet, path, nil, &all); err != nil {
			fatal(err)
		}
		for _, t := range all {
			fmt.Printf("%-36s %-10s %-12s %s\n", t.ID, t.Project, t.Status, t.Title)
		}

	case "cancel":
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: adtctl queue cancel <id>"))
		}
		if err := cl.do(http.MethodPost, "/tasks/"+args[1]+"/cancel", nil, nil); err != nil {
			fatal(err)
		}
		fmt.Printf("cancelled task %s\n", args[1])

	case "stats":
		var all []struct {
			Status string `json:"status"`
		}
		if err := cl.do(http.MethodGet, "/tasks", nil, &all); err != nil {
			fatal(err)
		}
		counts := map[string]int{}
		for _, t := range all {
			counts[t.Status]++
		}
		for status, n := range counts {
			fmt.Printf("%-14s %d\n", status, n)
		}

	default:
		usage()
		os.Exit(1)
	}
}
