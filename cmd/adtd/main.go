package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dawalama/agent-dev-tool/internal/core"
	"github.com/dawalama/agent-dev-tool/internal/instance"
	"github.com/dawalama/agent-dev-tool/internal/server"
)

// ANSI color codes for terminal output
const (
	colorGreen = "\033[32m"
	colorReset = "\033[0m"
)

func main() {
	home := flag.String("home", "~/.adt", "adt home directory (config, vault, database, logs)")
	status := flag.Bool("status", false, "Show status of the running instance")
	stop := flag.Bool("stop", false, "Stop the running instance gracefully")
	flag.Parse()

	homeDir := expandHome(*home)

	if *status {
		showInstanceStatus(homeDir)
		return
	}
	if *stop {
		stopInstance(homeDir)
		return
	}

	c, err := core.New(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize core: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	pidPath := filepath.Join(homeDir, "adtd.pid")
	lockPath := filepath.Join(homeDir, "adtd.lock")
	instMgr := instance.NewManager(pidPath, lockPath, c.Config.Server.Port)

	existing, err := instMgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to check for an existing instance: %v\n", err)
		os.Exit(1)
	}
	if err := instance.Resolve(existing); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if err := instMgr.AcquireLock(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire instance lock: %v\n", err)
		os.Exit(1)
	}
	defer instMgr.ReleaseLock()

	printBanner()
	fmt.Print(colorGreen)
	fmt.Printf("  home: %s\n", homeDir)
	fmt.Printf("  addr: %s:%d\n", c.Config.Server.Host, c.Config.Server.Port)
	fmt.Print(colorReset)
	fmt.Println()

	srv := server.New(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(ctx)
	}()

	if err := instMgr.WritePIDFile(os.Getpid(), c.Config.Server.Port, homeDir); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write PID file: %v\n", err)
	}
	defer instMgr.RemovePIDFile()

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

	fmt.Println("goodbye!")
}

func expandHome(home string) string {
	if home == "~" || (len(home) >= 2 && home[:2] == "~/") {
		if dir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(dir, home[1:])
		}
	}
	return home
}

func showInstanceStatus(home string) {
	pidPath := filepath.Join(home, "adtd.pid")
	lockPath := filepath.Join(home, "adtd.lock")
	mgr := instance.NewManager(pidPath, lockPath, 0)

	info, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if info == nil {
		fmt.Println("no adt instance is currently running")
		return
	}

	fmt.Println()
	fmt.Println("adt instance status")
	fmt.Println("--------------------")
	fmt.Printf("PID:       %d\n", info.PID)
	fmt.Printf("Port:      %d\n", info.Port)
	fmt.Printf("Started:   %s (%s ago)\n", info.StartTime.Format(time.RFC3339), time.Since(info.StartTime).Round(time.Second))
	fmt.Printf("Responding: %v\n", info.IsResponding)
	fmt.Println()
}

func stopInstance(home string) {
	pidPath := filepath.Join(home, "adtd.pid")
	lockPath := filepath.Join(home, "adtd.lock")
	mgr := instance.NewManager(pidPath, lockPath, 0)

	info, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if info == nil {
		fmt.Println("no adt instance is currently running")
		return
	}

	fmt.Printf("sending SIGTERM to pid %d...\n", info.PID)
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to find process: %v\n", err)
		os.Exit(1)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "failed to signal process: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("signal sent; use -status to confirm shutdown")
}

func printBanner() {
	fmt.Println()
	fmt.Println("  adt — agent dev tool")
	fmt.Println("  local command center for AI coding agents")
	fmt.Println()
}
