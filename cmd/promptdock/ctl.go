package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/promptdock/bridge/internal/agent"
	"github.com/promptdock/bridge/internal/audit"
	"github.com/promptdock/bridge/internal/config"
	"github.com/promptdock/bridge/internal/metrics"
)

const stopWait = 10 * time.Second

// runStop signals a running daemon and waits for it to exit.
func runStop(cmd *cobra.Command, args []string) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	pidPath := filepath.Join(stateDir, "daemon.pid")

	pid, ok := readPIDFile(pidPath)
	if !ok || !processAlive(pid) {
		os.Remove(pidPath)
		return fmt.Errorf("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			os.Remove(pidPath)
			fmt.Printf("Stopped daemon (pid %d)\n", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not stop within %s", pid, stopWait)
}

// runStatus reports pid liveness and the daemon's own health view.
func runStatus(cmd *cobra.Command, args []string) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}

	pid, ok := readPIDFile(filepath.Join(stateDir, "daemon.pid"))
	if !ok || !processAlive(pid) {
		fmt.Println("Daemon: not running")
		return nil
	}
	fmt.Printf("Daemon: running (pid %d)\n", pid)

	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Port))
	if err != nil {
		fmt.Println("Health: unreachable:", err)
		return nil
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	out, _ := json.MarshalIndent(health, "", "  ")
	fmt.Println("Health:", string(out))
	return nil
}

// runLogs prints the trailing daemon log, optionally following appends.
func runLogs(cmd *cobra.Command, args []string) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	path := filepath.Join(stateDir, "daemon.log")

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("no daemon log at %s", path)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if flagLogLines > 0 && len(lines) > flagLogLines {
		lines = lines[len(lines)-flagLogLines:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}

	if !flagLogFollow {
		return nil
	}
	for {
		time.Sleep(500 * time.Millisecond)
		chunk, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		if len(chunk) > 0 {
			os.Stdout.Write(chunk)
		}
	}
}

// runConfig prints the effective configuration document.
func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runTestAgent locates one agent binary and reports what the daemon would
// use.
func runTestAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	sup := agent.New(cfg.Agents, audit.New(io.Discard), metrics.New(prometheus.NewRegistry()))
	info, err := sup.Locate(agent.Kind(args[0]))
	if err != nil {
		return fmt.Errorf("agent %q not usable: %w", args[0], err)
	}

	fmt.Printf("Agent:   %s\n", info.Name)
	fmt.Printf("Path:    %s\n", info.Path)
	fmt.Printf("Version: %s\n", info.Version)
	if info.Beta {
		fmt.Println("Support: beta")
	}
	return nil
}
