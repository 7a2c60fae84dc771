package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/promptdock/bridge/internal/agent"
	"github.com/promptdock/bridge/internal/audit"
	"github.com/promptdock/bridge/internal/config"
	"github.com/promptdock/bridge/internal/coordinator"
	"github.com/promptdock/bridge/internal/identity"
	"github.com/promptdock/bridge/internal/metrics"
	"github.com/promptdock/bridge/internal/pairing"
	"github.com/promptdock/bridge/internal/plan"
	"github.com/promptdock/bridge/internal/server"
	"github.com/promptdock/bridge/internal/session"
	"github.com/promptdock/bridge/internal/workspace"
)

const (
	shutdownGrace = 10 * time.Second
	sweepInterval = time.Minute
)

// runStart wires the whole daemon and serves both listeners until a signal
// arrives.
func runStart(cmd *cobra.Command, args []string) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logFile, err := setupLogging(stateDir, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logFile.Close()

	id, err := identity.LoadOrCreate(stateDir)
	if err != nil {
		return fmt.Errorf("failed to load bridge identity: %w", err)
	}
	auditLog, err := audit.Open(filepath.Join(stateDir, "audit.log"))
	if err != nil {
		return err
	}
	defer auditLog.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	pairings := pairing.NewRegistry()
	sessions := session.NewStore(session.Options{
		SessionTimeout:       cfg.SessionTimeout(),
		MaxCommandsPerMinute: cfg.Security.MaxCommandsPerMinute,
		Audit:                auditLog,
	})
	plans := plan.NewRegistry()
	sup := agent.New(cfg.Agents, auditLog, m)
	work := workspace.NewGitCLI()
	coord := coordinator.New(plans, sup, work, coordinator.NewBus(), auditLog, m, cfg.Git, cfg.AgentTimeout())
	defer coord.Close()

	srv := server.New(server.Deps{
		Config:   cfg,
		Identity: id,
		Pairings: pairings,
		Sessions: sessions,
		Plans:    plans,
		Coord:    coord,
		Agents:   sup,
		Work:     work,
		Audit:    auditLog,
		Metrics:  m,
		Version:  version,
	})

	pidPath := filepath.Join(stateDir, "daemon.pid")
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	wsSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.WSPort),
		Handler: srv.WSHandler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(httpSrv) })
	g.Go(func() error { return serve(wsSrv) })
	g.Go(func() error {
		sweeper(ctx, sessions, plans, coord, m)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("[Daemon] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		wsSrv.Shutdown(shutdownCtx)
		httpSrv.Shutdown(shutdownCtx)
		return nil
	})

	slog.Info("[Daemon] Listening",
		"http", httpSrv.Addr, "ws", wsSrv.Addr, "version", version, "state_dir", stateDir)

	if cfg.Hub != "" && !flagNoOpen {
		if err := openBrowser(cfg.Hub); err != nil {
			slog.Warn("[Daemon] Failed to open hub", "url", cfg.Hub, "error", err)
		}
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	slog.Info("[Daemon] Stopped")
	return nil
}

// loadConfig layers CLI flags on top of the file + env document.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := flagConfig
	if path == "" {
		stateDir, err := config.StateDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(stateDir, "config.json")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd != nil && cmd.Flags().Changed("port") {
		cfg.Port = flagPort
		cfg.WSPort = flagPort + 1
	}
	if flagAgent != "" {
		cfg.Agents.Preferred = flagAgent
	}
	if flagHub != "" {
		cfg.Hub = flagHub
	}
	if flagVerbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging sends slog output to stderr and <state>/daemon.log.
func setupLogging(stateDir, level string) (*os.File, error) {
	logFile, err := os.OpenFile(filepath.Join(stateDir, "daemon.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open daemon log: %w", err)
	}

	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, logFile), &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
	return logFile, nil
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sweeper periodically drops expired sessions, stale plans, and retained
// terminal executions.
func sweeper(ctx context.Context, sessions *session.Store, plans *plan.Registry,
	coord *coordinator.Coordinator, m *metrics.Metrics) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sessions.Sweep()
			expired := plans.Sweep()
			for i := 0; i < expired; i++ {
				m.RecordPlanEvent("expired")
			}
			coord.Sweep()
			m.ActiveSessions.Set(float64(sessions.Count()))
		case <-ctx.Done():
			return
		}
	}
}

func writePIDFile(path string) error {
	if pid, ok := readPIDFile(path); ok && processAlive(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

func readPIDFile(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func openBrowser(url string) error {
	var c *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		c = exec.Command("open", url)
	case "windows":
		c = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		c = exec.Command("xdg-open", url)
	}
	return c.Start()
}
