package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aosanya/apc/internal/agent"
	"github.com/aosanya/apc/internal/agentrunner"
	"github.com/aosanya/apc/internal/config"
	"github.com/aosanya/apc/internal/coordinator"
	"github.com/aosanya/apc/internal/eventbus"
	"github.com/aosanya/apc/internal/ipc"
	"github.com/aosanya/apc/internal/metrics"
	"github.com/aosanya/apc/internal/registry"
	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/task"
	"github.com/aosanya/apc/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and its IPC endpoint",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	pool, err := agent.NewPool(cfg.Pool.Size)
	if err != nil {
		return err
	}
	tasks := task.NewRegistry()
	occupancy := task.NewOccupancyTable()
	conflicts := task.NewConflictTable()
	signals := signalbus.New(signalbus.Config{
		RetentionTTL:  cfg.SignalBus.RetentionTTL,
		RetentionSize: cfg.SignalBus.RetentionSize,
	})
	events := eventbus.New()

	runner := agentrunner.New(cfg.AgentRunner.Command, cfg.AgentRunner.Args,
		filepath.Join(cfg.SessionsRoot, "logs", "agents"))

	svc := &workflow.Services{
		Agents: pool, Tasks: tasks, Occupancy: occupancy, Conflicts: conflicts,
		Signals: signals, Events: events, AgentRunner: runner,
	}

	reg := registry.New()
	registry.RegisterDefaultTypes(reg, tasks, conflicts, occupancy)

	// Watch every existing session's plan.md so revisions rewriting the
	// file on disk are re-parsed without an explicit reload request.
	watcher, err := task.NewPlanWatcher(tasks)
	if err != nil {
		return err
	}
	defer watcher.Close()
	if entries, err := os.ReadDir(cfg.SessionsRoot); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			planPath := filepath.Join(cfg.SessionsRoot, e.Name(), "plan.md")
			if _, err := os.Stat(planPath); err != nil {
				continue
			}
			if err := watcher.Watch(e.Name(), planPath); err != nil {
				log.WithFields(log.Fields{"session_id": e.Name(), "err": err}).
					Warn("failed to watch session plan file")
			}
		}
	}

	stateDir := filepath.Join(cfg.SessionsRoot, "workflows")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}

	coord := coordinator.New(coordinator.Config{
		ReconcileInterval: cfg.Coordinator.ReconcileInterval,
		StateDir:          stateDir,
	}, reg, tasks, svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		return err
	}

	m := metrics.New(pool, signals, events)
	defer m.Close()

	server := ipc.NewServer(ipc.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}, coord, pool, events, m.Handler())

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = coord.Stop()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.WithField("err", err).Warn("IPC server shutdown failed")
	}
	return coord.Stop()
}

func setupLogging(cfg *config.Config) {
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}
