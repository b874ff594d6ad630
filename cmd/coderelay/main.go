// Package main is the entry point for the coderelay daemon. The single
// binary spawns the agent subprocess, serves the REST/SSE/WebSocket API,
// and owns the embedded database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/project"
	"github.com/coderelay/coderelay/internal/push"
	"github.com/coderelay/coderelay/internal/server"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/internal/terminal"
	"github.com/coderelay/coderelay/internal/thread"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting coderelay...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory unless NATS is configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := providedBus.Bus

	// 4. Persistent store. Open failure is fatal by policy.
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer st.Close()
	log.Info("Database ready", zap.String("path", cfg.Database.Path))

	// 5. Project allowlist
	projects, err := project.Load(cfg, log)
	if err != nil {
		log.Fatal("Failed to load project allowlist", zap.Error(err))
	}

	// 6. Agent supervisor. The agent is fail-stop for the run: it is
	// spawned once here and never restarted.
	supervisor := agent.NewSupervisor(cfg.Agent, eventBus, log)
	if err := supervisor.Start(ctx); err != nil {
		log.Fatal("Failed to start agent", zap.String("command", cfg.Agent.Command), zap.Error(err))
	}

	// 7. Services
	threads := thread.NewService(cfg, st, supervisor, projects, eventBus, log)
	orch := orchestrator.New(cfg, st, supervisor, threads, eventBus, log)
	supervisor.SetNotificationHandler(orch.HandleNotification)
	supervisor.SetRequestHandler(orch.HandleRequest)

	if err := threads.Start(ctx); err != nil {
		log.Fatal("Failed to start thread service", zap.Error(err))
	}
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	terminals := terminal.NewManager(cfg, st, log)
	if cfg.Terminal.Enabled {
		terminals.Start()
	}

	notifier := push.NewNotifier(cfg.Push, log)
	pushSvc := push.NewService(st, notifier, eventBus, log)
	if err := pushSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start push service", zap.Error(err))
	}

	// 8. HTTP boundary. Bind failure is fatal by policy.
	srv := server.New(cfg, orch, threads, terminals, pushSvc, projects, supervisor, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("coderelay ready",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("auth_enabled", cfg.Auth.Token != ""),
		zap.Bool("terminal_enabled", cfg.Terminal.Enabled))

	// 9. Wait for shutdown signal or agent death. Losing the agent does
	// not kill the daemon (jobs fail, history stays readable), so only a
	// signal tears everything down.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-supervisor.Done():
		log.Warn("Agent process exited; daemon stays up for history and terminals",
			zap.Int("exit_code", supervisor.ExitCode()))
		<-quit
	}

	log.Info("Shutting down coderelay...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	orch.Stop(shutdownCtx)
	terminals.Stop()
	if err := supervisor.Stop(shutdownCtx); err != nil {
		log.Error("Agent stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("coderelay stopped")
}
