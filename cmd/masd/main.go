package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/mas"
	"github.com/agentmesh/agentmesh/internal/mcp"
	"github.com/agentmesh/agentmesh/internal/skills"
	"github.com/agentmesh/agentmesh/internal/snapshot"
	"github.com/agentmesh/agentmesh/internal/syncer"
	"github.com/agentmesh/agentmesh/internal/tools"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentmesh runtime...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Select the monitor event bus
	var bus events.Bus
	switch cfg.Events.Backend {
	case "nats":
		natsBus, err := events.NewNATSBus(cfg.Events.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		bus = natsBus
		log.Info("Connected to NATS event bus")
	default:
		bus = events.NewMemoryBus(log)
	}
	defer bus.Close()
	monitor := events.NewMonitor(bus, cfg.Events.SubjectPrefix, log)

	// 5. Initialize the LLM client
	llmClient, err := llm.NewHTTPClient(cfg.LLM)
	if err != nil {
		log.Fatal("Failed to initialize LLM client", zap.Error(err))
	}

	// 6. Connect the tool servers
	toolClient := mcp.NewClient(cfg.Tools, log)
	if len(cfg.Tools.Servers) > 0 {
		if err := toolClient.Initialize(ctx); err != nil {
			log.Fatal("Failed to connect tool servers", zap.Error(err))
		}
		defer toolClient.Close()
	}

	// 7. Build the executor registry
	reg := executor.NewRegistry()
	skills.RegisterAll(reg, llmClient, log)
	tools.Register(reg, toolClient, log)
	reg.Freeze()

	// 8. Assemble the capability catalog for ask_info queries
	catalog := skills.Catalog()
	for _, server := range cfg.Tools.Servers {
		catalog = append(catalog, syncer.CapabilityDoc{
			Name: server.Name,
			Kind: "tool",
		})
	}

	// 9. Build the supervisor
	supervisor := mas.New(cfg.Runtime, reg, monitor, log, catalog)

	// 10. Register agents: role config directory, or the built-in catalog
	roleConfigs, err := config.LoadRoleConfigs(cfg.Runtime.RoleConfigDir)
	if err != nil {
		log.Fatal("Failed to load role configs", zap.Error(err))
	}
	if len(roleConfigs) == 0 {
		roleConfigs = config.DefaultRoleConfigs()
	}
	for _, rc := range roleConfigs {
		a, err := supervisor.RegisterAgent(*rc)
		if err != nil {
			log.Fatal("Failed to register agent", zap.String("name", rc.Name), zap.Error(err))
		}
		log.Info("Registered agent",
			zap.String("agent_id", a.ID()),
			zap.String("name", rc.Name),
			zap.String("role", rc.Role))
	}

	// 11. Open the snapshot archive
	var snapper *snapshot.Snapshotter
	if cfg.Snapshot.Enabled {
		store, err := snapshot.Open(cfg.Snapshot.Path)
		if err != nil {
			log.Fatal("Failed to open snapshot archive", zap.Error(err))
		}
		defer store.Close()
		snapper = snapshot.NewSnapshotter(supervisor, store, log, cfg.Snapshot.Interval)
	}

	// 12. Run everything
	errCh := make(chan error, 2)
	go func() { errCh <- supervisor.Run(ctx) }()
	if snapper != nil {
		go func() { errCh <- snapper.Run(ctx) }()
	}

	// 13. Wait for shutdown signal or fatal error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down agentmesh runtime...", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("Runtime failed", zap.Error(err))
		}
	}

	// 14. Graceful shutdown
	cancel()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Shutdown error", zap.Error(err))
	}

	log.Info("agentmesh runtime stopped")
}
