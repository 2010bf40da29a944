// Command conductord is the entry point for the orchestration daemon: it
// loads configuration, wires every subsystem via internal/runtime, loads
// the statically configured agent fleet, and blocks until a shutdown
// signal drains supervised agents and flushes persisted state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/conductor/internal/agent"
	"github.com/taskforge/conductor/internal/common/config"
	"github.com/taskforge/conductor/internal/common/logger"
	"github.com/taskforge/conductor/internal/runtime"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// Exit codes (spec §6).
const (
	exitOK        = 0
	exitFatalInit = 1
	exitPortInUse = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitFatalInit
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitFatalInit
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting conductor daemon")

	// 3. Bind the liveness listener first: a port collision is a distinct,
	// immediately diagnosable failure from a general init error.
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to bind liveness listener", zap.String("addr", addr), zap.Error(err))
		return exitPortInUse
	}
	defer ln.Close()

	// 4. Root context, cancelled on shutdown signal.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Construct every subsystem in dependency order.
	rt, err := runtime.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to construct runtime", zap.Error(err))
		return exitFatalInit
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := rt.Close(closeCtx); err != nil {
			log.Error("runtime close reported errors", zap.Error(err))
		}
	}()

	// 6. Load the statically configured agent fleet and start the
	// auto-start ones (config/agents.json, spec §6).
	if err := loadAgentFleet(ctx, rt, cfg.Paths.AgentsFile, log); err != nil {
		log.Error("failed to load agent fleet", zap.Error(err))
		return exitFatalInit
	}

	// 7. Accept liveness connections in the background; the real
	// HTTP/WebSocket transport is an out-of-scope external collaborator
	// that attaches to this same listener's successor in production.
	go serveLiveness(ctx, ln, log)

	log.Info("conductor daemon started", zap.String("addr", addr))

	// 8. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down conductor daemon")
	cancel()

	// 9. Stop every supervised agent instance, newest concerns first.
	shutdownAgents(rt, log)

	log.Info("conductor daemon stopped")
	return exitOK
}

// loadAgentFleet reads the agents.json declaration file (if present),
// registers each config, and starts the ones with AutoStart set. A
// missing file is not an error: an empty fleet is valid at boot, and agents
// can still be added later through the agent pool's Register.
func loadAgentFleet(ctx context.Context, rt *runtime.Runtime, path string, log *logger.Logger) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Info("no agents.json found, starting with an empty fleet", zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var configs []v1.AgentConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, c := range configs {
		full := agent.WithDefaults(c)
		if _, err := rt.AgentRegistry.Register(full); err != nil {
			return fmt.Errorf("failed to register agent %q: %w", full.ID, err)
		}
		if _, err := rt.AgentPool.Register(full); err != nil {
			return fmt.Errorf("failed to register agent %q with pool: %w", full.ID, err)
		}
		if !full.AutoStart {
			continue
		}
		if err := rt.AgentPool.Start(ctx, full.ID); err != nil {
			log.Error("failed to auto-start agent", zap.String("agentId", full.ID), zap.Error(err))
			continue
		}
		log.Info("auto-started agent", zap.String("agentId", full.ID))
	}
	return nil
}

func shutdownAgents(rt *runtime.Runtime, log *logger.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, inst := range rt.AgentPool.List() {
		if err := rt.AgentPool.Stop(shutdownCtx, inst.AgentID, "daemon_shutdown"); err != nil {
			log.Error("failed to stop agent", zap.String("agentId", inst.AgentID), zap.Error(err))
		}
	}
}

// serveLiveness accepts and immediately closes connections on the bound
// listener, giving an external load balancer or CLI transport something
// to probe before the real transport collaborator attaches.
func serveLiveness(ctx context.Context, ln net.Listener, log *logger.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warn("liveness listener accept error", zap.Error(err))
				return
			}
		}
		conn.Close()
	}
}
