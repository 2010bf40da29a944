// Package runtime wires every subsystem together in the construction
// order the daemon entrypoint needs: tracing first (the logger is passed
// in), then persistence, the Message Hub, the Workflow Manager, the Agent
// Pool and its dispatcher, the Concurrency Scheduler, the runtime-
// instruction bus, and finally the orchestrator facade (grounded on
// apps/backend/cmd/orchestrator/main.go's numbered construction order).
package runtime

import (
	"context"
	"fmt"
	"strings"

	dockerclient "github.com/docker/docker/client"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/taskforge/conductor/internal/agent"
	"github.com/taskforge/conductor/internal/agent/dispatch"
	agentruntime "github.com/taskforge/conductor/internal/agent/runtime"
	"github.com/taskforge/conductor/internal/common/config"
	cerrors "github.com/taskforge/conductor/internal/common/errors"
	"github.com/taskforge/conductor/internal/common/logger"
	"github.com/taskforge/conductor/internal/common/tracing"
	"github.com/taskforge/conductor/internal/hub"
	"github.com/taskforge/conductor/internal/instructionbus"
	"github.com/taskforge/conductor/internal/orchestrator"
	"github.com/taskforge/conductor/internal/react"
	"github.com/taskforge/conductor/internal/scheduler"
	"github.com/taskforge/conductor/internal/session"
	"github.com/taskforge/conductor/internal/workflow"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// Runtime holds every constructed subsystem the daemon drives. Fields are
// exported so cmd/conductord (and tests) can reach into individual
// components without the package exposing a god-object API surface.
type Runtime struct {
	Config *config.Config
	Log    *logger.Logger

	TracingShutdown tracing.Shutdown

	SessionIndex    *session.Index
	SessionStore    *session.Store
	CheckpointStore *session.CheckpointStore

	Hub             *hub.Hub
	moduleRegistry  *hub.ModuleRegistry
	mailbox         *hub.Mailbox
	eventBus        hub.EventBus

	WorkflowManager *workflow.Manager

	AgentRegistry *agent.Registry
	AgentPool     *agentruntime.Pool
	Dispatcher    *dispatch.Dispatcher

	ResourcePool *scheduler.ResourcePool
	Scheduler    *scheduler.Scheduler

	InstructionBus *instructionbus.Bus

	// Orchestrator is the spec §6 command/event facade external transport
	// collaborators (HTTP, WebSocket, CLI) are expected to drive.
	Orchestrator *orchestrator.Facade

	dockerClient *dockerclient.Client
}

// New constructs every subsystem in dependency order and returns a fully
// wired Runtime. It does not start the agent pool's supervised processes
// nor the scheduler's background work — callers drive those explicitly
// once they have registered agents/resources.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Log: log}

	// 1. Tracing (ambient, spec §11).
	shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	rt.TracingShutdown = shutdown

	// 2. Session index (secondary queryable store) + file-backed Store.
	index, err := newSessionIndex(cfg.Database)
	if err != nil {
		return nil, err
	}
	rt.SessionIndex = index
	rt.SessionStore = session.NewStore(cfg.Paths.SessionsDir, index)
	rt.CheckpointStore = session.NewCheckpointStore(cfg.Paths.SessionsDir)

	// 3. Message Hub: module registry, mailbox, event bus.
	rt.moduleRegistry = hub.NewModuleRegistry()
	rt.mailbox = hub.NewMailbox(hub.DefaultMailboxTTL)
	bus, err := newEventBus(cfg, log)
	if err != nil {
		return nil, err
	}
	rt.eventBus = bus
	rt.Hub = hub.New(rt.moduleRegistry, rt.mailbox, rt.eventBus, log)

	// 4. Workflow Manager & FSMs, sharing one OperationGuard so workflow-
	// and task-level triggers are idempotent across retries together.
	guard := workflow.NewOperationGuard()
	rt.WorkflowManager = workflow.NewManager(workflow.NewWorkflowFSM(guard), workflow.NewTaskFSM(guard), log)

	// 5. Agent Pool & Runtime: registry, supervised process factory
	// (local os/exec by default, Docker when an agent's Command carries
	// the docker:// scheme), dispatcher.
	rt.AgentRegistry = agent.NewRegistry(log)
	processFactory, err := rt.newProcessFactory()
	if err != nil {
		return nil, err
	}
	rt.AgentPool = agentruntime.NewPool(rt.AgentRegistry, processFactory, agentruntime.NewHTTPHealthChecker(), cfg.Paths.LogsDir, log)
	rt.Dispatcher = dispatch.New(rt.AgentRegistry, rt.AgentPool, rt.Hub, rt.SessionStore, log)

	// 6. Concurrency Scheduler & Resource Pool.
	rt.ResourcePool = scheduler.NewResourcePool()
	schedCfg := scheduler.Config{
		GlobalMaxConcurrency:   cfg.Scheduler.GlobalMaxConcurrency,
		DegradedMaxConcurrency: cfg.Scheduler.DegradedMaxConcurrency,
		ResourceUsageThreshold: cfg.Scheduler.ResourceUsageThreshold,
		SchedulingOverheadMs:   cfg.Scheduler.SchedulingOverheadMs,
		AgingRateMs:            cfg.Scheduler.AgingRateMs,
		AdaptiveHistoryWeight:  cfg.Scheduler.AdaptiveHistoryWeight,
		PauseNewDispatches:     cfg.Scheduler.PauseNewDispatches,
	}
	rt.Scheduler = scheduler.New(schedCfg, rt.ResourcePool, log)
	rt.Dispatcher.WithScheduler(rt.Scheduler)

	// 7. Runtime-instruction bus (ReACT loop mid-run interjections).
	rt.InstructionBus = instructionbus.New()

	// 8. Orchestrator facade: the single inbound-command/outbound-event
	// surface external transports attach to (spec §6).
	rt.Orchestrator = orchestrator.New(rt.Hub, rt.WorkflowManager, rt.Dispatcher, rt.AgentPool, rt.SessionStore, rt.InstructionBus, log)

	return rt, nil
}

func newSessionIndex(cfg config.DatabaseConfig) (*session.Index, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return session.OpenSQLiteIndex(cfg.DSN)
	case "postgres":
		return session.OpenPostgresIndex(cfg.DSN)
	default:
		return nil, cerrors.Validation("database.driver", fmt.Sprintf("unknown driver %q", cfg.Driver))
	}
}

func newEventBus(cfg *config.Config, log *logger.Logger) (hub.EventBus, error) {
	if cfg.NATS.URL == "" {
		return hub.NewMemoryEventBus(log), nil
	}
	return hub.NewNATSEventBus(cfg.NATS, log)
}

// newProcessFactory returns an agentruntime.ProcessFactory that routes an
// agent config to a LocalProcess or DockerProcess based on its Command
// scheme, lazily dialing the Docker daemon only the first time it is
// actually needed.
func (rt *Runtime) newProcessFactory() (agentruntime.ProcessFactory, error) {
	return func(cfg v1.AgentConfig) agentruntime.AgentProcess {
		if !strings.HasPrefix(cfg.Command, "docker://") {
			return agentruntime.NewLocalProcess()
		}
		cli, err := rt.dockerClientOnce()
		if err != nil {
			rt.Log.Error("failed to create docker client for docker-backed agent", zap.Error(err))
			return agentruntime.NewLocalProcess()
		}
		return agentruntime.NewDockerProcess(cli)
	}, nil
}

func (rt *Runtime) dockerClientOnce() (*dockerclient.Client, error) {
	if rt.dockerClient != nil {
		return rt.dockerClient, nil
	}
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	rt.dockerClient = cli
	return cli, nil
}

// NewMCPToolCatalog dials an MCP server over stdio and returns a ready
// react.MCPToolCatalog, for agents whose ReACT tool catalog is sourced
// from an external MCP server instead of a hardcoded registry (spec
// §4.3's optional adapter).
func NewMCPToolCatalog(ctx context.Context, command string, args []string, env map[string]string) (*react.MCPToolCatalog, error) {
	mcpEnv := make([]string, 0, len(env))
	for k, v := range env {
		mcpEnv = append(mcpEnv, k+"="+v)
	}
	cli, err := mcpclient.NewStdioMCPClient(command, mcpEnv, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp client: %w", err)
	}
	if err := cli.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "conductor", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to initialize mcp client: %w", err)
	}
	return react.NewMCPToolCatalog(cli), nil
}

// Close releases every owned resource: the session index's DB handle, the
// tracer provider's batched exporter, and (if dialed) the Docker client.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.SessionIndex != nil {
		if err := rt.SessionIndex.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.dockerClient != nil {
		if err := rt.dockerClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.TracingShutdown != nil {
		if err := rt.TracingShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("runtime close encountered %d error(s): %v", len(errs), errs)
	}
	return nil
}
