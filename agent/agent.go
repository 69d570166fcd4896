// Package agent provides the main agent implementation.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Resolve controller credentials
//  3. Register with the controller
//  4. Start the action queue and the status worker supervisor
//  5. Heartbeat until shutdown or a restart request
//
// The status worker runs as a child process started from this same binary;
// ServeStatusWorker is its entry point.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/fleet-agent/agent/internal/actionqueue"
	"github.com/pilot-net/fleet-agent/agent/internal/client"
	"github.com/pilot-net/fleet-agent/agent/internal/config"
	"github.com/pilot-net/fleet-agent/agent/internal/controller"
	"github.com/pilot-net/fleet-agent/agent/internal/executor"
	"github.com/pilot-net/fleet-agent/agent/internal/heartbeat"
	"github.com/pilot-net/fleet-agent/agent/internal/hostinfo"
	"github.com/pilot-net/fleet-agent/agent/internal/logger"
	"github.com/pilot-net/fleet-agent/agent/internal/metrics"
	"github.com/pilot-net/fleet-agent/agent/internal/recovery"
	"github.com/pilot-net/fleet-agent/agent/internal/restarter"
	"github.com/pilot-net/fleet-agent/agent/internal/resultstore"
	"github.com/pilot-net/fleet-agent/agent/internal/secrets"
	"github.com/pilot-net/fleet-agent/agent/internal/statusworker"
	"github.com/pilot-net/fleet-agent/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Agent is the host agent.
type Agent struct {
	cfg        *config.Config
	configPath string
	logger     *zap.SugaredLogger

	agentID     string
	credentials secrets.Provider
	store       resultstore.Store
	registry    *executor.Registry
	queue       *actionqueue.Queue
	supervisor  *statusworker.Supervisor
	facts       *hostinfo.System
	recovery    *recovery.Manager
	builder     *heartbeat.Builder
	metrics     *metrics.Metrics
	restarter   *restarter.Restarter

	// Set by Run before any command can complete
	controller *controller.Controller
}

// New creates an agent. configPath is handed to the status worker child so it
// builds the same executors; it may be empty.
func New(cfg *config.Config, configPath string, log *zap.SugaredLogger) (*Agent, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if err := cfg.ResolveHostname(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:        cfg,
		configPath: configPath,
		logger:     log,
		metrics:    metrics.New(),
		restarter: restarter.New(restarter.Config{
			Mode:   cfg.Restart.Mode,
			Unit:   cfg.Restart.Unit,
			Logger: logger.For(log, "restarter"),
		}),
	}

	a.agentID = loadOrCreateAgentID(cfg.Agent.StateFile, log)

	var err error
	if a.credentials, err = secrets.New(cfg.Credentials, logger.For(log, "secrets")); err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	storeCfg := cfg.ResultStore
	if storeCfg.Namespace == "" {
		storeCfg.Namespace = cfg.Agent.Hostname
	}
	if a.store, err = resultstore.New(storeCfg, logger.For(log, "resultstore")); err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}

	a.registry = NewExecutorRegistry(cfg.Commands, log)

	recoveryCfg := cfg.Recovery
	a.recovery = recovery.New(recovery.Config{
		Recovery: &recoveryCfg,
		Logger:   logger.For(log, "recovery"),
	})

	a.queue = actionqueue.New(actionqueue.Config{
		Executor:          a.registry,
		Store:             a.store,
		Retention:         storeCfg.Retention,
		DefaultMaxRetries: cfg.Commands.MaxRetries,
		DefaultRetrySleep: cfg.Commands.RetrySleep,
		ExternalStatus:    !cfg.StatusWorker.InProcess,
		StatusTimeout:     cfg.StatusWorker.Timeout,
		Logger:            logger.For(log, "actionqueue"),
		OnTransition:      a.metrics.Transition,
		OnComplete:        a.commandFinished,
		OnStatus:          a.statusRecorded,
	})

	if !cfg.StatusWorker.InProcess {
		var spawnArgs []string
		if configPath != "" {
			spawnArgs = []string{"-config", configPath}
		}
		a.supervisor = statusworker.New(statusworker.Config{
			Timeout:   cfg.StatusWorker.Timeout,
			QueueSize: cfg.StatusWorker.QueueSize,
			Spawn:     statusworker.SelfSpawner(spawnArgs...),
			Source:    a.queue,
			OnResult:  a.queue.CompleteStatus,
			OnTimeout: func(types.Command) { a.metrics.StatusTimeout() },
			OnRespawn: a.metrics.WorkerRespawn,
			Logger:    logger.For(log, "statusworker"),
		})
	}

	a.facts = hostinfo.NewSystem(hostinfo.Config{
		MountTimeout:    cfg.Host.MountTimeout,
		DiskFullPercent: cfg.Host.DiskFullPercent,
	}, logger.For(log, "hostinfo"))

	a.builder = heartbeat.NewBuilder(heartbeat.Config{
		Hostname: cfg.Agent.Hostname,
		AgentID:  a.agentID,
		Source:   a.queue,
		Facts:    a.facts,
		Recovery: a.recovery,
		Logger:   logger.For(log, "heartbeat"),
	})

	return a, nil
}

// NewExecutorRegistry registers the script executors available on this host.
// A missing interpreter is logged and skipped.
func NewExecutorRegistry(cfg config.CommandsConfig, log *zap.SugaredLogger) *executor.Registry {
	registry := executor.NewRegistry()

	base := executor.ScriptConfig{Timeout: cfg.Timeout, TempDir: cfg.TempDir}
	shell, python := base, base
	shell.Interpreter = cfg.ShellPath
	python.Interpreter = cfg.PythonPath

	for _, e := range []*executor.ScriptExecutor{executor.NewShellExecutor(shell), executor.NewPythonExecutor(python)} {
		if err := registry.Register(e); err != nil {
			log.Warnw("Executor unavailable", "type", e.Type(), "error", err)
			continue
		}
		log.Debugw("Registered executor", "type", e.Type(), "interpreter", e.Capabilities().Dependencies)
	}
	log.Infow("Executor registry ready", "executors", registry.List())
	return registry
}

// Run starts the agent and blocks until ctx is cancelled or the controller
// requests a restart. It returns restarter.ErrExitRequired when the process
// must exit with restarter.ExitCode.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Infow("Starting agent",
		"hostname", a.cfg.Agent.Hostname,
		"agent_id", a.agentID,
		"version", Version,
		"controller", a.cfg.Controller.URL,
	)

	// Credentials are resolved once per process and attached to every request
	creds, err := a.credentials.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	client.Version = Version
	cl, err := client.NewClient(client.Config{
		BaseURL:            a.cfg.Controller.URL,
		Hostname:           a.cfg.Agent.Hostname,
		Username:           creds.Username,
		Password:           creds.Password,
		Token:              creds.Token,
		RequestTimeout:     a.cfg.Controller.RequestTimeout,
		InsecureSkipVerify: a.cfg.Controller.InsecureSkipVerify,
		CACertFile:         a.cfg.Controller.CACertFile,
	})
	if err != nil {
		return fmt.Errorf("creating controller client: %w", err)
	}

	a.controller = controller.New(controller.Config{
		Transport:           cl,
		Queue:               a.queue,
		Builder:             a.builder,
		Recovery:            a.recovery,
		Registration:        a.registration,
		StateReportInterval: a.cfg.Heartbeat.StateReportInterval,
		ActiveInterval:      a.cfg.Heartbeat.ActiveInterval,
		IdleInterval:        a.cfg.Heartbeat.IdleInterval,
		MinInterval:         a.cfg.Heartbeat.MinInterval,
		InitialBackoff:      a.cfg.Controller.InitialBackoff,
		MaxBackoff:          a.cfg.Controller.MaxBackoff,
		Logger:              logger.For(a.logger, "controller"),
		OnHeartbeat:         a.metrics.Heartbeat,
		OnRegistration:      a.metrics.Registration,
		OnRecovery:          a.metrics.RecoveryCommands,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.queue.Run(gctx) })
	if a.supervisor != nil {
		g.Go(func() error { return a.supervisor.Run(gctx) })
	}
	g.Go(func() error { return a.controller.Run(gctx) })
	g.Go(func() error { return a.publishStats(gctx) })
	if a.cfg.Metrics.Listen != "" {
		g.Go(func() error { return a.metrics.Serve(gctx, a.cfg.Metrics.Listen, logger.For(a.logger, "metrics")) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.queue.Stop()
		return nil
	})

	err = g.Wait()
	a.queue.Wait()
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Warnw("Closing result store", "error", cerr)
	}

	if errors.Is(err, controller.ErrRestartRequested) {
		return a.restarter.Restart(context.WithoutCancel(ctx))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// commandFinished runs on the queue worker after each terminal execution
// command.
func (a *Agent) commandFinished(cmd types.Command, result types.CommandResult) {
	a.metrics.CommandFinished(cmd, result)
	a.recovery.ObserveExecution(cmd, result)
	if a.controller != nil {
		a.controller.Notify()
	}
}

func (a *Agent) statusRecorded(cmd types.Command, status types.ComponentStatus) {
	a.metrics.StatusResult(status)
	a.recovery.ObserveStatus(cmd, status)
}

// registration builds the payload sent when a session opens.
func (a *Agent) registration(ctx context.Context) (types.Registration, error) {
	reg := types.Registration{
		Hostname:       a.cfg.Agent.Hostname,
		PublicHostname: publicHostname(a.cfg.Agent.PublicHostname),
		AgentID:        a.agentID,
		AgentVersion:   Version,
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	env, err := a.facts.Facts(ctx)
	if err != nil {
		a.logger.Warnw("Registering without host facts", "error", err)
	} else {
		reg.HardwareProfile = env
	}
	if mounts, err := a.facts.Mounts(ctx); err == nil {
		reg.Mounts = mounts
	}
	return reg, nil
}

func (a *Agent) publishStats(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.metrics.QueueStats(a.queue.Stats())
			a.metrics.AlertDefinitions(a.queue.AlertDefinitions())
		}
	}
}

// =============================================================================
// STATUS WORKER
// =============================================================================

// ServeStatusWorker is the entry point of the status worker child process.
// It answers requests on stdin with results on stdout until stdin closes.
func ServeStatusWorker(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	registry := NewExecutorRegistry(cfg.Commands, log)
	return statusworker.Serve(ctx, os.Stdin, os.Stdout, registry)
}

// =============================================================================
// IDENTITY
// =============================================================================

// loadOrCreateAgentID keeps a stable agent id across restarts. If the state
// file cannot be written the id lives for this process only.
func loadOrCreateAgentID(path string, log *zap.SugaredLogger) string {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
				return id.String()
			}
			log.Warnw("Ignoring malformed agent id file", "path", path)
		}
	}

	id := uuid.NewString()
	if path == "" {
		return id
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warnw("Agent id not persisted", "path", path, "error", err)
		return id
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		log.Warnw("Agent id not persisted", "path", path, "error", err)
	}
	return id
}

// publicHostname returns the configured public name, FLEET_PUBLIC_HOSTNAME,
// or the address of the interface holding the default route.
func publicHostname(configured string) string {
	if configured != "" {
		return configured
	}
	if name := os.Getenv("FLEET_PUBLIC_HOSTNAME"); name != "" {
		return name
	}

	// No packets are sent for a UDP dial
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
