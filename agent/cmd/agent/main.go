// Command agent runs the fleet host agent.
//
// # Usage
//
//	agent --controller https://fleet.example.net:8441
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (FLEET_*)
// - Config file (--config)
//
// # Examples
//
// Run with config file:
//
//	agent --config /etc/fleet-agent/agent.yaml
//
// Run with environment variables:
//
//	FLEET_CONTROLLER_URL=https://fleet.example.net:8441 \
//	FLEET_CONTROLLER_TOKEN=... \
//	agent
//
// The agent re-executes itself as "agent status-worker" to run status
// commands in an isolated child process.
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

	"github.com/pilot-net/fleet-agent/agent"
	"github.com/pilot-net/fleet-agent/agent/internal/config"
	"github.com/pilot-net/fleet-agent/agent/internal/logger"
	"github.com/pilot-net/fleet-agent/agent/internal/restarter"
	"github.com/pilot-net/fleet-agent/agent/internal/statusworker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	workerMode := len(args) > 0 && args[0] == statusworker.Subcommand
	if workerMode {
		args = args[1:]
	}

	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	var (
		configFile = fs.String("config", "", "Path to config file")
		controller = fs.String("controller", "", "Controller URL")
		hostname   = fs.String("hostname", "", "Hostname reported to the controller")
		debug      = fs.Bool("debug", false, "Enable debug logging")
		version    = fs.Bool("version", false, "Print version and exit")
	)
	_ = fs.Parse(args)

	if *version {
		fmt.Printf("fleet-agent %s\n", agent.Version)
		return 0
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet-agent: %v\n", err)
		return 1
	}
	if *controller != "" {
		cfg.Controller.URL = *controller
	}
	if *hostname != "" {
		cfg.Agent.Hostname = *hostname
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet-agent: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if workerMode {
		return runStatusWorker(ctx, cfg, log.Named("statusworker-child"))
	}
	return runAgent(ctx, cfg, *configFile, log)
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		fileCfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAgent(ctx context.Context, cfg *config.Config, configFile string, log *zap.SugaredLogger) int {
	if err := cfg.Validate(); err != nil {
		log.Errorw("Invalid configuration", "error", err)
		return 1
	}

	a, err := agent.New(cfg, configFile, log)
	if err != nil {
		log.Errorw("Failed to create agent", "error", err)
		return 1
	}

	err = a.Run(ctx)
	switch {
	case errors.Is(err, restarter.ErrExitRequired):
		log.Infow("Exiting for restart", "exit_code", restarter.ExitCode)
		return restarter.ExitCode
	case err != nil && !errors.Is(err, context.Canceled):
		log.Errorw("Agent exited with error", "error", err)
		return 1
	}

	log.Info("Agent shutdown complete")
	return 0
}

// runStatusWorker serves the supervisor over stdin/stdout until stdin closes
// or the process is signalled.
func runStatusWorker(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) int {
	if err := agent.ServeStatusWorker(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("Status worker failed", "error", err)
		return 1
	}
	return 0
}
