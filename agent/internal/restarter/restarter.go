// Package restarter restarts the agent when the controller asks for it.
//
// Under systemd the unit is restarted with systemctl. Otherwise, or when
// systemctl fails, the caller exits with ExitCode and relies on its service
// manager's restart policy.
package restarter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExitCode asks the service manager to restart the agent.
const ExitCode = 77

// ErrExitRequired means the caller must exit with ExitCode.
var ErrExitRequired = errors.New("restart requires process exit")

// Modes.
const (
	ModeAuto    = "auto"
	ModeSystemd = "systemd"
	ModeExit    = "exit"
)

// Config for the restarter.
type Config struct {
	// Mode is auto (default), systemd or exit
	Mode string
	// Unit is the systemd unit name (default: fleet-agent)
	Unit   string
	Logger *zap.SugaredLogger
}

// Restarter performs agent restarts.
type Restarter struct {
	mode   string
	unit   string
	logger *zap.SugaredLogger

	// run is exec-based outside tests
	run      func(ctx context.Context, name string, args ...string) error
	lookPath func(string) (string, error)

	mu         sync.Mutex
	restarting bool
}

// New creates a restarter.
func New(cfg Config) *Restarter {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.Unit == "" {
		cfg.Unit = "fleet-agent"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Restarter{
		mode:     cfg.Mode,
		unit:     cfg.Unit,
		logger:   cfg.Logger,
		run:      runCommand,
		lookPath: exec.LookPath,
	}
}

// Restart restarts the agent. It returns ErrExitRequired when the caller has
// to exit instead.
func (r *Restarter) Restart(ctx context.Context) error {
	r.mu.Lock()
	if r.restarting {
		r.mu.Unlock()
		return fmt.Errorf("restart already in progress")
	}
	r.restarting = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.restarting = false
		r.mu.Unlock()
	}()

	switch r.mode {
	case ModeExit:
		return ErrExitRequired
	case ModeSystemd, ModeAuto:
	default:
		return fmt.Errorf("unknown restart mode: %s", r.mode)
	}

	if _, err := r.lookPath("systemctl"); err != nil {
		if r.mode == ModeSystemd {
			return fmt.Errorf("systemctl not found: %w", err)
		}
		r.logger.Infow("systemctl not available, exiting for restart", "exit_code", ExitCode)
		return ErrExitRequired
	}

	r.logger.Infow("Requesting service restart", "unit", r.unit)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.run(ctx, "systemctl", "restart", r.unit); err != nil {
		r.logger.Warnw("systemctl restart failed, exiting for restart", "error", err, "exit_code", ExitCode)
		return ErrExitRequired
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}
