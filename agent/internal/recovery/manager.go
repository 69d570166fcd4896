// Package recovery restarts or reinstalls components that drift away from
// their desired state.
//
// # Design
//
// Desired state is learned from execution commands the controller sends
// (START wants STARTED, INSTALL and STOP want INSTALLED). Current state comes
// from status results and finished execution commands. When the two differ
// for a component enabled in the recovery config, Generate returns an
// AUTO_EXECUTION_COMMAND built from the last controller command of the needed
// kind, so the recovery uses the same script and parameters.
//
// Attempts per component are limited three ways: a token bucket of MaxCount
// per window, a minimum gap between attempts, and a lifetime cap.
package recovery

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

// Role commands that recovery understands.
const (
	RoleCommandStart   = "START"
	RoleCommandInstall = "INSTALL"
	RoleCommandStop    = "STOP"
)

// TaskIDPrefix marks agent-generated task ids.
const TaskIDPrefix = "auto-"

// Config for the manager.
type Config struct {
	Recovery *types.RecoveryConfig
	Logger   *zap.SugaredLogger
	// Now is overridable for tests
	Now func() time.Time
}

type component struct {
	clusterID string
	service   string
	role      string

	desired types.ComponentState
	current types.ComponentState

	// Last controller command per role command, reused as recovery template
	templates map[string]types.Command

	limiter     *rate.Limiter // nil when unlimited
	lastAttempt time.Time
	lifetime    int
	// Task id of the recovery command still running, if any
	inFlight string
}

// Manager tracks component state and generates recovery commands.
type Manager struct {
	logger *zap.SugaredLogger
	now    func() time.Time

	mu         sync.Mutex
	cfg        types.RecoveryConfig
	enabled    map[string]bool
	components map[string]*component
}

// New creates a recovery manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		logger:     cfg.Logger,
		now:        cfg.Now,
		components: make(map[string]*component),
	}
	if cfg.Recovery != nil {
		m.setConfigLocked(*cfg.Recovery)
	} else {
		m.setConfigLocked(types.RecoveryConfig{Type: types.RecoveryDisabled})
	}
	return m
}

// SetConfig replaces the recovery config. Attempt limits start over.
func (m *Manager) SetConfig(cfg *types.RecoveryConfig) {
	if cfg == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setConfigLocked(*cfg)
	m.logger.Infow("Recovery config updated", "type", cfg.Type, "components", cfg.Components)
}

func (m *Manager) setConfigLocked(cfg types.RecoveryConfig) {
	m.cfg = cfg
	m.enabled = make(map[string]bool, len(cfg.Components))
	for _, name := range cfg.Components {
		m.enabled[name] = true
	}
	for _, c := range m.components {
		c.limiter = m.newLimiter()
		c.lifetime = 0
		c.lastAttempt = time.Time{}
	}
}

// newLimiter returns nil when no windowed limit is configured.
func (m *Manager) newLimiter() *rate.Limiter {
	if m.cfg.MaxCount <= 0 || m.cfg.WindowMinutes <= 0 {
		return nil
	}
	window := time.Duration(m.cfg.WindowMinutes) * time.Minute
	return rate.NewLimiter(rate.Every(window/time.Duration(m.cfg.MaxCount)), m.cfg.MaxCount)
}

func (m *Manager) componentLocked(clusterID, service, role string) *component {
	key := types.ComponentKey(clusterID, service, role)
	c, ok := m.components[key]
	if !ok {
		c = &component{
			clusterID: clusterID,
			service:   service,
			role:      role,
			desired:   types.ComponentInit,
			current:   types.ComponentInit,
			templates: make(map[string]types.Command),
			limiter:   m.newLimiter(),
		}
		m.components[key] = c
	}
	return c
}

// =============================================================================
// OBSERVATION
// =============================================================================

// ObserveExecution records a finished execution command.
func (m *Manager) ObserveExecution(cmd types.Command, result types.CommandResult) {
	if !result.State.IsTerminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.componentLocked(cmd.ClusterID, cmd.ServiceName, cmd.Role)
	succeeded := result.State == types.StateSucceeded

	if cmd.Kind == types.KindAutoExecution {
		if c.inFlight == cmd.TaskID {
			c.inFlight = ""
		}
	} else {
		switch cmd.RoleCommand {
		case RoleCommandStart:
			c.desired = types.ComponentStarted
			c.templates[RoleCommandStart] = cmd
		case RoleCommandInstall:
			c.desired = types.ComponentInstalled
			c.templates[RoleCommandInstall] = cmd
		case RoleCommandStop:
			c.desired = types.ComponentInstalled
		default:
			return
		}
	}

	switch {
	case succeeded && cmd.RoleCommand == RoleCommandStart:
		c.current = types.ComponentStarted
	case succeeded:
		c.current = types.ComponentInstalled
	case cmd.RoleCommand == RoleCommandInstall:
		c.current = types.ComponentInstallFailed
	}
}

// ObserveStatus records a status result. UNKNOWN carries no information and
// is ignored.
func (m *Manager) ObserveStatus(cmd types.Command, status types.ComponentStatus) {
	if status.Status == types.ComponentUnknown {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.componentLocked(status.ClusterID, status.ServiceName, status.ComponentName)
	// A failed install stays failed until an install succeeds
	if c.current == types.ComponentInstallFailed && status.Status == types.ComponentInstalled {
		return
	}
	c.current = status.Status
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate returns recovery commands for components that need them. Nothing
// is generated while an execution command is active.
func (m *Manager) Generate(executionActive bool) []types.Command {
	if executionActive {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled() {
		return nil
	}

	now := m.now()
	var out []types.Command
	for _, key := range m.sortedKeysLocked() {
		c := m.components[key]
		if !m.enabled[c.role] || c.inFlight != "" {
			continue
		}
		roleCommand := m.neededActionLocked(c)
		if roleCommand == "" {
			continue
		}
		tmpl, ok := c.templates[roleCommand]
		if !ok {
			m.logger.Debugw("No command to recover from", "component", key, "action", roleCommand)
			continue
		}
		if !m.mayAttemptLocked(c, now) {
			continue
		}

		cmd := tmpl
		cmd.Kind = types.KindAutoExecution
		cmd.TaskID = TaskIDPrefix + uuid.NewString()
		cmd.RoleCommand = roleCommand
		cmd.MaxRetries = types.Int(1)
		cmd.RetrySleepSeconds = nil
		cmd.ReceivedAt = now

		c.inFlight = cmd.TaskID
		c.lastAttempt = now
		c.lifetime++
		m.logger.Infow("Generated recovery command",
			"component", key,
			"action", roleCommand,
			"task_id", cmd.TaskID,
			"lifetime_attempts", c.lifetime,
		)
		out = append(out, cmd)
	}
	return out
}

func (m *Manager) neededActionLocked(c *component) string {
	switch c.current {
	case types.ComponentInstalled:
		if c.desired == types.ComponentStarted {
			return RoleCommandStart
		}
	case types.ComponentInit, types.ComponentInstallFailed:
		if m.cfg.Type == types.RecoveryAutoInstallStart &&
			(c.desired == types.ComponentInstalled || c.desired == types.ComponentStarted) {
			return RoleCommandInstall
		}
	}
	return ""
}

// mayAttemptLocked consumes a token when an attempt is allowed.
func (m *Manager) mayAttemptLocked(c *component, now time.Time) bool {
	if m.cfg.MaxLifetimeCount > 0 && c.lifetime >= m.cfg.MaxLifetimeCount {
		return false
	}
	gap := time.Duration(m.cfg.RetryGapMinutes) * time.Minute
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < gap {
		return false
	}
	return c.limiter == nil || c.limiter.AllowN(now, 1)
}

func (m *Manager) sortedKeysLocked() []string {
	keys := make([]string, 0, len(m.components))
	for k := range m.components {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// REPORTING
// =============================================================================

// Report summarises recovery for the heartbeat.
func (m *Manager) Report() *types.RecoveryReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled() {
		return &types.RecoveryReport{Summary: types.RecoverySummaryDisabled}
	}

	now := m.now()
	report := &types.RecoveryReport{Summary: types.RecoverySummaryRecoverable}
	limited := 0
	for _, key := range m.sortedKeysLocked() {
		c := m.components[key]
		if !m.enabled[c.role] {
			continue
		}
		r := types.ComponentRecoveryReport{
			Name:        c.role,
			NumAttempts: c.lifetime,
			LimitReached: (m.cfg.MaxLifetimeCount > 0 && c.lifetime >= m.cfg.MaxLifetimeCount) ||
				(c.limiter != nil && c.limiter.TokensAt(now) < 1),
		}
		if r.LimitReached {
			limited++
		}
		report.ComponentReports = append(report.ComponentReports, r)
	}

	switch {
	case limited == 0:
	case limited == len(report.ComponentReports):
		report.Summary = types.RecoverySummaryUnrecoverable
	default:
		report.Summary = types.RecoverySummaryPartiallyRecoverable
	}
	return report
}
