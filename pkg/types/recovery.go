package types

// =============================================================================
// RECOVERY
// =============================================================================

// RecoveryType selects which automatic recovery actions the agent may take.
type RecoveryType string

const (
	// RecoveryDisabled - never generate recovery commands
	RecoveryDisabled RecoveryType = "DEFAULT"
	// RecoveryAutoStart - restart components found INSTALLED but desired STARTED
	RecoveryAutoStart RecoveryType = "AUTO_START"
	// RecoveryAutoInstallStart - also reinstall components stuck in INIT/INSTALL_FAILED
	RecoveryAutoInstallStart RecoveryType = "AUTO_INSTALL_START"
)

// RecoveryConfig is pushed by the controller or loaded from local config.
type RecoveryConfig struct {
	Type RecoveryType `json:"type" yaml:"type"`

	// MaxCount recovery attempts per component inside WindowMinutes
	MaxCount      int `json:"max_count" yaml:"max_count"`
	WindowMinutes int `json:"window_in_minutes" yaml:"window_in_minutes"`
	// RetryGapMinutes is the minimum spacing between attempts
	RetryGapMinutes int `json:"retry_gap" yaml:"retry_gap"`
	// MaxLifetimeCount caps attempts per component for the process lifetime
	MaxLifetimeCount int `json:"max_lifetime_count" yaml:"max_lifetime_count"`

	// Components enabled for recovery (role names). Empty means none.
	Components []string `json:"components,omitempty" yaml:"components"`
}

// Enabled reports whether any recovery is allowed.
func (c *RecoveryConfig) Enabled() bool {
	return c != nil && c.Type != "" && c.Type != RecoveryDisabled
}

// RecoverySummary is the overall recovery verdict.
type RecoverySummary string

const (
	RecoverySummaryDisabled             RecoverySummary = "DISABLED"
	RecoverySummaryRecoverable          RecoverySummary = "RECOVERABLE"
	RecoverySummaryPartiallyRecoverable RecoverySummary = "PARTIALLY_RECOVERABLE"
	RecoverySummaryUnrecoverable        RecoverySummary = "UNRECOVERABLE"
)

// RecoveryReport is attached to heartbeats while recovery is enabled.
type RecoveryReport struct {
	Summary          RecoverySummary           `json:"summary"`
	ComponentReports []ComponentRecoveryReport `json:"component_reports,omitempty"`
}

// ComponentRecoveryReport describes recovery attempts for one component.
type ComponentRecoveryReport struct {
	Name         string `json:"name"`
	NumAttempts  int    `json:"num_attempts"`
	LimitReached bool   `json:"limit_reached"`
}
