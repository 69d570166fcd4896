// Package types defines the wire types exchanged between the host agent and
// the fleet controller.
//
// # Design Principles
//
// 1. Simplicity: Types represent the protocol directly, no transport wrappers
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Closed enums: Command kinds and states are string enums matched with
// exhaustive switches, so adding a kind is a compile-visible change
// 4. Validation: Types include Validate() methods for protocol rule enforcement
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// COMMAND
// =============================================================================

// CommandKind identifies how the agent routes a command.
type CommandKind string

const (
	// KindExecution - lifecycle work (install, start, stop, configure)
	KindExecution CommandKind = "EXECUTION_COMMAND"
	// KindStatus - lightweight liveness check for one component
	KindStatus CommandKind = "STATUS_COMMAND"
	// KindAlertDefinition - alert definition update, stored but never executed
	KindAlertDefinition CommandKind = "ALERT_DEFINITION_COMMAND"
	// KindAutoExecution - execution command generated locally by recovery
	KindAutoExecution CommandKind = "AUTO_EXECUTION_COMMAND"
)

// Validate returns an error for unknown command kinds.
func (k CommandKind) Validate() error {
	switch k {
	case KindExecution, KindStatus, KindAlertDefinition, KindAutoExecution:
		return nil
	default:
		return fmt.Errorf("unknown command kind %q", string(k))
	}
}

// IsExecution reports whether commands of this kind run on the execution lane.
func (k CommandKind) IsExecution() bool {
	return k == KindExecution || k == KindAutoExecution
}

// Command is one unit of work dispatched to the agent.
//
// TaskID is unique for the lifetime of the agent process. Redelivery of a
// TaskID that already has a terminal result replays that result.
type Command struct {
	TaskID      string      `json:"task_id"`
	Kind        CommandKind `json:"command_type"`
	ClusterID   string      `json:"cluster_id"`
	ServiceName string      `json:"service_name,omitempty"`
	Role        string      `json:"role"`
	RoleCommand string      `json:"role_command"`
	Body        CommandBody `json:"body"`

	// Retry policy. Nil falls back to the agent defaults; an explicit 0 means
	// a single attempt and no sleep respectively.
	MaxRetries        *int `json:"max_retries,omitempty"`
	RetrySleepSeconds *int `json:"retry_sleep_seconds,omitempty"`

	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// CommandBody is the opaque payload handed to a command executor.
type CommandBody struct {
	// ScriptType selects the executor ("shell", "python").
	ScriptType string `json:"script_type"`
	Script     string `json:"script"`
	// Params are passed to the script as JSON on stdin.
	Params json.RawMessage `json:"params,omitempty"`
	// TimeoutSeconds bounds a single attempt (0 = executor default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Validate checks the fields the agent relies on for routing and dedupe.
func (c *Command) Validate() error {
	if err := c.Kind.Validate(); err != nil {
		return err
	}
	if c.TaskID == "" && c.Kind.IsExecution() {
		return errors.New("task_id is required")
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("task %s: max_retries must be >= 0", c.TaskID)
	}
	if c.RetrySleepSeconds != nil && *c.RetrySleepSeconds < 0 {
		return fmt.Errorf("task %s: retry_sleep_seconds must be >= 0", c.TaskID)
	}
	return nil
}

// Int returns a pointer to v, for the optional retry fields.
func Int(v int) *int { return &v }

// ComponentKey identifies the managed component a command targets.
func (c *Command) ComponentKey() string {
	return ComponentKey(c.ClusterID, c.ServiceName, c.Role)
}

// ComponentKey builds the canonical component identifier.
func ComponentKey(clusterID, serviceName, role string) string {
	return clusterID + "/" + serviceName + "/" + role
}

// CommandState is the lifecycle state of a command inside the action queue.
type CommandState string

const (
	StateQueued         CommandState = "QUEUED"
	StateRunning        CommandState = "RUNNING"
	StateFailedRetrying CommandState = "FAILED_RETRYING"
	StateSucceeded      CommandState = "SUCCEEDED"
	StateFailedTerminal CommandState = "FAILED_TERMINAL"
)

// IsTerminal reports whether no further transition can occur.
func (s CommandState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailedTerminal
}

// ReportStatus is the coarse status the controller sees for a task.
type ReportStatus string

const (
	ReportInProgress ReportStatus = "IN_PROGRESS"
	ReportCompleted  ReportStatus = "COMPLETED"
	ReportFailed     ReportStatus = "FAILED"
)

// CommandResult is the outcome of a command. Immutable once State is terminal.
type CommandResult struct {
	TaskID      string       `json:"task_id"`
	ClusterID   string       `json:"cluster_id"`
	ServiceName string       `json:"service_name,omitempty"`
	Role        string       `json:"role"`
	RoleCommand string       `json:"role_command"`
	Status      ReportStatus `json:"status"`
	State       CommandState `json:"state"`

	ExitCode         int             `json:"exit_code"`
	Stdout           string          `json:"stdout"`
	Stderr           string          `json:"stderr"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`

	// RetryCount is the number of failed attempts consumed.
	RetryCount int `json:"retry_count"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewResult starts a result for cmd with the identifying fields copied over.
func NewResult(cmd *Command) CommandResult {
	return CommandResult{
		TaskID:      cmd.TaskID,
		ClusterID:   cmd.ClusterID,
		ServiceName: cmd.ServiceName,
		Role:        cmd.Role,
		RoleCommand: cmd.RoleCommand,
	}
}

// =============================================================================
// COMPONENT STATUS
// =============================================================================

// ComponentState is the liveness state of a managed component.
type ComponentState string

const (
	ComponentInit          ComponentState = "INIT"
	ComponentInstalled     ComponentState = "INSTALLED"
	ComponentStarted       ComponentState = "STARTED"
	ComponentInstallFailed ComponentState = "INSTALL_FAILED"
	ComponentUnknown       ComponentState = "UNKNOWN"
)

// ComponentStatus is the latest status-command verdict for one component.
type ComponentStatus struct {
	ClusterID     string         `json:"cluster_id"`
	ServiceName   string         `json:"service_name"`
	ComponentName string         `json:"component_name"`
	Status        ComponentState `json:"status"`
	ExitCode      int            `json:"exit_code"`
	Message       string         `json:"message,omitempty"`
	CheckedAt     time.Time      `json:"checked_at"`
}

// Key returns the canonical component identifier.
func (c *ComponentStatus) Key() string {
	return ComponentKey(c.ClusterID, c.ServiceName, c.ComponentName)
}
