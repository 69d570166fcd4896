package types

import "time"

// =============================================================================
// REGISTRATION
// =============================================================================

// Registration is sent once per session before the first heartbeat.
type Registration struct {
	Hostname       string    `json:"hostname"`
	PublicHostname string    `json:"public_hostname,omitempty"`
	AgentID        string    `json:"agent_id"`
	AgentVersion   string    `json:"agent_version"`
	Timestamp      time.Time `json:"timestamp"`

	// ResponseID is the last id acknowledged before this registration (-1 if none).
	ResponseID int64 `json:"response_id"`

	HardwareProfile *AgentEnv `json:"hardware_profile,omitempty"`
	Mounts          []Mount   `json:"mounts,omitempty"`
}

// RegistrationStatus is the controller's verdict on a registration.
type RegistrationStatus string

const (
	RegistrationOK     RegistrationStatus = "OK"
	RegistrationFailed RegistrationStatus = "FAILED"
)

// RegistrationResponse starts the heartbeat sequence.
type RegistrationResponse struct {
	Status     RegistrationStatus `json:"status"`
	ResponseID int64              `json:"response_id"`
	Log        string             `json:"log,omitempty"`

	// StatusCommands seed the status lane right after registration.
	StatusCommands []Command       `json:"status_commands,omitempty"`
	RecoveryConfig *RecoveryConfig `json:"recovery_config,omitempty"`
}

// =============================================================================
// HEARTBEAT
// =============================================================================

// NodeHealth is the agent's own view of host health.
type NodeHealth string

const (
	NodeHealthy   NodeHealth = "HEALTHY"
	NodeUnhealthy NodeHealth = "UNHEALTHY"
)

// NodeStatus carries the health verdict and its cause.
type NodeStatus struct {
	Status NodeHealth `json:"status"`
	Cause  string     `json:"cause"`
}

// Heartbeat is the periodic report from agent to controller.
//
// ResponseID on heartbeat n+1 equals the ResponseID the controller returned
// in response n. It is -1 before first contact.
type Heartbeat struct {
	ResponseID int64      `json:"response_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Hostname   string     `json:"hostname"`
	AgentID    string     `json:"agent_id"`
	NodeStatus NodeStatus `json:"node_status"`

	Reports         []CommandResult   `json:"reports"`
	ComponentStatus []ComponentStatus `json:"component_status"`

	CommandsInProgress bool `json:"commands_in_progress"`
	ComponentsMapped   bool `json:"components_mapped"`

	// Sent only every StateReportInterval heartbeats
	AgentEnv *AgentEnv `json:"agent_env,omitempty"`
	Mounts   []Mount   `json:"mounts,omitempty"`

	Recovery *RecoveryReport `json:"recovery_report,omitempty"`
}

// HeartbeatResponse is the controller's reply to a heartbeat.
type HeartbeatResponse struct {
	ResponseID int64 `json:"response_id"`

	ExecutionCommands       []Command `json:"execution_commands,omitempty"`
	StatusCommands          []Command `json:"status_commands,omitempty"`
	AlertDefinitionCommands []Command `json:"alert_definition_commands,omitempty"`

	// Session signals
	RestartAgent        bool `json:"restart_agent,omitempty"`
	RegistrationCommand bool `json:"registration_command,omitempty"`

	// HasMappedComponents is echoed back as Heartbeat.ComponentsMapped.
	HasMappedComponents *bool `json:"has_mapped_components,omitempty"`

	RecoveryConfig *RecoveryConfig `json:"recovery_config,omitempty"`
}

// Commands returns every command in the response with its kind defaulted
// from the list it arrived in.
func (r *HeartbeatResponse) Commands() []Command {
	out := make([]Command, 0, len(r.ExecutionCommands)+len(r.StatusCommands)+len(r.AlertDefinitionCommands))
	out = appendKind(out, r.ExecutionCommands, KindExecution)
	out = appendKind(out, r.StatusCommands, KindStatus)
	out = appendKind(out, r.AlertDefinitionCommands, KindAlertDefinition)
	return out
}

func appendKind(dst, src []Command, kind CommandKind) []Command {
	for _, c := range src {
		if c.Kind == "" {
			c.Kind = kind
		}
		dst = append(dst, c)
	}
	return dst
}
