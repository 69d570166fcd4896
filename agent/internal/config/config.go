// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (FLEET_*, OP_CONNECT_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	controller:
//	  url: https://fleet.example.net:8441
//
//	credentials:
//	  backend: file
//	  file: /etc/fleet-agent/credentials.yaml
//
//	commands:
//	  max_retries: 3
//	  retry_sleep: 10s
//
//	heartbeat:
//	  active_interval: 1s
//	  idle_interval: 10s
//	  state_report_interval: 6
//
//	status_worker:
//	  timeout: 60s
//
//	recovery:
//	  type: AUTO_START
//	  max_count: 6
//	  window_in_minutes: 60
//	  retry_gap: 5
//	  components: [DATANODE, NODEMANAGER]
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/fleet-agent/agent/internal/logger"
	"github.com/pilot-net/fleet-agent/agent/internal/resultstore"
	"github.com/pilot-net/fleet-agent/agent/internal/secrets"
	"github.com/pilot-net/fleet-agent/pkg/types"
)

// Config is the complete agent configuration.
type Config struct {
	Controller   ControllerConfig     `yaml:"controller"`
	Agent        AgentConfig          `yaml:"agent"`
	Credentials  secrets.Config       `yaml:"credentials"`
	Commands     CommandsConfig       `yaml:"commands"`
	Heartbeat    HeartbeatConfig      `yaml:"heartbeat"`
	StatusWorker StatusWorkerConfig   `yaml:"status_worker"`
	Recovery     types.RecoveryConfig `yaml:"recovery"`
	ResultStore  resultstore.Config   `yaml:"result_store"`
	Host         HostConfig           `yaml:"host"`
	Restart      RestartConfig        `yaml:"restart"`
	Metrics      MetricsConfig        `yaml:"metrics"`
	Logging      logger.Config        `yaml:"logging"`
}

// ControllerConfig defines how to reach the controller.
type ControllerConfig struct {
	URL string `yaml:"url"` // e.g., https://fleet.example.net:8441

	// TLS settings
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	CACertFile         string `yaml:"ca_cert_file,omitempty"`

	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	// Backoff after a failed heartbeat or registration
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
}

// AgentConfig defines agent identity.
type AgentConfig struct {
	Hostname       string `yaml:"hostname"` // defaults to os.Hostname
	PublicHostname string `yaml:"public_hostname,omitempty"`
	// StateFile keeps the agent id across restarts
	StateFile string `yaml:"state_file"`
}

// CommandsConfig defines execution command defaults.
type CommandsConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetrySleep time.Duration `yaml:"retry_sleep"`
	// Timeout is the default per-attempt timeout for scripts
	Timeout time.Duration `yaml:"timeout"`
	TempDir string        `yaml:"temp_dir,omitempty"`
	// Interpreter overrides (default: sh, python3)
	ShellPath  string `yaml:"shell_path,omitempty"`
	PythonPath string `yaml:"python_path,omitempty"`
}

// HeartbeatConfig defines heartbeat cadence.
type HeartbeatConfig struct {
	ActiveInterval      time.Duration `yaml:"active_interval"`
	IdleInterval        time.Duration `yaml:"idle_interval"`
	MinInterval         time.Duration `yaml:"min_interval"`
	StateReportInterval int           `yaml:"state_report_interval"`
}

// StatusWorkerConfig defines status command isolation.
type StatusWorkerConfig struct {
	// InProcess runs status commands in the agent process without kill+respawn
	InProcess bool          `yaml:"in_process"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
}

// HostConfig tunes host fact collection.
type HostConfig struct {
	MountTimeout    time.Duration `yaml:"mount_timeout"`
	DiskFullPercent float64       `yaml:"disk_full_percent"`
}

// RestartConfig defines how a controller restart request is honoured.
type RestartConfig struct {
	Mode string `yaml:"mode"` // auto, systemd, exit
	Unit string `yaml:"unit"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"` // e.g. :9105, empty disables
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			RequestTimeout: 30 * time.Second,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		},
		Agent: AgentConfig{
			StateFile: "/var/lib/fleet-agent/agent-id",
		},
		Credentials: secrets.Config{Backend: "auto"},
		Commands: CommandsConfig{
			MaxRetries: 0,
			RetrySleep: 10 * time.Second,
			Timeout:    10 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			ActiveInterval:      time.Second,
			IdleInterval:        10 * time.Second,
			MinInterval:         500 * time.Millisecond,
			StateReportInterval: 6,
		},
		StatusWorker: StatusWorkerConfig{
			Timeout:   time.Minute,
			QueueSize: 100,
		},
		Recovery: types.RecoveryConfig{Type: types.RecoveryDisabled},
		ResultStore: resultstore.Config{
			Backend:   "memory",
			Retention: 24 * time.Hour,
		},
		Host: HostConfig{
			MountTimeout:    5 * time.Second,
			DiskFullPercent: 98,
		},
		Restart: RestartConfig{Mode: "auto", Unit: "fleet-agent"},
		Logging: logger.Config{Level: "info", Format: "json"},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Controller.URL == "" {
		return fmt.Errorf("controller.url is required")
	}
	u, err := url.Parse(c.Controller.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("controller.url must be an http(s) URL: %q", c.Controller.URL)
	}
	if c.Commands.MaxRetries < 0 {
		return fmt.Errorf("commands.max_retries must not be negative")
	}
	if c.Commands.RetrySleep < 0 {
		return fmt.Errorf("commands.retry_sleep must not be negative")
	}
	if c.Heartbeat.ActiveInterval <= 0 || c.Heartbeat.IdleInterval <= 0 {
		return fmt.Errorf("heartbeat intervals must be positive")
	}
	if c.Heartbeat.StateReportInterval < 0 {
		return fmt.Errorf("heartbeat.state_report_interval must not be negative")
	}
	if c.StatusWorker.Timeout <= 0 {
		return fmt.Errorf("status_worker.timeout must be positive")
	}
	switch c.ResultStore.Backend {
	case "", "memory":
	case "redis":
		if c.ResultStore.RedisURL == "" {
			return fmt.Errorf("result_store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown result_store.backend: %s", c.ResultStore.Backend)
	}
	switch c.Recovery.Type {
	case "", types.RecoveryDisabled, types.RecoveryAutoStart, types.RecoveryAutoInstallStart:
	default:
		return fmt.Errorf("unknown recovery.type: %s", c.Recovery.Type)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the FLEET_ prefix:
// - FLEET_CONTROLLER_URL
// - FLEET_CONTROLLER_USERNAME, FLEET_CONTROLLER_PASSWORD, FLEET_CONTROLLER_TOKEN
// - FLEET_AGENT_HOSTNAME
// - FLEET_MAX_RETRIES
// - FLEET_RESULT_STORE_REDIS_URL (also selects the redis backend)
// - FLEET_RECOVERY_TYPE
// - FLEET_METRICS_LISTEN
// - FLEET_LOG_LEVEL
//
// 1Password Connect is configured through OP_CONNECT_HOST, OP_CONNECT_TOKEN
// and OP_VAULT_ID.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("FLEET_CONTROLLER_URL"); v != "" {
		c.Controller.URL = v
	}
	if v := os.Getenv("FLEET_CONTROLLER_USERNAME"); v != "" {
		c.Credentials.Username = v
	}
	if v := os.Getenv("FLEET_CONTROLLER_PASSWORD"); v != "" {
		c.Credentials.Password = v
	}
	if v := os.Getenv("FLEET_CONTROLLER_TOKEN"); v != "" {
		c.Credentials.Token = v
	}
	if v := os.Getenv("FLEET_AGENT_HOSTNAME"); v != "" {
		c.Agent.Hostname = v
	}
	if v := os.Getenv("FLEET_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEET_MAX_RETRIES: %w", err)
		}
		c.Commands.MaxRetries = n
	}
	if v := os.Getenv("FLEET_RESULT_STORE_REDIS_URL"); v != "" {
		c.ResultStore.Backend = "redis"
		c.ResultStore.RedisURL = v
	}
	if v := os.Getenv("FLEET_RECOVERY_TYPE"); v != "" {
		c.Recovery.Type = types.RecoveryType(v)
	}
	if v := os.Getenv("FLEET_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("FLEET_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OP_CONNECT_HOST"); v != "" {
		c.Credentials.OnePassword.Host = v
	}
	if v := os.Getenv("OP_CONNECT_TOKEN"); v != "" {
		c.Credentials.OnePassword.Token = v
	}
	if v := os.Getenv("OP_VAULT_ID"); v != "" {
		c.Credentials.OnePassword.VaultID = v
	}
	return nil
}

// ResolveHostname fills Agent.Hostname from the OS when unset.
func (c *Config) ResolveHostname() error {
	if c.Agent.Hostname != "" {
		return nil
	}
	name, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolving hostname: %w", err)
	}
	c.Agent.Hostname = name
	return nil
}
