package types

import "time"

// AgentEnv is the full host-facts snapshot attached to every Nth heartbeat
// and to registration.
type AgentEnv struct {
	Timestamp       time.Time `json:"timestamp"`
	Hostname        string    `json:"hostname"`
	OS              string    `json:"os"`
	Platform        string    `json:"platform"`
	PlatformVersion string    `json:"platform_version"`
	KernelVersion   string    `json:"kernel_version"`
	Arch            string    `json:"arch"`
	UptimeSeconds   uint64    `json:"uptime_seconds"`

	CPU    CPUFacts    `json:"cpu"`
	Memory MemoryFacts `json:"memory"`

	// Interfaces maps interface name to its addresses
	Interfaces map[string][]string `json:"interfaces,omitempty"`
}

// CPUFacts contains processor information.
type CPUFacts struct {
	LogicalCores  int     `json:"logical_cores"`
	PhysicalCores int     `json:"physical_cores"`
	ModelName     string  `json:"model_name,omitempty"`
	Load1         float64 `json:"load_1"`
	Load5         float64 `json:"load_5"`
	Load15        float64 `json:"load_15"`
}

// MemoryFacts contains memory usage in megabytes.
type MemoryFacts struct {
	TotalMB     uint64  `json:"total_mb"`
	AvailableMB uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
	SwapTotalMB uint64  `json:"swap_total_mb"`
}

// Mount is one mounted filesystem.
type Mount struct {
	Device      string  `json:"device"`
	MountPoint  string  `json:"mountpoint"`
	FSType      string  `json:"fstype"`
	SizeKB      uint64  `json:"size_kb"`
	UsedKB      uint64  `json:"used_kb"`
	AvailableKB uint64  `json:"available_kb"`
	UsedPercent float64 `json:"used_percent"`
}
