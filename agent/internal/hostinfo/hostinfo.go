// Package hostinfo gathers host facts and mounts for heartbeats and
// registration.
package hostinfo

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

// Provider supplies host facts to the heartbeat builder.
type Provider interface {
	Facts(ctx context.Context) (*types.AgentEnv, error)
	Mounts(ctx context.Context) ([]types.Mount, error)
	NodeStatus(mounts []types.Mount) types.NodeStatus
}

// Config for the gopsutil provider.
type Config struct {
	// MountTimeout bounds the usage query of one mount (hung network filesystems)
	MountTimeout time.Duration
	// DiskFullPercent marks the node unhealthy when any mount is this full (0 disables)
	DiskFullPercent float64
	// SkipFSTypes are filesystem types left out of the mount list
	SkipFSTypes []string
}

// System reads facts from the local host.
type System struct {
	cfg    Config
	skip   map[string]bool
	usage  func(ctx context.Context, path string) (*disk.UsageStat, error)
	logger *zap.SugaredLogger
}

// NewSystem creates a provider backed by gopsutil.
func NewSystem(cfg Config, logger *zap.SugaredLogger) *System {
	if cfg.MountTimeout <= 0 {
		cfg.MountTimeout = 5 * time.Second
	}
	if cfg.SkipFSTypes == nil {
		cfg.SkipFSTypes = []string{"tmpfs", "devtmpfs", "squashfs", "overlay", "proc", "sysfs", "cgroup", "cgroup2"}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	skip := make(map[string]bool, len(cfg.SkipFSTypes))
	for _, t := range cfg.SkipFSTypes {
		skip[t] = true
	}
	return &System{cfg: cfg, skip: skip, usage: disk.UsageWithContext, logger: logger}
}

// Facts returns a full host snapshot. Individual queries that fail are logged
// and left zero.
func (s *System) Facts(ctx context.Context) (*types.AgentEnv, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}

	env := &types.AgentEnv{
		Timestamp:       time.Now().UTC(),
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		Arch:            runtime.GOARCH,
		UptimeSeconds:   info.Uptime,
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		env.CPU.LogicalCores = n
	} else {
		s.logger.Debugw("cpu count unavailable", "error", err)
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		env.CPU.PhysicalCores = n
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		env.CPU.ModelName = infos[0].ModelName
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		env.CPU.Load1 = avg.Load1
		env.CPU.Load5 = avg.Load5
		env.CPU.Load15 = avg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		env.Memory.TotalMB = vm.Total / 1024 / 1024
		env.Memory.AvailableMB = vm.Available / 1024 / 1024
		env.Memory.UsedPercent = vm.UsedPercent
	} else {
		s.logger.Debugw("memory info unavailable", "error", err)
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		env.Memory.SwapTotalMB = sw.Total / 1024 / 1024
	}

	if ifaces, err := net.InterfacesWithContext(ctx); err == nil {
		env.Interfaces = make(map[string][]string, len(ifaces))
		for _, iface := range ifaces {
			addrs := make([]string, 0, len(iface.Addrs))
			for _, a := range iface.Addrs {
				addrs = append(addrs, a.Addr)
			}
			env.Interfaces[iface.Name] = addrs
		}
	}

	return env, nil
}

// Mounts returns usage for every physical mount. A mount whose usage query
// times out is reported without sizes.
func (s *System) Mounts(ctx context.Context) ([]types.Mount, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	mounts := make([]types.Mount, 0, len(parts))
	for _, p := range parts {
		if s.skip[p.Fstype] {
			continue
		}
		m := types.Mount{
			Device:     p.Device,
			MountPoint: p.Mountpoint,
			FSType:     p.Fstype,
		}

		usage, err := s.mountUsage(ctx, p.Mountpoint)
		if err != nil {
			s.logger.Debugw("mount usage unavailable", "mountpoint", p.Mountpoint, "error", err)
		} else {
			m.SizeKB = usage.Total / 1024
			m.UsedKB = usage.Used / 1024
			m.AvailableKB = usage.Free / 1024
			m.UsedPercent = usage.UsedPercent
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// mountUsage bounds one usage query by MountTimeout. statfs on a hung network
// mount ignores the context, so the query runs in its own goroutine; that
// goroutine stays blocked until the kernel call returns.
func (s *System) mountUsage(ctx context.Context, path string) (*disk.UsageStat, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MountTimeout)
	defer cancel()

	type answer struct {
		usage *disk.UsageStat
		err   error
	}
	ch := make(chan answer, 1)
	go func() {
		u, err := s.usage(ctx, path)
		ch <- answer{u, err}
	}()

	select {
	case a := <-ch:
		return a.usage, a.err
	case <-ctx.Done():
		return nil, fmt.Errorf("usage of %s: %w", path, ctx.Err())
	}
}

// NodeStatus reports UNHEALTHY when one of mounts is over DiskFullPercent.
func (s *System) NodeStatus(mounts []types.Mount) types.NodeStatus {
	return Evaluate(mounts, s.cfg.DiskFullPercent)
}

// Evaluate derives node health from mount usage.
func Evaluate(mounts []types.Mount, diskFullPercent float64) types.NodeStatus {
	for _, m := range mounts {
		if diskFullPercent > 0 && m.UsedPercent >= diskFullPercent {
			return types.NodeStatus{
				Status: types.NodeUnhealthy,
				Cause:  fmt.Sprintf("mount %s is %.1f%% full", m.MountPoint, m.UsedPercent),
			}
		}
	}
	return types.NodeStatus{Status: types.NodeHealthy, Cause: "NONE"}
}
