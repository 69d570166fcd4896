// Package heartbeat assembles the periodic report sent to the controller.
//
// # Cost
//
// Reports and component status are cheap and go out on every heartbeat.
// Host facts and mounts are expensive to gather and rarely change, so they
// are attached only when the response id is a multiple of the state report
// interval. Node health is refreshed on the same cycle and reused between.
package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pilot-net/fleet-agent/agent/internal/hostinfo"
	"github.com/pilot-net/fleet-agent/pkg/types"
)

// Source is the part of the action queue the builder reads.
type Source interface {
	SnapshotAndClear() []types.CommandResult
	InProgress() []types.CommandResult
	ComponentStatuses() []types.ComponentStatus
	IsIdle() bool
}

// RecoveryReporter supplies the recovery section of a heartbeat.
type RecoveryReporter interface {
	Report() *types.RecoveryReport
}

// Config for the builder.
type Config struct {
	Hostname string
	AgentID  string

	Source Source
	// Facts is optional; without it no host snapshot is attached
	Facts    hostinfo.Provider
	Recovery RecoveryReporter

	// FactsTimeout bounds one host snapshot (default 30s)
	FactsTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Builder assembles heartbeats.
type Builder struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu         sync.Mutex
	nodeStatus types.NodeStatus
}

// NewBuilder creates a heartbeat builder.
func NewBuilder(cfg Config) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.FactsTimeout <= 0 {
		cfg.FactsTimeout = 30 * time.Second
	}
	return &Builder{
		cfg:        cfg,
		logger:     cfg.Logger,
		nodeStatus: types.NodeStatus{Status: types.NodeHealthy, Cause: "NONE"},
	}
}

// Build assembles one heartbeat. Results handed out here are cleared from the
// queue, so the caller must keep the returned heartbeat until it is delivered.
func (b *Builder) Build(ctx context.Context, lastResponseID int64, stateReportInterval int, componentsMapped bool) *types.Heartbeat {
	reports := b.cfg.Source.SnapshotAndClear()
	newlyReported := len(reports) > 0
	reports = append(reports, b.cfg.Source.InProgress()...)

	statuses := b.cfg.Source.ComponentStatuses()
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Key() < statuses[j].Key()
	})

	// The controller cannot have mapped components before the first exchange
	if lastResponseID == 0 {
		componentsMapped = false
	}

	hb := &types.Heartbeat{
		ResponseID:         lastResponseID,
		Timestamp:          time.Now().UTC(),
		Hostname:           b.cfg.Hostname,
		AgentID:            b.cfg.AgentID,
		Reports:            reports,
		ComponentStatus:    statuses,
		CommandsInProgress: !b.cfg.Source.IsIdle() || newlyReported,
		ComponentsMapped:   componentsMapped,
	}

	if ShouldReportState(lastResponseID, stateReportInterval) {
		b.attachFacts(ctx, hb)
	}

	b.mu.Lock()
	hb.NodeStatus = b.nodeStatus
	b.mu.Unlock()

	if b.cfg.Recovery != nil {
		hb.Recovery = b.cfg.Recovery.Report()
	}
	return hb
}

// ShouldReportState reports whether a heartbeat with this response id carries
// the full host snapshot. A non-positive interval disables the snapshot.
func ShouldReportState(responseID int64, interval int) bool {
	if interval <= 0 || responseID < 0 {
		return false
	}
	return responseID%int64(interval) == 0
}

func (b *Builder) attachFacts(ctx context.Context, hb *types.Heartbeat) {
	if b.cfg.Facts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.FactsTimeout)
	defer cancel()

	env, err := b.cfg.Facts.Facts(ctx)
	if err != nil {
		b.logger.Warnw("Host facts unavailable", "error", err)
	} else {
		hb.AgentEnv = env
	}

	mounts, err := b.cfg.Facts.Mounts(ctx)
	if err != nil {
		b.logger.Warnw("Mount list unavailable", "error", err)
		return
	}
	hb.Mounts = mounts

	status := b.cfg.Facts.NodeStatus(mounts)
	b.mu.Lock()
	b.nodeStatus = status
	b.mu.Unlock()
}
