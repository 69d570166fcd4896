package heartbeat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

type fakeSource struct {
	pending    []types.CommandResult
	inProgress []types.CommandResult
	statuses   []types.ComponentStatus
	idle       bool
}

func (f *fakeSource) SnapshotAndClear() []types.CommandResult {
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeSource) InProgress() []types.CommandResult          { return f.inProgress }
func (f *fakeSource) ComponentStatuses() []types.ComponentStatus { return f.statuses }
func (f *fakeSource) IsIdle() bool                               { return f.idle }

type fakeFacts struct {
	calls      int
	mountCalls int
	factsErr   error
	status     types.NodeStatus
	evaluated  []types.Mount
}

func (f *fakeFacts) Facts(context.Context) (*types.AgentEnv, error) {
	f.calls++
	if f.factsErr != nil {
		return nil, f.factsErr
	}
	return &types.AgentEnv{Hostname: "h1"}, nil
}

func (f *fakeFacts) Mounts(context.Context) ([]types.Mount, error) {
	f.mountCalls++
	return []types.Mount{{MountPoint: "/"}}, nil
}

func (f *fakeFacts) NodeStatus(mounts []types.Mount) types.NodeStatus {
	f.evaluated = mounts
	return f.status
}

type fakeRecovery struct{}

func (fakeRecovery) Report() *types.RecoveryReport {
	return &types.RecoveryReport{Summary: types.RecoverySummaryRecoverable}
}

func TestBuildDrainsReportsOnce(t *testing.T) {
	src := &fakeSource{
		pending:    []types.CommandResult{{TaskID: "t1", Status: types.ReportCompleted}},
		inProgress: []types.CommandResult{{TaskID: "t2", Status: types.ReportInProgress}},
		idle:       true,
	}
	b := NewBuilder(Config{Hostname: "h1", Source: src})

	first := b.Build(context.Background(), 5, 0, true)
	require.Len(t, first.Reports, 2)
	assert.Equal(t, "t1", first.Reports[0].TaskID)
	assert.Equal(t, "t2", first.Reports[1].TaskID)
	assert.True(t, first.CommandsInProgress, "newly reported results count as activity")
	assert.Equal(t, int64(5), first.ResponseID)
	assert.Equal(t, "h1", first.Hostname)

	src.inProgress = nil
	second := b.Build(context.Background(), 6, 0, true)
	assert.Empty(t, second.Reports)
	assert.False(t, second.CommandsInProgress)
}

func TestBuildCommandsInProgressWhenBusy(t *testing.T) {
	b := NewBuilder(Config{Source: &fakeSource{idle: false}})
	assert.True(t, b.Build(context.Background(), 3, 0, false).CommandsInProgress)
}

func TestFirstHeartbeatForcesComponentsUnmapped(t *testing.T) {
	b := NewBuilder(Config{Source: &fakeSource{idle: true}})

	assert.False(t, b.Build(context.Background(), 0, 0, true).ComponentsMapped)
	assert.True(t, b.Build(context.Background(), 1, 0, true).ComponentsMapped)
}

func TestFactsAttachedOnInterval(t *testing.T) {
	facts := &fakeFacts{status: types.NodeStatus{Status: types.NodeUnhealthy, Cause: "disk"}}
	b := NewBuilder(Config{Source: &fakeSource{idle: true}, Facts: facts})

	tests := []struct {
		responseID int64
		attached   bool
	}{
		{-1, false},
		{0, true},
		{1, false},
		{2, false},
		{3, true},
		{6, true},
	}
	for _, tt := range tests {
		hb := b.Build(context.Background(), tt.responseID, 3, false)
		if tt.attached {
			assert.NotNil(t, hb.AgentEnv, "response id %d", tt.responseID)
			assert.Len(t, hb.Mounts, 1)
		} else {
			assert.Nil(t, hb.AgentEnv, "response id %d", tt.responseID)
			assert.Nil(t, hb.Mounts)
		}
	}
	assert.Equal(t, 3, facts.calls)
	assert.Equal(t, 3, facts.mountCalls, "mounts are collected once per snapshot")
	assert.Equal(t, []types.Mount{{MountPoint: "/"}}, facts.evaluated)
}

func TestNodeStatusCarriedBetweenSnapshots(t *testing.T) {
	facts := &fakeFacts{status: types.NodeStatus{Status: types.NodeUnhealthy, Cause: "disk"}}
	b := NewBuilder(Config{Source: &fakeSource{idle: true}, Facts: facts})

	assert.Equal(t, types.NodeHealthy, b.Build(context.Background(), 1, 4, false).NodeStatus.Status)
	assert.Equal(t, types.NodeUnhealthy, b.Build(context.Background(), 4, 4, false).NodeStatus.Status)
	assert.Equal(t, types.NodeUnhealthy, b.Build(context.Background(), 5, 4, false).NodeStatus.Status)
}

func TestFactsErrorKeepsHeartbeat(t *testing.T) {
	facts := &fakeFacts{factsErr: errors.New("boom")}
	b := NewBuilder(Config{Source: &fakeSource{idle: true}, Facts: facts})

	hb := b.Build(context.Background(), 0, 1, false)
	assert.Nil(t, hb.AgentEnv)
	assert.Len(t, hb.Mounts, 1)
}

func TestComponentStatusSortedAndRecoveryAttached(t *testing.T) {
	src := &fakeSource{
		idle: true,
		statuses: []types.ComponentStatus{
			{ClusterID: "c1", ServiceName: "HDFS", ComponentName: "NAMENODE"},
			{ClusterID: "c1", ServiceName: "HDFS", ComponentName: "DATANODE"},
		},
	}
	b := NewBuilder(Config{Source: src, Recovery: fakeRecovery{}})

	hb := b.Build(context.Background(), 2, 0, false)
	require.Len(t, hb.ComponentStatus, 2)
	assert.Equal(t, "DATANODE", hb.ComponentStatus[0].ComponentName)
	require.NotNil(t, hb.Recovery)
	assert.Equal(t, types.RecoverySummaryRecoverable, hb.Recovery.Summary)
}
