package recovery

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(t *testing.T, cfg types.RecoveryConfig) (*Manager, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{Recovery: &cfg, Now: clk.Now}), clk
}

func execCmd(role, roleCommand string) types.Command {
	return types.Command{
		TaskID:      "t-" + role + "-" + roleCommand,
		Kind:        types.KindExecution,
		ClusterID:   "c1",
		ServiceName: "HDFS",
		Role:        role,
		RoleCommand: roleCommand,
		Body:        types.CommandBody{ScriptType: "shell", Script: "echo " + roleCommand},
		MaxRetries:  types.Int(3),
	}
}

func done(cmd types.Command, state types.CommandState) types.CommandResult {
	r := types.NewResult(&cmd)
	r.State = state
	return r
}

func status(role string, state types.ComponentState) types.ComponentStatus {
	return types.ComponentStatus{ClusterID: "c1", ServiceName: "HDFS", ComponentName: role, Status: state}
}

// startedThenStopped leaves role desired STARTED but observed INSTALLED.
func startedThenStopped(m *Manager, role string) {
	start := execCmd(role, RoleCommandStart)
	m.ObserveExecution(start, done(start, types.StateSucceeded))
	m.ObserveStatus(types.Command{}, status(role, types.ComponentInstalled))
}

func autoStart() types.RecoveryConfig {
	return types.RecoveryConfig{
		Type:          types.RecoveryAutoStart,
		MaxCount:      2,
		WindowMinutes: 60,
		Components:    []string{"DATANODE", "NAMENODE"},
	}
}

func TestGeneratesStartFromLastCommand(t *testing.T) {
	m, _ := newManager(t, autoStart())
	startedThenStopped(m, "DATANODE")

	cmds := m.Generate(false)
	require.Len(t, cmds, 1)
	cmd := cmds[0]
	assert.Equal(t, types.KindAutoExecution, cmd.Kind)
	assert.True(t, strings.HasPrefix(cmd.TaskID, TaskIDPrefix))
	assert.Equal(t, RoleCommandStart, cmd.RoleCommand)
	assert.Equal(t, "DATANODE", cmd.Role)
	assert.Equal(t, "echo START", cmd.Body.Script)
	require.NotNil(t, cmd.MaxRetries)
	assert.Equal(t, 1, *cmd.MaxRetries, "recovery commands run once")

	assert.Empty(t, m.Generate(false), "one recovery in flight per component")
}

func TestWindowLimit(t *testing.T) {
	m, clk := newManager(t, autoStart())
	startedThenStopped(m, "DATANODE")

	for i := 0; i < 2; i++ {
		cmds := m.Generate(false)
		require.Len(t, cmds, 1, "attempt %d", i+1)
		m.ObserveExecution(cmds[0], done(cmds[0], types.StateFailedTerminal))
	}
	assert.Empty(t, m.Generate(false))

	report := m.Report()
	assert.Equal(t, types.RecoverySummaryUnrecoverable, report.Summary)
	require.Len(t, report.ComponentReports, 1)
	assert.Equal(t, "DATANODE", report.ComponentReports[0].Name)
	assert.Equal(t, 2, report.ComponentReports[0].NumAttempts)
	assert.True(t, report.ComponentReports[0].LimitReached)

	clk.Advance(30 * time.Minute)
	assert.Len(t, m.Generate(false), 1, "a token is back after window/max_count")
}

func TestRetryGapAndLifetimeCap(t *testing.T) {
	cfg := autoStart()
	cfg.MaxCount = 0
	cfg.RetryGapMinutes = 5
	cfg.MaxLifetimeCount = 2
	m, clk := newManager(t, cfg)
	startedThenStopped(m, "DATANODE")

	first := m.Generate(false)
	require.Len(t, first, 1)
	m.ObserveExecution(first[0], done(first[0], types.StateFailedTerminal))

	clk.Advance(time.Minute)
	assert.Empty(t, m.Generate(false), "inside retry gap")

	clk.Advance(5 * time.Minute)
	second := m.Generate(false)
	require.Len(t, second, 1)
	m.ObserveExecution(second[0], done(second[0], types.StateFailedTerminal))

	clk.Advance(time.Hour)
	assert.Empty(t, m.Generate(false), "lifetime cap reached")
	assert.True(t, m.Report().ComponentReports[0].LimitReached)
}

func TestSuccessfulRecoveryStopsGeneration(t *testing.T) {
	m, _ := newManager(t, autoStart())
	startedThenStopped(m, "DATANODE")

	cmds := m.Generate(false)
	require.Len(t, cmds, 1)
	m.ObserveExecution(cmds[0], done(cmds[0], types.StateSucceeded))

	assert.Empty(t, m.Generate(false))
}

func TestSuppressedWhileExecutionActive(t *testing.T) {
	m, _ := newManager(t, autoStart())
	startedThenStopped(m, "DATANODE")

	assert.Empty(t, m.Generate(true))
	assert.Len(t, m.Generate(false), 1)
}

func TestOnlyConfiguredComponents(t *testing.T) {
	m, _ := newManager(t, autoStart())
	startedThenStopped(m, "ZKFC")
	assert.Empty(t, m.Generate(false))
}

func TestUnknownStatusIgnored(t *testing.T) {
	m, _ := newManager(t, autoStart())
	startedThenStopped(m, "DATANODE")
	m.ObserveStatus(types.Command{}, status("DATANODE", types.ComponentUnknown))

	assert.Len(t, m.Generate(false), 1)
}

func TestStopChangesDesiredState(t *testing.T) {
	m, _ := newManager(t, autoStart())
	startedThenStopped(m, "DATANODE")
	stop := execCmd("DATANODE", RoleCommandStop)
	m.ObserveExecution(stop, done(stop, types.StateSucceeded))

	assert.Empty(t, m.Generate(false))
}

func TestAutoInstallStart(t *testing.T) {
	cfg := autoStart()
	cfg.Type = types.RecoveryAutoInstallStart
	m, _ := newManager(t, cfg)

	install := execCmd("DATANODE", RoleCommandInstall)
	m.ObserveExecution(install, done(install, types.StateFailedTerminal))

	cmds := m.Generate(false)
	require.Len(t, cmds, 1)
	assert.Equal(t, RoleCommandInstall, cmds[0].RoleCommand)

	// AUTO_START alone does not reinstall
	m2, _ := newManager(t, autoStart())
	m2.ObserveExecution(install, done(install, types.StateFailedTerminal))
	assert.Empty(t, m2.Generate(false))
}

func TestDisabled(t *testing.T) {
	m := New(Config{})
	startedThenStopped(m, "DATANODE")

	assert.Empty(t, m.Generate(false))
	assert.Equal(t, types.RecoverySummaryDisabled, m.Report().Summary)

	cfg := autoStart()
	m.SetConfig(&cfg)
	assert.Len(t, m.Generate(false), 1)
}

func TestPartiallyRecoverable(t *testing.T) {
	cfg := autoStart()
	cfg.MaxCount = 1
	m, _ := newManager(t, cfg)
	startedThenStopped(m, "DATANODE")
	m.ObserveStatus(types.Command{}, status("NAMENODE", types.ComponentStarted))

	require.Len(t, m.Generate(false), 1)

	report := m.Report()
	assert.Equal(t, types.RecoverySummaryPartiallyRecoverable, report.Summary)
	require.Len(t, report.ComponentReports, 2)
	assert.True(t, report.ComponentReports[0].LimitReached)
	assert.False(t, report.ComponentReports[1].LimitReached)
}
