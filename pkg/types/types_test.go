package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr string
	}{
		{
			name: "execution",
			cmd:  Command{TaskID: "t1", Kind: KindExecution},
		},
		{
			name: "status without task id",
			cmd:  Command{Kind: KindStatus},
		},
		{
			name: "explicit zero retry policy",
			cmd:  Command{TaskID: "t1", Kind: KindExecution, MaxRetries: Int(0), RetrySleepSeconds: Int(0)},
		},
		{
			name:    "unknown kind",
			cmd:     Command{TaskID: "t1", Kind: "BOGUS"},
			wantErr: "unknown command kind",
		},
		{
			name:    "execution without task id",
			cmd:     Command{Kind: KindAutoExecution},
			wantErr: "task_id is required",
		},
		{
			name:    "negative retries",
			cmd:     Command{TaskID: "t1", Kind: KindExecution, MaxRetries: Int(-1)},
			wantErr: "max_retries",
		},
		{
			name:    "negative retry sleep",
			cmd:     Command{TaskID: "t1", Kind: KindExecution, RetrySleepSeconds: Int(-5)},
			wantErr: "retry_sleep_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCommandStateIsTerminal(t *testing.T) {
	assert.False(t, StateQueued.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.False(t, StateFailedRetrying.IsTerminal())
	assert.True(t, StateSucceeded.IsTerminal())
	assert.True(t, StateFailedTerminal.IsTerminal())
}

func TestHeartbeatResponseCommands(t *testing.T) {
	raw := `{
		"response_id": 7,
		"execution_commands": [{"task_id": "e1", "role": "DATANODE"}],
		"status_commands": [{"role": "NAMENODE"}],
		"alert_definition_commands": [{"role": "ALERTS", "command_type": "ALERT_DEFINITION_COMMAND"}]
	}`

	var resp HeartbeatResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))

	cmds := resp.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, KindExecution, cmds[0].Kind)
	assert.Equal(t, "e1", cmds[0].TaskID)
	assert.Equal(t, KindStatus, cmds[1].Kind)
	assert.Equal(t, KindAlertDefinition, cmds[2].Kind)

	// Kinds are defaulted on copies
	assert.Empty(t, resp.ExecutionCommands[0].Kind)
}

func TestRetryPolicyWireFormat(t *testing.T) {
	var unset, zero Command
	require.NoError(t, json.Unmarshal([]byte(`{"task_id":"a"}`), &unset))
	require.NoError(t, json.Unmarshal([]byte(`{"task_id":"b","max_retries":0,"retry_sleep_seconds":0}`), &zero))

	assert.Nil(t, unset.MaxRetries)
	assert.Nil(t, unset.RetrySleepSeconds)
	require.NotNil(t, zero.MaxRetries)
	require.NotNil(t, zero.RetrySleepSeconds)
	assert.Equal(t, 0, *zero.MaxRetries)
	assert.Equal(t, 0, *zero.RetrySleepSeconds)
}

func TestComponentKey(t *testing.T) {
	cmd := Command{ClusterID: "c1", ServiceName: "HDFS", Role: "DATANODE"}
	status := ComponentStatus{ClusterID: "c1", ServiceName: "HDFS", ComponentName: "DATANODE"}

	assert.Equal(t, "c1/HDFS/DATANODE", cmd.ComponentKey())
	assert.Equal(t, cmd.ComponentKey(), status.Key())
}

func TestNewResultCopiesIdentity(t *testing.T) {
	cmd := Command{TaskID: "t1", ClusterID: "c1", ServiceName: "HDFS", Role: "DATANODE", RoleCommand: "START"}
	res := NewResult(&cmd)

	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "START", res.RoleCommand)
	assert.Empty(t, res.State)
}

func TestRecoveryConfigEnabled(t *testing.T) {
	var nilCfg *RecoveryConfig
	assert.False(t, nilCfg.Enabled())
	assert.False(t, (&RecoveryConfig{}).Enabled())
	assert.False(t, (&RecoveryConfig{Type: RecoveryDisabled}).Enabled())
	assert.True(t, (&RecoveryConfig{Type: RecoveryAutoStart}).Enabled())
}
