package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

// MockExecutor is a test executor for unit tests.
type MockExecutor struct {
	TypeName    string
	Caps        Capabilities
	ExecuteFunc func(ctx context.Context, body types.CommandBody) (*Result, error)
}

func (m *MockExecutor) Type() string {
	return m.TypeName
}

func (m *MockExecutor) Capabilities() Capabilities {
	return m.Caps
}

func (m *MockExecutor) Execute(ctx context.Context, body types.CommandBody) (*Result, error) {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, body)
	}
	return &Result{Stdout: body.Script}, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	exec := &MockExecutor{TypeName: "test_shell"}

	require.NoError(t, r.Register(exec))
	assert.Error(t, r.Register(exec), "duplicate registration should fail")
}

func TestRegistry_RegisterMissingDependency(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&MockExecutor{
		TypeName: "exotic",
		Caps:     Capabilities{Dependencies: []string{"definitely-not-a-real-binary-xyz"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing dependency")
	assert.Empty(t, r.List())
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&MockExecutor{TypeName: "shell"}))

	found, ok := r.Get("shell")
	require.True(t, ok)
	assert.Equal(t, "shell", found.Type())

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"shell", "python", "powershell"} {
		require.NoError(t, r.Register(&MockExecutor{TypeName: name}))
	}

	assert.Equal(t, []string{"powershell", "python", "shell"}, r.List())
}

func TestRegistry_ExecuteDispatchesByScriptType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&MockExecutor{
		TypeName: "shell",
		ExecuteFunc: func(ctx context.Context, body types.CommandBody) (*Result, error) {
			return &Result{ExitCode: 3, Stdout: "shell:" + body.Script}, nil
		},
	}))

	res, err := r.Execute(context.Background(), types.CommandBody{ScriptType: "shell", Script: "x"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "shell:x", res.Stdout)
	assert.False(t, res.Succeeded())

	_, err = r.Execute(context.Background(), types.CommandBody{ScriptType: "perl"})
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	var f CommandExecutor = Func(func(ctx context.Context, body types.CommandBody) (*Result, error) {
		return &Result{}, nil
	})
	res, err := f.Execute(context.Background(), types.CommandBody{})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}
