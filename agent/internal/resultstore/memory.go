package resultstore

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

// Memory keeps results in-process with a TTL.
type Memory struct {
	results *expiremap.ExpireMap[string, types.CommandResult]
}

// NewMemory creates an in-memory store. Expired entries are culled at a
// tenth of the retention window.
func NewMemory(retention time.Duration) *Memory {
	cull := retention / 10
	if cull < time.Second {
		cull = time.Second
	}
	return &Memory{
		results: expiremap.NewEx[string, types.CommandResult](cull, retention),
	}
}

func (m *Memory) Save(_ context.Context, result types.CommandResult) error {
	m.results.Set(result.TaskID, result)
	return nil
}

func (m *Memory) Load(_ context.Context, taskID string) (types.CommandResult, bool, error) {
	v, ok := m.results.Load(taskID)
	if !ok || v == nil {
		return types.CommandResult{}, false, nil
	}
	return *v, true, nil
}

// Len returns the number of retained results.
func (m *Memory) Len() int {
	return m.results.Length()
}

func (m *Memory) Close() error { return nil }
