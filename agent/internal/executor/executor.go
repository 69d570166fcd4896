// Package executor runs opaque command bodies and returns structured results.
//
// # Design Principles
//
// 1. Interface Segregation: the action queue depends only on CommandExecutor
// 2. Exit codes are data: a non-zero exit is a normal Result, never an error
// 3. Capability Declaration: executors declare the binaries they need
// 4. Graceful Degradation: missing dependencies are detected at registration, not runtime
//
// # Adding New Executors
//
// Script types are registered by name and selected by CommandBody.ScriptType:
//
//	registry.Register(executor.NewScriptExecutor(executor.ScriptConfig{
//		Type:        "python",
//		Interpreter: "python3",
//		Args:        []string{"-c"},
//	}))
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

// CommandExecutor runs one command body. Implementations must be safe to call
// repeatedly for retries. An error means the executor itself failed, not the
// command.
type CommandExecutor interface {
	Execute(ctx context.Context, body types.CommandBody) (*Result, error)
}

// Executor is a CommandExecutor for one script type.
type Executor interface {
	CommandExecutor

	// Type returns the script type this executor handles (e.g., "shell")
	Type() string

	// Capabilities returns what this executor needs
	Capabilities() Capabilities
}

// Capabilities describes an executor's requirements and limits.
type Capabilities struct {
	// Dependencies lists external binaries required (e.g., ["sh"])
	Dependencies []string

	// DefaultTimeout bounds an attempt when the body sets no timeout
	DefaultTimeout time.Duration
}

// Result is the outcome of one attempt.
type Result struct {
	ExitCode         int             `json:"exit_code"`
	Stdout           string          `json:"stdout"`
	Stderr           string          `json:"stderr"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	Duration         time.Duration   `json:"duration"`
}

// Succeeded reports whether the attempt exited zero.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available executors and dispatches by script type.
// It satisfies CommandExecutor.
type Registry struct {
	executors map[string]Executor
	mu        sync.RWMutex
}

// NewRegistry creates a new executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor to the registry.
// Returns an error if dependencies are missing or executor already registered.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ := e.Type()
	if _, exists := r.executors[typ]; exists {
		return fmt.Errorf("executor already registered: %s", typ)
	}

	caps := e.Capabilities()
	for _, dep := range caps.Dependencies {
		if _, err := exec.LookPath(dep); err != nil {
			return fmt.Errorf("executor %s missing dependency: %s", typ, dep)
		}
	}

	r.executors[typ] = e
	return nil
}

// Get returns an executor by type.
func (r *Registry) Get(typ string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[typ]
	return e, ok
}

// List returns all registered script types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for t := range r.executors {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches body to the executor registered for its script type.
func (r *Registry) Execute(ctx context.Context, body types.CommandBody) (*Result, error) {
	e, ok := r.Get(body.ScriptType)
	if !ok {
		return nil, fmt.Errorf("no executor for script type %q", body.ScriptType)
	}
	return e.Execute(ctx, body)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Func adapts a function to CommandExecutor.
type Func func(ctx context.Context, body types.CommandBody) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, body types.CommandBody) (*Result, error) {
	return f(ctx, body)
}
