package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

// StructuredOutputEnv names the file a script may write JSON into. Its
// contents become Result.StructuredOutput.
const StructuredOutputEnv = "FLEET_STRUCTURED_OUT"

// TimeoutExitCode is reported when an attempt exceeds its timeout.
const TimeoutExitCode = 124

// ScriptConfig configures a ScriptExecutor.
type ScriptConfig struct {
	// Type is the script type name (e.g., "shell")
	Type string
	// Interpreter is the binary invoked (e.g., "sh")
	Interpreter string
	// Args precede the script text (e.g., ["-c"])
	Args []string
	// Timeout is the default per-attempt budget
	Timeout time.Duration
	// Env is appended to the agent's environment
	Env []string
	// TempDir holds structured output files (default os.TempDir())
	TempDir string
}

// ScriptExecutor runs a script with an interpreter. Params are passed on stdin.
type ScriptExecutor struct {
	cfg ScriptConfig
}

// NewScriptExecutor creates an executor for one script type.
func NewScriptExecutor(cfg ScriptConfig) *ScriptExecutor {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &ScriptExecutor{cfg: cfg}
}

// NewShellExecutor runs bodies through "sh -c" unless cfg names another
// interpreter.
func NewShellExecutor(cfg ScriptConfig) *ScriptExecutor {
	return NewScriptExecutor(withDefaults(cfg, "shell", "sh"))
}

// NewPythonExecutor runs bodies through "python3 -c" unless cfg names another
// interpreter.
func NewPythonExecutor(cfg ScriptConfig) *ScriptExecutor {
	return NewScriptExecutor(withDefaults(cfg, "python", "python3"))
}

func withDefaults(cfg ScriptConfig, typ, interpreter string) ScriptConfig {
	if cfg.Type == "" {
		cfg.Type = typ
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = interpreter
	}
	if cfg.Args == nil {
		cfg.Args = []string{"-c"}
	}
	return cfg
}

func (e *ScriptExecutor) Type() string { return e.cfg.Type }

func (e *ScriptExecutor) Capabilities() Capabilities {
	return Capabilities{
		Dependencies:   []string{e.cfg.Interpreter},
		DefaultTimeout: e.cfg.Timeout,
	}
}

// Execute runs one attempt. Non-zero exits and timeouts are reported in the
// Result; an error is returned only when the process could not be run.
func (e *ScriptExecutor) Execute(ctx context.Context, body types.CommandBody) (*Result, error) {
	timeout := e.cfg.Timeout
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outFile, err := os.CreateTemp(e.cfg.TempDir, "structured-out-*.json")
	if err != nil {
		return nil, fmt.Errorf("create structured output file: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	args := append(append([]string{}, e.cfg.Args...), body.Script)
	cmd := exec.CommandContext(ctx, e.cfg.Interpreter, args...)
	// Grandchildren holding the output pipes must not outlive the timeout
	cmd.WaitDelay = time.Second
	cmd.Env = append(append(os.Environ(), e.cfg.Env...), StructuredOutputEnv+"="+outPath)
	if len(body.Params) > 0 {
		cmd.Stdin = bytes.NewReader(body.Params)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.ExitCode = TimeoutExitCode
			result.Stderr += fmt.Sprintf("\ncommand timed out after %v", timeout)
			return result, nil
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run %s: %w", e.cfg.Interpreter, err)
		}
	}

	result.StructuredOutput = readStructuredOutput(outPath)
	return result, nil
}

// readStructuredOutput returns the file's JSON, or nil if it is empty or invalid.
func readStructuredOutput(path string) json.RawMessage {
	data, err := os.ReadFile(path)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}
