// Package statusworker runs status commands in a separate, killable worker
// process so a hung health check can never stall status reporting.
//
// # Design
//
// The supervisor feeds one command at a time to a child process over its
// stdin and reads the result from its stdout. Each command gets a wall-clock
// budget. When the budget runs out the child is killed, a failure result is
// reported for the command and a fresh child is spawned for the next one.
// Commands are never cancelled cooperatively: the work may be arbitrary
// third-party code that ignores cancellation.
//
//	Submit/Source -> submitCh -> dispatch -> child stdin
//	                                 ^            |
//	                                 |        child stdout
//	                          correlator <- readLoop
package statusworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pilot-net/fleet-agent/agent/internal/correlator"
	"github.com/pilot-net/fleet-agent/agent/internal/executor"
	"github.com/pilot-net/fleet-agent/pkg/types"
)

// Subcommand is the argument that starts the agent binary in worker mode.
const Subcommand = "status-worker"

// ErrShutdown is reported for commands still pending at shutdown.
var ErrShutdown = errors.New("status worker supervisor shut down")

// Source supplies status commands. Every command returned must be answered.
type Source interface {
	NextStatus(ctx context.Context) (types.Command, error)
}

// SpawnFunc builds the command for a fresh worker process. Stdin, Stdout and
// Stderr are set by the supervisor.
type SpawnFunc func() *exec.Cmd

// Config for the supervisor.
type Config struct {
	// Timeout is the budget for one status command
	Timeout time.Duration
	// QueueSize bounds pending submissions (default 100)
	QueueSize int
	// Spawn starts a worker (default: this binary with Subcommand)
	Spawn SpawnFunc
	// Source is drained continuously by Run when set
	Source Source
	// OnResult receives exactly one result per accepted command
	OnResult func(cmd types.Command, result types.CommandResult)

	// Optional hooks for metrics
	OnTimeout func(cmd types.Command)
	OnRespawn func(reason string)

	Logger *zap.SugaredLogger
}

// worker is one child process.
type worker struct {
	name     string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *json.Encoder
	exited   chan struct{}
	inflight atomic.Uint64
}

func (w *worker) alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// Supervisor owns the worker process and its queue.
type Supervisor struct {
	cfg    Config
	logger *zap.SugaredLogger

	submitCh chan types.Command
	results  *correlator.Correlator[uint64, response]
	workers  *registry
	current  *worker
	seq      atomic.Uint64
	spawned  atomic.Uint64

	// base is cancelled by Shutdown and fails in-flight waits
	base     context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates a supervisor. No process is started until the first command.
func New(cfg Config) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Spawn == nil {
		cfg.Spawn = SelfSpawner()
	}
	if cfg.OnResult == nil {
		cfg.OnResult = func(types.Command, types.CommandResult) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		logger:   cfg.Logger,
		submitCh: make(chan types.Command, cfg.QueueSize),
		results:  correlator.New[uint64, response](),
		workers:  newRegistry(),
		base:     base,
		cancel:   cancel,
	}
}

// SelfSpawner re-executes the running binary in worker mode.
func SelfSpawner(extraArgs ...string) SpawnFunc {
	return func() *exec.Cmd {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		args := append([]string{Subcommand}, extraArgs...)
		return exec.Command(exe, args...)
	}
}

// Submit queues cmd without blocking. If the queue is full or the supervisor
// is shut down, a failure result is reported immediately.
func (s *Supervisor) Submit(cmd types.Command) {
	if s.base.Err() != nil {
		s.cfg.OnResult(cmd, failure(cmd, -1, ErrShutdown.Error()))
		return
	}
	select {
	case s.submitCh <- cmd:
		if s.base.Err() != nil {
			s.failQueued()
		}
	default:
		s.logger.Warnw("status queue full, failing command", "role", cmd.Role, "cluster_id", cmd.ClusterID)
		s.cfg.OnResult(cmd, failure(cmd, -1, "status queue full"))
	}
}

// Run processes commands one at a time until ctx is cancelled or Shutdown is
// called. It shuts the supervisor down before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.Shutdown()

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.base.Done():
		}
	}()

	if s.cfg.Source != nil {
		go s.drain()
	}

	for {
		select {
		case cmd := <-s.submitCh:
			s.cfg.OnResult(cmd, s.dispatch(cmd))
		case <-s.base.Done():
			return nil
		}
	}
}

// drain moves commands from the configured source into the submit queue,
// waiting for room rather than failing them.
func (s *Supervisor) drain() {
	for {
		cmd, err := s.cfg.Source.NextStatus(s.base)
		if err != nil {
			return
		}
		select {
		case s.submitCh <- cmd:
			// Shutdown may already have emptied submitCh
			if s.base.Err() != nil {
				s.failQueued()
				return
			}
		case <-s.base.Done():
			s.cfg.OnResult(cmd, failure(cmd, -1, ErrShutdown.Error()))
			return
		}
	}
}

// Shutdown kills every worker and fails queued and in-flight commands.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		for _, w := range s.workers.all() {
			s.kill(w)
		}
		s.failQueued()
		s.logger.Infow("status worker supervisor stopped")
	})
}

// failQueued answers every command still waiting in submitCh.
func (s *Supervisor) failQueued() {
	for {
		select {
		case cmd := <-s.submitCh:
			s.cfg.OnResult(cmd, failure(cmd, -1, ErrShutdown.Error()))
		default:
			return
		}
	}
}

// Workers returns the names of live worker processes.
func (s *Supervisor) Workers() []string {
	return s.workers.names()
}

// Spawned returns how many worker processes have been started.
func (s *Supervisor) Spawned() uint64 {
	return s.spawned.Load()
}

// =============================================================================
// DISPATCH
// =============================================================================

// dispatch runs cmd on the current worker and waits for its result.
func (s *Supervisor) dispatch(cmd types.Command) types.CommandResult {
	w, err := s.ensureWorker()
	if err != nil {
		s.logger.Errorw("failed to start status worker", "error", err)
		return failure(cmd, -1, fmt.Sprintf("start status worker: %v", err))
	}

	id := s.seq.Add(1)
	w.inflight.Store(id)
	if err := w.enc.Encode(request{ID: id, Command: cmd}); err != nil {
		w.inflight.Store(0)
		s.replace(w, "write failed")
		return failure(cmd, -1, fmt.Sprintf("send to status worker: %v", err))
	}

	waitCtx, cancel := context.WithTimeout(s.base, s.cfg.Timeout)
	resp, err := s.results.Get(waitCtx, id)
	cancel()

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return s.onTimeout(w, id, cmd)
	case err != nil:
		return failure(cmd, -1, ErrShutdown.Error())
	}

	w.inflight.CompareAndSwap(id, 0)

	switch {
	case resp.Crashed:
		s.logger.Warnw("status worker died during command", "worker", w.name, "role", cmd.Role, "error", resp.Error)
		s.replace(w, "crashed")
		return failure(cmd, -1, resp.Error)
	case resp.Error != "":
		return failure(cmd, -1, "status executor error: "+resp.Error)
	}

	result := types.NewResult(&cmd)
	result.ExitCode = resp.Result.ExitCode
	result.Stdout = resp.Result.Stdout
	result.Stderr = resp.Result.Stderr
	result.StructuredOutput = resp.Result.StructuredOutput
	result.FinishedAt = time.Now()
	if resp.Result.Succeeded() {
		result.State = types.StateSucceeded
		result.Status = types.ReportCompleted
	} else {
		result.State = types.StateFailedTerminal
		result.Status = types.ReportFailed
	}
	return result
}

// onTimeout kills the hung worker, reports the command as failed and spawns
// a replacement for the next command.
func (s *Supervisor) onTimeout(w *worker, id uint64, cmd types.Command) types.CommandResult {
	s.logger.Warnw("status command timed out, killing worker",
		"worker", w.name,
		"role", cmd.Role,
		"cluster_id", cmd.ClusterID,
		"timeout", s.cfg.Timeout)

	w.inflight.Store(0)
	s.replace(w, "timeout")
	// Drop a response that raced the kill
	s.results.TryGet(id)

	if s.cfg.OnTimeout != nil {
		s.cfg.OnTimeout(cmd)
	}
	return failure(cmd, executor.TimeoutExitCode,
		fmt.Sprintf("status command timed out after %v", s.cfg.Timeout))
}

// replace kills w and starts a fresh worker. A spawn failure is retried on
// the next command.
func (s *Supervisor) replace(w *worker, reason string) {
	s.kill(w)
	if s.current == w {
		s.current = nil
	}
	if s.base.Err() != nil {
		return
	}
	if s.cfg.OnRespawn != nil {
		s.cfg.OnRespawn(reason)
	}
	if _, err := s.ensureWorker(); err != nil {
		s.logger.Errorw("failed to respawn status worker", "reason", reason, "error", err)
	}
}

// ensureWorker returns a live worker, spawning one if needed. Only the Run
// goroutine calls it.
func (s *Supervisor) ensureWorker() (*worker, error) {
	if s.current != nil && s.current.alive() {
		return s.current, nil
	}
	if s.base.Err() != nil {
		return nil, ErrShutdown
	}

	cmd := s.cfg.Spawn()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	isolate(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	n := s.spawned.Add(1)
	w := &worker{
		name:   fmt.Sprintf("%s-%d-pid%d", Subcommand, n, cmd.Process.Pid),
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		exited: make(chan struct{}),
	}
	s.workers.add(w)
	go s.readLoop(w, stdout)

	// Shutdown may have swept the registry while this worker was starting
	if s.base.Err() != nil {
		s.kill(w)
		return nil, ErrShutdown
	}

	s.current = w
	s.logger.Infow("started status worker", "worker", w.name)
	return w, nil
}

// readLoop forwards responses for the in-flight command and reports the
// worker's death to whoever is waiting on it.
func (s *Supervisor) readLoop(w *worker, stdout io.Reader) {
	dec := json.NewDecoder(stdout)
	for {
		var resp response
		if err := dec.Decode(&resp); err != nil {
			break
		}
		if resp.ID != 0 && w.inflight.Load() == resp.ID {
			s.results.Put(resp.ID, resp)
		}
	}

	waitErr := w.cmd.Wait()
	s.workers.remove(w)
	close(w.exited)

	if id := w.inflight.Swap(0); id != 0 {
		s.results.Put(id, response{
			ID:      id,
			Error:   fmt.Sprintf("status worker exited: %v", waitErr),
			Crashed: true,
		})
	}
}

// kill terminates w together with any script it is running and waits
// briefly for it to be reaped.
func (s *Supervisor) kill(w *worker) {
	if !w.alive() {
		return
	}
	w.stdin.Close()
	if err := killTree(w.cmd); err != nil {
		s.logger.Warnw("failed to kill status worker", "worker", w.name, "error", err)
	}
	select {
	case <-w.exited:
	case <-time.After(5 * time.Second):
		s.logger.Warnw("status worker did not exit after kill", "worker", w.name)
	}
}

func failure(cmd types.Command, exitCode int, msg string) types.CommandResult {
	r := types.NewResult(&cmd)
	r.ExitCode = exitCode
	r.Stderr = msg
	r.State = types.StateFailedTerminal
	r.Status = types.ReportFailed
	r.FinishedAt = time.Now()
	return r
}
