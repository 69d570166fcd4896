// Package actionqueue accepts commands from the controller, runs them with
// bounded retry and keeps the results until a heartbeat reports them.
//
// # Lanes
//
// Execution commands and status commands sit in separate FIFOs so a slow
// install never delays a liveness check. The execution lane is drained by the
// worker started in Run. The status lane is drained either by an in-process
// goroutine or, with ExternalStatus set, by an isolated status worker that
// pulls through NextStatus and hands results back with CompleteStatus.
//
// # Reporting
//
// Terminal results are marked for reporting and handed out exactly once by
// SnapshotAndClear. They are also written to a resultstore.Store so that a
// redelivered task replays its result instead of running again.
//
// A local in-memory record of finished tasks is consulted before the store,
// so a store outage never re-runs a task this process already finished. A
// task the store cannot vouch for during an outage is held and re-checked
// until the store answers.
package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/pilot-net/fleet-agent/agent/internal/executor"
	"github.com/pilot-net/fleet-agent/agent/internal/resultstore"
	"github.com/pilot-net/fleet-agent/pkg/types"
)

// InternalErrorExitCode is reported when the executor itself fails.
const InternalErrorExitCode = -1

// ErrStopped is returned by blocking calls after Stop.
var ErrStopped = errors.New("action queue stopped")

// Config for the queue.
type Config struct {
	Executor executor.CommandExecutor
	// Store retains terminal results (default: in-memory)
	Store resultstore.Store
	// Retention of the local finished-task record (default 24h)
	Retention time.Duration
	// HoldRetryInterval is how often held commands re-check the store
	HoldRetryInterval time.Duration

	DefaultMaxRetries int
	DefaultRetrySleep time.Duration

	// ExternalStatus leaves the status lane to a NextStatus consumer
	ExternalStatus bool
	// StatusTimeout bounds in-process status commands
	StatusTimeout time.Duration

	Logger *zap.SugaredLogger

	// Optional observers, called from the worker goroutines
	OnTransition func(Transition)
	OnComplete   func(cmd types.Command, result types.CommandResult)
	OnStatus     func(cmd types.Command, status types.ComponentStatus)
}

// task is one execution command owned by the worker.
type task struct {
	cmd     types.Command
	machine *fsm.FSM
	result  types.CommandResult
}

// Queue is the agent's action queue.
type Queue struct {
	cfg      Config
	store    resultstore.Store
	finished *resultstore.Memory
	logger   *zap.SugaredLogger

	mu sync.Mutex
	// Active execution tasks by ID, plus terminal ones whose store write failed
	tasks          map[string]*task
	execQueue      []*task
	statusQueue    []types.Command
	running        *task
	statusInFlight int
	// Commands waiting for the result store to answer, in arrival order
	held []types.Command
	// Results marked for reporting since the last snapshot
	pending    []types.CommandResult
	components map[string]types.ComponentStatus
	alertDefs  map[string]types.Command

	execWake   chan struct{}
	statusWake chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates a queue. Call Run to start the workers.
func New(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Store == nil {
		cfg.Store = resultstore.NewMemory(cfg.Retention)
	}
	if cfg.HoldRetryInterval <= 0 {
		cfg.HoldRetryInterval = 5 * time.Second
	}
	finished, ok := cfg.Store.(*resultstore.Memory)
	if !ok {
		finished = resultstore.NewMemory(cfg.Retention)
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 5 * time.Minute
	}

	return &Queue{
		cfg:        cfg,
		store:      cfg.Store,
		finished:   finished,
		logger:     cfg.Logger,
		tasks:      make(map[string]*task),
		components: make(map[string]types.ComponentStatus),
		alertDefs:  make(map[string]types.Command),
		execWake:   make(chan struct{}, 1),
		statusWake: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// =============================================================================
// ENQUEUE
// =============================================================================

// Enqueue routes commands to their lanes. Execution commands whose TaskID
// already has a terminal result are not run again; the stored result is
// re-marked for reporting instead.
func (q *Queue) Enqueue(ctx context.Context, cmds []types.Command) {
	for i := range cmds {
		cmd := cmds[i]
		if err := cmd.Validate(); err != nil {
			q.logger.Warnw("dropping invalid command", "task_id", cmd.TaskID, "error", err)
			continue
		}
		if cmd.ReceivedAt.IsZero() {
			cmd.ReceivedAt = time.Now()
		}

		switch cmd.Kind {
		case types.KindExecution, types.KindAutoExecution:
			q.enqueueExecution(ctx, cmd)
		case types.KindStatus:
			q.enqueueStatus(cmd)
		case types.KindAlertDefinition:
			q.storeAlertDefinition(cmd)
		}
	}
}

func (q *Queue) enqueueExecution(ctx context.Context, cmd types.Command) {
	if q.replayKnown(cmd.TaskID) {
		return
	}
	if err := q.admit(ctx, cmd); err != nil {
		q.hold(cmd, err)
	}
}

// admit asks the store whether cmd already ran and either replays the stored
// result or queues cmd, releasing it from the held list. It returns the store
// error if the store could not answer.
func (q *Queue) admit(ctx context.Context, cmd types.Command) error {
	stored, ok, err := q.store.Load(ctx, cmd.TaskID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeHeldLocked(cmd.TaskID)
	if ok {
		q.pending = append(q.pending, stored)
		q.logger.Infow("replaying stored result for redelivered task",
			"task_id", cmd.TaskID, "state", stored.State)
		return nil
	}
	if _, exists := q.tasks[cmd.TaskID]; exists {
		return nil
	}

	t := &task{cmd: cmd, result: types.NewResult(&cmd)}
	t.machine = newMachine(func(from, to types.CommandState) {
		q.publish(t, from, to)
	})
	t.result.State = types.StateQueued
	q.tasks[cmd.TaskID] = t
	q.execQueue = append(q.execQueue, t)
	signal(q.execWake)

	q.logger.Infow("queued command",
		"task_id", cmd.TaskID,
		"kind", cmd.Kind,
		"role", cmd.Role,
		"role_command", cmd.RoleCommand)
	return nil
}

// replayKnown handles a redelivery of a task this process already knows:
// active, held or finished. It returns false if the task is unknown.
func (q *Queue) replayKnown(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.held {
		if c.TaskID == taskID {
			q.logger.Debugw("ignoring redelivery of held task", "task_id", taskID)
			return true
		}
	}

	t, ok := q.tasks[taskID]
	if !ok {
		// The local record never errors
		if result, done, _ := q.finished.Load(context.Background(), taskID); done {
			q.pending = append(q.pending, result)
			q.logger.Infow("replaying result for redelivered task", "task_id", taskID, "state", result.State)
			return true
		}
		return false
	}
	if t.result.State.IsTerminal() {
		q.pending = append(q.pending, t.result)
		q.logger.Infow("replaying result for redelivered task", "task_id", taskID, "state", t.result.State)
	} else {
		q.logger.Debugw("ignoring redelivery of active task", "task_id", taskID, "state", t.result.State)
	}
	return true
}

// hold parks cmd until the result store can say whether it already ran.
func (q *Queue) hold(cmd types.Command, err error) {
	q.mu.Lock()
	for _, c := range q.held {
		if c.TaskID == cmd.TaskID {
			q.mu.Unlock()
			return
		}
	}
	q.held = append(q.held, cmd)
	q.mu.Unlock()

	q.logger.Warnw("result store unavailable, holding command",
		"task_id", cmd.TaskID,
		"retry_in", q.cfg.HoldRetryInterval,
		"error", err)
}

func (q *Queue) removeHeldLocked(taskID string) {
	for i, c := range q.held {
		if c.TaskID == taskID {
			q.held = append(q.held[:i], q.held[i+1:]...)
			return
		}
	}
}

// releaseHeld re-checks held commands in arrival order, stopping at the first
// one the store still cannot answer for.
func (q *Queue) releaseHeld(ctx context.Context) {
	q.mu.Lock()
	held := append([]types.Command(nil), q.held...)
	q.mu.Unlock()

	for _, cmd := range held {
		if err := q.admit(ctx, cmd); err != nil {
			q.logger.Debugw("result store still unavailable", "held", len(held), "error", err)
			return
		}
	}
}

func (q *Queue) runHeldLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.HoldRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.releaseHeld(ctx)
		}
	}
}

func (q *Queue) enqueueStatus(cmd types.Command) {
	q.mu.Lock()
	q.statusQueue = append(q.statusQueue, cmd)
	q.mu.Unlock()
	signal(q.statusWake)
}

func (q *Queue) storeAlertDefinition(cmd types.Command) {
	q.mu.Lock()
	q.alertDefs[cmd.ClusterID] = cmd
	q.mu.Unlock()
	q.logger.Infow("stored alert definitions", "cluster_id", cmd.ClusterID)
}

// AlertDefinitions returns the latest alert definition command per cluster.
func (q *Queue) AlertDefinitions() []types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Command, 0, len(q.alertDefs))
	for _, c := range q.alertDefs {
		out = append(out, c)
	}
	return out
}

// =============================================================================
// WORKERS
// =============================================================================

// Run drains the execution lane, and the status lane unless ExternalStatus is
// set, until ctx is cancelled or Stop is called. A command already running is
// finished first.
func (q *Queue) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if !q.cfg.ExternalStatus {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runStatusLane(ctx)
		}()
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.runHeldLoop(ctx)
	}()

	q.wg.Add(1)
	defer q.wg.Done()

	for {
		t, err := q.nextExecution(ctx)
		if err != nil {
			return nil
		}
		q.process(ctx, t)
	}
}

// Stop signals the workers to exit after their current command.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// Wait blocks until the workers started by Run have exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// nextExecution pops the next execution task and marks it running in one step.
func (q *Queue) nextExecution(ctx context.Context) (*task, error) {
	for {
		q.mu.Lock()
		if len(q.execQueue) > 0 {
			t := q.execQueue[0]
			q.execQueue[0] = nil
			q.execQueue = q.execQueue[1:]
			q.running = t
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-q.execWake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// process runs t through its retry loop until it reaches a terminal state.
func (q *Queue) process(ctx context.Context, t *task) {
	// Execution is never cancelled mid-flight; only the retry sleep is.
	execCtx := context.WithoutCancel(ctx)
	maxRetries := q.cfg.DefaultMaxRetries
	if t.cmd.MaxRetries != nil {
		maxRetries = *t.cmd.MaxRetries
	}
	retrySleep := q.cfg.DefaultRetrySleep
	if t.cmd.RetrySleepSeconds != nil {
		retrySleep = time.Duration(*t.cmd.RetrySleepSeconds) * time.Second
	}

	for {
		q.fire(t, eventStart)

		res, err := q.execute(execCtx, t.cmd)
		if err != nil {
			q.update(t, func(r *types.CommandResult) {
				r.RetryCount++
				r.ExitCode = InternalErrorExitCode
				r.Stdout = ""
				r.Stderr = fmt.Sprintf("internal executor error: %v", err)
				r.StructuredOutput = nil
			})
			q.logger.Errorw("executor failed",
				"task_id", t.cmd.TaskID,
				"script_type", t.cmd.Body.ScriptType,
				"error", err)
			q.fire(t, eventFail)
			break
		}

		q.update(t, func(r *types.CommandResult) {
			r.ExitCode = res.ExitCode
			r.Stdout = res.Stdout
			r.Stderr = res.Stderr
			r.StructuredOutput = res.StructuredOutput
			if !res.Succeeded() {
				r.RetryCount++
			}
		})

		if res.Succeeded() {
			q.fire(t, eventSucceed)
			break
		}
		if t.result.RetryCount >= maxRetries {
			q.fire(t, eventFail)
			break
		}

		q.fire(t, eventRetry)
		q.logger.Infow("command failed, retrying",
			"task_id", t.cmd.TaskID,
			"exit_code", res.ExitCode,
			"retry_count", t.result.RetryCount,
			"max_retries", maxRetries,
			"sleep", retrySleep)

		if !sleepCtx(ctx, retrySleep) {
			q.update(t, func(r *types.CommandResult) {
				r.Stderr += "\nretry abandoned: agent stopping"
			})
			q.fire(t, eventFail)
			break
		}
	}

	q.finish(t)
}

// execute calls the executor, converting panics into errors.
func (q *Queue) execute(ctx context.Context, cmd types.Command) (res *executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()

	res, err = q.cfg.Executor.Execute(ctx, cmd.Body)
	if err == nil && res == nil {
		err = errors.New("executor returned no result")
	}
	return res, err
}

// update mutates t's result under the queue lock. Only the worker writes.
func (q *Queue) update(t *task, fn func(r *types.CommandResult)) {
	q.mu.Lock()
	fn(&t.result)
	q.mu.Unlock()
}

// fire applies a state machine event and mirrors the new state into the result.
func (q *Queue) fire(t *task, event string) {
	if err := t.machine.Event(context.Background(), event); err != nil {
		q.logger.Errorw("invalid command transition", "task_id", t.cmd.TaskID, "event", event, "error", err)
		return
	}
	q.update(t, func(r *types.CommandResult) {
		r.State = types.CommandState(t.machine.Current())
		if r.State == types.StateRunning && r.StartedAt.IsZero() {
			r.StartedAt = time.Now()
		}
	})
}

func (q *Queue) publish(t *task, from, to types.CommandState) {
	if q.cfg.OnTransition == nil {
		return
	}
	q.cfg.OnTransition(Transition{
		TaskID:     t.cmd.TaskID,
		Kind:       t.cmd.Kind,
		From:       from,
		To:         to,
		RetryCount: t.result.RetryCount,
	})
}

// finish stores the terminal result and marks it for reporting.
func (q *Queue) finish(t *task) {
	q.mu.Lock()
	t.result.FinishedAt = time.Now()
	if t.result.State == types.StateSucceeded {
		t.result.Status = types.ReportCompleted
	} else {
		t.result.Status = types.ReportFailed
	}
	result := t.result
	q.mu.Unlock()

	if q.finished != q.store {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := q.store.Save(saveCtx, result); err != nil {
			q.logger.Errorw("failed to persist result, keeping it in memory only",
				"task_id", result.TaskID, "error", err)
		}
		cancel()
	}

	q.mu.Lock()
	// Recorded before the task leaves the table so a redelivery always finds one of them
	_ = q.finished.Save(context.Background(), result)
	delete(q.tasks, result.TaskID)
	q.pending = append(q.pending, result)
	q.running = nil
	q.mu.Unlock()

	q.logger.Infow("command finished",
		"task_id", result.TaskID,
		"state", result.State,
		"exit_code", result.ExitCode,
		"retry_count", result.RetryCount)

	if q.cfg.OnComplete != nil {
		q.cfg.OnComplete(t.cmd, result)
	}
}

// =============================================================================
// STATUS LANE
// =============================================================================

// NextStatus pops the next status command, blocking until one is available.
// Every command returned must later be passed to CompleteStatus.
func (q *Queue) NextStatus(ctx context.Context) (types.Command, error) {
	for {
		q.mu.Lock()
		if len(q.statusQueue) > 0 {
			cmd := q.statusQueue[0]
			q.statusQueue = q.statusQueue[1:]
			q.statusInFlight++
			q.mu.Unlock()
			return cmd, nil
		}
		q.mu.Unlock()

		select {
		case <-q.statusWake:
		case <-q.stopCh:
			return types.Command{}, ErrStopped
		case <-ctx.Done():
			return types.Command{}, ctx.Err()
		}
	}
}

// CompleteStatus records the outcome of a status command as component status.
func (q *Queue) CompleteStatus(cmd types.Command, result types.CommandResult) {
	status := types.ComponentStatus{
		ClusterID:     cmd.ClusterID,
		ServiceName:   cmd.ServiceName,
		ComponentName: cmd.Role,
		Status:        ComponentStateFor(result.ExitCode),
		ExitCode:      result.ExitCode,
		CheckedAt:     time.Now(),
	}
	if status.Status == types.ComponentUnknown {
		status.Message = lastLine(result.Stderr)
	}

	q.mu.Lock()
	q.components[status.Key()] = status
	if q.statusInFlight > 0 {
		q.statusInFlight--
	}
	q.mu.Unlock()

	if q.cfg.OnStatus != nil {
		q.cfg.OnStatus(cmd, status)
	}
}

// ComponentStateFor maps a status command exit code to a component state.
func ComponentStateFor(exitCode int) types.ComponentState {
	switch {
	case exitCode == 0:
		return types.ComponentStarted
	case exitCode < 0, exitCode == executor.TimeoutExitCode:
		return types.ComponentUnknown
	default:
		return types.ComponentInstalled
	}
}

func (q *Queue) runStatusLane(ctx context.Context) {
	for {
		cmd, err := q.NextStatus(ctx)
		if err != nil {
			return
		}

		result := types.NewResult(&cmd)
		runCtx, cancel := context.WithTimeout(ctx, q.cfg.StatusTimeout)
		res, err := q.execute(runCtx, cmd)
		cancel()
		if err != nil {
			result.ExitCode = InternalErrorExitCode
			result.Stderr = err.Error()
		} else {
			result.ExitCode = res.ExitCode
			result.Stdout = res.Stdout
			result.Stderr = res.Stderr
		}
		q.CompleteStatus(cmd, result)
	}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// SnapshotAndClear returns every result marked for reporting since the
// previous call and clears the marks. Safe to call concurrently with Run.
func (q *Queue) SnapshotAndClear() []types.CommandResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Take buffer and reset
	results := q.pending
	q.pending = nil
	return results
}

// InProgress returns an IN_PROGRESS report for the running command, if any.
func (q *Queue) InProgress() []types.CommandResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running == nil || q.running.result.State.IsTerminal() {
		return nil
	}
	r := q.running.result
	r.Status = types.ReportInProgress
	return []types.CommandResult{r}
}

// ComponentStatuses returns the latest status per component.
func (q *Queue) ComponentStatuses() []types.ComponentStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.ComponentStatus, 0, len(q.components))
	for _, s := range q.components {
		out = append(out, s)
	}
	return out
}

// IsIdle reports whether both lanes are empty and nothing is running or held.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.execQueue) == 0 && len(q.statusQueue) == 0 && len(q.held) == 0 &&
		q.running == nil && q.statusInFlight == 0
}

// ExecutionActive reports whether an execution command is queued, held or
// running.
func (q *Queue) ExecutionActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.execQueue) > 0 || len(q.held) > 0 || q.running != nil
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	ExecQueued     int
	ExecHeld       int
	StatusQueued   int
	StatusInFlight int
	Running        bool
	PendingReports int
}

// Stats returns current queue depths.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		ExecQueued:     len(q.execQueue),
		ExecHeld:       len(q.held),
		StatusQueued:   len(q.statusQueue),
		StatusInFlight: q.statusInFlight,
		Running:        q.running != nil,
		PendingReports: len(q.pending),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// signal performs a non-blocking send on a wake channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// sleepCtx sleeps for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func lastLine(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == '\n' || s[end-1] == ' ') {
		end--
	}
	start := end
	for start > 0 && s[start-1] != '\n' {
		start--
	}
	return s[start:end]
}
