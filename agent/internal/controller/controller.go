// Package controller runs the heartbeat session with the remote controller.
//
// # Session
//
//	DISCONNECTED -> register -> AWAITING_RESPONSE -> CONNECTED -> (sleep) -> AWAITING_RESPONSE ...
//	                                             \-> CONNECTION_FAILED -> (backoff) -> AWAITING_RESPONSE
//
// A heartbeat that could not be delivered is resent unchanged; it is never
// rebuilt, because building it drained the queue's pending reports.
//
// The response id returned in response n is sent on heartbeat n+1. A response
// that skips the sequence, or carries a registration command, ends the session
// and the agent registers again.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pilot-net/fleet-agent/pkg/types"
)

// ErrRestartRequested is returned by Run when the controller asks the agent
// to restart.
var ErrRestartRequested = errors.New("controller requested agent restart")

// errReregister ends a session so Run registers again.
var errReregister = errors.New("registration required")

// State is the session state.
type State string

const (
	StateDisconnected     State = "DISCONNECTED"
	StateAwaitingResponse State = "AWAITING_RESPONSE"
	StateConnected        State = "CONNECTED"
	StateConnectionFailed State = "CONNECTION_FAILED"
)

// Transport sends registrations and heartbeats.
type Transport interface {
	Register(ctx context.Context, reg types.Registration) (*types.RegistrationResponse, error)
	Heartbeat(ctx context.Context, hb *types.Heartbeat) (*types.HeartbeatResponse, error)
}

// Queue receives commands and tells the controller how busy it is.
type Queue interface {
	Enqueue(ctx context.Context, cmds []types.Command)
	IsIdle() bool
	ExecutionActive() bool
}

// Builder assembles heartbeats.
type Builder interface {
	Build(ctx context.Context, lastResponseID int64, stateReportInterval int, componentsMapped bool) *types.Heartbeat
}

// Recovery generates agent-side recovery commands.
type Recovery interface {
	SetConfig(cfg *types.RecoveryConfig)
	Generate(executionActive bool) []types.Command
}

// Config for the controller.
type Config struct {
	Transport Transport
	Queue     Queue
	Builder   Builder
	// Recovery is optional
	Recovery Recovery

	// Registration builds the registration payload (host identity and facts).
	// ResponseID and Timestamp are filled in by the controller.
	Registration func(ctx context.Context) (types.Registration, error)

	// StateReportInterval attaches host facts every N heartbeats
	StateReportInterval int
	// ActiveInterval is the heartbeat spacing while commands are in flight
	ActiveInterval time.Duration
	// IdleInterval is the heartbeat spacing while the queue is idle
	IdleInterval time.Duration
	// MinInterval is the minimum spacing between any two heartbeats,
	// including ones triggered early by Notify
	MinInterval time.Duration

	// Backoff after a failed send
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *zap.SugaredLogger

	// Optional observers
	OnHeartbeat    func(err error, took time.Duration, responseID int64)
	OnRegistration func(err error)
	OnRecovery     func(n int)
}

// Controller owns the session with the remote controller.
type Controller struct {
	cfg     Config
	logger  *zap.SugaredLogger
	limiter *rate.Limiter
	wake    chan struct{}

	mu               sync.Mutex
	state            State
	lastResponseID   int64
	componentsMapped bool
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = time.Second
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Controller{
		cfg:            cfg,
		logger:         cfg.Logger,
		limiter:        rate.NewLimiter(limit, 1),
		wake:           make(chan struct{}, 1),
		state:          StateDisconnected,
		lastResponseID: -1,
	}
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastResponseID returns the response id that the next heartbeat will carry.
func (c *Controller) LastResponseID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponseID
}

// Notify cuts the current sleep short so results are reported sooner.
func (c *Controller) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run registers and heartbeats until ctx is done or the controller requests
// a restart. Connection failures are retried forever.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := c.register(ctx); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		err := c.session(ctx)
		c.setState(StateDisconnected)
		if errors.Is(err, errReregister) {
			continue
		}
		return err
	}
}

func (c *Controller) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// =============================================================================
// REGISTRATION
// =============================================================================

func (c *Controller) register(ctx context.Context) error {
	bo := c.newBackoff()
	for {
		resp, err := c.tryRegister(ctx)
		if c.cfg.OnRegistration != nil {
			c.cfg.OnRegistration(err)
		}
		if err == nil {
			c.applyRegistration(ctx, resp)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		c.logger.Warnw("Registration failed, retrying", "error", err, "retry_in", wait)
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (c *Controller) tryRegister(ctx context.Context) (*types.RegistrationResponse, error) {
	var reg types.Registration
	if c.cfg.Registration != nil {
		var err error
		if reg, err = c.cfg.Registration(ctx); err != nil {
			return nil, fmt.Errorf("building registration: %w", err)
		}
	}
	reg.ResponseID = c.LastResponseID()
	reg.Timestamp = time.Now().UTC()

	c.setState(StateAwaitingResponse)
	resp, err := c.cfg.Transport.Register(ctx, reg)
	if err != nil {
		c.setState(StateConnectionFailed)
		return nil, fmt.Errorf("registering: %w", err)
	}
	if resp.Status == types.RegistrationFailed {
		c.setState(StateDisconnected)
		return nil, fmt.Errorf("registration rejected: %s", resp.Log)
	}
	return resp, nil
}

func (c *Controller) applyRegistration(ctx context.Context, resp *types.RegistrationResponse) {
	c.mu.Lock()
	c.lastResponseID = resp.ResponseID
	c.componentsMapped = false
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Infow("Registered with controller", "response_id", resp.ResponseID)

	if resp.RecoveryConfig != nil && c.cfg.Recovery != nil {
		c.cfg.Recovery.SetConfig(resp.RecoveryConfig)
	}
	if len(resp.StatusCommands) > 0 {
		cmds := make([]types.Command, 0, len(resp.StatusCommands))
		for _, cmd := range resp.StatusCommands {
			if cmd.Kind == "" {
				cmd.Kind = types.KindStatus
			}
			cmds = append(cmds, cmd)
		}
		c.cfg.Queue.Enqueue(ctx, cmds)
	}
}

// =============================================================================
// HEARTBEAT LOOP
// =============================================================================

func (c *Controller) session(ctx context.Context) error {
	bo := c.newBackoff()
	var payload *types.Heartbeat

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		if payload == nil {
			c.mu.Lock()
			id, mapped := c.lastResponseID, c.componentsMapped
			c.mu.Unlock()
			payload = c.cfg.Builder.Build(ctx, id, c.cfg.StateReportInterval, mapped)
		}

		c.setState(StateAwaitingResponse)
		start := time.Now()
		resp, err := c.cfg.Transport.Heartbeat(ctx, payload)
		took := time.Since(start)

		if err != nil {
			if c.cfg.OnHeartbeat != nil {
				c.cfg.OnHeartbeat(err, took, 0)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setState(StateConnectionFailed)
			wait := bo.NextBackOff()
			c.logger.Warnw("Heartbeat failed, resending",
				"error", err,
				"response_id", payload.ResponseID,
				"reports", len(payload.Reports),
				"retry_in", wait,
			)
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		bo.Reset()
		c.setState(StateConnected)
		sent := payload.ResponseID
		payload = nil
		if c.cfg.OnHeartbeat != nil {
			c.cfg.OnHeartbeat(nil, took, resp.ResponseID)
		}

		if err := c.apply(ctx, sent, resp); err != nil {
			return err
		}

		if !c.pause(ctx) {
			return ctx.Err()
		}
	}
}

// apply handles one heartbeat response.
func (c *Controller) apply(ctx context.Context, sent int64, resp *types.HeartbeatResponse) error {
	if resp.RestartAgent {
		c.logger.Infow("Controller requested restart", "response_id", resp.ResponseID)
		return ErrRestartRequested
	}
	if resp.RegistrationCommand {
		c.logger.Infow("Controller requested registration", "response_id", resp.ResponseID)
		return errReregister
	}
	if sent >= 0 && resp.ResponseID != sent+1 {
		c.logger.Warnw("Response id out of sequence, registering again",
			"sent", sent,
			"received", resp.ResponseID,
		)
		return errReregister
	}

	c.mu.Lock()
	c.lastResponseID = resp.ResponseID
	if resp.HasMappedComponents != nil {
		c.componentsMapped = *resp.HasMappedComponents
	}
	c.mu.Unlock()

	if resp.RecoveryConfig != nil && c.cfg.Recovery != nil {
		c.cfg.Recovery.SetConfig(resp.RecoveryConfig)
	}

	if cmds := resp.Commands(); len(cmds) > 0 {
		c.logger.Debugw("Received commands", "count", len(cmds), "response_id", resp.ResponseID)
		c.cfg.Queue.Enqueue(ctx, cmds)
	}

	if c.cfg.Recovery != nil {
		if cmds := c.cfg.Recovery.Generate(c.cfg.Queue.ExecutionActive()); len(cmds) > 0 {
			c.cfg.Queue.Enqueue(ctx, cmds)
			if c.cfg.OnRecovery != nil {
				c.cfg.OnRecovery(len(cmds))
			}
		}
	}
	return nil
}

// pause sleeps for the adaptive interval or until Notify. It reports false
// when ctx ended.
func (c *Controller) pause(ctx context.Context) bool {
	interval := c.cfg.IdleInterval
	if !c.cfg.Queue.IsIdle() {
		interval = c.cfg.ActiveInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
