package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/fleet-agent/agent/internal/client"
	"github.com/pilot-net/fleet-agent/pkg/types"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []types.Command
	idle     bool
	active   bool
}

func (q *fakeQueue) Enqueue(_ context.Context, cmds []types.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, cmds...)
}

func (q *fakeQueue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *fakeQueue) ExecutionActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *fakeQueue) commands() []types.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.Command(nil), q.enqueued...)
}

type buildCall struct {
	responseID int64
	interval   int
	mapped     bool
}

type fakeBuilder struct {
	mu    sync.Mutex
	calls []buildCall
}

func (b *fakeBuilder) Build(_ context.Context, id int64, interval int, mapped bool) *types.Heartbeat {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, buildCall{id, interval, mapped})
	return &types.Heartbeat{ResponseID: id}
}

func (b *fakeBuilder) built() []buildCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]buildCall(nil), b.calls...)
}

// scriptedTransport answers heartbeats with the next scripted step and cancels
// the run once the script is exhausted.
type scriptedTransport struct {
	mu            sync.Mutex
	registerIDs   []int64
	registrations []types.Registration
	steps         []func(hb *types.Heartbeat) (*types.HeartbeatResponse, error)
	sent          []*types.Heartbeat
	cancel        context.CancelFunc
}

func (s *scriptedTransport) Register(_ context.Context, reg types.Registration) (*types.RegistrationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations = append(s.registrations, reg)
	id := int64(0)
	if len(s.registerIDs) > 0 {
		id = s.registerIDs[0]
		s.registerIDs = s.registerIDs[1:]
	}
	return &types.RegistrationResponse{Status: types.RegistrationOK, ResponseID: id}, nil
}

func (s *scriptedTransport) Heartbeat(ctx context.Context, hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
	s.mu.Lock()
	s.sent = append(s.sent, hb)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		s.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	return step(hb)
}

func (s *scriptedTransport) heartbeats() []*types.Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Heartbeat(nil), s.sent...)
}

func next(extra ...func(*types.HeartbeatResponse)) func(*types.Heartbeat) (*types.HeartbeatResponse, error) {
	return func(hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
		resp := &types.HeartbeatResponse{ResponseID: hb.ResponseID + 1}
		for _, f := range extra {
			f(resp)
		}
		return resp, nil
	}
}

func failing(hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
	return nil, errors.New("connection refused")
}

func fastConfig(tr Transport, q Queue, b Builder) Config {
	return Config{
		Transport:      tr,
		Queue:          q,
		Builder:        b,
		ActiveInterval: time.Millisecond,
		IdleInterval:   time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func run(ctx context.Context, t *testing.T, c *Controller, cancel context.CancelFunc) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("controller did not stop")
		return nil
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestHeartbeatSequencing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &scriptedTransport{registerIDs: []int64{5}, cancel: cancel}
	tr.steps = append(tr.steps, next(), next(), next())
	c := New(fastConfig(tr, &fakeQueue{idle: true}, &fakeBuilder{}))

	err := run(ctx, t, c, cancel)
	assert.ErrorIs(t, err, context.Canceled)

	sent := tr.heartbeats()
	require.GreaterOrEqual(t, len(sent), 3)
	assert.Equal(t, int64(5), sent[0].ResponseID)
	assert.Equal(t, int64(6), sent[1].ResponseID, "heartbeat n+1 carries the id from response n")
	assert.Equal(t, int64(7), sent[2].ResponseID)
	assert.Equal(t, int64(8), c.LastResponseID())
}

func TestFailedHeartbeatResendsSamePayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &scriptedTransport{cancel: cancel}
	tr.steps = append(tr.steps, failing, failing, next())
	b := &fakeBuilder{}
	c := New(fastConfig(tr, &fakeQueue{idle: true}, b))

	run(ctx, t, c, cancel)

	sent := tr.heartbeats()
	require.GreaterOrEqual(t, len(sent), 4)
	assert.Same(t, sent[0], sent[1])
	assert.Same(t, sent[0], sent[2])
	assert.NotSame(t, sent[2], sent[3])
	assert.Equal(t, int64(1), sent[3].ResponseID)

	// One build for the three attempts, one for the next heartbeat
	assert.Len(t, b.built(), 2)
}

func TestCommandsEnqueuedWithKinds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &scriptedTransport{cancel: cancel}
	tr.steps = append(tr.steps, next(func(r *types.HeartbeatResponse) {
		r.ExecutionCommands = []types.Command{{TaskID: "t1"}}
		r.StatusCommands = []types.Command{{Role: "DATANODE"}}
	}))
	q := &fakeQueue{idle: true}
	c := New(fastConfig(tr, q, &fakeBuilder{}))

	run(ctx, t, c, cancel)

	cmds := q.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, types.KindExecution, cmds[0].Kind)
	assert.Equal(t, types.KindStatus, cmds[1].Kind)
}

func TestRestartRequested(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &scriptedTransport{cancel: cancel}
	tr.steps = append(tr.steps, next(func(r *types.HeartbeatResponse) { r.RestartAgent = true }))
	c := New(fastConfig(tr, &fakeQueue{idle: true}, &fakeBuilder{}))

	assert.ErrorIs(t, run(ctx, t, c, cancel), ErrRestartRequested)
}

func TestReregistration(t *testing.T) {
	tests := []struct {
		name string
		step func(*types.Heartbeat) (*types.HeartbeatResponse, error)
	}{
		{"registration command", next(func(r *types.HeartbeatResponse) { r.RegistrationCommand = true })},
		{"response id out of sequence", func(hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
			return &types.HeartbeatResponse{ResponseID: hb.ResponseID + 5}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			tr := &scriptedTransport{registerIDs: []int64{3, 40}, cancel: cancel}
			tr.steps = append(tr.steps, tt.step, next())
			c := New(fastConfig(tr, &fakeQueue{idle: true}, &fakeBuilder{}))

			run(ctx, t, c, cancel)

			require.Len(t, tr.registrations, 2)
			assert.Equal(t, int64(-1), tr.registrations[0].ResponseID)
			assert.Equal(t, int64(3), tr.registrations[1].ResponseID)
			sent := tr.heartbeats()
			require.GreaterOrEqual(t, len(sent), 2)
			assert.Equal(t, int64(40), sent[1].ResponseID, "new session starts from the new registration id")
		})
	}
}

func TestComponentsMappedTracked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &scriptedTransport{cancel: cancel}
	mapped := true
	tr.steps = append(tr.steps, next(func(r *types.HeartbeatResponse) { r.HasMappedComponents = &mapped }), next())
	b := &fakeBuilder{}
	cfg := fastConfig(tr, &fakeQueue{idle: true}, b)
	cfg.StateReportInterval = 6
	c := New(cfg)

	run(ctx, t, c, cancel)

	calls := b.built()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.False(t, calls[0].mapped)
	assert.True(t, calls[1].mapped)
	assert.Equal(t, 6, calls[0].interval)
}

type fakeRecovery struct {
	mu      sync.Mutex
	cfg     *types.RecoveryConfig
	actives []bool
}

func (r *fakeRecovery) SetConfig(cfg *types.RecoveryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

func (r *fakeRecovery) Generate(active bool) []types.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actives = append(r.actives, active)
	if len(r.actives) == 1 {
		return []types.Command{{TaskID: "auto-1", Kind: types.KindAutoExecution}}
	}
	return nil
}

func TestRecoveryWiring(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &scriptedTransport{cancel: cancel}
	tr.steps = append(tr.steps, next(func(r *types.HeartbeatResponse) {
		r.RecoveryConfig = &types.RecoveryConfig{Type: types.RecoveryAutoStart}
	}))
	q := &fakeQueue{idle: true, active: true}
	rec := &fakeRecovery{}
	var generated int
	cfg := fastConfig(tr, q, &fakeBuilder{})
	cfg.Recovery = rec
	cfg.OnRecovery = func(n int) { generated += n }
	c := New(cfg)

	run(ctx, t, c, cancel)

	require.NotNil(t, rec.cfg)
	assert.Equal(t, types.RecoveryAutoStart, rec.cfg.Type)
	assert.Equal(t, []bool{true}, rec.actives)
	assert.Equal(t, 1, generated)
	require.Len(t, q.commands(), 1)
	assert.Equal(t, "auto-1", q.commands()[0].TaskID)
}

func TestAdaptiveInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := &fakeQueue{idle: true}
	c := New(Config{Queue: q, ActiveInterval: time.Millisecond, IdleInterval: time.Hour})

	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Notify()
	}()
	assert.True(t, c.pause(ctx), "notify wakes an idle pause")
	assert.Less(t, time.Since(start), time.Minute)

	q.idle = false
	start = time.Now()
	assert.True(t, c.pause(ctx))
	assert.Less(t, time.Since(start), time.Second, "busy queue uses the short interval")

	q.idle = true
	cancel()
	assert.False(t, c.pause(ctx))
}

func TestStateTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var states []State
	tr := &scriptedTransport{cancel: cancel}
	c := New(fastConfig(tr, &fakeQueue{idle: true}, &fakeBuilder{}))
	tr.steps = append(tr.steps,
		func(hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
			states = append(states, c.State())
			return nil, errors.New("down")
		},
		func(hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
			states = append(states, c.State())
			return &types.HeartbeatResponse{ResponseID: hb.ResponseID + 1}, nil
		},
	)

	assert.Equal(t, StateDisconnected, c.State())
	run(ctx, t, c, cancel)

	assert.Equal(t, []State{StateAwaitingResponse, StateAwaitingResponse}, states)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestRegistrationRetriedWithBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	attempts := 0
	tr := &registerOnly{fn: func() (*types.RegistrationResponse, error) {
		attempts++
		if attempts < 3 {
			return &types.RegistrationResponse{Status: types.RegistrationFailed, Log: "unknown host"}, nil
		}
		cancel()
		return nil, errors.New("gone")
	}}
	var errs []error
	cfg := fastConfig(tr, &fakeQueue{idle: true}, &fakeBuilder{})
	cfg.OnRegistration = func(err error) { errs = append(errs, err) }
	c := New(cfg)

	assert.ErrorIs(t, run(ctx, t, c, cancel), context.Canceled)
	assert.Equal(t, 3, attempts)
	require.Len(t, errs, 3)
	assert.ErrorContains(t, errs[0], "unknown host")
}

type registerOnly struct {
	fn func() (*types.RegistrationResponse, error)
}

func (r *registerOnly) Register(context.Context, types.Registration) (*types.RegistrationResponse, error) {
	return r.fn()
}

func (r *registerOnly) Heartbeat(context.Context, *types.Heartbeat) (*types.HeartbeatResponse, error) {
	return nil, errors.New("unexpected heartbeat")
}

// TestOverHTTP drives the controller against a scripted HTTP controller
// through the real client.
func TestOverHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var received []int64
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agent/v1/register/host-1":
			_ = json.NewEncoder(w).Encode(types.RegistrationResponse{Status: types.RegistrationOK, ResponseID: 10})
		case "/agent/v1/heartbeat/host-1":
			var hb types.Heartbeat
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&hb))
			mu.Lock()
			defer mu.Unlock()
			received = append(received, hb.ResponseID)
			if fail {
				fail = false
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			if len(received) >= 4 {
				cancel()
			}
			_ = json.NewEncoder(w).Encode(types.HeartbeatResponse{ResponseID: hb.ResponseID + 1})
		}
	}))
	defer srv.Close()

	cl, err := client.NewClient(client.Config{BaseURL: srv.URL, Hostname: "host-1"})
	require.NoError(t, err)
	c := New(fastConfig(cl, &fakeQueue{idle: true}, &fakeBuilder{}))

	run(ctx, t, c, cancel)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(received), 4)
	assert.Equal(t, []int64{10, 10, 11, 12}, received[:4])
}
