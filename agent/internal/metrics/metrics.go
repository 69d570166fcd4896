// Package metrics exposes agent internals as Prometheus metrics on a private
// registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pilot-net/fleet-agent/agent/internal/actionqueue"
	"github.com/pilot-net/fleet-agent/agent/internal/client"
	"github.com/pilot-net/fleet-agent/pkg/types"
)

const namespace = "fleet_agent"

// Metrics holds every agent collector.
type Metrics struct {
	registry *prometheus.Registry

	heartbeats       *prometheus.CounterVec
	heartbeatLatency prometheus.Histogram
	registrations    *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	statusResults    *prometheus.CounterVec
	statusTimeouts   prometheus.Counter
	workerRespawns   *prometheus.CounterVec
	recoveryCommands prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	alertDefinitions *prometheus.GaugeVec
	lastResponseID   prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent by result (ok, error, unauthorized)",
		}, []string{"result"}),
		heartbeatLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_duration_seconds",
			Help:      "Round trip time of successful heartbeats",
			Buckets:   prometheus.DefBuckets,
		}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by result",
		}, []string{"result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_transitions_total",
			Help:      "Command state transitions by kind and target state",
		}, []string{"kind", "state"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall time of execution commands including retries",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		}, []string{"kind", "state"}),
		statusResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_results_total",
			Help:      "Status command results by component state",
		}, []string{"state"}),
		statusTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_timeouts_total",
			Help:      "Status commands killed for exceeding their timeout",
		}),
		workerRespawns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_worker_respawns_total",
			Help:      "Status worker processes replaced, by reason",
		}, []string{"reason"}),
		recoveryCommands: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_commands_total",
			Help:      "Recovery commands generated by the agent",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Commands waiting per lane",
		}, []string{"lane"}),
		alertDefinitions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_definitions_received_timestamp_seconds",
			Help:      "When the latest alert definitions for a cluster were received",
		}, []string{"cluster"}),
		lastResponseID: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_response_id",
			Help:      "Response id of the last acknowledged heartbeat",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Heartbeat records one heartbeat attempt.
func (m *Metrics) Heartbeat(err error, took time.Duration, responseID int64) {
	if err != nil {
		m.heartbeats.WithLabelValues(failureResult(err)).Inc()
		return
	}
	m.heartbeats.WithLabelValues("ok").Inc()
	m.heartbeatLatency.Observe(took.Seconds())
	m.lastResponseID.Set(float64(responseID))
}

// Registration records one registration attempt.
func (m *Metrics) Registration(err error) {
	if err != nil {
		m.registrations.WithLabelValues(failureResult(err)).Inc()
		return
	}
	m.registrations.WithLabelValues("ok").Inc()
}

// failureResult separates rejected credentials from transport errors.
func failureResult(err error) string {
	if client.IsUnauthorized(err) {
		return "unauthorized"
	}
	return "error"
}

// Transition records a command state change.
func (m *Metrics) Transition(t actionqueue.Transition) {
	m.transitions.WithLabelValues(string(t.Kind), string(t.To)).Inc()
}

// CommandFinished records the wall time of a terminal execution command.
func (m *Metrics) CommandFinished(cmd types.Command, result types.CommandResult) {
	if result.StartedAt.IsZero() || result.FinishedAt.IsZero() {
		return
	}
	m.commandDuration.WithLabelValues(string(cmd.Kind), string(result.State)).
		Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
}

// StatusResult records a component status verdict.
func (m *Metrics) StatusResult(status types.ComponentStatus) {
	m.statusResults.WithLabelValues(string(status.Status)).Inc()
}

// StatusTimeout records a killed status command.
func (m *Metrics) StatusTimeout() { m.statusTimeouts.Inc() }

// WorkerRespawn records a replaced status worker.
func (m *Metrics) WorkerRespawn(reason string) { m.workerRespawns.WithLabelValues(reason).Inc() }

// RecoveryCommands records generated recovery commands.
func (m *Metrics) RecoveryCommands(n int) { m.recoveryCommands.Add(float64(n)) }

// QueueStats publishes queue depths.
func (m *Metrics) QueueStats(s actionqueue.Stats) {
	m.queueDepth.WithLabelValues("execution").Set(float64(s.ExecQueued))
	m.queueDepth.WithLabelValues("held").Set(float64(s.ExecHeld))
	m.queueDepth.WithLabelValues("status").Set(float64(s.StatusQueued))
	m.queueDepth.WithLabelValues("pending_reports").Set(float64(s.PendingReports))
}

// AlertDefinitions publishes the receive time of the stored alert
// definitions per cluster.
func (m *Metrics) AlertDefinitions(defs []types.Command) {
	for _, d := range defs {
		m.alertDefinitions.WithLabelValues(d.ClusterID).Set(float64(d.ReceivedAt.Unix()))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Infow("Metrics endpoint listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
