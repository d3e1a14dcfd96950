// Package metrics holds the process's Prometheus collectors and the
// optional ops HTTP listener that serves /metrics and /healthz.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hivelabs/hive-slack/internal/hooks"
)

// Metrics bundles every collector the process records into. All fields
// are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted   *prometheus.CounterVec
	ExecutionsCompleted *prometheus.CounterVec
	ExecutionsActive    prometheus.Gauge
	ExecutionDuration   prometheus.Histogram
	Injections          prometheus.Counter
	QueuedMessages      prometheus.Counter
	ProviderRequests    prometheus.Counter
	ProviderRetries     prometheus.Counter
	ToolInvocations     *prometheus.CounterVec
	RoundtablePosts     prometheus.Counter
	ApprovalsResolved   *prometheus.CounterVec
	WorkersDispatched   prometheus.Counter
	Reconnects          prometheus.Counter
}

// New creates a Metrics set backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ExecutionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_executions_started_total",
			Help: "Executions started, by instance.",
		}, []string{"instance"}),
		ExecutionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_executions_completed_total",
			Help: "Executions finished, by instance and outcome (ok or error).",
		}, []string{"instance", "outcome"}),
		ExecutionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "hive_executions_active",
			Help: "Executions currently running.",
		}),
		ExecutionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hive_execution_duration_seconds",
			Help:    "Wall-clock duration of completed executions.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		Injections: f.NewCounter(prometheus.CounterOpts{
			Name: "hive_injections_total",
			Help: "Messages injected into running executions.",
		}),
		QueuedMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "hive_queued_messages_total",
			Help: "Messages queued for a follow-up execution after injection failed.",
		}),
		ProviderRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "hive_provider_requests_total",
			Help: "Requests sent to the LLM provider.",
		}),
		ProviderRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "hive_provider_retries_total",
			Help: "Provider requests retried after a transient failure.",
		}),
		ToolInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_tool_invocations_total",
			Help: "Tool calls executed by the agent loop, by tool name.",
		}, []string{"tool"}),
		RoundtablePosts: f.NewCounter(prometheus.CounterOpts{
			Name: "hive_roundtable_posts_total",
			Help: "Persona responses posted from roundtable executions.",
		}),
		ApprovalsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_approvals_resolved_total",
			Help: "Approval requests resolved, by outcome (clicked or default).",
		}, []string{"outcome"}),
		WorkersDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "hive_workers_dispatched_total",
			Help: "Background workers dispatched.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "hive_slack_reconnects_total",
			Help: "Socket Mode reconnects forced by the connection watchdog.",
		}),
	}
}

// SessionObserver returns a lifecycle hook handler that counts provider
// requests, tool invocations, and applied injections. Mount it on every
// session coordinator.
func (m *Metrics) SessionObserver() hooks.Handler {
	return func(ctx context.Context, event string, data map[string]any) hooks.Result {
		switch event {
		case hooks.EventProviderRequest:
			m.ProviderRequests.Inc()
		case hooks.EventToolPre:
			tool, _ := data["tool"].(string)
			if tool != "" {
				m.ToolInvocations.WithLabelValues(tool).Inc()
			}
		case hooks.EventInjectionApplied:
			m.Injections.Inc()
		}
		return hooks.Continue()
	}
}

// Handler serves the collectors in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Server is the optional ops listener. A zero listen address disables it.
type Server struct {
	addr   string
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the ops listener serving /metrics and /healthz.
func NewServer(addr string, m *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "ops"),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.Info("Ops listener starting", "addr", s.addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops listener failed", "error", err)
		}
	}()
}

// Stop shuts the listener down, honoring the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
