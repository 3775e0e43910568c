// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

// Package observability provides HTTP endpoints for metrics and health
// checks, plus the Prometheus counters the runtime records into.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/storykit/storykit/internal/extension"
)

// ReadinessChecker returns whether the host is ready to serve.
type ReadinessChecker func() bool

// sandboxTimeouts is a package-level counter so the sandbox can record
// timeouts without holding a Server reference.
var sandboxTimeouts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storykit_sandbox_timeouts_total",
		Help: "Total number of sandbox executions that exceeded their deadline, by extension",
	},
	[]string{"extension"},
)

// RecordSandboxTimeout increments the sandbox timeout counter.
func RecordSandboxTimeout(extensionName string) {
	sandboxTimeouts.WithLabelValues(extensionName).Inc()
}

// Metrics holds the runtime's Prometheus counters. It satisfies the
// hook manager's Recorder and the registry's TransitionRecorder, so
// wiring is a constructor option on each.
type Metrics struct {
	HookDispatches  *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
}

// NewMetrics creates and registers the runtime metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HookDispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storykit_hook_dispatches_total",
				Help: "Total number of hook dispatches by event and mode",
			},
			[]string{"event", "mode"},
		),
		HandlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storykit_hook_handler_failures_total",
				Help: "Total number of failed hook handler invocations by event",
			},
			[]string{"event"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storykit_lifecycle_transitions_total",
				Help: "Total number of lifecycle transitions by target state and outcome",
			},
			[]string{"state", "outcome"},
		),
	}

	reg.MustRegister(m.HookDispatches)
	reg.MustRegister(m.HandlerFailures)
	reg.MustRegister(sandboxTimeouts)
	reg.MustRegister(m.Transitions)

	return m
}

// RecordDispatch counts one hook dispatch and its handler failures.
func (m *Metrics) RecordDispatch(event, mode string, _, failures int) {
	m.HookDispatches.WithLabelValues(event, mode).Inc()
	if failures > 0 {
		m.HandlerFailures.WithLabelValues(event).Add(float64(failures))
	}
}

// RecordTransition counts one lifecycle transition attempt.
func (m *Metrics) RecordTransition(_ string, _, to extension.State, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Transitions.WithLabelValues(to.String(), outcome).Inc()
}

// Server provides HTTP endpoints for observability (metrics and health
// probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100",
// ":9100" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Own registry; the global one would leak between tests.
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the runtime metrics for recording.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the
// HTTP server after it starts. The channel is closed when the server
// stops gracefully. Callers should monitor this channel to detect
// server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	// CompareAndSwap so a concurrent Start() cannot slip between the
	// check and the store.
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 if the host is ready, 503 otherwise.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
