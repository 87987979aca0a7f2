// Package metrics exposes Prometheus instrumentation for the bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatbridge/pkg/logx"
)

//nolint:gochecknoglobals // prometheus collectors are package-level by convention
var (
	// MessagesObserved counts messages seen by the poll loop, per chat.
	MessagesObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_messages_observed_total",
		Help: "Messages observed by the router poll loop.",
	}, []string{"chat"})

	// MessagesDelivered counts messages handed to an agent, per chat.
	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_messages_delivered_total",
		Help: "Messages delivered into agent runs.",
	}, []string{"chat"})

	// AgentRuns counts finished agent runs by outcome.
	AgentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_agent_runs_total",
		Help: "Agent runs by terminal outcome.",
	}, []string{"outcome"})

	// AgentRunDuration observes wall time per agent run.
	AgentRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatbridge_agent_run_duration_seconds",
		Help:    "Agent run duration from start to exit.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// CursorRollbacks counts delivery-cursor rollbacks after failed runs.
	CursorRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_cursor_rollbacks_total",
		Help: "Delivery cursor rollbacks after agent runs with no output.",
	})

	// TaskDispatches counts scheduled task dispatches.
	TaskDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_task_dispatches_total",
		Help: "Scheduled task dispatches by schedule type.",
	}, []string{"schedule"})

	// SendFailures counts outbound channel send failures.
	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_send_failures_total",
		Help: "Outbound message send failures per chat.",
	}, []string{"chat"})
)

// ObserveRun records one finished agent run.
func ObserveRun(outcome string, started time.Time) {
	AgentRuns.WithLabelValues(outcome).Inc()
	AgentRunDuration.Observe(time.Since(started).Seconds())
}

// Serve starts the /metrics endpoint on addr. Returns the server so the
// caller can shut it down; pass "" to disable.
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger := logx.NewLogger("metrics")
	go func() {
		logger.Info("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed: %v", err)
		}
	}()
	return srv
}
