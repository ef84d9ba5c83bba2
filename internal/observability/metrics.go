package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolmesh"

type moduleMetrics struct {
	laneDepth     *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	dequeueTotal  *prometheus.CounterVec
	laneTaskTotal *prometheus.HistogramVec

	activeSessions prometheus.Gauge
	registryTools  *prometheus.GaugeVec

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchErrors   *prometheus.CounterVec

	runTotal       *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runRoundTrips  prometheus.Histogram
	modelCallTotal *prometheus.CounterVec
	modelDuration  *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_depth",
					Help:      "Pending runs per session lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_enqueue_total",
					Help:      "Total runs submitted to a lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_complete_total",
					Help:      "Total lane tasks completed by status.",
				},
				[]string{"lane", "status"},
			),
			laneTaskTotal: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "lane_task_duration_seconds",
					Help:      "Lane task duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current number of live agent sessions.",
				},
			),
			registryTools: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "registry_tools",
					Help:      "Tools registered per provider.",
				},
				[]string{"provider"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_total",
					Help:      "Total tool dispatches by tool, provider and status.",
				},
				[]string{"tool", "provider", "status"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_duration_seconds",
					Help:      "Tool dispatch duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			dispatchErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_errors_total",
					Help:      "Tool dispatch failures by tool and kind.",
				},
				[]string{"tool", "kind"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Total agent runs by backend and status.",
				},
				[]string{"backend", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds.",
					Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"backend"},
			),
			runRoundTrips: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_tool_round_trips",
					Help:      "Tool round trips per run.",
					Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_call_total",
					Help:      "Model completions by backend and status.",
				},
				[]string{"backend", "status"},
			),
			modelDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Model completion latency in seconds.",
					Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"backend"},
			),
		}

		prometheus.MustRegister(
			m.laneDepth,
			m.enqueueTotal,
			m.dequeueTotal,
			m.laneTaskTotal,
			m.activeSessions,
			m.registryTools,
			m.dispatchTotal,
			m.dispatchDuration,
			m.dispatchErrors,
			m.runTotal,
			m.runDuration,
			m.runRoundTrips,
			m.modelCallTotal,
			m.modelDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordLaneEnqueue(lane string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordLaneCompletion(lane string, duration time.Duration, success bool, depth int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.laneTaskTotal.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// ForgetLane drops the per-lane series once a lane is torn down.
func ForgetLane(lane string) {
	m := getMetrics()
	m.laneDepth.DeleteLabelValues(lane)
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func SetRegistryTools(provider string, count int) {
	getMetrics().registryTools.WithLabelValues(provider).Set(float64(count))
}

// RecordToolDispatch records one dispatch. kind is empty on success.
func RecordToolDispatch(tool, provider string, duration time.Duration, kind string) {
	m := getMetrics()
	success := kind == ""
	m.dispatchTotal.WithLabelValues(tool, provider, statusLabel(success)).Inc()
	m.dispatchDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.dispatchErrors.WithLabelValues(tool, kind).Inc()
	}
}

func RecordAgentRun(backend string, duration time.Duration, roundTrips int, success bool) {
	m := getMetrics()
	m.runTotal.WithLabelValues(backend, statusLabel(success)).Inc()
	m.runDuration.WithLabelValues(backend).Observe(duration.Seconds())
	m.runRoundTrips.Observe(float64(roundTrips))
}

func RecordModelCall(backend string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(backend, statusLabel(success)).Inc()
	m.modelDuration.WithLabelValues(backend).Observe(duration.Seconds())
}
