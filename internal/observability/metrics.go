// File: internal/observability/metrics.go
package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsNamespace prefixes every collector name.
const metricsNamespace = "webpilot"

// Metrics exposes Prometheus collectors for agent runs. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepsTotal    *prometheus.CounterVec
	captchaTotal  *prometheus.CounterVec
	blockersTotal *prometheus.CounterVec
	modelCalls    *prometheus.CounterVec
	activeRuns    prometheus.Gauge
}

// The default registry can only hold one set of collectors per process.
var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the process-wide instance registered with the global
// Prometheus registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics builds the collectors and registers them with reg, reusing any
// collector that is already registered under the same name. Other
// registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	// -- Collectors --
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "agent", Name: "runs_total",
			Help: "Completed agent runs by final status.",
		}, []string{"status"}),
		// Buckets span a quick lookup to a long checkout flow.
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "agent", Name: "run_duration_seconds",
			Help:    "Wall clock duration of agent runs.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "agent", Name: "steps_total",
			Help: "Decisions taken by action kind and whether the action succeeded.",
		}, []string{"action", "outcome"}),
		captchaTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "captcha", Name: "resolutions_total",
			Help: "CAPTCHA resolution attempts by challenge kind and outcome.",
		}, []string{"kind", "outcome"}),
		blockersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "agent", Name: "blockers_total",
			Help: "Blocker verdicts by type.",
		}, []string{"type"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "llm", Name: "calls_total",
			Help: "Vision model calls by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		// activeRuns is also the number of live Chrome processes.
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "agent", Name: "active_runs",
			Help: "Agent runs currently holding a browser.",
		}),
	}

	// Two instances on one registry share collectors instead of panicking.
	m.runsTotal = registerCounterVec(reg, m.runsTotal)
	m.stepsTotal = registerCounterVec(reg, m.stepsTotal)
	m.captchaTotal = registerCounterVec(reg, m.captchaTotal)
	m.blockersTotal = registerCounterVec(reg, m.blockersTotal)
	m.modelCalls = registerCounterVec(reg, m.modelCalls)
	if err := reg.Register(m.runDuration); err != nil {
		m.runDuration = existing[*prometheus.HistogramVec](err)
	}
	if err := reg.Register(m.activeRuns); err != nil {
		m.activeRuns = existing[prometheus.Gauge](err)
	}
	return m
}

// registerCounterVec registers c or returns the collector already there.
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		return existing[*prometheus.CounterVec](err)
	}
	return c
}

// existing pulls the registered collector out of an AlreadyRegisteredError.
func existing[T prometheus.Collector](err error) T {
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if c, ok := already.ExistingCollector.(T); ok {
			return c
		}
	}
	panic(err)
}

// RunStarted marks a run as holding a browser.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records the final status and duration of a run.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	// Pairs with the Inc in RunStarted.
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveStep counts one executed decision.
func (m *Metrics) ObserveStep(action string, ok bool) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(action, outcomeLabel(ok)).Inc()
}

// ObserveCaptcha counts one resolution attempt; outcome is solved, failed or skipped.
func (m *Metrics) ObserveCaptcha(kind, outcome string) {
	if m == nil {
		return
	}
	m.captchaTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveBlocker counts one blocker verdict.
func (m *Metrics) ObserveBlocker(blockerType string) {
	if m == nil {
		return
	}
	m.blockersTotal.WithLabelValues(blockerType).Inc()
}

// ObserveModelCall counts one vision model call.
func (m *Metrics) ObserveModelCall(purpose string, err error) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(purpose, outcomeLabel(err == nil)).Inc()
}

func outcomeLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
