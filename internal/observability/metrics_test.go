// internal/observability/metrics_test.go
package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordRunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.RunStarted()
	m.RunStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeRuns))

	m.RunFinished("success", 12*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("success")))

	m.ObserveStep("click", true)
	m.ObserveStep("click", false)
	m.ObserveStep("type", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("click", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("type", "ok")))

	m.ObserveCaptcha("turnstile", "solved")
	m.ObserveBlocker("cookies")
	m.ObserveModelCall("decide", nil)
	m.ObserveModelCall("decide", errors.New("quota"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.captchaTotal.WithLabelValues("turnstile", "solved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blockersTotal.WithLabelValues("cookies")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelCalls.WithLabelValues("decide", "error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.ObserveBlocker("login")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.blockersTotal.WithLabelValues("login")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted()
		m.RunFinished("error", time.Second)
		m.ObserveStep("done", true)
		m.ObserveCaptcha("recaptcha", "failed")
		m.ObserveBlocker("none")
		m.ObserveModelCall("verify", nil)
	})
}
