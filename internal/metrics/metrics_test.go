package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMetric(families []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m
			}
		}
	}
	return nil
}

func TestNoop(t *testing.T) {
	var r Recorder = Noop{}
	r.RunStarted("wf")
	r.RunFinished("wf", "completed", time.Second)
	r.DuplicateSkipped("wf")
	r.SweepFailed(2)
	r.ScheduleFired("wf", "cron")
	r.ActiveSchedules(3)
}

func TestProm(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg)
	p.RunStarted("hourly")
	p.RunFinished("hourly", "failed", 2*time.Second)
	p.DuplicateSkipped("hourly")
	p.DuplicateSkipped("hourly")
	p.SweepFailed(3)
	p.ScheduleFired("hourly", "cron")
	p.ActiveSchedules(4)

	families, err := reg.Gather()
	require.NoError(t, err)

	m := findMetric(families, "hookflow_runs_finished_total", map[string]string{"workflow": "hourly", "status": "failed"})
	require.NotNil(t, m)
	assert.Equal(t, float64(1), m.GetCounter().GetValue())

	m = findMetric(families, "hookflow_duplicate_skips_total", map[string]string{"workflow": "hourly"})
	require.NotNil(t, m)
	assert.Equal(t, float64(2), m.GetCounter().GetValue())

	m = findMetric(families, "hookflow_sweep_failed_total", nil)
	require.NotNil(t, m)
	assert.Equal(t, float64(3), m.GetCounter().GetValue())

	m = findMetric(families, "hookflow_active_schedules", nil)
	require.NotNil(t, m)
	assert.Equal(t, float64(4), m.GetGauge().GetValue())
}

func TestPromHandler(t *testing.T) {
	p := NewProm(nil)
	p.ScheduleFired("nightly", "external")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `hookflow_schedule_fires_total{backend="external",workflow="nightly"} 1`)
}
