package observability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		for _, level := range []string{"debug", "info", "warn", "error", ""} {
			logger, err := NewLogger(level, format)
			require.NoError(t, err, "%s/%s", level, format)
			assert.NotNil(t, logger)
		}
	}

	_, err := NewLogger("verbose", "json")
	assert.Error(t, err)
}

// TestMetrics_NilSafe verifies disabled metrics can be used unconditionally.
func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFile("normalize", "ok")
		m.RecordRecords(3)
		m.RecordClassification("heuristic", "Execution")
		m.RecordLocalization("template", "en")
		m.RecordStage("normalize", time.Second)
		m.RecordLLMRequest("openai", "success", time.Second)
		m.RecordRateLimitWait("openai", time.Second)
		m.RecordRunEnd(time.Now(), 0)
	})
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordFile("normalize", "ok")
	m.RecordFile("normalize", "ok")
	m.RecordFile("normalize", "failed")
	m.RecordRecords(5)
	m.RecordLLMRequest("anthropic", "rate_limited", 50*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			// Labels arrive sorted by name.
			for _, lp := range metric.GetLabel() {
				key += "," + lp.GetValue()
			}
			if c := metric.GetCounter(); c != nil {
				values[key] = c.GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, values["corrforge_files_processed_total,normalize,ok"])
	assert.Equal(t, 1.0, values["corrforge_files_processed_total,normalize,failed"])
	assert.Equal(t, 5.0, values["corrforge_normalized_records_total"])
	assert.Equal(t, 1.0, values["corrforge_llm_requests_total,rate_limited,anthropic"])
}

func TestTelemetry_WriteMetricsTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrforge.prom")
	tel, err := New(Config{
		ServiceName:     "corrforge",
		LogLevel:        "error",
		MetricsEnabled:  true,
		MetricsTextfile: path,
	})
	require.NoError(t, err)

	tel.Metrics().RecordFile("classify", "ok")
	tel.Metrics().RecordRunEnd(time.Unix(1700000000, 0), 2)
	require.NoError(t, tel.Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `corrforge_files_processed_total{stage="classify",status="ok"} 1`)
	assert.Contains(t, string(data), "corrforge_last_run_failures 2")
}

func TestTelemetry_MetricsDisabled(t *testing.T) {
	tel, err := New(Config{LogLevel: "error", MetricsTextfile: filepath.Join(t.TempDir(), "x.prom")})
	require.NoError(t, err)

	assert.Nil(t, tel.Metrics())
	assert.NoError(t, tel.WriteMetrics())
	assert.NotNil(t, tel.Logger())
}
