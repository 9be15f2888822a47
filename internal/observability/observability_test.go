package observability_test

import (
	"IsoLedger/internal/observability"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("debug"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel(""))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("verbose"))
	assert.Equal(t, zerolog.ErrorLevel, observability.ParseLogLevel(" ERROR "))
	assert.Equal(t, zerolog.TraceLevel, observability.ParseLogLevel("trace"))
}

func TestLoggerComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "vault", zerolog.InfoLevel)
	logger.Info().Str("key", "0x01").Msg("created")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "vault", line["component"])
	assert.Equal(t, "0x01", line["key"])
}

func TestMetricsRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.AsyncCallbacks.WithLabelValues("executed").Inc()
	m.AsyncCallbacks.WithLabelValues("executed").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() != "iso_async_callbacks_total" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, 2.0, mf.GetMetric()[0].GetCounter().GetValue())
	}
	assert.True(t, found, "callback counter not gathered")

	// a second set on another registry must not collide
	observability.NewMetrics(prometheus.NewRegistry())
}

func TestHealthReadiness(t *testing.T) {
	h := observability.NewHealthChecker("postgres", "nats")

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, []string{"nats", "postgres"}, h.Unhealthy())

	h.SetComponent("postgres", true)
	h.SetComponent("nats", true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
