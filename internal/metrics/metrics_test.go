package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePosting("hold", "ok")
	m.ObserveFlow("checkout", "ok", time.Millisecond)
	m.ObserveSweep(1, 2, time.Millisecond)
}

func TestObserveFlowCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveFlow("checkout", Outcome(nil), time.Millisecond)
	m.ObserveFlow("checkout", Outcome(errors.New("boom")), time.Millisecond)
	m.ObserveFlow("checkout", Outcome(nil), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Flows.WithLabelValues("checkout", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flows.WithLabelValues("checkout", "error")))
}

func TestHandlerServesRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.ObserveSweep(3, 0, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "reaper_released_total 3"))
}
