package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"beamhost/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	m.WorkerSpawned("primary")
	m.WorkerCrashed("primary")
	m.WorkerRecovering("primary")
	m.WorkerUp("primary", true)
	m.SurfaceClosed(metrics.OutcomeForced)
	m.SetSurfaces(3)
	assert.Nil(t, m.Registry())
}

func TestMetrics_HandlerExposesCounters(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.WorkerSpawned("primary")
	m.WorkerSpawned("primary")
	m.SurfaceClosed(metrics.OutcomeTimeout)
	m.SetSurfaces(2)

	count, err := testutil.GatherAndCount(m.Registry(), "beamhost_worker_spawns_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `beamhost_worker_spawns_total{worker="primary"} 2`))
	assert.True(t, strings.Contains(body, `beamhost_surface_closes_total{outcome="timeout"} 1`))
	assert.True(t, strings.Contains(body, "beamhost_surfaces 2"))
}
