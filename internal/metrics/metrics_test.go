package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCycle(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.RecordCycle("cam1", true, 0, false)
	m.RecordCycle("cam1", false, 3, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles.WithLabelValues("cam1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlaceholderFrame.WithLabelValues("cam1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Detections.WithLabelValues("cam1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DetectorDegraded))
}

func TestSyncAndHeartbeatMetrics(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.RecordSyncRow(ResultSynced)
	m.RecordSyncRow(ResultSynced)
	m.RecordSyncRow(ResultMissing)
	m.SetBackoff(10 * time.Second)
	m.SetPending(4)
	m.RecordHeartbeat(true)
	m.RecordHeartbeat(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncRows.WithLabelValues(ResultSynced)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRows.WithLabelValues(ResultMissing)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.SyncBackoff))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.OutboxPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues("failed")))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordCycle("cam1", true, 1, true)
		m.RecordSyncRow(ResultFailed)
		m.SetBackoff(time.Second)
		m.SetPending(1)
		m.RecordHeartbeat(true)
	})
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewWithRegistry(reg)
	require.NoError(t, err)

	_, err = NewWithRegistry(reg)
	assert.Error(t, err)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	m.SetPending(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "edgecam_outbox_pending 2"))
}
