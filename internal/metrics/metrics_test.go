package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMetrics_Record tests that recorded values reach the collectors
func TestMetrics_Record(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.TickCompleted(4, 4)
	m.TickCompleted(0, 1)
	m.EventApplied("PlaceBuilding")
	m.EventApplied("PlaceBuilding")
	m.EventsBroadcast(3)
	m.SetLateEvents(2)
	m.Desync("hash mismatch")
	m.SetPeers(5)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ticks))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ticksBehind))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.speed))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.eventsApplied.WithLabelValues("PlaceBuilding")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.eventsBroadcast))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.lateEvents))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.desyncs.WithLabelValues("hash mismatch")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.peers))
}

// TestMetrics_Nil tests that a nil Metrics is a no-op
func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TickCompleted(1, 1)
		m.EventApplied("x")
		m.EventsBroadcast(1)
		m.SetLateEvents(1)
		m.Desync("x")
		m.SetPeers(1)
	})
}

// TestMetrics_DuplicateRegistration tests registering twice on one registry
func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

// TestMetrics_Handler tests the exposition endpoint
func TestMetrics_Handler(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.SetPeers(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "lockstep_peers 2"))
}
