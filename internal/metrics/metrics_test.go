package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorAdapters(t *testing.T) {
	c := NewCollector(0.2, 2*time.Second, 5*time.Second)

	c.TelemetrySentInc()
	c.TelemetrySentInc()
	c.TelemetrySendErrInc()
	c.IngestConnectedSet(true)
	c.IngestConnectedSet(false)
	c.IngestConnectedSet(true)
	c.IngestReconnectInc()
	c.SendObserve(3 * time.Millisecond)
	c.BoardingsAdd(4)
	c.AlightingsAdd(1)
	c.StopRequestedInc()
	c.DepartSignaledInc("capacity")
	c.DepartSignaledInc("duration_elapsed")
	c.DepartSignaledInc("capacity")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.TelemetrySent))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TelemetrySendErrs))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IngestConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IngestReconnects))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.Boardings))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Alightings))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StopsRequested))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.DepartsSignaled.WithLabelValues("capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DepartsSignaled.WithLabelValues("duration_elapsed")))
	assert.Equal(t, 0.2, testutil.ToFloat64(c.PickupRadiusKm))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.MonitoringInterval))
}

func TestHandlerExposesFleetMetrics(t *testing.T) {
	c := NewCollector(0.2, 2*time.Second, 5*time.Second)
	c.ActiveVehicles.Set(7)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "fleetsim_active_vehicles 7")
	assert.Contains(t, body, "fleetsim_pickup_radius_km 0.2")
}
