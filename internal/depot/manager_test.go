package depot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsim/internal/geo"
	"fleetsim/internal/passengers"
)

func longRoute(t *testing.T) *geo.RouteGeometry {
	t.Helper()
	pts := make([]geo.Point, 11)
	for i := range pts {
		pts[i] = geo.Point{Lat: 13.10 + float64(i)*0.01, Lon: -59.60}
	}
	g, err := geo.NewRouteGeometry("line-11", pts)
	require.NoError(t, err)
	return g
}

func waiting(route string, dest int) *passengers.Passenger {
	return &passengers.Passenger{
		ID:                 fmt.Sprintf("p-%s-%d", route, dest),
		RouteID:            route,
		DestinationSegment: dest,
		Status:             "waiting",
	}
}

func TestDirectionFilteredMatching(t *testing.T) {
	m := NewManager(32)
	m.RegisterRoute(longRoute(t))
	m.RegisterVehicle("bus-1", "line-11")

	// Drive the tracker forward to vertex 5 through the search window.
	for _, i := range []int{1, 2, 3, 4, 5} {
		m.UpdateVehiclePosition("bus-1", 13.10+float64(i)*0.01, -59.60)
	}
	tr, ok := m.Tracker("bus-1")
	require.True(t, ok)
	assert.Equal(t, 5, tr.SegmentIndex)
	assert.Equal(t, +1, tr.Direction)

	require.True(t, m.Enqueue("depot-a", waiting("line-11", 8))) // ahead
	require.True(t, m.Enqueue("depot-a", waiting("line-11", 3))) // behind
	require.True(t, m.Enqueue("depot-a", waiting("other", 9)))   // wrong route

	matched := m.GetPassengersForVehicle("depot-a", "bus-1", 10)
	require.Len(t, matched, 1)
	assert.Equal(t, 8, matched[0].DestinationSegment)
	assert.Equal(t, 2, m.PoolSize("depot-a"), "unmatched passengers stay queued")

	// Reverse leg: same depot, vehicle now heading back toward vertex 0.
	m.UpdateVehiclePosition("bus-1", 13.14, -59.60) // vertex 4
	tr, _ = m.Tracker("bus-1")
	assert.Equal(t, -1, tr.Direction)

	matched = m.GetPassengersForVehicle("depot-a", "bus-1", 10)
	require.Len(t, matched, 1)
	assert.Equal(t, 3, matched[0].DestinationSegment)
}

func TestEnqueueBoundedPool(t *testing.T) {
	m := NewManager(2)
	assert.True(t, m.Enqueue("d", waiting("r", 1)))
	assert.True(t, m.Enqueue("d", waiting("r", 2)))
	assert.False(t, m.Enqueue("d", waiting("r", 3)), "full pool refuses")
	assert.Equal(t, 2, m.PoolSize("d"))
}

func TestMatchingPreservesFIFOOrder(t *testing.T) {
	m := NewManager(16)
	m.RegisterRoute(longRoute(t))
	m.RegisterVehicle("bus-2", "line-11")
	m.UpdateVehiclePosition("bus-2", 13.10, -59.60) // vertex 0, forward

	for _, dest := range []int{4, 2, 9} {
		require.True(t, m.Enqueue("d2", waiting("line-11", dest)))
	}
	matched := m.GetPassengersForVehicle("d2", "bus-2", 2)
	require.Len(t, matched, 2)
	assert.Equal(t, 4, matched[0].DestinationSegment)
	assert.Equal(t, 2, matched[1].DestinationSegment)

	matched = m.GetPassengersForVehicle("d2", "bus-2", 2)
	require.Len(t, matched, 1)
	assert.Equal(t, 9, matched[0].DestinationSegment)
}

func TestTrackerWindowBoundsJump(t *testing.T) {
	m := NewManager(16)
	m.RegisterRoute(longRoute(t))
	m.RegisterVehicle("bus-3", "line-11")

	// A jump to the far end of the route can only advance by the window.
	m.UpdateVehiclePosition("bus-3", 13.20, -59.60)
	tr, _ := m.Tracker("bus-3")
	assert.Equal(t, 2, tr.SegmentIndex)
}

func TestGetPassengersUnknownVehicleOrDepot(t *testing.T) {
	m := NewManager(16)
	assert.Nil(t, m.GetPassengersForVehicle("d", "ghost", 5))

	m.RegisterRoute(longRoute(t))
	m.RegisterVehicle("bus-4", "line-11")
	assert.Nil(t, m.GetPassengersForVehicle("empty-depot", "bus-4", 5))
}

func TestPassengerReuse(t *testing.T) {
	m := NewManager(16)
	p := m.NewPassenger()
	p.ID = "recycled"
	m.Release(p)
	q := m.NewPassenger()
	assert.Empty(t, q.ID, "recycled records come back zeroed")
}
