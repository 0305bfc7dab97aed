package conductor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsim/internal/passengers"
	"fleetsim/internal/signal"
	"fleetsim/internal/state"
)

// fakeSource serves a fixed candidate list and records board/alight calls.
type fakeSource struct {
	mu        sync.Mutex
	waiting   []passengers.Passenger
	boarded   []string
	alighted  []string
	depot     *passengers.DepotCoordinates
	queryErr  error
	boardFail map[string]bool
}

func (f *fakeSource) GetEligiblePassengers(_ context.Context, _, _ float64, routeID string, _ float64, maxResults int, _ string, _ time.Time) ([]passengers.Passenger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []passengers.Passenger
	for _, p := range f.waiting {
		if p.RouteID != routeID {
			continue
		}
		out = append(out, p)
		if len(out) == maxResults {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) BoardPassenger(_ context.Context, passengerID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.boardFail[passengerID] {
		return false, nil
	}
	f.boarded = append(f.boarded, passengerID)
	kept := f.waiting[:0]
	for _, p := range f.waiting {
		if p.ID != passengerID {
			kept = append(kept, p)
		}
	}
	f.waiting = kept
	return true, nil
}

func (f *fakeSource) AlightPassenger(_ context.Context, passengerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alighted = append(f.alighted, passengerID)
	return true, nil
}

func (f *fakeSource) GetRouteDepotCoordinates(_ context.Context, _ string) (*passengers.DepotCoordinates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depot, nil
}

type countingDriver struct {
	mu      sync.Mutex
	stops   int
	departs int
	refuse  bool
}

func (d *countingDriver) HandleStopRequest(signal.StopRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse {
		return false
	}
	d.stops++
	return true
}

func (d *countingDriver) HandleDepart(signal.DepartReady) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.departs++
	return true
}

func (d *countingDriver) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops, d.departs
}

func mkWaiting(route string, n int) []passengers.Passenger {
	out := make([]passengers.Passenger, n)
	for i := range out {
		out[i] = passengers.Passenger{
			ID:                 fmt.Sprintf("p%d", i),
			RouteID:            route,
			DestinationSegment: 10,
			SpawnTime:          time.Now(),
			Status:             "waiting",
		}
	}
	return out
}

func testOpts(capacity int) Options {
	return Options{
		Capacity:              capacity,
		PickupRadiusKm:        0.2,
		MinStopDuration:       20 * time.Millisecond,
		MaxStopDuration:       100 * time.Millisecond,
		PerPassengerBoarding:  time.Millisecond,
		PerPassengerAlighting: time.Millisecond,
		FixedBuffer:           time.Millisecond,
		MonitoringInterval:    10 * time.Millisecond,
		DepotWaitTime:         50 * time.Millisecond,
		DepotProximityKm:      0.1,
		MaxResultsPerQuery:    20,
	}
}

func TestStopDurationFormula(t *testing.T) {
	opts := Options{
		MinStopDuration:       10 * time.Second,
		MaxStopDuration:       3 * time.Minute,
		PerPassengerBoarding:  3 * time.Second,
		PerPassengerAlighting: 2 * time.Second,
		FixedBuffer:           5 * time.Second,
	}

	// Below the floor: 1*3 + 0*2 + 5 = 8s < 10s min.
	assert.Equal(t, 10*time.Second, stopDuration(1, 0, opts))
	// In range: 4*3 + 3*2 + 5 = 23s.
	assert.Equal(t, 23*time.Second, stopDuration(4, 3, opts))
	// Above the ceiling: 100*3 + 5 = 305s, capped at 180s.
	assert.Equal(t, 3*time.Minute, stopDuration(100, 0, opts))
}

func TestWaypointBoardsUpToCapacityAndAutoDeparts(t *testing.T) {
	src := &fakeSource{waiting: mkWaiting("r1", 5)}
	drv := &countingDriver{}
	sig := &signal.Signaler{Driver: drv}
	c := New("bus-1", "r1", src, sig, testOpts(3))

	c.HandleWaypoint(signal.WaypointArrived{
		VehicleID: "bus-1", WaypointIndex: 2, Latitude: 13.10, Longitude: -59.60, RouteID: "r1",
	})

	assert.Equal(t, 3, c.PassengerCount())
	assert.True(t, c.IsFull())

	stops, departs := drv.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, departs, "full vehicle departs immediately")
	assert.Equal(t, state.DepotMonitoring, c.State())

	// The timed depart for the same stop must not fire a second signal.
	time.Sleep(150 * time.Millisecond)
	_, departs = drv.counts()
	assert.Equal(t, 1, departs, "depart is idempotent per stop operation")
}

func TestTimedDepartWhenNotFull(t *testing.T) {
	src := &fakeSource{waiting: mkWaiting("r1", 2)}
	drv := &countingDriver{}
	sig := &signal.Signaler{Driver: drv}
	c := New("bus-2", "r1", src, sig, testOpts(10))

	c.HandleWaypoint(signal.WaypointArrived{
		VehicleID: "bus-2", WaypointIndex: 1, Latitude: 13.10, Longitude: -59.60, RouteID: "r1",
	})
	assert.Equal(t, 2, c.PassengerCount())
	assert.Equal(t, state.DepotWaitingForDeparture, c.State())

	require.Eventually(t, func() bool {
		_, departs := drv.counts()
		return departs == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, state.DepotMonitoring, c.State())
}

func TestWaypointWithNoWorkIsQuiet(t *testing.T) {
	src := &fakeSource{}
	drv := &countingDriver{}
	sig := &signal.Signaler{Driver: drv}
	c := New("bus-3", "r1", src, sig, testOpts(10))

	c.HandleWaypoint(signal.WaypointArrived{VehicleID: "bus-3", WaypointIndex: 0})
	stops, departs := drv.counts()
	assert.Zero(t, stops)
	assert.Zero(t, departs)
	assert.Equal(t, state.DepotMonitoring, c.State())
}

func TestAlightingAtDestinationSegment(t *testing.T) {
	src := &fakeSource{waiting: mkWaiting("r1", 2)}
	drv := &countingDriver{}
	sig := &signal.Signaler{Driver: drv}
	c := New("bus-4", "r1", src, sig, testOpts(10))

	// Board two passengers destined for segment 10.
	c.HandleWaypoint(signal.WaypointArrived{VehicleID: "bus-4", WaypointIndex: 1, RouteID: "r1"})
	require.Equal(t, 2, c.PassengerCount())

	// Their destination: both leave, nobody new is waiting.
	c.HandleWaypoint(signal.WaypointArrived{VehicleID: "bus-4", WaypointIndex: 10, RouteID: "r1"})
	require.Eventually(t, func() bool { return c.PassengerCount() == 0 }, time.Second, 5*time.Millisecond)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Len(t, src.alighted, 2)
}

func TestRefusedStopRequestAbandonsOperation(t *testing.T) {
	src := &fakeSource{waiting: mkWaiting("r1", 2)}
	drv := &countingDriver{refuse: true}
	sig := &signal.Signaler{Driver: drv}
	c := New("bus-5", "r1", src, sig, testOpts(10))

	c.HandleWaypoint(signal.WaypointArrived{VehicleID: "bus-5", WaypointIndex: 1, RouteID: "r1"})
	assert.Zero(t, c.PassengerCount(), "no boarding without a granted stop")
	assert.Equal(t, state.DepotMonitoring, c.State())
}

func TestBoardLocalEnforcesCapacity(t *testing.T) {
	src := &fakeSource{}
	c := New("bus-6", "r1", src, &signal.Signaler{}, testOpts(2))

	ps := []*passengers.Passenger{
		{ID: "a"}, {ID: "b"}, {ID: "c"},
	}
	assert.Equal(t, 2, c.BoardLocal(ps))
	assert.Equal(t, 2, c.PassengerCount())
	assert.True(t, c.IsFull())
	assert.Zero(t, c.BoardLocal([]*passengers.Passenger{{ID: "d"}}))
}

func TestDepotBoardingModeFillsAtTheDepot(t *testing.T) {
	src := &fakeSource{
		waiting: mkWaiting("r1", 3),
		depot:   &passengers.DepotCoordinates{Latitude: 13.10, Longitude: -59.60, DepotName: "main"},
	}
	drv := &countingDriver{}
	sig := &signal.Signaler{Driver: drv}
	c := New("bus-7", "r1", src, sig, testOpts(5))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// Position broadcast inside the proximity threshold arms depot mode.
	c.HandleLocation(signal.LocationUpdate{VehicleID: "bus-7", Latitude: 13.10, Longitude: -59.60})

	require.Eventually(t, func() bool { return c.PassengerCount() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartWithoutDepotStillRuns(t *testing.T) {
	src := &fakeSource{}
	c := New("bus-8", "r1", src, &signal.Signaler{}, testOpts(5))
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, state.DepotMonitoring, c.State())
	require.NoError(t, c.Stop())
	assert.NoError(t, c.Stop(), "second stop is a no-op")
}
