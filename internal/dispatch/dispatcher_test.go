package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsim/internal/conductor"
	"fleetsim/internal/passengers"
	"fleetsim/internal/registry"
)

type fakeRegistry struct {
	mu          sync.Mutex
	assignments []registry.VehicleAssignment
	depotSeed   []registry.DepotVehicle
	routes      map[string]*registry.RouteInfo
}

func (f *fakeRegistry) GetVehicleAssignments(context.Context) ([]registry.VehicleAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.VehicleAssignment(nil), f.assignments...), nil
}

func (f *fakeRegistry) GetDriverAssignments(context.Context) ([]registry.DriverAssignment, error) {
	return nil, nil
}

func (f *fakeRegistry) GetAllDepotVehicles(context.Context) ([]registry.DepotVehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.DepotVehicle(nil), f.depotSeed...), nil
}

func (f *fakeRegistry) GetRouteInfo(_ context.Context, routeCode string) (*registry.RouteInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routes[routeCode], nil
}

type noopSource struct{}

func (noopSource) GetEligiblePassengers(context.Context, float64, float64, string, float64, int, string, time.Time) ([]passengers.Passenger, error) {
	return nil, nil
}
func (noopSource) BoardPassenger(context.Context, string, string) (bool, error) { return false, nil }
func (noopSource) AlightPassenger(context.Context, string) (bool, error)        { return false, nil }
func (noopSource) GetRouteDepotCoordinates(context.Context, string) (*passengers.DepotCoordinates, error) {
	return &passengers.DepotCoordinates{Latitude: 13.10, Longitude: -59.60, DepotName: "main"}, nil
}

func coastalInfo() *registry.RouteInfo {
	return &registry.RouteInfo{
		RouteCode: "coastal",
		Name:      "Coastal Loop",
		DepotID:   "depot-a",
		Geometry: registry.LineString{
			Type: "LineString",
			Coordinates: [][]float64{
				{-59.60, 13.10}, {-59.60, 13.11}, {-59.60, 13.12},
			},
		},
	}
}

func testAssignment() registry.VehicleAssignment {
	return registry.VehicleAssignment{
		VehicleID:  "bus-1",
		VehicleReg: "ZR-102",
		RouteCode:  "coastal",
		Capacity:   12,
		DepotID:    "depot-a",
		DriverID:   "drv-7",
		SpeedKmh:   40,
	}
}

func testOptions() Options {
	return Options{
		NATSURL:           "nats://127.0.0.1:1", // nothing listens; transmitter keeps retrying
		EngineTick:        10 * time.Millisecond,
		DriverTick:        10 * time.Millisecond,
		CollectorInterval: 10 * time.Millisecond,
		BufferSize:        16,
		RetryDelay:        20 * time.Millisecond,
		SpeedModel:        "fixed",
		DefaultSpeedKmh:   40,
		Conductor: conductor.Options{
			PickupRadiusKm:     0.2,
			MonitoringInterval: 20 * time.Millisecond,
		},
	}
}

func TestRunStartsAssignedVehicles(t *testing.T) {
	reg := &fakeRegistry{
		assignments: []registry.VehicleAssignment{testAssignment()},
		routes:      map[string]*registry.RouteInfo{"coastal": coastalInfo()},
	}
	d := NewDispatcher(reg, noopSource{}, nil, nil, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 1, d.ActiveVehicles())

	routes, _ := d.Index().Stats()
	assert.Equal(t, 1, routes)

	// The supervising loop feeds the depot tracker from driver fixes.
	require.Eventually(t, func() bool {
		tr, ok := d.Depots().Tracker("bus-1")
		return ok && !tr.LastUpdate.IsZero()
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	d.Stop()
	assert.Zero(t, d.ActiveVehicles())
}

func TestDepotSeedFiltersVehicles(t *testing.T) {
	away := testAssignment()
	away.VehicleID = "bus-2"
	away.VehicleReg = "ZR-103"
	reg := &fakeRegistry{
		assignments: []registry.VehicleAssignment{testAssignment(), away},
		depotSeed:   []registry.DepotVehicle{{VehicleID: "bus-1", DepotID: "depot-a"}},
		routes:      map[string]*registry.RouteInfo{"coastal": coastalInfo()},
	}
	d := NewDispatcher(reg, noopSource{}, nil, nil, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 1, d.ActiveVehicles(), "only the vehicle checked in at a depot starts")

	cancel()
	d.Stop()
}

func TestDuplicateStartIsIgnored(t *testing.T) {
	reg := &fakeRegistry{
		assignments: []registry.VehicleAssignment{testAssignment()},
		routes:      map[string]*registry.RouteInfo{"coastal": coastalInfo()},
	}
	d := NewDispatcher(reg, noopSource{}, nil, nil, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Run(ctx))
	require.NoError(t, d.refresh(ctx))
	assert.Equal(t, 1, d.ActiveVehicles())

	cancel()
	d.Stop()
}
