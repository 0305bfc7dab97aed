// Package depot implements the high-throughput passenger-to-vehicle
// matching shared across the fleet: bounded per-depot waiting pools and
// lightweight vehicle trackers with segment-indexed direction detection.
package depot

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetsim/internal/geo"
	"fleetsim/internal/passengers"
)

var log = logrus.WithField("module", "depot")

// segmentSearchWindow bounds the per-update vertex scan around the
// previous segment index.
const segmentSearchWindow = 2

// VehicleTracker is the last known progress of one vehicle along its
// route.
type VehicleTracker struct {
	VehicleID    string
	RouteID      string
	Lat          float64
	Lon          float64
	SegmentIndex int
	Direction    int // +1 forward along the geometry, -1 reverse
	LastUpdate   time.Time
}

// pool is a bounded FIFO of waiting passengers for one depot.
type pool struct {
	items []*passengers.Passenger
	max   int
}

func (p *pool) enqueue(v *passengers.Passenger) bool {
	if len(p.items) >= p.max {
		return false
	}
	p.items = append(p.items, v)
	return true
}

func (p *pool) dequeue() (*passengers.Passenger, bool) {
	if len(p.items) == 0 {
		return nil, false
	}
	v := p.items[0]
	p.items[0] = nil
	p.items = p.items[1:]
	return v, true
}

// Manager owns the depot pools, the vehicle trackers and the route
// geometries they are measured against. Each map has its own lock; none is
// held across a network call.
type Manager struct {
	maxPoolSize int

	poolsMu sync.Mutex
	pools   map[string]*pool

	trackersMu sync.Mutex
	trackers   map[string]*VehicleTracker

	routesMu sync.Mutex
	routes   map[string]*geo.RouteGeometry

	reuse sync.Pool
}

func NewManager(maxPoolSize int) *Manager {
	if maxPoolSize <= 0 {
		maxPoolSize = 256
	}
	return &Manager{
		maxPoolSize: maxPoolSize,
		pools:       make(map[string]*pool),
		trackers:    make(map[string]*VehicleTracker),
		routes:      make(map[string]*geo.RouteGeometry),
		reuse: sync.Pool{
			New: func() any { return new(passengers.Passenger) },
		},
	}
}

// RegisterRoute makes a geometry available for tracker updates.
func (m *Manager) RegisterRoute(g *geo.RouteGeometry) {
	m.routesMu.Lock()
	m.routes[g.RouteID] = g
	m.routesMu.Unlock()
}

func (m *Manager) route(id string) (*geo.RouteGeometry, bool) {
	m.routesMu.Lock()
	defer m.routesMu.Unlock()
	g, ok := m.routes[id]
	return g, ok
}

// RegisterVehicle creates a tracker for the vehicle.
func (m *Manager) RegisterVehicle(vehicleID, routeID string) {
	m.trackersMu.Lock()
	m.trackers[vehicleID] = &VehicleTracker{
		VehicleID: vehicleID,
		RouteID:   routeID,
		Direction: +1,
	}
	m.trackersMu.Unlock()
}

// UpdateVehiclePosition advances the tracker. The new segment index is
// found by scanning only a small window around the previous one, never the
// full route; the index delta gives the direction.
func (m *Manager) UpdateVehiclePosition(vehicleID string, lat, lon float64) {
	m.trackersMu.Lock()
	t, ok := m.trackers[vehicleID]
	if !ok {
		m.trackersMu.Unlock()
		log.WithField("vehicle", vehicleID).Warn("position update for unregistered vehicle")
		return
	}
	routeID, prev := t.RouteID, t.SegmentIndex
	m.trackersMu.Unlock()

	g, ok := m.route(routeID)
	if !ok {
		log.WithFields(logrus.Fields{"vehicle": vehicleID, "route": routeID}).
			Warn("no geometry for tracked route")
		return
	}
	idx := g.NearestVertex(lat, lon, prev, segmentSearchWindow)

	m.trackersMu.Lock()
	t.Lat, t.Lon = lat, lon
	t.LastUpdate = time.Now()
	if idx > prev {
		t.Direction = +1
	} else if idx < prev {
		t.Direction = -1
	}
	t.SegmentIndex = idx
	m.trackersMu.Unlock()
}

// Tracker returns a copy of the vehicle's tracker.
func (m *Manager) Tracker(vehicleID string) (VehicleTracker, bool) {
	m.trackersMu.Lock()
	defer m.trackersMu.Unlock()
	t, ok := m.trackers[vehicleID]
	if !ok {
		return VehicleTracker{}, false
	}
	return *t, true
}

// NewPassenger hands out a (possibly recycled) passenger record.
func (m *Manager) NewPassenger() *passengers.Passenger {
	p := m.reuse.Get().(*passengers.Passenger)
	*p = passengers.Passenger{}
	return p
}

// Release returns a matched passenger record to the reuse pool.
func (m *Manager) Release(p *passengers.Passenger) {
	if p != nil {
		m.reuse.Put(p)
	}
}

// Enqueue adds a waiting passenger to the depot's FIFO. It fails rather
// than grow past the pool bound.
func (m *Manager) Enqueue(depotID string, p *passengers.Passenger) bool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	pl, ok := m.pools[depotID]
	if !ok {
		pl = &pool{max: m.maxPoolSize}
		m.pools[depotID] = pl
	}
	if !pl.enqueue(p) {
		log.WithField("depot", depotID).Warn("depot pool full, passenger rejected")
		return false
	}
	return true
}

// PoolSize returns how many passengers wait at the depot.
func (m *Manager) PoolSize(depotID string) int {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	if pl, ok := m.pools[depotID]; ok {
		return len(pl.items)
	}
	return 0
}

// GetPassengersForVehicle pulls up to max passengers from the depot FIFO
// that match the vehicle's route and whose destination segment lies ahead
// of the vehicle in its current direction. Passengers heading the other
// way stay queued for a vehicle on the reverse leg.
func (m *Manager) GetPassengersForVehicle(depotID, vehicleID string, max int) []*passengers.Passenger {
	t, ok := m.Tracker(vehicleID)
	if !ok {
		return nil
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	pl, ok := m.pools[depotID]
	if !ok {
		return nil
	}

	var matched []*passengers.Passenger
	var keep []*passengers.Passenger
	scanned := len(pl.items)
	for i := 0; i < scanned && len(matched) < max; i++ {
		p, ok := pl.dequeue()
		if !ok {
			break
		}
		if p.RouteID != t.RouteID || !destinationAhead(p.DestinationSegment, t) {
			keep = append(keep, p)
			continue
		}
		matched = append(matched, p)
	}
	// preserve FIFO order for the unmatched remainder
	pl.items = append(keep, pl.items...)
	return matched
}

func destinationAhead(destination int, t VehicleTracker) bool {
	if t.Direction >= 0 {
		return destination > t.SegmentIndex
	}
	return destination < t.SegmentIndex
}
