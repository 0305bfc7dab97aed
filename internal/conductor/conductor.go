// Package conductor implements the boarding agent of one vehicle: it
// watches the driver's position, matches waiting passengers at waypoints,
// runs the stop/depart protocol and the depot wait loop, and enforces the
// seating capacity invariant.
package conductor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"fleetsim/internal/geo"
	"fleetsim/internal/passengers"
	"fleetsim/internal/signal"
	"fleetsim/internal/state"
)

var log = logrus.WithField("module", "conductor")

const loopJoinTimeout = 3 * time.Second

// Metrics is an optional sink for boarding counters.
type Metrics interface {
	BoardingsAdd(int)
	AlightingsAdd(int)
	StopRequestedInc()
	DepartSignaledInc(reason string)
}

// Options configure one conductor. PickupRadiusKm has no default; the
// config layer refuses to start without it.
type Options struct {
	Metrics Metrics

	Capacity              int
	PickupRadiusKm        float64
	BoardingTimeWindow    time.Duration // zero disables the window check
	MinStopDuration       time.Duration
	MaxStopDuration       time.Duration
	PerPassengerBoarding  time.Duration
	PerPassengerAlighting time.Duration
	FixedBuffer           time.Duration
	MonitoringInterval    time.Duration
	DepotWaitTime         time.Duration
	DepotProximityKm      float64
	MaxResultsPerQuery    int
}

func (o *Options) fill() {
	if o.Capacity <= 0 {
		o.Capacity = 40
	}
	if o.MinStopDuration <= 0 {
		o.MinStopDuration = 10 * time.Second
	}
	if o.MaxStopDuration <= 0 {
		o.MaxStopDuration = 3 * time.Minute
	}
	if o.PerPassengerBoarding <= 0 {
		o.PerPassengerBoarding = 3 * time.Second
	}
	if o.PerPassengerAlighting <= 0 {
		o.PerPassengerAlighting = 2 * time.Second
	}
	if o.FixedBuffer <= 0 {
		o.FixedBuffer = 5 * time.Second
	}
	if o.MonitoringInterval <= 0 {
		o.MonitoringInterval = 2 * time.Second
	}
	if o.DepotWaitTime <= 0 {
		o.DepotWaitTime = 5 * time.Minute
	}
	if o.DepotProximityKm <= 0 {
		o.DepotProximityKm = 0.1
	}
	if o.MaxResultsPerQuery <= 0 {
		o.MaxResultsPerQuery = 20
	}
}

// Conductor manages passenger boarding and the stop/depart protocol for
// one vehicle.
type Conductor struct {
	VehicleID string
	RouteID   string

	machine  *state.Machine[state.DepotState]
	signaler *signal.Signaler
	source   passengers.Source
	opts     Options

	mu          sync.Mutex
	onboard     map[string]passengers.Passenger
	current     *StopOperation
	lastPos     signal.GPSPosition
	havePos     bool
	depot       *passengers.DepotCoordinates
	depotServed bool
	stop        chan struct{}
	done        chan struct{}
}

func New(vehicleID, routeID string, source passengers.Source, signaler *signal.Signaler, opts Options) *Conductor {
	opts.fill()
	return &Conductor{
		VehicleID: vehicleID,
		RouteID:   routeID,
		machine:   state.NewMachine("conductor/"+vehicleID, state.DepotMonitoring),
		signaler:  signaler,
		source:    source,
		opts:      opts,
		onboard:   make(map[string]passengers.Passenger),
	}
}

func (c *Conductor) State() state.DepotState { return c.machine.Current() }

func (c *Conductor) PassengerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.onboard)
}

func (c *Conductor) IsFull() bool { return c.PassengerCount() >= c.opts.Capacity }

// Start resolves the route depot and launches the monitoring loop. A route
// without registered depot coordinates skips depot boarding mode but keeps
// the rest of the conductor running.
func (c *Conductor) Start(ctx context.Context) error {
	depot, err := c.source.GetRouteDepotCoordinates(ctx, c.RouteID)
	if err != nil {
		return fmt.Errorf("conductor %s: resolve depot: %w", c.VehicleID, err)
	}
	if depot == nil {
		log.WithFields(logrus.Fields{"vehicle": c.VehicleID, "route": c.RouteID}).
			Warn("no depot coordinates, depot boarding mode disabled")
	}
	c.mu.Lock()
	c.depot = depot
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	go c.monitorLoop(stop, done)
	log.WithFields(logrus.Fields{"vehicle": c.VehicleID, "route": c.RouteID}).Info("conductor started")
	return nil
}

func (c *Conductor) monitorLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.MonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		// overdue stop whose depart signal failed earlier gets retried
		c.mu.Lock()
		op := c.current
		c.mu.Unlock()
		if op != nil && !c.departDone(op) && time.Since(op.StartTime) >= op.RequestedDuration {
			c.signalDepart("duration_elapsed")
		}

		if c.shouldEnterDepotMode() {
			c.depotBoarding(stop)
		}
	}
}

func (c *Conductor) departDone(op *StopOperation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return op.departSent
}

// HandleLocation records the driver's position broadcast.
func (c *Conductor) HandleLocation(m signal.LocationUpdate) {
	c.mu.Lock()
	c.lastPos = signal.GPSPosition{Latitude: m.Latitude, Longitude: m.Longitude}
	c.havePos = true
	c.mu.Unlock()
}

// HandleWaypoint is the trigger for passenger checks at stops: evaluate
// alighting and eligible boarding passengers at the reached vertex.
func (c *Conductor) HandleWaypoint(m signal.WaypointArrived) {
	c.machine.Transition(state.DepotEvaluating)
	defer func() {
		if c.machine.Is(state.DepotEvaluating) {
			c.machine.Transition(state.DepotMonitoring)
		}
	}()

	now := time.Now()
	alighting := c.passengersAlightingAt(m.WaypointIndex)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	candidates, err := c.source.GetEligiblePassengers(ctx,
		m.Latitude, m.Longitude, c.RouteID,
		c.opts.PickupRadiusKm, c.opts.MaxResultsPerQuery, "waiting", now)
	if err != nil {
		log.WithError(err).WithField("vehicle", c.VehicleID).Warn("eligible passenger query failed")
		candidates = nil
	}
	if c.opts.BoardingTimeWindow > 0 {
		candidates = lo.Filter(candidates, func(p passengers.Passenger, _ int) bool {
			return now.Sub(p.SpawnTime) <= c.opts.BoardingTimeWindow
		})
	}
	if len(candidates) == 0 && len(alighting) == 0 {
		return
	}

	op := &StopOperation{
		StopID:   uuid.NewString(),
		Position: signal.GPSPosition{Latitude: m.Latitude, Longitude: m.Longitude},
		Boarding: lo.Map(candidates, func(p passengers.Passenger, _ int) string { return p.ID }),
		Disembarking: lo.Map(alighting, func(p passengers.Passenger, _ int) string {
			return p.ID
		}),
		RequestedDuration: stopDuration(len(candidates), len(alighting), c.opts),
		StartTime:         now,
	}

	c.machine.Transition(state.DepotSignalingDriver)
	if err := c.signaler.SendStopRequest(signal.StopRequest{
		VehicleID:         c.VehicleID,
		StopID:            op.StopID,
		BoardingCount:     len(candidates),
		DisembarkingCount: len(alighting),
		DurationSeconds:   op.RequestedDuration.Seconds(),
		GPSPosition:       op.Position,
	}); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"vehicle": c.VehicleID, "stop": op.StopID,
		}).Error("stop signaling failed on both paths")
		c.machine.Transition(state.DepotMonitoring)
		return
	}

	c.mu.Lock()
	if prev := c.current; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	c.current = op
	c.lastPos = op.Position
	c.havePos = true
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.StopRequestedInc()
	}
	c.machine.Transition(state.DepotBoardingPassengers)
	alighted := c.alight(ctx, alighting)
	boarded := c.board(ctx, candidates)
	if c.opts.Metrics != nil {
		c.opts.Metrics.BoardingsAdd(boarded)
		c.opts.Metrics.AlightingsAdd(alighted)
	}
	log.WithFields(logrus.Fields{
		"vehicle": c.VehicleID, "stop": op.StopID,
		"boarded": boarded, "alighted": alighted,
		"onboard": c.PassengerCount(), "duration": op.RequestedDuration,
	}).Info("stop operation running")

	if c.IsFull() {
		c.signalDepart("capacity")
		return
	}

	c.machine.Transition(state.DepotWaitingForDeparture)
	op.timer = time.AfterFunc(op.RequestedDuration, func() {
		c.signalDepart("duration_elapsed")
	})
}

// passengersAlightingAt returns the onboard passengers destined for the
// given segment index.
func (c *Conductor) passengersAlightingAt(segment int) []passengers.Passenger {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []passengers.Passenger
	for _, p := range c.onboard {
		if p.DestinationSegment == segment {
			out = append(out, p)
		}
	}
	return out
}

// board seats candidates up to the remaining capacity and returns how many
// actually boarded. Boarding beyond the remaining seats is refused and the
// shortfall reported.
func (c *Conductor) board(ctx context.Context, candidates []passengers.Passenger) int {
	boarded := 0
	for _, p := range candidates {
		c.mu.Lock()
		remaining := c.opts.Capacity - len(c.onboard)
		c.mu.Unlock()
		if remaining <= 0 {
			log.WithFields(logrus.Fields{
				"vehicle": c.VehicleID, "refused": len(candidates) - boarded,
			}).Warn("boarding shortfall: vehicle full")
			break
		}
		ok, err := c.source.BoardPassenger(ctx, p.ID, c.VehicleID)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"vehicle": c.VehicleID, "passenger": p.ID,
			}).Warn("board call failed")
			continue
		}
		if !ok {
			continue // claimed by another vehicle
		}
		c.mu.Lock()
		c.onboard[p.ID] = p
		c.mu.Unlock()
		boarded++
	}
	return boarded
}

// BoardLocal seats passengers matched from an in-memory depot pool. These
// have no row in the passenger store, so the SQL status handshake is
// skipped; capacity is still enforced. Returns how many were seated.
func (c *Conductor) BoardLocal(ps []*passengers.Passenger) int {
	seated := 0
	c.mu.Lock()
	for _, p := range ps {
		if len(c.onboard) >= c.opts.Capacity {
			break
		}
		c.onboard[p.ID] = *p
		seated++
	}
	c.mu.Unlock()
	if seated > 0 && c.opts.Metrics != nil {
		c.opts.Metrics.BoardingsAdd(seated)
	}
	if seated < len(ps) {
		log.WithFields(logrus.Fields{
			"vehicle": c.VehicleID, "refused": len(ps) - seated,
		}).Warn("boarding shortfall: vehicle full")
	}
	return seated
}

func (c *Conductor) alight(ctx context.Context, leaving []passengers.Passenger) int {
	alighted := 0
	for _, p := range leaving {
		ok, err := c.source.AlightPassenger(ctx, p.ID)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"vehicle": c.VehicleID, "passenger": p.ID,
			}).Warn("alight call failed")
			continue
		}
		c.mu.Lock()
		delete(c.onboard, p.ID)
		c.mu.Unlock()
		if ok {
			alighted++
		}
	}
	return alighted
}

// signalDepart sends the depart signal for the current stop. The auto
// depart on full and the timed depart both converge here; the departSent
// flag makes whichever arrives second a no-op.
func (c *Conductor) signalDepart(reason string) {
	c.mu.Lock()
	op := c.current
	if op == nil || op.departSent {
		c.mu.Unlock()
		return
	}
	op.departSent = true
	if op.timer != nil {
		op.timer.Stop()
	}
	count := len(c.onboard)
	c.mu.Unlock()

	c.machine.Transition(state.DepotSignalingDriver)
	err := c.signaler.SendDepart(signal.DepartReady{
		VehicleID:      c.VehicleID,
		PassengerCount: count,
		Timestamp:      time.Now(),
	})
	if err != nil {
		// leave the operation pending so the monitor loop retries
		log.WithError(err).WithFields(logrus.Fields{
			"vehicle": c.VehicleID, "stop": op.StopID, "reason": reason,
		}).Error("depart signaling failed on both paths")
		c.mu.Lock()
		op.departSent = false
		c.mu.Unlock()
		c.machine.Transition(state.DepotMonitoring)
		return
	}
	log.WithFields(logrus.Fields{
		"vehicle": c.VehicleID, "stop": op.StopID, "reason": reason, "onboard": count,
	}).Info("depart signaled")
	if c.opts.Metrics != nil {
		c.opts.Metrics.DepartSignaledInc(reason)
	}

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	c.machine.Transition(state.DepotMonitoring)
}

func (c *Conductor) shouldEnterDepotMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depot == nil || !c.havePos {
		return false
	}
	near := geo.HaversineKm(c.lastPos.Latitude, c.lastPos.Longitude,
		c.depot.Latitude, c.depot.Longitude) <= c.opts.DepotProximityKm
	if !near {
		c.depotServed = false // re-arm for the next depot visit
		return false
	}
	return !c.depotServed
}

// depotBoarding repeatedly queries for eligible waiting passengers at the
// depot, boarding as capacity allows, until capacity is reached or the
// depot wait time elapses, whichever comes first.
func (c *Conductor) depotBoarding(stop chan struct{}) {
	c.mu.Lock()
	depot := c.depot
	c.mu.Unlock()
	if depot == nil {
		return
	}
	c.machine.Transition(state.DepotBoardingPassengers)
	log.WithFields(logrus.Fields{
		"vehicle": c.VehicleID, "depot": depot.DepotName,
	}).Info("depot boarding mode entered")

	deadline := time.Now().Add(c.opts.DepotWaitTime)
	for time.Now().Before(deadline) && !c.IsFull() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		candidates, err := c.source.GetEligiblePassengers(ctx,
			depot.Latitude, depot.Longitude, c.RouteID,
			c.opts.PickupRadiusKm, c.opts.MaxResultsPerQuery, "waiting", time.Now())
		if err != nil {
			log.WithError(err).WithField("vehicle", c.VehicleID).Warn("depot passenger query failed")
		} else if len(candidates) > 0 {
			c.board(ctx, candidates)
		}
		cancel()
		select {
		case <-stop:
			return
		case <-time.After(c.opts.MonitoringInterval):
		}
	}

	c.mu.Lock()
	c.depotServed = true
	c.mu.Unlock()
	c.machine.Transition(state.DepotMonitoring)
	log.WithFields(logrus.Fields{
		"vehicle": c.VehicleID, "onboard": c.PassengerCount(), "full": c.IsFull(),
	}).Info("depot boarding mode left")
}

// Stop halts the monitoring loop within a bounded timeout.
func (c *Conductor) Stop() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop = nil
	if c.current != nil && c.current.timer != nil {
		c.current.timer.Stop()
	}
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
		log.WithField("vehicle", c.VehicleID).Info("conductor stopped")
		return nil
	case <-time.After(loopJoinTimeout):
		return fmt.Errorf("conductor %s: monitor loop did not exit within %s", c.VehicleID, loopJoinTimeout)
	}
}
