// Package driver implements the driving agent of one vehicle: it consumes
// engine telemetry, maps cumulative distance onto the route geometry and
// feeds the resulting GPS fixes to the telemetry device, while answering
// stop and depart signals from the conductor.
package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetsim/internal/device"
	"fleetsim/internal/engine"
	"fleetsim/internal/geo"
	"fleetsim/internal/signal"
	"fleetsim/internal/state"
	"fleetsim/internal/telemetry"
)

var log = logrus.WithField("module", "driver")

const loopJoinTimeout = 3 * time.Second

// Options configure one driver.
type Options struct {
	Tick                time.Duration
	Mode                geo.InterpolationMode
	WaypointThresholdKm float64
	BroadcastInterval   time.Duration
}

func (o *Options) fill() {
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.WaypointThresholdKm <= 0 {
		o.WaypointThresholdKm = 0.05
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = 5 * time.Second
	}
}

// Driver owns the engine and GPS device references once boarded and runs
// the telemetry interpolation loop.
type Driver struct {
	ID        string
	VehicleID string

	machine  *state.Machine[state.DriverState]
	route    *geo.RouteGeometry
	opts     Options
	signaler *signal.Signaler

	mu            sync.Mutex
	eng           *engine.Engine
	dev           *device.Device
	visited       map[int]bool
	lastFix       telemetry.Entry
	haveFix       bool
	lastBroadcast time.Time
	conductorStop func() error
	stop          chan struct{}
	done          chan struct{}
}

func New(id, vehicleID string, route *geo.RouteGeometry, signaler *signal.Signaler, opts Options) *Driver {
	opts.fill()
	return &Driver{
		ID:        id,
		VehicleID: vehicleID,
		machine:   state.NewMachine("driver/"+id, state.DriverDisembarked),
		route:     route,
		opts:      opts,
		signaler:  signaler,
		visited:   make(map[int]bool),
	}
}

func (d *Driver) State() state.DriverState { return d.machine.Current() }

// AttachConductor registers the conductor shutdown hook so stopping the
// driver cascades.
func (d *Driver) AttachConductor(stop func() error) {
	d.mu.Lock()
	d.conductorStop = stop
	d.mu.Unlock()
}

// Board takes ownership of the engine and GPS device and starts the
// telemetry loop. DISEMBARKED → BOARDING → WAITING.
func (d *Driver) Board(eng *engine.Engine, dev *device.Device) error {
	if !d.machine.TransitionFrom(state.DriverDisembarked, state.DriverBoarding) {
		return fmt.Errorf("driver %s: board from %s", d.ID, d.machine.Current())
	}
	d.mu.Lock()
	d.eng = eng
	d.dev = dev
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	stop, done := d.stop, d.done
	d.mu.Unlock()

	d.machine.Transition(state.DriverWaiting)
	go d.run(stop, done)
	log.WithFields(logrus.Fields{"driver": d.ID, "vehicle": d.VehicleID}).Info("driver boarded")
	return nil
}

// StartEngine succeeds only from WAITING; the vehicle must be parked
// before navigation can move it.
func (d *Driver) StartEngine() bool {
	if !d.machine.TransitionFrom(state.DriverWaiting, state.DriverOnboard) {
		return false
	}
	d.mu.Lock()
	eng := d.eng
	d.mu.Unlock()
	if eng == nil {
		d.machine.Transition(state.DriverWaiting)
		return false
	}
	if err := eng.Start(); err != nil {
		log.WithError(err).WithField("driver", d.ID).Warn("engine start failed")
		d.machine.Transition(state.DriverWaiting)
		return false
	}
	return true
}

// StopEngine succeeds only from ONBOARD.
func (d *Driver) StopEngine() bool {
	if !d.machine.TransitionFrom(state.DriverOnboard, state.DriverWaiting) {
		return false
	}
	d.mu.Lock()
	eng := d.eng
	d.mu.Unlock()
	if eng == nil {
		return false
	}
	if err := eng.Stop(); err != nil {
		log.WithError(err).WithField("driver", d.ID).Warn("engine stop failed")
	}
	return true
}

// run is the telemetry loop: one engine entry in, one GPS fix out.
func (d *Driver) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.tickOnce()
		}
	}
}

func (d *Driver) tickOnce() {
	d.mu.Lock()
	eng, dev := d.eng, d.dev
	d.mu.Unlock()
	if eng == nil {
		return
	}

	entry, ok := eng.Buffer().Pop()
	if !ok {
		// engine off or no fresh tick: synthesize a stationary entry at
		// the current cumulative distance (the first vertex before the
		// first departure)
		entry = telemetry.EngineEntry{
			DeviceID:     d.VehicleID,
			Timestamp:    time.Now(),
			VelocityKmh:  0,
			CumulativeKm: eng.CumulativeKm(),
		}
	}

	fix := d.route.PositionAt(entry.CumulativeKm, d.opts.Mode)
	out := telemetry.Entry{
		DeviceID:     d.VehicleID,
		Timestamp:    entry.Timestamp,
		Lat:          fix.Lat,
		Lon:          fix.Lon,
		BearingDeg:   fix.BearingDeg,
		SpeedKmh:     entry.VelocityKmh,
		SpeedMps:     entry.VelocityKmh / 3.6,
		Elapsed:      entry.Elapsed,
		CumulativeKm: entry.CumulativeKm,
		Physics:      entry.Physics,
	}

	d.mu.Lock()
	d.lastFix = out
	d.haveFix = true
	broadcastDue := time.Since(d.lastBroadcast) >= d.opts.BroadcastInterval
	if broadcastDue {
		d.lastBroadcast = time.Now()
	}
	d.mu.Unlock()

	if dev != nil {
		dev.Feed(out)
	}
	d.checkWaypoints(out)

	if broadcastDue && d.signaler != nil {
		if err := d.signaler.SendLocation(signal.LocationUpdate{
			VehicleID: d.VehicleID,
			Latitude:  out.Lat,
			Longitude: out.Lon,
			SpeedKmh:  out.SpeedKmh,
			Heading:   out.BearingDeg,
			Timestamp: out.Timestamp,
		}); err != nil {
			log.WithError(err).WithField("driver", d.ID).Warn("location broadcast failed")
		}
	}
}

// checkWaypoints emits an arrival notification for every not-yet-visited
// route vertex within the waypoint proximity threshold of the fix.
func (d *Driver) checkWaypoints(fix telemetry.Entry) {
	var arrivals []signal.WaypointArrived
	d.mu.Lock()
	for i, p := range d.route.Points {
		if d.visited[i] {
			continue
		}
		if geo.HaversineKm(fix.Lat, fix.Lon, p.Lat, p.Lon) <= d.opts.WaypointThresholdKm {
			d.visited[i] = true
			arrivals = append(arrivals, signal.WaypointArrived{
				VehicleID:     d.VehicleID,
				WaypointIndex: i,
				Latitude:      p.Lat,
				Longitude:     p.Lon,
				RouteID:       d.route.RouteID,
			})
		}
	}
	d.mu.Unlock()

	for _, m := range arrivals {
		if d.signaler != nil {
			if err := d.signaler.SendWaypoint(m); err != nil {
				log.WithError(err).WithField("driver", d.ID).Warn("waypoint notification failed")
			}
		}
	}
}

// LastFix returns the most recent interpolated position.
func (d *Driver) LastFix() (telemetry.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFix, d.haveFix
}

// HandleStopRequest honors a conductor stop request. The driver must be
// ONBOARD; the stop position is retained in the last fix while parked.
func (d *Driver) HandleStopRequest(m signal.StopRequest) bool {
	if !d.machine.Is(state.DriverOnboard) {
		log.WithFields(logrus.Fields{
			"driver": d.ID, "stop": m.StopID, "state": d.machine.Current().String(),
		}).Warn("stop request refused: not onboard")
		return false
	}
	log.WithFields(logrus.Fields{
		"driver": d.ID, "stop": m.StopID,
		"boarding": m.BoardingCount, "alighting": m.DisembarkingCount,
		"duration_s": m.DurationSeconds,
	}).Info("stop request accepted")
	return d.StopEngine()
}

// HandleDepart restarts the engine after a completed stop.
func (d *Driver) HandleDepart(m signal.DepartReady) bool {
	log.WithFields(logrus.Fields{
		"driver": d.ID, "passengers": m.PassengerCount,
	}).Info("depart signal received")
	return d.StartEngine()
}

// Stop halts the telemetry loop and cascades to the attached conductor,
// engine and GPS device.
func (d *Driver) Stop() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	conductorStop := d.conductorStop
	eng, dev := d.eng, d.dev
	d.mu.Unlock()

	var firstErr error
	if conductorStop != nil {
		if err := conductorStop(); err != nil {
			log.WithError(err).WithField("driver", d.ID).Warn("conductor stop failed")
			firstErr = err
		}
	}
	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(loopJoinTimeout):
			log.WithField("driver", d.ID).Warn("telemetry loop join timeout")
			if firstErr == nil {
				firstErr = fmt.Errorf("driver %s: telemetry loop did not exit within %s", d.ID, loopJoinTimeout)
			}
		}
	}
	if d.machine.Is(state.DriverOnboard) {
		d.StopEngine()
	} else if eng != nil && eng.State() == state.DeviceOn {
		if err := eng.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if dev != nil && dev.State() == state.DeviceOn {
		if err := dev.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.machine.Transition(state.DriverDisembarking)
	d.machine.Transition(state.DriverDisembarked)
	log.WithField("driver", d.ID).Info("driver disembarked")
	return firstErr
}
