// Package dispatch assembles and runs the fleet: it loads assignments
// from the registry, builds one actor set per vehicle (engine, GPS
// device, driver, conductor), registers routes with the spatial index
// and the depot manager, and supervises the whole lot until shutdown.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"fleetsim/internal/conductor"
	"fleetsim/internal/depot"
	"fleetsim/internal/device"
	"fleetsim/internal/driver"
	"fleetsim/internal/engine"
	"fleetsim/internal/geo"
	"fleetsim/internal/metrics"
	"fleetsim/internal/passengers"
	"fleetsim/internal/registry"
	"fleetsim/internal/signal"
	"fleetsim/internal/spatial"
	"fleetsim/internal/telemetry"
)

var log = logrus.WithField("module", "dispatch")

// Options configure the dispatcher. Zero values fall back to the same
// defaults the per-actor option structs use.
type Options struct {
	NATSURL          string
	TelemetrySubject string // prefix, vehicle id appended

	EngineTick        time.Duration
	DriverTick        time.Duration
	CollectorInterval time.Duration
	BufferSize        int
	RetryDelay        time.Duration
	ErrorThreshold    int

	SpeedModel       string // fixed | random_walk | physics
	DefaultSpeedKmh  float64
	SpeedStepKmh     float64
	SpeedVarianceKmh float64

	WaypointThresholdKm float64
	BroadcastInterval   time.Duration
	InterpolationMode   geo.InterpolationMode

	Conductor conductor.Options

	RefreshInterval time.Duration
	DemandInterval  time.Duration // synthetic depot demand, zero disables
	DemandPerTick   int
	DepotPoolSize   int
}

func (o *Options) fill() {
	if o.TelemetrySubject == "" {
		o.TelemetrySubject = "telemetry.gps"
	}
	if o.EngineTick <= 0 {
		o.EngineTick = time.Second
	}
	if o.DriverTick <= 0 {
		o.DriverTick = time.Second
	}
	if o.CollectorInterval <= 0 {
		o.CollectorInterval = time.Second
	}
	if o.DefaultSpeedKmh <= 0 {
		o.DefaultSpeedKmh = 40
	}
	if o.DemandPerTick <= 0 {
		o.DemandPerTick = 3
	}
}

// unit is one vehicle's running actor set.
type unit struct {
	assignment registry.VehicleAssignment
	route      *geo.RouteGeometry
	drv        *driver.Driver
	con        *conductor.Conductor
	channel    *signal.NATSChannel
	depot      *passengers.DepotCoordinates
}

type Dispatcher struct {
	reg     registry.Strategy
	source  passengers.Source
	nc      *nats.Conn
	metrics *metrics.Collector
	index   *spatial.Index
	depots  *depot.Manager
	opts    Options

	mu      sync.Mutex
	running map[string]context.CancelFunc // vehicleID -> cancel
	units   map[string]*unit
	wg      sync.WaitGroup

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup

	rng *rand.Rand
}

// NewDispatcher wires the dispatcher. nc may be nil; signaling then runs
// over the direct in-process fallback only.
func NewDispatcher(reg registry.Strategy, source passengers.Source, nc *nats.Conn, m *metrics.Collector, opts Options) *Dispatcher {
	opts.fill()
	return &Dispatcher{
		reg:     reg,
		source:  source,
		nc:      nc,
		metrics: m,
		index:   spatial.NewIndex(),
		depots:  depot.NewManager(opts.DepotPoolSize),
		opts:    opts,
		running: make(map[string]context.CancelFunc),
		units:   make(map[string]*unit),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *Dispatcher) Index() *spatial.Index  { return d.index }
func (d *Dispatcher) Depots() *depot.Manager { return d.depots }

// Run loads the current assignments and starts every vehicle. An
// unreachable registry is a hard failure; an individual bad assignment
// is skipped with a log line.
func (d *Dispatcher) Run(ctx context.Context) error {
	assignments, err := d.reg.GetVehicleAssignments(ctx)
	if err != nil {
		return fmt.Errorf("load vehicle assignments: %w", err)
	}
	seeded, err := d.reg.GetAllDepotVehicles(ctx)
	if err != nil {
		return fmt.Errorf("load depot vehicles: %w", err)
	}
	atDepot := make(map[string]bool, len(seeded))
	for _, v := range seeded {
		atDepot[v.VehicleID] = true
	}

	started := 0
	for _, a := range assignments {
		// Only vehicles checked in at a depot enter the simulation.
		if len(atDepot) > 0 && !atDepot[a.VehicleID] {
			log.WithField("vehicle", a.VehicleID).Debug("not at depot, skipping")
			continue
		}
		if err := d.startVehicle(ctx, a); err != nil {
			log.WithError(err).WithField("vehicle", a.VehicleID).Error("start failed")
			continue
		}
		started++
	}
	log.WithFields(logrus.Fields{
		"assignments": len(assignments), "started": started,
	}).Info("fleet dispatched")
	return nil
}

func (d *Dispatcher) startVehicle(parent context.Context, a registry.VehicleAssignment) error {
	d.mu.Lock()
	if _, exists := d.running[a.VehicleID]; exists {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	info, err := d.reg.GetRouteInfo(parent, a.RouteCode)
	if err != nil {
		return fmt.Errorf("route %s: %w", a.RouteCode, err)
	}
	if info == nil {
		return fmt.Errorf("route %s: not in registry", a.RouteCode)
	}
	route, err := geo.FromLineString(info.RouteCode, info.Geometry.Coordinates)
	if err != nil {
		return fmt.Errorf("route %s geometry: %w", a.RouteCode, err)
	}
	d.index.AddRoute(route)
	d.depots.RegisterRoute(route)
	d.depots.RegisterVehicle(a.VehicleID, route.RouteID)

	u, err := d.buildUnit(parent, a, route)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if _, exists := d.running[a.VehicleID]; exists {
		// Lost the race with a concurrent refresh; tear the duplicate down.
		d.mu.Unlock()
		_ = u.drv.Stop()
		d.closeChannel(u.channel)
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	d.running[a.VehicleID] = cancel
	d.units[a.VehicleID] = u
	d.wg.Add(1)
	if d.metrics != nil {
		d.metrics.VehiclesStarted.Inc()
		d.metrics.ActiveVehicles.Set(float64(len(d.running)))
	}
	d.mu.Unlock()

	log.WithFields(logrus.Fields{
		"vehicle": a.VehicleID, "reg": a.VehicleReg, "route": a.RouteCode,
		"driver": a.DriverID,
	}).Info("vehicle started")

	go func() {
		defer d.wg.Done()
		d.runUnit(ctx, u)
		d.mu.Lock()
		delete(d.running, a.VehicleID)
		delete(d.units, a.VehicleID)
		if d.metrics != nil {
			d.metrics.VehiclesStopped.Inc()
			d.metrics.ActiveVehicles.Set(float64(len(d.running)))
		}
		d.mu.Unlock()
		log.WithField("vehicle", a.VehicleID).Info("vehicle stopped")
	}()
	return nil
}

// buildUnit assembles one vehicle's actors and boards the driver. On any
// failure everything already started is torn down.
func (d *Dispatcher) buildUnit(ctx context.Context, a registry.VehicleAssignment, route *geo.RouteGeometry) (*unit, error) {
	speed := a.SpeedKmh
	if speed <= 0 {
		speed = d.opts.DefaultSpeedKmh
	}
	var model engine.Model
	switch d.opts.SpeedModel {
	case "fixed":
		model = engine.Fixed{SpeedKmh: speed}
	case "physics":
		model = engine.NewPhysics(route, speed, 1.2)
	default:
		model = engine.NewRandomWalk(speed, d.opts.SpeedStepKmh, d.opts.SpeedVarianceKmh, d.rng.Int63())
	}
	eng := engine.New(a.VehicleID, model, d.opts.EngineTick, d.opts.BufferSize)

	src := device.NewSimulationSource(d.opts.CollectorInterval, d.opts.BufferSize)
	dialer := &device.NATSDialer{
		URL:     d.opts.NATSURL,
		Subject: d.opts.TelemetrySubject + "." + strings.ToLower(a.VehicleReg),
		Name:    "fleetsim-gps-" + a.VehicleID,
	}
	identity := telemetry.VehicleIdentity{
		Route:      a.RouteCode,
		VehicleReg: a.VehicleReg,
		DriverID:   a.DriverID,
		DriverName: telemetry.DriverName{First: a.DriverFirst, Last: a.DriverLast},
	}
	var devMetrics device.Metrics
	if d.metrics != nil {
		devMetrics = d.metrics
	}
	dev := device.New(a.VehicleID, src, dialer, telemetry.JSONCodec{}, identity, device.Options{
		BufferSize:     d.opts.BufferSize,
		RetryDelay:     d.opts.RetryDelay,
		ErrorThreshold: d.opts.ErrorThreshold,
		Metrics:        devMetrics,
	})

	sig := &signal.Signaler{}
	drv := driver.New(a.DriverID, a.VehicleID, route, sig, driver.Options{
		Tick:                d.opts.DriverTick,
		Mode:                d.opts.InterpolationMode,
		WaypointThresholdKm: d.opts.WaypointThresholdKm,
		BroadcastInterval:   d.opts.BroadcastInterval,
	})

	copts := d.opts.Conductor
	if a.Capacity > 0 {
		copts.Capacity = a.Capacity
	}
	if d.metrics != nil && copts.Metrics == nil {
		copts.Metrics = d.metrics
	}
	con := conductor.New(a.VehicleID, route.RouteID, d.source, sig, copts)

	// Direct references complete the fallback chain; the NATS channel, when
	// available, stays the primary path.
	sig.Driver = drv
	sig.Conductor = con
	var ch *signal.NATSChannel
	if d.nc != nil {
		ch = signal.FromConn(d.nc)
		sig.Channel = ch
		if err := ch.SubscribeDriver(a.VehicleID, drv); err != nil {
			return nil, fmt.Errorf("subscribe driver: %w", err)
		}
		if err := ch.SubscribeConductor(a.VehicleID, con); err != nil {
			ch.Close()
			return nil, fmt.Errorf("subscribe conductor: %w", err)
		}
	}

	if err := dev.Start(nil); err != nil {
		d.closeChannel(ch)
		return nil, fmt.Errorf("device start: %w", err)
	}
	if err := drv.Board(eng, dev); err != nil {
		_ = dev.Stop()
		d.closeChannel(ch)
		return nil, fmt.Errorf("driver board: %w", err)
	}
	drv.AttachConductor(con.Stop)
	if err := con.Start(ctx); err != nil {
		_ = drv.Stop()
		d.closeChannel(ch)
		return nil, fmt.Errorf("conductor start: %w", err)
	}
	if !drv.StartEngine() {
		_ = drv.Stop()
		d.closeChannel(ch)
		return nil, fmt.Errorf("driver %s refused engine start", a.DriverID)
	}

	dc, err := d.source.GetRouteDepotCoordinates(ctx, route.RouteID)
	if err != nil {
		log.WithError(err).WithField("route", route.RouteID).Warn("depot lookup failed")
		dc = nil
	}

	return &unit{assignment: a, route: route, drv: drv, con: con, channel: ch, depot: dc}, nil
}

func (d *Dispatcher) closeChannel(ch *signal.NATSChannel) {
	if ch != nil {
		ch.Close()
	}
}

// runUnit supervises one vehicle until the context is cancelled: it feeds
// the depot manager with fresh positions and, when the vehicle sits at
// its depot, drains matched passengers from the local pool.
func (d *Dispatcher) runUnit(ctx context.Context, u *unit) {
	interval := d.opts.Conductor.MonitoringInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := u.drv.Stop(); err != nil {
				log.WithError(err).WithField("vehicle", u.assignment.VehicleID).Warn("unit shutdown")
			}
			d.closeChannel(u.channel)
			return
		case <-ticker.C:
			fix, ok := u.drv.LastFix()
			if !ok {
				continue
			}
			d.depots.UpdateVehiclePosition(u.assignment.VehicleID, fix.Lat, fix.Lon)
			d.drainDepotPool(u, fix.Lat, fix.Lon)
		}
	}
}

// drainDepotPool boards locally pooled passengers while the vehicle is
// parked within the depot proximity threshold.
func (d *Dispatcher) drainDepotPool(u *unit, lat, lon float64) {
	if u.depot == nil || u.assignment.DepotID == "" {
		return
	}
	prox := d.opts.Conductor.DepotProximityKm
	if prox <= 0 {
		prox = 0.1
	}
	if geo.HaversineKm(lat, lon, u.depot.Latitude, u.depot.Longitude) > prox {
		return
	}
	want := d.opts.Conductor.MaxResultsPerQuery
	if want <= 0 {
		want = 20
	}
	matched := d.depots.GetPassengersForVehicle(u.assignment.DepotID, u.assignment.VehicleID, want)
	if len(matched) == 0 {
		return
	}
	seated := u.con.BoardLocal(matched)
	for i, p := range matched {
		if i < seated {
			d.depots.Release(p)
			continue
		}
		// No seat left: back into the pool, keep waiting.
		if !d.depots.Enqueue(u.assignment.DepotID, p) {
			d.depots.Release(p)
		}
	}
}

// StartRefresher periodically re-reads the registry and starts vehicles
// that joined since the last pass. Vehicles that disappeared keep running
// until their own shutdown; assignments are immutable for a run.
func (d *Dispatcher) StartRefresher(parent context.Context) {
	if d.opts.RefreshInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.refreshCancel = cancel
	d.refreshWG.Add(1)
	go func() {
		defer d.refreshWG.Done()
		ticker := time.NewTicker(d.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.refresh(ctx); err != nil {
					log.WithError(err).Warn("assignment refresh failed")
				}
			}
		}
	}()
}

func (d *Dispatcher) refresh(ctx context.Context) error {
	assignments, err := d.reg.GetVehicleAssignments(ctx)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		d.mu.Lock()
		_, exists := d.running[a.VehicleID]
		d.mu.Unlock()
		if exists {
			continue
		}
		if err := d.startVehicle(ctx, a); err != nil {
			log.WithError(err).WithField("vehicle", a.VehicleID).Warn("refresh start failed")
		}
	}
	return nil
}

// StartDemand generates synthetic waiting passengers at each registered
// depot so in-memory pool matching has something to match. Disabled when
// DemandInterval is zero.
func (d *Dispatcher) StartDemand(parent context.Context) {
	if d.opts.DemandInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.refreshWG.Add(1)
	prev := d.refreshCancel
	d.refreshCancel = func() {
		if prev != nil {
			prev()
		}
		cancel()
	}
	go func() {
		defer d.refreshWG.Done()
		ticker := time.NewTicker(d.opts.DemandInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.spawnDemand()
			}
		}
	}()
}

func (d *Dispatcher) snapshotUnits() []*unit {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*unit, 0, len(d.units))
	for _, u := range d.units {
		out = append(out, u)
	}
	return out
}

func (d *Dispatcher) spawnDemand() {
	for _, u := range d.snapshotUnits() {
		if u.depot == nil || u.assignment.DepotID == "" {
			continue
		}
		n := len(u.route.Points)
		if n < 2 {
			continue
		}
		for i := 0; i < d.opts.DemandPerTick; i++ {
			p := d.depots.NewPassenger()
			p.ID = uuid.NewString()
			p.Lat = u.depot.Latitude
			p.Lon = u.depot.Longitude
			p.RouteID = u.route.RouteID
			p.DestinationSegment = 1 + d.rng.Intn(n-1)
			p.SpawnTime = time.Now()
			p.Status = "waiting"
			if !d.depots.Enqueue(u.assignment.DepotID, p) {
				d.depots.Release(p)
				break
			}
		}
	}
}

// Stop cancels every vehicle and waits for all actor sets to shut down.
func (d *Dispatcher) Stop() {
	if d.refreshCancel != nil {
		d.refreshCancel()
		d.refreshWG.Wait()
	}
	d.mu.Lock()
	for id, cancel := range d.running {
		log.WithField("vehicle", id).Debug("cancelling")
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// ActiveVehicles reports how many vehicles are currently running.
func (d *Dispatcher) ActiveVehicles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}
