package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"fleetsim/internal/buffer"
	"fleetsim/internal/state"
	"fleetsim/internal/telemetry"
)

var log = logrus.WithField("module", "device")

// Conn is one established connection to the telemetry-ingest endpoint.
type Conn interface {
	Send([]byte) error
	Close() error
}

// Dialer establishes ingest connections. The transmitter owns the retry
// loop; a Dialer only has to attempt one connection.
type Dialer interface {
	Dial() (Conn, error)
}

// Metrics is an optional sink for transmission counters.
type Metrics interface {
	TelemetrySentInc()
	TelemetrySendErrInc()
	IngestConnectedSet(bool)
	IngestReconnectInc()
	SendObserve(time.Duration)
}

// Options tune the transmission pipeline.
type Options struct {
	BufferSize     int
	RetryDelay     time.Duration // wait between failed connect attempts
	ReadTimeout    time.Duration // buffer read timeout, bounds stop latency
	ErrorThreshold int           // consecutive send errors forcing reconnect
	JoinTimeout    time.Duration // loop join wait during shutdown
	Metrics        Metrics
}

func (o *Options) fill() {
	if o.BufferSize <= 0 {
		o.BufferSize = 128
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 500 * time.Millisecond
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = 5
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 3 * time.Second
	}
}

// Device runs the collector and transmitter loops for one vehicle.
type Device struct {
	id       string
	source   Source
	dialer   Dialer
	codec    telemetry.Codec
	identity telemetry.VehicleIdentity
	opts     Options

	buf       *buffer.Ring[telemetry.Entry]
	machine   *state.Machine[state.DeviceState]
	connected atomic.Bool

	mu            sync.Mutex
	stop          chan struct{}
	collectorDone chan struct{}
	transmitDone  chan struct{}
	conn          Conn
}

func New(id string, source Source, dialer Dialer, codec telemetry.Codec, identity telemetry.VehicleIdentity, opts Options) *Device {
	opts.fill()
	return &Device{
		id:       id,
		source:   source,
		dialer:   dialer,
		codec:    codec,
		identity: identity,
		opts:     opts,
		buf:      buffer.NewRing[telemetry.Entry](opts.BufferSize),
		machine:  state.NewMachine("device/"+id, state.DeviceOff),
	}
}

func (d *Device) State() state.DeviceState { return d.machine.Current() }

func (d *Device) IsConnected() bool { return d.connected.Load() }

func (d *Device) Source() Source { return d.source }

// Feed pushes a fix into the active data source when it accepts pushed
// fixes (the simulation source does; hardware and replay sources ignore
// the feed).
func (d *Device) Feed(e telemetry.Entry) {
	if sink, ok := d.source.(FixSink); ok {
		sink.SetFix(e)
	}
}

// Start initializes the source plugin and launches both loops.
func (d *Device) Start(sourceConfig map[string]string) error {
	if !d.machine.TransitionFrom(state.DeviceOff, state.DeviceStarting) {
		return fmt.Errorf("device %s: start from %s", d.id, d.machine.Current())
	}
	if !d.source.Initialize(sourceConfig) {
		d.machine.Transition(state.DeviceError)
		return fmt.Errorf("device %s: source %s failed to initialize", d.id, d.source.SourceType())
	}
	if !d.source.StartStream() {
		d.machine.Transition(state.DeviceError)
		return fmt.Errorf("device %s: source %s failed to start stream", d.id, d.source.SourceType())
	}

	d.mu.Lock()
	d.stop = make(chan struct{})
	d.collectorDone = make(chan struct{})
	d.transmitDone = make(chan struct{})
	stop, cdone, tdone := d.stop, d.collectorDone, d.transmitDone
	d.mu.Unlock()

	d.machine.Transition(state.DeviceOn)
	go d.collectorLoop(stop, cdone)
	go d.transmitterLoop(stop, tdone)
	log.WithFields(logrus.Fields{
		"device":  d.id,
		"source":  d.source.SourceType(),
		"version": d.source.Version(),
	}).Info("device started")
	return nil
}

// collectorLoop polls the source plugin at its configured interval and
// writes records into the Rx/Tx buffer without blocking.
func (d *Device) collectorLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.source.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			entry, ok := d.source.GetData()
			if !ok {
				continue
			}
			if !d.buf.TryPush(entry) {
				log.WithField("device", d.id).Warn("rx/tx buffer full, record dropped")
			}
		}
	}
}

// transmitterLoop maintains the outbound connection and drains the buffer.
func (d *Device) transmitterLoop(stop, done chan struct{}) {
	defer close(done)
	errCount := 0
	for {
		select {
		case <-stop:
			d.closeConn()
			return
		default:
		}

		if !d.connected.Load() {
			conn, err := d.dialer.Dial()
			if err != nil {
				log.WithError(err).WithField("device", d.id).Warn("ingest connect failed, retrying")
				select {
				case <-stop:
					return
				case <-time.After(d.opts.RetryDelay):
				}
				continue
			}
			d.mu.Lock()
			d.conn = conn
			d.mu.Unlock()
			d.connected.Store(true)
			errCount = 0
			if d.opts.Metrics != nil {
				d.opts.Metrics.IngestConnectedSet(true)
			}
			log.WithField("device", d.id).Info("ingest connected")
		}

		entry, ok := d.buf.PopWait(d.opts.ReadTimeout)
		if !ok {
			continue
		}
		payload, err := d.codec.Encode(telemetry.ToWire(entry, d.identity))
		if err != nil {
			log.WithError(err).WithField("device", d.id).Warn("encode failed, record dropped")
			continue
		}
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			d.connected.Store(false)
			continue
		}
		start := time.Now()
		err = conn.Send(payload)
		if d.opts.Metrics != nil {
			d.opts.Metrics.SendObserve(time.Since(start))
		}
		if err != nil {
			errCount++
			if d.opts.Metrics != nil {
				d.opts.Metrics.TelemetrySendErrInc()
			}
			log.WithError(err).WithFields(logrus.Fields{
				"device": d.id, "consecutive": errCount,
			}).Warn("send failed")
			if errCount >= d.opts.ErrorThreshold {
				// half-open socket: force a full reconnect
				d.closeConn()
				if d.opts.Metrics != nil {
					d.opts.Metrics.IngestReconnectInc()
				}
				errCount = 0
			}
			continue
		}
		errCount = 0
		if d.opts.Metrics != nil {
			d.opts.Metrics.TelemetrySentInc()
		}
	}
}

func (d *Device) closeConn() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if d.connected.Swap(false) && d.opts.Metrics != nil {
		d.opts.Metrics.IngestConnectedSet(false)
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Stop flips the stop flag, unblocks both loops and joins them, escalating
// to a forced connection close if a loop overruns the join timeout.
func (d *Device) Stop() error {
	if !d.machine.TransitionFrom(state.DeviceOn, state.DeviceStopping) {
		return fmt.Errorf("device %s: stop from %s", d.id, d.machine.Current())
	}
	d.mu.Lock()
	stop, cdone, tdone := d.stop, d.collectorDone, d.transmitDone
	d.mu.Unlock()
	close(stop)
	d.source.StopStream()

	var joinErr error
	for name, done := range map[string]chan struct{}{"collector": cdone, "transmitter": tdone} {
		select {
		case <-done:
		case <-time.After(d.opts.JoinTimeout):
			d.closeConn()
			joinErr = fmt.Errorf("device %s: %s loop did not exit within %s", d.id, name, d.opts.JoinTimeout)
			log.WithField("device", d.id).Warnf("%s loop join timeout, forced close", name)
		}
	}
	d.closeConn()
	if joinErr != nil {
		d.machine.Transition(state.DeviceError)
		return joinErr
	}
	d.machine.Transition(state.DeviceOff)
	log.WithField("device", d.id).Info("device stopped")
	return nil
}
