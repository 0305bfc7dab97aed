// Package engine simulates the propulsion unit of one vehicle: a speed
// model ticked at a fixed interval, accumulating distance into a bounded
// buffer the driver consumes.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleetsim/internal/buffer"
	"fleetsim/internal/state"
	"fleetsim/internal/telemetry"
)

var log = logrus.WithField("module", "engine")

const stopTimeout = 3 * time.Second

// Engine ticks its speed model while ON and writes an EngineEntry per tick.
// Distance and elapsed time survive stop/start cycles, so a vehicle parked
// at a stop resumes from where it halted.
type Engine struct {
	id      string
	model   Model
	tick    time.Duration
	buf     *buffer.Ring[telemetry.EngineEntry]
	machine *state.Machine[state.DeviceState]

	mu         sync.Mutex
	distanceKm float64
	elapsed    time.Duration
	stop       chan struct{}
	done       chan struct{}
}

func New(id string, model Model, tick time.Duration, bufferSize int) *Engine {
	return &Engine{
		id:      id,
		model:   model,
		tick:    tick,
		buf:     buffer.NewRing[telemetry.EngineEntry](bufferSize),
		machine: state.NewMachine("engine/"+id, state.DeviceOff),
	}
}

func (e *Engine) Buffer() *buffer.Ring[telemetry.EngineEntry] { return e.buf }

func (e *Engine) State() state.DeviceState { return e.machine.Current() }

func (e *Engine) CumulativeKm() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.distanceKm
}

// Start transitions OFF→ON and begins the tick loop.
func (e *Engine) Start() error {
	if !e.machine.TransitionFrom(state.DeviceOff, state.DeviceStarting) {
		return fmt.Errorf("engine %s: start from %s", e.id, e.machine.Current())
	}
	e.mu.Lock()
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.mu.Unlock()

	e.machine.Transition(state.DeviceOn)
	go e.run(stop, done)
	log.WithField("engine", e.id).Info("engine started")
	return nil
}

func (e *Engine) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.step()
		}
	}
}

func (e *Engine) step() {
	e.mu.Lock()
	e.elapsed += e.tick
	sample := e.model.Update(e.elapsed)
	e.distanceKm += sample.VelocityKmh * e.tick.Hours()
	entry := telemetry.EngineEntry{
		DeviceID:     e.id,
		Timestamp:    time.Now(),
		VelocityKmh:  sample.VelocityKmh,
		CumulativeKm: e.distanceKm,
		Elapsed:      e.elapsed,
		Physics:      sample.Physics,
	}
	e.mu.Unlock()
	e.buf.Push(entry)
}

// Stop signals the tick loop and waits for it to exit. A loop that does
// not exit within the stop timeout is reported, not swallowed.
func (e *Engine) Stop() error {
	if !e.machine.TransitionFrom(state.DeviceOn, state.DeviceStopping) {
		return fmt.Errorf("engine %s: stop from %s", e.id, e.machine.Current())
	}
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.mu.Unlock()
	close(stop)
	select {
	case <-done:
		e.machine.Transition(state.DeviceOff)
		log.WithField("engine", e.id).Info("engine stopped")
		return nil
	case <-time.After(stopTimeout):
		e.machine.Transition(state.DeviceError)
		return fmt.Errorf("engine %s: tick loop did not exit within %s", e.id, stopTimeout)
	}
}
