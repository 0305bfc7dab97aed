// Package state holds the closed state enumerations used by the vehicle
// actors and the generic transition machine shared between them. Each
// enumeration is a distinct type, so a transition request carrying a state
// from another enumeration does not compile.
package state

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "state")

// DeviceState is the lifecycle of a hardware-style component (engine, GPS
// device).
type DeviceState int

const (
	DeviceOff DeviceState = iota
	DeviceStarting
	DeviceOn
	DeviceStopping
	DeviceError
)

func (s DeviceState) String() string {
	switch s {
	case DeviceOff:
		return "OFF"
	case DeviceStarting:
		return "STARTING"
	case DeviceOn:
		return "ON"
	case DeviceStopping:
		return "STOPPING"
	case DeviceError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// DriverState is the person-style lifecycle of the driving agent.
type DriverState int

const (
	DriverDisembarked DriverState = iota
	DriverBoarding
	DriverWaiting
	DriverOnboard
	DriverDisembarking
	DriverBreak
)

func (s DriverState) String() string {
	switch s {
	case DriverDisembarked:
		return "DISEMBARKED"
	case DriverBoarding:
		return "BOARDING"
	case DriverWaiting:
		return "WAITING"
	case DriverOnboard:
		return "ONBOARD"
	case DriverDisembarking:
		return "DISEMBARKING"
	case DriverBreak:
		return "BREAK"
	}
	return "UNKNOWN"
}

// PersonState is the lifecycle of a passenger.
type PersonState int

const (
	PersonWaitingAtStop PersonState = iota
	PersonBoarding
	PersonOnboard
	PersonDisembarking
	PersonAlighted
)

func (s PersonState) String() string {
	switch s {
	case PersonWaitingAtStop:
		return "WAITING_AT_STOP"
	case PersonBoarding:
		return "BOARDING"
	case PersonOnboard:
		return "ONBOARD"
	case PersonDisembarking:
		return "DISEMBARKING"
	case PersonAlighted:
		return "ALIGHTED"
	}
	return "UNKNOWN"
}

// DepotState is the operational machine of the conductor.
type DepotState int

const (
	DepotMonitoring DepotState = iota
	DepotEvaluating
	DepotBoardingPassengers
	DepotSignalingDriver
	DepotWaitingForDeparture
)

func (s DepotState) String() string {
	switch s {
	case DepotMonitoring:
		return "MONITORING"
	case DepotEvaluating:
		return "EVALUATING"
	case DepotBoardingPassengers:
		return "BOARDING_PASSENGERS"
	case DepotSignalingDriver:
		return "SIGNALING_DRIVER"
	case DepotWaitingForDeparture:
		return "WAITING_FOR_DEPARTURE"
	}
	return "UNKNOWN"
}

// State constrains the machine to one of the closed enumerations above.
type State interface {
	~int
	String() string
}

// Transition records one observed state change.
type Transition[S State] struct {
	Component string
	From      S
	To        S
}

// Machine is a mutex-guarded holder of a single enumeration value. Every
// change goes through Transition so it is logged and observable; there are
// no hidden transitions.
type Machine[S State] struct {
	mu        sync.Mutex
	component string
	current   S
	observer  func(Transition[S])
}

func NewMachine[S State](component string, initial S) *Machine[S] {
	return &Machine[S]{component: component, current: initial}
}

// Observe registers a callback invoked after every effective transition.
func (m *Machine[S]) Observe(fn func(Transition[S])) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

func (m *Machine[S]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Is reports whether the machine currently holds s.
func (m *Machine[S]) Is(s S) bool { return m.Current() == s }

// Transition replaces the current state with to. Same-state requests are a
// no-op. Returns true when the machine holds to on return.
func (m *Machine[S]) Transition(to S) bool {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return true
	}
	m.current = to
	observer := m.observer
	m.mu.Unlock()

	log.WithFields(logrus.Fields{
		"component": m.component,
		"from":      from.String(),
		"to":        to.String(),
	}).Debug("state transition")
	if observer != nil {
		observer(Transition[S]{Component: m.component, From: from, To: to})
	}
	return true
}

// TransitionFrom performs the transition only when the machine currently
// holds from. It returns false, leaving the state untouched, otherwise.
// Guarded operations like start_engine use this to enforce their
// preconditions.
func (m *Machine[S]) TransitionFrom(from, to S) bool {
	m.mu.Lock()
	if m.current != from {
		cur := m.current
		m.mu.Unlock()
		log.WithFields(logrus.Fields{
			"component": m.component,
			"required":  from.String(),
			"current":   cur.String(),
			"requested": to.String(),
		}).Warn("transition rejected")
		return false
	}
	m.current = to
	observer := m.observer
	m.mu.Unlock()

	log.WithFields(logrus.Fields{
		"component": m.component,
		"from":      from.String(),
		"to":        to.String(),
	}).Debug("state transition")
	if observer != nil {
		observer(Transition[S]{Component: m.component, From: from, To: to})
	}
	return true
}
