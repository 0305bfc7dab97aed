package signal

import (
	"errors"
	"fmt"
)

// ErrNoChannel indicates the signaler has neither a channel nor a direct
// peer reference for the requested message.
var ErrNoChannel = errors.New("no signaling path available")

// Signaler delivers messages with an explicit two-step procedure: try the
// primary channel, then the direct peer reference, then fail loudly.
type Signaler struct {
	Channel   Channel
	Driver    DriverControl
	Conductor ConductorControl
}

func (s *Signaler) SendStopRequest(m StopRequest) error {
	var chanErr error
	if s.Channel != nil {
		if chanErr = s.Channel.PublishStopRequest(m); chanErr == nil {
			return nil
		}
		log.WithError(chanErr).WithField("vehicle", m.VehicleID).Warn("stop request via channel failed, trying direct call")
	}
	if s.Driver != nil {
		if s.Driver.HandleStopRequest(m) {
			return nil
		}
		return fmt.Errorf("stop request for %s rejected by driver (channel err: %v)", m.VehicleID, chanErr)
	}
	if chanErr != nil {
		return fmt.Errorf("stop request for %s: %w", m.VehicleID, chanErr)
	}
	return fmt.Errorf("stop request for %s: %w", m.VehicleID, ErrNoChannel)
}

func (s *Signaler) SendDepart(m DepartReady) error {
	var chanErr error
	if s.Channel != nil {
		if chanErr = s.Channel.PublishDepart(m); chanErr == nil {
			return nil
		}
		log.WithError(chanErr).WithField("vehicle", m.VehicleID).Warn("depart signal via channel failed, trying direct call")
	}
	if s.Driver != nil {
		if s.Driver.HandleDepart(m) {
			return nil
		}
		return fmt.Errorf("depart signal for %s rejected by driver (channel err: %v)", m.VehicleID, chanErr)
	}
	if chanErr != nil {
		return fmt.Errorf("depart signal for %s: %w", m.VehicleID, chanErr)
	}
	return fmt.Errorf("depart signal for %s: %w", m.VehicleID, ErrNoChannel)
}

func (s *Signaler) SendWaypoint(m WaypointArrived) error {
	if s.Channel != nil {
		if err := s.Channel.PublishWaypoint(m); err == nil {
			return nil
		} else {
			log.WithError(err).WithField("vehicle", m.VehicleID).Warn("waypoint via channel failed, trying direct call")
		}
	}
	if s.Conductor != nil {
		s.Conductor.HandleWaypoint(m)
		return nil
	}
	return fmt.Errorf("waypoint for %s: %w", m.VehicleID, ErrNoChannel)
}

func (s *Signaler) SendLocation(m LocationUpdate) error {
	if s.Channel != nil {
		if err := s.Channel.PublishLocation(m); err == nil {
			return nil
		} else {
			log.WithError(err).WithField("vehicle", m.VehicleID).Warn("location via channel failed, trying direct call")
		}
	}
	if s.Conductor != nil {
		s.Conductor.HandleLocation(m)
		return nil
	}
	return fmt.Errorf("location for %s: %w", m.VehicleID, ErrNoChannel)
}
