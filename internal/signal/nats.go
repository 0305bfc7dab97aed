package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "signal")

// Channel is the primary driver↔conductor transport.
type Channel interface {
	PublishStopRequest(StopRequest) error
	PublishDepart(DepartReady) error
	PublishWaypoint(WaypointArrived) error
	PublishLocation(LocationUpdate) error
	SubscribeDriver(vehicleID string, ctl DriverControl) error
	SubscribeConductor(vehicleID string, ctl ConductorControl) error
	Close()
}

// NATSChannel maps each message type to a per-vehicle subject.
type NATSChannel struct {
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewNATSChannel(url, name string) (*NATSChannel, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.DisconnectHandler(func(_ *nats.Conn) { log.Warn("signal channel disconnected") }),
		nats.ReconnectHandler(func(_ *nats.Conn) { log.Info("signal channel reconnected") }),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSChannel{nc: nc}, nil
}

// FromConn wraps an existing connection; Close leaves it open for the
// owner.
func FromConn(nc *nats.Conn) *NATSChannel { return &NATSChannel{nc: nc} }

func subjToken(s string) string {
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_")
	s = repl.Replace(strings.TrimSpace(s))
	if s == "" {
		s = "_"
	}
	return s
}

func stopSubject(vehicleID string) string {
	return "conductor.request.stop." + subjToken(vehicleID)
}
func departSubject(vehicleID string) string {
	return "conductor.ready.depart." + subjToken(vehicleID)
}
func waypointSubject(vehicleID string) string {
	return "driver.arrived.waypoint." + subjToken(vehicleID)
}
func locationSubject(vehicleID string) string {
	return "driver.location.update." + subjToken(vehicleID)
}

func (c *NATSChannel) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

func (c *NATSChannel) PublishStopRequest(m StopRequest) error {
	return c.publish(stopSubject(m.VehicleID), m)
}

func (c *NATSChannel) PublishDepart(m DepartReady) error {
	return c.publish(departSubject(m.VehicleID), m)
}

func (c *NATSChannel) PublishWaypoint(m WaypointArrived) error {
	return c.publish(waypointSubject(m.VehicleID), m)
}

func (c *NATSChannel) PublishLocation(m LocationUpdate) error {
	return c.publish(locationSubject(m.VehicleID), m)
}

// SubscribeDriver routes stop and depart messages for one vehicle to its
// driver.
func (c *NATSChannel) SubscribeDriver(vehicleID string, ctl DriverControl) error {
	sub, err := c.nc.Subscribe(stopSubject(vehicleID), func(msg *nats.Msg) {
		var m StopRequest
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.WithError(err).Warn("bad stop request dropped")
			return
		}
		ctl.HandleStopRequest(m)
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	sub, err = c.nc.Subscribe(departSubject(vehicleID), func(msg *nats.Msg) {
		var m DepartReady
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.WithError(err).Warn("bad depart message dropped")
			return
		}
		ctl.HandleDepart(m)
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	return nil
}

// SubscribeConductor routes waypoint and location messages for one vehicle
// to its conductor.
func (c *NATSChannel) SubscribeConductor(vehicleID string, ctl ConductorControl) error {
	sub, err := c.nc.Subscribe(waypointSubject(vehicleID), func(msg *nats.Msg) {
		var m WaypointArrived
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.WithError(err).Warn("bad waypoint message dropped")
			return
		}
		ctl.HandleWaypoint(m)
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	sub, err = c.nc.Subscribe(locationSubject(vehicleID), func(msg *nats.Msg) {
		var m LocationUpdate
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.WithError(err).Warn("bad location message dropped")
			return
		}
		ctl.HandleLocation(m)
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *NATSChannel) Close() {
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	c.subs = nil
}
