// Package signal carries the messages exchanged between the driver and the
// conductor of one vehicle. The primary transport is a NATS channel; every
// send falls back to a direct call on the held peer reference when the
// channel fails, and reports an explicit error when both fail.
package signal

import "time"

// GPSPosition is a bare coordinate attached to signaling messages.
type GPSPosition struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// StopRequest asks the driver to halt for a stop operation.
// Subject: conductor.request.stop.<vehicle>.
type StopRequest struct {
	VehicleID         string      `json:"vehicle_id"`
	StopID            string      `json:"stop_id"`
	BoardingCount     int         `json:"boarding_count"`
	DisembarkingCount int         `json:"disembarking_count"`
	DurationSeconds   float64     `json:"duration_seconds"`
	GPSPosition       GPSPosition `json:"gps_position"`
}

// DepartReady tells the driver boarding is complete and the vehicle may
// resume. Subject: conductor.ready.depart.<vehicle>.
type DepartReady struct {
	VehicleID      string    `json:"vehicle_id"`
	PassengerCount int       `json:"passenger_count"`
	Timestamp      time.Time `json:"timestamp"`
}

// WaypointArrived notifies the conductor the vehicle reached a route
// vertex. Subject: driver.arrived.waypoint.<vehicle>.
type WaypointArrived struct {
	VehicleID     string  `json:"vehicle_id"`
	WaypointIndex int     `json:"waypoint_index"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	RouteID       string  `json:"route_id"`
}

// LocationUpdate is the driver's periodic position broadcast.
// Subject: driver.location.update.<vehicle>.
type LocationUpdate struct {
	VehicleID string    `json:"vehicle_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SpeedKmh  float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

// DriverControl is the direct-call surface of a driver, used as the
// fallback when the channel cannot deliver.
type DriverControl interface {
	HandleStopRequest(StopRequest) bool
	HandleDepart(DepartReady) bool
}

// ConductorControl is the direct-call surface of a conductor.
type ConductorControl interface {
	HandleWaypoint(WaypointArrived)
	HandleLocation(LocationUpdate)
}
