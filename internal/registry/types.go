// Package registry is the client for the external fleet registry: the
// relational store of vehicles, routes, drivers and depots the dispatcher
// reads its assignments from. The simulation core treats everything here
// as immutable inputs for a run.
package registry

import "encoding/json"

// VehicleAssignment pairs a vehicle with a route for the current run.
type VehicleAssignment struct {
	VehicleID   string
	VehicleReg  string
	RouteCode   string
	Capacity    int
	DepotID     string
	DriverID    string
	SpeedKmh    float64
	DriverFirst string
	DriverLast  string
}

// DriverAssignment pairs a driver with a vehicle.
type DriverAssignment struct {
	DriverID  string
	FirstName string
	LastName  string
	VehicleID string
}

// DepotVehicle is a vehicle currently registered at a depot.
type DepotVehicle struct {
	VehicleID  string
	VehicleReg string
	DepotID    string
	RouteCode  string
}

// LineString is the GeoJSON geometry shape the registry delivers.
type LineString struct {
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
}

// RouteInfo is route metadata plus geometry.
type RouteInfo struct {
	RouteCode string
	Name      string
	DepotID   string
	Geometry  LineString
}

func parseGeometry(raw []byte) (LineString, error) {
	var ls LineString
	if err := json.Unmarshal(raw, &ls); err != nil {
		return LineString{}, err
	}
	return ls, nil
}
