// Package telemetry defines the records exchanged between the engine, the
// driver and the GPS device, plus the wire format sent to the ingest
// endpoint.
package telemetry

import "time"

// Physics carries optional diagnostics produced by the physics speed model.
type Physics struct {
	AccelerationMps2 float64 `json:"acceleration_mps2"`
	Phase            string  `json:"phase"`
	Progress         float64 `json:"progress"`
	SegmentIndex     int     `json:"segment_index"`
}

// EngineEntry is one tick of engine output.
type EngineEntry struct {
	DeviceID     string
	Timestamp    time.Time
	VelocityKmh  float64
	CumulativeKm float64
	Elapsed      time.Duration
	Physics      *Physics
}

// Entry is one GPS fix produced by the driver and consumed exactly once by
// the GPS device path.
type Entry struct {
	DeviceID     string
	Timestamp    time.Time
	Lat          float64
	Lon          float64
	BearingDeg   float64
	SpeedKmh     float64
	SpeedMps     float64
	Elapsed      time.Duration
	CumulativeKm float64
	Physics      *Physics
}

// DriverName mirrors the nested name object of the wire format.
type DriverName struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

// WireRecord is the per-fix record sent to the telemetry-ingest endpoint.
type WireRecord struct {
	DeviceID   string     `json:"device_id"`
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	SpeedKmh   float64    `json:"speed"`
	HeadingDeg float64    `json:"heading"`
	Timestamp  string     `json:"timestamp"`
	Route      string     `json:"route"`
	VehicleReg string     `json:"vehicle_reg"`
	DriverID   string     `json:"driver_id"`
	DriverName DriverName `json:"driver_name"`
}

// VehicleIdentity is the static part of a vehicle's wire records.
type VehicleIdentity struct {
	Route      string
	VehicleReg string
	DriverID   string
	DriverName DriverName
}

// ToWire combines a fix with the vehicle identity into a wire record.
func ToWire(e Entry, id VehicleIdentity) WireRecord {
	return WireRecord{
		DeviceID:   e.DeviceID,
		Lat:        e.Lat,
		Lon:        e.Lon,
		SpeedKmh:   e.SpeedKmh,
		HeadingDeg: e.BearingDeg,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339),
		Route:      id.Route,
		VehicleReg: id.VehicleReg,
		DriverID:   id.DriverID,
		DriverName: id.DriverName,
	}
}
