// Package device implements the GPS telemetry device: a plugin-sourced
// collector and an independently scheduled, reconnecting transmitter,
// decoupled by a bounded buffer.
package device

import (
	"time"

	"fleetsim/internal/telemetry"
)

// Source is the telemetry-source plugin contract. Simulation, hardware and
// file-replay sources are interchangeable behind it.
type Source interface {
	Initialize(config map[string]string) bool
	StartStream() bool
	GetData() (telemetry.Entry, bool)
	StopStream()
	IsConnected() bool
	SourceType() string
	Version() string
	// Interval is the plugin's configured poll cadence.
	Interval() time.Duration
}

// FixSink is implemented by sources that accept fixes pushed from the
// simulation (the driver feeds its interpolated position through this).
type FixSink interface {
	SetFix(telemetry.Entry)
}
