package device

import (
	"strconv"
	"sync"
	"time"

	"fleetsim/internal/buffer"
	"fleetsim/internal/telemetry"
)

// SimulationSource serves fixes pushed by the driver through a bounded
// FIFO, oldest evicted on overflow. The driver is the single producer and
// the device collector the single consumer.
type SimulationSource struct {
	buf *buffer.Ring[telemetry.Entry]

	mu       sync.Mutex
	started  bool
	interval time.Duration
}

func NewSimulationSource(interval time.Duration, bufferSize int) *SimulationSource {
	return &SimulationSource{
		buf:      buffer.NewRing[telemetry.Entry](bufferSize),
		interval: interval,
	}
}

// Buffer exposes the telemetry buffer the driver writes into.
func (s *SimulationSource) Buffer() *buffer.Ring[telemetry.Entry] { return s.buf }

func (s *SimulationSource) Initialize(config map[string]string) bool {
	if v, ok := config["interval_ms"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return false
		}
		s.mu.Lock()
		s.interval = time.Duration(ms) * time.Millisecond
		s.mu.Unlock()
	}
	return true
}

func (s *SimulationSource) StartStream() bool {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return true
}

func (s *SimulationSource) StopStream() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

func (s *SimulationSource) SetFix(e telemetry.Entry) {
	s.buf.Push(e)
}

func (s *SimulationSource) GetData() (telemetry.Entry, bool) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return telemetry.Entry{}, false
	}
	return s.buf.Pop()
}

func (s *SimulationSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *SimulationSource) SourceType() string { return "simulation" }

func (s *SimulationSource) Version() string { return "1.0" }

func (s *SimulationSource) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}
