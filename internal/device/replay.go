package device

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"fleetsim/internal/telemetry"
)

// replayFix is the on-disk line format of a recorded trace.
type replayFix struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	SpeedKmh  float64   `json:"speed"`
}

// ReplaySource replays fixes from a JSON-lines trace file, one per poll.
type ReplaySource struct {
	mu       sync.Mutex
	path     string
	fixes    []telemetry.Entry
	next     int
	started  bool
	interval time.Duration
}

func NewReplaySource(interval time.Duration) *ReplaySource {
	return &ReplaySource{interval: interval}
}

func (r *ReplaySource) Initialize(config map[string]string) bool {
	path, ok := config["path"]
	if !ok || path == "" {
		log.Warn("replay source: missing path")
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("replay source: open trace")
		return false
	}
	defer f.Close()

	var fixes []telemetry.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rf replayFix
		if err := json.Unmarshal(line, &rf); err != nil {
			log.WithError(err).WithField("path", path).Warn("replay source: bad line skipped")
			continue
		}
		fixes = append(fixes, telemetry.Entry{
			DeviceID:   rf.DeviceID,
			Timestamp:  rf.Timestamp,
			Lat:        rf.Lat,
			Lon:        rf.Lon,
			BearingDeg: rf.Bearing,
			SpeedKmh:   rf.SpeedKmh,
			SpeedMps:   rf.SpeedKmh / 3.6,
		})
	}
	if err := sc.Err(); err != nil {
		log.WithError(err).WithField("path", path).Warn("replay source: read trace")
		return false
	}
	r.mu.Lock()
	r.path = path
	r.fixes = fixes
	r.next = 0
	r.mu.Unlock()
	return true
}

func (r *ReplaySource) StartStream() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fixes) == 0 {
		return false
	}
	r.started = true
	return true
}

func (r *ReplaySource) StopStream() {
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
}

func (r *ReplaySource) GetData() (telemetry.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.next >= len(r.fixes) {
		return telemetry.Entry{}, false
	}
	e := r.fixes[r.next]
	r.next++
	return e, true
}

func (r *ReplaySource) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *ReplaySource) SourceType() string { return "replay" }

func (r *ReplaySource) Version() string { return "1.0" }

func (r *ReplaySource) Interval() time.Duration { return r.interval }
