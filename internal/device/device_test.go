package device

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsim/internal/state"
	"fleetsim/internal/telemetry"
)

type fakeConn struct {
	mu      sync.Mutex
	sendErr error
	sent    [][]byte
	closed  bool
}

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, b)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeDialer fails a configured number of dials before handing out conns.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial() (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("ingest unreachable")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testIdentity() telemetry.VehicleIdentity {
	return telemetry.VehicleIdentity{
		Route:      "coastal",
		VehicleReg: "ZR-102",
		DriverID:   "drv-7",
		DriverName: telemetry.DriverName{First: "June", Last: "Clarke"},
	}
}

func fix(id string, lat float64) telemetry.Entry {
	return telemetry.Entry{DeviceID: id, Lat: lat, Lon: -59.60, SpeedKmh: 40, Timestamp: time.Now()}
}

func newTestDevice(dialer Dialer) (*Device, *SimulationSource) {
	src := NewSimulationSource(5*time.Millisecond, 16)
	dev := New("gps-1", src, dialer, telemetry.JSONCodec{}, testIdentity(), Options{
		BufferSize:     16,
		RetryDelay:     10 * time.Millisecond,
		ReadTimeout:    10 * time.Millisecond,
		ErrorThreshold: 3,
	})
	return dev, src
}

func TestTransmitsBufferedTelemetry(t *testing.T) {
	dialer := &fakeDialer{}
	dev, _ := newTestDevice(dialer)
	require.NoError(t, dev.Start(nil))
	defer dev.Stop()

	dev.Feed(fix("gps-1", 13.10))
	dev.Feed(fix("gps-1", 13.11))

	require.Eventually(t, func() bool {
		c := dialer.lastConn()
		return c != nil && c.sentCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	var rec telemetry.WireRecord
	require.NoError(t, json.Unmarshal(dialer.lastConn().sent[0], &rec))
	assert.Equal(t, "gps-1", rec.DeviceID)
	assert.Equal(t, "coastal", rec.Route)
	assert.Equal(t, "ZR-102", rec.VehicleReg)
	assert.Equal(t, 13.10, rec.Lat)
}

func TestConnectRetriesUntilIngestComesBack(t *testing.T) {
	dialer := &fakeDialer{failures: 3}
	dev, _ := newTestDevice(dialer)
	require.NoError(t, dev.Start(nil))
	defer dev.Stop()

	// Fixes fed while the ingest endpoint is still down must survive in
	// the buffer and go out once a dial succeeds.
	dev.Feed(fix("gps-1", 13.10))

	require.Eventually(t, func() bool {
		c := dialer.lastConn()
		return c != nil && c.sentCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, dialer.dialCount(), 4)
	assert.True(t, dev.IsConnected())
	assert.Equal(t, state.DeviceOn, dev.State(), "collector kept running through the outage")
}

func TestConsecutiveSendErrorsForceReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	dev, _ := newTestDevice(dialer)
	require.NoError(t, dev.Start(nil))
	defer dev.Stop()

	require.Eventually(t, func() bool { return dev.IsConnected() }, time.Second, 5*time.Millisecond)
	first := dialer.lastConn()
	require.NotNil(t, first)
	first.mu.Lock()
	first.sendErr = errors.New("broken pipe")
	first.mu.Unlock()

	// Three failed sends trip the threshold; a fresh dial replaces the
	// poisoned connection.
	for i := 0; i < 4; i++ {
		dev.Feed(fix("gps-1", 13.10))
	}
	require.Eventually(t, func() bool {
		c := dialer.lastConn()
		return c != first && c != nil
	}, 2*time.Second, 10*time.Millisecond)
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	assert.True(t, closed, "poisoned connection must be closed")
}

func TestStopJoinsLoopsAndClosesConn(t *testing.T) {
	dialer := &fakeDialer{}
	dev, _ := newTestDevice(dialer)
	require.NoError(t, dev.Start(nil))
	require.Eventually(t, func() bool { return dev.IsConnected() }, time.Second, 5*time.Millisecond)

	require.NoError(t, dev.Stop())
	assert.Equal(t, state.DeviceOff, dev.State())
	assert.False(t, dev.IsConnected())
	c := dialer.lastConn()
	require.NotNil(t, c)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.True(t, c.closed)

	assert.Error(t, dev.Stop(), "double stop must fail")
}

func TestStartRequiresOff(t *testing.T) {
	dialer := &fakeDialer{}
	dev, _ := newTestDevice(dialer)
	require.NoError(t, dev.Start(nil))
	assert.Error(t, dev.Start(nil))
	require.NoError(t, dev.Stop())
}

func TestSimulationSourceIntervalOverride(t *testing.T) {
	src := NewSimulationSource(time.Second, 4)
	require.True(t, src.Initialize(map[string]string{"interval_ms": "250"}))
	assert.Equal(t, 250*time.Millisecond, src.Interval())

	assert.False(t, src.Initialize(map[string]string{"interval_ms": "bogus"}))
	assert.False(t, src.Initialize(map[string]string{"interval_ms": "-1"}))
}

func TestSimulationSourceGateIsStartStream(t *testing.T) {
	src := NewSimulationSource(time.Second, 4)
	src.SetFix(fix("gps-2", 13.12))
	_, ok := src.GetData()
	assert.False(t, ok, "no data before the stream starts")

	require.True(t, src.StartStream())
	e, ok := src.GetData()
	require.True(t, ok)
	assert.Equal(t, "gps-2", e.DeviceID)

	src.StopStream()
	assert.False(t, src.IsConnected())
}
