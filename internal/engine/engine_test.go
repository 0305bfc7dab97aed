package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsim/internal/state"
)

func TestFixedModelDistanceAccumulation(t *testing.T) {
	tick := 10 * time.Millisecond
	e := New("eng-1", Fixed{SpeedKmh: 36}, tick, 64)
	require.NoError(t, e.Start())

	// Let a handful of ticks elapse, then stop and drain.
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, e.Stop())
	assert.Equal(t, state.DeviceOff, e.State())

	perTick := 36.0 * tick.Hours() // 0.0001 km at 36 km/h per 10 ms
	n := 0
	prev := 0.0
	for {
		entry, ok := e.Buffer().Pop()
		if !ok {
			break
		}
		n++
		assert.Equal(t, "eng-1", entry.DeviceID)
		assert.Equal(t, 36.0, entry.VelocityKmh)
		assert.Greater(t, entry.CumulativeKm, prev, "distance must be monotonic")
		assert.InDelta(t, perTick*float64(n), entry.CumulativeKm, 1e-9)
		prev = entry.CumulativeKm
	}
	require.Greater(t, n, 0)
	assert.InDelta(t, perTick*float64(n), e.CumulativeKm(), 1e-9)
}

func TestStartRequiresOff(t *testing.T) {
	e := New("eng-2", Fixed{SpeedKmh: 20}, time.Hour, 4)
	require.NoError(t, e.Start())
	assert.Error(t, e.Start(), "double start must fail")
	require.NoError(t, e.Stop())
	assert.Error(t, e.Stop(), "double stop must fail")
}

func TestStopStartPreservesDistance(t *testing.T) {
	tick := 5 * time.Millisecond
	e := New("eng-3", Fixed{SpeedKmh: 50}, tick, 256)
	require.NoError(t, e.Start())
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, e.Stop())

	travelled := e.CumulativeKm()
	require.Greater(t, travelled, 0.0)

	require.NoError(t, e.Start())
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, e.Stop())
	assert.Greater(t, e.CumulativeKm(), travelled, "distance resumes, not resets")
}

func TestRandomWalkStaysWithinVariance(t *testing.T) {
	w := NewRandomWalk(40, 2, 10, 7)
	for i := 0; i < 1000; i++ {
		s := w.Update(time.Duration(i) * time.Second)
		assert.GreaterOrEqual(t, s.VelocityKmh, 30.0)
		assert.LessOrEqual(t, s.VelocityKmh, 50.0)
	}
}

func TestRandomWalkDeterministicPerSeed(t *testing.T) {
	a := NewRandomWalk(40, 2, 10, 42)
	b := NewRandomWalk(40, 2, 10, 42)
	for i := 0; i < 50; i++ {
		el := time.Duration(i) * time.Second
		assert.Equal(t, a.Update(el).VelocityKmh, b.Update(el).VelocityKmh)
	}
}
