package device

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTrace(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestReplaySourcePlaysTraceInOrder(t *testing.T) {
	path := writeTrace(t, `{"device_id":"gps-1","timestamp":"2026-03-14T13:26:53Z","lat":13.10,"lon":-59.60,"bearing":12.5,"speed":36}
{"device_id":"gps-1","timestamp":"2026-03-14T13:26:54Z","lat":13.11,"lon":-59.60,"bearing":12.5,"speed":38}
`)
	src := NewReplaySource(10 * time.Millisecond)
	require.True(t, src.Initialize(map[string]string{"path": path}))
	require.True(t, src.StartStream())
	assert.Equal(t, "replay", src.SourceType())

	e, ok := src.GetData()
	require.True(t, ok)
	assert.Equal(t, 13.10, e.Lat)
	assert.Equal(t, 10.0, e.SpeedMps)

	e, ok = src.GetData()
	require.True(t, ok)
	assert.Equal(t, 13.11, e.Lat)

	_, ok = src.GetData()
	assert.False(t, ok, "trace exhausted")
}

func TestReplaySourceSkipsBadLines(t *testing.T) {
	path := writeTrace(t, `not json
{"device_id":"gps-1","timestamp":"2026-03-14T13:26:53Z","lat":13.10,"lon":-59.60,"speed":36}
`)
	src := NewReplaySource(time.Second)
	require.True(t, src.Initialize(map[string]string{"path": path}))
	require.True(t, src.StartStream())
	_, ok := src.GetData()
	assert.True(t, ok)
	_, ok = src.GetData()
	assert.False(t, ok)
}

func TestReplaySourceRequiresPathAndData(t *testing.T) {
	src := NewReplaySource(time.Second)
	assert.False(t, src.Initialize(nil))
	assert.False(t, src.Initialize(map[string]string{"path": "/nonexistent/trace.jsonl"}))

	empty := writeTrace(t, "")
	require.True(t, src.Initialize(map[string]string{"path": empty}))
	assert.False(t, src.StartStream(), "empty trace cannot stream")
}
