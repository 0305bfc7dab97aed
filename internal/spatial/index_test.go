package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsim/internal/geo"
)

func coastalRoute(t *testing.T) *geo.RouteGeometry {
	t.Helper()
	g, err := geo.NewRouteGeometry("coastal", []geo.Point{
		{Lat: 13.10, Lon: -59.60},
		{Lat: 13.11, Lon: -59.61},
		{Lat: 13.12, Lon: -59.62},
	})
	require.NoError(t, err)
	return g
}

func inlandRoute(t *testing.T) *geo.RouteGeometry {
	t.Helper()
	g, err := geo.NewRouteGeometry("inland", []geo.Point{
		{Lat: 13.20, Lon: -59.55},
		{Lat: 13.21, Lon: -59.54},
	})
	require.NoError(t, err)
	return g
}

func TestQueryByGPSFindsNearbyRouteOnly(t *testing.T) {
	x := NewIndex()
	x.AddRoute(coastalRoute(t))
	x.AddRoute(inlandRoute(t))

	ids := x.QueryByGPS(13.10, -59.60, 0.5)
	assert.Equal(t, []string{"coastal"}, ids)

	// A position on neither route matches nothing.
	assert.Empty(t, x.QueryByGPS(0, 0, 0.5))

	// Both routes fall inside a fleet-wide radius.
	ids = x.QueryByGPS(13.15, -59.58, 15)
	assert.ElementsMatch(t, []string{"coastal", "inland"}, ids)
}

func TestQueryByGPSRadiusIsExact(t *testing.T) {
	x := NewIndex()
	x.AddRoute(coastalRoute(t))

	// Vertex at (13.10, -59.60); a query point about 1.1 km south of it.
	near := x.QueryByGPS(13.09, -59.60, 1.2)
	assert.Contains(t, near, "coastal")
	far := x.QueryByGPS(13.09, -59.60, 1.0)
	assert.Empty(t, far, "bbox prefilter must not leak past the haversine check")
}

func TestRouteByID(t *testing.T) {
	x := NewIndex()
	g := coastalRoute(t)
	x.AddRoute(g)

	got, ok := x.RouteByID("coastal")
	require.True(t, ok)
	assert.Same(t, g, got)

	_, ok = x.RouteByID("missing")
	assert.False(t, ok)
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	x := NewIndex()
	x.AddRoute(coastalRoute(t))
	routes, points := x.Stats()
	x.AddRoute(coastalRoute(t))
	routes2, points2 := x.Stats()
	assert.Equal(t, routes, routes2)
	assert.Equal(t, points, points2)

	ids := x.QueryByGPS(13.10, -59.60, 0.5)
	assert.Equal(t, []string{"coastal"}, ids, "no duplicate ids from shared cells")
}

func TestClear(t *testing.T) {
	x := NewIndex()
	x.AddRoute(coastalRoute(t))
	x.Clear()
	routes, points := x.Stats()
	assert.Zero(t, routes)
	assert.Zero(t, points)
	assert.Empty(t, x.QueryByGPS(13.10, -59.60, 5))
}
