// Package spatial holds the route spatial index: full route geometries
// plus a coarse grid for "routes within walking distance of a point"
// queries, shared by every conductor in the fleet.
package spatial

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"fleetsim/internal/geo"
)

var log = logrus.WithField("module", "spatial")

// cellPrecision buckets coordinates at 1e-4 degrees, roughly 11 m.
const cellPrecision = 1e-4

type cellKey struct {
	lat int32
	lon int32
}

func keyFor(lat, lon float64) cellKey {
	return cellKey{
		lat: int32(math.Round(lat / cellPrecision)),
		lon: int32(math.Round(lon / cellPrecision)),
	}
}

func (k cellKey) center() (lat, lon float64) {
	return float64(k.lat) * cellPrecision, float64(k.lon) * cellPrecision
}

// Index is safe for concurrent use; the routes map and the grid each have
// their own lock.
type Index struct {
	routesMu sync.Mutex
	routes   map[string]*geo.RouteGeometry

	gridMu sync.Mutex
	grid   map[cellKey][]string
	points int
}

func NewIndex() *Index {
	return &Index{
		routes: make(map[string]*geo.RouteGeometry),
		grid:   make(map[cellKey][]string),
	}
}

// AddRoute stores the geometry and indexes every vertex into its grid
// cell. A route id is listed at most once per cell.
func (x *Index) AddRoute(g *geo.RouteGeometry) {
	x.routesMu.Lock()
	x.routes[g.RouteID] = g
	x.routesMu.Unlock()

	x.gridMu.Lock()
	for _, p := range g.Points {
		k := keyFor(p.Lat, p.Lon)
		ids := x.grid[k]
		if !contains(ids, g.RouteID) {
			x.grid[k] = append(ids, g.RouteID)
			x.points++
		}
	}
	x.gridMu.Unlock()
	log.WithFields(logrus.Fields{"route": g.RouteID, "vertices": len(g.Points)}).Debug("route indexed")
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// QueryByGPS returns the ids of routes with an indexed vertex within
// radiusKm of the point. A degree bounding box prefilters the cells; the
// great-circle distance to the cell confirms, so the cost is bounded by
// the index size rather than recomputed per route vertex.
func (x *Index) QueryByGPS(lat, lon, radiusKm float64) []string {
	dLat := radiusKm / 111.32
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := radiusKm / (111.32 * cosLat)

	minLat, maxLat := lat-dLat, lat+dLat
	minLon, maxLon := lon-dLon, lon+dLon

	seen := make(map[string]bool)
	var out []string
	x.gridMu.Lock()
	for k, ids := range x.grid {
		cLat, cLon := k.center()
		if cLat < minLat || cLat > maxLat || cLon < minLon || cLon > maxLon {
			continue
		}
		if geo.HaversineKm(lat, lon, cLat, cLon) > radiusKm {
			continue
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	x.gridMu.Unlock()
	return out
}

func (x *Index) RouteByID(id string) (*geo.RouteGeometry, bool) {
	x.routesMu.Lock()
	defer x.routesMu.Unlock()
	g, ok := x.routes[id]
	return g, ok
}

func (x *Index) Clear() {
	x.routesMu.Lock()
	x.routes = make(map[string]*geo.RouteGeometry)
	x.routesMu.Unlock()
	x.gridMu.Lock()
	x.grid = make(map[cellKey][]string)
	x.points = 0
	x.gridMu.Unlock()
}

// Stats reports the route count and total indexed vertex count.
func (x *Index) Stats() (routes, indexedPoints int) {
	x.routesMu.Lock()
	routes = len(x.routes)
	x.routesMu.Unlock()
	x.gridMu.Lock()
	indexedPoints = x.points
	x.gridMu.Unlock()
	return routes, indexedPoints
}
