package geo

import "fmt"

// InterpolationMode selects how a position between two route vertices is
// computed.
type InterpolationMode int

const (
	// ModeGeodesic follows the great circle between consecutive vertices.
	ModeGeodesic InterpolationMode = iota
	// ModeLinear interpolates lat/lon components directly.
	ModeLinear
)

// RouteGeometry is an ordered sequence of route vertices with precomputed
// per-segment and cumulative lengths in km. Immutable once constructed.
type RouteGeometry struct {
	RouteID    string
	Points     []Point
	SegmentKm  []float64 // len(Points)-1
	CumKm      []float64 // len(Points), CumKm[0] == 0
	TotalKm    float64
	IsReversed bool
}

// NewRouteGeometry builds a geometry from ordered vertices, computing
// segment lengths with the haversine formula.
func NewRouteGeometry(routeID string, pts []Point) (*RouteGeometry, error) {
	if len(pts) < 2 {
		return nil, fmt.Errorf("route %s: need at least 2 vertices, got %d", routeID, len(pts))
	}
	g := &RouteGeometry{
		RouteID:   routeID,
		Points:    pts,
		SegmentKm: make([]float64, len(pts)-1),
		CumKm:     make([]float64, len(pts)),
	}
	sum := 0.0
	for i := 1; i < len(pts); i++ {
		d := HaversineKm(pts[i-1].Lat, pts[i-1].Lon, pts[i].Lat, pts[i].Lon)
		g.SegmentKm[i-1] = d
		sum += d
		g.CumKm[i] = sum
	}
	g.TotalKm = sum
	return g, nil
}

// FromLineString builds a geometry from GeoJSON LineString coordinates
// ([lon, lat] pairs, the order the fleet registry delivers).
func FromLineString(routeID string, coords [][]float64) (*RouteGeometry, error) {
	pts := make([]Point, 0, len(coords))
	for i, c := range coords {
		if len(c) < 2 {
			return nil, fmt.Errorf("route %s: coordinate %d has %d components", routeID, i, len(c))
		}
		pts = append(pts, Point{Lon: c[0], Lat: c[1]})
	}
	return NewRouteGeometry(routeID, pts)
}

// Reversed returns a copy traversed in the opposite direction, for the
// inbound leg of a route.
func (g *RouteGeometry) Reversed() *RouteGeometry {
	pts := make([]Point, len(g.Points))
	for i, p := range g.Points {
		pts[len(g.Points)-1-i] = p
	}
	rev, _ := NewRouteGeometry(g.RouteID, pts)
	rev.IsReversed = !g.IsReversed
	return rev
}

// Fix is an interpolated position on a route.
type Fix struct {
	Point
	BearingDeg   float64
	SegmentIndex int
}

// PositionAt maps a cumulative travelled distance (km) onto the route.
// Distances beyond the ends clamp to the first/last vertex.
func (g *RouteGeometry) PositionAt(distKm float64, mode InterpolationMode) Fix {
	n := len(g.Points)
	if distKm <= 0 || g.TotalKm == 0 {
		return Fix{Point: g.Points[0], BearingDeg: BearingDeg(g.Points[0], g.Points[1]), SegmentIndex: 0}
	}
	if distKm >= g.TotalKm {
		return Fix{
			Point:        g.Points[n-1],
			BearingDeg:   BearingDeg(g.Points[n-2], g.Points[n-1]),
			SegmentIndex: n - 2,
		}
	}
	// walk segment lengths to the containing segment
	i := 1
	for i < n && g.CumKm[i] < distKm {
		i++
	}
	p0, p1 := g.Points[i-1], g.Points[i]
	seg := g.SegmentKm[i-1]
	frac := 0.0
	if seg > 0 {
		frac = (distKm - g.CumKm[i-1]) / seg
	}
	var at Point
	switch mode {
	case ModeLinear:
		at = Point{
			Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
			Lon: p0.Lon + (p1.Lon-p0.Lon)*frac,
		}
	default:
		at = intermediate(p0, p1, frac)
	}
	return Fix{Point: at, BearingDeg: BearingDeg(p0, p1), SegmentIndex: i - 1}
}

// NearestVertex returns the index of the vertex closest to the position,
// scanning only [center-window, center+window]. Bounds the search cost for
// frequent tracker updates.
func (g *RouteGeometry) NearestVertex(lat, lon float64, center, window int) int {
	lo := center - window
	if lo < 0 {
		lo = 0
	}
	hi := center + window
	if hi > len(g.Points)-1 {
		hi = len(g.Points) - 1
	}
	best := lo
	bestD := HaversineKm(lat, lon, g.Points[lo].Lat, g.Points[lo].Lon)
	for i := lo + 1; i <= hi; i++ {
		d := HaversineKm(lat, lon, g.Points[i].Lat, g.Points[i].Lon)
		if d < bestD {
			bestD = d
			best = i
		}
	}
	return best
}
