// Package geo holds the geodesy helpers shared by the simulation: great
// circle distance, initial bearing and polyline interpolation.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used throughout the simulation.
const EarthRadiusKm = 6371.0

// Point is a geographic coordinate in degrees.
type Point struct {
	Lat float64
	Lon float64
}

func toRad(d float64) float64 { return d * math.Pi / 180 }
func toDeg(r float64) float64 { return r * 180 / math.Pi }

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// BearingDeg returns the initial bearing from a to b in [0, 360).
func BearingDeg(a, b Point) float64 {
	y := math.Sin(toRad(b.Lon-a.Lon)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) -
		math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lon-a.Lon))
	brng := toDeg(math.Atan2(y, x))
	if brng < 0 {
		brng += 360
	}
	return brng
}

// intermediate returns the point a fraction f along the great circle from a
// to b (spherical linear interpolation).
func intermediate(a, b Point, f float64) Point {
	lat1, lon1 := toRad(a.Lat), toRad(a.Lon)
	lat2, lon2 := toRad(b.Lat), toRad(b.Lon)

	d := 2 * math.Asin(math.Sqrt(
		math.Pow(math.Sin((lat2-lat1)/2), 2)+
			math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin((lon2-lon1)/2), 2)))
	if d == 0 {
		return a
	}
	sa := math.Sin((1-f)*d) / math.Sin(d)
	sb := math.Sin(f*d) / math.Sin(d)
	x := sa*math.Cos(lat1)*math.Cos(lon1) + sb*math.Cos(lat2)*math.Cos(lon2)
	y := sa*math.Cos(lat1)*math.Sin(lon1) + sb*math.Cos(lat2)*math.Sin(lon2)
	z := sa*math.Sin(lat1) + sb*math.Sin(lat2)
	return Point{
		Lat: toDeg(math.Atan2(z, math.Sqrt(x*x+y*y))),
		Lon: toDeg(math.Atan2(y, x)),
	}
}
