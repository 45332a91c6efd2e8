package geo

import (
	"math"
	"time"
)

const earthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within coordinate range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Polygon is a closed ring of coordinates. The last vertex does not need to
// repeat the first.
type Polygon []Point

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// SpeedKmh returns the average speed between two timestamped points.
// Returns 0 when the timestamps are equal or reversed.
func SpeedKmh(p1 Point, t1 time.Time, p2 Point, t2 time.Time) float64 {
	dt := t2.Sub(t1).Seconds()
	if dt <= 0 {
		return 0
	}
	return Distance(p1, p2) / dt * 3.6
}

// PointInPolygon reports whether p lies inside poly using an even-odd
// ray cast along the longitude axis.
func PointInPolygon(p Point, poly Polygon) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Lat > p.Lat) != (pj.Lat > p.Lat) {
			cross := (pj.Lng-pi.Lng)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat) + pi.Lng
			if p.Lng < cross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Offset returns the point reached by moving distanceMeters from p on the
// given bearing (radians, 0 = north).
func Offset(p Point, distanceMeters, bearing float64) Point {
	angular := distanceMeters / earthRadiusMeters
	lat1 := p.Lat * math.Pi / 180
	lng1 := p.Lng * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) +
		math.Cos(lat1)*math.Sin(angular)*math.Cos(bearing))
	lng2 := lng1 + math.Atan2(
		math.Sin(bearing)*math.Sin(angular)*math.Cos(lat1),
		math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2))

	return Point{
		Lat: lat2 * 180 / math.Pi,
		Lng: math.Mod(lng2*180/math.Pi+540, 360) - 180,
	}
}
