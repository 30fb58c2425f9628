// Package geo implements the proximity search used for duplicate detection:
// a cheap bounding-box pre-filter followed by an exact haversine re-filter.
package geo

import "math"

const (
	// EarthRadiusMeters is the mean Earth radius.
	EarthRadiusMeters = 6371000.0

	// metersPerDegreeLat approximates one degree of latitude.
	metersPerDegreeLat = 111000.0
)

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Valid reports whether the point lies within coordinate bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lng)
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h a hair past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Box is a latitude/longitude rectangle. When MinLng > MaxLng the box
// crosses the antimeridian.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns a box enclosing the circle of radiusMeters around
// center. Longitude span is widened by 1/cos(latitude); near the poles the
// box covers every longitude.
func BoundingBox(center Point, radiusMeters float64) Box {
	dLat := radiusMeters / metersPerDegreeLat
	box := Box{
		MinLat: math.Max(-90, center.Lat-dLat),
		MaxLat: math.Min(90, center.Lat+dLat),
	}

	cosLat := math.Cos(radians(center.Lat))
	if box.MinLat <= -90 || box.MaxLat >= 90 || cosLat < 1e-6 {
		box.MinLng, box.MaxLng = -180, 180
		return box
	}
	dLng := radiusMeters / (metersPerDegreeLat * cosLat)
	if dLng >= 180 {
		box.MinLng, box.MaxLng = -180, 180
		return box
	}
	box.MinLng = normalizeLng(center.Lng - dLng)
	box.MaxLng = normalizeLng(center.Lng + dLng)
	return box
}

func normalizeLng(lng float64) float64 {
	for lng < -180 {
		lng += 360
	}
	for lng > 180 {
		lng -= 360
	}
	return lng
}

// WrapsAntimeridian reports whether the box spans the ±180° line.
func (b Box) WrapsAntimeridian() bool {
	return b.MinLng > b.MaxLng
}

// Contains reports whether p lies inside the box.
func (b Box) Contains(p Point) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.WrapsAntimeridian() {
		return p.Lng >= b.MinLng || p.Lng <= b.MaxLng
	}
	return p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}
