// Package geo provides coordinates, great-circle distances and the
// location sampler that streams a device position to the matching engine.
package geo

import (
	"math"
	"time"

	"github.com/taskhub/dispatch"
)

// EarthRadiusKm is the mean earth radius used for haversine distances.
const EarthRadiusKm = 6371.0088

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" msgpack:"lat"`
	Lng float64 `json:"lng" msgpack:"lng"`
}

// Validate reports out-of-range coordinates.
func (p Point) Validate() error {
	verr := &dispatch.ValidationError{Fields: map[string]string{}}
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		verr.Fields["lat"] = "must be between -90 and 90"
	}
	if math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		verr.Fields["lng"] = "must be between -180 and 180"
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Position is a sampled fix of a device.
type Position struct {
	Point

	// AccuracyM is the reported horizontal accuracy in meters. Zero means
	// unknown.
	AccuracyM float64 `json:"accuracy_m,omitempty" msgpack:"accuracy_m,omitempty"`

	// SampledAt is when the fix was taken.
	SampledAt time.Time `json:"sampled_at" msgpack:"sampled_at"`
}

// Age returns how old the fix is at now.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.SampledAt)
}

// DistanceKm returns the haversine great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// DistanceM returns the haversine distance between a and b in meters.
func DistanceM(a, b Point) float64 {
	return DistanceKm(a, b) * 1000
}

// Box is a latitude/longitude bounding box.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Contains reports whether p lies inside the box.
func (b Box) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// BoundingBox returns a box that contains every point within radiusKm of
// center. It is a prefilter; callers refine with DistanceKm.
func BoundingBox(center Point, radiusKm float64) Box {
	dLat := degrees(radiusKm / EarthRadiusKm)
	box := Box{
		MinLat: math.Max(-90, center.Lat-dLat),
		MaxLat: math.Min(90, center.Lat+dLat),
		MinLng: -180,
		MaxLng: 180,
	}

	// Near the poles the longitude span covers everything.
	cosLat := math.Cos(radians(center.Lat))
	if cosLat > 1e-9 {
		dLng := degrees(radiusKm / (EarthRadiusKm * cosLat))
		if dLng < 180 {
			box.MinLng = center.Lng - dLng
			box.MaxLng = center.Lng + dLng
		}
	}
	return box
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
