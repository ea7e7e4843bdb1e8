package geo

import "math"

// earthRadiusM is the mean earth radius used for haversine distances.
const earthRadiusM = 6371000.0

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Result reports a geofence evaluation.
type Result struct {
	Inside    bool    `json:"inside"`
	DistanceM float64 `json:"distance_m"`
}

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// Floating-point overshoot near antipodal points can push h a hair
	// outside [0,1], which would make Sqrt/Asin return NaN.
	if h < 0 {
		h = 0
	}
	if h > 1 {
		h = 1
	}
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// Evaluate decides whether point falls within radiusM meters of center.
func Evaluate(center Coordinate, radiusM float64, point Coordinate) Result {
	d := Distance(center, point)
	return Result{Inside: d <= radiusM, DistanceM: d}
}
