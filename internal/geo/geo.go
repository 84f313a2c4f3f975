// Package geo holds the distance, bearing and geofence helpers used by the
// filter engine and the config validator.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"

	"github.com/nappa85/Pokifications-sub000/internal/model"
)

// Distance returns the great-circle distance between two points in km.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	return orbgeo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2}) / 1000
}

// RhumbBearing returns the constant-heading bearing from the first point to
// the second, in degrees within [0, 360).
func RhumbBearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	dPsi := math.Log(math.Tan(math.Pi/4+phi2/2) / math.Tan(math.Pi/4+phi1/2))
	if math.Abs(dLambda) > math.Pi {
		if dLambda > 0 {
			dLambda = -(2*math.Pi - dLambda)
		} else {
			dLambda = 2*math.Pi + dLambda
		}
	}

	deg := math.Atan2(dLambda, dPsi) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Centered is the glyph used when the event sits on the reference point.
const Centered = "⊙"

var octants = [8]string{"↑", "↗", "→", "↘", "↓", "↙", "←", "↖"}

// Octant quantizes a bearing to one of eight compass arrows.
func Octant(bearing float64) string {
	idx := int(math.Floor(math.Mod(bearing+22.5+360, 360) / 45))
	return octants[idx%8]
}

// Direction returns the arrow pointing from the reference point to the
// event, or Centered when the distance is zero.
func Direction(distance, bearing float64) string {
	if distance == 0 {
		return Centered
	}
	return Octant(bearing)
}

// Polygon converts a city boundary into an orb polygon, closing the ring
// when needed.
func Polygon(points []model.LatLon) orb.Polygon {
	ring := make(orb.Ring, 0, len(points)+1)
	for _, p := range points {
		ring = append(ring, orb.Point{p.Lon, p.Lat})
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}
}

// Contains reports whether the point lies within the city boundary.
func Contains(city *model.City, lat, lon float64) bool {
	if city == nil || len(city.Polygon) < 3 {
		return false
	}
	return planar.PolygonContains(Polygon(city.Polygon), orb.Point{lon, lat})
}
