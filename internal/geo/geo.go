package geo

import (
	"math"

	"github.com/example/bus-ridership-hub/internal/models"
)

const earthRadiusMeters = 6371000.0

// DefaultSpeedMps is the nominal bus approach speed used for ETAs.
const DefaultSpeedMps = 5.0

// DistanceMeters is the haversine great-circle distance in meters.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Between is DistanceMeters for two coordinates.
func Between(a, b models.Coord) float64 {
	return DistanceMeters(a.Lat, a.Lon, b.Lat, b.Lon)
}

type Estimate struct {
	DistanceMeters float64
	EtaSeconds     int
}

// EstimateFor returns distance and ETA between a bus and a rider. ok is false
// when either position has not been reported yet.
func EstimateFor(bus, rider *models.Coord, speedMps float64) (Estimate, bool) {
	if bus == nil || rider == nil {
		return Estimate{}, false
	}
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	d := Between(*bus, *rider)
	return Estimate{DistanceMeters: d, EtaSeconds: int(math.Round(d / speedMps))}, true
}

// Displacement is the distance moved between two successive reports, 0 when
// there is no previous report.
func Displacement(prev, next *models.Coord) float64 {
	if prev == nil || next == nil {
		return 0
	}
	return Between(*prev, *next)
}
