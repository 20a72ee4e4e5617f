package domain

import "math"

// GeoTier is the precision level a coordinate pair was resolved at.
// The zero value means ungeocoded.
type GeoTier string

const (
	TierNone      GeoTier = ""
	TierEstimated GeoTier = "estimated"
	TierRegion    GeoTier = "region"
	TierProvince  GeoTier = "province"
	TierDistrict  GeoTier = "district"
	TierSpecific  GeoTier = "specific"
)

var tierRank = map[GeoTier]int{
	TierNone:      0,
	TierEstimated: 1,
	TierRegion:    2,
	TierProvince:  3,
	TierDistrict:  4,
	TierSpecific:  5,
}

// Rank orders tiers from 0 (none) to 5 (specific). Unknown tiers rank -1.
func (t GeoTier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// Valid reports membership in the tier order.
func (t GeoTier) Valid() bool {
	return t.Rank() >= 0
}

// MorePreciseThan compares two tiers.
func (t GeoTier) MorePreciseThan(other GeoTier) bool {
	return t.Rank() > other.Rank()
}

// GeoTiers lists tiers from most to least precise, excluding none.
func GeoTiers() []GeoTier {
	return []GeoTier{TierSpecific, TierDistrict, TierProvince, TierRegion, TierEstimated}
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64
	Lon float64
}

// Usable rejects NaN, out-of-range values and the 0,0 null island.
func (c Coordinates) Usable() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return false
	}
	return !(c.Lat == 0 && c.Lon == 0)
}

// GazetteerPlace is a static reference place with its centroid.
type GazetteerPlace struct {
	PlaceID  string
	Region   string
	Province string
	District string
	Lat      float64
	Lon      float64
}

// Centroid returns the place coordinates.
func (p GazetteerPlace) Centroid() Coordinates {
	return Coordinates{Lat: p.Lat, Lon: p.Lon}
}
