// Package geo provides the position and heading primitives used by the
// formation recognition pipeline. Horizontal distances use an equirectangular
// projection local to the latitudes of interest; no ellipsoidal accuracy is
// attempted.
package geo

import "math"

// Projection scale factors in metres per degree.
const (
	MetersPerDegreeLon = 111320.0 // scaled by cos(latitude)
	MetersPerDegreeLat = 110540.0
)

// Position is a geographic position: longitude and latitude in degrees,
// altitude in metres.
type Position struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Altitude  float64 `json:"altitude"`
}

// X returns the eastward coordinate in metres under the local
// equirectangular projection.
func (p Position) X() float64 {
	return p.Longitude * MetersPerDegreeLon * math.Cos(p.Latitude*math.Pi/180)
}

// Y returns the northward coordinate in metres.
func (p Position) Y() float64 {
	return p.Latitude * MetersPerDegreeLat
}

// DistanceTo returns the horizontal distance to other in metres. The
// longitude delta is scaled by the cosine of the receiver's latitude; the
// asymmetry between endpoints is tolerated at the precision required.
func (p Position) DistanceTo(other Position) float64 {
	dx := (p.Longitude - other.Longitude) * MetersPerDegreeLon * math.Cos(p.Latitude*math.Pi/180)
	dy := (p.Latitude - other.Latitude) * MetersPerDegreeLat
	return math.Hypot(dx, dy)
}

// VerticalDistanceTo returns |Δaltitude| in metres.
func (p Position) VerticalDistanceTo(other Position) float64 {
	return math.Abs(p.Altitude - other.Altitude)
}

// HeadingDiff returns the minimum signed angular difference h2-h1 normalised
// to (-180, 180].
func HeadingDiff(h1, h2 float64) float64 {
	d := math.Mod(h2-h1+180, 360)
	if d < 0 {
		d += 360
	}
	d -= 180
	if d == -180 {
		// Exactly-opposite headings normalise to the positive bound.
		d = 180
	}
	return d
}

// AbsHeadingDiff returns the unsigned minimum angular difference in [0, 180].
func AbsHeadingDiff(h1, h2 float64) float64 {
	return math.Abs(HeadingDiff(h1, h2))
}

// InterpolateHeading returns the shortest-arc interpolation between h1 and h2
// at fraction f in [0,1]. The result is normalised to [0, 360).
func InterpolateHeading(h1, h2, f float64) float64 {
	h := math.Mod(h1+HeadingDiff(h1, h2)*f, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// NormalizeHeading maps any angle to [0, 360).
func NormalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// AltitudeLayer is a coarse band used by the altitude rule and the formation
// motion summary.
type AltitudeLayer string

const (
	LayerUltraLow AltitudeLayer = "UltraLow" // below 1000 m
	LayerLow      AltitudeLayer = "Low"      // below 3000 m
	LayerMedium   AltitudeLayer = "Medium"   // below 7000 m
	LayerHigh     AltitudeLayer = "High"     // below 12000 m
	LayerVeryHigh AltitudeLayer = "VeryHigh" // 12000 m and above
)

// LayerForAltitude classifies an altitude in metres into its layer.
func LayerForAltitude(alt float64) AltitudeLayer {
	switch {
	case alt < 1000:
		return LayerUltraLow
	case alt < 3000:
		return LayerLow
	case alt < 7000:
		return LayerMedium
	case alt < 12000:
		return LayerHigh
	default:
		return LayerVeryHigh
	}
}

// BoundingBox is an axis-aligned box over positions.
type BoundingBox struct {
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinAlt float64 `json:"min_alt"`
	MaxAlt float64 `json:"max_alt"`
}

// Extend grows the box to include p. The zero box must be initialised with
// the first position before Extend is meaningful; use NewBoundingBox.
func (b *BoundingBox) Extend(p Position) {
	b.MinLon = math.Min(b.MinLon, p.Longitude)
	b.MaxLon = math.Max(b.MaxLon, p.Longitude)
	b.MinLat = math.Min(b.MinLat, p.Latitude)
	b.MaxLat = math.Max(b.MaxLat, p.Latitude)
	b.MinAlt = math.Min(b.MinAlt, p.Altitude)
	b.MaxAlt = math.Max(b.MaxAlt, p.Altitude)
}

// NewBoundingBox returns a box containing exactly p.
func NewBoundingBox(p Position) BoundingBox {
	return BoundingBox{
		MinLon: p.Longitude, MaxLon: p.Longitude,
		MinLat: p.Latitude, MaxLat: p.Latitude,
		MinAlt: p.Altitude, MaxAlt: p.Altitude,
	}
}

// Center returns the box midpoint.
func (b BoundingBox) Center() Position {
	return Position{
		Longitude: (b.MinLon + b.MaxLon) / 2,
		Latitude:  (b.MinLat + b.MaxLat) / 2,
		Altitude:  (b.MinAlt + b.MaxAlt) / 2,
	}
}

// CoverageAreaKm2 returns the projected area of the box in km², evaluated at
// the latitude of the box centre.
func (b BoundingBox) CoverageAreaKm2() float64 {
	center := b.Center()
	width := (b.MaxLon - b.MinLon) * MetersPerDegreeLon * math.Cos(center.Latitude*math.Pi/180)
	height := (b.MaxLat - b.MinLat) * MetersPerDegreeLat
	return width * height / 1e6
}
