// Package track provides target state history: timestamped observations,
// gap-bounded segmentation, interpolation, and per-state motion features.
package track

import (
	"time"

	"github.com/banshee-data/formation.report/internal/geo"
)

// PlatformType is the enumerated airframe category carried in target
// attributes. Unrecognised inputs map to PlatformUnknown.
type PlatformType string

const (
	PlatformFighter    PlatformType = "Fighter"
	PlatformBomber     PlatformType = "Bomber"
	PlatformAWACS      PlatformType = "AWACS"
	PlatformEW         PlatformType = "EW"
	PlatformTanker     PlatformType = "Tanker"
	PlatformTransport  PlatformType = "Transport"
	PlatformUAV        PlatformType = "UAV"
	PlatformHelicopter PlatformType = "Helicopter"
	PlatformUnknown    PlatformType = "Unknown"
)

// ParsePlatformType maps a string to a known platform type, defaulting to
// PlatformUnknown.
func ParsePlatformType(s string) PlatformType {
	switch PlatformType(s) {
	case PlatformFighter, PlatformBomber, PlatformAWACS, PlatformEW,
		PlatformTanker, PlatformTransport, PlatformUAV, PlatformHelicopter:
		return PlatformType(s)
	default:
		return PlatformUnknown
	}
}

// Attributes are the slowly-changing descriptive fields of a target.
// Comparison is exact string equality.
type Attributes struct {
	Type     PlatformType `json:"type"`
	Nation   string       `json:"nation,omitempty"`
	Alliance string       `json:"alliance,omitempty"`
	Theater  string       `json:"theater,omitempty"`
	Airport  string       `json:"airport,omitempty"`
	Squadron string       `json:"squadron,omitempty"`
	Mission  string       `json:"mission,omitempty"`
}

// State is a single timestamped observation of a target. Immutable once
// published.
type State struct {
	Timestamp time.Time    `json:"timestamp"`
	Position  geo.Position `json:"position"`
	Heading   float64      `json:"heading"` // degrees, [0,360) with 0/360 equivalence
	Speed     float64      `json:"speed"`   // m/s, >= 0
	Pitch     float64      `json:"pitch,omitempty"`
	Roll      float64      `json:"roll,omitempty"`
}

// MotionFeatures are per-state derivatives computed with centred finite
// differences; they require both neighbours and are zero otherwise.
type MotionFeatures struct {
	Acceleration float64 `json:"acceleration"` // m/s²
	TurnRate     float64 `json:"turn_rate"`    // deg/s
	ClimbRate    float64 `json:"climb_rate"`   // m/s
	Maneuvering  bool    `json:"maneuvering"`
}

// Thresholds for the manoeuvring flag.
const (
	ManeuverTurnRateDegPerSec = 5.0
	ManeuverAccelMps2         = 2.0
)
