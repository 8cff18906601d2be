// Package formation defines the formation result model and its persistent
// store with time and date indexes under a retention window.
package formation

import (
	"time"

	"github.com/banshee-data/formation.report/internal/geo"
	"github.com/banshee-data/formation.report/internal/track"
)

// Member is one aircraft in a recognised formation. Attributes carries the
// full identity set; Platform duplicates its type for flat consumers.
type Member struct {
	TargetID   string             `json:"target_id"`
	TargetName string             `json:"target_name,omitempty"`
	Platform   track.PlatformType `json:"platform"`
	Attributes track.Attributes   `json:"attributes"`
	JoinedAt   time.Time          `json:"joined_at"`
	States     []track.State      `json:"states,omitempty"`
}

// SpatialSummary describes where a formation is.
type SpatialSummary struct {
	Box             geo.BoundingBox `json:"box"`
	Center          geo.Position    `json:"center"`
	CoverageAreaKm2 float64         `json:"coverage_area_km2"`
}

// MotionSummary describes how a formation moves. Heading statistics are
// circular; cohesion is 1 minus the heading spread over a half-turn.
type MotionSummary struct {
	SpeedMean     float64           `json:"speed_mean"`
	SpeedStd      float64           `json:"speed_std"`
	HeadingMean   float64           `json:"heading_mean"`
	HeadingStd    float64           `json:"heading_std"`
	AltitudeLayer geo.AltitudeLayer `json:"altitude_layer"`
	Cohesion      float64           `json:"cohesion"`
}

// Formation is one recognised group of targets over a time range.
type Formation struct {
	ID            string             `json:"id"`
	Type          string             `json:"type"`
	Confidence    float64            `json:"confidence"`
	Members       []Member           `json:"members"`
	StartTime     time.Time          `json:"start_time"`
	EndTime       time.Time          `json:"end_time"`
	CreatedAt     time.Time          `json:"created_at"`
	Spatial       SpatialSummary     `json:"spatial"`
	Motion        MotionSummary      `json:"motion"`
	AppliedRules  []string           `json:"applied_rules,omitempty"`
	RulePassRates map[string]float64 `json:"rule_pass_rates,omitempty"`
}

// MemberIDs returns the member target ids in member order.
func (f *Formation) MemberIDs() []string {
	out := make([]string, 0, len(f.Members))
	for _, m := range f.Members {
		out = append(out, m.TargetID)
	}
	return out
}

// Cohesion converts a circular heading standard deviation (degrees) to the
// [0,1] cohesion score.
func Cohesion(headingStdDeg float64) float64 {
	c := 1 - headingStdDeg/180
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
