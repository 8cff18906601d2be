// Package rules implements the pair rule engine: priority-tagged weighted
// predicates over two target tracks, rule sets with aggregated evaluation,
// named presets, and relational preset persistence.
package rules

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/formation.report/internal/geo"
	"github.com/banshee-data/formation.report/internal/track"
)

// Priority orders rules; smaller values are stronger.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityOptional

	MaxPriority = PriorityOptional
)

var priorityNames = map[Priority]string{
	PriorityCritical: "CRITICAL",
	PriorityHigh:     "HIGH",
	PriorityMedium:   "MEDIUM",
	PriorityLow:      "LOW",
	PriorityOptional: "OPTIONAL",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority maps a name to a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("rules: unknown priority %q", s)
}

// Context carries everything a rule may examine for one pair at one time.
type Context struct {
	Track1, Track2 *track.Track
	State1, State2 *track.State
	Features1      *track.MotionFeatures
	Features2      *track.MotionFeatures
	Now            time.Time
	Params         map[string]interface{}
}

// Result is one rule's verdict on a pair.
type Result struct {
	Passed     bool                   `json:"passed"`
	Confidence float64                `json:"confidence"`
	Priority   Priority               `json:"priority"`
	Message    string                 `json:"message,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Stats counts evaluations per rule.
type Stats struct {
	Evaluations int64 `json:"evaluations"`
	Passed      int64 `json:"passed"`
	Failed      int64 `json:"failed"`
}

// Rule is a named, priority-tagged, enable-able, weighted pair predicate.
type Rule interface {
	Name() string
	Priority() Priority
	Enabled() bool
	SetEnabled(bool)
	Weight() float64
	SetWeight(float64)
	Evaluate(ctx *Context) Result
	Stats() Stats
	Config() Config
}

// base carries the fields shared by every rule kind.
type base struct {
	name     string
	priority Priority

	mu      sync.Mutex
	enabled bool
	weight  float64
	stats   Stats
}

func newBase(name string, priority Priority) base {
	return base{name: name, priority: priority, enabled: true, weight: 1.0}
}

func (b *base) Name() string       { return b.name }
func (b *base) Priority() Priority { return b.priority }

func (b *base) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *base) SetEnabled(v bool) {
	b.mu.Lock()
	b.enabled = v
	b.mu.Unlock()
}

func (b *base) Weight() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.weight
}

func (b *base) SetWeight(w float64) {
	b.mu.Lock()
	b.weight = w
	b.mu.Unlock()
}

func (b *base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *base) record(passed bool) {
	b.mu.Lock()
	b.stats.Evaluations++
	if passed {
		b.stats.Passed++
	} else {
		b.stats.Failed++
	}
	b.mu.Unlock()
}

// DistanceRule passes when horizontal separation lies within [Min, Max]
// metres. Confidence peaks at the band centre and is clamped to [0.5, 1].
type DistanceRule struct {
	base
	Min, Max float64
}

func NewDistanceRule(name string, min, max float64, priority Priority) *DistanceRule {
	return &DistanceRule{base: newBase(name, priority), Min: min, Max: max}
}

func (r *DistanceRule) Evaluate(ctx *Context) Result {
	d := ctx.State1.Position.DistanceTo(ctx.State2.Position)
	if d < r.Min || d > r.Max {
		r.record(false)
		return Result{
			Priority: r.priority,
			Message:  fmt.Sprintf("distance %.0fm outside [%.0f, %.0f]", d, r.Min, r.Max),
			Details:  map[string]interface{}{"distance_m": d},
		}
	}
	mid := (r.Min + r.Max) / 2
	conf := 1 - math.Abs(d-mid)/(r.Max-r.Min)
	conf = math.Max(0.5, math.Min(1, conf))
	r.record(true)
	return Result{
		Passed:     true,
		Confidence: conf,
		Priority:   r.priority,
		Message:    fmt.Sprintf("distance %.0fm", d),
		Details:    map[string]interface{}{"distance_m": d},
	}
}

// AltitudeRule passes when vertical separation is at most MaxDelta metres.
// Pairs sharing an altitude layer earn a bonus when SameLayerPreferred.
type AltitudeRule struct {
	base
	MaxDelta           float64
	SameLayerPreferred bool
}

func NewAltitudeRule(name string, maxDelta float64, sameLayerPreferred bool, priority Priority) *AltitudeRule {
	return &AltitudeRule{base: newBase(name, priority), MaxDelta: maxDelta, SameLayerPreferred: sameLayerPreferred}
}

func (r *AltitudeRule) Evaluate(ctx *Context) Result {
	dv := ctx.State1.Position.VerticalDistanceTo(ctx.State2.Position)
	if dv > r.MaxDelta {
		r.record(false)
		return Result{
			Priority: r.priority,
			Message:  fmt.Sprintf("altitude gap %.0fm exceeds %.0fm", dv, r.MaxDelta),
			Details:  map[string]interface{}{"vertical_m": dv},
		}
	}
	conf := 1 - dv/r.MaxDelta
	layer1 := geo.LayerForAltitude(ctx.State1.Position.Altitude)
	layer2 := geo.LayerForAltitude(ctx.State2.Position.Altitude)
	if r.SameLayerPreferred && layer1 == layer2 {
		conf = math.Min(1, conf+0.1)
	}
	r.record(true)
	return Result{
		Passed:     true,
		Confidence: conf,
		Priority:   r.priority,
		Message:    fmt.Sprintf("altitude gap %.0fm", dv),
		Details:    map[string]interface{}{"vertical_m": dv, "layer1": string(layer1), "layer2": string(layer2)},
	}
}

// SpeedRule passes when the speed gap and speed ratio both stay within
// bounds. The slower speed is floored at 1 m/s for the ratio.
type SpeedRule struct {
	base
	MaxDelta float64
	MaxRatio float64
}

func NewSpeedRule(name string, maxDelta, maxRatio float64, priority Priority) *SpeedRule {
	return &SpeedRule{base: newBase(name, priority), MaxDelta: maxDelta, MaxRatio: maxRatio}
}

func (r *SpeedRule) Evaluate(ctx *Context) Result {
	s1, s2 := ctx.State1.Speed, ctx.State2.Speed
	delta := math.Abs(s1 - s2)
	slower := math.Max(math.Min(s1, s2), 1)
	ratio := math.Max(s1, s2) / slower
	if delta > r.MaxDelta || ratio > r.MaxRatio {
		r.record(false)
		return Result{
			Priority: r.priority,
			Message:  fmt.Sprintf("speed gap %.1fm/s ratio %.2f outside limits", delta, ratio),
			Details:  map[string]interface{}{"delta_mps": delta, "ratio": ratio},
		}
	}
	r.record(true)
	return Result{
		Passed:     true,
		Confidence: 1 - delta/r.MaxDelta,
		Priority:   r.priority,
		Message:    fmt.Sprintf("speed gap %.1fm/s", delta),
		Details:    map[string]interface{}{"delta_mps": delta, "ratio": ratio},
	}
}

// HeadingRule passes on shortest-arc heading agreement within MaxDelta
// degrees, or on reciprocal headings when AllowReciprocal. Reciprocal
// matches are discounted by 0.7.
type HeadingRule struct {
	base
	MaxDelta        float64
	AllowReciprocal bool
}

func NewHeadingRule(name string, maxDelta float64, allowReciprocal bool, priority Priority) *HeadingRule {
	return &HeadingRule{base: newBase(name, priority), MaxDelta: maxDelta, AllowReciprocal: allowReciprocal}
}

func (r *HeadingRule) Evaluate(ctx *Context) Result {
	diff := geo.AbsHeadingDiff(ctx.State1.Heading, ctx.State2.Heading)
	if diff <= r.MaxDelta {
		r.record(true)
		return Result{
			Passed:     true,
			Confidence: 1 - diff/r.MaxDelta,
			Priority:   r.priority,
			Message:    fmt.Sprintf("heading gap %.1f°", diff),
			Details:    map[string]interface{}{"diff_deg": diff},
		}
	}
	if r.AllowReciprocal {
		recip := math.Abs(diff - 180)
		if recip <= r.MaxDelta {
			r.record(true)
			return Result{
				Passed:     true,
				Confidence: 0.7 * (1 - recip/r.MaxDelta),
				Priority:   r.priority,
				Message:    fmt.Sprintf("reciprocal headings, gap %.1f°", recip),
				Details:    map[string]interface{}{"diff_deg": diff, "reciprocal": true},
			}
		}
	}
	r.record(false)
	return Result{
		Priority: r.priority,
		Message:  fmt.Sprintf("heading gap %.1f° exceeds %.1f°", diff, r.MaxDelta),
		Details:  map[string]interface{}{"diff_deg": diff},
	}
}

// DefaultHostilePairs is the built-in hostile nation table. The set is
// configurable per rule; comparison is order-insensitive.
var DefaultHostilePairs = [][2]string{
	{"RED", "BLUE"},
	{"ENEMY", "FRIEND"},
}

// AttributeRule fails hostile nation pairs and, when both sides carry the
// field, mismatched alliances or theatres.
type AttributeRule struct {
	base
	HostileCheck bool
	SameAlliance bool
	SameTheater  bool
	HostilePairs [][2]string
}

func NewAttributeRule(name string, hostileCheck, sameAlliance, sameTheater bool, priority Priority) *AttributeRule {
	return &AttributeRule{
		base:         newBase(name, priority),
		HostileCheck: hostileCheck,
		SameAlliance: sameAlliance,
		SameTheater:  sameTheater,
		HostilePairs: DefaultHostilePairs,
	}
}

func (r *AttributeRule) hostile(n1, n2 string) bool {
	for _, p := range r.HostilePairs {
		if (n1 == p[0] && n2 == p[1]) || (n1 == p[1] && n2 == p[0]) {
			return true
		}
	}
	return false
}

func (r *AttributeRule) Evaluate(ctx *Context) Result {
	a1, a2 := ctx.Track1.Attributes, ctx.Track2.Attributes

	if r.HostileCheck && a1.Nation != "" && a2.Nation != "" && r.hostile(a1.Nation, a2.Nation) {
		r.record(false)
		return Result{
			Priority: PriorityCritical,
			Message:  fmt.Sprintf("hostile nations %s vs %s", a1.Nation, a2.Nation),
			Details:  map[string]interface{}{"nation1": a1.Nation, "nation2": a2.Nation},
		}
	}
	if r.SameAlliance && a1.Alliance != "" && a2.Alliance != "" && a1.Alliance != a2.Alliance {
		r.record(false)
		return Result{
			Priority: r.priority,
			Message:  fmt.Sprintf("alliances differ: %s vs %s", a1.Alliance, a2.Alliance),
			Details:  map[string]interface{}{"alliance1": a1.Alliance, "alliance2": a2.Alliance},
		}
	}
	if r.SameTheater && a1.Theater != "" && a2.Theater != "" && a1.Theater != a2.Theater {
		r.record(false)
		return Result{
			Priority: r.priority,
			Message:  fmt.Sprintf("theatres differ: %s vs %s", a1.Theater, a2.Theater),
			Details:  map[string]interface{}{"theater1": a1.Theater, "theater2": a2.Theater},
		}
	}
	r.record(true)
	return Result{Passed: true, Confidence: 1, Priority: r.priority, Message: "attributes compatible"}
}

// PlatformTypeRule vetoes forbidden platform pairings and upweights
// preferred ones. Unknown types pass at reduced confidence. Confidence 1.2
// for preferred pairs is an intentional upweight into the aggregate.
type PlatformTypeRule struct {
	base
	AllowedPairs   [][2]track.PlatformType
	ForbiddenPairs [][2]track.PlatformType
}

func NewPlatformTypeRule(name string, allowed, forbidden [][2]track.PlatformType, priority Priority) *PlatformTypeRule {
	return &PlatformTypeRule{base: newBase(name, priority), AllowedPairs: allowed, ForbiddenPairs: forbidden}
}

func pairMatch(t1, t2 track.PlatformType, p [2]track.PlatformType) bool {
	return (t1 == p[0] && t2 == p[1]) || (t1 == p[1] && t2 == p[0])
}

func (r *PlatformTypeRule) Evaluate(ctx *Context) Result {
	t1 := ctx.Track1.Attributes.Type
	t2 := ctx.Track2.Attributes.Type

	if t1 == "" || t1 == track.PlatformUnknown || t2 == "" || t2 == track.PlatformUnknown {
		r.record(true)
		return Result{Passed: true, Confidence: 0.8, Priority: r.priority, Message: "platform type unknown"}
	}
	for _, p := range r.ForbiddenPairs {
		if pairMatch(t1, t2, p) {
			r.record(false)
			return Result{
				Priority: r.priority,
				Message:  fmt.Sprintf("forbidden pairing %s/%s", t1, t2),
				Details:  map[string]interface{}{"type1": string(t1), "type2": string(t2)},
			}
		}
	}
	conf := 0.9
	for _, p := range r.AllowedPairs {
		if pairMatch(t1, t2, p) {
			conf = 1.2
			break
		}
	}
	r.record(true)
	return Result{
		Passed:     true,
		Confidence: conf,
		Priority:   r.priority,
		Message:    fmt.Sprintf("pairing %s/%s", t1, t2),
		Details:    map[string]interface{}{"type1": string(t1), "type2": string(t2)},
	}
}

// CustomRule wraps a user predicate.
type CustomRule struct {
	base
	fn func(*Context) Result
}

func NewCustomRule(name string, priority Priority, fn func(*Context) Result) *CustomRule {
	return &CustomRule{base: newBase(name, priority), fn: fn}
}

func (r *CustomRule) Evaluate(ctx *Context) Result {
	res := r.fn(ctx)
	res.Priority = r.priority
	r.record(res.Passed)
	return res
}
