package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/formation.report/internal/track"
)

// Rule kind names used in declarative configs.
const (
	KindDistance     = "Distance"
	KindAltitude     = "Altitude"
	KindSpeed        = "Speed"
	KindHeading      = "Heading"
	KindAttribute    = "Attribute"
	KindPlatformType = "PlatformType"
)

// Params is the typed parameter record of a rule config. Pointer fields
// distinguish unset from zero.
type Params struct {
	MinDistance        *float64    `json:"min_distance,omitempty"`
	MaxDistance        *float64    `json:"max_distance,omitempty"`
	MaxAltitudeDelta   *float64    `json:"max_altitude_delta,omitempty"`
	SameLayerPreferred *bool       `json:"same_layer_preferred,omitempty"`
	MaxSpeedDelta      *float64    `json:"max_speed_delta,omitempty"`
	MaxSpeedRatio      *float64    `json:"max_speed_ratio,omitempty"`
	MaxHeadingDelta    *float64    `json:"max_heading_delta,omitempty"`
	AllowReciprocal    *bool       `json:"allow_reciprocal,omitempty"`
	HostileCheck       *bool       `json:"hostile_check,omitempty"`
	SameAlliance       *bool       `json:"same_alliance,omitempty"`
	SameTheater        *bool       `json:"same_theater,omitempty"`
	HostilePairs       [][2]string `json:"hostile_pairs,omitempty"`
	AllowedPairs       [][2]string `json:"allowed_pairs,omitempty"`
	ForbiddenPairs     [][2]string `json:"forbidden_pairs,omitempty"`
}

// Config is the declarative value record of a rule, convertible to and from
// JSON for preset storage.
type Config struct {
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	Priority string  `json:"priority"`
	Enabled  bool    `json:"enabled"`
	Weight   float64 `json:"weight"`
	Params   Params  `json:"params"`
}

func floatOr(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

func platformPairs(pairs [][2]string) [][2]track.PlatformType {
	out := make([][2]track.PlatformType, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, [2]track.PlatformType{track.PlatformType(p[0]), track.PlatformType(p[1])})
	}
	return out
}

func stringPairs(pairs [][2]track.PlatformType) [][2]string {
	out := make([][2]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, [2]string{string(p[0]), string(p[1])})
	}
	return out
}

// BuildRule materialises a config into a rule. Custom rules are code-only
// and cannot be built from configs.
func BuildRule(cfg Config) (Rule, error) {
	priority, err := ParsePriority(cfg.Priority)
	if err != nil {
		return nil, err
	}

	var rule Rule
	switch cfg.Kind {
	case KindDistance:
		rule = NewDistanceRule(cfg.Name, floatOr(cfg.Params.MinDistance, 0), floatOr(cfg.Params.MaxDistance, 5000), priority)
	case KindAltitude:
		rule = NewAltitudeRule(cfg.Name, floatOr(cfg.Params.MaxAltitudeDelta, 1000), boolOr(cfg.Params.SameLayerPreferred, true), priority)
	case KindSpeed:
		rule = NewSpeedRule(cfg.Name, floatOr(cfg.Params.MaxSpeedDelta, 50), floatOr(cfg.Params.MaxSpeedRatio, 1.5), priority)
	case KindHeading:
		rule = NewHeadingRule(cfg.Name, floatOr(cfg.Params.MaxHeadingDelta, 30), boolOr(cfg.Params.AllowReciprocal, false), priority)
	case KindAttribute:
		ar := NewAttributeRule(cfg.Name, boolOr(cfg.Params.HostileCheck, true), boolOr(cfg.Params.SameAlliance, true), boolOr(cfg.Params.SameTheater, true), priority)
		if len(cfg.Params.HostilePairs) > 0 {
			ar.HostilePairs = cfg.Params.HostilePairs
		}
		rule = ar
	case KindPlatformType:
		rule = NewPlatformTypeRule(cfg.Name, platformPairs(cfg.Params.AllowedPairs), platformPairs(cfg.Params.ForbiddenPairs), priority)
	default:
		return nil, fmt.Errorf("rules: unknown rule kind %q", cfg.Kind)
	}

	rule.SetEnabled(cfg.Enabled)
	if cfg.Weight > 0 {
		rule.SetWeight(cfg.Weight)
	}
	return rule, nil
}

func (b *base) configShell(kind string) Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Config{
		Name:     b.name,
		Kind:     kind,
		Priority: b.priority.String(),
		Enabled:  b.enabled,
		Weight:   b.weight,
	}
}

func (r *DistanceRule) Config() Config {
	cfg := r.configShell(KindDistance)
	cfg.Params = Params{MinDistance: fptr(r.Min), MaxDistance: fptr(r.Max)}
	return cfg
}

func (r *AltitudeRule) Config() Config {
	cfg := r.configShell(KindAltitude)
	cfg.Params = Params{MaxAltitudeDelta: fptr(r.MaxDelta), SameLayerPreferred: bptr(r.SameLayerPreferred)}
	return cfg
}

func (r *SpeedRule) Config() Config {
	cfg := r.configShell(KindSpeed)
	cfg.Params = Params{MaxSpeedDelta: fptr(r.MaxDelta), MaxSpeedRatio: fptr(r.MaxRatio)}
	return cfg
}

func (r *HeadingRule) Config() Config {
	cfg := r.configShell(KindHeading)
	cfg.Params = Params{MaxHeadingDelta: fptr(r.MaxDelta), AllowReciprocal: bptr(r.AllowReciprocal)}
	return cfg
}

func (r *AttributeRule) Config() Config {
	cfg := r.configShell(KindAttribute)
	cfg.Params = Params{
		HostileCheck: bptr(r.HostileCheck),
		SameAlliance: bptr(r.SameAlliance),
		SameTheater:  bptr(r.SameTheater),
		HostilePairs: r.HostilePairs,
	}
	return cfg
}

func (r *PlatformTypeRule) Config() Config {
	cfg := r.configShell(KindPlatformType)
	cfg.Params = Params{
		AllowedPairs:   stringPairs(r.AllowedPairs),
		ForbiddenPairs: stringPairs(r.ForbiddenPairs),
	}
	return cfg
}

// Config for a custom rule records its identity only; the predicate lives in
// code.
func (r *CustomRule) Config() Config {
	return r.configShell("Custom")
}

// PairEvaluation aggregates a rule set's verdict on one pair.
type PairEvaluation struct {
	Passed     bool
	Confidence float64
	Results    map[string]Result
}

// Set is an ordered collection of rules evaluated together.
type Set struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewSet creates a set with the given rules.
func NewSet(rules ...Rule) *Set {
	s := &Set{}
	s.rules = append(s.rules, rules...)
	return s
}

// Add appends a rule.
func (s *Set) Add(r Rule) {
	s.mu.Lock()
	s.rules = append(s.rules, r)
	s.mu.Unlock()
}

// Remove deletes the named rule and reports whether it was present.
func (s *Set) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.Name() == name {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the named rule.
func (s *Set) Get(name string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

// Rules returns a snapshot of the rule list.
func (s *Set) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Replace swaps the whole rule list atomically.
func (s *Set) Replace(rules []Rule) {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	s.mu.Lock()
	s.rules = cp
	s.mu.Unlock()
}

// Clear removes all rules.
func (s *Set) Clear() {
	s.Replace(nil)
}

// Configs returns the declarative form of every rule.
func (s *Set) Configs() []Config {
	rules := s.Rules()
	out := make([]Config, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Config())
	}
	return out
}

// priorityWeight inverts the priority level so stronger priorities weigh
// more in the aggregate. The raw level would zero out CRITICAL entirely.
func priorityWeight(p Priority) float64 {
	return float64(MaxPriority + 1 - p)
}

// EvaluatePair runs every enabled rule against the pair, in priority order.
// The first failing CRITICAL rule short-circuits to a zero-confidence fail.
// Aggregate confidence is the priority-and-weight weighted mean of passing
// rule confidences; the aggregate passes only when every evaluated rule did.
func (s *Set) EvaluatePair(ctx *Context) PairEvaluation {
	rules := s.Rules()
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority() < rules[j].Priority()
	})

	eval := PairEvaluation{Results: make(map[string]Result, len(rules))}
	var num, den float64
	allPassed := true
	evaluated := 0

	for _, r := range rules {
		if !r.Enabled() {
			continue
		}
		res := r.Evaluate(ctx)
		eval.Results[r.Name()] = res
		evaluated++

		if !res.Passed {
			if r.Priority() == PriorityCritical {
				eval.Passed = false
				eval.Confidence = 0
				return eval
			}
			allPassed = false
			continue
		}

		pw := priorityWeight(r.Priority())
		num += res.Confidence * r.Weight() * pw
		den += pw
	}

	eval.Passed = allPassed
	if den > 0 {
		eval.Confidence = num / den
	}
	if evaluated == 0 {
		eval.Passed = true
	}
	return eval
}
