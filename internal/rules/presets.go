package rules

import "fmt"

// Preset is a named bundle of rule configurations.
type Preset struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	IsDefault   bool     `json:"is_default"`
	Rules       []Config `json:"rules"`
}

// CategorySystem marks built-in presets that refuse hard deletion.
const CategorySystem = "system"

func ruleCfg(name, kind, priority string, params Params) Config {
	return Config{Name: name, Kind: kind, Priority: priority, Enabled: true, Weight: 1.0, Params: params}
}

// BuiltinPresets returns the system preset bundles.
func BuiltinPresets() []Preset {
	return []Preset{
		{
			Name:        "tight_fighter",
			Description: "Close fighter formation for air superiority work",
			Category:    CategorySystem,
			IsDefault:   true,
			Rules: []Config{
				ruleCfg("HostileCheck", KindAttribute, "CRITICAL", Params{HostileCheck: bptr(true), SameAlliance: bptr(true)}),
				ruleCfg("TightDist", KindDistance, "CRITICAL", Params{MinDistance: fptr(0), MaxDistance: fptr(3000)}),
				ruleCfg("TightAlt", KindAltitude, "HIGH", Params{MaxAltitudeDelta: fptr(300), SameLayerPreferred: bptr(true)}),
				ruleCfg("TightSpeed", KindSpeed, "HIGH", Params{MaxSpeedDelta: fptr(20), MaxSpeedRatio: fptr(1.1)}),
				ruleCfg("TightHeading", KindHeading, "HIGH", Params{MaxHeadingDelta: fptr(15), AllowReciprocal: bptr(false)}),
			},
		},
		{
			Name:        "loose_bomber",
			Description: "Loose bomber formation for patrol work",
			Category:    CategorySystem,
			Rules: []Config{
				ruleCfg("AllianceCheck", KindAttribute, "CRITICAL", Params{HostileCheck: bptr(true), SameAlliance: bptr(true)}),
				ruleCfg("LooseDist", KindDistance, "CRITICAL", Params{MinDistance: fptr(3000), MaxDistance: fptr(10000)}),
				ruleCfg("LooseAlt", KindAltitude, "HIGH", Params{MaxAltitudeDelta: fptr(1000), SameLayerPreferred: bptr(true)}),
				ruleCfg("LooseSpeed", KindSpeed, "HIGH", Params{MaxSpeedDelta: fptr(30), MaxSpeedRatio: fptr(1.2)}),
				ruleCfg("LooseHeading", KindHeading, "HIGH", Params{MaxHeadingDelta: fptr(20), AllowReciprocal: bptr(false)}),
			},
		},
		{
			Name:        "strike_package",
			Description: "Mixed strike package",
			Category:    CategorySystem,
			Rules: []Config{
				ruleCfg("CoalitionCheck", KindAttribute, "CRITICAL", Params{HostileCheck: bptr(true), SameAlliance: bptr(true)}),
				ruleCfg("PackageDist", KindDistance, "CRITICAL", Params{MinDistance: fptr(5000), MaxDistance: fptr(20000)}),
				ruleCfg("PackageAlt", KindAltitude, "MEDIUM", Params{MaxAltitudeDelta: fptr(2000), SameLayerPreferred: bptr(false)}),
				ruleCfg("PackageSpeed", KindSpeed, "MEDIUM", Params{MaxSpeedDelta: fptr(100), MaxSpeedRatio: fptr(2.0)}),
				ruleCfg("PackageHeading", KindHeading, "MEDIUM", Params{MaxHeadingDelta: fptr(60), AllowReciprocal: bptr(true)}),
				ruleCfg("MixedTypes", KindPlatformType, "MEDIUM", Params{
					AllowedPairs: [][2]string{{"Fighter", "Bomber"}, {"Fighter", "EW"}, {"AWACS", "Fighter"}},
				}),
			},
		},
		{
			Name:        "awacs_control",
			Description: "AWACS-controlled group at standoff ranges",
			Category:    CategorySystem,
			Rules: []Config{
				ruleCfg("AllianceCheck", KindAttribute, "CRITICAL", Params{HostileCheck: bptr(true), SameAlliance: bptr(true)}),
				ruleCfg("AWACSDist", KindDistance, "CRITICAL", Params{MinDistance: fptr(50000), MaxDistance: fptr(150000)}),
				ruleCfg("AWACSAlt", KindAltitude, "HIGH", Params{MaxAltitudeDelta: fptr(3000), SameLayerPreferred: bptr(false)}),
			},
		},
		{
			Name:        "ew_support",
			Description: "Electronic warfare support pairing",
			Category:    CategorySystem,
			Rules: []Config{
				ruleCfg("Alliance", KindAttribute, "CRITICAL", Params{HostileCheck: bptr(true), SameAlliance: bptr(true)}),
				ruleCfg("EWSupport", KindDistance, "CRITICAL", Params{MinDistance: fptr(10000), MaxDistance: fptr(50000)}),
				ruleCfg("EWMix", KindPlatformType, "HIGH", Params{
					AllowedPairs: [][2]string{{"EW", "Fighter"}, {"EW", "Bomber"}},
				}),
			},
		},
	}
}

// FindPreset looks up a builtin preset by name.
func FindPreset(name string) (Preset, bool) {
	for _, p := range BuiltinPresets() {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// BuildPreset materialises every rule of a preset.
func BuildPreset(p Preset) ([]Rule, error) {
	out := make([]Rule, 0, len(p.Rules))
	for _, cfg := range p.Rules {
		r, err := BuildRule(cfg)
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", p.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ApplyPreset replaces the set's rule list with the named builtin preset.
func ApplyPreset(s *Set, name string) error {
	p, ok := FindPreset(name)
	if !ok {
		return fmt.Errorf("rules: unknown preset %q", name)
	}
	built, err := BuildPreset(p)
	if err != nil {
		return err
	}
	s.Replace(built)
	return nil
}

// scenePresets maps operational scene types to preset names.
var scenePresets = map[string]string{
	"air_superiority": "tight_fighter",
	"strike":          "strike_package",
	"patrol":          "loose_bomber",
	"ew":              "ew_support",
}

// PresetForScene resolves a scene type to its preset.
func PresetForScene(scene string) (string, error) {
	name, ok := scenePresets[scene]
	if !ok {
		return "", fmt.Errorf("rules: unknown scene type %q", scene)
	}
	return name, nil
}

// AdaptToScene applies the preset mapped to the scene type.
func AdaptToScene(s *Set, scene string) error {
	name, err := PresetForScene(scene)
	if err != nil {
		return err
	}
	return ApplyPreset(s, name)
}
