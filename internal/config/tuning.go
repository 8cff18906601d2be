package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig is the root configuration for the service. The schema
// matches the /stream/config endpoint so the same JSON can be used for both
// startup configuration and runtime updates. Fields omitted from the JSON
// file keep their defaults, so partial configs are safe.
type TuningConfig struct {
	// Track params
	SegmentGap     *string `json:"segment_gap,omitempty"` // duration string like "2m"
	MinTrackPoints *int    `json:"min_track_points,omitempty"`

	// Cache params
	TargetTTL         *string `json:"target_ttl,omitempty"`
	DeltaTTL          *string `json:"delta_ttl,omitempty"`
	DeltaMaxPerTarget *int    `json:"delta_max_per_target,omitempty"`

	// Recognition params
	SamplingStep         *string  `json:"sampling_step,omitempty"`
	PersistenceThreshold *float64 `json:"persistence_threshold,omitempty"`
	MinFormationDuration *string  `json:"min_formation_duration,omitempty"`
	MinInterval          *string  `json:"min_interval,omitempty"`

	// Stream params
	RecognizeInterval  *string  `json:"recognize_interval,omitempty"`
	MinChangeThreshold *float64 `json:"min_change_threshold,omitempty"`
	PendingTrigger     *int     `json:"pending_trigger,omitempty"`

	// Store params
	FormationTTL *string `json:"formation_ttl,omitempty"`
	SessionTTL   *string `json:"session_ttl,omitempty"`

	// Server params
	ListenAddr    *string `json:"listen_addr,omitempty"`
	DataDir       *string `json:"data_dir,omitempty"`
	PresetDB      *string `json:"preset_db,omitempty"`
	DefaultPreset *string `json:"default_preset,omitempty"`
	QueueSize     *int    `json:"queue_size,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil; the
// Get* methods then serve defaults.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The path must end
// in .json and the file must stay under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"segment_gap":            c.SegmentGap,
		"target_ttl":             c.TargetTTL,
		"delta_ttl":              c.DeltaTTL,
		"sampling_step":          c.SamplingStep,
		"min_formation_duration": c.MinFormationDuration,
		"min_interval":           c.MinInterval,
		"recognize_interval":     c.RecognizeInterval,
		"formation_ttl":          c.FormationTTL,
		"session_ttl":            c.SessionTTL,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}

	if c.PersistenceThreshold != nil {
		if *c.PersistenceThreshold < 0 || *c.PersistenceThreshold > 1 {
			return fmt.Errorf("persistence_threshold must be between 0 and 1, got %f", *c.PersistenceThreshold)
		}
	}
	if c.MinChangeThreshold != nil {
		if *c.MinChangeThreshold < 0 || *c.MinChangeThreshold > 1 {
			return fmt.Errorf("min_change_threshold must be between 0 and 1, got %f", *c.MinChangeThreshold)
		}
	}
	if c.MinTrackPoints != nil && *c.MinTrackPoints < 1 {
		return fmt.Errorf("min_track_points must be positive, got %d", *c.MinTrackPoints)
	}
	if c.DeltaMaxPerTarget != nil && *c.DeltaMaxPerTarget < 1 {
		return fmt.Errorf("delta_max_per_target must be positive, got %d", *c.DeltaMaxPerTarget)
	}
	if c.QueueSize != nil && *c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", *c.QueueSize)
	}
	return nil
}

func (c *TuningConfig) duration(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// GetSegmentGap returns the track segmentation gap or the default.
func (c *TuningConfig) GetSegmentGap() time.Duration {
	return c.duration(c.SegmentGap, 2*time.Minute)
}

// GetMinTrackPoints returns the min_track_points value or the default.
func (c *TuningConfig) GetMinTrackPoints() int {
	if c.MinTrackPoints == nil {
		return 3
	}
	return *c.MinTrackPoints
}

// GetTargetTTL returns the target entry TTL or the default.
func (c *TuningConfig) GetTargetTTL() time.Duration {
	return c.duration(c.TargetTTL, 24*time.Hour)
}

// GetDeltaTTL returns the delta log TTL or the default.
func (c *TuningConfig) GetDeltaTTL() time.Duration {
	return c.duration(c.DeltaTTL, 7*24*time.Hour)
}

// GetDeltaMaxPerTarget returns the delta log cap or the default.
func (c *TuningConfig) GetDeltaMaxPerTarget() int {
	if c.DeltaMaxPerTarget == nil {
		return 10000
	}
	return *c.DeltaMaxPerTarget
}

// GetSamplingStep returns the recognition sampling step or the default.
func (c *TuningConfig) GetSamplingStep() time.Duration {
	return c.duration(c.SamplingStep, 10*time.Second)
}

// GetPersistenceThreshold returns the pair persistence threshold or the
// default.
func (c *TuningConfig) GetPersistenceThreshold() float64 {
	if c.PersistenceThreshold == nil {
		return 0.6
	}
	return *c.PersistenceThreshold
}

// GetMinFormationDuration returns the minimum pair duration or the default.
func (c *TuningConfig) GetMinFormationDuration() time.Duration {
	return c.duration(c.MinFormationDuration, 30*time.Second)
}

// GetMinInterval returns the minimum gap between recognition runs or the
// default.
func (c *TuningConfig) GetMinInterval() time.Duration {
	return c.duration(c.MinInterval, 5*time.Second)
}

// GetRecognizeInterval returns the background tick period or the default.
func (c *TuningConfig) GetRecognizeInterval() time.Duration {
	return c.duration(c.RecognizeInterval, 5*time.Second)
}

// GetMinChangeThreshold returns the early-trigger change ratio or the
// default.
func (c *TuningConfig) GetMinChangeThreshold() float64 {
	if c.MinChangeThreshold == nil {
		return 0.1
	}
	return *c.MinChangeThreshold
}

// GetPendingTrigger returns the early-trigger pending size or the default.
func (c *TuningConfig) GetPendingTrigger() int {
	if c.PendingTrigger == nil {
		return 10
	}
	return *c.PendingTrigger
}

// GetFormationTTL returns the formation retention or the default.
func (c *TuningConfig) GetFormationTTL() time.Duration {
	return c.duration(c.FormationTTL, 7*24*time.Hour)
}

// GetSessionTTL returns the sync session TTL or the default.
func (c *TuningConfig) GetSessionTTL() time.Duration {
	return c.duration(c.SessionTTL, time.Hour)
}

// GetListenAddr returns the HTTP listen address or the default.
func (c *TuningConfig) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return ":8080"
	}
	return *c.ListenAddr
}

// GetDataDir returns the badger data directory or the default.
func (c *TuningConfig) GetDataDir() string {
	if c.DataDir == nil || *c.DataDir == "" {
		return "data"
	}
	return *c.DataDir
}

// GetPresetDB returns the preset database path or the default.
func (c *TuningConfig) GetPresetDB() string {
	if c.PresetDB == nil || *c.PresetDB == "" {
		return filepath.Join(c.GetDataDir(), "presets.db")
	}
	return *c.PresetDB
}

// GetDefaultPreset returns the preset applied at startup or the default.
func (c *TuningConfig) GetDefaultPreset() string {
	if c.DefaultPreset == nil || *c.DefaultPreset == "" {
		return "tight_fighter"
	}
	return *c.DefaultPreset
}

// GetQueueSize returns the per-client websocket queue size or the default.
func (c *TuningConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 64
	}
	return *c.QueueSize
}
