// Package stream ingests target records from producers, feeds the cache and
// the recognition engine, and runs throttled incremental recognition in the
// background. Producers always get an acknowledgement; recognition failures
// stay internal.
package stream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/formation.report/internal/bus"
	"github.com/banshee-data/formation.report/internal/cache"
	"github.com/banshee-data/formation.report/internal/engine"
	"github.com/banshee-data/formation.report/internal/formation"
	"github.com/banshee-data/formation.report/internal/geo"
	"github.com/banshee-data/formation.report/internal/monitoring"
	"github.com/banshee-data/formation.report/internal/track"
)

// Config tunes the background recognition loop.
type Config struct {
	// RecognizeInterval is the background tick period.
	RecognizeInterval time.Duration
	// MinChangeThreshold is the changed/received ratio in one push that
	// requests an early run.
	MinChangeThreshold float64
	// PendingTrigger is the pending-set size that requests an early run.
	PendingTrigger int
}

// DefaultConfig returns the standard loop tuning.
func DefaultConfig() Config {
	return Config{
		RecognizeInterval:  5 * time.Second,
		MinChangeThreshold: 0.1,
		PendingTrigger:     10,
	}
}

// TargetRecord is one producer record. Position is nested the way clients
// send it.
type TargetRecord struct {
	ID   string    `json:"id"`
	Name string    `json:"name,omitempty"`
	Type string    `json:"type,omitempty"`
	Time time.Time `json:"time"`

	Position struct {
		Longitude float64 `json:"longitude"`
		Latitude  float64 `json:"latitude"`
		Altitude  float64 `json:"altitude"`
	} `json:"position"`
	Heading  float64  `json:"heading"`
	Speed    float64  `json:"speed"`
	Pitch    *float64 `json:"pitch,omitempty"`
	Roll     *float64 `json:"roll,omitempty"`
	Nation   string   `json:"nation,omitempty"`
	Alliance string   `json:"alliance,omitempty"`
	Theater  string   `json:"theater,omitempty"`
	Airport  string   `json:"airport,omitempty"`
	Squadron string   `json:"squadron,omitempty"`
	Mission  string   `json:"mission,omitempty"`
}

// Validate checks field ranges. Invalid records are rejected per record and
// never touch state.
func (r *TargetRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("empty id")
	case len(r.ID) > 50:
		return fmt.Errorf("id longer than 50")
	case strings.Contains(r.ID, ":"):
		return fmt.Errorf("id contains ':'")
	case r.Time.IsZero():
		return fmt.Errorf("missing time")
	case r.Position.Longitude < -180 || r.Position.Longitude > 180:
		return fmt.Errorf("longitude %v out of range", r.Position.Longitude)
	case r.Position.Latitude < -90 || r.Position.Latitude > 90:
		return fmt.Errorf("latitude %v out of range", r.Position.Latitude)
	case r.Position.Altitude < 0 || r.Position.Altitude > 30000:
		return fmt.Errorf("altitude %v out of range", r.Position.Altitude)
	case r.Heading < 0 || r.Heading > 360:
		return fmt.Errorf("heading %v out of range", r.Heading)
	case r.Speed < 0 || r.Speed > 1000:
		return fmt.Errorf("speed %v out of range", r.Speed)
	}
	return nil
}

// State converts the record to a track state.
func (r *TargetRecord) State() track.State {
	s := track.State{
		Timestamp: r.Time,
		Position: geo.Position{
			Longitude: r.Position.Longitude,
			Latitude:  r.Position.Latitude,
			Altitude:  r.Position.Altitude,
		},
		Heading: geo.NormalizeHeading(r.Heading),
		Speed:   r.Speed,
	}
	if r.Pitch != nil {
		s.Pitch = *r.Pitch
	}
	if r.Roll != nil {
		s.Roll = *r.Roll
	}
	return s
}

// Attributes converts the record's identity fields.
func (r *TargetRecord) Attributes() track.Attributes {
	pt := track.PlatformType(r.Type)
	if pt == "" {
		pt = track.PlatformUnknown
	}
	return track.Attributes{
		Type:     pt,
		Nation:   r.Nation,
		Alliance: r.Alliance,
		Theater:  r.Theater,
		Airport:  r.Airport,
		Squadron: r.Squadron,
		Mission:  r.Mission,
	}
}

// RecordError reports one rejected record in an ack.
type RecordError struct {
	Index    int    `json:"index"`
	TargetID string `json:"target_id,omitempty"`
	Message  string `json:"message"`
}

// Ack is the producer acknowledgement for one push.
type Ack struct {
	Received         int           `json:"received"`
	Changed          int           `json:"changed"`
	BufferSize       int           `json:"buffer_size"`
	Pending          int           `json:"pending"`
	TriggerRecognize bool          `json:"trigger_recognize"`
	Errors           []RecordError `json:"errors,omitempty"`
}

// Stats is the cumulative service counter set.
type Stats struct {
	Received        int64      `json:"received"`
	Changed         int64      `json:"changed"`
	Rejected        int64      `json:"rejected"`
	Runs            int64      `json:"runs"`
	RunFailures     int64      `json:"run_failures"`
	FormationsFound int64      `json:"formations_found"`
	LastRun         *time.Time `json:"last_run,omitempty"`
}

// Status is the /stream/status surface.
type Status struct {
	Running    bool   `json:"running"`
	BufferSize int    `json:"buffer_size"`
	Pending    int    `json:"pending"`
	Config     Config `json:"config"`
	Stats      Stats  `json:"stats"`
}

// Service wires producers to the cache, engine, formation store, and bus.
type Service struct {
	cache      *cache.TargetCache
	engine     *engine.Recognizer
	formations *formation.Store
	hub        *bus.Hub

	mu      sync.Mutex
	cfg     Config
	stats   Stats
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	trigger chan struct{}
}

// NewService creates a stream service. The hub may be nil when no
// subscribers exist (tests, batch use).
func NewService(c *cache.TargetCache, e *engine.Recognizer, fs *formation.Store, hub *bus.Hub, cfg Config) *Service {
	if cfg.RecognizeInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		cache:      c,
		engine:     e,
		formations: fs,
		hub:        hub,
		cfg:        cfg,
		trigger:    make(chan struct{}, 1),
	}
}

// Push ingests one batch. Invalid records are reported in the ack and have
// no state effect; valid ones are cached, fed to the engine, and their
// deltas published. A high change ratio or a large pending set requests an
// early recognition run.
func (s *Service) Push(records []TargetRecord) *Ack {
	ack := &Ack{Received: len(records)}

	for i := range records {
		rec := &records[i]
		if err := rec.Validate(); err != nil {
			ack.Errors = append(ack.Errors, RecordError{Index: i, TargetID: rec.ID, Message: err.Error()})
			continue
		}

		res, err := s.cache.Put(rec.ID, rec.State())
		if err != nil {
			ack.Errors = append(ack.Errors, RecordError{Index: i, TargetID: rec.ID, Message: err.Error()})
			continue
		}

		s.engine.ObserveState(rec.ID, rec.Name, rec.Attributes(), rec.State())
		if res.Updated {
			ack.Changed++
			s.engine.MarkChanged(rec.ID)
		}
		if res.Delta != nil && s.hub != nil {
			s.hub.PublishTargetUpdate(rec.ID, res.Delta)
		}
	}

	ack.BufferSize = s.engine.TrackCount()
	ack.Pending = s.engine.PendingCount()

	s.mu.Lock()
	s.stats.Received += int64(ack.Received)
	s.stats.Changed += int64(ack.Changed)
	s.stats.Rejected += int64(len(ack.Errors))
	cfg := s.cfg
	s.mu.Unlock()

	if ack.Received > 0 && float64(ack.Changed)/float64(ack.Received) >= cfg.MinChangeThreshold {
		ack.TriggerRecognize = true
	}
	if ack.Pending >= cfg.PendingTrigger {
		ack.TriggerRecognize = true
	}
	if ack.TriggerRecognize {
		s.requestRun()
	}
	return ack
}

// requestRun nudges the background loop without blocking the producer. The
// engine's minimum interval still gates the actual run.
func (s *Service) requestRun() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start launches the background recognition loop. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(s.stopCh, s.doneCh, s.cfg.RecognizeInterval)
	monitoring.Logf("stream: recognition loop started (interval %s)", s.cfg.RecognizeInterval)
}

// Stop halts the background loop and waits for it. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	monitoring.Logf("stream: recognition loop stopped")
}

func (s *Service) run(stopCh, doneCh chan struct{}, interval time.Duration) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.engine.PendingCount() == 0 {
				continue
			}
			s.RunRecognition(false)
		case <-s.trigger:
			s.RunRecognition(false)
		}
	}
}

// RunRecognition runs one incremental pass, stores new formations, and
// broadcasts them. On store failure the pending ids are restored so the
// next run retries; the error never reaches producers.
func (s *Service) RunRecognition(force bool) []*formation.Formation {
	pendingBefore := s.engine.PendingIDs()

	fs, ran := s.engine.RecognizeIncremental(force)
	if !ran {
		return nil
	}

	now := time.Now()
	s.mu.Lock()
	s.stats.Runs++
	s.stats.LastRun = &now
	s.mu.Unlock()

	for _, f := range fs {
		if _, err := s.formations.Save(f); err != nil {
			s.engine.MarkChanged(pendingBefore...)
			s.mu.Lock()
			s.stats.RunFailures++
			s.mu.Unlock()
			monitoring.Errorf("stream: formation store failed, pending restored: %v", err)
			return nil
		}
		if s.hub != nil {
			s.hub.BroadcastFormation(f)
		}
	}

	if n := len(fs); n > 0 {
		s.mu.Lock()
		s.stats.FormationsFound += int64(n)
		s.mu.Unlock()
	}
	return fs
}

// UpdateConfig swaps the loop tuning. A running loop is restarted to pick
// up a new interval.
func (s *Service) UpdateConfig(cfg Config) {
	if cfg.RecognizeInterval <= 0 {
		cfg.RecognizeInterval = DefaultConfig().RecognizeInterval
	}
	if cfg.MinChangeThreshold <= 0 {
		cfg.MinChangeThreshold = DefaultConfig().MinChangeThreshold
	}
	if cfg.PendingTrigger <= 0 {
		cfg.PendingTrigger = DefaultConfig().PendingTrigger
	}

	s.mu.Lock()
	restart := s.running && cfg.RecognizeInterval != s.cfg.RecognizeInterval
	s.cfg = cfg
	s.mu.Unlock()

	if restart {
		s.Stop()
		s.Start()
	}
}

// Config returns the current loop tuning.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Status snapshots the service.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:    s.running,
		BufferSize: s.engine.TrackCount(),
		Pending:    s.engine.PendingCount(),
		Config:     s.cfg,
		Stats:      s.stats,
	}
}
