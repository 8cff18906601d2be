// Package scheduler runs the periodic maintenance jobs: a daily orphan
// sweep of the formation store and an hourly backend probe. Each job runs
// one-at-a-time; manual triggers queue behind a scheduled run instead of
// overlapping it.
package scheduler

import (
	"sync"
	"time"

	"github.com/banshee-data/formation.report/internal/formation"
	"github.com/banshee-data/formation.report/internal/monitoring"
	"github.com/banshee-data/formation.report/internal/store"
)

const (
	DefaultCleanupInterval = 24 * time.Hour
	DefaultProbeInterval   = time.Hour
)

// JobStatus reports one job's last outcome.
type JobStatus struct {
	Runs     int64      `json:"runs"`
	Failures int64      `json:"failures"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
}

// Status is the scheduler's reporting surface.
type Status struct {
	Running bool      `json:"running"`
	Cleanup JobStatus `json:"cleanup"`
	Probe   JobStatus `json:"probe"`
	Entries int64     `json:"entries"`
}

// Scheduler owns the maintenance loops.
type Scheduler struct {
	formations *formation.Store
	backend    *store.Backend

	cleanupEvery time.Duration
	probeEvery   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cleanup JobStatus
	probe   JobStatus
	entries int64

	cleanupMu sync.Mutex
	probeMu   sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithCleanupInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.cleanupEvery = d }
}

func WithProbeInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.probeEvery = d }
}

// New creates a scheduler over the formation store and its backend.
func New(fs *formation.Store, backend *store.Backend, opts ...Option) *Scheduler {
	s := &Scheduler{
		formations:   fs,
		backend:      backend,
		cleanupEvery: DefaultCleanupInterval,
		probeEvery:   DefaultProbeInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches both loops. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(s.stopCh, s.doneCh)
	monitoring.Logf("scheduler: started (cleanup %s, probe %s)", s.cleanupEvery, s.probeEvery)
}

// Stop halts the loops and waits for them. Idempotent.
func (s *Scheduler) Stop() {
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
	monitoring.Logf("scheduler: stopped")
}

func (s *Scheduler) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	cleanupTicker := time.NewTicker(s.cleanupEvery)
	defer cleanupTicker.Stop()
	probeTicker := time.NewTicker(s.probeEvery)
	defer probeTicker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-cleanupTicker.C:
			s.RunCleanup()
		case <-probeTicker.C:
			s.RunProbe()
		}
	}
}

// RunCleanup sweeps the formation store once. Concurrent calls serialise.
func (s *Scheduler) RunCleanup() (int, error) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	removed, err := s.formations.CleanupExpired()
	now := time.Now()

	s.mu.Lock()
	s.cleanup.Runs++
	s.cleanup.LastRun = &now
	if err != nil {
		s.cleanup.Failures++
		s.cleanup.LastErr = err.Error()
	} else {
		s.cleanup.LastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		monitoring.Errorf("scheduler: cleanup failed: %v", err)
	}
	return removed, err
}

// RunProbe records the backend entry count once. Concurrent calls serialise.
func (s *Scheduler) RunProbe() (int64, error) {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	entries, err := s.backend.EntryCount()
	now := time.Now()

	s.mu.Lock()
	s.probe.Runs++
	s.probe.LastRun = &now
	if err != nil {
		s.probe.Failures++
		s.probe.LastErr = err.Error()
	} else {
		s.probe.LastErr = ""
		s.entries = int64(entries)
	}
	s.mu.Unlock()

	if err != nil {
		monitoring.Errorf("scheduler: probe failed: %v", err)
	} else {
		monitoring.Logf("scheduler: backend holds %d entries", entries)
	}
	return int64(entries), err
}

// Status snapshots both jobs.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running: s.running,
		Cleanup: s.cleanup,
		Probe:   s.probe,
		Entries: s.entries,
	}
}
