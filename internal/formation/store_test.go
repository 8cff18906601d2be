package formation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/formation.report/internal/geo"
	"github.com/banshee-data/formation.report/internal/store"
	"github.com/banshee-data/formation.report/internal/track"
)

var t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	b, err := store.Open(store.InMemoryConfig())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return NewStore(b, opts...)
}

func sampleFormation(id string, createdAt time.Time) *Formation {
	return &Formation{
		ID:         id,
		Type:       "Fighter Section",
		Confidence: 0.85,
		Members: []Member{
			{
				TargetID:   "T1",
				Platform:   track.PlatformFighter,
				Attributes: track.Attributes{Type: track.PlatformFighter, Nation: "BLUE", Alliance: "NATO"},
				JoinedAt:   createdAt,
			},
			{
				TargetID:   "T2",
				Platform:   track.PlatformFighter,
				Attributes: track.Attributes{Type: track.PlatformFighter, Nation: "BLUE", Alliance: "NATO"},
				JoinedAt:   createdAt,
			},
		},
		StartTime: createdAt.Add(-time.Minute),
		EndTime:   createdAt,
		CreatedAt: createdAt,
		Spatial: SpatialSummary{
			Center:          geo.Position{Longitude: 116.4, Latitude: 39.9, Altitude: 5000},
			CoverageAreaKm2: 1.2,
		},
		Motion: MotionSummary{
			SpeedMean: 250, SpeedStd: 4,
			HeadingMean: 90, HeadingStd: 3,
			AltitudeLayer: geo.LayerMedium,
			Cohesion:      Cohesion(3),
		},
		AppliedRules:  []string{"TightDist", "TightHeading"},
		RulePassRates: map[string]float64{"TightDist": 1, "TightHeading": 0.9},
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	f := sampleFormation("", t0)
	id, err := s.Save(f)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id == "" {
		t.Fatal("empty id should be generated")
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveKeepsCustomID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Save(sampleFormation("custom-1", t0))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != "custom-1" {
		t.Errorf("custom id replaced with %q", id)
	}
}

func TestLatestNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		f := sampleFormation(fmt.Sprintf("f-%d", i), t0.Add(time.Duration(i)*time.Minute))
		if _, err := s.Save(f); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	latest, err := s.Latest(3)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 3 {
		t.Fatalf("latest count = %d, want 3", len(latest))
	}
	if latest[0].ID != "f-4" || latest[2].ID != "f-2" {
		t.Errorf("latest order = %s, %s, %s", latest[0].ID, latest[1].ID, latest[2].ID)
	}
}

func TestByTimeRange(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 6; i++ {
		f := sampleFormation(fmt.Sprintf("f-%d", i), t0.Add(time.Duration(i)*time.Hour))
		if _, err := s.Save(f); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.ByTimeRange(t0.Add(time.Hour), t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("by time range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("range count = %d, want 3", len(got))
	}
	if got[0].ID != "f-1" || got[2].ID != "f-3" {
		t.Errorf("range order = %s..%s", got[0].ID, got[2].ID)
	}
}

func TestByDate(t *testing.T) {
	s := newTestStore(t)

	s.Save(sampleFormation("day1-a", t0))
	s.Save(sampleFormation("day1-b", t0.Add(2*time.Hour)))
	s.Save(sampleFormation("day2-a", t0.Add(26*time.Hour)))

	day1, err := s.ByDate("2026-08-01")
	if err != nil {
		t.Fatalf("by date: %v", err)
	}
	if len(day1) != 2 {
		t.Errorf("day1 count = %d, want 2", len(day1))
	}

	day2, _ := s.ByDate("2026-08-02")
	if len(day2) != 1 || day2[0].ID != "day2-a" {
		t.Errorf("day2 = %+v", day2)
	}

	if _, err := s.ByDate("not-a-date"); err == nil {
		t.Error("malformed date should error")
	}
}

func TestDeleteRemovesRecordAndIndexes(t *testing.T) {
	s := newTestStore(t)

	s.Save(sampleFormation("gone", t0))
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.Get("gone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get after delete = %v", err)
	}
	latest, _ := s.Latest(10)
	if len(latest) != 0 {
		t.Errorf("timeline still lists deleted formation: %+v", latest)
	}
	day, _ := s.ByDate("2026-08-01")
	if len(day) != 0 {
		t.Error("daily index still lists deleted formation")
	}

	// Deleting again is a no-op.
	if err := s.Delete("gone"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestActiveWindow(t *testing.T) {
	now := t0.Add(time.Hour)
	s := newTestStore(t, withNow(func() time.Time { return now }))

	old := sampleFormation("old", t0)
	old.EndTime = t0 // ended an hour ago
	s.Save(old)

	live := sampleFormation("live", now.Add(-2*time.Minute))
	live.EndTime = now.Add(-time.Minute)
	s.Save(live)

	active, err := s.Active(5 * time.Minute)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "live" {
		t.Errorf("active = %+v", active)
	}
}

func TestStats(t *testing.T) {
	now := t0.Add(30 * time.Hour) // 2026-08-02 16:00 UTC
	s := newTestStore(t, withNow(func() time.Time { return now }))

	s.Save(sampleFormation("a", t0))
	s.Save(sampleFormation("b", t0.Add(time.Hour)))
	f := sampleFormation("c", t0.Add(26*time.Hour))
	f.Type = "Bomber Cell"
	f.Confidence = 0.65
	s.Save(f)

	stats, err := s.Stats(2)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.TypeCounts["Fighter Section"] != 2 || stats.TypeCounts["Bomber Cell"] != 1 {
		t.Errorf("type counts = %+v", stats.TypeCounts)
	}
	want := (0.85 + 0.85 + 0.65) / 3
	if diff := stats.MeanConfidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("mean confidence = %v, want %v", stats.MeanConfidence, want)
	}
	if len(stats.Days) != 2 || stats.Days[0].Date != "2026-08-02" {
		t.Errorf("days = %+v", stats.Days)
	}
}

func TestCleanupExpiredSweepsOrphans(t *testing.T) {
	// Pin the clock so the fixtures sit inside the retention window.
	s := newTestStore(t, withNow(func() time.Time { return t0.Add(time.Hour) }))

	s.Save(sampleFormation("keep", t0))
	s.Save(sampleFormation("orphan", t0.Add(time.Minute)))

	// Remove only the record, leaving its index entries behind.
	if err := s.backend.Delete(recordKey("orphan")); err != nil {
		t.Fatalf("delete record: %v", err)
	}

	removed, err := s.CleanupExpired()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 { // timeline + daily entries
		t.Errorf("removed = %d, want 2", removed)
	}

	latest, _ := s.Latest(10)
	if len(latest) != 1 || latest[0].ID != "keep" {
		t.Errorf("post-cleanup latest = %+v", latest)
	}

	// Second run finds nothing.
	removed, err = s.CleanupExpired()
	if err != nil || removed != 0 {
		t.Errorf("repeat cleanup = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestCohesionBounds(t *testing.T) {
	if got := Cohesion(0); got != 1 {
		t.Errorf("Cohesion(0) = %v, want 1", got)
	}
	if got := Cohesion(90); got != 0.5 {
		t.Errorf("Cohesion(90) = %v, want 0.5", got)
	}
	if got := Cohesion(400); got != 0 {
		t.Errorf("Cohesion(400) = %v, want 0", got)
	}
}
