package cache

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/banshee-data/formation.report/internal/geo"
	"github.com/banshee-data/formation.report/internal/store"
	"github.com/banshee-data/formation.report/internal/track"
)

var t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, opts ...Option) *TargetCache {
	t.Helper()
	b, err := store.Open(store.InMemoryConfig())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return New(b, opts...)
}

func state(lon, lat, alt, heading, speed float64) track.State {
	return track.State{
		Timestamp: t0,
		Position:  geo.Position{Longitude: lon, Latitude: lat, Altitude: alt},
		Heading:   heading,
		Speed:     speed,
	}
}

func TestPutCreateThenUpdate(t *testing.T) {
	c := newTestCache(t)

	r1, err := c.Put("T1", state(116.40, 39.90, 5000, 90, 250))
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if r1.Updated {
		t.Error("first put should report created")
	}
	if r1.Delta != nil {
		t.Error("first put should not emit a delta")
	}
	if r1.Version == 0 {
		t.Error("version should be assigned")
	}

	r2, err := c.Put("T1", state(116.41, 39.90, 5000, 92, 255))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if !r2.Updated {
		t.Error("second put should report updated")
	}
	if r2.Version <= r1.Version {
		t.Errorf("version not monotonic: %d then %d", r1.Version, r2.Version)
	}
	if r2.Delta == nil {
		t.Fatal("second put should emit a delta")
	}
	if r2.Delta.Position == nil || r2.Delta.Heading == nil || r2.Delta.Speed == nil {
		t.Errorf("delta should cover position, heading, speed: %+v", r2.Delta)
	}
	if r2.Delta.Version != r2.Version {
		t.Errorf("delta version %d != put version %d", r2.Delta.Version, r2.Version)
	}

	got, err := c.Get("T1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State.Speed != 255 || got.Version != r2.Version {
		t.Errorf("get after put = %+v", got)
	}
}

func TestVersionMonotonicWithinMillisecond(t *testing.T) {
	c := newTestCache(t, withNow(func() time.Time { return t0 }))

	r1, err := c.Put("T1", state(116.40, 39.90, 5000, 90, 250))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	r2, err := c.Put("T1", state(116.41, 39.90, 5000, 90, 250))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if r2.Version != r1.Version+1 {
		t.Errorf("same-millisecond put versions = %d, %d; want consecutive", r1.Version, r2.Version)
	}
}

func TestNoopPutBumpsVersionWithoutDelta(t *testing.T) {
	c := newTestCache(t)

	s := state(116.40, 39.90, 5000, 90, 250)
	r1, _ := c.Put("T1", s)
	r2, err := c.Put("T1", s)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !r2.Updated {
		t.Error("repeat put should still report updated")
	}
	if r2.Version <= r1.Version {
		t.Error("repeat put should still bump version")
	}
	if r2.Delta != nil {
		t.Errorf("unchanged state should not emit a delta: %+v", r2.Delta)
	}
}

func TestHeadingDeltaNormalised(t *testing.T) {
	c := newTestCache(t)

	c.Put("T1", state(116.40, 39.90, 5000, 350, 250))
	r, err := c.Put("T1", state(116.40, 39.90, 5000, 10, 250))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if r.Delta == nil || r.Delta.Heading == nil {
		t.Fatal("heading change should emit a delta")
	}
	if r.Delta.Heading.Delta != 20 {
		t.Errorf("heading delta across wrap = %v, want 20", r.Delta.Heading.Delta)
	}
}

func TestVersionOf(t *testing.T) {
	c := newTestCache(t)

	if v, _ := c.VersionOf("missing"); v != 0 {
		t.Errorf("version of absent target = %d, want 0", v)
	}
	r, _ := c.Put("T1", state(116.40, 39.90, 5000, 90, 250))
	if v, _ := c.VersionOf("T1"); v != r.Version {
		t.Errorf("VersionOf = %d, want %d", v, r.Version)
	}
}

func TestDeleteEmitsEventAndRemoves(t *testing.T) {
	c := newTestCache(t)

	c.Put("T1", state(116.40, 39.90, 5000, 90, 250))
	ok, err := c.Delete("T1", "out of coverage")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Error("delete of live target should report true")
	}

	if _, err := c.Get("T1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
	if v, _ := c.VersionOf("T1"); v != 0 {
		t.Errorf("version after delete = %d, want 0", v)
	}

	events, err := c.DeltaSince("T1", 0, 0)
	if err != nil {
		t.Fatalf("delta since: %v", err)
	}
	var found bool
	for _, ev := range events {
		if ev.Kind == EventDelete && ev.Reason == "out of coverage" {
			found = true
		}
	}
	if !found {
		t.Errorf("delete event missing from log: %+v", events)
	}

	ok, err = c.Delete("T1", "again")
	if err != nil || ok {
		t.Errorf("delete of absent target = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestDeltaSinceOrderAndLimit(t *testing.T) {
	c := newTestCache(t)

	var versions []int64
	for i := 0; i < 5; i++ {
		r, err := c.Put("T1", state(116.40+float64(i)*0.01, 39.90, 5000, 90, 250))
		if err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		versions = append(versions, r.Version)
	}

	// First put creates, so four deltas exist.
	events, err := c.DeltaSince("T1", 0, 0)
	if err != nil {
		t.Fatalf("delta since: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("delta count = %d, want 4", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Version <= events[i-1].Version {
			t.Errorf("delta log out of order at %d: %d then %d", i, events[i-1].Version, events[i].Version)
		}
	}

	since := versions[2]
	events, _ = c.DeltaSince("T1", since, 0)
	for _, ev := range events {
		if ev.Version <= since {
			t.Errorf("event version %d not after %d", ev.Version, since)
		}
	}

	limited, _ := c.DeltaSince("T1", 0, 2)
	if len(limited) != 2 {
		t.Errorf("limited delta count = %d, want 2", len(limited))
	}
}

func TestDeltaLogCapTrimsOldest(t *testing.T) {
	c := newTestCache(t, WithMaxDelta(3))

	for i := 0; i < 8; i++ {
		if _, err := c.Put("T1", state(116.40+float64(i)*0.01, 39.90, 5000, 90, 250)); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	events, err := c.DeltaSince("T1", 0, 0)
	if err != nil {
		t.Fatalf("delta since: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("capped delta count = %d, want 3", len(events))
	}
	// The survivors are the newest events.
	latest, _ := c.Get("T1")
	if events[len(events)-1].Version != latest.Version {
		t.Errorf("newest event version = %d, want %d", events[len(events)-1].Version, latest.Version)
	}
}

func TestDeltaInRange(t *testing.T) {
	now := t0
	c := newTestCache(t, withNow(func() time.Time { return now }))

	c.Put("T1", state(116.40, 39.90, 5000, 90, 250))
	for i := 1; i <= 3; i++ {
		now = t0.Add(time.Duration(i) * time.Minute)
		c.Put("T1", state(116.40+float64(i)*0.01, 39.90, 5000, 90, 250))
	}

	events, err := c.DeltaInRange("T1", t0.Add(time.Minute), t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("delta in range: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("events in range = %d, want 2", len(events))
	}
}

func TestLastDeltasOldestFirst(t *testing.T) {
	c := newTestCache(t)

	for i := 0; i < 6; i++ {
		c.Put("T1", state(116.40+float64(i)*0.01, 39.90, 5000, 90, 250))
	}

	events, err := c.LastDeltas("T1", 3)
	if err != nil {
		t.Fatalf("last deltas: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("last deltas count = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Version <= events[i-1].Version {
			t.Error("last deltas should be oldest first")
		}
	}
}

func TestGetBatchSkipsMissing(t *testing.T) {
	c := newTestCache(t)

	c.Put("T1", state(116.40, 39.90, 5000, 90, 250))
	c.Put("T2", state(116.41, 39.90, 5000, 90, 250))

	got, err := c.GetBatch([]string{"T1", "T2", "T3"})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("batch size = %d, want 2", len(got))
	}
	if _, ok := got["T3"]; ok {
		t.Error("missing target should be absent from batch result")
	}
}

func TestAllActiveSkipsVersionKeys(t *testing.T) {
	c := newTestCache(t)

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("T%d", i)
		if _, err := c.Put(id, state(116.40, 39.90, 5000, 90, 250)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	all, err := c.AllActive()
	if err != nil {
		t.Fatalf("all active: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("active count = %d, want 4", len(all))
	}
	for _, entry := range all {
		if entry.TargetID == "" || entry.Version == 0 {
			t.Errorf("malformed active entry: %+v", entry)
		}
	}
}

func TestRejectsIDWithColon(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.Put("bad:id", state(116.40, 39.90, 5000, 90, 250)); err == nil {
		t.Error("id containing ':' should be rejected")
	}
}

func TestReaderAdapter(t *testing.T) {
	c := newTestCache(t)
	c.Put("T1", state(116.40, 39.90, 5000, 90, 250))

	r := Reader{Cache: c}
	s, err := r.Get("T1")
	if err != nil {
		t.Fatalf("reader get: %v", err)
	}
	if s == nil || s.Speed != 250 {
		t.Errorf("reader state = %+v", s)
	}

	s, err = r.Get("missing")
	if err != nil || s != nil {
		t.Errorf("reader on absent target = (%+v, %v), want (nil, nil)", s, err)
	}
}

func TestClearRemovesTargetsAndDeltas(t *testing.T) {
	c := newTestCache(t)
	c.Put("T1", state(116.40, 39.90, 5000, 90, 250))
	c.Put("T1", state(116.41, 39.90, 5000, 90, 250))
	c.Put("T2", state(116.42, 39.90, 5000, 90, 250))

	removed, err := c.Clear()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed == 0 {
		t.Fatal("clear removed nothing")
	}

	if _, err := c.Get("T1"); err == nil {
		t.Error("target survived clear")
	}
	active, err := c.AllActive()
	if err != nil || len(active) != 0 {
		t.Errorf("active after clear = %v, %v", active, err)
	}
	deltas, err := c.LastDeltas("T1", 10)
	if err != nil || len(deltas) != 0 {
		t.Errorf("deltas after clear = %v, %v", deltas, err)
	}
}
