package track

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/formation.report/internal/geo"
)

// DefaultSegmentGap is the observation gap beyond which a track is split
// into a new segment.
const DefaultSegmentGap = 2 * time.Minute

// NearNowWindow is how close to wall-clock a requested interpolation time
// must be for the cache to be consulted first.
const NearNowWindow = 5 * time.Second

// StateReader supplies the freshest published state for a target. The target
// cache satisfies this; the track only ever reads through it, never writes,
// which keeps the track->cache dependency one-way.
type StateReader interface {
	Get(targetID string) (*State, error)
}

// Track is a target's time-ordered observation history, partitioned into
// gap-bounded segments. Writes come only from the ingestion path; reads are
// serialised with writes by the internal mutex.
type Track struct {
	TargetID   string
	TargetName string
	Attributes Attributes

	mu       sync.RWMutex
	segments [][]State // sealed segments, each strictly monotonic in time
	current  []State   // open segment being built
	features []MotionFeatures

	segmentGap time.Duration
	reader     StateReader
	now        func() time.Time
}

// New creates an empty track for the target.
func New(targetID, targetName string, attrs Attributes) *Track {
	return &Track{
		TargetID:   targetID,
		TargetName: targetName,
		Attributes: attrs,
		segmentGap: DefaultSegmentGap,
		now:        time.Now,
	}
}

// SetSegmentGap overrides the segmentation gap. Zero or negative keeps the
// default.
func (t *Track) SetSegmentGap(gap time.Duration) {
	if gap > 0 {
		t.mu.Lock()
		t.segmentGap = gap
		t.mu.Unlock()
	}
}

// SetStateReader attaches a cache read-through used for near-real-time
// interpolation queries.
func (t *Track) SetStateReader(r StateReader) {
	t.mu.Lock()
	t.reader = r
	t.mu.Unlock()
}

// setNow overrides the wall clock for tests.
func (t *Track) setNow(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// AddState appends an observation, sealing the current segment first when the
// gap from the previous observation exceeds the segment gap.
func (t *Track) AddState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.current) == 0 {
		t.current = append(t.current, s)
		return
	}

	last := t.current[len(t.current)-1]
	if s.Timestamp.Sub(last.Timestamp) > t.segmentGap {
		t.sealCurrentLocked()
		t.current = []State{s}
		return
	}
	t.current = append(t.current, s)
}

// Finalize seals a trailing non-empty segment. Safe to call repeatedly.
func (t *Track) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealCurrentLocked()
	t.current = nil
}

func (t *Track) sealCurrentLocked() {
	if len(t.current) > 1 {
		seg := make([]State, len(t.current))
		copy(seg, t.current)
		t.segments = append(t.segments, seg)
		t.features = append(t.features, segmentFeatures(seg)...)
	}
}

// segmentFeatures computes motion features per state using centred finite
// differences; endpoint states get zero features.
func segmentFeatures(seg []State) []MotionFeatures {
	out := make([]MotionFeatures, len(seg))
	for i := 1; i < len(seg)-1; i++ {
		prev, curr, next := seg[i-1], seg[i], seg[i+1]

		dt1 := curr.Timestamp.Sub(prev.Timestamp).Seconds()
		dt2 := next.Timestamp.Sub(curr.Timestamp).Seconds()
		if dt1 <= 0 || dt2 <= 0 {
			continue
		}

		speed1 := curr.Position.DistanceTo(prev.Position) / dt1
		speed2 := next.Position.DistanceTo(curr.Position) / dt2
		meanDt := (dt1 + dt2) / 2

		mf := MotionFeatures{
			Acceleration: (speed2 - speed1) / meanDt,
			ClimbRate:    (next.Position.Altitude - curr.Position.Altitude) / dt2,
		}

		// Course over ground from consecutive displacements.
		h1 := math.Atan2(curr.Position.Y()-prev.Position.Y(), curr.Position.X()-prev.Position.X())
		h2 := math.Atan2(next.Position.Y()-curr.Position.Y(), next.Position.X()-curr.Position.X())
		change := geo.HeadingDiff(h1*180/math.Pi, h2*180/math.Pi)
		mf.TurnRate = change / meanDt

		mf.Maneuvering = math.Abs(mf.TurnRate) > ManeuverTurnRateDegPerSec ||
			math.Abs(mf.Acceleration) > ManeuverAccelMps2
		out[i] = mf
	}
	return out
}

// allStatesLocked returns every state across sealed segments plus the open
// one, in insertion order.
func (t *Track) allStatesLocked() []State {
	var all []State
	for _, seg := range t.segments {
		all = append(all, seg...)
	}
	all = append(all, t.current...)
	return all
}

// Interpolate returns the state at the requested time, linearly interpolated
// between the nearest observations on either side; a one-sided neighbour is
// returned as-is (clamp). Returns nil when the track is empty.
//
// When at is within NearNowWindow of wall-clock now and a state reader is
// attached, the cache is consulted first so near-real-time reads reflect
// freshly ingested data.
func (t *Track) Interpolate(at time.Time) *State {
	t.mu.RLock()
	reader := t.reader
	now := t.now
	t.mu.RUnlock()

	if reader != nil {
		delta := now().Sub(at)
		if delta < 0 {
			delta = -delta
		}
		if delta <= NearNowWindow {
			if s, err := reader.Get(t.TargetID); err == nil && s != nil {
				return s
			}
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	all := t.allStatesLocked()
	if len(all) == 0 {
		return nil
	}

	var before, after *State
	for i := range all {
		s := &all[i]
		if !s.Timestamp.After(at) {
			if before == nil || s.Timestamp.After(before.Timestamp) {
				before = s
			}
		}
		if !s.Timestamp.Before(at) {
			if after == nil || s.Timestamp.Before(after.Timestamp) {
				after = s
			}
		}
	}

	if before == nil {
		cp := *after
		return &cp
	}
	if after == nil || before == after || after.Timestamp.Equal(before.Timestamp) {
		cp := *before
		return &cp
	}

	total := after.Timestamp.Sub(before.Timestamp).Seconds()
	frac := at.Sub(before.Timestamp).Seconds() / total

	out := State{
		Timestamp: at,
		Position: geo.Position{
			Longitude: before.Position.Longitude + (after.Position.Longitude-before.Position.Longitude)*frac,
			Latitude:  before.Position.Latitude + (after.Position.Latitude-before.Position.Latitude)*frac,
			Altitude:  before.Position.Altitude + (after.Position.Altitude-before.Position.Altitude)*frac,
		},
		Heading: geo.InterpolateHeading(before.Heading, after.Heading, frac),
		Speed:   before.Speed + (after.Speed-before.Speed)*frac,
	}
	return &out
}

// StatesInRange returns every state with start <= timestamp <= end, across
// sealed segments and the open one.
func (t *Track) StatesInRange(start, end time.Time) []State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []State
	for _, s := range t.allStatesLocked() {
		if !s.Timestamp.Before(start) && !s.Timestamp.After(end) {
			out = append(out, s)
		}
	}
	return out
}

// TimeBounds returns the earliest and latest observation timestamps, and
// false when the track is empty.
func (t *Track) TimeBounds() (start, end time.Time, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := t.allStatesLocked()
	if len(all) == 0 {
		return time.Time{}, time.Time{}, false
	}
	start, end = all[0].Timestamp, all[0].Timestamp
	for _, s := range all[1:] {
		if s.Timestamp.Before(start) {
			start = s.Timestamp
		}
		if s.Timestamp.After(end) {
			end = s.Timestamp
		}
	}
	return start, end, true
}

// LatestState returns the most recent observation, or nil for an empty track.
func (t *Track) LatestState() *State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n := len(t.current); n > 0 {
		cp := t.current[n-1]
		return &cp
	}
	if n := len(t.segments); n > 0 {
		seg := t.segments[n-1]
		cp := seg[len(seg)-1]
		return &cp
	}
	return nil
}

// StateCount returns the total number of observations held.
func (t *Track) StateCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.current)
	for _, seg := range t.segments {
		n += len(seg)
	}
	return n
}

// SegmentCount returns the number of sealed segments.
func (t *Track) SegmentCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.segments)
}

// SegmentBounds exposes sealed segment endpoints for queries.
func (t *Track) SegmentBounds() [][2]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([][2]time.Time, 0, len(t.segments))
	for _, seg := range t.segments {
		out = append(out, [2]time.Time{seg[0].Timestamp, seg[len(seg)-1].Timestamp})
	}
	return out
}

// Duration returns the summed duration of sealed segments in seconds.
func (t *Track) Duration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, seg := range t.segments {
		if len(seg) >= 2 {
			total += seg[len(seg)-1].Timestamp.Sub(seg[0].Timestamp).Seconds()
		}
	}
	return total
}

// MotionFeaturesSeq returns the per-state features for sealed segments.
func (t *Track) MotionFeaturesSeq() []MotionFeatures {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]MotionFeatures, len(t.features))
	copy(out, t.features)
	return out
}
