// Package engine runs formation recognition: sampled pair evaluation under a
// rule set, persistence gating, graph connectivity, and summary derivation.
// It also supports incremental runs over the set of recently changed targets.
package engine

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/formation.report/internal/cache"
	"github.com/banshee-data/formation.report/internal/formation"
	"github.com/banshee-data/formation.report/internal/geo"
	"github.com/banshee-data/formation.report/internal/monitoring"
	"github.com/banshee-data/formation.report/internal/rules"
	"github.com/banshee-data/formation.report/internal/track"
)

// Options tune the recognition algorithm.
type Options struct {
	SamplingStep         time.Duration
	PersistenceThreshold float64
	MinFormationDuration time.Duration
	MinTrackPoints       int
	MinInterval          time.Duration
	SegmentGap           time.Duration
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		SamplingStep:         10 * time.Second,
		PersistenceThreshold: 0.6,
		MinFormationDuration: 30 * time.Second,
		MinTrackPoints:       3,
		MinInterval:          5 * time.Second,
	}
}

// Recognizer holds the working track set and runs recognition over it. Runs
// are serialised; concurrent callers queue on the internal mutex.
type Recognizer struct {
	opts Options
	set  *rules.Set

	mu      sync.Mutex
	tracks  map[string]*track.Track
	pending map[string]struct{}
	lastRun time.Time
	hasRun  bool

	cache *cache.TargetCache
	now   func() time.Time
}

// New creates a recognizer over the rule set.
func New(set *rules.Set, opts Options) *Recognizer {
	if opts.SamplingStep <= 0 {
		opts = DefaultOptions()
	}
	return &Recognizer{
		opts:    opts,
		set:     set,
		tracks:  make(map[string]*track.Track),
		pending: make(map[string]struct{}),
		now:     time.Now,
	}
}

// SetCache attaches the target cache used to refresh tracks before
// incremental runs and for near-now interpolation.
func (r *Recognizer) SetCache(c *cache.TargetCache) {
	r.mu.Lock()
	r.cache = c
	for _, tr := range r.tracks {
		tr.SetStateReader(cache.Reader{Cache: c})
	}
	r.mu.Unlock()
}

// setNow overrides the wall clock for tests.
func (r *Recognizer) setNow(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// RuleSet exposes the active rule set.
func (r *Recognizer) RuleSet() *rules.Set { return r.set }

// ObserveState feeds one observation into the target's track, creating the
// track on first sight.
func (r *Recognizer) ObserveState(targetID, targetName string, attrs track.Attributes, s track.State) {
	r.mu.Lock()
	tr, ok := r.tracks[targetID]
	if !ok {
		tr = track.New(targetID, targetName, attrs)
		tr.SetSegmentGap(r.opts.SegmentGap)
		if r.cache != nil {
			tr.SetStateReader(cache.Reader{Cache: r.cache})
		}
		r.tracks[targetID] = tr
	}
	r.mu.Unlock()
	tr.AddState(s)
}

// Track returns the track for a target id.
func (r *Recognizer) Track(targetID string) (*track.Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.tracks[targetID]
	return tr, ok
}

// TrackCount returns the number of tracks held.
func (r *Recognizer) TrackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}

// Reset drops all tracks and pending state.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	r.tracks = make(map[string]*track.Track)
	r.pending = make(map[string]struct{})
	r.hasRun = false
	r.mu.Unlock()
}

// MarkChanged adds target ids to the pending set for the next incremental
// run.
func (r *Recognizer) MarkChanged(targetIDs ...string) {
	r.mu.Lock()
	for _, id := range targetIDs {
		r.pending[id] = struct{}{}
	}
	r.mu.Unlock()
}

// PendingIDs returns a snapshot of the pending set.
func (r *Recognizer) PendingIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	return out
}

// PendingCount returns the size of the pending set.
func (r *Recognizer) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Recognize runs a full recognition pass over all tracks. Zero start and end
// derive the window from the tracks' own time bounds.
func (r *Recognizer) Recognize(start, end time.Time) []*formation.Formation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recognizeLocked(start, end)
}

// RecognizeIncremental runs recognition when the request is honoured:
// forced, first run, the minimum interval has elapsed, or targets changed
// since the last run. Tracks are refreshed from the cache first. The pending
// set is cleared and the run timestamp set on every honoured run.
func (r *Recognizer) RecognizeIncremental(force bool) ([]*formation.Formation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	honoured := force || !r.hasRun || now.Sub(r.lastRun) >= r.opts.MinInterval || len(r.pending) > 0
	if !honoured {
		return nil, false
	}

	r.refreshFromCacheLocked()
	fs := r.recognizeLocked(time.Time{}, time.Time{})

	r.pending = make(map[string]struct{})
	r.lastRun = now
	r.hasRun = true
	return fs, true
}

// refreshFromCacheLocked pulls the latest cached state into any track whose
// local history is behind the cache.
func (r *Recognizer) refreshFromCacheLocked() {
	if r.cache == nil {
		return
	}
	for id, tr := range r.tracks {
		entry, err := r.cache.Get(id)
		if err != nil {
			continue
		}
		latest := tr.LatestState()
		if latest == nil || entry.State.Timestamp.After(latest.Timestamp) {
			tr.AddState(entry.State)
		}
	}
}

type pairKey struct {
	a, b string // a < b
}

func makePairKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

type pairAgg struct {
	samples   int
	passes    int
	confSum   float64
	timeFirst time.Time
	timeLast  time.Time
}

func (r *Recognizer) recognizeLocked(start, end time.Time) []*formation.Formation {
	if len(r.tracks) < 2 {
		return nil
	}

	if start.IsZero() || end.IsZero() {
		var ok bool
		start, end, ok = r.timeBoundsLocked()
		if !ok {
			return nil
		}
	}
	if end.Before(start) {
		return nil
	}

	ids := make([]string, 0, len(r.tracks))
	for id := range r.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pairs := make(map[pairKey]*pairAgg)
	runEvals := make(map[string]int)
	runPasses := make(map[string]int)

	for t := start; !t.After(end); t = t.Add(r.opts.SamplingStep) {
		states := make(map[string]*track.State, len(ids))
		for _, id := range ids {
			if s := r.tracks[id].Interpolate(t); s != nil {
				states[id] = s
			}
		}

		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				s1, ok1 := states[ids[i]]
				s2, ok2 := states[ids[j]]
				if !ok1 || !ok2 {
					continue
				}

				eval := r.set.EvaluatePair(&rules.Context{
					Track1: r.tracks[ids[i]],
					Track2: r.tracks[ids[j]],
					State1: s1,
					State2: s2,
					Now:    t,
				})
				for name, res := range eval.Results {
					runEvals[name]++
					if res.Passed {
						runPasses[name]++
					}
				}

				key := makePairKey(ids[i], ids[j])
				agg, ok := pairs[key]
				if !ok {
					agg = &pairAgg{timeFirst: t, timeLast: t}
					pairs[key] = agg
				}
				agg.samples++
				if t.Before(agg.timeFirst) {
					agg.timeFirst = t
				}
				if t.After(agg.timeLast) {
					agg.timeLast = t
				}
				if eval.Passed {
					agg.passes++
					agg.confSum += eval.Confidence
				}
			}
		}
	}

	// Retain pairs that cohere persistently and long enough.
	type edge struct {
		key    pairKey
		weight float64
	}
	var edges []edge
	for key, agg := range pairs {
		if agg.samples == 0 || agg.passes == 0 {
			continue
		}
		persistence := float64(agg.passes) / float64(agg.samples)
		duration := agg.timeLast.Sub(agg.timeFirst)
		if persistence < r.opts.PersistenceThreshold || duration < r.opts.MinFormationDuration {
			continue
		}
		edges = append(edges, edge{key: key, weight: agg.confSum / float64(agg.passes)})
	}
	if len(edges) == 0 {
		return nil
	}

	// Connected components over retained edges.
	adj := make(map[string][]string)
	edgeWeight := make(map[pairKey]float64)
	for _, e := range edges {
		adj[e.key.a] = append(adj[e.key.a], e.key.b)
		adj[e.key.b] = append(adj[e.key.b], e.key.a)
		edgeWeight[e.key] = e.weight
	}

	visited := make(map[string]bool)
	var components [][]string
	for _, id := range ids {
		if visited[id] || adj[id] == nil {
			continue
		}
		var comp []string
		stack := []string{id}
		visited[id] = true
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, n)
			for _, m := range adj[n] {
				if !visited[m] {
					visited[m] = true
					stack = append(stack, m)
				}
			}
		}
		if len(comp) >= 2 {
			sort.Strings(comp)
			components = append(components, comp)
		}
	}

	appliedRules, passRates := r.ruleRunSummary(runEvals, runPasses)

	var out []*formation.Formation
	for _, comp := range components {
		f := r.buildFormation(comp, edgeWeight, start, end)
		if f == nil {
			continue
		}
		f.AppliedRules = appliedRules
		f.RulePassRates = passRates
		out = append(out, f)
	}
	if len(out) > 0 {
		monitoring.Logf("engine: recognised %d formation(s) over %d track(s)", len(out), len(r.tracks))
	}
	return out
}

func (r *Recognizer) ruleRunSummary(evals, passes map[string]int) ([]string, map[string]float64) {
	names := make([]string, 0, len(evals))
	for name := range evals {
		names = append(names, name)
	}
	sort.Strings(names)

	rates := make(map[string]float64, len(names))
	for _, name := range names {
		rates[name] = float64(passes[name]) / float64(evals[name])
	}
	return names, rates
}

// buildFormation derives member lists and summaries for one component.
// Members with too few states are dropped; a component reduced below two
// members is discarded.
func (r *Recognizer) buildFormation(comp []string, weights map[pairKey]float64, start, end time.Time) *formation.Formation {
	var members []formation.Member
	var allStates []track.State
	for _, id := range comp {
		tr := r.tracks[id]
		states := tr.StatesInRange(start, end)
		if len(states) < r.opts.MinTrackPoints {
			continue
		}
		members = append(members, formation.Member{
			TargetID:   id,
			TargetName: tr.TargetName,
			Platform:   tr.Attributes.Type,
			Attributes: tr.Attributes,
			JoinedAt:   states[0].Timestamp,
			States:     states,
		})
		allStates = append(allStates, states...)
	}
	if len(members) < 2 {
		return nil
	}

	memberSet := make(map[string]bool, len(members))
	for _, m := range members {
		memberSet[m.TargetID] = true
	}

	// Confidence is the mean weight of internal edges between surviving
	// members.
	var confSum float64
	edgeCount := 0
	for key, w := range weights {
		if memberSet[key.a] && memberSet[key.b] {
			confSum += w
			edgeCount++
		}
	}
	if edgeCount == 0 {
		return nil
	}

	first, last := allStates[0].Timestamp, allStates[0].Timestamp
	for _, s := range allStates[1:] {
		if s.Timestamp.Before(first) {
			first = s.Timestamp
		}
		if s.Timestamp.After(last) {
			last = s.Timestamp
		}
	}

	f := &formation.Formation{
		ID:         uuid.NewString(),
		Confidence: confSum / float64(edgeCount),
		Members:    members,
		StartTime:  first,
		EndTime:    last,
		CreatedAt:  r.now(),
		Spatial:    spatialSummary(allStates),
		Motion:     motionSummary(allStates),
	}
	f.Type = classify(members)
	return f
}

func spatialSummary(states []track.State) formation.SpatialSummary {
	box := geo.NewBoundingBox(states[0].Position)
	for _, s := range states[1:] {
		box.Extend(s.Position)
	}
	return formation.SpatialSummary{
		Box:             box,
		Center:          box.Center(),
		CoverageAreaKm2: box.CoverageAreaKm2(),
	}
}

func motionSummary(states []track.State) formation.MotionSummary {
	speeds := make([]float64, len(states))
	var sinSum, cosSum, altSum float64
	for i, s := range states {
		speeds[i] = s.Speed
		rad := s.Heading * math.Pi / 180
		sinSum += math.Sin(rad)
		cosSum += math.Cos(rad)
		altSum += s.Position.Altitude
	}

	n := float64(len(states))
	speedMean := stat.Mean(speeds, nil)
	var speedStd float64
	if len(speeds) > 1 {
		speedStd = stat.StdDev(speeds, nil)
	}

	// Resultant-vector circular statistics.
	resultant := math.Sqrt(sinSum*sinSum+cosSum*cosSum) / n
	headingMean := geo.NormalizeHeading(math.Atan2(sinSum, cosSum) * 180 / math.Pi)
	headingStd := math.Sqrt(-2*math.Log(math.Max(resultant, 1e-10))) * 180 / math.Pi

	return formation.MotionSummary{
		SpeedMean:     speedMean,
		SpeedStd:      speedStd,
		HeadingMean:   headingMean,
		HeadingStd:    headingStd,
		AltitudeLayer: geo.LayerForAltitude(altSum / n),
		Cohesion:      formation.Cohesion(headingStd),
	}
}

// classify maps the member platform multiset to a formation type. First
// match wins.
func classify(members []formation.Member) string {
	counts := make(map[track.PlatformType]int)
	for _, m := range members {
		counts[m.Platform]++
	}

	switch {
	case counts[track.PlatformAWACS] > 0 && len(members) >= 2:
		return "AEW-Controlled Group"
	case counts[track.PlatformTanker] > 0:
		return "Refueling Cell"
	case counts[track.PlatformEW] > 0:
		return "Strike Package with EW"
	case counts[track.PlatformFighter]+counts[track.PlatformUAV] == len(members):
		return "Fighter Section"
	case counts[track.PlatformBomber] > 0 && counts[track.PlatformFighter] > 0:
		return "Escorted Strike Package"
	case counts[track.PlatformBomber] > 0:
		return "Bomber Cell"
	case counts[track.PlatformTransport] > 0:
		return "Transport Formation"
	default:
		return "Mixed Formation"
	}
}

func (r *Recognizer) timeBoundsLocked() (time.Time, time.Time, bool) {
	var start, end time.Time
	found := false
	for _, tr := range r.tracks {
		s, e, ok := tr.TimeBounds()
		if !ok {
			continue
		}
		if !found || s.Before(start) {
			start = s
		}
		if !found || e.After(end) {
			end = e
		}
		found = true
	}
	return start, end, found
}
