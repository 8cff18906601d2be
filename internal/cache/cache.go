// Package cache is the target state cache: latest state per target with a
// strictly monotonic version, a capped per-target delta log, and TTL-based
// expiry. It is the snapshot source for recognition and delta sync.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/banshee-data/formation.report/internal/geo"
	"github.com/banshee-data/formation.report/internal/monitoring"
	"github.com/banshee-data/formation.report/internal/store"
	"github.com/banshee-data/formation.report/internal/track"
)

// Defaults for retention and delta log sizing.
const (
	DefaultTargetTTL = 24 * time.Hour
	DefaultDeltaTTL  = 7 * 24 * time.Hour
	DefaultMaxDelta  = 10000
)

// EventKind tags a delta event.
type EventKind string

const (
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// FieldDiff is a scalar change in a delta event.
type FieldDiff struct {
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	Delta float64 `json:"delta"`
}

// PositionDiff is the positional change in a delta event.
type PositionDiff struct {
	From     geo.Position `json:"from"`
	To       geo.Position `json:"to"`
	DeltaLon float64      `json:"delta_lon"`
	DeltaLat float64      `json:"delta_lat"`
	DeltaAlt float64      `json:"delta_alt"`
}

// DeltaEvent records what changed between two successive publishes for one
// target, or why the target was removed.
type DeltaEvent struct {
	TargetID  string        `json:"target_id"`
	Version   int64         `json:"version"`
	Kind      EventKind     `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	Position  *PositionDiff `json:"position,omitempty"`
	Heading   *FieldDiff    `json:"heading,omitempty"`
	Speed     *FieldDiff    `json:"speed,omitempty"`
	Changed   []string      `json:"changed,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// CachedTarget is the cache entry: latest state, content hash, version, and
// the last-touched timestamp.
type CachedTarget struct {
	TargetID string      `json:"target_id"`
	State    track.State `json:"state"`
	Hash     string      `json:"hash"`
	Version  int64       `json:"version"`
	Touched  time.Time   `json:"touched"`
}

// PutResult reports the outcome of a put.
type PutResult struct {
	Updated bool // false on first publish for the target
	Version int64
	Delta   *DeltaEvent // nil when nothing observable changed
}

type deltaMeta struct {
	Count int `json:"count"`
}

// TargetCache stores per-target state and delta logs on the shared backend.
type TargetCache struct {
	backend   *store.Backend
	targetTTL time.Duration
	deltaTTL  time.Duration
	maxDelta  int
	now       func() time.Time
}

// Option configures a TargetCache.
type Option func(*TargetCache)

func WithTargetTTL(d time.Duration) Option { return func(c *TargetCache) { c.targetTTL = d } }
func WithDeltaTTL(d time.Duration) Option  { return func(c *TargetCache) { c.deltaTTL = d } }
func WithMaxDelta(n int) Option            { return func(c *TargetCache) { c.maxDelta = n } }

func withNow(now func() time.Time) Option { return func(c *TargetCache) { c.now = now } }

// New creates a cache over the backend with default retention.
func New(backend *store.Backend, opts ...Option) *TargetCache {
	c := &TargetCache{
		backend:   backend,
		targetTTL: DefaultTargetTTL,
		deltaTTL:  DefaultDeltaTTL,
		maxDelta:  DefaultMaxDelta,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func targetKey(id string) []byte  { return store.Key("target", id) }
func versionKey(id string) []byte { return store.Key("target", id, "version") }
func deltaPrefix(id string) []byte {
	return store.Key("delta", id)
}
func deltaKey(id string, version int64) []byte {
	return store.ScoreKey(deltaPrefix(id), version, "e")
}
func deltaMetaKey(id string) []byte { return store.Key("deltameta", id) }

// stateHash fingerprints the observable fields of a state. Used to report
// no-op writes; versions bump regardless.
func stateHash(s track.State) string {
	data, _ := json.Marshal(struct {
		P geo.Position `json:"p"`
		H float64      `json:"h"`
		S float64      `json:"s"`
		T float64      `json:"t"`
		R float64      `json:"r"`
	}{s.Position, s.Heading, s.Speed, s.Pitch, s.Roll})
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:8])
}

// Put publishes a state for the target. It atomically assigns the next
// version, stores state and hash, and refreshes the TTL. When an old state
// existed and position, heading, or speed differ, an UPDATE delta is
// appended. A delta append failure after the state write is logged and
// swallowed: state + version are the durable truth, the log is best-effort.
func (c *TargetCache) Put(targetID string, s track.State) (PutResult, error) {
	if targetID == "" {
		return PutResult{}, errors.New("cache: empty target id")
	}
	if strings.ContainsRune(targetID, ':') {
		return PutResult{}, fmt.Errorf("cache: target id %q may not contain ':'", targetID)
	}

	var res PutResult
	now := c.now()

	err := c.backend.Update(func(txn *badger.Txn) error {
		var old CachedTarget
		updated := true
		if err := store.TxnGetJSON(txn, targetKey(targetID), &old); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			updated = false
		}

		version := now.UnixMilli()
		if updated && version <= old.Version {
			version = old.Version + 1
		}

		entry := CachedTarget{
			TargetID: targetID,
			State:    s,
			Hash:     stateHash(s),
			Version:  version,
			Touched:  now,
		}
		if err := store.TxnSetJSON(txn, targetKey(targetID), entry, c.targetTTL); err != nil {
			return err
		}
		if err := store.TxnSetJSON(txn, versionKey(targetID), version, c.targetTTL); err != nil {
			return err
		}

		res = PutResult{Updated: updated, Version: version}
		if updated {
			res.Delta = buildDelta(targetID, version, now, old.State, s)
		}
		return nil
	})
	if err != nil {
		return PutResult{}, err
	}

	if res.Delta != nil {
		if err := c.appendDelta(res.Delta); err != nil {
			monitoring.Errorf("cache: delta append for %s failed: %v", targetID, err)
		}
	}
	return res, nil
}

// buildDelta returns an UPDATE event when position, heading, or speed
// changed, or nil.
func buildDelta(targetID string, version int64, at time.Time, old, new track.State) *DeltaEvent {
	ev := &DeltaEvent{
		TargetID:  targetID,
		Version:   version,
		Kind:      EventUpdate,
		Timestamp: at,
	}
	if old.Position != new.Position {
		ev.Position = &PositionDiff{
			From:     old.Position,
			To:       new.Position,
			DeltaLon: new.Position.Longitude - old.Position.Longitude,
			DeltaLat: new.Position.Latitude - old.Position.Latitude,
			DeltaAlt: new.Position.Altitude - old.Position.Altitude,
		}
		ev.Changed = append(ev.Changed, "position")
	}
	if old.Heading != new.Heading {
		ev.Heading = &FieldDiff{
			From:  old.Heading,
			To:    new.Heading,
			Delta: geo.HeadingDiff(old.Heading, new.Heading),
		}
		ev.Changed = append(ev.Changed, "heading")
	}
	if old.Speed != new.Speed {
		ev.Speed = &FieldDiff{From: old.Speed, To: new.Speed, Delta: new.Speed - old.Speed}
		ev.Changed = append(ev.Changed, "speed")
	}
	if len(ev.Changed) == 0 {
		return nil
	}
	return ev
}

// appendDelta writes the event and trims the log to the cap in one
// transaction.
func (c *TargetCache) appendDelta(ev *DeltaEvent) error {
	return c.backend.Update(func(txn *badger.Txn) error {
		if err := store.TxnSetJSON(txn, deltaKey(ev.TargetID, ev.Version), ev, c.deltaTTL); err != nil {
			return err
		}

		var meta deltaMeta
		if err := store.TxnGetJSON(txn, deltaMetaKey(ev.TargetID), &meta); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		meta.Count++

		if meta.Count > c.maxDelta {
			// Writes are not allowed while an iterator is open on the same
			// transaction, so collect the oldest keys first.
			excess := meta.Count - c.maxDelta
			var stale [][]byte
			err := store.TxnScan(txn, store.IterOptions{Prefix: deltaEventPrefix(ev.TargetID), KeysOnly: true, Limit: excess}, func(key, _ []byte) error {
				stale = append(stale, append([]byte{}, key...))
				return nil
			})
			if err != nil {
				return err
			}
			for _, key := range stale {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			meta.Count -= len(stale)
		}
		return store.TxnSetJSON(txn, deltaMetaKey(ev.TargetID), meta, c.deltaTTL)
	})
}

// deltaEventPrefix covers only event keys, not the meta record.
func deltaEventPrefix(id string) []byte {
	return append(deltaPrefix(id), ':')
}

// Get returns the cached entry for a target. store.ErrNotFound when absent
// or expired.
func (c *TargetCache) Get(targetID string) (*CachedTarget, error) {
	var entry CachedTarget
	if err := c.backend.GetJSON(targetKey(targetID), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetBatch returns the entries found for the given ids; missing ids are
// simply absent from the result.
func (c *TargetCache) GetBatch(targetIDs []string) (map[string]*CachedTarget, error) {
	out := make(map[string]*CachedTarget, len(targetIDs))
	for _, id := range targetIDs {
		entry, err := c.Get(id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = entry
	}
	return out, nil
}

// VersionOf returns the target's last version, 0 when absent.
func (c *TargetCache) VersionOf(targetID string) (int64, error) {
	var v int64
	err := c.backend.GetJSON(versionKey(targetID), &v)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Delete appends a DELETE event with the reason, then removes the state and
// version keys. The delta log is left to expire on its own TTL. Reports
// whether the target existed.
func (c *TargetCache) Delete(targetID, reason string) (bool, error) {
	old, err := c.Get(targetID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := c.now()
	version := now.UnixMilli()
	if version <= old.Version {
		version = old.Version + 1
	}
	ev := &DeltaEvent{
		TargetID:  targetID,
		Version:   version,
		Kind:      EventDelete,
		Timestamp: now,
		Reason:    reason,
	}
	if err := c.appendDelta(ev); err != nil {
		monitoring.Errorf("cache: delete delta append for %s failed: %v", targetID, err)
	}

	if err := c.backend.Delete(targetKey(targetID), versionKey(targetID)); err != nil {
		return false, err
	}
	return true, nil
}

// DeltaSince returns the target's delta events with version > sinceVersion,
// oldest first. limit <= 0 means no limit.
func (c *TargetCache) DeltaSince(targetID string, sinceVersion int64, limit int) ([]DeltaEvent, error) {
	var out []DeltaEvent
	err := c.backend.Scan(store.IterOptions{Prefix: deltaEventPrefix(targetID)}, func(_, value []byte) error {
		var ev DeltaEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		if ev.Version <= sinceVersion {
			return nil
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			return store.ErrStopIteration
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeltaInRange returns delta events with start <= timestamp <= end, oldest
// first.
func (c *TargetCache) DeltaInRange(targetID string, start, end time.Time) ([]DeltaEvent, error) {
	var out []DeltaEvent
	err := c.backend.Scan(store.IterOptions{Prefix: deltaEventPrefix(targetID)}, func(_, value []byte) error {
		var ev DeltaEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		if ev.Timestamp.Before(start) || ev.Timestamp.After(end) {
			return nil
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LastDeltas returns the most recent n events for the target, oldest first.
func (c *TargetCache) LastDeltas(targetID string, n int) ([]DeltaEvent, error) {
	var out []DeltaEvent
	err := c.backend.Scan(store.IterOptions{Prefix: deltaEventPrefix(targetID), Reverse: true, Limit: n}, func(_, value []byte) error {
		var ev DeltaEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse scan yields newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AllActive enumerates every live target entry by key scan.
func (c *TargetCache) AllActive() ([]*CachedTarget, error) {
	prefix := store.Key("target", "")
	var out []*CachedTarget
	err := c.backend.Scan(store.IterOptions{Prefix: prefix}, func(key, value []byte) error {
		if strings.HasSuffix(string(key), ":version") {
			return nil
		}
		var entry CachedTarget
		if err := json.Unmarshal(value, &entry); err != nil {
			return err
		}
		out = append(out, &entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes every target entry, version key, and delta log. Returns the
// number of keys removed.
func (c *TargetCache) Clear() (int, error) {
	prefixes := [][]byte{
		store.Key("target", ""),
		store.Key("delta", ""),
		store.Key("deltameta", ""),
	}
	removed := 0
	for _, prefix := range prefixes {
		var keys [][]byte
		err := c.backend.Scan(store.IterOptions{Prefix: prefix, KeysOnly: true}, func(key, _ []byte) error {
			keys = append(keys, append([]byte{}, key...))
			return nil
		})
		if err != nil {
			return removed, err
		}
		if len(keys) == 0 {
			continue
		}
		if err := c.backend.Delete(keys...); err != nil {
			return removed, err
		}
		removed += len(keys)
	}
	return removed, nil
}

// Reader adapts the cache to track.StateReader for near-now interpolation.
type Reader struct {
	Cache *TargetCache
}

// Get returns the latest cached state for the target, or nil when absent.
func (r Reader) Get(targetID string) (*track.State, error) {
	entry, err := r.Cache.Get(targetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := entry.State
	return &s, nil
}
