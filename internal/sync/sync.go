// Package sync implements session-scoped incremental pulls over the target
// cache: clients carry a per-target version map and receive only what moved
// since, plus a removed list and a full-sync bootstrap when they carry
// nothing.
package sync

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/formation.report/internal/cache"
	"github.com/banshee-data/formation.report/internal/store"
	"github.com/banshee-data/formation.report/internal/track"
)

// DefaultSessionTTL is how long an idle session survives. Any use refreshes
// it.
const DefaultSessionTTL = time.Hour

// maxDeltasPerTarget bounds how many delta events one pull carries per
// target; older history is available through the delta endpoints.
const maxDeltasPerTarget = 5

// ErrSessionNotFound covers both unknown and expired session ids.
var ErrSessionNotFound = errors.New("sync: session not found")

// Session is one client's sync context. An empty TargetIDs set means all
// targets.
type Session struct {
	SessionID string           `json:"session_id"`
	ClientID  string           `json:"client_id"`
	CreatedAt time.Time        `json:"created_at"`
	LastSync  time.Time        `json:"last_sync"`
	TargetIDs []string         `json:"target_ids,omitempty"`
	Versions  map[string]int64 `json:"versions,omitempty"`
}

// TargetUpdate is one target's slice of a pull package.
type TargetUpdate struct {
	TargetID string             `json:"target_id"`
	State    track.State        `json:"state"`
	Version  int64              `json:"version"`
	Deltas   []cache.DeltaEvent `json:"deltas,omitempty"`
}

// Package is the response to a pull: changed targets, removed target ids,
// and whether the client should treat it as a full snapshot.
type Package struct {
	SessionID  string         `json:"session_id,omitempty"`
	FullSync   bool           `json:"full_sync"`
	Targets    []TargetUpdate `json:"targets"`
	Removed    []string       `json:"removed,omitempty"`
	ServerTime time.Time      `json:"server_time"`
}

// ClientVersion is what a client knows about one target.
type ClientVersion struct {
	Version int64  `json:"version"`
	Hash    string `json:"hash,omitempty"`
}

// CompareResult tells a client which of its targets are stale and which
// server-side targets it lacks.
type CompareResult struct {
	NeedUpdate     []string         `json:"need_update"`
	NewTargets     []string         `json:"new_targets"`
	ServerVersions map[string]int64 `json:"server_versions"`
}

// Service answers sync pulls from the cache and keeps sessions on the shared
// backend.
type Service struct {
	backend *store.Backend
	cache   *cache.TargetCache
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithSessionTTL(d time.Duration) Option { return func(s *Service) { s.ttl = d } }

func withNow(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a sync service over the backend and cache.
func NewService(backend *store.Backend, c *cache.TargetCache, opts ...Option) *Service {
	s := &Service{backend: backend, cache: c, ttl: DefaultSessionTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sessionKey(sid string) []byte { return store.Key("sync", "session", sid) }

// CreateSession stores a new session for the client and returns it.
func (s *Service) CreateSession(clientID string, targetIDs []string) (*Session, error) {
	sess := &Session{
		SessionID: uuid.NewString(),
		ClientID:  clientID,
		CreatedAt: s.now(),
		LastSync:  s.now(),
		TargetIDs: targetIDs,
		Versions:  make(map[string]int64),
	}
	if err := s.saveSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Session loads a session by id, refreshing its TTL. ErrSessionNotFound when
// absent or expired.
func (s *Service) Session(sid string) (*Session, error) {
	var sess Session
	if err := s.backend.GetJSON(sessionKey(sid), &sess); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if err := s.saveSession(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession drops a session. Missing sessions are a no-op.
func (s *Service) DeleteSession(sid string) error {
	return s.backend.Delete(sessionKey(sid))
}

// SessionTTL reports the configured session lifetime.
func (s *Service) SessionTTL() time.Duration { return s.ttl }

func (s *Service) saveSession(sess *Session) error {
	return s.backend.SetJSON(sessionKey(sess.SessionID), sess, s.ttl)
}

// Pull builds an incremental package. Targets and base versions come from
// the arguments when given, otherwise from the session. An empty base map
// makes the pull a full sync; otherwise only targets whose version moved
// past the base are included, and base targets gone from the cache land in
// the removed list. A session, when present, has its version map refreshed.
func (s *Service) Pull(sessionID string, targetIDs []string, sinceVersions map[string]int64) (*Package, error) {
	var sess *Session
	if sessionID != "" {
		var err error
		sess, err = s.Session(sessionID)
		if err != nil {
			return nil, err
		}
		if len(targetIDs) == 0 {
			targetIDs = sess.TargetIDs
		}
		if sinceVersions == nil {
			sinceVersions = sess.Versions
		}
	}

	entries, err := s.resolveTargets(targetIDs)
	if err != nil {
		return nil, err
	}

	pkg := &Package{
		FullSync:   len(sinceVersions) == 0,
		Targets:    []TargetUpdate{},
		ServerTime: s.now(),
	}
	if sess != nil {
		pkg.SessionID = sess.SessionID
	}

	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		present[entry.TargetID] = true
		base := sinceVersions[entry.TargetID]
		if !pkg.FullSync && entry.Version <= base {
			continue
		}
		deltas, err := s.recentDeltas(entry.TargetID, base)
		if err != nil {
			return nil, err
		}
		pkg.Targets = append(pkg.Targets, TargetUpdate{
			TargetID: entry.TargetID,
			State:    entry.State,
			Version:  entry.Version,
			Deltas:   deltas,
		})
	}

	for tid := range sinceVersions {
		if !present[tid] {
			pkg.Removed = append(pkg.Removed, tid)
		}
	}
	sort.Strings(pkg.Removed)

	if sess != nil {
		if sess.Versions == nil {
			sess.Versions = make(map[string]int64)
		}
		for _, tu := range pkg.Targets {
			sess.Versions[tu.TargetID] = tu.Version
		}
		for _, tid := range pkg.Removed {
			delete(sess.Versions, tid)
		}
		sess.LastSync = s.now()
		if err := s.saveSession(sess); err != nil {
			return nil, err
		}
	}
	return pkg, nil
}

// PullFull returns an unconditional snapshot of the requested targets, or of
// every active target when none are named.
func (s *Service) PullFull(targetIDs []string) (*Package, error) {
	return s.Pull("", targetIDs, nil)
}

// CompareAndSync reports which client-held versions are stale and which
// active targets the client lacks.
func (s *Service) CompareAndSync(clientStates map[string]ClientVersion) (*CompareResult, error) {
	entries, err := s.resolveTargets(nil)
	if err != nil {
		return nil, err
	}

	res := &CompareResult{
		NeedUpdate:     []string{},
		NewTargets:     []string{},
		ServerVersions: make(map[string]int64, len(entries)),
	}
	for _, entry := range entries {
		res.ServerVersions[entry.TargetID] = entry.Version
		cv, ok := clientStates[entry.TargetID]
		switch {
		case !ok:
			res.NewTargets = append(res.NewTargets, entry.TargetID)
		case cv.Version < entry.Version, cv.Hash != "" && cv.Hash != entry.Hash:
			res.NeedUpdate = append(res.NeedUpdate, entry.TargetID)
		}
	}
	sort.Strings(res.NeedUpdate)
	sort.Strings(res.NewTargets)
	return res, nil
}

// resolveTargets loads the named cache entries, or all active ones when ids
// is empty. Named targets missing from the cache are skipped.
func (s *Service) resolveTargets(ids []string) ([]*cache.CachedTarget, error) {
	if len(ids) == 0 {
		entries, err := s.cache.AllActive()
		if err != nil {
			return nil, err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].TargetID < entries[j].TargetID })
		return entries, nil
	}

	batch, err := s.cache.GetBatch(ids)
	if err != nil {
		return nil, fmt.Errorf("sync: batch load: %w", err)
	}
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	out := make([]*cache.CachedTarget, 0, len(batch))
	for _, tid := range sorted {
		if entry, ok := batch[tid]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// recentDeltas returns the newest events past the base version, oldest
// first, capped per target.
func (s *Service) recentDeltas(targetID string, base int64) ([]cache.DeltaEvent, error) {
	events, err := s.cache.LastDeltas(targetID, maxDeltasPerTarget)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, ev := range events {
		if ev.Version > base {
			out = append(out, ev)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
