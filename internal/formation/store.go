package formation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/banshee-data/formation.report/internal/monitoring"
	"github.com/banshee-data/formation.report/internal/store"
)

// DefaultRetention is how long formation records and their indexes live.
const DefaultRetention = 7 * 24 * time.Hour

const dateLayout = "2006-01-02"

// statsDailyLimit bounds how many records one day contributes to
// statistics.
const statsDailyLimit = 1000

// Store persists formations on the shared backend with a reverse-scannable
// timeline index and per-day indexes.
type Store struct {
	backend   *store.Backend
	retention time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithRetention(d time.Duration) Option { return func(s *Store) { s.retention = d } }

func withNow(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// NewStore creates a formation store over the backend.
func NewStore(backend *store.Backend, opts ...Option) *Store {
	s := &Store{backend: backend, retention: DefaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func recordKey(fid string) []byte { return store.Key("formation", fid) }

func timelinePrefix() []byte { return store.Key("formations", "timeline") }

func timelineKey(createdAt time.Time, fid string) []byte {
	return store.ScoreKey(timelinePrefix(), createdAt.UnixMilli(), fid)
}

func dailyPrefix(date string) []byte { return store.Key("formations", "daily", date) }

func dailyKey(createdAt time.Time, fid string) []byte {
	return store.ScoreKey(dailyPrefix(createdAt.UTC().Format(dateLayout)), createdAt.UnixMilli(), fid)
}

// Save stores a formation with its timeline and daily index entries in one
// transaction. An empty ID gets a generated one; a zero CreatedAt gets now.
// Returns the stored id.
func (s *Store) Save(f *Formation) (string, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}

	err := s.backend.Update(func(txn *badger.Txn) error {
		if err := store.TxnSetJSON(txn, recordKey(f.ID), f, s.retention); err != nil {
			return err
		}
		if err := store.TxnSetJSON(txn, timelineKey(f.CreatedAt, f.ID), f.ID, s.retention); err != nil {
			return err
		}
		return store.TxnSetJSON(txn, dailyKey(f.CreatedAt, f.ID), f.ID, s.retention)
	})
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

// SaveBatch stores several formations, returning the ids in order. The first
// failure aborts the batch.
func (s *Store) SaveBatch(fs []*Formation) ([]string, error) {
	ids := make([]string, 0, len(fs))
	for _, f := range fs {
		id, err := s.Save(f)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get returns a formation by id. store.ErrNotFound when absent or expired.
func (s *Store) Get(fid string) (*Formation, error) {
	var f Formation
	if err := s.backend.GetJSON(recordKey(fid), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Delete removes a formation record and its index entries. Missing records
// are a no-op.
func (s *Store) Delete(fid string) error {
	f, err := s.Get(fid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.backend.Delete(recordKey(fid), timelineKey(f.CreatedAt, fid), dailyKey(f.CreatedAt, fid))
}

// resolve loads the records behind a set of index hits, skipping orphans.
func (s *Store) resolve(ids []string) ([]*Formation, error) {
	out := make([]*Formation, 0, len(ids))
	for _, fid := range ids {
		f, err := s.Get(fid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Latest returns the n most recently created formations, newest first.
func (s *Store) Latest(n int) ([]*Formation, error) {
	var ids []string
	err := s.backend.Scan(store.IterOptions{Prefix: timelinePrefix(), Reverse: true, Limit: n}, func(_, value []byte) error {
		var fid string
		if err := json.Unmarshal(value, &fid); err != nil {
			return err
		}
		ids = append(ids, fid)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.resolve(ids)
}

// ByTimeRange returns formations created within [start, end], oldest first.
func (s *Store) ByTimeRange(start, end time.Time) ([]*Formation, error) {
	lo := start.UnixMilli()
	hi := end.UnixMilli()
	var ids []string
	err := s.backend.Scan(store.IterOptions{Prefix: timelinePrefix()}, func(key, value []byte) error {
		score, ok := scoreFromKey(key)
		if !ok || score < lo {
			return nil
		}
		if score > hi {
			return store.ErrStopIteration
		}
		var fid string
		if err := json.Unmarshal(value, &fid); err != nil {
			return err
		}
		ids = append(ids, fid)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.resolve(ids)
}

// ByDate returns formations created on a UTC date ("2006-01-02"), oldest
// first.
func (s *Store) ByDate(date string) ([]*Formation, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("formation: bad date %q: %w", date, err)
	}
	var ids []string
	err := s.backend.Scan(store.IterOptions{Prefix: dailyPrefix(date)}, func(_, value []byte) error {
		var fid string
		if err := json.Unmarshal(value, &fid); err != nil {
			return err
		}
		ids = append(ids, fid)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.resolve(ids)
}

// Active returns formations whose time range reaches into the last window
// (default use: five minutes) before now.
func (s *Store) Active(window time.Duration) ([]*Formation, error) {
	cutoff := s.now().Add(-window)
	latest, err := s.Latest(0)
	if err != nil {
		return nil, err
	}
	var out []*Formation
	for _, f := range latest {
		if !f.EndTime.Before(cutoff) {
			out = append(out, f)
		}
	}
	return out, nil
}

// DailyStat is one day's slice of the statistics report.
type DailyStat struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Statistics summarises the last N days of stored formations.
type Statistics struct {
	Days           []DailyStat    `json:"days"`
	Total          int            `json:"total"`
	TypeCounts     map[string]int `json:"type_counts"`
	MeanConfidence float64        `json:"mean_confidence"`
}

// Stats aggregates per-day counts, a type distribution, and the mean
// confidence over the last days, newest day first.
func (s *Store) Stats(days int) (*Statistics, error) {
	if days <= 0 {
		days = 7
	}
	stats := &Statistics{TypeCounts: make(map[string]int)}
	var confSum float64

	today := s.now().UTC().Truncate(24 * time.Hour)
	for i := 0; i < days; i++ {
		date := today.AddDate(0, 0, -i).Format(dateLayout)
		fs, err := s.ByDate(date)
		if err != nil {
			return nil, err
		}
		if len(fs) > statsDailyLimit {
			fs = fs[:statsDailyLimit]
		}
		stats.Days = append(stats.Days, DailyStat{Date: date, Count: len(fs)})
		for _, f := range fs {
			stats.Total++
			stats.TypeCounts[f.Type]++
			confSum += f.Confidence
		}
	}
	if stats.Total > 0 {
		stats.MeanConfidence = confSum / float64(stats.Total)
	}
	return stats, nil
}

// CleanupExpired removes index entries whose record is gone and daily
// indexes older than the retention window. Records themselves expire via
// TTL. Safe to run repeatedly.
func (s *Store) CleanupExpired() (int, error) {
	removed := 0

	var orphans [][]byte
	err := s.backend.Scan(store.IterOptions{Prefix: timelinePrefix()}, func(key, value []byte) error {
		var fid string
		if err := json.Unmarshal(value, &fid); err != nil {
			return err
		}
		if ok, err := s.backend.Exists(recordKey(fid)); err != nil {
			return err
		} else if !ok {
			orphans = append(orphans, append([]byte{}, key...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	cutoffDate := s.now().UTC().Add(-s.retention).Format(dateLayout)
	dailyRoot := store.Key("formations", "daily", "")
	err = s.backend.Scan(store.IterOptions{Prefix: dailyRoot, KeysOnly: true}, func(key, _ []byte) error {
		date, fid, ok := dailyParts(key)
		if !ok {
			return nil
		}
		if date < cutoffDate {
			orphans = append(orphans, append([]byte{}, key...))
			return nil
		}
		if ok, err := s.backend.Exists(recordKey(fid)); err != nil {
			return err
		} else if !ok {
			orphans = append(orphans, append([]byte{}, key...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(orphans) > 0 {
		if err := s.backend.Delete(orphans...); err != nil {
			return 0, err
		}
		removed = len(orphans)
		monitoring.Logf("formation: cleanup removed %d stale index entries", removed)
	}
	return removed, nil
}

// scoreFromKey parses the zero-padded score out of a timeline index key.
func scoreFromKey(key []byte) (int64, bool) {
	parts := strings.Split(string(key), ":")
	// formation:formations:timeline:<score>:<fid>
	if len(parts) < 5 {
		return 0, false
	}
	var score int64
	if _, err := fmt.Sscanf(parts[3], "%d", &score); err != nil {
		return 0, false
	}
	return score, true
}

// dailyParts parses the date and formation id out of a daily index key.
func dailyParts(key []byte) (date, fid string, ok bool) {
	parts := strings.Split(string(key), ":")
	// formation:formations:daily:<date>:<score>:<fid>
	if len(parts) < 6 {
		return "", "", false
	}
	return parts[3], parts[5], true
}
