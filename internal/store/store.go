// Package store wraps BadgerDB as the shared cache backend for the formation
// service. It provides the namespaced keyspace, TTL'd JSON records, ordered
// score-indexed keys for time queries, and transactional multi-key writes.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/banshee-data/formation.report/internal/monitoring"
)

// Namespace prefixes every key written by the service.
const Namespace = "formation"

// Sentinel errors exposed to callers. ErrUnavailable marks retryable backend
// failures; ErrNotFound marks a missing key.
var (
	ErrNotFound    = errors.New("store: key not found")
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Config holds configuration for the backend.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Used by tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Zero disables the GC loop.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC runs.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes and a five minute
// GC cadence.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk IO, no GC loop.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Backend is the opened store. All component stores (target cache, formation
// store, sync sessions) share one Backend.
type Backend struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open creates and opens the backend with the given configuration.
func Open(cfg Config) (*Backend, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: path is required for persistent mode")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open backend: %w", err)
	}

	b := &Backend{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.doneGC = make(chan struct{})
		go b.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

func (b *Backend) gcLoop(interval time.Duration, discardRatio float64) {
	defer close(b.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			// Rewrites at most one value log file per call; loop until
			// nothing is reclaimable.
			for {
				if err := b.db.RunValueLogGC(discardRatio); err != nil {
					break
				}
			}
		}
	}
}

// Close stops the GC loop and closes the database.
func (b *Backend) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.doneGC
	}
	return b.db.Close()
}

// Key joins parts under the service namespace: Key("target", "T1") yields
// "formation:target:T1".
func Key(parts ...string) []byte {
	buf := bytes.NewBufferString(Namespace)
	for _, p := range parts {
		buf.WriteByte(':')
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// ScoreKey appends a zero-padded decimal score plus a member suffix to the
// prefix, producing keys whose lexicographic order equals score order. It
// emulates an ordered set over the keyspace.
func ScoreKey(prefix []byte, score int64, member string) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%s", prefix, score, member))
}

// SetJSON writes v as JSON under key. A positive ttl expires the entry.
func (b *Backend) SetJSON(key []byte, v interface{}, ttl time.Duration) error {
	return b.Update(func(txn *badger.Txn) error {
		return TxnSetJSON(txn, key, v, ttl)
	})
}

// GetJSON reads the JSON value at key into out. Returns ErrNotFound for a
// missing or expired key.
func (b *Backend) GetJSON(key []byte, out interface{}) error {
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Exists reports whether key is present and unexpired.
func (b *Backend) Exists(key []byte) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// Delete removes the given keys in one transaction. Missing keys are ignored.
func (b *Backend) Delete(keys ...[]byte) error {
	return b.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

// Update runs fn inside a read-write transaction, retrying once on conflict.
// Component stores use it to pipeline state write + TTL refresh + index
// updates atomically.
func (b *Backend) Update(fn func(txn *badger.Txn) error) error {
	err := b.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		err = b.db.Update(fn)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// View runs fn inside a read-only transaction.
func (b *Backend) View(fn func(txn *badger.Txn) error) error {
	err := b.db.View(fn)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// TxnSetJSON writes v as JSON under key within an existing transaction.
func TxnSetJSON(txn *badger.Txn, key []byte, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	entry := badger.NewEntry(key, data)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return txn.SetEntry(entry)
}

// TxnGetJSON reads the JSON value at key within an existing transaction.
func TxnGetJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

// IterOptions controls a keyspace scan.
type IterOptions struct {
	Prefix  []byte
	Reverse bool
	// KeysOnly skips value fetches for key enumeration scans.
	KeysOnly bool
	// Limit stops the scan after this many items when positive.
	Limit int
}

// Scan iterates keys under opts.Prefix in lexicographic (or reverse) order,
// calling fn with each key and raw value (nil in KeysOnly mode). Returning a
// non-nil error from fn stops the scan; ErrStopIteration stops it cleanly.
func (b *Backend) Scan(opts IterOptions, fn func(key []byte, value []byte) error) error {
	err := b.db.View(func(txn *badger.Txn) error {
		return scanTxn(txn, opts, fn)
	})
	if err != nil && !errors.Is(err, ErrStopIteration) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ErrStopIteration stops a Scan without error.
var ErrStopIteration = errors.New("store: stop iteration")

// TxnScan runs a keyspace scan inside an existing transaction, so writers can
// read-modify-delete ranges atomically. ErrStopIteration stops it cleanly.
func TxnScan(txn *badger.Txn, opts IterOptions, fn func(key, value []byte) error) error {
	err := scanTxn(txn, opts, fn)
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

func scanTxn(txn *badger.Txn, opts IterOptions, fn func(key, value []byte) error) error {
	it := txn.NewIterator(badger.IteratorOptions{
		Prefix:         opts.Prefix,
		Reverse:        opts.Reverse,
		PrefetchValues: !opts.KeysOnly,
		PrefetchSize:   100,
	})
	defer it.Close()

	seek := opts.Prefix
	if opts.Reverse {
		// Seek past the last key under the prefix.
		seek = append(append([]byte{}, opts.Prefix...), 0xff)
	}

	count := 0
	for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
		if opts.Limit > 0 && count >= opts.Limit {
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		var value []byte
		if !opts.KeysOnly {
			var err error
			value, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		}
		if err := fn(key, value); err != nil {
			return err
		}
		count++
	}
	return nil
}

// DropAll removes every key in the backend. Administrative use only.
func (b *Backend) DropAll() error {
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	monitoring.Logf("store: dropped all keys")
	return nil
}

// EntryCount scans the namespace and returns the number of live keys. Used
// by the hourly maintenance probe.
func (b *Backend) EntryCount() (int, error) {
	n := 0
	err := b.Scan(IterOptions{Prefix: []byte(Namespace), KeysOnly: true}, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
