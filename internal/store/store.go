// Package store implements the CantinaOS working-memory store: a
// concurrency-safe key-value map with atomic multi-key transactions and an
// optional JSON snapshot on disk.
//
// Values must be JSON-serializable; the snapshot round-trips every value
// through encoding/json, so readers should expect the usual JSON shapes
// (map[string]any, []any, float64, string, bool) after a restart.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store is the working-memory store. All methods are safe for concurrent
// use. The zero value is not usable; construct with [New].
type Store struct {
	mu   sync.Mutex
	data map[string]any

	snapshotPath string
	log          *slog.Logger
}

// Option configures a [Store].
type Option func(*Store)

// WithSnapshot persists the store as JSON at path after every mutation and
// loads it at construction. A missing or corrupt snapshot is logged and
// ignored: the store starts empty rather than failing.
func WithSnapshot(path string) Option {
	return func(s *Store) { s.snapshotPath = path }
}

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a store, loading the snapshot when one is configured.
func New(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]any),
		log:  slog.Default().With("component", "store"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.snapshotPath != "" {
		s.load()
	}
	return s
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// GetInto unmarshals the value for key into out via its JSON form. Returns
// false when the key is absent; decoding failures return an error.
func (s *Store) GetInto(key string, out any) (bool, error) {
	s.mu.Lock()
	v, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return true, fmt.Errorf("store: encode %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return true, nil
}

// Set stores value under key and persists the snapshot when configured.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	s.persistLocked()
	s.mu.Unlock()
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.persistLocked()
	}
	s.mu.Unlock()
}

// Keys returns every key, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Txn is the view handed to [Store.Transact]. Reads and writes through a
// Txn are applied atomically with respect to all other store operations.
type Txn struct {
	store *Store
}

// Get returns the value for key within the transaction.
func (t *Txn) Get(key string) (any, bool) {
	v, ok := t.store.data[key]
	return v, ok
}

// Set stores value under key within the transaction.
func (t *Txn) Set(key string, value any) {
	t.store.data[key] = value
}

// Delete removes key within the transaction.
func (t *Txn) Delete(key string) {
	delete(t.store.data, key)
}

// Transact runs fn while holding the store lock, so the read-modify-write
// it performs is atomic. Concurrent transactions are serialized. When fn
// returns an error the snapshot is still consistent with the in-memory
// state: partial writes made before the error remain applied, as fn had
// full custody of the lock.
func (s *Store) Transact(fn func(tx *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := fn(&Txn{store: s})
	s.persistLocked()
	return err
}

// persistLocked writes the snapshot. Failures are logged, not returned:
// working memory stays authoritative in-process.
func (s *Store) persistLocked() {
	if s.snapshotPath == "" {
		return
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.log.Warn("snapshot encode failed", "err", err)
		return
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		s.log.Warn("snapshot dir create failed", "err", err)
		return
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.log.Warn("snapshot write failed", "err", err)
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		s.log.Warn("snapshot rename failed", "err", err)
	}
}

// load restores the snapshot. Any failure leaves the store empty.
func (s *Store) load() {
	raw, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("snapshot read failed, starting empty", "path", s.snapshotPath, "err", err)
		}
		return
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		s.log.Warn("snapshot corrupt, starting empty", "path", s.snapshotPath, "err", err)
		return
	}
	s.data = data
	s.log.Info("snapshot loaded", "keys", len(data))
}
