// Package store keeps enrolled identity embeddings in memory, answers
// threshold-gated nearest-match queries and persists records to a binary file.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/example/faceguard/internal/logging"
)

// Record is one enrolled identity sample. Records are immutable once stored.
type Record struct {
	ID        string
	Name      string
	Embedding []float32
}

// Match is the best scoring record for a query.
type Match struct {
	ID    string
	Name  string
	Score float64
}

// Store is an append-only, mutex-guarded collection of records backed by a file.
// The same name may be enrolled any number of times.
type Store struct {
	mu      sync.RWMutex
	saveMu  sync.Mutex
	records []Record
	path    string
	rng     *rand.Rand
	logger  *zap.Logger
}

// New creates an empty store bound to path. rng drives identifier suffixes and
// is owned by the store from here on. An empty path keeps the store in memory only.
func New(path string, rng *rand.Rand, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		rng:    rng,
		logger: logger.Named("embedding_store"),
	}
}

// Open creates a store and loads path into it. A missing file yields an empty
// store. A corrupt file also yields an empty store, together with the load
// error so callers can report it; the returned store is always usable.
func Open(path string, rng *rand.Rand, logger *zap.Logger) (*Store, error) {
	s := New(path, rng, logger)
	if err := s.Load(); err != nil {
		return s, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Insert appends a record for name with a freshly generated identifier and
// returns it. The embedding is copied.
func (s *Store) Insert(name string, embedding []float32) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		ID:        fmt.Sprintf("%s_%08x", name, s.rng.Uint32()),
		Name:      name,
		Embedding: slices.Clone(embedding),
	}
	s.records = append(s.records, rec)
	return rec
}

// FindBestMatch scans every record and returns the one with the highest cosine
// similarity to query, provided that similarity is at least threshold. Equal
// scores keep the earliest inserted record.
func (s *Store) FindBestMatch(query []float32, threshold float64) (Match, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  Match
		found bool
	)
	for i := range s.records {
		rec := &s.records[i]
		score := CosineSimilarity(query, rec.Embedding)
		if !found || score > best.Score {
			best = Match{ID: rec.ID, Name: rec.Name, Score: score}
			found = true
		}
	}
	if !found || best.Score < threshold {
		return Match{}, false
	}
	return best, true
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a copy of all records in insertion order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	for i, rec := range s.records {
		out[i] = Record{ID: rec.ID, Name: rec.Name, Embedding: slices.Clone(rec.Embedding)}
	}
	return out
}

// Clear drops every record. The backing file is untouched until the next Save.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
}

// Load replaces the in-memory records with the contents of the backing file.
// A missing file leaves the store empty and is not an error. Any read or
// decode failure also leaves the store empty and is reported.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("store file not found, starting empty", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return logging.NewOperationError("store.load", "", err)
	}
	defer f.Close()

	records, err := decodeRecords(f)
	if err != nil {
		return logging.NewOperationError("store.load", "", err)
	}
	s.records = records
	s.logger.Info("store loaded", zap.String("path", s.path), zap.Int("records", len(records)))
	return nil
}

// Save writes all records to the backing file. The data goes to a uniquely
// named pending file first and is renamed over the target once synced.
// Saves are serialised so the file always holds the latest snapshot written.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.writeFile(); err != nil {
		return logging.NewOperationError("store.save", "", err)
	}
	s.logger.Debug("store saved", zap.String("path", s.path), zap.Int("records", len(s.records)))
	return nil
}

// Close flushes the store to disk.
func (s *Store) Close() error {
	return s.Save()
}

func (s *Store) writeFile() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	pending, err := renameio.NewPendingFile(s.path, renameio.WithStaticPermissions(0o600))
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if err := encodeRecords(pending, s.records); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}
