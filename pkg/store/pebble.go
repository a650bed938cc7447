// Package store is the durable heart of weft: threads, messages, stream
// deltas and embeddings over a single pebble keyspace. Order allocation and
// finalization serialize per thread; see sequence.go.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"weft/pkg/apperr"
	"weft/pkg/ids"
	"weft/pkg/logger"
	"weft/pkg/models"
)

// Store owns the pebble handle and the per-thread sequencers.
type Store struct {
	db   *pebble.DB
	path string

	seqMu sync.Mutex
	seqs  map[string]*threadSeq
}

// Open opens (or creates) a pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &Store{db: db, path: path, seqs: make(map[string]*threadSeq)}, nil
}

// Close closes the underlying pebble DB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// Path returns the on-disk location of the database.
func (s *Store) Path() string { return s.path }

func (s *Store) set(key, val []byte) error {
	return s.db.Set(key, val, pebble.Sync)
}

func (s *Store) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

// --- Threads ---

// CreateThreadParams is the caller-supplied thread metadata.
type CreateThreadParams struct {
	UserID   string
	Title    string
	Summary  string
	Metadata map[string]any
}

// CreateThread stores a new active thread and returns it.
func (s *Store) CreateThread(p CreateThreadParams) (models.Thread, error) {
	now := time.Now().UTC().UnixNano()
	th := models.Thread{
		ID:        ids.NewThreadID(),
		UserID:    p.UserID,
		Title:     p.Title,
		Summary:   p.Summary,
		Status:    models.ThreadStatusActive,
		CreatedTS: now,
		UpdatedTS: now,
		Metadata:  p.Metadata,
	}
	if err := s.saveThread(&th); err != nil {
		return models.Thread{}, err
	}
	logger.Info("thread_created", "thread", th.ID, "user", th.UserID)
	return th, nil
}

func (s *Store) saveThread(th *models.Thread) error {
	b, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("marshal thread: %w", err)
	}
	if err := s.set(threadMetaKey(th.ID), b); err != nil {
		logger.Error("save_thread_failed", "thread", th.ID, "error", err)
		return err
	}
	return nil
}

// GetThread returns the thread metadata for the given id.
func (s *Store) GetThread(threadID string) (models.Thread, error) {
	v, err := s.get(threadMetaKey(threadID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Thread{}, apperr.NotFound("thread", threadID)
		}
		return models.Thread{}, err
	}
	var th models.Thread
	if err := json.Unmarshal(v, &th); err != nil {
		return models.Thread{}, fmt.Errorf("invalid thread metadata: %w", err)
	}
	return th, nil
}

// UpdateThreadMetadata applies a partial patch to thread metadata.
// Last write wins; no validation beyond shape.
func (s *Store) UpdateThreadMetadata(threadID string, patch models.ThreadPatch) (models.Thread, error) {
	seq := s.seqFor(threadID)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	th, err := s.GetThread(threadID)
	if err != nil {
		return models.Thread{}, err
	}
	if patch.Title != nil {
		th.Title = *patch.Title
	}
	if patch.Summary != nil {
		th.Summary = *patch.Summary
	}
	if patch.Metadata != nil {
		th.Metadata = *patch.Metadata
	}
	th.UpdatedTS = time.Now().UTC().UnixNano()
	if err := s.saveThread(&th); err != nil {
		return models.Thread{}, err
	}
	logger.Info("thread_updated", "thread", threadID)
	return th, nil
}

// ListThreadsByUser returns the user's threads ordered by recency of
// activity (most recently updated first), bounded by limit.
func (s *Store) ListThreadsByUser(userID string, limit int) ([]models.Thread, error) {
	out, err := s.scanThreads(func(th *models.Thread) bool { return th.UserID == userID })
	if err != nil {
		return nil, err
	}
	sortThreadsByUpdated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchThreadTitles returns best-effort ranked substring matches over
// thread titles, optionally scoped to a user. Not full-text search.
func (s *Store) SearchThreadTitles(userID, query string, limit int) ([]models.Thread, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	matches, err := s.scanThreads(func(th *models.Thread) bool {
		if userID != "" && th.UserID != userID {
			return false
		}
		return strings.Contains(strings.ToLower(th.Title), q)
	})
	if err != nil {
		return nil, err
	}
	// Rank: earlier match position beats later; ties broken by recency.
	sortThreadsByMatch(matches, q)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// AllThreads returns every thread in the store, for offline tooling and
// migrations.
func (s *Store) AllThreads() ([]models.Thread, error) {
	return s.scanThreads(func(*models.Thread) bool { return true })
}

func (s *Store) scanThreads(keep func(*models.Thread) bool) ([]models.Thread, error) {
	prefix := []byte("thread:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Thread
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			logger.Warn("thread_meta_unmarshal_failed", "key", string(iter.Key()), "error", err)
			continue
		}
		if keep(&th) {
			out = append(out, th)
		}
	}
	return out, iter.Error()
}

func sortThreadsByUpdated(ths []models.Thread) {
	sort.Slice(ths, func(i, j int) bool { return ths[i].UpdatedTS > ths[j].UpdatedTS })
}

func sortThreadsByMatch(ths []models.Thread, q string) {
	pos := func(th *models.Thread) int {
		return strings.Index(strings.ToLower(th.Title), q)
	}
	sort.Slice(ths, func(i, j int) bool {
		pi, pj := pos(&ths[i]), pos(&ths[j])
		if pi != pj {
			return pi < pj
		}
		return ths[i].UpdatedTS > ths[j].UpdatedTS
	})
}
