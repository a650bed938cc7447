package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Embedding is a stored vector for one message, used by vector recall.
type Embedding struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Vector    []float32 `json:"vector"`
}

// PutEmbedding stores the embedding vector for a message.
func (s *Store) PutEmbedding(e Embedding) error {
	if e.ThreadID == "" || e.MessageID == "" {
		return fmt.Errorf("embedding requires thread and message ids")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.set(embKey(e.ThreadID, e.MessageID), b)
}

// ScanEmbeddings streams all embeddings for a thread to fn. Returning
// false from fn stops the scan.
func (s *Store) ScanEmbeddings(threadID string, fn func(Embedding) bool) error {
	prefix := embPrefix(threadID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var e Embedding
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return fmt.Errorf("invalid stored embedding: %w", err)
		}
		if !fn(e) {
			break
		}
	}
	return iter.Error()
}
