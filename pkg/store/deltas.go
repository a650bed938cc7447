package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"weft/pkg/models"
)

// AppendDelta persists one stream delta row keyed by (messageID, seq).
// Rows are written by the streaming engine while the message is pending.
func (s *Store) AppendDelta(d models.StreamDelta) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	return s.set(deltaKey(d.MessageID, d.Seq), b)
}

// ListDeltas returns the persisted deltas for a message with seq >= fromSeq
// in sequence order.
func (s *Store) ListDeltas(messageID string, fromSeq int64) ([]models.StreamDelta, error) {
	if fromSeq < 0 {
		fromSeq = 0
	}
	lower := deltaKey(messageID, fromSeq)
	upper := prefixEnd(deltaPrefix(messageID))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.StreamDelta
	for iter.First(); iter.Valid(); iter.Next() {
		var d models.StreamDelta
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			return nil, fmt.Errorf("invalid stored delta: %w", err)
		}
		out = append(out, d)
	}
	return out, iter.Error()
}

// DeleteDeltas removes all persisted deltas for a message. Used by callers
// who compact finalized messages down to their final content.
func (s *Store) DeleteDeltas(messageID string) error {
	prefix := deltaPrefix(messageID)
	return s.db.DeleteRange(prefix, prefixEnd(prefix), pebble.Sync)
}
