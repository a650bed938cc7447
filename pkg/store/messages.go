package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"

	"weft/pkg/apperr"
	"weft/pkg/ids"
	"weft/pkg/logger"
	"weft/pkg/models"
	"weft/pkg/telemetry"
)

// CreateMessageParams describes a message to insert. When Order is nil a
// fresh turn is allocated and the message takes stepOrder 0; when Order is
// set but StepOrder is nil, the next step within that turn is allocated.
type CreateMessageParams struct {
	Role    models.Role
	Parts   []models.Part
	Pending bool
	// ContextExcluded inverts the default context eligibility.
	ContextExcluded bool
	Order           *int64
	StepOrder       *int64
}

// CreateMessage inserts a message into the thread. In-flight generations
// are created pending; immediately-final content (a stored user prompt) is
// created success.
func (s *Store) CreateMessage(threadID string, p CreateMessageParams) (models.Message, error) {
	var order, step int64
	var err error
	switch {
	case p.Order == nil:
		order, err = s.NextOrder(threadID)
		if err != nil {
			return models.Message{}, err
		}
		step = 0
	case p.StepOrder == nil:
		order = *p.Order
		step, err = s.NextStepOrder(threadID, order)
		if err != nil {
			return models.Message{}, err
		}
	default:
		order, step = *p.Order, *p.StepOrder
	}

	status := models.StatusSuccess
	if p.Pending {
		status = models.StatusPending
	}
	m := models.Message{
		ID:              ids.NewMessageID(),
		ThreadID:        threadID,
		Order:           order,
		StepOrder:       step,
		Role:            p.Role,
		Parts:           p.Parts,
		Status:          status,
		ContextEligible: !p.ContextExcluded,
		CreatedTS:       time.Now().UTC().UnixNano(),
	}
	if err := s.putMessage(&m, true); err != nil {
		return models.Message{}, err
	}
	logger.Info("message_created", "thread", threadID, "id", m.ID,
		"order", order, "step", step, "status", string(status))
	telemetry.MessageCreated(string(p.Role), string(status))
	return m, nil
}

func (s *Store) putMessage(m *models.Message, fresh bool) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := msgKey(m.ThreadID, m.Order, m.StepOrder)
	if fresh {
		// (order, stepOrder) must be unique within the thread.
		if _, closer, err := s.db.Get(key); err == nil {
			if closer != nil {
				_ = closer.Close()
			}
			return apperr.Conflict(fmt.Sprintf("position (%d,%d) already taken in thread %s",
				m.Order, m.StepOrder, m.ThreadID))
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return err
		}
	}
	if err := s.set(key, data); err != nil {
		logger.Error("save_message_failed", "thread", m.ThreadID, "id", m.ID, "error", err)
		return err
	}
	pb, _ := json.Marshal(ptr{ThreadID: m.ThreadID, Order: m.Order, StepOrder: m.StepOrder})
	if err := s.set(msgPtrKey(m.ID), pb); err != nil {
		return err
	}
	if fresh && m.Status == models.StatusPending {
		if err := s.set(pendingKey(m.ID), []byte(strconv.FormatInt(m.CreatedTS, 10))); err != nil {
			return err
		}
	}
	return nil
}

// GetMessage returns the message for the given id.
func (s *Store) GetMessage(messageID string) (models.Message, error) {
	p, err := s.getPtr(messageID)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Message{}, apperr.NotFound("message", messageID)
		}
		return models.Message{}, err
	}
	v, err := s.get(msgKey(p.ThreadID, p.Order, p.StepOrder))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Message{}, apperr.NotFound("message", messageID)
		}
		return models.Message{}, err
	}
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return models.Message{}, fmt.Errorf("invalid stored message: %w", err)
	}
	return m, nil
}

// FinalizeOutcome carries the terminal state for a pending message.
type FinalizeOutcome struct {
	Status models.MessageStatus // StatusSuccess or StatusFailed
	// Parts replaces the message content on success. Nil keeps whatever
	// content was already recorded.
	Parts     []models.Part
	Usage     *models.Usage
	ErrReason string
	// EmbeddingID links the finalized content's stored embedding.
	EmbeddingID string
}

// FinalizeMessage transitions a pending message to success or failed.
// A second finalize to the same terminal status is a no-op; to a different
// terminal status it is a Conflict; finalizing a message that was never
// pending is an InvalidStateTransition.
func (s *Store) FinalizeMessage(messageID string, out FinalizeOutcome) (models.Message, error) {
	if out.Status != models.StatusSuccess && out.Status != models.StatusFailed {
		return models.Message{}, apperr.InvalidTransition(messageID, "pending", string(out.Status))
	}
	m, err := s.GetMessage(messageID)
	if err != nil {
		return models.Message{}, err
	}
	// serialize finalizes against each other per thread
	sq := s.seqFor(m.ThreadID)
	sq.mu.Lock()
	defer sq.mu.Unlock()

	// re-read under the lock; a racing finalize may have committed
	m, err = s.GetMessage(messageID)
	if err != nil {
		return models.Message{}, err
	}
	if m.Terminal() {
		if m.Status == out.Status {
			return m, nil
		}
		return models.Message{}, apperr.Conflict(fmt.Sprintf(
			"message %s already finalized as %s", messageID, m.Status))
	}
	if m.Status != models.StatusPending {
		return models.Message{}, apperr.InvalidTransition(messageID, string(m.Status), string(out.Status))
	}

	m.Status = out.Status
	if out.Parts != nil {
		m.Parts = out.Parts
	}
	m.Usage = out.Usage
	m.ErrReason = out.ErrReason
	if out.EmbeddingID != "" {
		m.EmbeddingID = out.EmbeddingID
	}
	if err := s.putMessage(&m, false); err != nil {
		return models.Message{}, err
	}
	if err := s.db.Delete(pendingKey(messageID), pebble.Sync); err != nil {
		return models.Message{}, err
	}
	logger.Info("message_finalized", "thread", m.ThreadID, "id", m.ID, "status", string(m.Status))
	telemetry.MessageFinalized(string(m.Status))
	return m, nil
}

// ListOptions controls pagination of a thread's messages.
type ListOptions struct {
	Desc     bool
	Limit    int
	Cursor   string
	Statuses []models.MessageStatus
}

// Page is one page of messages plus the cursor for the next page. An empty
// NextCursor means the listing is exhausted as of this read.
type Page struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// ListMessages pages through a thread's messages by (order, stepOrder).
// The cursor is a value bound, so pages never duplicate or skip an existing
// message even when new messages land between fetches.
func (s *Store) ListMessages(threadID string, opts ListOptions) (Page, error) {
	if _, err := s.GetThread(threadID); err != nil {
		return Page{}, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	prefix := msgPrefix(threadID)
	lower, upper := prefix, prefixEnd(prefix)
	if opts.Cursor != "" {
		order, step, err := decodeCursor(opts.Cursor)
		if err != nil {
			return Page{}, err
		}
		if opts.Desc {
			// everything strictly before the cursor position
			upper = msgKey(threadID, order, step)
		} else {
			// everything strictly after the cursor position
			lower = append(msgKey(threadID, order, step), 0)
		}
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return Page{}, err
	}
	defer iter.Close()

	wanted := func(st models.MessageStatus) bool {
		if len(opts.Statuses) == 0 {
			return true
		}
		for _, want := range opts.Statuses {
			if st == want {
				return true
			}
		}
		return false
	}

	var page Page
	var more bool
	visit := func() bool {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("message_unmarshal_failed", "key", string(iter.Key()), "error", err)
			return true
		}
		if !wanted(m.Status) {
			return true
		}
		if len(page.Messages) >= limit {
			more = true
			return false
		}
		page.Messages = append(page.Messages, m)
		return true
	}
	if opts.Desc {
		for ok := iter.Last(); ok; ok = iter.Prev() {
			if !visit() {
				break
			}
		}
	} else {
		for ok := iter.First(); ok; ok = iter.Next() {
			if !visit() {
				break
			}
		}
	}
	if err := iter.Error(); err != nil {
		return Page{}, err
	}
	if more && len(page.Messages) > 0 {
		last := page.Messages[len(page.Messages)-1]
		page.NextCursor = encodeCursor(last.Order, last.StepOrder)
	}
	return page, nil
}

// ListPendingOlderThan returns ids of pending messages created before the
// cutoff, for the sweeper.
func (s *Store) ListPendingOlderThan(cutoff time.Time) ([]string, error) {
	prefix := []byte("pending:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	cut := cutoff.UTC().UnixNano()
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		ts, err := strconv.ParseInt(string(iter.Value()), 10, 64)
		if err != nil {
			continue
		}
		if ts < cut {
			out = append(out, string(iter.Key()[len(prefix):]))
		}
	}
	return out, iter.Error()
}
