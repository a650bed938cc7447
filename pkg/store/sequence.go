package store

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"weft/pkg/logger"
)

// threadSeq is the per-thread serialization point for order/stepOrder
// allocation and finalization. lastOrder is lazily recovered from the
// persisted high-water mark (thread meta) and the highest message key, then
// advanced under the mutex, so concurrent allocators always observe and
// exceed every previously issued order. A failed generation keeps the order
// it consumed; gaps are fine, regressions are not.
type threadSeq struct {
	mu        sync.Mutex
	loaded    bool
	lastOrder int64
	// steps tracks the next stepOrder per open order. Entries for orders
	// far behind lastOrder are pruned; finalized turns never allocate
	// steps again.
	steps map[int64]int64
}

func (s *Store) seqFor(threadID string) *threadSeq {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if sq, ok := s.seqs[threadID]; ok {
		return sq
	}
	sq := &threadSeq{steps: make(map[int64]int64)}
	s.seqs[threadID] = sq
	return sq
}

// NextOrder allocates the next turn index for the thread. The returned
// value is strictly greater than every previously issued order, including
// orders issued by earlier process incarnations.
func (s *Store) NextOrder(threadID string) (int64, error) {
	sq := s.seqFor(threadID)
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if err := s.ensureLoadedLocked(threadID, sq); err != nil {
		return 0, err
	}
	sq.lastOrder++
	order := sq.lastOrder
	sq.steps[order] = 1 // step 0 goes to the allocator
	sq.pruneLocked()
	if err := s.persistLastOrderLocked(threadID, order); err != nil {
		// roll back the in-memory advance so a retry re-issues the order
		sq.lastOrder--
		delete(sq.steps, order)
		return 0, err
	}
	return order, nil
}

// NextStepOrder allocates the next position within an already-issued order,
// starting at 0 for the order's first message.
func (s *Store) NextStepOrder(threadID string, order int64) (int64, error) {
	sq := s.seqFor(threadID)
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if err := s.ensureLoadedLocked(threadID, sq); err != nil {
		return 0, err
	}
	next, ok := sq.steps[order]
	if !ok {
		// Order predates this process or was pruned; recover from storage.
		recovered, err := s.maxStepForOrder(threadID, order)
		if err != nil {
			return 0, err
		}
		next = recovered + 1
	}
	sq.steps[order] = next + 1
	return next, nil
}

func (sq *threadSeq) pruneLocked() {
	for o := range sq.steps {
		if o < sq.lastOrder-8 {
			delete(sq.steps, o)
		}
	}
}

// ensureLoadedLocked recovers the order high-water mark: the max of the
// persisted thread.LastOrder and the highest message key actually present
// (the scan covers crashes between message write and meta write).
func (s *Store) ensureLoadedLocked(threadID string, sq *threadSeq) error {
	if sq.loaded {
		return nil
	}
	th, err := s.GetThread(threadID)
	if err != nil {
		return err
	}
	last := th.LastOrder
	order, step, found, err := s.maxOrderStep(threadID)
	if err != nil {
		return err
	}
	if found {
		if order > last {
			last = order
		}
		sq.steps[order] = step + 1
	}
	sq.lastOrder = last
	sq.loaded = true
	logger.Debug("sequence_recovered", "thread", threadID, "last_order", last)
	return nil
}

func (s *Store) persistLastOrderLocked(threadID string, order int64) error {
	th, err := s.GetThread(threadID)
	if err != nil {
		return err
	}
	if order <= th.LastOrder {
		return nil
	}
	th.LastOrder = order
	return s.saveThread(&th)
}

// maxOrderStep returns the (order, stepOrder) of the last message key in
// the thread, if any.
func (s *Store) maxOrderStep(threadID string) (order, step int64, found bool, err error) {
	prefix := msgPrefix(threadID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, 0, false, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, 0, false, iter.Error()
	}
	order, step, err = parseMsgKey(iter.Key(), prefix)
	if err != nil {
		return 0, 0, false, err
	}
	return order, step, true, nil
}

// maxStepForOrder returns the highest stepOrder stored for the order, or -1
// when the order has no messages yet.
func (s *Store) maxStepForOrder(threadID string, order int64) (int64, error) {
	lower := msgKey(threadID, order, 0)
	upper := prefixEnd(msgKey(threadID, order, 0)[:len(lower)-stepPad])
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return -1, iter.Error()
	}
	_, step, err := parseMsgKey(iter.Key(), msgPrefix(threadID))
	if err != nil {
		return 0, err
	}
	return step, nil
}

func parseMsgKey(key, prefix []byte) (order, step int64, err error) {
	rest := strings.TrimPrefix(string(key), string(prefix))
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.New("malformed message key: " + string(key))
	}
	order, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	step, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return order, step, nil
}

// ptr is the msg:<id> pointer record.
type ptr struct {
	ThreadID  string `json:"thread_id"`
	Order     int64  `json:"order"`
	StepOrder int64  `json:"step_order"`
}

func (s *Store) getPtr(messageID string) (ptr, error) {
	v, err := s.get(msgPtrKey(messageID))
	if err != nil {
		return ptr{}, err
	}
	var p ptr
	if err := json.Unmarshal(v, &p); err != nil {
		return ptr{}, err
	}
	return p, nil
}
