// Package stream is the delta engine: it buffers in-flight generation
// output, optionally persists every fragment, and fans deltas out to any
// number of subscribers, who can join late or resume after a disconnect
// without duplicates or gaps.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"weft/pkg/apperr"
	"weft/pkg/logger"
	"weft/pkg/models"
	"weft/pkg/store"
	"weft/pkg/telemetry"
)

// ErrFragmentTooLarge is returned by Append when a single fragment exceeds
// the configured cap.
var ErrFragmentTooLarge = errors.New("fragment exceeds max size")

// Engine multiplexes per-message broadcasters. One producer per message in
// practice, any number of subscribers; subscribers never block the
// producer.
type Engine struct {
	store *store.Store

	// subscriberBuffer bounds each subscriber's queue. A subscriber that
	// falls this far behind is disconnected and must resume from its last
	// seen sequence; no data is lost when persistence is on.
	subscriberBuffer int
	maxFragment      int64

	mu     sync.Mutex
	active map[string]*broadcaster
}

// Config tunes the engine.
type Config struct {
	SubscriberBuffer int
	MaxFragmentBytes int64
}

// New builds an Engine over the given store.
func New(st *store.Store, cfg Config) *Engine {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	return &Engine{
		store:            st,
		subscriberBuffer: cfg.SubscriberBuffer,
		maxFragment:      cfg.MaxFragmentBytes,
		active:           make(map[string]*broadcaster),
	}
}

type subscriber struct {
	ch chan models.StreamDelta
	// startSeq is the first live sequence this subscriber expects; history
	// below it was replayed at attach time.
	startSeq int64
	closed   bool
}

type broadcaster struct {
	mu      sync.Mutex
	persist bool
	lastSeq int64 // last applied seq, -1 before the first fragment
	history []models.StreamDelta
	done    bool
	subs    map[*subscriber]struct{}
}

// Open registers (or reattaches to) the broadcaster for a pending message.
// persist selects whether fragments are written as delta rows; ephemeral
// streams trade resumability across restarts for fewer writes.
func (e *Engine) Open(messageID string, persist bool) error {
	m, err := e.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if m.Status != models.StatusPending {
		return apperr.InvalidTransition(messageID, string(m.Status), "streaming")
	}
	_, err = e.getOrCreate(messageID, persist)
	return err
}

func (e *Engine) getOrCreate(messageID string, persist bool) (*broadcaster, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.active[messageID]; ok {
		return b, nil
	}
	b := &broadcaster{lastSeq: -1, persist: persist, subs: make(map[*subscriber]struct{})}
	// Recover from rows persisted by an earlier incarnation so resumed
	// producers keep sequence numbers monotonic.
	rows, err := e.store.ListDeltas(messageID, 0)
	if err != nil {
		return nil, err
	}
	for _, d := range rows {
		if d.Final {
			continue
		}
		b.history = append(b.history, d)
		if d.Seq > b.lastSeq {
			b.lastSeq = d.Seq
		}
	}
	e.active[messageID] = b
	return b, nil
}

// Append applies one producer fragment. Fragments with seq at or below the
// last applied sequence are dropped, which makes delivery idempotent under
// retries. The producer is never blocked by slow subscribers.
func (e *Engine) Append(messageID string, seq int64, fragment string) error {
	if e.maxFragment > 0 && int64(len(fragment)) > e.maxFragment {
		return fmt.Errorf("%w: %d bytes", ErrFragmentTooLarge, len(fragment))
	}
	b, err := e.getOrCreate(messageID, true)
	if err != nil {
		return err
	}
	d := models.StreamDelta{
		MessageID: messageID,
		Seq:       seq,
		Fragment:  fragment,
		TS:        time.Now().UTC().UnixNano(),
	}

	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return apperr.InvalidTransition(messageID, "finalized", "append")
	}
	if seq <= b.lastSeq {
		b.mu.Unlock()
		logger.Debug("delta_dropped_stale", "message", messageID, "seq", seq)
		return nil
	}
	b.lastSeq = seq
	b.history = append(b.history, d)
	persist := b.persist
	b.deliverLocked(d)
	b.mu.Unlock()
	telemetry.DeltaAppended()

	if persist {
		if err := e.store.AppendDelta(d); err != nil {
			return err
		}
	}
	return nil
}

// deliverLocked fans one delta out to live subscribers. A subscriber whose
// bounded queue is full is disconnected rather than blocking the producer;
// it can resubscribe from its last seen sequence.
func (b *broadcaster) deliverLocked(d models.StreamDelta) {
	for sub := range b.subs {
		if d.Seq < sub.startSeq && !d.Final {
			continue
		}
		select {
		case sub.ch <- d:
		default:
			logger.Warn("subscriber_overflow", "message", d.MessageID, "seq", d.Seq)
			telemetry.SubscriberDropped()
			close(sub.ch)
			sub.closed = true
			delete(b.subs, sub)
		}
	}
}

// Finish broadcasts the terminal marker and retires the broadcaster. The
// message itself must already be finalized in the store by the caller.
func (e *Engine) Finish(messageID string) error {
	e.mu.Lock()
	b, ok := e.active[messageID]
	if ok {
		delete(e.active, messageID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return nil
	}
	b.done = true
	final := models.StreamDelta{
		MessageID: messageID,
		Seq:       b.lastSeq + 1,
		Final:     true,
		TS:        time.Now().UTC().UnixNano(),
	}
	if b.persist {
		if err := e.store.AppendDelta(final); err != nil {
			return err
		}
	}
	for sub := range b.subs {
		select {
		case sub.ch <- final:
		default:
			// queue full; the subscriber still observes termination via
			// channel close below
		}
		close(sub.ch)
		delete(b.subs, sub)
	}
	return nil
}

// Subscribe returns a channel of deltas for the message starting at
// fromSeq: first the missed fragments, then live ones. The channel closes
// after the terminal marker, or immediately after replay if the message is
// already finalized. cancel detaches without affecting the producer or
// other subscribers.
func (e *Engine) Subscribe(ctx context.Context, messageID string, fromSeq int64) (<-chan models.StreamDelta, func(), error) {
	m, err := e.store.GetMessage(messageID)
	if err != nil {
		return nil, nil, err
	}
	if m.Terminal() {
		return e.replayFinalized(&m, fromSeq)
	}

	b, err := e.getOrCreate(messageID, true)
	if err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		// finalized between the status read and attach; take the replay path
		m, err := e.store.GetMessage(messageID)
		if err != nil {
			return nil, nil, err
		}
		return e.replayFinalized(&m, fromSeq)
	}
	// Snapshot history under the lock and register for everything after
	// it: no gap, no duplicate.
	var replay []models.StreamDelta
	for _, d := range b.history {
		if d.Seq >= fromSeq {
			replay = append(replay, d)
		}
	}
	sub := &subscriber{
		ch:       make(chan models.StreamDelta, e.subscriberBuffer),
		startSeq: b.lastSeq + 1,
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	out := make(chan models.StreamDelta)
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			if !sub.closed {
				close(sub.ch)
				sub.closed = true
			}
		}
		b.mu.Unlock()
	}
	go func() {
		defer close(out)
		for _, d := range replay {
			select {
			case out <- d:
			case <-ctx.Done():
				cancel()
				return
			}
		}
		for {
			select {
			case d, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					cancel()
					return
				}
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
	return out, cancel, nil
}

// replayFinalized serves a subscriber that connected after finalize:
// persisted deltas from fromSeq if any exist, otherwise the reconstructed
// content as a single fragment, then the terminal marker.
func (e *Engine) replayFinalized(m *models.Message, fromSeq int64) (<-chan models.StreamDelta, func(), error) {
	rows, err := e.store.ListDeltas(m.ID, fromSeq)
	if err != nil {
		return nil, nil, err
	}
	var out []models.StreamDelta
	sawFinal := false
	lastSeq := int64(-1)
	for _, d := range rows {
		if d.Final {
			sawFinal = true
		}
		if d.Seq > lastSeq {
			lastSeq = d.Seq
		}
		out = append(out, d)
	}
	switch {
	case sawFinal:
		// persisted stream, nothing to synthesize
	case len(out) > 0:
		// rows exist but the terminal marker was never written; the
		// message is finalized, so close the stream ourselves
		out = append(out, models.StreamDelta{MessageID: m.ID, Seq: lastSeq + 1, Final: true, TS: m.CreatedTS})
	default:
		// ephemeral stream: hand the caller the finalized content directly
		if fromSeq <= 0 && m.Status == models.StatusSuccess {
			out = append(out, models.StreamDelta{MessageID: m.ID, Seq: 0, Fragment: m.Text(), TS: m.CreatedTS})
		}
		out = append(out, models.StreamDelta{MessageID: m.ID, Seq: lastSeq + 2, Final: true, TS: m.CreatedTS})
	}
	ch := make(chan models.StreamDelta, len(out))
	for _, d := range out {
		ch <- d
	}
	close(ch)
	return ch, func() {}, nil
}

// Reconstruct concatenates the persisted fragments for a message in
// sequence order. For a finalized, persisted stream the result equals the
// finalized text exactly.
func (e *Engine) Reconstruct(messageID string) (string, error) {
	rows, err := e.store.ListDeltas(messageID, 0)
	if err != nil {
		return "", err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for _, d := range rows {
		if d.Final {
			continue
		}
		_, _ = buf.WriteString(d.Fragment)
	}
	return buf.String(), nil
}
