package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key layout. Orders and sequence numbers are zero-padded so byte order
// matches numeric order under pebble's default comparer.
//
//	thread:<threadID>:meta                       thread metadata JSON
//	thread:<threadID>:msg:<order>:<step>         message JSON
//	msg:<messageID>                              pointer {thread_id, order, step_order}
//	pending:<messageID>                          created_ts (ns), index for the sweeper
//	delta:<messageID>:<seq>                      StreamDelta JSON
//	emb:<threadID>:<messageID>                   embedding vector JSON

const (
	orderPad = 19
	stepPad  = 6
	seqPad   = 19
)

func threadMetaKey(threadID string) []byte {
	return []byte("thread:" + threadID + ":meta")
}

func msgPrefix(threadID string) []byte {
	return []byte("thread:" + threadID + ":msg:")
}

func msgKey(threadID string, order, step int64) []byte {
	return []byte(fmt.Sprintf("thread:%s:msg:%0*d:%0*d", threadID, orderPad, order, stepPad, step))
}

func msgPtrKey(messageID string) []byte {
	return []byte("msg:" + messageID)
}

func pendingKey(messageID string) []byte {
	return []byte("pending:" + messageID)
}

func deltaPrefix(messageID string) []byte {
	return []byte("delta:" + messageID + ":")
}

func deltaKey(messageID string, seq int64) []byte {
	return []byte(fmt.Sprintf("delta:%s:%0*d", messageID, seqPad, seq))
}

func embPrefix(threadID string) []byte {
	return []byte("emb:" + threadID + ":")
}

func embKey(threadID, messageID string) []byte {
	return []byte("emb:" + threadID + ":" + messageID)
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, for use as an iterator upper bound.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// ErrMalformedCursor reports an unparseable pagination cursor.
var ErrMalformedCursor = errors.New("malformed cursor")

// Cursor encodes the last (order, stepOrder) a page handed out. It is a
// value comparison, not an offset, so concurrent inserts never cause a page
// to duplicate or skip a message.
func encodeCursor(order, step int64) string {
	raw := strconv.FormatInt(order, 10) + "/" + strconv.FormatInt(step, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// CursorAt positions a listing at the given message: descending pages
// return strictly earlier messages, ascending pages strictly later ones.
func CursorAt(order, step int64) string {
	return encodeCursor(order, step)
}

// CursorAfter positions a descending listing so the given message is the
// first candidate returned.
func CursorAfter(order, step int64) string {
	return encodeCursor(order, step+1)
}

func decodeCursor(c string) (order, step int64, err error) {
	b, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, 0, ErrMalformedCursor
	}
	parts := strings.SplitN(string(b), "/", 2)
	if len(parts) != 2 {
		return 0, 0, ErrMalformedCursor
	}
	order, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, ErrMalformedCursor
	}
	step, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, ErrMalformedCursor
	}
	return order, step, nil
}
