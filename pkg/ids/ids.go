// Package ids generates sortable identifiers for threads and messages.
// ULIDs keep lexicographic ordering aligned with creation time, which keeps
// pebble key scans over id-prefixed namespaces roughly chronological.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

func newULID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewThreadID returns a new thread identifier.
func NewThreadID() string { return "th_" + newULID() }

// NewMessageID returns a new message identifier.
func NewMessageID() string { return "msg_" + newULID() }
