package models

// Thread is a conversation scoped to one logical session. Threads are never
// physically deleted by this core; lifecycle beyond metadata updates is an
// external concern.
type Thread struct {
	ID string `json:"id"`
	// UserID is an opaque owning-user reference (clients manage meaning).
	UserID  string `json:"user_id,omitempty"`
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary,omitempty"`
	// Status is always "active" for now; kept explicit so external
	// lifecycle tooling has a field to act on.
	Status string `json:"status"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts"`
	// Updated timestamp (ns) - last time metadata or thread activity changed
	UpdatedTS int64 `json:"updated_ts,omitempty"`
	// Metadata holds mutable, schemaless client metadata (last-write-wins).
	Metadata map[string]any `json:"metadata,omitempty"`
	// LastOrder is the highest turn index handed out for this thread. It is
	// the persisted high-water mark behind order allocation.
	LastOrder int64 `json:"last_order,omitempty"`
}

const ThreadStatusActive = "active"

// ThreadPatch is a partial metadata update. Nil fields are left untouched.
type ThreadPatch struct {
	Title    *string         `json:"title,omitempty"`
	Summary  *string         `json:"summary,omitempty"`
	Metadata *map[string]any `json:"metadata,omitempty"`
}
