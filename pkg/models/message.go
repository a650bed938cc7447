package models

import "strings"

// MessageStatus is the lifecycle state of a message. Transitions are
// pending -> success or pending -> failed, terminal thereafter.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSuccess MessageStatus = "success"
	StatusFailed  MessageStatus = "failed"
)

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// PartType tags the content part union.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartFile       PartType = "file"
	PartReasoning  PartType = "reasoning"
)

// Part is one element of a message's content. Exactly the fields for its
// Type are set; the rest stay zero. A tagged struct beats an untyped payload
// here: context assembly and rendering can switch exhaustively on Type.
type Part struct {
	Type PartType `json:"type"`
	// Text is set for PartText and PartReasoning.
	Text string `json:"text,omitempty"`
	// ToolCallID correlates a PartToolCall with its PartToolResult.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is set for PartToolCall.
	ToolName string `json:"tool_name,omitempty"`
	// Args holds raw tool-call arguments (JSON text) for PartToolCall.
	Args string `json:"args,omitempty"`
	// Result holds the tool output (JSON or plain text) for PartToolResult.
	Result string `json:"result,omitempty"`
	// FileRef is an opaque attachment reference for PartFile; resolution to
	// a URL happens outside this core.
	FileRef string `json:"file_ref,omitempty"`
	// MimeType qualifies FileRef.
	MimeType string `json:"mime_type,omitempty"`
}

// Usage records token accounting reported by the language model on finalize.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Message belongs to exactly one thread. Within a thread (Order, StepOrder)
// is a total order with no duplicates: Order is the turn index assigned once
// per logical turn, StepOrder positions sub-messages inside the turn
// starting at 0.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	// Order / StepOrder form the two-level position key.
	Order     int64         `json:"order"`
	StepOrder int64         `json:"step_order"`
	Role      Role          `json:"role"`
	Parts     []Part        `json:"parts,omitempty"`
	Status    MessageStatus `json:"status"`
	// ContextEligible marks whether the message participates in future
	// context windows. Tool-internal chatter is typically excluded.
	ContextEligible bool `json:"context_eligible"`
	// EmbeddingID references a stored embedding vector for vector recall.
	EmbeddingID string `json:"embedding_id,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts"`
	// Finish metadata, populated on finalize.
	Usage     *Usage `json:"usage,omitempty"`
	ErrReason string `json:"err_reason,omitempty"`
}

// Text concatenates the message's text parts. Reasoning, tool payloads and
// file references are not part of the user-visible text.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Terminal reports whether the message status is success or failed.
func (m *Message) Terminal() bool {
	return m.Status == StatusSuccess || m.Status == StatusFailed
}

// TextParts builds a single-part text content slice.
func TextParts(text string) []Part {
	return []Part{{Type: PartText, Text: text}}
}

// StreamDelta is one persisted fragment of in-flight generated content,
// keyed by (MessageID, Seq). Replaying all deltas for a finalized message in
// Seq order reconstructs exactly the finalized text.
type StreamDelta struct {
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
	Fragment  string `json:"fragment"`
	// Final marks the terminal marker emitted once on finalize. Terminal
	// deltas carry no fragment for success; for failure they carry nothing
	// either - readers consult the message's status and err_reason.
	Final bool `json:"final,omitempty"`
	TS    int64 `json:"ts"`
}
