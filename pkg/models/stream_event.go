package models

import (
	"encoding/json"
	"time"
)

// StreamEventType identifies an outward event emitted to the client.
type StreamEventType string

const (
	// StreamEventInit is the first event on every stream and carries the
	// conversation identifier.
	StreamEventInit StreamEventType = "init"

	// StreamEventStatus reports a conversation status transition.
	StreamEventStatus StreamEventType = "conversation_status"

	// StreamEventMessage carries an assistant text delta.
	StreamEventMessage StreamEventType = "message"

	// StreamEventToolCall reports a tool call status change with its
	// current arguments or result snapshot.
	StreamEventToolCall StreamEventType = "tool_call_update"

	// StreamEventApprovalRequired asks the client to resolve an approval.
	StreamEventApprovalRequired StreamEventType = "approval_required"

	// StreamEventError reports a stream-level failure.
	StreamEventError StreamEventType = "error"

	// StreamEventDone is the terminal event on every stream.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is the normalized outward event. Exactly one payload field is
// populated per type; Sequence is monotonic within a stream.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	Sequence       uint64          `json:"sequence"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Time           time.Time       `json:"time"`

	Status   StreamStatus    `json:"status,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Message  *MessageDelta   `json:"message,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Approval *ApprovalPrompt `json:"approval,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
}

// MessageDelta is a fragment of assistant text at a given output position.
type MessageDelta struct {
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta"`
}

// ApprovalPrompt carries everything the client needs to decide an approval.
type ApprovalPrompt struct {
	RequestID  string          `json:"request_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Server     string          `json:"server,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ErrorDetail is a client-safe error description.
type ErrorDetail struct {
	Message string `json:"message"`
}
