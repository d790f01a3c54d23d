package models

import "encoding/json"

// ToolCallStatus is the lifecycle status of a single tool call.
type ToolCallStatus string

const (
	// ToolCallDiscovered means the upstream announced the call but no
	// arguments have arrived yet.
	ToolCallDiscovered ToolCallStatus = "discovered"

	// ToolCallArgsStreaming means argument fragments are accumulating.
	ToolCallArgsStreaming ToolCallStatus = "args_streaming"

	// ToolCallArgsComplete means the argument buffer parsed successfully.
	ToolCallArgsComplete ToolCallStatus = "args_complete"

	// ToolCallAwaitingApproval means the call is suspended on a human decision.
	ToolCallAwaitingApproval ToolCallStatus = "awaiting_approval"

	// ToolCallExecuting means the call was dispatched to its tool server.
	ToolCallExecuting ToolCallStatus = "executing"

	// ToolCallCompleted means the call finished and a result is stored.
	ToolCallCompleted ToolCallStatus = "completed"

	// ToolCallFailed means the call was denied, timed out, or errored.
	ToolCallFailed ToolCallStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallCompleted || s == ToolCallFailed
}

func (s ToolCallStatus) rank() int {
	switch s {
	case ToolCallDiscovered:
		return 0
	case ToolCallArgsStreaming:
		return 1
	case ToolCallArgsComplete:
		return 2
	case ToolCallAwaitingApproval:
		return 3
	case ToolCallExecuting:
		return 4
	case ToolCallCompleted, ToolCallFailed:
		return 5
	}
	return -1
}

// CanTransition reports whether moving from s to next is legal: transitions
// are monotonic, with FAILED reachable from any non-terminal state.
func (s ToolCallStatus) CanTransition(next ToolCallStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == ToolCallFailed {
		return true
	}
	return next.rank() > s.rank()
}

// ToolCall is the state of one tool invocation within a conversation stream.
// The identifier is assigned by the upstream provider and is stable across
// the call's lifecycle; the name and server may arrive after creation.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Server      string          `json:"server,omitempty"`
	Status      ToolCallStatus  `json:"status"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	OutputIndex int             `json:"output_index"`
}
