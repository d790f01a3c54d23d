// Package models contains the shared domain types for relay: conversation
// stream lifecycle, tool call state, and the normalized outward event schema.
package models

// StreamStatus is the lifecycle status of a conversation stream.
type StreamStatus string

const (
	// StreamCreated means the stream exists but no upstream event has arrived.
	StreamCreated StreamStatus = "created"

	// StreamStreaming means the upstream response is in flight.
	StreamStreaming StreamStatus = "streaming"

	// StreamCompleted means the response finished normally.
	StreamCompleted StreamStatus = "completed"

	// StreamIncomplete means the response ended early (token limit, abort).
	StreamIncomplete StreamStatus = "incomplete"

	// StreamFailed means the response or its transport failed.
	StreamFailed StreamStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s StreamStatus) Terminal() bool {
	switch s {
	case StreamCompleted, StreamIncomplete, StreamFailed:
		return true
	}
	return false
}

// rank orders statuses for monotonicity checks. Terminal states share a rank:
// once terminal, no further transition is legal.
func (s StreamStatus) rank() int {
	switch s {
	case StreamCreated:
		return 0
	case StreamStreaming:
		return 1
	case StreamCompleted, StreamIncomplete, StreamFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next preserves the
// monotonic CREATED -> STREAMING -> terminal ordering.
func (s StreamStatus) CanTransition(next StreamStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}
