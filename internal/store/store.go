// Package store is the best-effort persistence gateway for conversations,
// messages, and tool calls. All operations are idempotent on item
// identifiers; failures are logged by callers and never abort a stream.
package store

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// Message is a persisted assistant message snapshot.
type Message struct {
	ItemID      string
	OutputIndex int
	Content     string
}

// Gateway persists conversation state.
type Gateway interface {
	// EnsureConversation creates the conversation row if it does not exist.
	EnsureConversation(ctx context.Context, id, title string) error

	// UpsertMessage inserts or replaces a message by item ID.
	UpsertMessage(ctx context.Context, conversationID string, m Message) error

	// UpsertToolCall inserts or replaces a tool call by its ID.
	UpsertToolCall(ctx context.Context, conversationID string, tc *models.ToolCall) error

	// Close releases the underlying resources.
	Close() error
}
