package store

import (
	"context"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// Memory is an in-memory Gateway used in tests and when no database path is
// configured.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]string
	messages      map[string]map[string]Message
	toolCalls     map[string]map[string]models.ToolCall
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]string),
		messages:      make(map[string]map[string]Message),
		toolCalls:     make(map[string]map[string]models.ToolCall),
	}
}

// EnsureConversation creates the conversation if it does not exist.
func (m *Memory) EnsureConversation(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		m.conversations[id] = title
	}
	return nil
}

// UpsertMessage inserts or replaces a message by item ID.
func (m *Memory) UpsertMessage(_ context.Context, conversationID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages[conversationID] == nil {
		m.messages[conversationID] = make(map[string]Message)
	}
	m.messages[conversationID][msg.ItemID] = msg
	return nil
}

// UpsertToolCall inserts or replaces a tool call by its ID.
func (m *Memory) UpsertToolCall(_ context.Context, conversationID string, tc *models.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.toolCalls[conversationID] == nil {
		m.toolCalls[conversationID] = make(map[string]models.ToolCall)
	}
	m.toolCalls[conversationID][tc.ID] = *tc
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// Conversation reports whether the conversation exists and its title.
func (m *Memory) Conversation(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	title, ok := m.conversations[id]
	return title, ok
}

// Message returns a stored message snapshot.
func (m *Memory) Message(conversationID, itemID string) (Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[conversationID][itemID]
	return msg, ok
}

// ToolCall returns a stored tool call snapshot.
func (m *Memory) ToolCall(conversationID, id string) (models.ToolCall, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.toolCalls[conversationID][id]
	return tc, ok
}
