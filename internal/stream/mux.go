// Package stream owns the per-request conversation state machine and the
// outward event multiplexer.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// Mux serializes outward events to one client as SSE frames and triggers
// best-effort persistence. Sequence numbers are assigned here, monotonic per
// stream. Persistence failures are logged and counted, never surfaced to the
// client.
type Mux struct {
	w       io.Writer
	flusher http.Flusher

	gateway store.Gateway
	logger  *observability.Logger
	metrics *observability.Metrics

	conversationID string
	title          string

	seq atomic.Uint64
	mu  sync.Mutex
}

// NewMux creates a multiplexer for one stream. flusher and gateway may be
// nil (buffered writer, no persistence).
func NewMux(w io.Writer, flusher http.Flusher, gateway store.Gateway,
	logger *observability.Logger, metrics *observability.Metrics,
	conversationID, title string) *Mux {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Mux{
		w:              w,
		flusher:        flusher,
		gateway:        gateway,
		logger:         logger,
		metrics:        metrics,
		conversationID: conversationID,
		title:          title,
	}
}

// Emit writes one event to the client and runs its persistence side effect.
func (m *Mux) Emit(ctx context.Context, ev models.StreamEvent) {
	ev.Sequence = m.seq.Add(1)
	ev.ConversationID = m.conversationID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	m.write(ev)
	m.persist(ctx, ev)
}

func (m *Mux) write(ev models.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error(nil, "marshal outward event", "error", err.Error())
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := fmt.Fprintf(m.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		// Client likely disconnected; the engine sees ctx cancellation.
		m.logger.Debug(nil, "write outward event failed", "error", err.Error())
		return
	}
	if m.flusher != nil {
		m.flusher.Flush()
	}
}

func (m *Mux) persist(ctx context.Context, ev models.StreamEvent) {
	if m.gateway == nil {
		return
	}

	switch ev.Type {
	case models.StreamEventInit:
		if err := m.gateway.EnsureConversation(ctx, m.conversationID, m.title); err != nil {
			m.persistError(ctx, "conversation", err)
		}
	case models.StreamEventToolCall:
		if ev.ToolCall == nil {
			return
		}
		if err := m.gateway.UpsertToolCall(ctx, m.conversationID, ev.ToolCall); err != nil {
			m.persistError(ctx, "tool_call", err)
		}
	}
}

// PersistMessage stores a message snapshot. Called by the engine when an
// output item finalizes, not on every delta.
func (m *Mux) PersistMessage(ctx context.Context, itemID string, outputIndex int, content string) {
	if m.gateway == nil {
		return
	}
	err := m.gateway.UpsertMessage(ctx, m.conversationID, store.Message{
		ItemID:      itemID,
		OutputIndex: outputIndex,
		Content:     content,
	})
	if err != nil {
		m.persistError(ctx, "message", err)
	}
}

func (m *Mux) persistError(ctx context.Context, operation string, err error) {
	m.logger.Warn(ctx, "persistence failed", "operation", operation, "error", err.Error())
	if m.metrics != nil {
		m.metrics.PersistenceErrors.WithLabelValues(operation).Inc()
	}
}
