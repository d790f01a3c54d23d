package stream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/upstream"
	"github.com/haasonsaas/relay/pkg/models"
)

// UpstreamClient issues the provider streaming call.
type UpstreamClient interface {
	Stream(ctx context.Context, payload json.RawMessage) (<-chan upstream.Event, error)
}

// ToolExecutor drives one tool call to a terminal state, reporting every
// transition through emit.
type ToolExecutor interface {
	Execute(ctx context.Context, conversationID string, call models.ToolCall,
		emit func(call models.ToolCall, prompt *models.ApprovalPrompt))
}

// itemState tracks one output item keyed by its output index.
type itemState struct {
	id     string
	typ    string
	text   strings.Builder
	argBuf strings.Builder
	callID string
	done   bool
}

// toolUpdate is a tool call snapshot re-entering the engine goroutine from a
// tool execution goroutine.
type toolUpdate struct {
	call   models.ToolCall
	prompt *models.ApprovalPrompt
}

// Engine is the per-request conversation state machine. One goroutine owns
// all mutable state: upstream events and tool outcomes are merged over
// channels, so no per-field locking exists. Ingestion never blocks on tool
// execution.
type Engine struct {
	conversationID string
	client         UpstreamClient
	executor       ToolExecutor
	mux            *Mux
	logger         *observability.Logger
	metrics        *observability.Metrics

	status     models.StreamStatus
	responseID string
	items      map[int]*itemState
	calls      map[string]*models.ToolCall
	pending    int
	results    chan toolUpdate

	// finish holds the upstream terminal outcome while tool calls are
	// still resolving.
	finishStatus models.StreamStatus
	finishReason string
	finishErr    *models.ErrorDetail
}

// NewEngine creates the state machine for one stream.
func NewEngine(conversationID string, client UpstreamClient, executor ToolExecutor,
	mux *Mux, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Engine{
		conversationID: conversationID,
		client:         client,
		executor:       executor,
		mux:            mux,
		logger:         logger,
		metrics:        metrics,
		status:         models.StreamCreated,
		items:          make(map[int]*itemState),
		calls:          make(map[string]*models.ToolCall),
		results:        make(chan toolUpdate, 16),
	}
}

// Run drives the stream to completion. It always emits a terminal done or
// error event before returning, including on cancellation.
func (e *Engine) Run(ctx context.Context, payload json.RawMessage) {
	ctx = observability.WithConversationID(ctx, e.conversationID)
	if e.metrics != nil {
		e.metrics.ActiveStreams.Inc()
		defer e.metrics.ActiveStreams.Dec()
	}
	defer func() {
		if e.metrics != nil {
			e.metrics.StreamsFinished.WithLabelValues(string(e.status)).Inc()
		}
	}()

	e.mux.Emit(ctx, models.StreamEvent{Type: models.StreamEventInit})

	events, err := e.client.Stream(ctx, payload)
	if err != nil {
		e.logger.Warn(ctx, "upstream connection failed", "error", err.Error())
		e.setStatus(ctx, models.StreamFailed, "")
		e.mux.Emit(ctx, models.StreamEvent{
			Type:  models.StreamEventError,
			Error: &models.ErrorDetail{Message: "upstream unavailable"},
		})
		e.mux.Emit(ctx, models.StreamEvent{Type: models.StreamEventDone})
		return
	}

	// toolCtx bounds this stream's tool work; shared tool server sessions
	// are untouched by its cancellation.
	toolCtx, cancelTools := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTools()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleUpstream(ctx, toolCtx, ev)
			if e.status.Terminal() {
				// Failure aborts in-flight tool work; a clean terminal
				// drains it below.
				if e.status == models.StreamFailed {
					cancelTools()
				}
				events = nil
			}

		case upd := <-e.results:
			e.handleToolUpdate(ctx, upd)

		case <-ctx.Done():
			e.abort(ctx, cancelTools)
			return
		}

		if e.finished() {
			e.finalize(ctx)
			return
		}
	}
}

// finished reports whether the stream can emit its terminal events: the
// upstream reached a terminal outcome and no tool call is still in flight.
// A failed stream never waits: its tool work was cancelled, not drained.
func (e *Engine) finished() bool {
	if e.status == models.StreamFailed {
		return true
	}
	if e.pending > 0 {
		return false
	}
	return e.status.Terminal() || e.finishStatus != ""
}

func (e *Engine) finalize(ctx context.Context) {
	if !e.status.Terminal() {
		e.setStatus(ctx, e.finishStatus, e.finishReason)
	}
	e.persistItems(ctx)
	if e.finishErr != nil {
		e.mux.Emit(ctx, models.StreamEvent{Type: models.StreamEventError, Error: e.finishErr})
	}
	e.mux.Emit(ctx, models.StreamEvent{Type: models.StreamEventDone})
}

// abort handles client-initiated cancellation: INCOMPLETE with reason
// "aborted", best-effort cancellation of tool work, terminal events emitted
// on a detached context so persistence still runs.
func (e *Engine) abort(ctx context.Context, cancelTools context.CancelFunc) {
	cancelTools()
	detached := observability.WithConversationID(context.WithoutCancel(ctx), e.conversationID)

	if !e.status.Terminal() {
		e.setStatus(detached, models.StreamIncomplete, "aborted")
	}
	e.persistItems(detached)
	e.mux.Emit(detached, models.StreamEvent{Type: models.StreamEventDone})
}

func (e *Engine) setStatus(ctx context.Context, next models.StreamStatus, reason string) {
	if !e.status.CanTransition(next) {
		return
	}
	e.status = next
	e.mux.Emit(ctx, models.StreamEvent{
		Type:   models.StreamEventStatus,
		Status: next,
		Reason: reason,
	})
}

func (e *Engine) countEvent(t upstream.EventType) {
	if e.metrics != nil {
		e.metrics.UpstreamEvents.WithLabelValues(string(t)).Inc()
	}
}

func (e *Engine) handleUpstream(ctx, toolCtx context.Context, ev upstream.Event) {
	// No event is processed after a terminal state.
	if e.status.Terminal() {
		return
	}
	e.countEvent(ev.Type)

	switch ev.Type {
	case upstream.EventResponseCreated:
		e.responseID = ev.ResponseID
		e.setStatus(ctx, models.StreamStreaming, "")

	case upstream.EventOutputItemAdded:
		e.handleItemAdded(ctx, ev)

	case upstream.EventOutputTextDelta:
		e.handleTextDelta(ctx, ev)

	case upstream.EventFunctionArgsDelta:
		e.handleArgsDelta(ctx, ev)

	case upstream.EventFunctionArgsDone:
		e.handleArgsDone(ctx, toolCtx, ev)

	case upstream.EventOutputItemDone:
		e.handleItemDone(ctx, ev)

	case upstream.EventResponseCompleted:
		e.finishStatus = models.StreamCompleted
		if e.pending > 0 {
			e.logger.Debug(ctx, "holding stream open for tool calls", "pending", e.pending)
		}

	case upstream.EventResponseIncomplete:
		e.finishStatus = models.StreamIncomplete
		e.finishReason = ev.Reason

	case upstream.EventResponseFailed, upstream.EventError, upstream.EventTransportError:
		detail := "upstream failure"
		if ev.Err != nil && ev.Err.Message != "" {
			detail = ev.Err.Message
		}
		e.setStatus(ctx, models.StreamFailed, "")
		e.finishErr = &models.ErrorDetail{Message: detail}

	case upstream.EventUnrecognized:
		e.logger.Debug(ctx, "ignoring unrecognized upstream event", "type", ev.RawType)
	}
}

// handleItemAdded begins tracking an output item. Duplicate adds for the
// same index are idempotent: the first write wins on type, the last on
// content.
func (e *Engine) handleItemAdded(ctx context.Context, ev upstream.Event) {
	item, exists := e.items[ev.OutputIndex]
	if !exists {
		item = &itemState{id: ev.Item.ID, typ: ev.Item.Type}
		e.items[ev.OutputIndex] = item
	} else {
		item.id = ev.Item.ID
	}

	if item.typ != upstream.ItemFunctionCall {
		return
	}

	call, known := e.calls[item.id]
	if !known {
		call = &models.ToolCall{
			ID:          item.id,
			Name:        ev.Item.Name,
			Server:      ev.Item.ServerLabel,
			Status:      models.ToolCallDiscovered,
			OutputIndex: ev.OutputIndex,
		}
		e.calls[item.id] = call
		item.callID = item.id
		e.emitToolCall(ctx, call)
		return
	}

	// Duplicate add: refresh name and server, keep lifecycle state.
	if ev.Item.Name != "" {
		call.Name = ev.Item.Name
	}
	if ev.Item.ServerLabel != "" {
		call.Server = ev.Item.ServerLabel
	}
	item.callID = item.id
}

func (e *Engine) handleTextDelta(ctx context.Context, ev upstream.Event) {
	item, ok := e.items[ev.OutputIndex]
	if !ok {
		// Delta for an unannounced item: start accumulating anyway.
		item = &itemState{id: ev.ItemID, typ: upstream.ItemMessage}
		e.items[ev.OutputIndex] = item
	}
	item.text.WriteString(ev.Delta)

	e.mux.Emit(ctx, models.StreamEvent{
		Type: models.StreamEventMessage,
		Message: &models.MessageDelta{
			ItemID:      item.id,
			OutputIndex: ev.OutputIndex,
			Delta:       ev.Delta,
		},
	})
}

func (e *Engine) handleArgsDelta(ctx context.Context, ev upstream.Event) {
	item, ok := e.items[ev.OutputIndex]
	if !ok {
		return
	}
	item.argBuf.WriteString(ev.Delta)

	call := e.calls[item.callID]
	if call == nil {
		return
	}
	if call.Status == models.ToolCallDiscovered {
		call.Status = models.ToolCallArgsStreaming
		e.emitToolCall(ctx, call)
	}
}

// handleArgsDone finalizes the argument buffer and hands the call to the
// executor. An empty buffer parses as an empty object; invalid JSON or a
// missing tool name fails the call, never the stream.
func (e *Engine) handleArgsDone(ctx, toolCtx context.Context, ev upstream.Event) {
	item, ok := e.items[ev.OutputIndex]
	if !ok || item.callID == "" {
		return
	}
	call := e.calls[item.callID]
	if call == nil || call.Status.Terminal() {
		return
	}

	args := ev.Arguments
	if args == "" {
		args = item.argBuf.String()
	}
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}

	if !json.Valid([]byte(args)) {
		call.Status = models.ToolCallFailed
		call.Error = "tool arguments are not valid JSON"
		e.emitToolCall(ctx, call)
		return
	}
	call.Arguments = json.RawMessage(args)

	if call.Name == "" {
		// Nameless at finalization is a protocol violation.
		call.Status = models.ToolCallFailed
		call.Error = "tool call missing name"
		e.emitToolCall(ctx, call)
		return
	}

	call.Status = models.ToolCallArgsComplete
	e.emitToolCall(ctx, call)

	e.pending++
	snapshot := *call
	go e.executor.Execute(toolCtx, e.conversationID, snapshot, func(c models.ToolCall, p *models.ApprovalPrompt) {
		select {
		case e.results <- toolUpdate{call: c, prompt: p}:
		case <-toolCtx.Done():
		}
	})
}

func (e *Engine) handleItemDone(ctx context.Context, ev upstream.Event) {
	item, ok := e.items[ev.OutputIndex]
	if !ok {
		return
	}
	item.done = true

	if item.typ == upstream.ItemMessage {
		e.mux.PersistMessage(ctx, item.id, ev.OutputIndex, item.text.String())
	}
	// Tool calls finalize when the executor reports, not here.
}

// handleToolUpdate merges an executor snapshot into the engine's state.
// Backward transitions are ignored so late snapshots cannot regress a call.
func (e *Engine) handleToolUpdate(ctx context.Context, upd toolUpdate) {
	call, ok := e.calls[upd.call.ID]
	if !ok {
		return
	}

	wasTerminal := call.Status.Terminal()
	if call.Status != upd.call.Status && !call.Status.CanTransition(upd.call.Status) {
		return
	}

	call.Status = upd.call.Status
	if len(upd.call.Arguments) > 0 {
		call.Arguments = upd.call.Arguments
	}
	call.Result = upd.call.Result
	call.Error = upd.call.Error

	if upd.prompt != nil {
		e.mux.Emit(ctx, models.StreamEvent{
			Type:     models.StreamEventApprovalRequired,
			Approval: upd.prompt,
		})
	}
	e.emitToolCall(ctx, call)

	if call.Status.Terminal() && !wasTerminal {
		e.pending--
	}
}

func (e *Engine) emitToolCall(ctx context.Context, call *models.ToolCall) {
	snapshot := *call
	e.mux.Emit(ctx, models.StreamEvent{
		Type:     models.StreamEventToolCall,
		ToolCall: &snapshot,
	})
}

// persistItems flushes message accumulators that never saw output_item.done,
// so a truncated stream still persists partial text.
func (e *Engine) persistItems(ctx context.Context) {
	for idx, item := range e.items {
		if item.typ == upstream.ItemMessage && !item.done && item.text.Len() > 0 {
			e.mux.PersistMessage(ctx, item.id, idx, item.text.String())
		}
	}
}
