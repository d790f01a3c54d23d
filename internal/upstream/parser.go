package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// wireEvent is the superset of fields across the provider's event payloads.
type wireEvent struct {
	Type     string `json:"type"`
	Response struct {
		ID                string `json:"id"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
		Error *ErrorDetail `json:"error"`
	} `json:"response"`
	OutputIndex int             `json:"output_index"`
	ItemID      string          `json:"item_id"`
	Item        *OutputItem     `json:"item"`
	Delta       string          `json:"delta"`
	Arguments   string          `json:"arguments"`
	Code        string          `json:"code"`
	Message     string          `json:"message"`
}

// Parse consumes an SSE byte stream and delivers typed events on the
// returned channel. The channel is closed when the stream ends. Malformed
// individual payloads are skipped; a broken framing (scanner error or EOF
// before a terminal event) yields a final transport_error event. The
// sequence is not restartable.
func Parse(ctx context.Context, r io.Reader, logger *slog.Logger) <-chan Event {
	if logger == nil {
		logger = slog.Default()
	}
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		sawTerminal := false
		emit := func(ev Event) bool {
			if ev.Terminal() {
				sawTerminal = true
			}
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()

			// Only data lines matter: the payload carries its own type, so
			// "event:" lines and comments are framing noise.
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "" || data == "[DONE]" {
				continue
			}

			ev, ok := decode([]byte(data), logger)
			if !ok {
				continue
			}
			if !emit(ev) {
				return
			}
			if sawTerminal {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			logger.Warn("upstream stream read failed", "error", err)
		}
		if !sawTerminal {
			emit(Event{
				Type: EventTransportError,
				Err:  &ErrorDetail{Code: "upstream_disconnect", Message: "stream ended before a terminal event"},
			})
		}
	}()

	return events
}

// decode maps one SSE data payload to a typed event. Returns false when the
// payload is malformed and should be skipped.
func decode(data []byte, logger *slog.Logger) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		logger.Warn("skipping malformed upstream event", "error", err)
		return Event{}, false
	}
	if w.Type == "" {
		logger.Warn("skipping upstream event without type")
		return Event{}, false
	}

	switch EventType(w.Type) {
	case EventResponseCreated:
		return Event{Type: EventResponseCreated, ResponseID: w.Response.ID}, true

	case EventOutputItemAdded:
		if w.Item == nil {
			logger.Warn("skipping output_item.added without item")
			return Event{}, false
		}
		return Event{Type: EventOutputItemAdded, OutputIndex: w.OutputIndex, ItemID: w.Item.ID, Item: w.Item}, true

	case EventOutputTextDelta:
		return Event{Type: EventOutputTextDelta, OutputIndex: w.OutputIndex, ItemID: w.ItemID, Delta: w.Delta}, true

	case EventFunctionArgsDelta:
		return Event{Type: EventFunctionArgsDelta, OutputIndex: w.OutputIndex, ItemID: w.ItemID, Delta: w.Delta}, true

	case EventFunctionArgsDone:
		return Event{Type: EventFunctionArgsDone, OutputIndex: w.OutputIndex, ItemID: w.ItemID, Arguments: w.Arguments}, true

	case EventOutputItemDone:
		return Event{Type: EventOutputItemDone, OutputIndex: w.OutputIndex, ItemID: itemID(&w), Item: w.Item}, true

	case EventResponseCompleted:
		return Event{Type: EventResponseCompleted, ResponseID: w.Response.ID}, true

	case EventResponseIncomplete:
		reason := "incomplete"
		if w.Response.IncompleteDetails != nil && w.Response.IncompleteDetails.Reason != "" {
			reason = w.Response.IncompleteDetails.Reason
		}
		return Event{Type: EventResponseIncomplete, ResponseID: w.Response.ID, Reason: reason}, true

	case EventResponseFailed:
		detail := &ErrorDetail{Message: "response failed"}
		if w.Response.Error != nil {
			detail = w.Response.Error
		}
		return Event{Type: EventResponseFailed, ResponseID: w.Response.ID, Err: detail}, true

	case EventError:
		return Event{Type: EventError, Err: &ErrorDetail{Code: w.Code, Message: w.Message}}, true

	default:
		return Event{Type: EventUnrecognized, RawType: w.Type, Raw: append(json.RawMessage(nil), data...)}, true
	}
}

func itemID(w *wireEvent) string {
	if w.ItemID != "" {
		return w.ItemID
	}
	if w.Item != nil {
		return w.Item.ID
	}
	return ""
}
