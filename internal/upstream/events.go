// Package upstream parses the provider's server-sent event stream into a
// typed sequence of domain events and issues the streaming generation call.
package upstream

import "encoding/json"

// EventType identifies an upstream stream event. The set is closed: anything
// the provider sends outside it surfaces as EventUnrecognized rather than
// being dropped.
type EventType string

const (
	EventResponseCreated    EventType = "response.created"
	EventOutputItemAdded    EventType = "response.output_item.added"
	EventOutputTextDelta    EventType = "response.output_text.delta"
	EventFunctionArgsDelta  EventType = "response.function_call_arguments.delta"
	EventFunctionArgsDone   EventType = "response.function_call_arguments.done"
	EventOutputItemDone     EventType = "response.output_item.done"
	EventResponseCompleted  EventType = "response.completed"
	EventResponseIncomplete EventType = "response.incomplete"
	EventResponseFailed     EventType = "response.failed"
	EventError              EventType = "error"

	// EventUnrecognized carries an event type outside the closed set, with
	// the raw payload preserved for logging.
	EventUnrecognized EventType = "unrecognized"

	// EventTransportError is synthesized locally when the stream breaks
	// before a terminal provider event arrives. Always the last event.
	EventTransportError EventType = "transport_error"
)

// ItemType distinguishes output items.
const (
	ItemMessage      = "message"
	ItemFunctionCall = "function_call"
)

// OutputItem is an item announced by output_item.added / output_item.done.
type OutputItem struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	ServerLabel string `json:"server_label,omitempty"`
	Arguments   string `json:"arguments,omitempty"`
}

// ErrorDetail carries provider or transport error information.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is one parsed upstream event.
type Event struct {
	Type EventType

	// ResponseID is set on response.created.
	ResponseID string

	// OutputIndex and ItemID locate the item an event applies to.
	OutputIndex int
	ItemID      string

	// Item is set on output_item.added and output_item.done.
	Item *OutputItem

	// Delta carries a text or argument fragment.
	Delta string

	// Arguments carries the full argument string on function args done.
	Arguments string

	// Reason is the completion reason on response.incomplete.
	Reason string

	// Err is set on response.failed, error, and transport_error.
	Err *ErrorDetail

	// RawType and Raw preserve unrecognized events.
	RawType string
	Raw     json.RawMessage
}

// Terminal reports whether the event ends the upstream sequence.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventResponseCompleted, EventResponseIncomplete, EventResponseFailed,
		EventError, EventTransportError:
		return true
	}
	return false
}
