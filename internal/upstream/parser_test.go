package upstream

import (
	"context"
	"strings"
	"testing"
)

func collect(t *testing.T, input string) []Event {
	t.Helper()

	ch := Parse(context.Background(), strings.NewReader(input), nil)
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func sse(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestParseTextOnlyStream(t *testing.T) {
	input := sse(
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.output_item.added","output_index":0,"item":{"id":"msg_1","type":"message"}}`,
		`{"type":"response.output_text.delta","output_index":0,"item_id":"msg_1","delta":"Hel"}`,
		`{"type":"response.output_text.delta","output_index":0,"item_id":"msg_1","delta":"lo"}`,
		`{"type":"response.output_item.done","output_index":0,"item":{"id":"msg_1","type":"message"}}`,
		`{"type":"response.completed","response":{"id":"resp_1"}}`,
	)

	events := collect(t, input)
	wantTypes := []EventType{
		EventResponseCreated,
		EventOutputItemAdded,
		EventOutputTextDelta,
		EventOutputTextDelta,
		EventOutputItemDone,
		EventResponseCompleted,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantTypes), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event[%d].Type = %s, want %s", i, events[i].Type, want)
		}
	}

	if events[0].ResponseID != "resp_1" {
		t.Errorf("created ResponseID = %q, want resp_1", events[0].ResponseID)
	}
	if events[2].Delta != "Hel" || events[3].Delta != "lo" {
		t.Errorf("deltas = %q, %q", events[2].Delta, events[3].Delta)
	}
	if events[1].Item == nil || events[1].Item.Type != ItemMessage {
		t.Errorf("added item = %+v, want message", events[1].Item)
	}
}

func TestParseToolCallStream(t *testing.T) {
	input := sse(
		`{"type":"response.created","response":{"id":"resp_2"}}`,
		`{"type":"response.output_item.added","output_index":0,"item":{"id":"call_1","type":"function_call","name":"search","server_label":"web"}}`,
		`{"type":"response.function_call_arguments.delta","output_index":0,"item_id":"call_1","delta":"{\"q\":"}`,
		`{"type":"response.function_call_arguments.delta","output_index":0,"item_id":"call_1","delta":"\"go\"}"}`,
		`{"type":"response.function_call_arguments.done","output_index":0,"item_id":"call_1","arguments":"{\"q\":\"go\"}"}`,
		`{"type":"response.completed","response":{"id":"resp_2"}}`,
	)

	events := collect(t, input)
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}

	item := events[1].Item
	if item == nil || item.Name != "search" || item.ServerLabel != "web" {
		t.Fatalf("tool item = %+v", item)
	}
	if got := events[2].Delta + events[3].Delta; got != `{"q":"go"}` {
		t.Errorf("concatenated arg deltas = %q", got)
	}
	if events[4].Arguments != `{"q":"go"}` {
		t.Errorf("args done Arguments = %q", events[4].Arguments)
	}
}

func TestParseSkipsMalformedPayloads(t *testing.T) {
	input := sse(
		`{"type":"response.created","response":{"id":"resp_3"}}`,
		`{not json`,
		`{"no_type":true}`,
		`{"type":"response.completed","response":{"id":"resp_3"}}`,
	)

	events := collect(t, input)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (malformed skipped): %+v", len(events), events)
	}
	if events[1].Type != EventResponseCompleted {
		t.Errorf("last event = %s, want completed", events[1].Type)
	}
}

func TestParseUnrecognizedPassedThrough(t *testing.T) {
	input := sse(
		`{"type":"response.created","response":{"id":"r"}}`,
		`{"type":"response.reasoning.delta","delta":"hmm"}`,
		`{"type":"response.completed","response":{"id":"r"}}`,
	)

	events := collect(t, input)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].Type != EventUnrecognized {
		t.Fatalf("middle event = %s, want unrecognized", events[1].Type)
	}
	if events[1].RawType != "response.reasoning.delta" {
		t.Errorf("RawType = %q", events[1].RawType)
	}
	if len(events[1].Raw) == 0 {
		t.Error("Raw payload not preserved")
	}
}

func TestParseDisconnectBeforeTerminal(t *testing.T) {
	input := sse(
		`{"type":"response.created","response":{"id":"r"}}`,
		`{"type":"response.output_text.delta","output_index":0,"item_id":"m","delta":"hi"}`,
	)

	events := collect(t, input)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	last := events[len(events)-1]
	if last.Type != EventTransportError {
		t.Fatalf("last event = %s, want transport_error", last.Type)
	}
	if last.Err == nil || last.Err.Code != "upstream_disconnect" {
		t.Errorf("transport error detail = %+v", last.Err)
	}
}

func TestParseStopsAfterTerminal(t *testing.T) {
	input := sse(
		`{"type":"response.completed","response":{"id":"r"}}`,
		`{"type":"response.output_text.delta","output_index":0,"item_id":"m","delta":"late"}`,
	)

	events := collect(t, input)
	if len(events) != 1 {
		t.Fatalf("got %d events after terminal, want 1: %+v", len(events), events)
	}
}

func TestParseIncompleteReason(t *testing.T) {
	input := sse(
		`{"type":"response.incomplete","response":{"id":"r","incomplete_details":{"reason":"max_output_tokens"}}}`,
	)

	events := collect(t, input)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Reason != "max_output_tokens" {
		t.Errorf("Reason = %q, want max_output_tokens", events[0].Reason)
	}
}
