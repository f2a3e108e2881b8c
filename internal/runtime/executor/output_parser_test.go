package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/sjson"

	"github.com/ccbridge/ccbridge/internal/translator/ir"
)

// replayInvocation feeds canned documents to the parser without spawning
// anything.
type replayInvocation struct {
	docs   [][]byte
	pos    int
	tail   error // returned once docs run out
	closed bool
}

func (r *replayInvocation) Next() ([]byte, error) {
	if r.pos >= len(r.docs) {
		if r.tail != nil {
			return nil, r.tail
		}
		return nil, io.EOF
	}
	doc := r.docs[r.pos]
	r.pos++
	return doc, nil
}

func (r *replayInvocation) Close() error {
	r.closed = true
	return nil
}

// doc builds one output document from path/value pairs via sjson. A value of
// type rawJSON is spliced in verbatim.
type rawJSON string

func doc(t *testing.T, pairs ...any) []byte {
	t.Helper()
	out := []byte(`{}`)
	var err error
	for i := 0; i < len(pairs); i += 2 {
		path := pairs[i].(string)
		switch v := pairs[i+1].(type) {
		case rawJSON:
			out, err = sjson.SetRawBytes(out, path, []byte(v))
		default:
			out, err = sjson.SetBytes(out, path, v)
		}
		if err != nil {
			t.Fatalf("building fixture: %v", err)
		}
	}
	return out
}

func runParser(t *testing.T, streaming bool, inv *replayInvocation) []ir.StreamEvent {
	t.Helper()
	out := make(chan ir.StreamEvent, 64)
	NewParser(streaming).Run(context.Background(), inv, out)
	if !inv.closed {
		t.Error("parser must close the invocation")
	}
	var events []ir.StreamEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestParserStreamingTextSequence(t *testing.T) {
	inv := &replayInvocation{docs: [][]byte{
		doc(t, "type", "system", "subtype", "init", "session_id", "sess-1"),
		doc(t, "type", "content_block_delta", "index", 0, "delta.type", "text_delta", "delta.text", "Hello"),
		doc(t, "type", "content_block_delta", "index", 0, "delta.type", "text_delta", "delta.text", ", world"),
		doc(t, "type", "result", "subtype", "success", "stop_reason", "end_turn",
			"usage.input_tokens", 12, "usage.output_tokens", 5, "session_id", "sess-1"),
	}}

	events := runParser(t, true, inv)

	want := []ir.EventType{ir.EventTypeSession, ir.EventTypeToken, ir.EventTypeToken, ir.EventTypeFinish}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event %d: type %v, want %v", i, events[i].Type, typ)
		}
	}
	if events[0].SessionID != "sess-1" {
		t.Errorf("session id = %q", events[0].SessionID)
	}
	if events[1].Content+events[2].Content != "Hello, world" {
		t.Errorf("tokens = %q + %q", events[1].Content, events[2].Content)
	}
	fin := events[3]
	if fin.FinishReason != ir.FinishReasonStop {
		t.Errorf("finish reason = %v", fin.FinishReason)
	}
	if fin.Usage == nil || fin.Usage.PromptTokens != 12 || fin.Usage.CompletionTokens != 5 || fin.Usage.TotalTokens != 17 {
		t.Errorf("usage = %+v", fin.Usage)
	}
}

func TestParserStreamingToolUse(t *testing.T) {
	inv := &replayInvocation{docs: [][]byte{
		doc(t, "type", "system", "subtype", "init", "session_id", "s"),
		doc(t, "type", "content_block_start", "index", 1,
			"content_block.type", "tool_use", "content_block.id", "tu-1", "content_block.name", "lookup"),
		doc(t, "type", "content_block_delta", "index", 1, "delta.type", "input_json_delta", "delta.partial_json", `{"q":`),
		doc(t, "type", "content_block_delta", "index", 1, "delta.type", "input_json_delta", "delta.partial_json", `"go"}`),
		doc(t, "type", "content_block_stop", "index", 1),
		doc(t, "type", "result", "subtype", "success", "stop_reason", "tool_use"),
	}}

	events := runParser(t, true, inv)

	want := []ir.EventType{
		ir.EventTypeSession,
		ir.EventTypeToolUseStart, ir.EventTypeToolUseDelta, ir.EventTypeToolUseDelta, ir.EventTypeToolUseEnd,
		ir.EventTypeFinish,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event %d: type %v, want %v", i, events[i].Type, typ)
		}
	}
	start := events[1]
	if start.ToolCall == nil || start.ToolCall.ID != "tu-1" || start.ToolCall.Name != "lookup" {
		t.Errorf("tool start = %+v", start.ToolCall)
	}
	if events[2].ToolCallID != "tu-1" || events[2].ArgsFragment != `{"q":` {
		t.Errorf("first delta = %+v", events[2])
	}
	if events[5].FinishReason != ir.FinishReasonToolCalls {
		t.Errorf("finish reason = %v", events[5].FinishReason)
	}
}

func TestParserSkipsMalformedDocuments(t *testing.T) {
	inv := &replayInvocation{docs: [][]byte{
		[]byte(`{"type": "content_block_delta", truncated garbage`),
		[]byte(`not json at all`),
		doc(t, "type", "content_block_delta", "delta.type", "text_delta", "delta.text", "ok"),
		doc(t, "type", "result", "subtype", "success", "stop_reason", "end_turn"),
	}}

	events := runParser(t, true, inv)

	if len(events) != 2 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Type != ir.EventTypeToken || events[0].Content != "ok" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != ir.EventTypeFinish {
		t.Errorf("last event = %+v", events[1])
	}
}

func TestParserMissingTerminal(t *testing.T) {
	inv := &replayInvocation{docs: [][]byte{
		doc(t, "type", "system", "subtype", "init", "session_id", "s"),
		doc(t, "type", "content_block_delta", "delta.type", "text_delta", "delta.text", "partial"),
	}}

	events := runParser(t, true, inv)

	last := events[len(events)-1]
	if last.Type != ir.EventTypeError || !errors.Is(last.Err, ErrMissingTerminal) {
		t.Errorf("expected ErrMissingTerminal event, got %+v", last)
	}
}

func TestParserProcessErrorPassesThrough(t *testing.T) {
	procErr := &ProcessError{Stage: "run", ExitCode: 1, Stderr: "boom"}
	inv := &replayInvocation{tail: procErr}

	events := runParser(t, true, inv)

	if len(events) != 1 || events[0].Type != ir.EventTypeError {
		t.Fatalf("events = %+v", events)
	}
	var got *ProcessError
	if !errors.As(events[0].Err, &got) || got.ExitCode != 1 {
		t.Errorf("expected the process error, got %v", events[0].Err)
	}
}

func TestParserErrorResult(t *testing.T) {
	tests := []struct {
		name string
		doc  []byte
	}{
		{"is_error flag", doc(t, "type", "result", "subtype", "success", "is_error", true, "result", "model refused")},
		{"error subtype", doc(t, "type", "result", "subtype", "error_during_execution")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &replayInvocation{docs: [][]byte{tt.doc}}

			events := runParser(t, false, inv)

			last := events[len(events)-1]
			if last.Type != ir.EventTypeError {
				t.Fatalf("expected error event, got %+v", last)
			}
			if !strings.Contains(last.Err.Error(), "cli reported failure") {
				t.Errorf("error message = %q", last.Err)
			}
		})
	}
}

func TestParserSingleDocumentResult(t *testing.T) {
	inv := &replayInvocation{docs: [][]byte{
		doc(t, "type", "result", "subtype", "success", "session_id", "sess-9",
			"result", "The answer is 42.", "stop_reason", "end_turn",
			"usage.input_tokens", 7, "usage.output_tokens", 8),
	}}

	events := runParser(t, false, inv)

	want := []ir.EventType{ir.EventTypeSession, ir.EventTypeToken, ir.EventTypeFinish}
	if len(events) != len(want) {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].SessionID != "sess-9" {
		t.Errorf("session id = %q", events[0].SessionID)
	}
	if events[1].Content != "The answer is 42." {
		t.Errorf("content = %q", events[1].Content)
	}
	if events[2].Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", events[2].Usage)
	}
}

func TestParserResultBodySuppressedAfterStreamedContent(t *testing.T) {
	inv := &replayInvocation{docs: [][]byte{
		doc(t, "type", "content_block_delta", "delta.type", "text_delta", "delta.text", "streamed"),
		doc(t, "type", "result", "subtype", "success", "result", "streamed", "stop_reason", "end_turn"),
	}}

	events := runParser(t, true, inv)

	tokens := 0
	for _, ev := range events {
		if ev.Type == ir.EventTypeToken {
			tokens++
		}
	}
	if tokens != 1 {
		t.Errorf("result body doubled the text: %d token events", tokens)
	}
}

func TestParserAssistantMessageBlocks(t *testing.T) {
	content := rawJSON(`[
		{"type": "text", "text": "Let me check."},
		{"type": "tool_use", "id": "tu-2", "name": "fetch", "input": {"url": "https://example.com"}}
	]`)
	inv := &replayInvocation{docs: [][]byte{
		doc(t, "type", "assistant", "message.content", content),
		doc(t, "type", "result", "subtype", "success", "stop_reason", "tool_use"),
	}}

	events := runParser(t, true, inv)

	want := []ir.EventType{ir.EventTypeToken, ir.EventTypeToolUseStart, ir.EventTypeToolUseEnd, ir.EventTypeFinish}
	if len(events) != len(want) {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	start := events[1]
	if start.ToolCall.Name != "fetch" || !strings.Contains(start.ToolCall.Args, "example.com") {
		t.Errorf("tool block = %+v", start.ToolCall)
	}
	if events[3].FinishReason != ir.FinishReasonToolCalls {
		t.Errorf("finish reason = %v", events[3].FinishReason)
	}
}

func TestParserFinishReasonMapping(t *testing.T) {
	tests := []struct {
		stopReason string
		want       ir.FinishReason
	}{
		{"end_turn", ir.FinishReasonStop},
		{"stop_sequence", ir.FinishReasonStop},
		{"max_tokens", ir.FinishReasonLength},
		{"tool_use", ir.FinishReasonToolCalls},
		{"", ir.FinishReasonStop},
	}
	for _, tt := range tests {
		t.Run("stop_reason="+tt.stopReason, func(t *testing.T) {
			inv := &replayInvocation{docs: [][]byte{
				doc(t, "type", "result", "subtype", "success", "result", "x", "stop_reason", tt.stopReason),
			}}

			events := runParser(t, false, inv)

			fin := events[len(events)-1]
			if fin.Type != ir.EventTypeFinish || fin.FinishReason != tt.want {
				t.Errorf("got %+v, want finish %v", fin, tt.want)
			}
		})
	}
}

func TestParserStopsWhenConsumerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := &replayInvocation{docs: [][]byte{
		doc(t, "type", "content_block_delta", "delta.type", "text_delta", "delta.text", "x"),
		doc(t, "type", "result", "subtype", "success"),
	}}
	out := make(chan ir.StreamEvent) // unbuffered, nobody reading

	done := make(chan struct{})
	go func() {
		NewParser(true).Run(ctx, inv, out)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("parser did not stop on cancelled consumer")
	}
	if !inv.closed {
		t.Error("invocation left open")
	}
}
