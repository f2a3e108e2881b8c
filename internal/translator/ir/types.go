// Package ir defines the canonical event stream between the CLI output
// parser and the response assembler. Nothing downstream of the parser ever
// sees raw subprocess bytes; it sees these events.
package ir

// EventType tags a StreamEvent.
type EventType string

const (
	// EventTypeSession reports the native session identifier issued by the
	// CLI. At most one per invocation.
	EventTypeSession EventType = "session"

	// EventTypeToken carries a text fragment (streaming) or the whole body
	// (non-streaming).
	EventTypeToken EventType = "token"

	// EventTypeToolUseStart opens a tool call; carries id and name, and for
	// collapsed non-streaming output the full arguments.
	EventTypeToolUseStart EventType = "tool_use_start"

	// EventTypeToolUseDelta appends an arguments fragment to an open tool call.
	EventTypeToolUseDelta EventType = "tool_use_delta"

	// EventTypeToolUseEnd closes an open tool call.
	EventTypeToolUseEnd EventType = "tool_use_end"

	// EventTypeFinish terminates the stream successfully. Exactly one
	// terminal event (finish or error) is emitted per invocation.
	EventTypeFinish EventType = "finish"

	// EventTypeError terminates the stream with a failure.
	EventTypeError EventType = "error"
)

// FinishReason classifies why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonError     FinishReason = "error"
)

// StreamEvent is the tagged union flowing from the output parser to the
// assembler. Only the fields implied by Type are set.
type StreamEvent struct {
	Type EventType

	// Content is the text fragment for EventTypeToken.
	Content string

	// SessionID is set for EventTypeSession.
	SessionID string

	// ToolCall is set for EventTypeToolUseStart.
	ToolCall *ToolCall

	// ToolCallID identifies the open call for delta and end events.
	ToolCallID string

	// ArgsFragment is the partial arguments JSON for EventTypeToolUseDelta.
	ArgsFragment string

	// FinishReason and Usage are set for EventTypeFinish.
	FinishReason FinishReason
	Usage        *Usage

	// Err is set for EventTypeError.
	Err error
}

// ToolCall is a model-requested function invocation in canonical form.
// Args is a JSON document; it may be empty on a streaming start event whose
// arguments arrive as deltas.
type ToolCall struct {
	ID   string
	Name string
	Args string
}

// Usage carries token accounting reported by the CLI result document.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
