package translator

import (
	"errors"

	"github.com/ccbridge/ccbridge/internal/translator/ir"
	"github.com/ccbridge/ccbridge/internal/translator/openai"
)

// ErrNoTerminalEvent is returned when the event stream ends without a finish
// or error event, which means the invocation died mid-flight.
var ErrNoTerminalEvent = errors.New("event stream ended without a terminal event")

// Collect drains the event stream into a single ChatCompletion object.
// Text deltas are concatenated in arrival order and tool-use events collapse
// into the tool_calls array, so the result is byte-identical to what the
// streaming path would produce for the same events.
func Collect(events <-chan ir.StreamEvent, id, model string, created int64) (*openai.ChatCompletionResponse, error) {
	body := ir.GetStringBuilder()
	defer ir.PutStringBuilder(body)

	var (
		order    []string
		partial  = map[string]*ir.ToolCall{}
		reason   ir.FinishReason
		usage    *ir.Usage
		terminal bool
	)

	for ev := range events {
		switch ev.Type {
		case ir.EventTypeToken:
			body.WriteString(ev.Content)
		case ir.EventTypeToolUseStart:
			if ev.ToolCall == nil {
				continue
			}
			tc := *ev.ToolCall
			partial[tc.ID] = &tc
			order = append(order, tc.ID)
		case ir.EventTypeToolUseDelta:
			if tc, ok := partial[ev.ToolCallID]; ok {
				tc.Args += ev.ArgsFragment
			}
		case ir.EventTypeToolUseEnd:
			// Arguments complete; nothing to do until assembly.
		case ir.EventTypeFinish:
			reason = ev.FinishReason
			usage = ev.Usage
			terminal = true
		case ir.EventTypeError:
			// Drain remaining events so the producer is never blocked.
			for range events {
			}
			return nil, ev.Err
		}
	}
	if !terminal {
		return nil, ErrNoTerminalEvent
	}

	blocks := make([]ir.ToolCall, 0, len(order))
	for _, tid := range order {
		blocks = append(blocks, *partial[tid])
	}

	resp := &openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []openai.Choice{{
			Message: openai.AssistantMessage{
				Role:      "assistant",
				Content:   body.String(),
				ToolCalls: FromNative(blocks),
			},
			FinishReason: string(reason),
		}},
	}
	if usage != nil {
		resp.Usage = openai.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	return resp, nil
}

// StreamAssembler converts the canonical event stream into OpenAI SSE
// frames: one role chunk, one chunk per fragment in arrival order, a finish
// chunk, then the [DONE] marker. Frames are forwarded as fast as events
// arrive; no pacing.
type StreamAssembler struct {
	id      string
	model   string
	created int64

	roleSent  bool
	doneSent  bool
	toolIndex map[string]int
}

// NewStreamAssembler returns an assembler for one streaming response.
func NewStreamAssembler(id, model string, created int64) *StreamAssembler {
	return &StreamAssembler{
		id:        id,
		model:     model,
		created:   created,
		toolIndex: map[string]int{},
	}
}

// Feed translates one event into zero or more SSE frames.
func (a *StreamAssembler) Feed(ev ir.StreamEvent) [][]byte {
	if a.doneSent {
		return nil
	}
	var frames [][]byte
	role := func() {
		if !a.roleSent {
			a.roleSent = true
			frames = append(frames, ir.BuildOpenAIRoleChunkSSE(a.id, a.model, a.created))
		}
	}

	switch ev.Type {
	case ir.EventTypeToken:
		role()
		frames = append(frames, ir.BuildOpenAITextDeltaSSE(a.id, a.model, a.created, ev.Content))
	case ir.EventTypeToolUseStart:
		if ev.ToolCall == nil {
			return nil
		}
		role()
		idx := len(a.toolIndex)
		a.toolIndex[ev.ToolCall.ID] = idx
		frames = append(frames, ir.BuildOpenAIToolCallStartSSE(
			a.id, a.model, a.created, idx,
			toolCallIDPrefix+ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Args))
	case ir.EventTypeToolUseDelta:
		idx, ok := a.toolIndex[ev.ToolCallID]
		if !ok {
			return nil
		}
		frames = append(frames, ir.BuildOpenAIToolCallArgsDeltaSSE(a.id, a.model, a.created, idx, ev.ArgsFragment))
	case ir.EventTypeFinish:
		role()
		frames = append(frames,
			ir.BuildOpenAIFinishSSE(a.id, a.model, a.created, ev.FinishReason, ev.Usage),
			ir.SSEDone())
		a.doneSent = true
	case ir.EventTypeError:
		frames = append(frames,
			ir.BuildOpenAIErrorSSE(ev.Err.Error(), "server_error"),
			ir.SSEDone())
		a.doneSent = true
	}
	return frames
}

// Finish force-terminates the stream when the producer ended without a
// terminal event.
func (a *StreamAssembler) Finish() [][]byte {
	if a.doneSent {
		return nil
	}
	a.doneSent = true
	return [][]byte{
		ir.BuildOpenAIErrorSSE(ErrNoTerminalEvent.Error(), "server_error"),
		ir.SSEDone(),
	}
}
