package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ccbridge/ccbridge/internal/json"
	log "github.com/ccbridge/ccbridge/internal/logging"
	"github.com/ccbridge/ccbridge/internal/translator/ir"
)

// parserState tracks progress through one invocation's output.
type parserState int

const (
	stateStart parserState = iota
	stateContent
	stateToolUse
	stateDone
	stateFailed
)

// Parser converts raw CLI output documents into the canonical event stream.
// Malformed documents are skipped and logged; the invocation only fails if
// no valid terminal document ever arrives.
type Parser struct {
	streaming bool

	state       parserState
	sessionSent bool
	sawContent  bool
	sawToolUse  bool
	blockTool   map[int64]string // open content-block index -> tool call id
	skipped     int
}

// NewParser returns a parser for one invocation.
func NewParser(streaming bool) *Parser {
	return &Parser{streaming: streaming, blockTool: make(map[int64]string)}
}

// Run pulls documents from inv until a terminal event, sending canonical
// events on out. It closes out and the invocation before returning, and
// guarantees exactly one terminal event unless the consumer's context ends
// first.
func (p *Parser) Run(ctx context.Context, inv Invocation, out chan<- ir.StreamEvent) {
	defer close(out)
	defer inv.Close()

	emit := func(ev ir.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for p.state != stateDone && p.state != stateFailed {
		doc, err := inv.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrMissingTerminal
			}
			p.state = stateFailed
			emit(ir.StreamEvent{Type: ir.EventTypeError, Err: err})
			return
		}
		if !p.handle(doc, emit) {
			return // consumer gone
		}
	}
	if p.skipped > 0 {
		log.Debugf("output parser: skipped %d malformed documents", p.skipped)
	}
}

// handle dispatches one raw document. Returns false when the consumer's
// context ended mid-emit.
func (p *Parser) handle(doc []byte, emit func(ir.StreamEvent) bool) bool {
	if !json.Valid(doc) {
		p.skipped++
		log.Warnf("output parser: skipping malformed document (%d bytes)", len(doc))
		return true
	}
	parsed := gjson.ParseBytes(doc)

	switch parsed.Get("type").String() {
	case "system":
		if parsed.Get("subtype").String() == "init" {
			if sid := parsed.Get("session_id").String(); sid != "" && !p.sessionSent {
				p.sessionSent = true
				if !emit(ir.StreamEvent{Type: ir.EventTypeSession, SessionID: sid}) {
					return false
				}
			}
			p.state = stateContent
		}

	case "assistant":
		p.state = stateContent
		return p.emitContentBlocks(parsed.Get("message.content"), emit)

	case "content_block_start":
		block := parsed.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			idx := parsed.Get("index").Int()
			id := block.Get("id").String()
			p.blockTool[idx] = id
			p.sawToolUse = true
			p.state = stateToolUse
			return emit(ir.StreamEvent{Type: ir.EventTypeToolUseStart, ToolCall: &ir.ToolCall{
				ID:   id,
				Name: block.Get("name").String(),
			}})
		}

	case "content_block_delta":
		delta := parsed.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			p.sawContent = true
			p.state = stateContent
			return emit(ir.StreamEvent{Type: ir.EventTypeToken, Content: delta.Get("text").String()})
		case "input_json_delta":
			idx := parsed.Get("index").Int()
			if id, ok := p.blockTool[idx]; ok {
				return emit(ir.StreamEvent{
					Type:         ir.EventTypeToolUseDelta,
					ToolCallID:   id,
					ArgsFragment: delta.Get("partial_json").String(),
				})
			}
		}

	case "content_block_stop":
		idx := parsed.Get("index").Int()
		if id, ok := p.blockTool[idx]; ok {
			delete(p.blockTool, idx)
			p.state = stateContent
			return emit(ir.StreamEvent{Type: ir.EventTypeToolUseEnd, ToolCallID: id})
		}

	case "result":
		return p.handleResult(parsed, emit)
	}
	return true
}

// handleResult processes the terminal document: session id (single-document
// mode), any collapsed content, then exactly one finish or error event.
func (p *Parser) handleResult(parsed gjson.Result, emit func(ir.StreamEvent) bool) bool {
	if sid := parsed.Get("session_id").String(); sid != "" && !p.sessionSent {
		p.sessionSent = true
		if !emit(ir.StreamEvent{Type: ir.EventTypeSession, SessionID: sid}) {
			return false
		}
	}

	if parsed.Get("is_error").Bool() || strings.HasPrefix(parsed.Get("subtype").String(), "error") {
		p.state = stateFailed
		msg := parsed.Get("result").String()
		if msg == "" {
			msg = parsed.Get("subtype").String()
		}
		return emit(ir.StreamEvent{Type: ir.EventTypeError, Err: fmt.Errorf("cli reported failure: %s", msg)})
	}

	// Collapsed output: only surface the result body when nothing was
	// streamed, otherwise the text would double.
	if !p.sawContent && !p.sawToolUse {
		if blocks := parsed.Get("message.content"); blocks.Exists() {
			if !p.emitContentBlocks(blocks, emit) {
				return false
			}
		} else if text := parsed.Get("result").String(); text != "" {
			p.sawContent = true
			if !emit(ir.StreamEvent{Type: ir.EventTypeToken, Content: text}) {
				return false
			}
		}
	}

	p.state = stateDone
	return emit(ir.StreamEvent{
		Type:         ir.EventTypeFinish,
		FinishReason: p.finishReason(parsed.Get("stop_reason").String()),
		Usage: &ir.Usage{
			PromptTokens:     int(parsed.Get("usage.input_tokens").Int()),
			CompletionTokens: int(parsed.Get("usage.output_tokens").Int()),
			TotalTokens:      int(parsed.Get("usage.input_tokens").Int() + parsed.Get("usage.output_tokens").Int()),
		},
	})
}

// emitContentBlocks walks an assistant content array, emitting text as
// tokens and tool_use blocks as collapsed start/end pairs.
func (p *Parser) emitContentBlocks(blocks gjson.Result, emit func(ir.StreamEvent) bool) bool {
	ok := true
	blocks.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if text := block.Get("text").String(); text != "" {
				p.sawContent = true
				ok = emit(ir.StreamEvent{Type: ir.EventTypeToken, Content: text})
			}
		case "tool_use":
			p.sawToolUse = true
			id := block.Get("id").String()
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			ok = emit(ir.StreamEvent{Type: ir.EventTypeToolUseStart, ToolCall: &ir.ToolCall{
				ID:   id,
				Name: block.Get("name").String(),
				Args: args,
			}})
			if ok {
				ok = emit(ir.StreamEvent{Type: ir.EventTypeToolUseEnd, ToolCallID: id})
			}
		}
		return ok
	})
	return ok
}

func (p *Parser) finishReason(stopReason string) ir.FinishReason {
	switch stopReason {
	case "max_tokens":
		return ir.FinishReasonLength
	case "tool_use":
		return ir.FinishReasonToolCalls
	case "end_turn", "stop_sequence", "stop":
		return ir.FinishReasonStop
	default:
		if p.sawToolUse {
			return ir.FinishReasonToolCalls
		}
		return ir.FinishReasonStop
	}
}
