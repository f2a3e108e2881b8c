// Typed SSE chunk builders for the OpenAI streaming surface. The text and
// tool-call delta builders are the hot path and run off sync.Pool instances
// to keep per-token allocations flat.
package ir

import (
	"sync"

	"github.com/ccbridge/ccbridge/internal/json"
)

// OpenAITextDelta is a chat.completion.chunk carrying a text fragment.
type OpenAITextDelta struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []OpenAITextDeltaChoice `json:"choices"`
}

type OpenAITextDeltaChoice struct {
	Index        int                    `json:"index"`
	Delta        OpenAITextDeltaContent `json:"delta"`
	FinishReason *string                `json:"finish_reason"`
}

type OpenAITextDeltaContent struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

var openaiTextDeltaPool = sync.Pool{
	New: func() any {
		return &OpenAITextDelta{
			Object:  "chat.completion.chunk",
			Choices: make([]OpenAITextDeltaChoice, 1),
		}
	},
}

func getOpenAITextDelta() *OpenAITextDelta {
	return openaiTextDeltaPool.Get().(*OpenAITextDelta)
}

func putOpenAITextDelta(d *OpenAITextDelta) {
	d.ID = ""
	d.Model = ""
	d.Created = 0
	if len(d.Choices) > 0 {
		d.Choices[0].Index = 0
		d.Choices[0].Delta.Role = ""
		d.Choices[0].Delta.Content = ""
		d.Choices[0].FinishReason = nil
	}
	openaiTextDeltaPool.Put(d)
}

// BuildOpenAIRoleChunkSSE builds the initial role-announcement chunk of a
// stream.
func BuildOpenAIRoleChunkSSE(id, model string, created int64) []byte {
	delta := getOpenAITextDelta()
	defer putOpenAITextDelta(delta)

	delta.ID = id
	delta.Model = model
	delta.Created = created
	delta.Choices[0].Delta.Role = "assistant"

	jb, _ := json.Marshal(delta)
	return BuildSSEChunk(jb)
}

// BuildOpenAITextDeltaSSE builds an SSE chunk for one text fragment. This is
// the hot path, called once per token.
func BuildOpenAITextDeltaSSE(id, model string, created int64, content string) []byte {
	delta := getOpenAITextDelta()
	defer putOpenAITextDelta(delta)

	delta.ID = id
	delta.Model = model
	delta.Created = created
	delta.Choices[0].Delta.Content = content

	jb, _ := json.Marshal(delta)
	return BuildSSEChunk(jb)
}

// OpenAIToolCallDelta is a chat.completion.chunk carrying a tool call
// fragment.
type OpenAIToolCallDelta struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []OpenAIToolCallDeltaChoice `json:"choices"`
}

type OpenAIToolCallDeltaChoice struct {
	Index        int                        `json:"index"`
	Delta        OpenAIToolCallDeltaContent `json:"delta"`
	FinishReason *string                    `json:"finish_reason"`
}

type OpenAIToolCallDeltaContent struct {
	ToolCalls []OpenAIToolCallEntry `json:"tool_calls,omitempty"`
}

type OpenAIToolCallEntry struct {
	Index    int                     `json:"index"`
	ID       string                  `json:"id,omitempty"`
	Type     string                  `json:"type,omitempty"`
	Function *OpenAIToolCallFunction `json:"function,omitempty"`
}

type OpenAIToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

var openaiToolCallDeltaPool = sync.Pool{
	New: func() any {
		return &OpenAIToolCallDelta{
			Object:  "chat.completion.chunk",
			Choices: make([]OpenAIToolCallDeltaChoice, 1),
		}
	},
}

func getOpenAIToolCallDelta() *OpenAIToolCallDelta {
	d := openaiToolCallDeltaPool.Get().(*OpenAIToolCallDelta)
	if cap(d.Choices[0].Delta.ToolCalls) == 0 {
		d.Choices[0].Delta.ToolCalls = make([]OpenAIToolCallEntry, 0, 1)
	}
	return d
}

func putOpenAIToolCallDelta(d *OpenAIToolCallDelta) {
	d.ID = ""
	d.Model = ""
	d.Created = 0
	if len(d.Choices) > 0 {
		d.Choices[0].Index = 0
		d.Choices[0].FinishReason = nil
		d.Choices[0].Delta.ToolCalls = d.Choices[0].Delta.ToolCalls[:0]
	}
	openaiToolCallDeltaPool.Put(d)
}

// BuildOpenAIToolCallStartSSE builds an SSE chunk announcing a new tool call
// (id, name, and any arguments already known).
func BuildOpenAIToolCallStartSSE(id, model string, created int64, toolCallIndex int, toolCallID, funcName, funcArgs string) []byte {
	delta := getOpenAIToolCallDelta()
	defer putOpenAIToolCallDelta(delta)

	delta.ID = id
	delta.Model = model
	delta.Created = created
	delta.Choices[0].Delta.ToolCalls = append(delta.Choices[0].Delta.ToolCalls, OpenAIToolCallEntry{
		Index: toolCallIndex,
		ID:    toolCallID,
		Type:  "function",
		Function: &OpenAIToolCallFunction{
			Name:      funcName,
			Arguments: funcArgs,
		},
	})

	jb, _ := json.Marshal(delta)
	return BuildSSEChunk(jb)
}

// BuildOpenAIToolCallArgsDeltaSSE builds an SSE chunk carrying only an
// arguments fragment for an already-announced tool call.
func BuildOpenAIToolCallArgsDeltaSSE(id, model string, created int64, toolCallIndex int, funcArgs string) []byte {
	delta := getOpenAIToolCallDelta()
	defer putOpenAIToolCallDelta(delta)

	delta.ID = id
	delta.Model = model
	delta.Created = created
	delta.Choices[0].Delta.ToolCalls = append(delta.Choices[0].Delta.ToolCalls, OpenAIToolCallEntry{
		Index:    toolCallIndex,
		Function: &OpenAIToolCallFunction{Arguments: funcArgs},
	})

	jb, _ := json.Marshal(delta)
	return BuildSSEChunk(jb)
}

// openAIFinishChunk is the terminal chunk: empty delta, finish_reason set,
// optional usage.
type openAIFinishChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []openAIFinishEntry `json:"choices"`
	Usage   *openAIUsage        `json:"usage,omitempty"`
}

type openAIFinishEntry struct {
	Index        int      `json:"index"`
	Delta        struct{} `json:"delta"`
	FinishReason string   `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BuildOpenAIFinishSSE builds the terminal chunk carrying finish_reason and,
// when known, usage.
func BuildOpenAIFinishSSE(id, model string, created int64, reason FinishReason, usage *Usage) []byte {
	chunk := openAIFinishChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []openAIFinishEntry{{FinishReason: string(reason)}},
	}
	if usage != nil {
		chunk.Usage = &openAIUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	jb, _ := json.Marshal(chunk)
	return BuildSSEChunk(jb)
}

// BuildOpenAIErrorSSE frames an error event for an in-flight stream so the
// client never sees a silently hung connection.
func BuildOpenAIErrorSSE(message, errType string) []byte {
	payload := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	}
	jb, _ := json.Marshal(payload)
	return BuildSSEChunk(jb)
}
