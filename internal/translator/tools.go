package translator

import (
	"github.com/ccbridge/ccbridge/internal/json"
	"github.com/ccbridge/ccbridge/internal/translator/ir"
	"github.com/ccbridge/ccbridge/internal/translator/openai"
)

// NativeTool is a tool definition in the CLI's vocabulary. The JSON-schema
// parameters of the OpenAI definition map field-for-field onto input_schema.
type NativeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// NativeToolChoice is the CLI's tool-choice directive.
type NativeToolChoice struct {
	// Type is one of "allowed", "disabled", "required", or "tool".
	Type string `json:"type"`
	// Name is set only for Type "tool".
	Name string `json:"name,omitempty"`
}

// toolCallIDPrefix is prepended to native tool-use ids so clients see the
// OpenAI "call_..." convention.
const toolCallIDPrefix = "call_"

var emptyObjectSchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

// ToNative converts OpenAI tool definitions and the tool_choice directive to
// the CLI's vocabulary. An unknown choice value is a validation error, never
// a silent default.
func ToNative(tools []openai.Tool, toolChoice any) ([]NativeTool, *NativeToolChoice, error) {
	var native []NativeTool
	for _, t := range tools {
		if t.Type != "function" {
			return nil, nil, &ToolConversionError{Tool: t.Function.Name, Message: "unsupported tool type " + t.Type}
		}
		if t.Function.Name == "" {
			return nil, nil, &ToolConversionError{Tool: "", Message: "missing function name"}
		}
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		native = append(native, NativeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}

	choice, err := convertToolChoice(toolChoice)
	if err != nil {
		return nil, nil, err
	}
	return native, choice, nil
}

func convertToolChoice(toolChoice any) (*NativeToolChoice, error) {
	switch v := toolChoice.(type) {
	case nil:
		return nil, nil
	case string:
		switch v {
		case "auto":
			return &NativeToolChoice{Type: "allowed"}, nil
		case "none":
			return &NativeToolChoice{Type: "disabled"}, nil
		case "required":
			return &NativeToolChoice{Type: "required"}, nil
		default:
			return nil, &ValidationError{Field: "tool_choice", Message: "unknown value " + v}
		}
	default:
		// Object form: {"type":"function","function":{"name":...}}.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &ValidationError{Field: "tool_choice", Message: "unrecognized shape"}
		}
		var obj struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		}
		if err := json.Unmarshal(data, &obj); err != nil || obj.Function.Name == "" {
			return nil, &ValidationError{Field: "tool_choice", Message: "unrecognized shape"}
		}
		return &NativeToolChoice{Type: "tool", Name: obj.Function.Name}, nil
	}
}

// FromNative converts native tool-use blocks to OpenAI tool calls, preserving
// block order: it becomes the tool_calls array order in the assembled
// response.
func FromNative(blocks []ir.ToolCall) []openai.ToolCall {
	if len(blocks) == 0 {
		return nil
	}
	calls := make([]openai.ToolCall, 0, len(blocks))
	for _, b := range blocks {
		args := b.Args
		if args == "" {
			args = "{}"
		}
		calls = append(calls, openai.ToolCall{
			ID:   toolCallIDPrefix + b.ID,
			Type: "function",
			Function: openai.FunctionCall{
				Name:      b.Name,
				Arguments: args,
			},
		})
	}
	return calls
}
