package translator

import "fmt"

// ValidationError reports a request that is malformed at the OpenAI surface
// (for example an unknown tool_choice). It is raised before any subprocess
// is spawned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ToolConversionError reports a tool definition that cannot be mapped
// between the OpenAI and native schemas.
type ToolConversionError struct {
	Tool    string
	Message string
}

func (e *ToolConversionError) Error() string {
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Message)
}
