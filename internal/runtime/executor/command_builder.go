// Package executor owns the subprocess boundary: building invocation plans,
// running the CLI, and parsing its output into the canonical event stream.
package executor

import (
	"strings"
	"time"

	"github.com/ccbridge/ccbridge/internal/json"
	"github.com/ccbridge/ccbridge/internal/translator"
	"github.com/ccbridge/ccbridge/internal/translator/openai"
)

// Mode selects the session-continuity strategy for one invocation.
type Mode int

const (
	// ModeSingleShot sends system and user content together with no resume
	// directive. Used when session continuity is not worth establishing or
	// when establishment failed.
	ModeSingleShot Mode = iota

	// ModeNewSession sends the system content alone to establish a native
	// session; the invocation's output carries the session identifier.
	ModeNewSession

	// ModeResumeSession replays the non-system conversation against a
	// cached native session; system content is not retransmitted.
	ModeResumeSession
)

func (m Mode) String() string {
	switch m {
	case ModeNewSession:
		return "new_session"
	case ModeResumeSession:
		return "resume"
	default:
		return "single_shot"
	}
}

// Decision is the session-continuity choice made by the engine for one
// request.
type Decision struct {
	Mode      Mode
	SessionID string // required for ModeResumeSession
}

// InvocationPlan is a fully-resolved subprocess invocation. Plans are built
// fresh per request and never persisted. Building a plan has no side
// effects; the runner materializes stdin payloads and temp files.
type InvocationPlan struct {
	// Argv is the complete argument vector, command first.
	Argv []string

	// Stdin carries the prompt when it is too large for an argv element.
	Stdin []byte

	// SystemPromptFile, when non-nil, is written by the runner to an
	// owner-only temp file whose path is appended to Argv behind
	// systemPromptFileFlag.
	SystemPromptFile []byte

	Mode      Mode
	Streaming bool
	Timeout   time.Duration
}

// systemPromptFileFlag references system content placed in a temp file to
// dodge platform argv length limits.
const systemPromptFileFlag = "--append-system-prompt-file"

// BuilderConfig carries the CLI-shape knobs the builder needs.
type BuilderConfig struct {
	Command         string
	BaseArgs        []string
	Timeout         time.Duration
	InlineThreshold int
}

// CommandBuilder translates a conversation plus a continuity decision into
// an InvocationPlan. Deterministic; never executes anything.
type CommandBuilder struct {
	cfg BuilderConfig
}

// NewCommandBuilder returns a builder for the given CLI configuration.
func NewCommandBuilder(cfg BuilderConfig) *CommandBuilder {
	if cfg.InlineThreshold <= 0 {
		cfg.InlineThreshold = 50 * 1024
	}
	return &CommandBuilder{cfg: cfg}
}

// Build produces the invocation plan for one request. For ModeNewSession the
// remaining messages are ignored and only the system content is sent.
func (b *CommandBuilder) Build(
	remaining []openai.ChatMessage,
	systemContent string,
	decision Decision,
	model string,
	streaming bool,
	tools []translator.NativeTool,
	choice *translator.NativeToolChoice,
) (*InvocationPlan, error) {
	argv := make([]string, 0, len(b.cfg.BaseArgs)+16)
	argv = append(argv, b.cfg.Command)
	argv = append(argv, b.cfg.BaseArgs...)
	argv = append(argv, "--print")
	if streaming {
		argv = append(argv, "--output-format", "stream-json", "--verbose")
	} else {
		argv = append(argv, "--output-format", "json")
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}

	plan := &InvocationPlan{
		Mode:      decision.Mode,
		Streaming: streaming,
		Timeout:   b.cfg.Timeout,
	}

	var prompt string
	switch decision.Mode {
	case ModeNewSession:
		prompt = systemContent
	case ModeResumeSession:
		argv = append(argv, "--resume", decision.SessionID)
		prompt = RenderTranscript(remaining)
	default:
		if systemContent != "" {
			if len(systemContent) <= b.cfg.InlineThreshold {
				argv = append(argv, "--append-system-prompt", systemContent)
			} else {
				plan.SystemPromptFile = []byte(systemContent)
			}
		}
		prompt = RenderTranscript(remaining)
	}

	if len(tools) > 0 {
		toolsJSON, err := json.MarshalString(tools)
		if err != nil {
			return nil, &translator.ToolConversionError{Message: "serialize tools: " + err.Error()}
		}
		argv = append(argv, "--tools", toolsJSON)
	}
	if choice != nil {
		choiceJSON, err := json.MarshalString(choice)
		if err != nil {
			return nil, &translator.ToolConversionError{Message: "serialize tool choice: " + err.Error()}
		}
		argv = append(argv, "--tool-choice", choiceJSON)
	}

	// Oversized prompts go through stdin; the CLI reads stdin when no
	// positional prompt is present.
	if len(prompt) <= b.cfg.InlineThreshold {
		argv = append(argv, prompt)
	} else {
		plan.Stdin = []byte(prompt)
	}

	plan.Argv = argv
	return plan, nil
}

// RenderTranscript flattens a conversation into the single prompt string the
// CLI expects. A lone user message passes through unlabeled; multi-turn
// history gets Human/Assistant labels with tool results inlined.
func RenderTranscript(messages []openai.ChatMessage) string {
	if len(messages) == 1 && messages[0].Role == "user" {
		return messages[0].StringContent()
	}

	var sb strings.Builder
	for i, msg := range messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch msg.Role {
		case "assistant":
			sb.WriteString("Assistant: ")
			sb.WriteString(msg.StringContent())
			for _, tc := range msg.ToolCalls {
				sb.WriteString("\n[called ")
				sb.WriteString(tc.Function.Name)
				sb.WriteString(" with ")
				sb.WriteString(tc.Function.Arguments)
				sb.WriteString("]")
			}
		case "tool":
			sb.WriteString("Tool result (")
			sb.WriteString(msg.ToolCallID)
			sb.WriteString("): ")
			sb.WriteString(msg.StringContent())
		default:
			sb.WriteString("Human: ")
			sb.WriteString(msg.StringContent())
		}
	}
	return sb.String()
}
