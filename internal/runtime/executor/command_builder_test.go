package executor

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ccbridge/ccbridge/internal/translator"
	"github.com/ccbridge/ccbridge/internal/translator/openai"
)

func testBuilder() *CommandBuilder {
	return NewCommandBuilder(BuilderConfig{
		Command:         "claude",
		BaseArgs:        []string{"--dangerously-skip-permissions"},
		Timeout:         30 * time.Second,
		InlineThreshold: 100,
	})
}

func user(content string) openai.ChatMessage {
	return openai.ChatMessage{Role: "user", Content: content}
}

// flagValue returns the argv element following flag, or "" when absent.
func flagValue(argv []string, flag string) string {
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

func TestBuildSingleShot(t *testing.T) {
	plan, err := testBuilder().Build(
		[]openai.ChatMessage{user("hello")},
		"be terse",
		Decision{Mode: ModeSingleShot},
		"claude-sonnet-4-5",
		false, nil, nil,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	argv := plan.Argv
	if argv[0] != "claude" || argv[1] != "--dangerously-skip-permissions" {
		t.Errorf("command/base args wrong: %v", argv[:2])
	}
	if !slices.Contains(argv, "--print") {
		t.Error("missing --print")
	}
	if flagValue(argv, "--output-format") != "json" {
		t.Errorf("output format = %q", flagValue(argv, "--output-format"))
	}
	if slices.Contains(argv, "--verbose") {
		t.Error("--verbose belongs to streaming plans only")
	}
	if flagValue(argv, "--model") != "claude-sonnet-4-5" {
		t.Errorf("model = %q", flagValue(argv, "--model"))
	}
	if flagValue(argv, "--append-system-prompt") != "be terse" {
		t.Errorf("system prompt = %q", flagValue(argv, "--append-system-prompt"))
	}
	if slices.Contains(argv, "--resume") {
		t.Error("single shot must not resume")
	}
	if argv[len(argv)-1] != "hello" {
		t.Errorf("prompt not last: %v", argv)
	}
	if plan.Stdin != nil || plan.SystemPromptFile != nil {
		t.Error("small payloads should stay inline")
	}
	if plan.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", plan.Timeout)
	}
}

func TestBuildStreamingFlags(t *testing.T) {
	plan, err := testBuilder().Build([]openai.ChatMessage{user("hi")}, "", Decision{Mode: ModeSingleShot}, "m", true, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flagValue(plan.Argv, "--output-format") != "stream-json" {
		t.Errorf("output format = %q", flagValue(plan.Argv, "--output-format"))
	}
	if !slices.Contains(plan.Argv, "--verbose") {
		t.Error("streaming plans need --verbose")
	}
	if !plan.Streaming {
		t.Error("plan not marked streaming")
	}
}

func TestBuildNewSessionSendsSystemOnly(t *testing.T) {
	plan, err := testBuilder().Build(
		[]openai.ChatMessage{user("this must not appear")},
		"system persona",
		Decision{Mode: ModeNewSession},
		"m", false, nil, nil,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	argv := plan.Argv
	if argv[len(argv)-1] != "system persona" {
		t.Errorf("prompt = %q, want the system content", argv[len(argv)-1])
	}
	if slices.Contains(argv, "--append-system-prompt") {
		t.Error("new session sends system content as the prompt, not as a flag")
	}
	for _, a := range argv {
		if strings.Contains(a, "this must not appear") {
			t.Error("user content leaked into establishment")
		}
	}
}

func TestBuildResumeSession(t *testing.T) {
	plan, err := testBuilder().Build(
		[]openai.ChatMessage{user("follow-up")},
		"system persona",
		Decision{Mode: ModeResumeSession, SessionID: "sess-42"},
		"m", false, nil, nil,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	argv := plan.Argv
	if flagValue(argv, "--resume") != "sess-42" {
		t.Errorf("resume id = %q", flagValue(argv, "--resume"))
	}
	if slices.Contains(argv, "--append-system-prompt") {
		t.Error("resume must not retransmit system content")
	}
	if plan.SystemPromptFile != nil {
		t.Error("resume must not retransmit system content via file either")
	}
	if argv[len(argv)-1] != "follow-up" {
		t.Errorf("prompt = %q", argv[len(argv)-1])
	}
}

func TestBuildLargePromptGoesToStdin(t *testing.T) {
	big := strings.Repeat("x", 101)
	plan, err := testBuilder().Build([]openai.ChatMessage{user(big)}, "", Decision{Mode: ModeSingleShot}, "m", false, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plan.Stdin) != big {
		t.Error("oversized prompt should move to stdin")
	}
	if slices.Contains(plan.Argv, big) {
		t.Error("oversized prompt must not appear in argv")
	}
}

func TestBuildLargeSystemPromptGoesToFile(t *testing.T) {
	big := strings.Repeat("s", 101)
	plan, err := testBuilder().Build([]openai.ChatMessage{user("hi")}, big, Decision{Mode: ModeSingleShot}, "m", false, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plan.SystemPromptFile) != big {
		t.Error("oversized system content should move to the temp file payload")
	}
	if slices.Contains(plan.Argv, "--append-system-prompt") {
		t.Error("--append-system-prompt must not carry oversized content")
	}
}

func TestBuildToolFlags(t *testing.T) {
	tools := []translator.NativeTool{{
		Name:        "get_weather",
		Description: "weather lookup",
		InputSchema: map[string]any{"type": "object"},
	}}
	choice := &translator.NativeToolChoice{Type: "tool", Name: "get_weather"}

	plan, err := testBuilder().Build([]openai.ChatMessage{user("hi")}, "", Decision{Mode: ModeSingleShot}, "m", false, tools, choice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	toolsJSON := flagValue(plan.Argv, "--tools")
	if !strings.Contains(toolsJSON, `"get_weather"`) || !strings.Contains(toolsJSON, `"input_schema"`) {
		t.Errorf("--tools payload = %q", toolsJSON)
	}
	choiceJSON := flagValue(plan.Argv, "--tool-choice")
	if !strings.Contains(choiceJSON, `"tool"`) || !strings.Contains(choiceJSON, `"get_weather"`) {
		t.Errorf("--tool-choice payload = %q", choiceJSON)
	}
}

func TestBuildOmitsToolFlagsWhenUnset(t *testing.T) {
	plan, err := testBuilder().Build([]openai.ChatMessage{user("hi")}, "", Decision{Mode: ModeSingleShot}, "m", false, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slices.Contains(plan.Argv, "--tools") || slices.Contains(plan.Argv, "--tool-choice") {
		t.Errorf("tool flags present without tools: %v", plan.Argv)
	}
}

func TestRenderTranscript(t *testing.T) {
	tests := []struct {
		name     string
		messages []openai.ChatMessage
		want     string
	}{
		{
			"lone user message unlabeled",
			[]openai.ChatMessage{user("just this")},
			"just this",
		},
		{
			"multi-turn gets labels",
			[]openai.ChatMessage{user("hi"), {Role: "assistant", Content: "hello"}, user("more")},
			"Human: hi\n\nAssistant: hello\n\nHuman: more",
		},
		{
			"tool result inlined",
			[]openai.ChatMessage{
				user("weather?"),
				{Role: "assistant", Content: "", ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"Oslo"}`},
				}}},
				{Role: "tool", ToolCallID: "call_1", Content: "12C"},
			},
			"Human: weather?\n\nAssistant: \n[called get_weather with {\"city\":\"Oslo\"}]\n\nTool result (call_1): 12C",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderTranscript(tt.messages); got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}
