// Package translator converts between the OpenAI wire format and the CLI's
// native vocabulary: prompt splitting, tool schema conversion, and response
// assembly.
package translator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ccbridge/ccbridge/internal/translator/openai"
)

// SystemPromptKey identifies the system content of a conversation for
// session caching. It is the hex SHA-256 of the exact bytes of all
// system-role contents joined with "\n". There is no normalization, so any
// byte difference (whitespace included) yields a different key.
type SystemPromptKey string

// NoSessionKey is the sentinel for conversations without system content;
// such requests never participate in session caching.
const NoSessionKey SystemPromptKey = ""

// Split extracts the system-role messages from a conversation, preserving
// order, and derives the session key for their combined content. When there
// is no system content it returns NoSessionKey and the messages unchanged.
// Pure function: no side effects, no errors.
func Split(messages []openai.ChatMessage) (systemContent string, remaining []openai.ChatMessage, key SystemPromptKey) {
	var systemParts []string
	remaining = make([]openai.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.StringContent())
			continue
		}
		remaining = append(remaining, msg)
	}
	if len(systemParts) == 0 {
		return "", messages, NoSessionKey
	}
	systemContent = strings.Join(systemParts, "\n")
	sum := sha256.Sum256([]byte(systemContent))
	return systemContent, remaining, SystemPromptKey(hex.EncodeToString(sum[:]))
}
