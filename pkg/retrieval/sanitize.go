package retrieval

import (
	"strings"
	"unicode/utf8"
)

// injectionPatterns are removed from user text before it is interpolated
// into any prompt. Chunk text from the corpus is NOT sanitized; it is
// quoted under source labels instead.
var injectionPatterns = []string{
	"SYSTEM:", "System:", "system:",
	"ASSISTANT:", "Assistant:", "assistant:",
	"USER:", "User:", "user:",
	"Ignore previous instructions", "ignore previous instructions",
	"Ignore all previous", "ignore all previous",
	"Disregard previous", "disregard previous",
	"```", "---", "===", "***",
}

// sanitizeInput strips prompt injection patterns from user-supplied text so
// a crafted query cannot rewrite the LLM's instructions.
func sanitizeInput(input string) string {
	sanitized := input
	for _, pattern := range injectionPatterns {
		sanitized = strings.ReplaceAll(sanitized, pattern, "")
	}
	return strings.TrimSpace(sanitized)
}

// truncateText cuts s to at most max bytes without splitting a rune, so
// excerpts and prompt fragments stay valid UTF-8.
func truncateText(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
