package architect

import (
	"fmt"
	"regexp"
	"strings"
)

var fencedCodeBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// extractJSON pulls a single JSON object out of free-form LLM text. It
// first looks for a fenced code block (```json ... ``` or ``` ... ```),
// then falls back to the first balanced {...} span in the raw text. This
// mirrors how real model replies wrap structured answers in prose or
// markdown instead of returning bare JSON.
func extractJSON(text string) (string, error) {
	if m := fencedCodeBlock.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if looksLikeObject(candidate) {
			return candidate, nil
		}
	}

	if obj, ok := firstBalancedObject(text); ok {
		return obj, nil
	}

	return "", fmt.Errorf("architect: no JSON object found in response")
}

func looksLikeObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// firstBalancedObject scans for the first top-level {...} span, honoring
// nested braces and braces inside string literals.
func firstBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
