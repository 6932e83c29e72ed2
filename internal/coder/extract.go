package coder

import (
	"fmt"
	"regexp"
	"strings"
)

var fencedGoBlock = regexp.MustCompile("(?s)```(?:go)?\\s*\\n(.*?)```")

// extractSource pulls a Go source listing out of free-form LLM text,
// accepting either a fenced code block or a raw, unfenced reply.
func extractSource(text string) (string, error) {
	if m := fencedGoBlock.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), nil
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "package ") {
		return trimmed, nil
	}
	return "", fmt.Errorf("no Go source block found in reply")
}
