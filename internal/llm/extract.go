package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
)

// ExtractTagged returns the content of the last <tag>...</tag> block in
// text, trimmed. ok is false when no block exists.
func ExtractTagged(text, tag string) (content string, ok bool) {
	blocks := ExtractTaggedAll(text, tag)
	if len(blocks) == 0 {
		return "", false
	}
	return blocks[len(blocks)-1], true
}

// ExtractTaggedAll returns every <tag>...</tag> block in order.
func ExtractTaggedAll(text, tag string) []string {
	re := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(tag) + `>\s*(.*?)\s*</` + regexp.QuoteMeta(tag) + `>`)
	matches := re.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// StripTagged removes every <tag>...</tag> block and trims the remainder.
func StripTagged(text, tag string) string {
	re := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(tag) + `>.*?</` + regexp.QuoteMeta(tag) + `>`)
	return strings.TrimSpace(re.ReplaceAllString(text, ""))
}

// ExtractTaggedJSON finds the last <tag> block and unmarshals its JSON into
// out. A missing block or invalid JSON is a parse error; the caller stores
// the raw response alongside the failed step.
func ExtractTaggedJSON(text, tag string, out any) error {
	block, ok := ExtractTagged(text, tag)
	if !ok {
		return apperrors.Parse("model output has no <"+tag+"> block", nil)
	}
	if err := json.Unmarshal([]byte(stripCodeFence(block)), out); err != nil {
		return apperrors.Parse("<"+tag+"> block is not valid JSON", err)
	}
	return nil
}

// stripCodeFence unwraps a ```json fenced block, which models frequently
// emit around requested JSON.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
