package llm

import "strings"

// StripCodeFence returns the content of the first fenced code block of a
// model reply, or text unchanged when there is none.
func StripCodeFence(text string) string {
	_, after, found := strings.Cut(text, "```")
	if !found {
		return text
	}
	// Drop the language tag line.
	if nl := strings.IndexByte(after, '\n'); nl >= 0 {
		tag := strings.TrimSpace(after[:nl])
		if tag == "" || !strings.ContainsAny(tag, "{[:") {
			after = after[nl+1:]
		}
	}
	body, _, _ := strings.Cut(after, "```")
	return body
}
