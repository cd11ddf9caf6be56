package ai

import "strings"

// ExtractSource strips enclosing code-fence markers from an LLM response,
// preserving the inner text verbatim. The opening fence may carry a language
// tag. If no fence is found the full body is returned. The extraction is
// purely lexical: the payload is never interpreted or reformatted.
func ExtractSource(response string) string {
	trimmed := strings.TrimSpace(response)
	if !strings.HasPrefix(trimmed, "```") {
		return response
	}
	rest := trimmed[3:]
	// Drop the optional language tag on the opening fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		// Opening fence with no body.
		rest = ""
	}
	if idx := strings.LastIndex(rest, "```"); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSuffix(rest, "\n")
}
