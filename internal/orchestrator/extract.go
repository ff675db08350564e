package orchestrator

import "strings"

// codeFence marks an executable fragment in model output. Everything
// outside the fence is opaque prose and passes through untouched.
const codeFence = "```chronolab-exec"

// ExtractCode returns the first fenced executable fragment in content, if
// any. The fragment body is returned without the fence lines.
func ExtractCode(content string) (string, bool) {
	start := strings.Index(content, codeFence)
	if start < 0 {
		return "", false
	}
	rest := content[start+len(codeFence):]
	// The marker must be its own line; drop the remainder of it.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return "", false
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
