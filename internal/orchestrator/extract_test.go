package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractCodeFindsFencedFragment(t *testing.T) {
	content := "The mean is computed below.\n" +
		"```chronolab-exec\n" +
		"func Run(input map[string]interface{}) (interface{}, error) {\n\treturn 6, nil\n}\n" +
		"```\n" +
		"That is the answer."
	code, ok := ExtractCode(content)
	require.True(t, ok)
	require.Contains(t, code, "func Run")
	require.NotContains(t, code, "```")
}

func TestExtractCodeIgnoresPlainFences(t *testing.T) {
	content := "```go\nfunc main() {}\n```"
	_, ok := ExtractCode(content)
	require.False(t, ok)
}

func TestExtractCodeNoFence(t *testing.T) {
	_, ok := ExtractCode("just prose, no code")
	require.False(t, ok)
}

func TestExtractCodeUnterminatedFence(t *testing.T) {
	_, ok := ExtractCode("```chronolab-exec\nfunc Run() {}")
	require.False(t, ok)
}
