package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeSessionPath_ClaudeCode(t *testing.T) {
	path, err := ResumeSessionPath(ClaudeCodeAgentType, "/home/agent/workspace", "sess-123")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/.claude/projects/-home-agent-workspace/sess-123.jsonl", path)
}

func TestResumeSessionPath_Codex(t *testing.T) {
	path, err := ResumeSessionPath(CodexAgentType, "/home/agent/workspace", "sess-123")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/.codex/sessions/sess-123.jsonl", path)
}

func TestResumeSessionPath_UnknownAgentType(t *testing.T) {
	_, err := ResumeSessionPath("unknown-agent", "/home/agent", "sess-123")
	assert.Error(t, err)
}

func TestResumeSessionPath_CodexIgnoresWorkingDir(t *testing.T) {
	a, err := ResumeSessionPath(CodexAgentType, "/a/b", "sess-1")
	require.NoError(t, err)
	b, err := ResumeSessionPath(CodexAgentType, "/completely/different", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeWorkingDir(t *testing.T) {
	assert.Equal(t, "-home-agent-workspace", encodeWorkingDir("/home/agent/workspace"))
	assert.Equal(t, "relative-path", encodeWorkingDir("relative/path"))
}
