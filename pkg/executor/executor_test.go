package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vm0core/runtime/pkg/execctx"
)

func TestBuildAgentCommand_MockMode(t *testing.T) {
	ec := &execctx.ExecutionContext{MockMode: true, Prompt: "echo hi"}
	cmd := buildAgentCommand(ec)
	assert.Equal(t, `sh -c 'echo hi'`, cmd)
}

func TestBuildAgentCommand_MockModeEscapesSingleQuotes(t *testing.T) {
	ec := &execctx.ExecutionContext{MockMode: true, Prompt: "it's a test"}
	cmd := buildAgentCommand(ec)
	assert.Equal(t, `sh -c 'it'\''s a test'`, cmd)
}

func TestBuildAgentCommand_SupervisedEntrypoint(t *testing.T) {
	ec := &execctx.ExecutionContext{CLIAgentType: ClaudeCodeAgentType}
	cmd := buildAgentCommand(ec)
	assert.Contains(t, cmd, "/usr/local/bin/vm0-entrypoint")
	assert.Contains(t, cmd, "--agent-type claude-code")
	assert.Contains(t, cmd, envJSONGuestPath)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'hello'`, shellQuote("hello"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestLooksLikeOOM(t *testing.T) {
	assert.True(t, looksLikeOOM("Out of memory: Killed process 123"))
	assert.True(t, looksLikeOOM("kernel: oom-kill: ..."))
	assert.True(t, looksLikeOOM("invoked oom_kill"))
	assert.False(t, looksLikeOOM("kernel: eth0 link up"))
}
