package executor

import (
	"fmt"
	"strings"

	"github.com/vm0core/runtime/pkg/errs"
)

// ResumeSessionPath is a pure function implementing spec §4.7 step 8's
// session path law: where a prior agent session's history file is written
// inside the guest, keyed by agent type. Unit-testable without a VM (spec
// §8 Testable Property 5).
func ResumeSessionPath(agentType, workingDir, sessionID string) (string, error) {
	switch agentType {
	case ClaudeCodeAgentType:
		return fmt.Sprintf("%s/projects/%s/%s.jsonl", claudeRootPath, encodeWorkingDir(workingDir), sessionID), nil
	case CodexAgentType:
		return fmt.Sprintf("%s/sessions/%s.jsonl", codexRootPath, sessionID), nil
	default:
		return "", fmt.Errorf("%w: unknown agent type %q", errs.ErrConfig, agentType)
	}
}

// encodeWorkingDir turns every path separator in a guest working directory
// into a dash, including the leading one, matching claude-code's own
// session-directory naming convention exactly (spec §4.7 step 8).
func encodeWorkingDir(workingDir string) string {
	return strings.ReplaceAll(workingDir, "/", "-")
}
