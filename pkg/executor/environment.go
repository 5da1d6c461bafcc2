package executor

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/vm0core/runtime/pkg/execctx"
)

// Agent type tags named in spec §3.1's cliAgentType and used by the
// resume-session path law (spec §4.7 step 8).
const (
	ClaudeCodeAgentType = "claude-code"
	CodexAgentType      = "codex"
)

// Guest-side well-known paths the supervised entrypoint and agent binaries
// expect, matching the boot contract's conventions (spec §6.3).
const (
	claudeRootPath  = "/home/user/.claude"
	codexRootPath   = "/home/user/.codex"
	mitmCAGuestPath = "/etc/vm0core/proxy-ca.pem"
)

// BuildEnvironment is a pure function: given an ExecutionContext and the
// platform API base URL, it returns the exact environment map the
// supervised entrypoint receives, with no guest I/O (spec §4.7 step 4,
// testable without a VM per spec §8 Testable Property 5 alongside the
// session path law).
func BuildEnvironment(ec *execctx.ExecutionContext, platformBaseURL string) map[string]string {
	env := map[string]string{
		"VM0_API_URL":         platformBaseURL,
		"VM0_RUN_ID":          ec.RunID,
		"VM0_SANDBOX_TOKEN":   ec.SandboxToken,
		"VM0_PROMPT":          ec.Prompt,
		"VM0_WORKING_DIR":     ec.WorkingDir,
		"VM0_AGENT_TYPE":      ec.CLIAgentType,
		"VM0_API_START_TIME":  strconv.FormatInt(ec.APIStartTime.UnixMilli(), 10),
	}

	if ec.MockMode {
		env["VM0_MOCK_MODE"] = "true"
	}

	if ec.Storage != nil && ec.Storage.Artifact != nil {
		a := ec.Storage.Artifact
		env["ARTIFACT_DRIVER"] = "content-addressed-tarball"
		env["ARTIFACT_MOUNT_PATH"] = a.MountPath
		env["ARTIFACT_NAME"] = a.Name
		env["ARTIFACT_VERSION_ID"] = a.VersionID
	}

	if ec.Resume != nil {
		env["VM0_RESUME_SESSION_ID"] = ec.Resume.SessionID
	}

	for k, v := range ec.Environment {
		env[k] = v
	}

	env["SECRET_VALUES"] = encodeSecretValues(ec.SecretValues)

	if ec.Firewall != nil && ec.Firewall.MITMEnabled {
		env["VM0_PROXY_CA_PATH"] = mitmCAGuestPath
	}

	return env
}

// encodeSecretValues base64-encodes each secret then joins them with
// commas, matching spec §4.7 step 4's "base64-encoded, comma-separated
// SECRET_VALUES" wire shape. Order is preserved as given: secretValues is
// an ordered list and the guest may rely on positional correspondence.
func encodeSecretValues(values []string) string {
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = base64.StdEncoding.EncodeToString([]byte(v))
	}
	return strings.Join(encoded, ",")
}
