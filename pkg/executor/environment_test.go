package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vm0core/runtime/pkg/execctx"
)

func baseContext() *execctx.ExecutionContext {
	return &execctx.ExecutionContext{
		RunID:        "run-1",
		SandboxToken: "tok-abc",
		Prompt:       "do the thing",
		WorkingDir:   "/home/agent",
		CLIAgentType: ClaudeCodeAgentType,
		APIStartTime: time.UnixMilli(1700000000000),
	}
}

func TestBuildEnvironment_Deterministic(t *testing.T) {
	ec := baseContext()
	ec.SecretValues = []string{"zzz", "aaa", "mmm"}

	a := BuildEnvironment(ec, "https://api.example.com")
	b := BuildEnvironment(ec, "https://api.example.com")
	assert.Equal(t, a, b)
}

func TestBuildEnvironment_CoreFields(t *testing.T) {
	ec := baseContext()
	env := BuildEnvironment(ec, "https://api.example.com")

	assert.Equal(t, "https://api.example.com", env["VM0_API_URL"])
	assert.Equal(t, "run-1", env["VM0_RUN_ID"])
	assert.Equal(t, "tok-abc", env["VM0_SANDBOX_TOKEN"])
	assert.Equal(t, "do the thing", env["VM0_PROMPT"])
	assert.Equal(t, "/home/agent", env["VM0_WORKING_DIR"])
	assert.Equal(t, ClaudeCodeAgentType, env["VM0_AGENT_TYPE"])
	assert.Equal(t, "1700000000000", env["VM0_API_START_TIME"])
	assert.NotContains(t, env, "VM0_MOCK_MODE")
}

func TestBuildEnvironment_MockMode(t *testing.T) {
	ec := baseContext()
	ec.MockMode = true
	env := BuildEnvironment(ec, "https://api.example.com")
	assert.Equal(t, "true", env["VM0_MOCK_MODE"])
}

func TestBuildEnvironment_ArtifactFields(t *testing.T) {
	ec := baseContext()
	ec.Storage = &execctx.StorageManifest{
		Artifact: &execctx.StorageItem{Name: "repo", VersionID: "v9", MountPath: "/workspace"},
	}
	env := BuildEnvironment(ec, "https://api.example.com")

	assert.Equal(t, "content-addressed-tarball", env["ARTIFACT_DRIVER"])
	assert.Equal(t, "/workspace", env["ARTIFACT_MOUNT_PATH"])
	assert.Equal(t, "repo", env["ARTIFACT_NAME"])
	assert.Equal(t, "v9", env["ARTIFACT_VERSION_ID"])
}

func TestBuildEnvironment_ResumeSession(t *testing.T) {
	ec := baseContext()
	ec.Resume = &execctx.ResumeSession{SessionID: "sess-42"}
	env := BuildEnvironment(ec, "https://api.example.com")
	assert.Equal(t, "sess-42", env["VM0_RESUME_SESSION_ID"])
}

func TestBuildEnvironment_UserEnvironmentOverridesNothingReserved(t *testing.T) {
	ec := baseContext()
	ec.Environment = map[string]string{"CUSTOM_VAR": "hello"}
	env := BuildEnvironment(ec, "https://api.example.com")
	assert.Equal(t, "hello", env["CUSTOM_VAR"])
}

func TestBuildEnvironment_MITMSetsProxyCAPath(t *testing.T) {
	ec := baseContext()
	ec.Firewall = &execctx.FirewallPolicy{MITMEnabled: true}
	env := BuildEnvironment(ec, "https://api.example.com")
	assert.Equal(t, mitmCAGuestPath, env["VM0_PROXY_CA_PATH"])
}

func TestBuildEnvironment_NoFirewallNoProxyCAPath(t *testing.T) {
	ec := baseContext()
	env := BuildEnvironment(ec, "https://api.example.com")
	assert.NotContains(t, env, "VM0_PROXY_CA_PATH")
}

func TestEncodeSecretValues_PreservesOrder(t *testing.T) {
	a := encodeSecretValues([]string{"zzz", "aaa", "mmm"})
	b := encodeSecretValues([]string{"mmm", "zzz", "aaa"})
	assert.NotEqual(t, a, b)

	assert.Equal(t, "enp6,YWFh,bW1t", a)
}

func TestEncodeSecretValues_Empty(t *testing.T) {
	assert.Equal(t, "", encodeSecretValues(nil))
}
