// Package execctx defines the data model the rest of the runtime is built
// around: the immutable per-job ExecutionContext and its nested types.
package execctx

import "time"

// ExecutionContext is immutable for the lifetime of a single job. It is
// owned by the Poller until handed to the Executor, which owns the VM it
// spawns for the job's duration.
type ExecutionContext struct {
	RunID         string
	SandboxToken  string
	Prompt        string
	WorkingDir    string
	CLIAgentType  string
	Environment   map[string]string
	SecretValues  []string
	Storage       *StorageManifest
	Resume        *ResumeSession
	Firewall      *FirewallPolicy
	APIStartTime  time.Time
	MockMode      bool
}

// StorageManifest describes the artifact and volumes to stage into the guest.
type StorageManifest struct {
	Artifact *StorageItem
	Volumes  []StorageItem
}

// StorageItem is a single content-addressed tarball to mount in the guest.
type StorageItem struct {
	Name       string
	VersionID  string
	MountPath  string
	Optional   bool
}

// ResumeSession carries a prior agent session to restore before launch.
type ResumeSession struct {
	SessionID string
	History   []byte
}

// FirewallPolicy is an ordered list of rules evaluated first-match; no
// match denies. A nil policy disables the feature entirely (direct
// egress, no logging).
type FirewallPolicy struct {
	Rules              []FirewallRule
	MITMEnabled        bool
	SealSecretsEnabled bool
}

// FirewallRuleAction is either allow or deny.
type FirewallRuleAction string

const (
	ActionAllow FirewallRuleAction = "allow"
	ActionDeny  FirewallRuleAction = "deny"
)

// FirewallRule matches when every one of HostGlob, CIDR and Port that is
// set (non-empty, non-zero) matches.
type FirewallRule struct {
	Action   FirewallRuleAction
	HostGlob string
	CIDR     string
	Port     int
}

// Result is what the Job Executor reports back through the completion
// webhook: either exitCode=0, or exitCode!=0 with a classified Error.
type Result struct {
	ExitCode int
	Error    string
}
