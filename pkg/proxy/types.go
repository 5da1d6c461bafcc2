// Package proxy implements the Egress Proxy (spec §4.6): the single
// process-wide HTTP/HTTPS proxy every VM's egress is funnelled through via
// the host iptables redirect rules pkg/network installs.
package proxy

import "time"

// Mode is how a connection was handled.
type Mode string

const (
	ModeMITM           Mode = "mitm"
	ModeSNIPassthrough Mode = "sni"
	ModePlainHTTP      Mode = "plain-http"
)

// Action is the outcome recorded against a connection. Distinct from
// execctx.FirewallRuleAction (the policy rule's own allow|deny, lowercase):
// this is the NetworkLogRecord's own wire enum.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"
)

// NetworkLogRecord is the proxy's log entry for one policy decision (one
// per relayed request in MITM mode), handed to the Server's RecordSink.
type NetworkLogRecord struct {
	RunID     string    `json:"runId"`
	Mode      Mode      `json:"mode"`
	Action    Action    `json:"action"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Method    string    `json:"method,omitempty"`
	URL       string    `json:"url,omitempty"`
	Status    int       `json:"status,omitempty"`
	LatencyMs int64     `json:"latencyMs,omitempty"`
	BytesIn   int64     `json:"bytesIn"`
	BytesOut  int64     `json:"bytesOut"`
	Timestamp time.Time `json:"timestamp"`
}
