package proxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vm0core/runtime/pkg/execctx"
)

func TestEvaluate_NilPolicyDenies(t *testing.T) {
	action := Evaluate(nil, "example.com", net.ParseIP("93.184.216.34"), 443)
	assert.Equal(t, execctx.ActionDeny, action)
}

func TestEvaluate_NoMatchDenies(t *testing.T) {
	policy := &execctx.FirewallPolicy{Rules: []execctx.FirewallRule{
		{Action: execctx.ActionAllow, HostGlob: "*.allowed.com"},
	}}
	action := Evaluate(policy, "notallowed.com", nil, 443)
	assert.Equal(t, execctx.ActionDeny, action)
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	policy := &execctx.FirewallPolicy{Rules: []execctx.FirewallRule{
		{Action: execctx.ActionDeny, HostGlob: "*.example.com"},
		{Action: execctx.ActionAllow, HostGlob: "*.example.com"},
	}}
	action := Evaluate(policy, "api.example.com", nil, 443)
	assert.Equal(t, execctx.ActionDeny, action)
}

func TestEvaluate_HostGlobMatch(t *testing.T) {
	policy := &execctx.FirewallPolicy{Rules: []execctx.FirewallRule{
		{Action: execctx.ActionAllow, HostGlob: "*.github.com"},
	}}
	assert.Equal(t, execctx.ActionAllow, Evaluate(policy, "api.github.com", nil, 443))
	assert.Equal(t, execctx.ActionDeny, Evaluate(policy, "github.com", nil, 443))
}

func TestEvaluate_CIDRMatch(t *testing.T) {
	policy := &execctx.FirewallPolicy{Rules: []execctx.FirewallRule{
		{Action: execctx.ActionAllow, CIDR: "10.0.0.0/8"},
	}}
	assert.Equal(t, execctx.ActionAllow, Evaluate(policy, "internal.host", net.ParseIP("10.1.2.3"), 443))
	assert.Equal(t, execctx.ActionDeny, Evaluate(policy, "internal.host", net.ParseIP("192.168.1.1"), 443))
}

func TestEvaluate_CIDRRuleWithNilDestIPNeverMatches(t *testing.T) {
	policy := &execctx.FirewallPolicy{Rules: []execctx.FirewallRule{
		{Action: execctx.ActionAllow, CIDR: "10.0.0.0/8"},
	}}
	assert.Equal(t, execctx.ActionDeny, Evaluate(policy, "internal.host", nil, 443))
}

func TestEvaluate_PortMatch(t *testing.T) {
	policy := &execctx.FirewallPolicy{Rules: []execctx.FirewallRule{
		{Action: execctx.ActionAllow, HostGlob: "*", Port: 443},
	}}
	assert.Equal(t, execctx.ActionAllow, Evaluate(policy, "anything.com", nil, 443))
	assert.Equal(t, execctx.ActionDeny, Evaluate(policy, "anything.com", nil, 80))
}

func TestEvaluate_MalformedGlobNeverMatches(t *testing.T) {
	policy := &execctx.FirewallPolicy{Rules: []execctx.FirewallRule{
		{Action: execctx.ActionAllow, HostGlob: "["},
	}}
	assert.Equal(t, execctx.ActionDeny, Evaluate(policy, "anything.com", nil, 443))
}
