package proxy

import (
	"net"
	"path"

	"github.com/vm0core/runtime/pkg/execctx"
)

// Evaluate walks policy's rules in order and returns the first match's
// action, per spec §4.6 step 3 ("first matching rule wins; no match
// denies"). A nil policy denies everything: the feature is disabled, which
// per spec means direct egress with no proxying ever reaches here in the
// first place, but Evaluate itself stays fail-closed regardless.
func Evaluate(policy *execctx.FirewallPolicy, host string, destIP net.IP, port int) execctx.FirewallRuleAction {
	if policy == nil {
		return execctx.ActionDeny
	}
	for _, rule := range policy.Rules {
		if ruleMatches(rule, host, destIP, port) {
			return rule.Action
		}
	}
	return execctx.ActionDeny
}

func ruleMatches(rule execctx.FirewallRule, host string, destIP net.IP, port int) bool {
	if rule.Port != 0 && rule.Port != port {
		return false
	}
	if rule.HostGlob != "" {
		ok, err := path.Match(rule.HostGlob, host)
		if err != nil || !ok {
			return false
		}
	}
	if rule.CIDR != "" {
		_, ipnet, err := net.ParseCIDR(rule.CIDR)
		if err != nil || destIP == nil || !ipnet.Contains(destIP) {
			return false
		}
	}
	return true
}
