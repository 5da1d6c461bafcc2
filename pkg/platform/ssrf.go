package platform

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/vm0core/runtime/pkg/errs"
)

// allowedSchemes are the only URL schemes the generic agent-proxy webhook
// (spec §6.1, POST /webhooks/agent/proxy) will ever forward.
var allowedSchemes = map[string]bool{"http": true, "https": true}

// ValidateProxyTarget implements the SSRF guard spec §6.1 names: the
// webhook's target must be a public http(s) URL whose hostname does not
// resolve to localhost, loopback, link-local, RFC1918 private space, or a
// `.internal` name. This runs host-side before the platform's proxy
// webhook ever dials out on the guest's behalf.
func ValidateProxyTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse proxy target: %v", errs.ErrProxyDenied, err)
	}
	if !allowedSchemes[u.Scheme] {
		return nil, fmt.Errorf("%w: disallowed scheme %q", errs.ErrProxyDenied, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", errs.ErrProxyDenied)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".internal") {
		return nil, fmt.Errorf("%w: host %q is disallowed", errs.ErrProxyDenied, host)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// An unresolvable literal IP (e.g. "127.0.0.1") still parses as an
		// IP via ParseIP below; a genuine DNS failure denies rather than
		// forwards blind.
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		} else {
			return nil, fmt.Errorf("%w: resolve host %q: %v", errs.ErrProxyDenied, host, err)
		}
	}

	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return nil, fmt.Errorf("%w: host %q resolves to disallowed address %s", errs.ErrProxyDenied, host, ip)
		}
	}
	return u, nil
}

func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10", // carrier-grade NAT, still not a public address
		"169.254.0.0/16",
		"fc00::/7", // unique local IPv6
	} {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
