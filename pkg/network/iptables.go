package network

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

// IPTables owns the host-wide NAT and per-VM redirect/deny rules (spec
// §6.6). Grounded on maxdollinger-walk.io's pkg/network/nat.go, extended
// with the per-VM proxy-redirect and metadata-deny rules this spec adds.
type IPTables struct {
	ipt       *iptables.IPTables
	hostIface string
}

// metadataDenyCIDRs are blocked outright regardless of firewall policy:
// the cloud-metadata address and loopback, per spec §6.6's "DENY of the
// host-metadata and loopback ranges".
var metadataDenyCIDRs = []string{"169.254.169.254/32", "127.0.0.0/8"}

// ProxyPort is the port the Egress Proxy listens on; redirected to from
// every VM's TCP 80/443 traffic.
const ProxyPort = 3128

// NewIPTables resolves the host's default-route interface (if not given)
// and prepares an iptables handle.
func NewIPTables(hostIface string) (*IPTables, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}

	if hostIface == "" {
		hostIface, err = defaultInterface()
		if err != nil {
			return nil, fmt.Errorf("detect default interface: %w", err)
		}
	}

	if err := enableIPForwarding(); err != nil {
		return nil, err
	}

	return &IPTables{ipt: ipt, hostIface: hostIface}, nil
}

// SetupVMEgress installs the rules scoping one VM's egress: SNAT so its
// traffic reaches the internet via the host interface, a redirect of its
// TCP 80/443 traffic to the Egress Proxy, and a deny of metadata/loopback
// destinations. All rules are tagged with a comment containing the VM id
// so TeardownVMEgress removes exactly these and nothing else.
func (t *IPTables) SetupVMEgress(alloc *Alloc) error {
	comment := vmComment(alloc.VMID)

	if err := t.ipt.AppendUnique("nat", "POSTROUTING",
		"-s", alloc.VethHostIP+"/30", "-o", t.hostIface, "-m", "comment", "--comment", comment, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("add masquerade rule: %w", err)
	}

	for _, cidr := range metadataDenyCIDRs {
		if err := t.ipt.AppendUnique("filter", "FORWARD",
			"-s", alloc.VethHostIP+"/30", "-d", cidr, "-m", "comment", "--comment", comment, "-j", "DROP"); err != nil {
			return fmt.Errorf("add metadata deny rule for %s: %w", cidr, err)
		}
	}

	for _, dport := range []string{"80", "443"} {
		if err := t.ipt.AppendUnique("nat", "PREROUTING",
			"-s", alloc.VethHostIP+"/30", "-p", "tcp", "--dport", dport,
			"-m", "comment", "--comment", comment,
			"-j", "REDIRECT", "--to-port", strconv.Itoa(ProxyPort)); err != nil {
			return fmt.Errorf("add proxy redirect rule for port %s: %w", dport, err)
		}
	}

	if err := t.ipt.AppendUnique("filter", "FORWARD",
		"-s", alloc.VethHostIP+"/30", "-m", "comment", "--comment", comment, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("add forward accept rule: %w", err)
	}

	return nil
}

// TeardownVMEgress removes every rule tagged with alloc.VMID's comment. It
// is idempotent: deleting an already-absent rule is ignored, matching
// spec §4.1's "Release... idempotent" invariant.
func (t *IPTables) TeardownVMEgress(alloc *Alloc) error {
	comment := vmComment(alloc.VMID)

	_ = t.ipt.DeleteIfExists("nat", "POSTROUTING",
		"-s", alloc.VethHostIP+"/30", "-o", t.hostIface, "-m", "comment", "--comment", comment, "-j", "MASQUERADE")

	for _, cidr := range metadataDenyCIDRs {
		_ = t.ipt.DeleteIfExists("filter", "FORWARD",
			"-s", alloc.VethHostIP+"/30", "-d", cidr, "-m", "comment", "--comment", comment, "-j", "DROP")
	}

	for _, dport := range []string{"80", "443"} {
		_ = t.ipt.DeleteIfExists("nat", "PREROUTING",
			"-s", alloc.VethHostIP+"/30", "-p", "tcp", "--dport", dport,
			"-m", "comment", "--comment", comment,
			"-j", "REDIRECT", "--to-port", strconv.Itoa(ProxyPort))
	}

	_ = t.ipt.DeleteIfExists("filter", "FORWARD",
		"-s", alloc.VethHostIP+"/30", "-m", "comment", "--comment", comment, "-j", "ACCEPT")

	return nil
}

func vmComment(vmID string) string {
	return "vm0core-" + shortID(vmID)
}

func enableIPForwarding() error {
	const path = "/proc/sys/net/ipv4/ip_forward"
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 && data[0] == '1' {
		return nil
	}
	if err := os.WriteFile(path, []byte("1"), 0644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}

func defaultInterface() (string, error) {
	out, err := exec.Command("ip", "route", "show", "default").Output()
	if err != nil {
		return "", fmt.Errorf("ip route show default: %w", err)
	}

	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", fmt.Errorf("no default route found")
}
