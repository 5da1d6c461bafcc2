// Package network implements the IP/TAP Allocator (spec §4.1): it hands
// out per-VM network identities (TAP device, per-VM netns, veth pair) and
// installs the host iptables rules that fence and NAT a VM's egress.
package network

// Alloc is the network identity handed to one VM. The (TapDevice, GuestIP,
// VethHostIP) triple is unique across all live VMs.
type Alloc struct {
	VMID        string
	Subnet      string // the /30 this allocation came from, e.g. 10.200.4.0/30
	TapDevice   string
	HostIP      string // .1 of the /30, TAP's host-side address inside the netns
	GuestIP     string // .2 of the /30, what the guest configures on eth0
	GuestMAC    string
	GatewayIP   string // alias of HostIP: the guest's default gateway
	Netmask     string
	NetnsName   string
	VethHost    string // veth endpoint living in the root namespace
	VethGuestNS string // veth endpoint living inside NetnsName; TAP traffic is routed through it
	VethHostIP  string // root-namespace side IP; this is what the proxy sees as source
	VethGuestIP string
}

// KernelBootIP returns the `guest::gw:mask::eth0:off` value of the `ip=` boot argument
// fragment described in spec §4.4 and §6.3.
func (a *Alloc) KernelBootIP() string {
	return a.GuestIP + "::" + a.GatewayIP + ":" + a.Netmask + "::eth0:off"
}
