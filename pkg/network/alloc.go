package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/vm0core/runtime/pkg/errs"
	"github.com/vm0core/runtime/pkg/logging"
)

// Allocator hands out and revokes per-VM network identities: a /30 subnet
// for the TAP device, a second /30 for the veth pair that carries traffic
// out of the VM's network namespace, and the privileged host resources
// that back them. It mirrors the bitset-of-/30s approach in
// maxdollinger-walk.io's pkg/network/ip_pool.go, generalized to one
// network namespace per VM (spec §9's open question, resolved in
// SPEC_FULL.md §6.1) instead of a shared bridge.
type Allocator struct {
	mu       sync.Mutex
	supernet *net.IPNet
	blocks   int
	used     []bool

	netnsPrefix string
	tapPrefix   string
	hostIface   string
	log         logging.Logger

	ipt *IPTables
}

// Config configures the allocator's address space and NAT behavior.
type Config struct {
	SupernetCIDR  string
	NetnsPrefix   string
	TapPrefix     string
	HostInterface string // empty = auto-detect default route interface
}

// NewAllocator builds an Allocator over the given supernet, split into /30s.
func NewAllocator(cfg Config, log logging.Logger) (*Allocator, error) {
	_, supernet, err := net.ParseCIDR(cfg.SupernetCIDR)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid supernet %q: %v", errs.ErrConfig, cfg.SupernetCIDR, err)
	}

	ones, bits := supernet.Mask.Size()
	if bits != 32 || ones > 30 {
		return nil, fmt.Errorf("%w: supernet %q too small for /30 splitting", errs.ErrConfig, cfg.SupernetCIDR)
	}
	blocks := 1 << (30 - ones)

	ipt, err := NewIPTables(cfg.HostInterface)
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}

	return &Allocator{
		supernet:    supernet,
		blocks:      blocks,
		used:        make([]bool, blocks),
		netnsPrefix: cfg.NetnsPrefix,
		tapPrefix:   cfg.TapPrefix,
		hostIface:   cfg.HostInterface,
		log:         log,
		ipt:         ipt,
	}, nil
}

// Allocate reserves two /30 blocks for vmID (one for the TAP subnet inside
// the VM's netns, one for the veth pair connecting that netns to root),
// creates the netns, TAP, veth pair, and the NAT/forward rules needed for
// egress. Any partially created resource is rolled back before returning
// an error.
func (a *Allocator) Allocate(ctx context.Context, vmID string) (alloc *Alloc, err error) {
	tapBlock, vethBlock, err := a.reserveTwoBlocks()
	if err != nil {
		return nil, err
	}

	rollbackBlocks := true
	defer func() {
		if rollbackBlocks {
			a.freeBlocks(tapBlock, vethBlock)
		}
	}()

	suffix := shortID(vmID)
	tapSubnet := a.blockCIDR(tapBlock)
	vethSubnet := a.blockCIDR(vethBlock)

	nsName := a.netnsPrefix + suffix
	tapName := truncateIface(a.tapPrefix + suffix)
	vethHostName := truncateIface("vh-" + suffix)
	vethNsName := truncateIface("vn-" + suffix)

	result := &Alloc{
		VMID:        vmID,
		Subnet:      tapSubnet.String(),
		TapDevice:   tapName,
		HostIP:      ipOffset(tapSubnet, 1).String(),
		GuestIP:     ipOffset(tapSubnet, 2).String(),
		GuestMAC:    generateMAC(vmID),
		GatewayIP:   ipOffset(tapSubnet, 1).String(),
		Netmask:     net.IP(tapSubnet.Mask).String(),
		NetnsName:   nsName,
		VethHost:    vethHostName,
		VethGuestNS: vethNsName,
		VethHostIP:  ipOffset(vethSubnet, 1).String(),
		VethGuestIP: ipOffset(vethSubnet, 2).String(),
	}

	cleanup := newScope()
	defer func() {
		if err != nil {
			cleanup.unwind(a.log)
		}
	}()

	rootNS, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: get root netns: %v", errs.ErrSyscall, err)
	}
	defer rootNS.Close()

	vmNS, err := netns.NewNamed(nsName)
	if err != nil {
		return nil, fmt.Errorf("%w: create netns %s: %v", errs.ErrSyscall, nsName, err)
	}
	cleanup.push("delete netns", func() error { return netns.DeleteNamed(nsName) })
	defer vmNS.Close()

	// Everything below this point runs with netlink calls scoped to the
	// new namespace via netlink.NewHandleAt — no need to keep switching
	// the calling goroutine's namespace (which would race other VMs'
	// allocations on the same OS thread).
	nsHandle, err := netlink.NewHandleAt(vmNS)
	if err != nil {
		return nil, fmt.Errorf("%w: handle for netns %s: %v", errs.ErrSyscall, nsName, err)
	}
	defer nsHandle.Delete()

	if err := a.createTAPInNamespace(nsHandle, result, cleanup); err != nil {
		return nil, err
	}

	if err := a.createVethPair(nsHandle, rootNS, result, cleanup); err != nil {
		return nil, err
	}

	if err := a.enableForwardingAndNAT(vmNS, result, cleanup); err != nil {
		return nil, err
	}

	// Pushed before setup so a partially installed rule set is removed too.
	cleanup.push("remove iptables rules", func() error { return a.ipt.TeardownVMEgress(result) })
	if err := a.ipt.SetupVMEgress(result); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrSyscall, err)
	}

	rollbackBlocks = false
	return result, nil
}

// Release idempotently tears down everything Allocate created. It is safe
// to call on a partially allocated Alloc and safe to call twice.
func (a *Allocator) Release(alloc *Alloc) error {
	if alloc == nil {
		return nil
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(a.ipt.TeardownVMEgress(alloc))
	record(netns.DeleteNamed(alloc.NetnsName)) // deleting the netns also destroys the TAP/veth-ns end living in it
	if link, err := netlink.LinkByName(alloc.VethHost); err == nil {
		record(netlink.LinkDel(link))
	}

	tapBlock, vethBlock, ok := a.blocksForSubnets(alloc)
	if ok {
		a.freeBlocks(tapBlock, vethBlock)
		alloc.Subnet = "" // a second Release must not free blocks reused by another VM
	}

	return firstErr
}

func (a *Allocator) reserveTwoBlocks() (int, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first, ok := a.findFreeLocked()
	if !ok {
		return 0, 0, errs.ErrNetworkExhausted
	}
	a.used[first] = true

	second, ok := a.findFreeLocked()
	if !ok {
		a.used[first] = false
		return 0, 0, errs.ErrNetworkExhausted
	}
	a.used[second] = true

	return first, second, nil
}

func (a *Allocator) findFreeLocked() (int, bool) {
	for i := 0; i < a.blocks; i++ {
		if !a.used[i] {
			return i, true
		}
	}
	return 0, false
}

func (a *Allocator) freeBlocks(blocks ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range blocks {
		if b >= 0 && b < a.blocks {
			a.used[b] = false
		}
	}
}

func (a *Allocator) blockCIDR(block int) *net.IPNet {
	base := a.supernet.IP.Mask(a.supernet.Mask).To4()
	n := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	n += uint32(block) * 4
	ip := net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).To4()
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(30, 32)}
}

// blocksForSubnets reverses blockCIDR for Release, when only the Alloc
// struct (not the original block indices) is available.
func (a *Allocator) blocksForSubnets(alloc *Alloc) (int, int, bool) {
	_, tapNet, err1 := net.ParseCIDR(alloc.Subnet)
	if err1 != nil {
		return 0, 0, false
	}
	base := a.supernet.IP.Mask(a.supernet.Mask).To4()
	baseN := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])

	tapN := ipToUint32(tapNet.IP.To4())
	tapBlock := int((tapN - baseN) / 4)

	vethIP := net.ParseIP(alloc.VethHostIP).To4()
	vethBlockIP := &net.IPNet{IP: vethIP.Mask(net.CIDRMask(30, 32)), Mask: net.CIDRMask(30, 32)}
	vethN := ipToUint32(vethBlockIP.IP)
	vethBlock := int((vethN - baseN) / 4)

	return tapBlock, vethBlock, true
}

func ipOffset(n *net.IPNet, offset byte) net.IP {
	ip := make(net.IP, 4)
	copy(ip, n.IP.To4())
	ip[3] += offset
	return ip
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func shortID(vmID string) string {
	if len(vmID) >= 8 {
		return vmID[:8]
	}
	return vmID
}

func truncateIface(name string) string {
	if len(name) > 15 {
		return name[:15]
	}
	return name
}

// generateMAC derives a stable locally-administered MAC from the VM id,
// the way the teacher's services/core/pkg/network/network.go does.
func generateMAC(vmID string) string {
	sum := uuid.NewSHA1(uuid.NameSpaceOID, []byte(vmID))
	return fmt.Sprintf("02:fc:%02x:%02x:%02x:%02x", sum[0], sum[1], sum[2], sum[3])
}
