package network

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// createTAPInNamespace creates the TAP device Firecracker will attach to,
// entirely inside the VM's network namespace, and assigns it the host
// side address of the TAP subnet. Grounded on maxdollinger-walk.io's
// pkg/network/tap.go, generalized from "attach to a shared bridge" to
// "live alone inside a per-VM namespace".
func (a *Allocator) createTAPInNamespace(nsHandle *netlink.Handle, alloc *Alloc, cleanup *scope) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = alloc.TapDevice
	tap := &netlink.Tuntap{
		LinkAttrs: attrs,
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := nsHandle.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap %s: %w", alloc.TapDevice, err)
	}
	cleanup.push("delete tap", func() error {
		if link, err := nsHandle.LinkByName(alloc.TapDevice); err == nil {
			return nsHandle.LinkDel(link)
		}
		return nil
	})

	addr, err := netlink.ParseAddr(alloc.HostIP + "/30")
	if err != nil {
		return fmt.Errorf("parse tap addr: %w", err)
	}
	if err := nsHandle.AddrAdd(tap, addr); err != nil {
		return fmt.Errorf("assign tap addr: %w", err)
	}

	if err := nsHandle.LinkSetUp(tap); err != nil {
		return fmt.Errorf("bring tap up: %w", err)
	}

	return nil
}

// createVethPair creates a veth pair straddling the VM's namespace and the
// root namespace: VethGuestNS stays inside the VM's netns (routed to the
// TAP subnet), VethHost moves into the root namespace and carries
// VethHostIP, the identity the Egress Proxy sees as the connection's
// source address.
func (a *Allocator) createVethPair(nsHandle *netlink.Handle, rootNS netns.NsHandle, alloc *Alloc, cleanup *scope) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = alloc.VethGuestNS
	veth := &netlink.Veth{
		LinkAttrs: attrs,
		PeerName:  alloc.VethHost,
	}

	// Veth pairs are created in the namespace the calling handle is bound
	// to; both ends land there, then the host-side end is moved out.
	if err := nsHandle.LinkAdd(veth); err != nil {
		return fmt.Errorf("create veth pair %s/%s: %w", alloc.VethGuestNS, alloc.VethHost, err)
	}
	cleanup.push("delete veth pair", func() error {
		if link, err := nsHandle.LinkByName(alloc.VethGuestNS); err == nil {
			return nsHandle.LinkDel(link)
		}
		return nil
	})

	hostEnd, err := nsHandle.LinkByName(alloc.VethHost)
	if err != nil {
		return fmt.Errorf("find veth host end: %w", err)
	}

	if err := nsHandle.LinkSetNsFd(hostEnd, int(rootNS)); err != nil {
		return fmt.Errorf("move veth %s to root netns: %w", alloc.VethHost, err)
	}
	cleanup.push("delete veth host end", func() error {
		rootHandle, err := netlink.NewHandleAt(rootNS)
		if err != nil {
			return err
		}
		defer rootHandle.Delete()
		if link, err := rootHandle.LinkByName(alloc.VethHost); err == nil {
			return rootHandle.LinkDel(link)
		}
		return nil
	})

	nsAddr, err := netlink.ParseAddr(alloc.VethGuestIP + "/30")
	if err != nil {
		return fmt.Errorf("parse veth ns addr: %w", err)
	}
	nsEnd, err := nsHandle.LinkByName(alloc.VethGuestNS)
	if err != nil {
		return fmt.Errorf("find veth ns end: %w", err)
	}
	if err := nsHandle.AddrAdd(nsEnd, nsAddr); err != nil {
		return fmt.Errorf("assign veth ns addr: %w", err)
	}
	if err := nsHandle.LinkSetUp(nsEnd); err != nil {
		return fmt.Errorf("bring veth ns end up: %w", err)
	}

	rootHandle, err := netlink.NewHandleAt(rootNS)
	if err != nil {
		return fmt.Errorf("root netns handle: %w", err)
	}
	defer rootHandle.Delete()

	hostAddr, err := netlink.ParseAddr(alloc.VethHostIP + "/30")
	if err != nil {
		return fmt.Errorf("parse veth host addr: %w", err)
	}
	hostLink, err := rootHandle.LinkByName(alloc.VethHost)
	if err != nil {
		return fmt.Errorf("find moved veth host end: %w", err)
	}
	if err := rootHandle.AddrAdd(hostLink, hostAddr); err != nil {
		return fmt.Errorf("assign veth host addr: %w", err)
	}
	if err := rootHandle.LinkSetUp(hostLink); err != nil {
		return fmt.Errorf("bring veth host end up: %w", err)
	}

	return nil
}

// enableForwardingAndNAT turns on IP forwarding inside the VM's namespace
// (so traffic can route from the TAP subnet to the veth subnet) and adds
// the default route the guest's traffic needs to reach the veth gateway.
func (a *Allocator) enableForwardingAndNAT(vmNS netns.NsHandle, alloc *Alloc, cleanup *scope) error {
	if err := runInNamespace(vmNS, func() error {
		if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0644); err != nil {
			return fmt.Errorf("enable ip_forward in netns: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	return runInNamespace(vmNS, func() error {
		route := exec.Command("ip", "route", "add", "default", "via", alloc.VethHostIP, "dev", alloc.VethGuestNS)
		if out, err := route.CombinedOutput(); err != nil {
			return fmt.Errorf("add default route in netns: %w (%s)", err, out)
		}
		return nil
	})
}

// runInNamespace temporarily switches the calling OS thread into ns,
// invokes fn, and restores the original namespace before returning. It
// locks the calling goroutine to its OS thread for the duration itself;
// in this package it is only reached from Allocate, through
// enableForwardingAndNAT.
func runInNamespace(ns netns.NsHandle, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get current netns: %w", err)
	}
	defer orig.Close()

	if err := netns.Set(ns); err != nil {
		return fmt.Errorf("enter netns: %w", err)
	}
	defer netns.Set(orig)

	return fn()
}
