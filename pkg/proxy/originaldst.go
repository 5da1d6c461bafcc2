package proxy

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vm0core/runtime/pkg/errs"
)

// soOriginalDst is Linux's SOL_IP-level getsockopt for recovering the
// pre-NAT destination of a connection the host's iptables REDIRECT rules
// (pkg/network's IPTables.SetupVMEgress) rewrote to the proxy's own port.
const soOriginalDst = 80

// originalDestination recovers the destination a TCP connection was headed
// to before the REDIRECT target rewrote it, matching the technique every
// Linux transparent proxy (iptables REDIRECT + SO_ORIGINAL_DST) uses; the
// stdlib and every example repo's networking libraries abstract TCP/TLS but
// none of them reach this deep into the socket layer, so this is the one
// place in the runtime that talks unix syscalls directly.
func originalDestination(conn *net.TCPConn) (*net.TCPAddr, error) {
	sysConn, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("%w: get raw conn: %v", errs.ErrSyscall, err)
	}

	var addr unix.RawSockaddrInet4
	size := uint32(unsafe.Sizeof(addr))
	var ctrlErr error

	err = sysConn.Control(func(fd uintptr) {
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(unix.SOL_IP),
			uintptr(soOriginalDst),
			uintptr(unsafe.Pointer(&addr)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			ctrlErr = errno
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: control raw conn: %v", errs.ErrSyscall, err)
	}
	if ctrlErr != nil {
		return nil, fmt.Errorf("%w: getsockopt SO_ORIGINAL_DST: %v", errs.ErrSyscall, ctrlErr)
	}

	ip := net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
	port := int(addr.Port>>8) | int(addr.Port&0xff)<<8
	return &net.TCPAddr{IP: ip, Port: port}, nil
}
