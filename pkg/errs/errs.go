// Package errs defines the abstract error kinds the runtime classifies
// failures into (spec §7), as sentinel errors suitable for errors.Is.
package errs

import "errors"

var (
	ErrConfig               = errors.New("config error")
	ErrNetworkExhausted     = errors.New("network exhausted")
	ErrSyscall              = errors.New("syscall error")
	ErrFirecrackerAPI       = errors.New("firecracker api error")
	ErrVMBootTimeout        = errors.New("vm boot timeout")
	ErrGuestHandshakeTimeout = errors.New("guest handshake timeout")
	ErrVsockIO              = errors.New("vsock io error")
	ErrClosed               = errors.New("closed")
	ErrTimeout              = errors.New("timeout")
	ErrStorageFetch         = errors.New("storage fetch error")
	ErrProxyDenied          = errors.New("proxy denied")
	ErrTokenDecrypt         = errors.New("token decrypt error")
	ErrOOMKilled            = errors.New("oom killed")
	ErrCancelled            = errors.New("cancelled")
)

// IsInfrastructureFailure reports whether err should be treated as an
// infrastructure failure: emitted as an event and the claim NACKed so the
// platform can reassign the job to another host (spec §7).
func IsInfrastructureFailure(err error) bool {
	return errors.Is(err, ErrVMBootTimeout) || errors.Is(err, ErrGuestHandshakeTimeout)
}
