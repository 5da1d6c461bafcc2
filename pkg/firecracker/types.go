package firecracker

import (
	"os/exec"
	"time"

	"github.com/vm0core/runtime/pkg/network"
)

// State is a position in the VM Lifecycle Manager's state machine (spec
// §4.4): created → configuring → running → stopping → stopped, with any
// failure routed to error → stopped after cleanup runs.
type State string

const (
	StateCreated     State = "created"
	StateConfiguring State = "configuring"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateError       State = "error"
)

// GuestCID is the fixed AF_VSOCK context ID every guest is assigned; the
// host side is always well-known CID 2.
const GuestCID = 3

// Config describes one VM to create. BaseRootFSPath points at the shared
// read-only squashfs image; a fresh per-VM overlay is created alongside
// it per spec §6.3.
type Config struct {
	VMID           string
	RunID          string
	BaseDir        string // <runnerBaseDir>/vms/<vmId>
	KernelPath     string
	BaseRootFSPath string
	VCPUCount      int64
	MemSizeMib     int64
	OverlayMiB     int64
	BootTimeout    time.Duration
	InitPath       string // in-guest init binary path, embedded in boot args
}

// VM is a live or torn-down microVM instance together with the host
// resources the lifecycle manager is responsible for releasing.
type VM struct {
	Config Config
	State  State

	WorkDir     string
	SocketPath  string
	VsockPath   string
	OverlayPath string
	BootLogPath string

	NetAlloc *network.Alloc
	Client   *Client

	cmd *exec.Cmd
	pid int
}

// GuestIP and VethHostIP are the two addresses §4.7 step 3 reads off a
// freshly started VM: GuestIP is what the in-guest agent shim binds to
// conceptually, VethHostIP is the source address the Egress Proxy sees.
func (v *VM) GuestIP() string    { return v.NetAlloc.GuestIP }
func (v *VM) VethHostIP() string { return v.NetAlloc.VethHostIP }

// PID returns the Firecracker process id, or 0 before Start.
func (v *VM) PID() int { return v.pid }
