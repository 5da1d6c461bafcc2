package firecracker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vm0core/runtime/pkg/errs"
	"github.com/vm0core/runtime/pkg/logging"
	"github.com/vm0core/runtime/pkg/network"
)

// bootArgTemplate is the fixed minimal kernel command line spec §4.4 asks
// for, fast-boot oriented and safe only because every VM is single-tenant
// and short-lived.
const bootArgTemplate = "console=ttyS0 reboot=k panic=1 pci=off nomodules random.trust_cpu=on quiet loglevel=0 nokaslr audit=0 numa=off mitigations=off noresume root=/dev/vda rw init=%s ip=%s"

// Manager is the VM Lifecycle Manager (spec §4.4): it runs the ordered
// create/start sequence and the matching teardown, grounded on
// techsavvyash-aetherium's pkg/vmm/firecracker/firecracker.go CreateVM and
// StopVM, split into the Client's individual steps and wrapped in a scope
// so every step has a compensating teardown.
type Manager struct {
	binaryPath string
	allocator  *network.Allocator
	log        logging.Logger
}

func NewManager(binaryPath string, allocator *network.Allocator, log logging.Logger) *Manager {
	return &Manager{binaryPath: binaryPath, allocator: allocator, log: log}
}

// Create runs spec §4.4's numbered start sequence and returns a running VM,
// or rolls back everything it created and returns an error.
func (m *Manager) Create(ctx context.Context, cfg Config) (vm *VM, err error) {
	vm = &VM{
		Config:      cfg,
		State:       StateCreated,
		WorkDir:     cfg.BaseDir,
		SocketPath:  filepath.Join(cfg.BaseDir, "firecracker.sock"),
		VsockPath:   filepath.Join(cfg.BaseDir, "vsock.sock"),
		OverlayPath: filepath.Join(cfg.BaseDir, "overlay.ext4"),
		BootLogPath: filepath.Join(cfg.BaseDir, "logs", "firecracker.log"),
	}

	cleanup := newScope()
	created := vm // error returns set vm to nil; keep the pointer for rollback
	defer func() {
		if err != nil {
			created.State = StateError
			cleanup.unwind(m.log)
			created.State = StateStopped
		}
	}()

	// 1. workDir + stale socket removal.
	if err = os.MkdirAll(filepath.Join(cfg.BaseDir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("%w: create workdir: %v", errs.ErrSyscall, err)
	}
	cleanup.push("remove workdir", func() error { return os.RemoveAll(cfg.BaseDir) })
	_ = os.Remove(vm.SocketPath)

	vm.State = StateConfiguring

	// 2. overlay creation and network allocation run in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return createOverlay(vm.OverlayPath, cfg.OverlayMiB) })
	var alloc *network.Alloc
	g.Go(func() error {
		a, aerr := m.allocator.Allocate(gctx, cfg.VMID)
		if aerr != nil {
			return aerr
		}
		alloc = a
		return nil
	})
	if err = g.Wait(); err != nil {
		if alloc != nil {
			_ = m.allocator.Release(alloc)
		}
		return nil, err
	}
	vm.NetAlloc = alloc
	cleanup.push("release network", func() error { return m.allocator.Release(alloc) })
	cleanup.push("remove overlay", func() error { return os.Remove(vm.OverlayPath) })

	// 3. spawn firecracker, attach log file.
	logFile, err := os.Create(vm.BootLogPath)
	if err != nil {
		return nil, fmt.Errorf("%w: create boot log: %v", errs.ErrSyscall, err)
	}
	cleanup.push("close boot log", logFile.Close)

	cmd := exec.CommandContext(context.Background(), m.binaryPath, "--api-sock", vm.SocketPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn firecracker: %v", errs.ErrSyscall, err)
	}
	vm.cmd = cmd
	vm.pid = cmd.Process.Pid
	cleanup.push("kill firecracker process", func() error { return killProcess(cmd) })

	// 4. wait for API ready.
	client := NewClient(vm.SocketPath)
	if err = client.WaitUntilReady(ctx, cfg.BootTimeout); err != nil {
		return nil, err
	}
	vm.Client = client

	// 5. configure: machine -> boot source -> base rootfs -> overlay -> nic -> vsock.
	if err = client.SetMachineConfig(ctx, cfg.VCPUCount, cfg.MemSizeMib); err != nil {
		return nil, err
	}

	bootArgs := fmt.Sprintf(bootArgTemplate, cfg.InitPath, alloc.KernelBootIP())
	if err = client.SetBootSource(ctx, cfg.KernelPath, bootArgs); err != nil {
		return nil, err
	}

	if err = client.SetDrive(ctx, Drive{ID: "rootfs", PathOnHost: cfg.BaseRootFSPath, IsRoot: true, ReadOnly: true}); err != nil {
		return nil, err
	}
	if err = client.SetDrive(ctx, Drive{ID: "overlay", PathOnHost: vm.OverlayPath, IsRoot: false, ReadOnly: false}); err != nil {
		return nil, err
	}

	if err = client.SetNetworkInterface(ctx, "eth0", alloc.TapDevice, alloc.GuestMAC); err != nil {
		return nil, err
	}

	if err = client.SetVsock(ctx, vm.VsockPath, GuestCID); err != nil {
		return nil, err
	}

	// 6. start.
	if err = client.Start(ctx); err != nil {
		return nil, err
	}
	vm.State = StateRunning

	return vm, nil
}

// Destroy runs the cleanup steps spec §4.4 names, in order, tolerating a
// VM that never fully started. Always idempotent and always attempted
// fully even when an earlier step errors, matching the Executor's
// teardown-always contract (spec §4.7 step 13).
func (m *Manager) Destroy(vm *VM) error {
	if vm == nil {
		return nil
	}
	vm.State = StateStopping

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if vm.cmd != nil && vm.cmd.Process != nil {
		record(killProcess(vm.cmd))
	}
	if vm.NetAlloc != nil {
		record(m.allocator.Release(vm.NetAlloc))
	}
	record(os.RemoveAll(vm.WorkDir))

	vm.State = StateStopped
	return firstErr
}

// killProcess sends SIGTERM and gives Firecracker a short grace period
// before escalating to SIGKILL, per spec §4.4's "kill Firecracker (SIGKILL
// after best-effort graceful signal)".
func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	_ = cmd.Process.Kill()
	<-done
	return nil
}

// createOverlay makes a sparse ext4-formatted file of the given size,
// used as the per-VM read-write overlay (spec §6.3).
func createOverlay(path string, sizeMiB int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create overlay file: %v", errs.ErrSyscall, err)
	}
	if err := f.Truncate(sizeMiB * 1024 * 1024); err != nil {
		f.Close()
		return fmt.Errorf("%w: truncate overlay file: %v", errs.ErrSyscall, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close overlay file: %v", errs.ErrSyscall, err)
	}

	out, err := exec.Command("mkfs.ext4", "-F", "-q", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: mkfs.ext4 overlay: %v (%s)", errs.ErrSyscall, err, strings.TrimSpace(string(out)))
	}
	return nil
}
