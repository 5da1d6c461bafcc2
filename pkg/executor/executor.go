// Package executor implements the Job Executor (spec §4.7): the
// component that turns one ExecutionContext into one completed guest run,
// end to end, always reaching teardown.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vm0core/runtime/pkg/errs"
	"github.com/vm0core/runtime/pkg/execctx"
	"github.com/vm0core/runtime/pkg/firecracker"
	"github.com/vm0core/runtime/pkg/logging"
	"github.com/vm0core/runtime/pkg/platform"
	"github.com/vm0core/runtime/pkg/registry"
	"github.com/vm0core/runtime/pkg/vsock"
)

const (
	envJSONGuestPath        = "/run/vm0core/env.json"
	systemLogGuestPath      = "/run/vm0core/agent.log"
	guestVsockPort          = 5000
	guestHandshakeTimeout   = 30 * time.Second
	defaultMaxAgentDuration = 2 * time.Hour
	shutdownGraceTimeout    = 2 * time.Second
)

// StorageFetcher retrieves one content-addressed tarball for staging into
// a guest. The real implementation talks to the out-of-scope storage
// service; this package only depends on the interface.
type StorageFetcher interface {
	Fetch(ctx context.Context, name, versionID string) (io.ReadCloser, error)
}

// Config wires an Executor to the rest of the runtime and carries the boot
// parameters every VM this executor creates shares.
type Config struct {
	PlatformBaseURL  string
	MaxAgentDuration time.Duration

	VMBaseDir      string // parent dir; each run gets VMBaseDir/<vmId>
	KernelPath     string
	BaseRootFSPath string
	InitPath       string
	VCPUCount      int64
	MemSizeMib     int64
	OverlayMiB     int64
	BootTimeout    time.Duration
}

// Executor runs one ExecutionContext to completion.
type Executor struct {
	cfg        Config
	lifecycle  *firecracker.Manager
	registry   *registry.Registry
	storage    StorageFetcher
	platform   *platform.Client
	log        logging.Logger
	onOpMetric func(platform.SandboxOpMetric)
}

// New builds an Executor.
func New(cfg Config, lifecycle *firecracker.Manager, reg *registry.Registry, storage StorageFetcher, plat *platform.Client, onOpMetric func(platform.SandboxOpMetric), log logging.Logger) *Executor {
	if cfg.MaxAgentDuration == 0 {
		cfg.MaxAgentDuration = defaultMaxAgentDuration
	}
	if cfg.BootTimeout == 0 {
		cfg.BootTimeout = 10 * time.Second
	}
	return &Executor{cfg: cfg, lifecycle: lifecycle, registry: reg, storage: storage, platform: plat, onOpMetric: onOpMetric, log: log}
}

// Run executes ec.RunID's job from VM boot through teardown and always
// returns a Result, never leaving a VM or registry entry behind (spec §4.7
// step 13, §8 Testable Properties 1 and 7).
func (e *Executor) Run(ctx context.Context, ec *execctx.ExecutionContext) execctx.Result {
	vmID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(ec.RunID)).String()

	vmStartBegin := time.Now()
	e.recordOp("api_to_vm_start", true, vmStartBegin.Sub(ec.APIStartTime))

	vm, err := e.lifecycle.Create(ctx, firecracker.Config{
		VMID:           vmID,
		RunID:          ec.RunID,
		BaseDir:        filepath.Join(e.cfg.VMBaseDir, vmID),
		KernelPath:     e.cfg.KernelPath,
		BaseRootFSPath: e.cfg.BaseRootFSPath,
		InitPath:       e.cfg.InitPath,
		VCPUCount:      e.cfg.VCPUCount,
		MemSizeMib:     e.cfg.MemSizeMib,
		OverlayMiB:     e.cfg.OverlayMiB,
		BootTimeout:    e.cfg.BootTimeout,
	})
	if err != nil {
		return e.fail(ctx, ec, nil, nil, fmt.Errorf("boot vm: %w", err))
	}

	transport, err := vsock.Dial(ctx, firecracker.GuestCID, guestVsockPort, e.log)
	if err != nil {
		e.lifecycle.Destroy(vm)
		return e.fail(ctx, ec, vm, nil, fmt.Errorf("open vsock: %w", err))
	}
	defer transport.Close()

	env := BuildEnvironment(ec, e.cfg.PlatformBaseURL)

	if ec.Firewall != nil {
		regErr := e.registry.Register(ctx, vm.VethHostIP(), registry.Entry{
			VMID: vmID, RunID: ec.RunID, SandboxToken: ec.SandboxToken, Firewall: ec.Firewall,
		})
		if regErr != nil {
			e.log.Warn(ctx, "registry register failed", logging.Fields{"error": regErr.Error()})
		}
	}

	result := e.runInGuest(ctx, ec, vm, transport, env)

	e.teardown(ctx, ec, vm, transport)
	return result
}

// runInGuest is steps 6-12: everything that happens once the VM is up and
// its network registered, before teardown begins.
func (e *Executor) runInGuest(ctx context.Context, ec *execctx.ExecutionContext, vm *firecracker.VM, t *vsock.Transport, env map[string]string) execctx.Result {
	if err := t.WaitForGuestConnection(ctx, guestHandshakeTimeout); err != nil {
		return execctx.Result{ExitCode: 1, Error: fmt.Sprintf("guest handshake failed: %v", err)}
	}

	if ec.Storage != nil {
		if err := e.stageStorage(ctx, ec.Storage, t); err != nil {
			return execctx.Result{ExitCode: 1, Error: fmt.Sprintf("stage storage: %v", err)}
		}
	}

	if ec.Resume != nil {
		path, err := ResumeSessionPath(ec.CLIAgentType, ec.WorkingDir, ec.Resume.SessionID)
		if err != nil {
			return execctx.Result{ExitCode: 1, Error: fmt.Sprintf("resolve resume path: %v", err)}
		}
		if err := t.WriteFile(ctx, path, ec.Resume.History); err != nil {
			return execctx.Result{ExitCode: 1, Error: fmt.Sprintf("write resume session: %v", err)}
		}
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return execctx.Result{ExitCode: 1, Error: fmt.Sprintf("marshal environment: %v", err)}
	}
	if err := t.WriteFile(ctx, envJSONGuestPath, envJSON); err != nil {
		return execctx.Result{ExitCode: 1, Error: fmt.Sprintf("write env json: %v", err)}
	}

	cmd := buildAgentCommand(ec)

	maxWait := e.cfg.MaxAgentDuration
	pid, err := t.SpawnAndWatch(ctx, cmd, int(maxWait.Milliseconds()))
	if err != nil {
		return execctx.Result{ExitCode: 1, Error: fmt.Sprintf("spawn agent: %v", err)}
	}

	exit, err := t.WaitForExit(ctx, pid, maxWait+5*time.Second)
	if err != nil {
		return execctx.Result{ExitCode: 1, Error: fmt.Sprintf("Agent execution timed out after %ds", int(maxWait.Seconds()))}
	}

	if exit.ExitCode == 9 || exit.ExitCode == 137 {
		if oomRes, err := t.Exec(ctx, "dmesg | tail -n 200"); err == nil && looksLikeOOM(oomRes.Stdout) {
			return execctx.Result{ExitCode: 1, Error: "Agent process killed by OOM killer"}
		}
	}

	if exit.ExitCode != 0 {
		return execctx.Result{ExitCode: exit.ExitCode, Error: exit.Stderr}
	}
	return execctx.Result{ExitCode: 0}
}

// stageStorage fetches and writes each tarball into the guest in parallel
// (spec §4.7 step 7), skipping absent optional volumes silently.
func (e *Executor) stageStorage(ctx context.Context, manifest *execctx.StorageManifest, t *vsock.Transport) error {
	items := make([]execctx.StorageItem, 0, len(manifest.Volumes)+1)
	if manifest.Artifact != nil {
		items = append(items, *manifest.Artifact)
	}
	items = append(items, manifest.Volumes...)

	errCh := make(chan error, len(items))
	for _, item := range items {
		item := item
		go func() {
			errCh <- e.stageOne(ctx, item, t)
		}()
	}

	var firstErr error
	for range items {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Executor) stageOne(ctx context.Context, item execctx.StorageItem, t *vsock.Transport) error {
	rc, err := e.storage.Fetch(ctx, item.Name, item.VersionID)
	if err != nil {
		if item.Optional {
			e.log.Debug(ctx, "optional volume missing upstream, skipping", logging.Fields{"name": item.Name})
			return nil
		}
		return fmt.Errorf("%w: fetch %s: %v", errs.ErrStorageFetch, item.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", errs.ErrStorageFetch, item.Name, err)
	}

	tmpPath := fmt.Sprintf("/tmp/vm0core-stage-%s.tar.gz", item.Name)
	if err := t.WriteFile(ctx, tmpPath, data); err != nil {
		return fmt.Errorf("write tarball for %s: %w", item.Name, err)
	}

	extractCmd := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s", item.MountPath, tmpPath, item.MountPath)
	res, err := t.Exec(ctx, extractCmd)
	if err != nil {
		return fmt.Errorf("extract %s: %w", item.Name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: extract %s exited %d: %s", errs.ErrStorageFetch, item.Name, res.ExitCode, res.Stderr)
	}
	return nil
}

// buildAgentCommand constructs either a direct prompt execution
// (benchmark mode) or the supervised entrypoint invocation (spec §4.7
// step 10).
func buildAgentCommand(ec *execctx.ExecutionContext) string {
	if ec.MockMode {
		return fmt.Sprintf("sh -c %s", shellQuote(ec.Prompt))
	}
	return fmt.Sprintf(
		"/usr/local/bin/vm0-entrypoint --env %s --agent-type %s > %s 2>&1",
		envJSONGuestPath, ec.CLIAgentType, systemLogGuestPath,
	)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func looksLikeOOM(dmesg string) bool {
	lower := strings.ToLower(dmesg)
	return strings.Contains(lower, "out of memory") || strings.Contains(lower, "oom-kill") || strings.Contains(lower, "oom_kill")
}

func (e *Executor) recordOp(actionType string, success bool, d time.Duration) {
	if e.onOpMetric != nil {
		e.onOpMetric(platform.SandboxOpMetric{ActionType: actionType, DurationMs: d.Milliseconds(), Success: success})
	}
}

// fail is used for errors before the VM is usable enough to attempt a
// normal teardown path; it still tries to destroy any VM handed to it.
func (e *Executor) fail(ctx context.Context, ec *execctx.ExecutionContext, vm *firecracker.VM, t *vsock.Transport, err error) execctx.Result {
	e.log.Error(ctx, "executor failed before guest run started", logging.Fields{"runId": ec.RunID, "error": err.Error()})
	if vm != nil {
		e.lifecycle.Destroy(vm)
	}
	return execctx.Result{ExitCode: 1, Error: err.Error()}
}

// teardown is spec §4.7 step 13: always unregister, always attempt a
// graceful shutdown before SIGKILL, always destroy the VM. Every step
// tolerates and logs its own failure so later steps still run.
func (e *Executor) teardown(ctx context.Context, ec *execctx.ExecutionContext, vm *firecracker.VM, t *vsock.Transport) {
	if ec.Firewall != nil {
		if err := e.registry.Unregister(ctx, vm.VethHostIP()); err != nil {
			e.log.Warn(ctx, "unregister failed", logging.Fields{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGraceTimeout)
	ok, err := t.Shutdown(shutdownCtx, shutdownGraceTimeout)
	cancel()
	if err != nil || !ok {
		e.log.Debug(ctx, "graceful shutdown unavailable, falling back to destroy/SIGKILL", logging.Fields{"runId": ec.RunID})
	}

	if err := e.lifecycle.Destroy(vm); err != nil {
		e.log.Warn(ctx, "vm destroy failed", logging.Fields{"error": err.Error()})
	}
}
