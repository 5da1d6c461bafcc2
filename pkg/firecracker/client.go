// Package firecracker implements the Firecracker Client and VM Lifecycle
// Manager (spec §4.2, §4.4): a thin typed wrapper over the Firecracker REST
// API exposed on a unix socket, and the ordered create/start/destroy
// sequence built on top of it.
package firecracker

import (
	"context"
	"fmt"
	"os"
	"time"

	sdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/vm0core/runtime/pkg/errs"
)

// Client is a thin typed client over one Firecracker instance's REST API,
// grounded on techsavvyash-aetherium's pkg/vmm/firecracker/firecracker.go
// usage of the SDK's generated operations, but split into the individual
// steps the VM Lifecycle Manager needs to sequence and compensate
// independently instead of the SDK's own all-in-one Machine.Start.
type Client struct {
	socketPath string
	raw        *sdk.FirecrackerClient
}

// NewClient wraps the unix socket Firecracker listens on. It does not
// dial; PutMachineConfiguration et al. are the first real requests, after
// WaitUntilReady confirms the socket is live.
func NewClient(socketPath string) *Client {
	log := logrus.NewEntry(logrus.StandardLogger())
	return &Client{
		socketPath: socketPath,
		raw:        sdk.NewFirecrackerClient(socketPath, log, false),
	}
}

// WaitUntilReady polls the API socket until it answers or timeout elapses.
func (c *Client) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(c.socketPath); err == nil {
			if _, err := c.raw.GetMachineConfig(); err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: firecracker api not ready after %s", errs.ErrVMBootTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// SetMachineConfig sets vCPU count and memory size.
func (c *Client) SetMachineConfig(ctx context.Context, vcpuCount, memSizeMib int64) error {
	cfg := models.MachineConfiguration{
		VcpuCount:  sdk.Int64(vcpuCount),
		MemSizeMib: sdk.Int64(memSizeMib),
	}
	if _, err := c.raw.PutMachineConfiguration(ctx, &cfg); err != nil {
		return fmt.Errorf("%w: set machine config: %v", errs.ErrFirecrackerAPI, err)
	}
	return nil
}

// SetBootSource configures the kernel image and boot args.
func (c *Client) SetBootSource(ctx context.Context, kernelImagePath, bootArgs string) error {
	src := models.BootSource{
		KernelImagePath: sdk.String(kernelImagePath),
		BootArgs:        bootArgs,
	}
	if _, err := c.raw.PutGuestBootSource(ctx, &src); err != nil {
		return fmt.Errorf("%w: set boot source: %v", errs.ErrFirecrackerAPI, err)
	}
	return nil
}

// Drive describes one block device to attach.
type Drive struct {
	ID         string
	PathOnHost string
	IsRoot     bool
	ReadOnly   bool
}

// SetDrive attaches a block device. Called once for the read-only base
// rootfs and once for the per-VM read-write overlay, in that order.
func (c *Client) SetDrive(ctx context.Context, d Drive) error {
	model := models.Drive{
		DriveID:      sdk.String(d.ID),
		PathOnHost:   sdk.String(d.PathOnHost),
		IsRootDevice: sdk.Bool(d.IsRoot),
		IsReadOnly:   sdk.Bool(d.ReadOnly),
	}
	if _, err := c.raw.PutGuestDriveByID(ctx, d.ID, &model); err != nil {
		return fmt.Errorf("%w: set drive %s: %v", errs.ErrFirecrackerAPI, d.ID, err)
	}
	return nil
}

// SetNetworkInterface attaches the TAP device created by the IP/TAP
// Allocator as eth0.
func (c *Client) SetNetworkInterface(ctx context.Context, ifaceID, hostDevName, guestMAC string) error {
	cfg := models.NetworkInterface{
		IfaceID:     sdk.String(ifaceID),
		HostDevName: sdk.String(hostDevName),
		GuestMac:    guestMAC,
	}
	if _, err := c.raw.PutGuestNetworkInterfaceByID(ctx, ifaceID, &cfg); err != nil {
		return fmt.Errorf("%w: set network interface %s: %v", errs.ErrFirecrackerAPI, ifaceID, err)
	}
	return nil
}

// SetVsock attaches the AF_VSOCK device the Vsock Transport dials the
// guest over.
func (c *Client) SetVsock(ctx context.Context, udsPath string, guestCID uint32) error {
	cfg := models.Vsock{
		ID:       sdk.String(udsPath),
		GuestCid: sdk.Int64(int64(guestCID)),
	}
	if _, _, err := c.raw.PutGuestVsockByID(ctx, udsPath, &cfg); err != nil {
		return fmt.Errorf("%w: set vsock: %v", errs.ErrFirecrackerAPI, err)
	}
	return nil
}

// Start transitions the microVM from configuring to running.
func (c *Client) Start(ctx context.Context) error {
	info := models.InstanceActionInfo{
		ActionType: sdk.String(models.InstanceActionInfoActionTypeInstanceStart),
	}
	if _, err := c.raw.CreateSyncAction(ctx, &info); err != nil {
		return fmt.Errorf("%w: start instance: %v", errs.ErrFirecrackerAPI, err)
	}
	return nil
}

// SendCtrlAltDel asks the guest to reboot/shutdown itself. Best-effort:
// callers should not treat its failure as fatal.
func (c *Client) SendCtrlAltDel(ctx context.Context) error {
	info := models.InstanceActionInfo{
		ActionType: sdk.String(models.InstanceActionInfoActionTypeSendCtrlAltDel),
	}
	if _, err := c.raw.CreateSyncAction(ctx, &info); err != nil {
		return fmt.Errorf("%w: send ctrl-alt-del: %v", errs.ErrFirecrackerAPI, err)
	}
	return nil
}
