package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vm0core/runtime/pkg/execctx"
	"github.com/vm0core/runtime/pkg/logging/stdout"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Config{SnapshotPath: filepath.Join(t.TempDir(), "registry.json")}, stdout.New(false))
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	err := reg.Register(ctx, "10.200.1.2", Entry{VMID: "vm-1", RunID: "run-1"})
	require.NoError(t, err)

	entry, ok := reg.Lookup("10.200.1.2")
	require.True(t, ok)
	assert.Equal(t, "vm-1", entry.VMID)
	assert.Equal(t, "run-1", entry.RunID)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestRegistry_LookupMiss(t *testing.T) {
	reg := newTestRegistry(t)
	_, ok := reg.Lookup("10.200.9.9")
	assert.False(t, ok)
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "10.200.1.2", Entry{VMID: "vm-1"}))
	require.NoError(t, reg.Unregister(ctx, "10.200.1.2"))
	require.NoError(t, reg.Unregister(ctx, "10.200.1.2")) // second call must not error

	_, ok := reg.Lookup("10.200.1.2")
	assert.False(t, ok)
}

func TestRegistry_UnregisterMissingKeyIsNotError(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.Unregister(context.Background(), "10.200.9.9")
	assert.NoError(t, err)
}

func TestRegistry_AllReturnsIndependentCopy(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "10.200.1.2", Entry{VMID: "vm-1"}))

	snapshot := reg.All()
	snapshot["10.200.1.2"] = Entry{VMID: "mutated"}

	entry, ok := reg.Lookup("10.200.1.2")
	require.True(t, ok)
	assert.Equal(t, "vm-1", entry.VMID)
}

func TestRegistry_SnapshotPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	log := stdout.New(false)

	reg1 := New(Config{SnapshotPath: path}, log)
	require.NoError(t, reg1.Register(context.Background(), "10.200.1.2", Entry{
		VMID: "vm-1", RunID: "run-1", Firewall: &execctx.FirewallPolicy{MITMEnabled: true},
	}))

	reg2 := New(Config{SnapshotPath: path}, log)
	entry, ok := reg2.Lookup("10.200.1.2")
	require.True(t, ok)
	assert.Equal(t, "vm-1", entry.VMID)
	require.NotNil(t, entry.Firewall)
	assert.True(t, entry.Firewall.MITMEnabled)
}
