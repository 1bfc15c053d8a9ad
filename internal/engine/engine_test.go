package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nebuly-ai/nos-partitioner/internal/engine"
	"github.com/nebuly-ai/nos-partitioner/pkg/api/nos.nebuly.com/config/v1alpha1"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
	"github.com/nebuly-ai/nos-partitioner/pkg/registry"
	"github.com/nebuly-ai/nos-partitioner/pkg/test/mocks"
	"github.com/nebuly-ai/nos-partitioner/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	a100Id      = "GPU-4f1d7c3e-8f2a-4d55-a0e4-7f6b1c2d3e4f"
	a100Bus     = "0000:3b:00.0"
	t4Id        = "GPU-9a0b1c2d-3e4f-5a6b-7c8d-9e0f1a2b3c4d"
	t4Bus       = "0000:5e:00.0"
	genericBus  = "0000:af:00.0"
	genericId   = "PCI-0000:af:00.0"
	typeGrid4C  = 471
	typeGridT4Q = 230
)

// newA100 returns an A100 with MIG mode enabled and two virtual functions, each
// with two free instances of the type 471.
func newA100(fs *mocks.MockedSysfs) *mocks.NvmlDevice {
	fs.AddPCIDevice(a100Bus, "0x10de", "0x20f1", "0x030200")
	for _, vf := range fs.AddVirtualFunctions(a100Bus, "0000:3b:00.4", "0000:3b:00.5") {
		fs.AddMdevType(vf, "nvidia-471", "GRID A100-4C", 2)
	}
	return &mocks.NvmlDevice{
		Info:      nvml.DeviceInfo{Index: 0, UUID: a100Id, Name: "NVIDIA A100-PCIE-40GB", BusAddress: a100Bus},
		MigMode:   gpu.HostModeStatus{Current: true, Pending: true},
		VgpuTypes: []nvml.VgpuType{{Id: typeGrid4C, Name: "GRID A100-4C", FramebufferMB: 4096, GpuInstanceProfileId: 19}},
		Profiles: []nvml.GpuInstanceProfile{
			{Id: 19, SliceCount: 1, MemoryMB: 4864, InstanceCount: 7},
			{Id: 0, SliceCount: 7, MemoryMB: 40192, InstanceCount: 1},
		},
		Capacity: map[uint32]int{19: 7, 0: 1},
	}
}

// newT4 returns a T4 without SR-IOV, exposing its guest types on the device itself.
func newT4(fs *mocks.MockedSysfs) *mocks.NvmlDevice {
	devicePath := fs.AddPCIDevice(t4Bus, "0x10de", "0x1eb8", "0x030200")
	fs.AddMdevType(devicePath, "nvidia-230", "GRID T4-8Q", 2)
	return &mocks.NvmlDevice{
		Info:      nvml.DeviceInfo{Index: 1, UUID: t4Id, Name: "Tesla T4", BusAddress: t4Bus},
		VgpuTypes: []nvml.VgpuType{{Id: typeGridT4Q, Name: "GRID T4-8Q", FramebufferMB: 8192, GpuInstanceProfileId: gpu.InvalidInstanceProfileId}},
		Capacity:  map[uint32]int{},
	}
}

type testEnv struct {
	engine *engine.Engine
	client *mocks.MockedNvmlClient
	fs     *mocks.MockedSysfs
}

func newTestEnv(registryPath string, mutate func(*v1alpha1.PartitionerConfig)) (*testEnv, registry.Registry, error) {
	fs := mocks.NewMockedSysfs("/sys")
	client := mocks.NewMockedNvmlClient(newA100(fs), newT4(fs))
	fs.AddPCIDevice(genericBus, "0x1002", "0x740f", "0x038000")
	fs.AddPCIDevice("0000:00:1f.2", "0x8086", "0xa352", "0x010601")

	reg, err := registry.NewRegistry(registryPath)
	if err != nil {
		return nil, nil, err
	}
	config := v1alpha1.NewDefaultPartitionerConfig()
	config.DeviceAppearanceTimeout = metav1.Duration{Duration: 50 * time.Millisecond}
	config.DeviceAppearancePollInterval = metav1.Duration{Duration: 5 * time.Millisecond}
	if mutate != nil {
		mutate(&config)
	}
	return &testEnv{
		engine: engine.New(config, client, fs, reg, nil),
		client: client,
		fs:     fs,
	}, reg, nil
}

func setup(t *testing.T, mutate func(*v1alpha1.PartitionerConfig)) *testEnv {
	t.Helper()
	env, reg, err := newTestEnv(filepath.Join(t.TempDir(), "partitions.db"), mutate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return env
}

func TestEngine_EnumerateDevices(t *testing.T) {
	expectedVendorManaged := gpu.DeviceList{
		{Id: a100Id, Vendor: "nvidia", Model: "NVIDIA A100-PCIE-40GB", BusAddress: a100Bus, Capability: gpu.CapabilityVendorManaged},
		{Id: t4Id, Vendor: "nvidia", Model: "Tesla T4", BusAddress: t4Bus, Capability: gpu.CapabilityVendorManaged},
	}
	expectedGeneric := gpu.Device{Id: genericId, Vendor: "amd", Model: "0x1002:0x740f", BusAddress: genericBus, Capability: gpu.CapabilityGeneric}

	testCases := []struct {
		name     string
		mutate   func(*v1alpha1.PartitionerConfig)
		expected gpu.DeviceList
	}{
		{
			name:     "Vendor-managed devices first, then generic display devices",
			expected: append(append(gpu.DeviceList{}, expectedVendorManaged...), expectedGeneric),
		},
		{
			name: "Generic devices disabled",
			mutate: func(c *v1alpha1.PartitionerConfig) {
				c.EnumerateGenericDevices = util.BoolAddr(false)
			},
			expected: expectedVendorManaged,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			env := setup(t, tt.mutate)
			devices, err := env.engine.EnumerateDevices(context.Background())
			require.NoError(t, err)
			if diff := cmp.Diff(tt.expected, devices); diff != "" {
				t.Errorf("unexpected devices (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEngine_EnumerateDevices_GenericSortedByBusAddress(t *testing.T) {
	env := setup(t, nil)
	env.fs.AddPCIDevice("0000:d8:00.0", "0x1002", "0x740f", "0x038000")
	env.fs.AddPCIDevice("0000:1a:00.0", "0x8086", "0x56c0", "0x030000")

	devices, err := env.engine.EnumerateDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 5)
	assert.Equal(t, a100Id, devices[0].Id)
	assert.Equal(t, t4Id, devices[1].Id)

	busAddresses := make([]string, 0, 3)
	for _, d := range devices[2:] {
		assert.Equal(t, gpu.CapabilityGeneric, d.Capability)
		busAddresses = append(busAddresses, d.BusAddress)
	}
	assert.Equal(t, []string{"0000:1a:00.0", genericBus, "0000:d8:00.0"}, busAddresses)
}

func TestEngine_EnumerateDevices_NoHardware(t *testing.T) {
	reg, err := registry.NewRegistry(filepath.Join(t.TempDir(), "partitions.db"))
	require.NoError(t, err)
	defer reg.Close()

	e := engine.New(v1alpha1.NewDefaultPartitionerConfig(), mocks.NewMockedNvmlClient(), mocks.NewMockedSysfs("/sys"), reg, nil)
	devices, err := e.EnumerateDevices(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, devices)
}

func TestEngine_EnumerateDevices_DuplicatedIds(t *testing.T) {
	reg, err := registry.NewRegistry(filepath.Join(t.TempDir(), "partitions.db"))
	require.NoError(t, err)
	defer reg.Close()

	client := mocks.NewMockedNvmlClient(
		&mocks.NvmlDevice{Info: nvml.DeviceInfo{UUID: a100Id, BusAddress: a100Bus}},
		&mocks.NvmlDevice{Info: nvml.DeviceInfo{UUID: a100Id, BusAddress: "0000:3c:00.0"}},
	)
	e := engine.New(v1alpha1.NewDefaultPartitionerConfig(), client, mocks.NewMockedSysfs("/sys"), reg, nil)
	devices, err := e.EnumerateDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, a100Bus, devices[0].BusAddress)
}

func TestEngine_EnumerateDevices_DriverFailure(t *testing.T) {
	env := setup(t, nil)
	env.client.ReturnedError = gpu.NotFoundErr.Errorf("driver not loaded")

	_, err := env.engine.EnumerateDevices(context.Background())
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodeDriver))
}

func TestEngine_DeviceByIdentifier(t *testing.T) {
	env := setup(t, nil)

	device, err := env.engine.DeviceByIdentifier(context.Background(), t4Id)
	require.NoError(t, err)
	assert.Equal(t, t4Bus, device.BusAddress)
	assert.True(t, device.IsVendorManaged())

	_, err = env.engine.DeviceByIdentifier(context.Background(), "GPU-unknown")
	assert.True(t, errors.Is(err, gpu.DeviceNotFoundErr))

	_, err = env.engine.ListPartitions(context.Background(), "GPU-unknown")
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodeDeviceNotFound))
}

func TestEngine_GenericDeviceIsUnsupported(t *testing.T) {
	ctx := context.Background()
	env := setup(t, nil)

	_, err := env.engine.SupportedTypes(ctx, genericId)
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodeUnsupported))
	_, err = env.engine.CreatableTypes(ctx, genericId)
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodeUnsupported))
	_, err = env.engine.CreatePartition(ctx, genericId, typeGrid4C, gpu.BackendAuto)
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodeUnsupported))
	_, err = env.engine.ListPartitions(ctx, genericId)
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodeUnsupported))
	assert.True(t, gpu.HasCode(env.engine.DestroyPartition(ctx, genericId, "uuid"), gpu.ErrorCodeUnsupported))
	_, err = env.engine.GetHostPartitioningMode(ctx, genericId)
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodeUnsupported))
	_, err = env.engine.SetHostPartitioningMode(ctx, genericId, true)
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodeUnsupported))
	assert.Equal(t, 0, env.fs.NumCallsCreate)
}

func TestEngine_SupportedTypes(t *testing.T) {
	env := setup(t, nil)

	types, err := env.engine.SupportedTypes(context.Background(), a100Id)
	require.NoError(t, err)
	seen := make(map[int]struct{})
	for _, pt := range types {
		_, duplicated := seen[pt.Id]
		assert.False(t, duplicated, "type %d listed twice", pt.Id)
		seen[pt.Id] = struct{}{}
	}
	assert.Len(t, types, 2)

	creatable, err := env.engine.CreatableTypes(context.Background(), t4Id)
	require.NoError(t, err)
	require.Len(t, creatable, 1)
	assert.Equal(t, typeGridT4Q, creatable[0].Id)
}

func TestEngine_FindPartition(t *testing.T) {
	ctx := context.Background()
	env := setup(t, nil)

	created, err := env.engine.CreatePartition(ctx, t4Id, typeGridT4Q, gpu.BackendAuto)
	require.NoError(t, err)
	assert.Equal(t, gpu.LocationDevice, created.Location.Kind)

	device, found, err := env.engine.FindPartition(ctx, created.UUID)
	require.NoError(t, err)
	assert.Equal(t, t4Id, device.Id)
	assert.Equal(t, created, found)

	_, _, err = env.engine.FindPartition(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodePartitionNotFound))

	require.NoError(t, env.engine.DestroyPartition(ctx, t4Id, created.UUID))
	_, _, err = env.engine.FindPartition(ctx, created.UUID)
	assert.True(t, gpu.HasCode(err, gpu.ErrorCodePartitionNotFound))
}
