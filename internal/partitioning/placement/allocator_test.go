package placement_test

import (
	"context"
	"testing"

	"github.com/nebuly-ai/nos-partitioner/internal/partitioning/placement"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"github.com/nebuly-ai/nos-partitioner/pkg/test/mocks"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deviceId   = "GPU-4f1d7c3e-8f2a-4d55-a0e4-7f6b1c2d3e4f"
	busAddress = "0000:3b:00.0"
)

var (
	device = gpu.Device{
		Id:         deviceId,
		Vendor:     "nvidia",
		Model:      "NVIDIA A100-PCIE-40GB",
		BusAddress: busAddress,
		Capability: gpu.CapabilityVendorManaged,
	}
	guestType  = gpu.PartitionType{Id: 471, Name: "1g.5gb", Flags: gpu.TypeFlagHostAndGuest, InstanceProfileId: 19, SliceCount: 1}
	hostType   = gpu.PartitionType{Id: 0, Name: "7g.40gb", Flags: gpu.TypeFlagHost, InstanceProfileId: 0, SliceCount: 7}
	timeSliced = gpu.PartitionType{Id: 480, Name: "GRID A100-10C", Flags: gpu.TypeFlagGuest, InstanceProfileId: gpu.InvalidInstanceProfileId}
)

func newAllocator(fs *mocks.MockedSysfs, client nvml.Client) *placement.Allocator {
	return placement.NewAllocator(client, sysfs.NewTree(fs, fs.Root, "nvidia"), true)
}

// newSysfsWithVfs returns a device with one virtual function per capacity, each supporting
// the type 471 with the given number of available instances.
func newSysfsWithVfs(capacities ...int) (*mocks.MockedSysfs, []string) {
	fs := mocks.NewMockedSysfs("/sys")
	fs.AddPCIDevice(busAddress, "0x10de", "0x20f1", "0x030200")
	vfBusAddresses := []string{"0000:3b:00.4", "0000:3b:00.5", "0000:3b:00.6", "0000:3b:00.7"}
	paths := fs.AddVirtualFunctions(busAddress, vfBusAddresses[:len(capacities)]...)
	for i, c := range capacities {
		fs.AddMdevType(paths[i], "nvidia-471", "GRID A100-4C", c)
	}
	return fs, paths
}

func TestAllocator_PlaceGuest(t *testing.T) {
	testCases := []struct {
		name               string
		capacities         []int
		partitionType      gpu.PartitionType
		expectedIndex      int
		expectedBusAddress string
		expectedErr        gpu.ErrorCode
	}{
		{
			name:               "Lowest index with free capacity is chosen",
			capacities:         []int{0, 2, 1},
			partitionType:      guestType,
			expectedIndex:      1,
			expectedBusAddress: "0000:3b:00.5",
		},
		{
			name:               "First virtual function",
			capacities:         []int{1, 1},
			partitionType:      guestType,
			expectedIndex:      0,
			expectedBusAddress: "0000:3b:00.4",
		},
		{
			name:          "No free capacity",
			capacities:    []int{0, 0, 0},
			partitionType: guestType,
			expectedErr:   gpu.ErrorCodeCapacityExceeded,
		},
		{
			name:          "Type not supported by any virtual function",
			capacities:    []int{1, 1},
			partitionType: timeSliced,
			expectedErr:   gpu.ErrorCodeCapacityExceeded,
		},
		{
			name:          "Host only type",
			capacities:    []int{1},
			partitionType: hostType,
			expectedErr:   gpu.ErrorCodeUnsupported,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			fs, _ := newSysfsWithVfs(tt.capacities...)
			a := newAllocator(fs, mocks.NewMockedNvmlClient())

			f, err := a.PlaceGuest(context.Background(), device, tt.partitionType)
			if tt.expectedErr != "" {
				require.NotNil(t, err)
				assert.Equal(t, tt.expectedErr, err.Code())
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, tt.expectedIndex, f.Index)
			assert.Equal(t, tt.expectedBusAddress, f.BusAddress)
			assert.Equal(t, 0, fs.NumCallsCreate)
		})
	}
}

func TestAllocator_PlaceGuest_DeviceWithoutVirtualFunctions(t *testing.T) {
	fs := mocks.NewMockedSysfs("/sys")
	devicePath := fs.AddPCIDevice(busAddress, "0x10de", "0x1eb8", "0x030200")
	fs.AddMdevType(devicePath, "nvidia-471", "GRID T4-4Q", 4)
	a := newAllocator(fs, mocks.NewMockedNvmlClient())

	f, err := a.PlaceGuest(context.Background(), device, guestType)
	assert.Nil(t, err)
	assert.False(t, f.IsVirtual())
	assert.Equal(t, busAddress, f.BusAddress)
	assert.Equal(t, devicePath, f.Path)

	capacity, err := a.GuestCapacity(context.Background(), device, guestType)
	assert.Nil(t, err)
	assert.Equal(t, 4, capacity)
}

func TestAllocator_PlaceGuest_MalformedCapacity(t *testing.T) {
	fs, paths := newSysfsWithVfs(0, 1)
	require.NoError(t, afero.WriteFile(fs.Fs, paths[0]+"/mdev_supported_types/nvidia-471/available_instances", []byte("n/a"), 0644))
	a := newAllocator(fs, mocks.NewMockedNvmlClient())

	_, err := a.PlaceGuest(context.Background(), device, guestType)
	require.NotNil(t, err)
	assert.Equal(t, gpu.ErrorCodeDriver, err.Code())
}

func TestAllocator_GuestCapacity(t *testing.T) {
	fs, _ := newSysfsWithVfs(0, 2, 1)
	a := newAllocator(fs, mocks.NewMockedNvmlClient())

	capacity, err := a.GuestCapacity(context.Background(), device, guestType)
	assert.Nil(t, err)
	assert.Equal(t, 3, capacity)

	capacity, err = a.GuestCapacity(context.Background(), device, timeSliced)
	assert.Nil(t, err)
	assert.Equal(t, 0, capacity)

	capacity, err = a.GuestCapacity(context.Background(), device, hostType)
	assert.Nil(t, err)
	assert.Equal(t, 0, capacity)
}

func TestAllocator_PlaceHost(t *testing.T) {
	testCases := []struct {
		name          string
		migEnabled    bool
		capacity      map[uint32]int
		partitionType gpu.PartitionType
		expected      placement.HostPlacement
		expectedErr   gpu.ErrorCode
	}{
		{
			name:          "Free capacity",
			migEnabled:    true,
			capacity:      map[uint32]int{19: 7, 0: 1},
			partitionType: guestType,
			expected:      placement.HostPlacement{ProfileId: 19, CreateComputeInstance: true},
		},
		{
			name:          "Full slice profile",
			migEnabled:    true,
			capacity:      map[uint32]int{19: 0, 0: 1},
			partitionType: hostType,
			expected:      placement.HostPlacement{ProfileId: 0, CreateComputeInstance: true},
		},
		{
			name:          "Profile exhausted",
			migEnabled:    true,
			capacity:      map[uint32]int{19: 0, 0: 1},
			partitionType: guestType,
			expectedErr:   gpu.ErrorCodeCapacityExceeded,
		},
		{
			name:          "MIG disabled",
			migEnabled:    false,
			capacity:      map[uint32]int{19: 7, 0: 1},
			partitionType: guestType,
			expectedErr:   gpu.ErrorCodeCapacityExceeded,
		},
		{
			name:          "Guest only type",
			migEnabled:    true,
			capacity:      map[uint32]int{19: 7},
			partitionType: timeSliced,
			expectedErr:   gpu.ErrorCodeUnsupported,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			client := mocks.NewMockedNvmlClient(&mocks.NvmlDevice{
				Info:     nvml.DeviceInfo{UUID: deviceId, BusAddress: busAddress},
				MigMode:  gpu.HostModeStatus{Current: tt.migEnabled, Pending: tt.migEnabled},
				Profiles: []nvml.GpuInstanceProfile{{Id: 19, SliceCount: 1, MemoryMB: 4864}, {Id: 0, SliceCount: 7, MemoryMB: 40192}},
				Capacity: tt.capacity,
			})
			a := newAllocator(mocks.NewMockedSysfs("/sys"), client)

			p, err := a.PlaceHost(context.Background(), device, tt.partitionType)
			if tt.expectedErr != "" {
				require.NotNil(t, err)
				assert.Equal(t, tt.expectedErr, err.Code())
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, tt.expected, p)
			assert.Equal(t, 0, client.NumCallsCreateGpuInstance)
		})
	}
}
