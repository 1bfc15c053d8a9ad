package sysfs_test

import (
	"path/filepath"
	"testing"

	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"github.com/nebuly-ai/nos-partitioner/pkg/test/mocks"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_ScanDisplayDevices(t *testing.T) {
	t.Run("Missing PCI tree", func(t *testing.T) {
		tree := sysfs.NewTree(mocks.NewMockedSysfs("/sys"), "/sys", "nvidia")
		devices, err := tree.ScanDisplayDevices()
		assert.Nil(t, err)
		assert.Empty(t, devices)
	})

	t.Run("Only physical display controllers are returned", func(t *testing.T) {
		fs := mocks.NewMockedSysfs("/sys")
		fs.AddPCIDevice("0000:af:00.0", "0x1002", "0x740f", "0x038000")
		fs.AddPCIDevice("0000:00:1f.2", "0x8086", "0xa352", "0x010601")
		fs.AddPCIDevice("0000:3b:00.0", "0x10de", "0x20f1", "0x030200")
		vfPath := fs.AddPCIDevice("0000:3b:00.4", "0x10de", "0x20f1", "0x030200")
		require.NoError(t, afero.WriteFile(fs.Fs, filepath.Join(vfPath, "physfn"), nil, 0644))
		tree := sysfs.NewTree(fs, "/sys", "nvidia")

		devices, err := tree.ScanDisplayDevices()
		assert.Nil(t, err)
		assert.Equal(t, []sysfs.PCIDevice{
			{BusAddress: "0000:3b:00.0", VendorId: "0x10de", DeviceId: "0x20f1", Class: "0x030200"},
			{BusAddress: "0000:af:00.0", VendorId: "0x1002", DeviceId: "0x740f", Class: "0x038000"},
		}, devices)
	})
}

func TestPCIDevice_Names(t *testing.T) {
	testCases := []struct {
		name           string
		device         sysfs.PCIDevice
		expectedVendor string
		expectedModel  string
	}{
		{
			name:           "Known vendor and model",
			device:         sysfs.PCIDevice{VendorId: "0x10de", DeviceId: "0x20f1"},
			expectedVendor: "nvidia",
			expectedModel:  "a100",
		},
		{
			name:           "Known vendor, unknown model",
			device:         sysfs.PCIDevice{VendorId: "0x1002", DeviceId: "0x740f"},
			expectedVendor: "amd",
			expectedModel:  "0x1002:0x740f",
		},
		{
			name:           "Unknown vendor",
			device:         sysfs.PCIDevice{VendorId: "0x1234", DeviceId: "0x1111"},
			expectedVendor: "0x1234",
			expectedModel:  "0x1234:0x1111",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedVendor, tt.device.VendorName())
			assert.Equal(t, tt.expectedModel, tt.device.ModelName())
		})
	}
}
