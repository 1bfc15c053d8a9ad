package mocks

import (
	"sync"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
)

// NvmlDevice is the state of a GPU simulated by MockedNvmlClient.
type NvmlDevice struct {
	Info      nvml.DeviceInfo
	MigMode   gpu.HostModeStatus
	VgpuTypes []nvml.VgpuType
	// Profiles are reported only when MIG mode is enabled
	Profiles []nvml.GpuInstanceProfile
	// Capacity is the number of GPU instances that can still be created, per profile
	Capacity     map[uint32]int
	GpuInstances []nvml.GpuInstance
	// ResetRequired makes MIG mode changes pending until a reset
	ResetRequired bool
}

// MockedNvmlClient is an in-memory nvml.Client: GPU instances are created and destroyed
// against the simulated capacity of each profile.
type MockedNvmlClient struct {
	// ReturnedError, if set, is returned by every call
	ReturnedError gpu.Error
	// CreateComputeInstanceError, if set, is returned by CreateDefaultComputeInstance
	CreateComputeInstanceError gpu.Error

	NumCallsCreateGpuInstance  int
	NumCallsDestroyGpuInstance int

	devices  []*NvmlDevice
	nextGiId int
	mu       sync.Mutex
}

func NewMockedNvmlClient(devices ...*NvmlDevice) *MockedNvmlClient {
	return &MockedNvmlClient{devices: devices, nextGiId: 1}
}

func (c *MockedNvmlClient) Device(uuid string) *NvmlDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, _ := c.getDevice(uuid)
	return d
}

func (c *MockedNvmlClient) getDevice(uuid string) (*NvmlDevice, gpu.Error) {
	if c.ReturnedError != nil {
		return nil, c.ReturnedError
	}
	for _, d := range c.devices {
		if d.Info.UUID == uuid {
			return d, nil
		}
	}
	return nil, gpu.NotFoundErr.Errorf("GPU %s not found", uuid)
}

func (c *MockedNvmlClient) GetDevices() ([]nvml.DeviceInfo, gpu.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReturnedError != nil {
		return nil, c.ReturnedError
	}
	res := make([]nvml.DeviceInfo, len(c.devices))
	for i, d := range c.devices {
		res[i] = d.Info
	}
	return res, nil
}

func (c *MockedNvmlClient) GetMigMode(deviceId string) (gpu.HostModeStatus, gpu.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.getDevice(deviceId)
	if err != nil {
		return gpu.HostModeStatus{}, err
	}
	return d.MigMode, nil
}

func (c *MockedNvmlClient) SetMigMode(deviceId string, enabled bool) gpu.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.getDevice(deviceId)
	if err != nil {
		return err
	}
	d.MigMode.Pending = enabled
	if !d.ResetRequired {
		d.MigMode.Current = enabled
	}
	return nil
}

func (c *MockedNvmlClient) GetSupportedVgpuTypes(deviceId string) ([]nvml.VgpuType, gpu.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.getDevice(deviceId)
	if err != nil {
		return nil, err
	}
	return append([]nvml.VgpuType{}, d.VgpuTypes...), nil
}

func (c *MockedNvmlClient) GetGpuInstanceProfiles(deviceId string) ([]nvml.GpuInstanceProfile, gpu.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.getDevice(deviceId)
	if err != nil {
		return nil, err
	}
	if !d.MigMode.Current {
		return []nvml.GpuInstanceProfile{}, nil
	}
	return append([]nvml.GpuInstanceProfile{}, d.Profiles...), nil
}

func (c *MockedNvmlClient) GetGpuInstanceRemainingCapacity(deviceId string, profileId uint32) (int, gpu.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.getDevice(deviceId)
	if err != nil {
		return 0, err
	}
	if !d.MigMode.Current {
		return 0, gpu.UnsupportedErr.Errorf("MIG mode is disabled")
	}
	if !d.hasProfile(profileId) {
		return 0, gpu.NotFoundErr.Errorf("profile %d not supported", profileId)
	}
	return d.Capacity[profileId], nil
}

func (c *MockedNvmlClient) GetGpuInstances(deviceId string) ([]nvml.GpuInstance, gpu.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.getDevice(deviceId)
	if err != nil {
		return nil, err
	}
	res := make([]nvml.GpuInstance, len(d.GpuInstances))
	for i, gi := range d.GpuInstances {
		res[i] = gi
		res[i].ComputeInstances = append([]nvml.ComputeInstance{}, gi.ComputeInstances...)
	}
	return res, nil
}

func (c *MockedNvmlClient) CreateGpuInstance(deviceId string, profileId uint32) (nvml.GpuInstance, gpu.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NumCallsCreateGpuInstance++
	d, err := c.getDevice(deviceId)
	if err != nil {
		return nvml.GpuInstance{}, err
	}
	if !d.MigMode.Current {
		return nvml.GpuInstance{}, gpu.UnsupportedErr.Errorf("MIG mode is disabled")
	}
	if !d.hasProfile(profileId) {
		return nvml.GpuInstance{}, gpu.NotFoundErr.Errorf("profile %d not supported", profileId)
	}
	if d.Capacity[profileId] <= 0 {
		return nvml.GpuInstance{}, gpu.CapacityExceededErr.Errorf("insufficient resources for profile %d", profileId)
	}
	d.Capacity[profileId]--
	gi := nvml.GpuInstance{Id: c.nextGiId, ProfileId: profileId, ComputeInstances: []nvml.ComputeInstance{}}
	c.nextGiId++
	d.GpuInstances = append(d.GpuInstances, gi)
	return gi, nil
}

func (c *MockedNvmlClient) CreateDefaultComputeInstance(deviceId string, gpuInstanceId int) (nvml.ComputeInstance, gpu.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.getDevice(deviceId)
	if err != nil {
		return nvml.ComputeInstance{}, err
	}
	if c.CreateComputeInstanceError != nil {
		return nvml.ComputeInstance{}, c.CreateComputeInstanceError
	}
	gi := d.findGpuInstance(gpuInstanceId)
	if gi == nil {
		return nvml.ComputeInstance{}, gpu.NotFoundErr.Errorf("GPU instance %d not found", gpuInstanceId)
	}
	ci := nvml.ComputeInstance{Id: len(gi.ComputeInstances), ProfileId: gi.ProfileId}
	gi.ComputeInstances = append(gi.ComputeInstances, ci)
	return ci, nil
}

func (c *MockedNvmlClient) DestroyComputeInstance(deviceId string, gpuInstanceId int, computeInstanceId int) gpu.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.getDevice(deviceId)
	if err != nil {
		return err
	}
	gi := d.findGpuInstance(gpuInstanceId)
	if gi == nil {
		return gpu.NotFoundErr.Errorf("GPU instance %d not found", gpuInstanceId)
	}
	for i, ci := range gi.ComputeInstances {
		if ci.Id == computeInstanceId {
			gi.ComputeInstances = append(gi.ComputeInstances[:i], gi.ComputeInstances[i+1:]...)
			return nil
		}
	}
	return gpu.NotFoundErr.Errorf("compute instance %d not found", computeInstanceId)
}

func (c *MockedNvmlClient) DestroyGpuInstance(deviceId string, gpuInstanceId int) gpu.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NumCallsDestroyGpuInstance++
	d, err := c.getDevice(deviceId)
	if err != nil {
		return err
	}
	for i, gi := range d.GpuInstances {
		if gi.Id == gpuInstanceId {
			d.GpuInstances = append(d.GpuInstances[:i], d.GpuInstances[i+1:]...)
			d.Capacity[gi.ProfileId]++
			return nil
		}
	}
	return gpu.NotFoundErr.Errorf("GPU instance %d not found", gpuInstanceId)
}

func (d *NvmlDevice) hasProfile(profileId uint32) bool {
	for _, p := range d.Profiles {
		if p.Id == profileId {
			return true
		}
	}
	return false
}

func (d *NvmlDevice) findGpuInstance(id int) *nvml.GpuInstance {
	for i := range d.GpuInstances {
		if d.GpuInstances[i].Id == id {
			return &d.GpuInstances[i]
		}
	}
	return nil
}
