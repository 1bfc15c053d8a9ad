//go:build nvml

/*
 * Copyright 2023 nebuly.com.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package nvml

import (
	"fmt"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
)

const bytesPerMB = 1024 * 1024

type device struct {
	nvml.Device
}

type clientImpl struct {
}

func NewClient() (Client, error) {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("unable to initialize NVML: %s", nvml.ErrorString(ret))
	}
	return &clientImpl{}, nil
}

// Shutdown releases the NVML library. The client must not be used afterwards.
func Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("unable to shutdown NVML: %s", nvml.ErrorString(ret))
	}
	return nil
}

func (c *clientImpl) GetDevices() ([]DeviceInfo, gpu.Error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, asError(ret, "error getting GPU device count")
	}
	res := make([]DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		d, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, asError(ret, "error getting device handle for GPU with index %d", i)
		}
		uuid, ret := d.GetUUID()
		if ret != nvml.SUCCESS {
			return nil, asError(ret, "error getting UUID of GPU with index %d", i)
		}
		name, ret := d.GetName()
		if ret != nvml.SUCCESS {
			return nil, asError(ret, "error getting name of GPU %s", uuid)
		}
		pciInfo, ret := d.GetPciInfo()
		if ret != nvml.SUCCESS {
			return nil, asError(ret, "error getting PCI info of GPU %s", uuid)
		}
		res = append(res, DeviceInfo{
			Index:      i,
			UUID:       uuid,
			Name:       name,
			BusAddress: fmt.Sprintf("%04x:%02x:%02x.0", pciInfo.Domain, pciInfo.Bus, pciInfo.Device),
		})
	}
	return res, nil
}

func (c *clientImpl) GetMigMode(deviceId string) (gpu.HostModeStatus, gpu.Error) {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return gpu.HostModeStatus{}, err
	}
	current, pending, ret := d.GetMigMode()
	if ret == nvml.ERROR_NOT_SUPPORTED {
		return gpu.HostModeStatus{}, nil
	}
	if ret != nvml.SUCCESS {
		return gpu.HostModeStatus{}, asError(ret, "error getting MIG mode of GPU %s", deviceId)
	}
	return gpu.HostModeStatus{
		Current: current == nvml.DEVICE_MIG_ENABLE,
		Pending: pending == nvml.DEVICE_MIG_ENABLE,
	}, nil
}

func (c *clientImpl) SetMigMode(deviceId string, enabled bool) gpu.Error {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return err
	}
	mode := nvml.DEVICE_MIG_DISABLE
	if enabled {
		mode = nvml.DEVICE_MIG_ENABLE
	}
	_, ret := d.SetMigMode(mode)
	if ret != nvml.SUCCESS {
		return asError(ret, "error setting MIG mode of GPU %s", deviceId)
	}
	return nil
}

func (c *clientImpl) GetSupportedVgpuTypes(deviceId string) ([]VgpuType, gpu.Error) {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return nil, err
	}
	ids, ret := d.GetSupportedVgpus()
	if ret == nvml.ERROR_NOT_SUPPORTED {
		return []VgpuType{}, nil
	}
	if ret != nvml.SUCCESS {
		return nil, asError(ret, "error getting supported vGPU types of GPU %s", deviceId)
	}
	res := make([]VgpuType, 0, len(ids))
	for _, id := range ids {
		name, ret := id.GetName()
		if ret != nvml.SUCCESS {
			return nil, asError(ret, "error getting name of vGPU type %d", id)
		}
		class, ret := id.GetClass()
		if ret != nvml.SUCCESS {
			return nil, asError(ret, "error getting class of vGPU type %d", id)
		}
		fbSize, ret := id.GetFramebufferSize()
		if ret != nvml.SUCCESS {
			return nil, asError(ret, "error getting framebuffer size of vGPU type %d", id)
		}
		profileId, ret := id.GetGpuInstanceProfileId()
		if ret != nvml.SUCCESS {
			return nil, asError(ret, "error getting GPU instance profile of vGPU type %d", id)
		}
		res = append(res, VgpuType{
			Id:                   int(id),
			Name:                 name,
			Class:                class,
			FramebufferMB:        fbSize / bytesPerMB,
			GpuInstanceProfileId: profileId,
		})
	}
	return res, nil
}

func (c *clientImpl) GetGpuInstanceProfiles(deviceId string) ([]GpuInstanceProfile, gpu.Error) {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return nil, err
	}
	res := make([]GpuInstanceProfile, 0)
	err = d.visitGpuInstanceProfiles(func(info nvml.GpuInstanceProfileInfo) (bool, gpu.Error) {
		res = append(res, GpuInstanceProfile{
			Id:            info.Id,
			SliceCount:    int(info.SliceCount),
			MemoryMB:      info.MemorySizeMB,
			MediaEngine:   info.JpegCount > 0 || info.OfaCount > 0,
			InstanceCount: int(info.InstanceCount),
		})
		return true, nil
	})
	return res, err
}

func (c *clientImpl) GetGpuInstanceRemainingCapacity(deviceId string, profileId uint32) (int, gpu.Error) {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return 0, err
	}
	info, err := d.getGpuInstanceProfileInfo(profileId)
	if err != nil {
		return 0, err
	}
	capacity, ret := d.GetGpuInstanceRemainingCapacity(&info)
	if ret != nvml.SUCCESS {
		return 0, asError(ret, "error getting remaining capacity of profile %d on GPU %s", profileId, deviceId)
	}
	return capacity, nil
}

func (c *clientImpl) GetGpuInstances(deviceId string) ([]GpuInstance, gpu.Error) {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return nil, err
	}
	status, err := c.GetMigMode(deviceId)
	if err != nil {
		return nil, err
	}
	if !status.Current {
		return []GpuInstance{}, nil
	}

	res := make([]GpuInstance, 0)
	err = d.visitGpuInstanceProfiles(func(info nvml.GpuInstanceProfileInfo) (bool, gpu.Error) {
		instances, ret := d.GetGpuInstances(&info)
		if ret != nvml.SUCCESS {
			return false, asError(ret, "error getting GPU instances with profile %d", info.Id)
		}
		for _, gi := range instances {
			instance, err := newGpuInstance(gi)
			if err != nil {
				return false, err
			}
			res = append(res, instance)
		}
		return true, nil
	})
	return res, err
}

func (c *clientImpl) CreateGpuInstance(deviceId string, profileId uint32) (GpuInstance, gpu.Error) {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return GpuInstance{}, err
	}
	info, err := d.getGpuInstanceProfileInfo(profileId)
	if err != nil {
		return GpuInstance{}, err
	}
	gi, ret := d.CreateGpuInstance(&info)
	if ret != nvml.SUCCESS {
		return GpuInstance{}, asError(ret, "error creating GPU instance with profile %d on GPU %s", profileId, deviceId)
	}
	return newGpuInstance(gi)
}

func (c *clientImpl) CreateDefaultComputeInstance(deviceId string, gpuInstanceId int) (ComputeInstance, gpu.Error) {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return ComputeInstance{}, err
	}
	gi, ret := d.GetGpuInstanceById(gpuInstanceId)
	if ret != nvml.SUCCESS {
		return ComputeInstance{}, asError(ret, "error getting GPU instance %d on GPU %s", gpuInstanceId, deviceId)
	}
	giInfo, ret := gi.GetInfo()
	if ret != nvml.SUCCESS {
		return ComputeInstance{}, asError(ret, "error getting info of GPU instance %d", gpuInstanceId)
	}
	giProfile, err := d.getGpuInstanceProfileInfo(giInfo.ProfileId)
	if err != nil {
		return ComputeInstance{}, err
	}

	// The default compute instance profile spans all the slices of the GPU instance
	for i := 0; i < nvml.COMPUTE_INSTANCE_PROFILE_COUNT; i++ {
		ciProfile, ret := gi.GetComputeInstanceProfileInfo(i, nvml.COMPUTE_INSTANCE_ENGINE_PROFILE_SHARED)
		if ret == nvml.ERROR_NOT_SUPPORTED || ret == nvml.ERROR_INVALID_ARGUMENT {
			continue
		}
		if ret != nvml.SUCCESS {
			return ComputeInstance{}, asError(ret, "error getting compute instance profile %d", i)
		}
		if ciProfile.SliceCount != giProfile.SliceCount {
			continue
		}
		ci, ret := gi.CreateComputeInstance(&ciProfile)
		if ret != nvml.SUCCESS {
			return ComputeInstance{}, asError(ret, "error creating compute instance on GPU instance %d", gpuInstanceId)
		}
		ciInfo, ret := ci.GetInfo()
		if ret != nvml.SUCCESS {
			return ComputeInstance{}, asError(ret, "error getting info of compute instance")
		}
		return ComputeInstance{Id: int(ciInfo.Id), ProfileId: ciInfo.ProfileId}, nil
	}

	return ComputeInstance{}, gpu.UnsupportedErr.Errorf(
		"default compute instance profile not found for GPU instance profile %d",
		giInfo.ProfileId,
	)
}

func (c *clientImpl) DestroyComputeInstance(deviceId string, gpuInstanceId int, computeInstanceId int) gpu.Error {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return err
	}
	gi, ret := d.GetGpuInstanceById(gpuInstanceId)
	if ret != nvml.SUCCESS {
		return asError(ret, "error getting GPU instance %d on GPU %s", gpuInstanceId, deviceId)
	}
	ci, ret := gi.GetComputeInstanceById(computeInstanceId)
	if ret != nvml.SUCCESS {
		return asError(ret, "error getting compute instance %d of GPU instance %d", computeInstanceId, gpuInstanceId)
	}
	if ret = ci.Destroy(); ret != nvml.SUCCESS {
		return asError(ret, "error destroying compute instance %d of GPU instance %d", computeInstanceId, gpuInstanceId)
	}
	return nil
}

func (c *clientImpl) DestroyGpuInstance(deviceId string, gpuInstanceId int) gpu.Error {
	d, err := c.getDevice(deviceId)
	if err != nil {
		return err
	}
	gi, ret := d.GetGpuInstanceById(gpuInstanceId)
	if ret != nvml.SUCCESS {
		return asError(ret, "error getting GPU instance %d on GPU %s", gpuInstanceId, deviceId)
	}
	err = visitComputeInstances(gi, func(ci nvml.ComputeInstance) gpu.Error {
		if ret := ci.Destroy(); ret != nvml.SUCCESS {
			return asError(ret, "error destroying compute instance of GPU instance %d", gpuInstanceId)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ret = gi.Destroy(); ret != nvml.SUCCESS {
		return asError(ret, "error destroying GPU instance %d on GPU %s", gpuInstanceId, deviceId)
	}
	return nil
}

func (c *clientImpl) getDevice(deviceId string) (device, gpu.Error) {
	d, ret := nvml.DeviceGetHandleByUUID(deviceId)
	if ret != nvml.SUCCESS {
		return device{}, asError(ret, "error getting handle of GPU %s", deviceId)
	}
	return device{d}, nil
}

// visitGpuInstanceProfiles calls f for each GPU instance profile supported by the device,
// until f returns false or an error.
func (d device) visitGpuInstanceProfiles(f func(info nvml.GpuInstanceProfileInfo) (bool, gpu.Error)) gpu.Error {
	for i := 0; i < nvml.GPU_INSTANCE_PROFILE_COUNT; i++ {
		info, ret := d.GetGpuInstanceProfileInfo(i)
		if ret == nvml.ERROR_NOT_SUPPORTED || ret == nvml.ERROR_INVALID_ARGUMENT {
			continue
		}
		if ret != nvml.SUCCESS {
			return asError(ret, "error getting GPU instance profile info %d", i)
		}
		continueVisiting, err := f(info)
		if err != nil {
			return err
		}
		if !continueVisiting {
			return nil
		}
	}
	return nil
}

func (d device) getGpuInstanceProfileInfo(profileId uint32) (nvml.GpuInstanceProfileInfo, gpu.Error) {
	var res nvml.GpuInstanceProfileInfo
	var found bool
	err := d.visitGpuInstanceProfiles(func(info nvml.GpuInstanceProfileInfo) (bool, gpu.Error) {
		if info.Id == profileId {
			res = info
			found = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return res, err
	}
	if !found {
		return res, gpu.NotFoundErr.Errorf("GPU instance profile %d not supported", profileId)
	}
	return res, nil
}

func visitComputeInstances(gi nvml.GpuInstance, f func(ci nvml.ComputeInstance) gpu.Error) gpu.Error {
	for i := 0; i < nvml.COMPUTE_INSTANCE_PROFILE_COUNT; i++ {
		info, ret := gi.GetComputeInstanceProfileInfo(i, nvml.COMPUTE_INSTANCE_ENGINE_PROFILE_SHARED)
		if ret == nvml.ERROR_NOT_SUPPORTED || ret == nvml.ERROR_INVALID_ARGUMENT {
			continue
		}
		if ret != nvml.SUCCESS {
			return asError(ret, "error getting compute instance profile info %d", i)
		}
		instances, ret := gi.GetComputeInstances(&info)
		if ret != nvml.SUCCESS {
			return asError(ret, "error getting compute instances with profile %d", info.Id)
		}
		for _, ci := range instances {
			if err := f(ci); err != nil {
				return err
			}
		}
	}
	return nil
}

func newGpuInstance(gi nvml.GpuInstance) (GpuInstance, gpu.Error) {
	info, ret := gi.GetInfo()
	if ret != nvml.SUCCESS {
		return GpuInstance{}, asError(ret, "error getting GPU instance info")
	}
	res := GpuInstance{
		Id:               int(info.Id),
		ProfileId:        info.ProfileId,
		ComputeInstances: make([]ComputeInstance, 0),
	}
	err := visitComputeInstances(gi, func(ci nvml.ComputeInstance) gpu.Error {
		ciInfo, ret := ci.GetInfo()
		if ret != nvml.SUCCESS {
			return asError(ret, "error getting compute instance info")
		}
		res.ComputeInstances = append(res.ComputeInstances, ComputeInstance{
			Id:        int(ciInfo.Id),
			ProfileId: ciInfo.ProfileId,
		})
		return nil
	})
	return res, err
}

// asError classifies an NVML return code into the gpu error taxonomy.
func asError(ret nvml.Return, format string, args ...any) gpu.Error {
	err := fmt.Errorf("%s: %s", fmt.Sprintf(format, args...), nvml.ErrorString(ret))
	switch ret {
	case nvml.ERROR_NOT_FOUND:
		return gpu.NotFoundErr.Wrap(err)
	case nvml.ERROR_NO_PERMISSION:
		return gpu.PermissionDeniedErr.Wrap(err)
	case nvml.ERROR_INSUFFICIENT_RESOURCES:
		return gpu.CapacityExceededErr.Wrap(err)
	case nvml.ERROR_NOT_SUPPORTED:
		return gpu.UnsupportedErr.Wrap(err)
	default:
		return gpu.DriverErr.Wrap(err)
	}
}
