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
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
)

// DeviceInfo describes a GPU visible to the management library.
type DeviceInfo struct {
	Index      int
	UUID       string
	Name       string
	BusAddress string
}

// VgpuType is a guest partition type supported by a GPU.
type VgpuType struct {
	Id            int
	Name          string
	Class         string
	FramebufferMB uint64
	// GpuInstanceProfileId is gpu.InvalidInstanceProfileId when the type is time-sliced
	GpuInstanceProfileId uint32
}

// GpuInstanceProfile is a MIG GPU instance profile.
type GpuInstanceProfile struct {
	Id            uint32
	SliceCount    int
	MemoryMB      uint64
	MediaEngine   bool
	InstanceCount int
}

type ComputeInstance struct {
	Id        int
	ProfileId uint32
}

type GpuInstance struct {
	Id               int
	ProfileId        uint32
	ComputeInstances []ComputeInstance
}

// Client is the capability port over the vendor management library.
// Every method addresses a GPU by its UUID and fails with a gpu.Error:
// gpu.NotFoundErr when the GPU or the instance does not exist.
type Client interface {
	GetDevices() ([]DeviceInfo, gpu.Error)

	GetMigMode(deviceId string) (gpu.HostModeStatus, gpu.Error)
	SetMigMode(deviceId string, enabled bool) gpu.Error

	GetSupportedVgpuTypes(deviceId string) ([]VgpuType, gpu.Error)
	GetGpuInstanceProfiles(deviceId string) ([]GpuInstanceProfile, gpu.Error)
	GetGpuInstanceRemainingCapacity(deviceId string, profileId uint32) (int, gpu.Error)

	GetGpuInstances(deviceId string) ([]GpuInstance, gpu.Error)
	CreateGpuInstance(deviceId string, profileId uint32) (GpuInstance, gpu.Error)
	// CreateDefaultComputeInstance creates a compute instance spanning all the slices of the GPU instance
	CreateDefaultComputeInstance(deviceId string, gpuInstanceId int) (ComputeInstance, gpu.Error)
	DestroyComputeInstance(deviceId string, gpuInstanceId int, computeInstanceId int) gpu.Error
	// DestroyGpuInstance destroys the GPU instance together with all its compute instances
	DestroyGpuInstance(deviceId string, gpuInstanceId int) gpu.Error
}
