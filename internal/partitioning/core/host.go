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

package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
	"github.com/nebuly-ai/nos-partitioner/pkg/registry"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"github.com/nebuly-ai/nos-partitioner/pkg/util"
)

// hostPartitionNamespace is the namespace of the UUIDs derived for the GPU instances
// that were not created by the manager.
var hostPartitionNamespace = uuid.MustParse("5f0c2f1e-7a6b-4c1d-9e3a-2b8d4c6f0a17")

// HostPartitionUUID returns the UUID of a GPU instance missing from the registry. The UUID
// is stable as long as the instance exists.
func HostPartitionUUID(deviceId string, gpuInstanceId int, computeInstanceId int) string {
	name := fmt.Sprintf("%s/gi/%d/ci/%d", deviceId, gpuInstanceId, computeInstanceId)
	return uuid.NewSHA1(hostPartitionNamespace, []byte(name)).String()
}

func (m *Manager) createHostPartition(ctx context.Context, device gpu.Device, t gpu.PartitionType) (gpu.Partition, gpu.Error) {
	logger := newLogger(ctx)

	placement, err := m.allocator.PlaceHost(ctx, device, t)
	if err != nil {
		return gpu.Partition{}, err
	}
	logger.V(1).Info("creating GPU instance", "device", device.Id, "profile", placement.ProfileId)
	gi, err := m.nvmlClient.CreateGpuInstance(device.Id, placement.ProfileId)
	if err != nil {
		return gpu.Partition{}, gpu.NotFoundAsDriverError(err)
	}
	if gi.ProfileId != placement.ProfileId {
		m.cleanupGpuInstance(ctx, device, gi.Id)
		return gpu.Partition{}, gpu.DriverErr.Errorf(
			"GPU instance %d has profile %d, expected %d",
			gi.Id,
			gi.ProfileId,
			placement.ProfileId,
		)
	}

	record := registry.Record{GpuInstanceId: gi.Id, ComputeInstanceId: gpu.NoComputeInstance, TypeId: t.Id}
	if placement.CreateComputeInstance {
		ci, err := m.nvmlClient.CreateDefaultComputeInstance(device.Id, gi.Id)
		if err != nil {
			m.cleanupGpuInstance(ctx, device, gi.Id)
			return gpu.Partition{}, gpu.NotFoundAsDriverError(err)
		}
		record.ComputeInstanceId = ci.Id
	}

	partitionUUID := uuid.NewString()
	if putErr := m.registry.Put(device.Id, partitionUUID, record); putErr != nil {
		m.cleanupGpuInstance(ctx, device, gi.Id)
		return gpu.Partition{}, gpu.DriverErr.Errorf("unable to register partition %s: %w", partitionUUID, putErr)
	}

	return newHostPartition(device, t, partitionUUID, record), nil
}

// cleanupGpuInstance destroys a half-created GPU instance, logging any failure.
func (m *Manager) cleanupGpuInstance(ctx context.Context, device gpu.Device, gpuInstanceId int) {
	if err := m.nvmlClient.DestroyGpuInstance(device.Id, gpuInstanceId); err != nil {
		newLogger(ctx).Error(err, "unable to clean up GPU instance", "device", device.Id, "gpuInstance", gpuInstanceId)
	}
}

// destroyHostPartition destroys the compute instances of the GPU instance, then the GPU instance.
func (m *Manager) destroyHostPartition(ctx context.Context, device gpu.Device, partition gpu.Partition) gpu.Error {
	logger := newLogger(ctx)
	giId := partition.Location.GpuInstanceId

	gi, err := m.findGpuInstance(device, giId)
	if err != nil {
		return err
	}
	for _, ci := range gi.ComputeInstances {
		logger.V(1).Info("destroying compute instance", "device", device.Id, "gpuInstance", giId, "computeInstance", ci.Id)
		if err = m.nvmlClient.DestroyComputeInstance(device.Id, giId, ci.Id); err != nil {
			return asDestroyError(err, partition)
		}
	}
	logger.V(1).Info("destroying GPU instance", "device", device.Id, "gpuInstance", giId)
	if err = m.nvmlClient.DestroyGpuInstance(device.Id, giId); err != nil {
		return asDestroyError(err, partition)
	}

	// Stale records are dropped when their GPU instance id is reused
	if deleteErr := m.registry.Delete(device.Id, partition.UUID); deleteErr != nil {
		logger.Error(deleteErr, "unable to unregister partition", "device", device.Id, "partition", partition.UUID)
	}
	return nil
}

func (m *Manager) findGpuInstance(device gpu.Device, gpuInstanceId int) (nvml.GpuInstance, gpu.Error) {
	instances, err := m.nvmlClient.GetGpuInstances(device.Id)
	if err != nil {
		return nvml.GpuInstance{}, gpu.NotFoundAsDriverError(err)
	}
	for _, gi := range instances {
		if gi.Id == gpuInstanceId {
			return gi, nil
		}
	}
	return nvml.GpuInstance{}, gpu.PartitionNotFoundErr.Errorf("GPU instance %d not found on device %s", gpuInstanceId, device.Id)
}

func asDestroyError(err gpu.Error, partition gpu.Partition) gpu.Error {
	if err.IsNotFound() {
		return gpu.PartitionNotFoundErr.Errorf("partition %s: %w", partition.UUID, err)
	}
	return err
}

// listHostPartitions returns the GPU instances of the device, identified by the UUID stored in
// the registry or, when missing, by a UUID derived from their location.
func (m *Manager) listHostPartitions(_ context.Context, device gpu.Device, types gpu.PartitionTypeList) (gpu.PartitionList, gpu.Error) {
	instances, err := m.nvmlClient.GetGpuInstances(device.Id)
	if err != nil {
		return nil, gpu.NotFoundAsDriverError(err)
	}
	res := make(gpu.PartitionList, 0, len(instances))
	if len(instances) == 0 {
		return res, nil
	}

	records, listErr := m.registry.List(device.Id)
	if listErr != nil {
		return nil, gpu.DriverErr.Errorf("unable to read partition registry: %w", listErr)
	}
	uuidByGpuInstance := make(map[int]string, len(records))
	for _, partitionUUID := range util.SortedKeys(records) {
		if _, ok := uuidByGpuInstance[records[partitionUUID].GpuInstanceId]; !ok {
			uuidByGpuInstance[records[partitionUUID].GpuInstanceId] = partitionUUID
		}
	}

	for _, gi := range instances {
		record := registry.Record{GpuInstanceId: gi.Id, ComputeInstanceId: gpu.NoComputeInstance, TypeId: -1}
		if len(gi.ComputeInstances) > 0 {
			record.ComputeInstanceId = gi.ComputeInstances[0].Id
		}
		partitionUUID, registered := uuidByGpuInstance[gi.Id]
		if registered {
			record.TypeId = records[partitionUUID].TypeId
		} else {
			partitionUUID = HostPartitionUUID(device.Id, gi.Id, record.ComputeInstanceId)
		}
		res = append(res, newHostPartition(device, hostType(types, gi, record.TypeId), partitionUUID, record))
	}
	return res, nil
}

// hostType returns the type the GPU instance was created with, or the first host-capable
// type realized by its profile.
func hostType(types gpu.PartitionTypeList, gi nvml.GpuInstance, typeId int) gpu.PartitionType {
	if t, found := types.FindById(typeId); found && t.Flags.SupportsHost() && t.InstanceProfileId == gi.ProfileId {
		return t
	}
	if t, found := types.FindHostType(gi.ProfileId); found {
		return t
	}
	return gpu.PartitionType{
		Id:                int(gi.ProfileId),
		Name:              fmt.Sprintf("profile-%d", gi.ProfileId),
		Flags:             gpu.TypeFlagHost,
		InstanceProfileId: gi.ProfileId,
	}
}

func newHostPartition(device gpu.Device, t gpu.PartitionType, partitionUUID string, record registry.Record) gpu.Partition {
	return gpu.Partition{
		UUID:     partitionUUID,
		DeviceId: device.Id,
		Type:     t,
		Backend:  gpu.BackendHostInstance,
		Location: gpu.Location{
			Kind:                 gpu.LocationHostInstance,
			BusAddress:           device.BusAddress,
			VirtualFunctionIndex: sysfs.PhysicalFunctionIndex,
			GpuInstanceId:        record.GpuInstanceId,
			ComputeInstanceId:    record.ComputeInstanceId,
		},
	}
}
