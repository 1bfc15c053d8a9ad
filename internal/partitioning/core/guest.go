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

	"github.com/google/uuid"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"k8s.io/apimachinery/pkg/util/wait"
)

func (m *Manager) createGuestPartition(ctx context.Context, device gpu.Device, t gpu.PartitionType) (gpu.Partition, gpu.Error) {
	logger := newLogger(ctx)

	// Types backed by an instance profile need an existing GPU instance on real hardware:
	// none is provisioned here, capacity is the one reported by the mdev driver.
	f, err := m.allocator.PlaceGuest(ctx, device, t)
	if err != nil {
		return gpu.Partition{}, err
	}
	mdev := sysfs.Mdev{UUID: uuid.NewString(), TypeId: t.Id, Function: f}
	logger.V(1).Info("creating mdev", "device", device.Id, "function", f.BusAddress, "type", t.Id, "uuid", mdev.UUID)
	if err = m.tree.CreateMdev(f, t.Id, mdev.UUID); err != nil {
		return gpu.Partition{}, gpu.NotFoundAsDriverError(err)
	}

	// The kernel may populate the mdev node after the write returns
	waitErr := wait.PollUntilContextTimeout(ctx, m.appearancePollInterval, m.appearanceTimeout, true, func(context.Context) (bool, error) {
		return m.tree.MdevExists(f, t.Id, mdev.UUID), nil
	})
	if waitErr != nil {
		if removeErr := m.tree.RemoveMdev(mdev); removeErr != nil {
			logger.Error(removeErr, "unable to clean up mdev", "device", device.Id, "uuid", mdev.UUID)
		}
		return gpu.Partition{}, gpu.DriverErr.Errorf(
			"mdev %s did not appear on %s within %s: %w",
			mdev.UUID,
			f.Path,
			m.appearanceTimeout,
			waitErr,
		)
	}

	return newGuestPartition(device, t, mdev), nil
}

func (m *Manager) destroyGuestPartition(ctx context.Context, partition gpu.Partition) gpu.Error {
	mdev := sysfs.Mdev{
		UUID:   partition.UUID,
		TypeId: partition.Type.Id,
		Function: sysfs.Function{
			Index:      partition.Location.VirtualFunctionIndex,
			BusAddress: partition.Location.BusAddress,
			Path:       partition.Location.Path,
		},
	}
	newLogger(ctx).V(1).Info("removing mdev", "device", partition.DeviceId, "uuid", mdev.UUID, "function", mdev.Function.BusAddress)
	err := m.tree.RemoveMdev(mdev)
	if err == nil {
		return nil
	}
	if err.IsNotFound() {
		return gpu.PartitionNotFoundErr.Wrap(err)
	}
	return err
}

// listGuestPartitions returns the mdevs of the device itself and of its virtual functions.
func (m *Manager) listGuestPartitions(_ context.Context, device gpu.Device, types gpu.PartitionTypeList) (gpu.PartitionList, gpu.Error) {
	vfs, err := m.tree.VirtualFunctions(device.BusAddress)
	if err != nil {
		return nil, gpu.NotFoundAsDriverError(err)
	}
	functions := append([]sysfs.Function{m.tree.PhysicalFunction(device.BusAddress)}, vfs...)

	res := make(gpu.PartitionList, 0)
	for _, f := range functions {
		mdevs, err := m.tree.ListMdevs(f)
		if err != nil {
			return nil, gpu.NotFoundAsDriverError(err)
		}
		for _, mdev := range mdevs {
			res = append(res, newGuestPartition(device, m.guestType(types, mdev), mdev))
		}
	}
	return res, nil
}

// guestType returns the type of the mdev from the types provided as argument, falling back
// to the name exposed by the mdev type node.
func (m *Manager) guestType(types gpu.PartitionTypeList, mdev sysfs.Mdev) gpu.PartitionType {
	if t, found := types.FindById(mdev.TypeId); found && t.Flags.SupportsGuest() {
		return t
	}
	name, err := m.tree.TypeName(mdev.Function, mdev.TypeId)
	if err != nil {
		name = m.tree.TypeKey(mdev.TypeId)
	}
	return gpu.PartitionType{
		Id:                mdev.TypeId,
		Name:              name,
		Flags:             gpu.TypeFlagGuest,
		InstanceProfileId: gpu.InvalidInstanceProfileId,
	}
}

func newGuestPartition(device gpu.Device, t gpu.PartitionType, mdev sysfs.Mdev) gpu.Partition {
	kind := gpu.LocationDevice
	if mdev.Function.IsVirtual() {
		kind = gpu.LocationVirtualFunction
	}
	return gpu.Partition{
		UUID:     mdev.UUID,
		DeviceId: device.Id,
		Type:     t,
		Backend:  gpu.BackendGuestMdev,
		Location: gpu.Location{
			Kind:                 kind,
			BusAddress:           mdev.Function.BusAddress,
			VirtualFunctionIndex: mdev.Function.Index,
			Path:                 mdev.Function.Path,
			ComputeInstanceId:    gpu.NoComputeInstance,
		},
	}
}
