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

package placement

import (
	"context"

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
	"github.com/nebuly-ai/nos-partitioner/pkg/gpu/nvml"
	"github.com/nebuly-ai/nos-partitioner/pkg/sysfs"
	"k8s.io/klog/v2"
)

// HostPlacement is the request to submit to the vendor library for creating a host partition.
type HostPlacement struct {
	ProfileId uint32
	// CreateComputeInstance tells whether a default compute instance must be created
	// together with the GPU instance
	CreateComputeInstance bool
}

// Allocator chooses where new partitions are created. Free capacity is always read
// from the hardware, never cached.
type Allocator struct {
	nvmlClient                   nvml.Client
	tree                         *sysfs.Tree
	createDefaultComputeInstance bool
}

func NewAllocator(nvmlClient nvml.Client, tree *sysfs.Tree, createDefaultComputeInstance bool) *Allocator {
	return &Allocator{
		nvmlClient:                   nvmlClient,
		tree:                         tree,
		createDefaultComputeInstance: createDefaultComputeInstance,
	}
}

// PlaceGuest returns the first guest location, in ascending virtual function index, with free
// capacity for the partition type. The device itself is a location only when it has no
// virtual functions. Fails with gpu.CapacityExceededErr if no location has free capacity.
func (a *Allocator) PlaceGuest(ctx context.Context, device gpu.Device, partitionType gpu.PartitionType) (sysfs.Function, gpu.Error) {
	logger := klog.FromContext(ctx).WithName("Allocator")
	if !partitionType.Flags.SupportsGuest() {
		return sysfs.Function{}, gpu.UnsupportedErr.Errorf("partition type %d cannot be realized as guest partition", partitionType.Id)
	}

	locations, err := a.tree.GuestLocations(device.BusAddress)
	if err != nil {
		return sysfs.Function{}, gpu.NotFoundAsDriverError(err)
	}
	for _, l := range locations {
		available, err := a.availableInstances(l, partitionType.Id)
		if err != nil {
			return sysfs.Function{}, err
		}
		logger.V(1).Info("read free capacity", "device", device.Id, "function", l.BusAddress, "type", partitionType.Id, "available", available)
		if available > 0 {
			return l, nil
		}
	}
	return sysfs.Function{}, gpu.CapacityExceededErr.Errorf(
		"no free capacity for partition type %d on device %s",
		partitionType.Id,
		device.Id,
	)
}

// GuestCapacity returns the number of guest partitions of the type that can still be created
// on the device, summed across all its guest locations.
func (a *Allocator) GuestCapacity(_ context.Context, device gpu.Device, partitionType gpu.PartitionType) (int, gpu.Error) {
	if !partitionType.Flags.SupportsGuest() {
		return 0, nil
	}
	locations, err := a.tree.GuestLocations(device.BusAddress)
	if err != nil {
		return 0, gpu.NotFoundAsDriverError(err)
	}
	var res int
	for _, l := range locations {
		available, err := a.availableInstances(l, partitionType.Id)
		if err != nil {
			return 0, err
		}
		res += available
	}
	return res, nil
}

// PlaceHost translates the partition type into the request for the vendor library, which owns
// the placement of host partitions. Fails with gpu.CapacityExceededErr if the device has no
// room left for the instance profile of the type.
func (a *Allocator) PlaceHost(ctx context.Context, device gpu.Device, partitionType gpu.PartitionType) (HostPlacement, gpu.Error) {
	if !partitionType.Flags.SupportsHost() {
		return HostPlacement{}, gpu.UnsupportedErr.Errorf("partition type %d cannot be realized as host partition", partitionType.Id)
	}
	capacity, err := a.HostCapacity(ctx, device, partitionType)
	if err != nil {
		return HostPlacement{}, err
	}
	if capacity <= 0 {
		return HostPlacement{}, gpu.CapacityExceededErr.Errorf(
			"no free capacity for instance profile %d on device %s",
			partitionType.InstanceProfileId,
			device.Id,
		)
	}
	return HostPlacement{
		ProfileId:             partitionType.InstanceProfileId,
		CreateComputeInstance: a.createDefaultComputeInstance,
	}, nil
}

// HostCapacity returns the number of host partitions of the type that can still be created
// on the device, 0 when MIG mode is disabled.
func (a *Allocator) HostCapacity(_ context.Context, device gpu.Device, partitionType gpu.PartitionType) (int, gpu.Error) {
	if !partitionType.Flags.SupportsHost() {
		return 0, nil
	}
	status, err := a.nvmlClient.GetMigMode(device.Id)
	if err != nil {
		return 0, gpu.NotFoundAsDriverError(err)
	}
	if !status.Current {
		return 0, nil
	}
	capacity, err := a.nvmlClient.GetGpuInstanceRemainingCapacity(device.Id, partitionType.InstanceProfileId)
	if gpu.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return capacity, nil
}

// availableInstances returns the free capacity of the type on the function, 0 if the
// function does not support the type.
func (a *Allocator) availableInstances(f sysfs.Function, typeId int) (int, gpu.Error) {
	available, err := a.tree.AvailableInstances(f, typeId)
	if gpu.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return available, nil
}
