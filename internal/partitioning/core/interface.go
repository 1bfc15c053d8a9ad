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

	"github.com/nebuly-ai/nos-partitioner/pkg/gpu"
)

// Partitioner performs the partitioning operations of the devices of one capability variant.
type Partitioner interface {
	SupportedTypes(ctx context.Context, device gpu.Device) (gpu.PartitionTypeList, gpu.Error)
	CreatableTypes(ctx context.Context, device gpu.Device) (gpu.PartitionTypeList, gpu.Error)
	CreatePartition(ctx context.Context, device gpu.Device, typeId int, backend gpu.Backend) (gpu.Partition, gpu.Error)
	ListPartitions(ctx context.Context, device gpu.Device) (gpu.PartitionList, gpu.Error)
	DestroyPartition(ctx context.Context, device gpu.Device, uuid string) gpu.Error
	GetHostPartitioningMode(ctx context.Context, device gpu.Device) (gpu.HostModeStatus, gpu.Error)
	SetHostPartitioningMode(ctx context.Context, device gpu.Device, enabled bool) (gpu.HostModeStatus, gpu.Error)
}

var _ Partitioner = &Manager{}
var _ Partitioner = unsupportedPartitioner{}

// unsupportedPartitioner serves the devices that can only be enumerated.
type unsupportedPartitioner struct{}

func NewUnsupportedPartitioner() Partitioner {
	return unsupportedPartitioner{}
}

func unsupported(device gpu.Device) gpu.Error {
	return gpu.UnsupportedErr.Errorf("device %s (%s) does not support partitioning", device.Id, device.Capability)
}

func (unsupportedPartitioner) SupportedTypes(_ context.Context, device gpu.Device) (gpu.PartitionTypeList, gpu.Error) {
	return nil, unsupported(device)
}

func (unsupportedPartitioner) CreatableTypes(_ context.Context, device gpu.Device) (gpu.PartitionTypeList, gpu.Error) {
	return nil, unsupported(device)
}

func (unsupportedPartitioner) CreatePartition(_ context.Context, device gpu.Device, _ int, _ gpu.Backend) (gpu.Partition, gpu.Error) {
	return gpu.Partition{}, unsupported(device)
}

func (unsupportedPartitioner) ListPartitions(_ context.Context, device gpu.Device) (gpu.PartitionList, gpu.Error) {
	return nil, unsupported(device)
}

func (unsupportedPartitioner) DestroyPartition(_ context.Context, device gpu.Device, _ string) gpu.Error {
	return unsupported(device)
}

func (unsupportedPartitioner) GetHostPartitioningMode(_ context.Context, device gpu.Device) (gpu.HostModeStatus, gpu.Error) {
	return gpu.HostModeStatus{}, unsupported(device)
}

func (unsupportedPartitioner) SetHostPartitioningMode(_ context.Context, device gpu.Device, _ bool) (gpu.HostModeStatus, gpu.Error) {
	return gpu.HostModeStatus{}, unsupported(device)
}
